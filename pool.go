package backtester

import (
	"fmt"
	"math"

	"github.com/daoleno/uniswapv3-sdk/constants"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// pool config
type PoolConfig struct {
	Token0   common.Address
	Token1   common.Address
	Fee      constants.FeeAmount
	GovShare float64
}

func NewPoolConfig(token0, token1 common.Address, fee constants.FeeAmount, govShare float64) *PoolConfig {
	return &PoolConfig{
		Token0:   token0,
		Token1:   token1,
		Fee:      fee,
		GovShare: govShare,
	}
}

// Pool is a single concentrated-liquidity pool simulated off-chain. It is a
// single-threaded deterministic state machine: LPs deposit liquidity into
// price ranges, a price feed drives SwapPrice, and swap fees accrue to
// positions in proportion to their share of in-range liquidity.
//
// The active range [Lower, Upper) brackets the current price with the
// nearest registered ticks, or is unbounded where none exist. FeeGrowth0/1
// are the monotone per-unit-liquidity fee accumulators; the governance share
// is withheld from them.
type Pool struct {
	gorm.Model
	PoolAddress     string `gorm:"index"`
	HasCreated      bool   // has created in db, Flush will set to true
	Token0          string
	Token1          string
	CurrentPrice    float64
	Liquidity       float64
	Lower           float64
	Upper           float64
	FeeTier         float64 // fraction, e.g. 0.003
	GovShare        float64
	FeeGrowth0      float64
	FeeGrowth1      float64
	TickManager     *TickManager
	PositionManager *PositionManager

	silent bool `gorm:"-"`
}

// NewPool constructs a pool at an initial price. feeTierPct is the fee tier
// in percent (0.3 for the 0.3% tier) and govShare the fraction of every fee
// withheld from LP accumulation. A silent pool suppresses informational
// logging only.
func NewPool(initialPrice, feeTierPct, govShare float64, silent bool) (*Pool, error) {
	if !(initialPrice > 0) {
		return nil, fmt.Errorf("%w: initial price must be positive, got %v", ErrInvalidParameter, initialPrice)
	}
	if !(feeTierPct > 0 && feeTierPct < 100) {
		return nil, fmt.Errorf("%w: fee tier must be in (0, 100) percent, got %v", ErrInvalidParameter, feeTierPct)
	}
	if govShare < 0 || govShare > 1 {
		return nil, fmt.Errorf("%w: governance share must be in [0, 1], got %v", ErrInvalidParameter, govShare)
	}
	return &Pool{
		CurrentPrice:    initialPrice,
		Liquidity:       0,
		Lower:           math.Inf(-1),
		Upper:           math.Inf(1),
		FeeTier:         feeTierPct / 100,
		GovShare:        govShare,
		TickManager:     NewTickManager(),
		PositionManager: NewPositionManager(),
		silent:          silent,
	}, nil
}

// NewPoolFromConfig builds a pool carrying token identities and an address,
// with the fee tier taken from the on-chain fee amount.
func NewPoolFromConfig(addr string, config PoolConfig, initialPrice float64, silent bool) (*Pool, error) {
	p, err := NewPool(initialPrice, FeeTierPercent(config.Fee), config.GovShare, silent)
	if err != nil {
		return nil, err
	}
	p.PoolAddress = addr
	p.Token0 = config.Token0.String()
	p.Token1 = config.Token1.String()
	return p, nil
}

func (p *Pool) Clone() *Pool {
	newPool := *p
	newPool.TickManager = p.TickManager.Clone()
	newPool.PositionManager = p.PositionManager.Clone()
	return &newPool
}

func (p *Pool) feeGrowthGlobal() [2]float64 {
	return [2]float64{p.FeeGrowth0, p.FeeGrowth1}
}

// feeFactor is the per-unit-sqrt-price fee accrual coefficient: the fee tier
// applied to the grossed-up pre-fee price impact, net of the governance cut.
func (p *Pool) feeFactor() float64 {
	return (1 - p.GovShare) * p.FeeTier / (1 - p.FeeTier)
}

func (p *Pool) inRange(lower, upper float64) bool {
	return lower <= p.CurrentPrice && p.CurrentPrice < upper
}

// tightenBound pulls the active-range bounds inward so that Lower stays the
// largest registered tick at or below the current price and Upper the
// smallest strictly above it.
func (p *Pool) tightenBound(tick float64) {
	if tick <= p.CurrentPrice {
		if tick > p.Lower {
			p.Lower = tick
		}
	} else {
		if tick < p.Upper {
			p.Upper = tick
		}
	}
}

// AddPositionLiquidity mints liquidity over [lower, upper]. Minting into an
// existing position settles and returns its accumulated fees; a fresh
// position starts with zero claimable fees regardless of prior history.
func (p *Pool) AddPositionLiquidity(lower, upper, liquidity float64) (float64, float64, error) {
	if err := p.checkRange(lower, upper); err != nil {
		return 0, 0, err
	}
	if !(liquidity > 0) {
		return 0, 0, fmt.Errorf("%w: minted liquidity must be positive, got %v", ErrInvalidParameter, liquidity)
	}

	p.TickManager.Ensure(lower, p.CurrentPrice, p.feeGrowthGlobal())
	p.TickManager.Ensure(upper, p.CurrentPrice, p.feeGrowthGlobal())
	p.TickManager.AdjustDelta(lower, liquidity)
	p.TickManager.AdjustDelta(upper, -liquidity)
	p.tightenBound(lower)
	p.tightenBound(upper)

	if p.inRange(lower, upper) {
		p.Liquidity += liquidity
	}

	if pos, ok := p.PositionManager.Get(lower, upper); ok {
		f0 := p.settlePositionFees(pos, Token0)
		f1 := p.settlePositionFees(pos, Token1)
		pos.Liquidity += liquidity
		return f0, f1, nil
	}

	pos := &Position{Lower: lower, Upper: upper, Liquidity: liquidity}
	pos.FeeGrowthLast[Token0] = p.feesInside(lower, upper, Token0)
	pos.FeeGrowthLast[Token1] = p.feesInside(lower, upper, Token1)
	p.PositionManager.Set(pos)
	return 0, 0, nil
}

// AddCustomPosition mints a position whose total value at the current price
// equals amount denominated in the supplied token.
func (p *Pool) AddCustomPosition(lower, upper, amount float64, token Token) error {
	if !token.Valid() {
		return fmt.Errorf("%w: got %v", ErrInvalidToken, int(token))
	}
	if err := p.checkRange(lower, upper); err != nil {
		return err
	}
	if !(amount > 0) {
		return fmt.Errorf("%w: amount must be positive, got %v", ErrInvalidParameter, amount)
	}
	liquidity, err := LiquidityForValue(amount, token, lower, upper, p.CurrentPrice)
	if err != nil {
		return err
	}
	_, _, err = p.AddPositionLiquidity(lower, upper, liquidity)
	return err
}

// AddAllocation spreads wealth (denominated in token1) over consecutive
// buckets [bins[i], bins[i+1]] with the given weights. Buckets above the
// current price are funded in token0 after conversion at the current price.
func (p *Pool) AddAllocation(wealth float64, weights, bins []float64) error {
	if len(weights)+1 != len(bins) {
		return fmt.Errorf("%w: got %d weights and %d bins", ErrShapeMismatch, len(weights), len(bins))
	}
	for i := range weights {
		if bins[i] > p.CurrentPrice {
			if !p.silent {
				logrus.Infof("automatic exchange of tokens to mint liquidity in position [%v, %v]", bins[i], bins[i+1])
			}
			if err := p.AddCustomPosition(bins[i], bins[i+1], wealth*weights[i]/p.CurrentPrice, Token0); err != nil {
				return fmt.Errorf("allocation bucket [%v, %v]: %w", bins[i], bins[i+1], err)
			}
		} else {
			if err := p.AddCustomPosition(bins[i], bins[i+1], wealth*weights[i], Token1); err != nil {
				return fmt.Errorf("allocation bucket [%v, %v]: %w", bins[i], bins[i+1], err)
			}
		}
	}
	if !p.silent {
		logrus.Info("allocation made successfully")
	}
	return nil
}

// RemovePosition burns a position in full and returns the withdrawn token
// amounts at the current price. Uncollected fees are not settled here; call
// GetPositionFees first to claim them.
func (p *Pool) RemovePosition(lower, upper float64) (float64, float64, error) {
	pos, ok := p.PositionManager.Get(lower, upper)
	if !ok {
		return 0, 0, fmt.Errorf("%w: [%v, %v]", ErrNoSuchPosition, lower, upper)
	}

	p.TickManager.AdjustDelta(lower, -pos.Liquidity)
	p.TickManager.AdjustDelta(upper, pos.Liquidity)
	if p.inRange(lower, upper) {
		p.Liquidity -= pos.Liquidity
	}
	p.PositionManager.Delete(lower, upper)

	token0, token1 := LiquidityEquivalent(pos.Liquidity, lower, upper, p.CurrentPrice)
	if !p.silent {
		logrus.Infof("burned position [%v, %v]: token0=%v token1=%v", lower, upper, token0, token1)
	}
	return token0, token1, nil
}

// BurnLiquidity burns up to l liquidity from the position over [lower, upper],
// removing the position entirely when l meets or exceeds its liquidity. It
// returns the withdrawn token amounts and the settled fees.
func (p *Pool) BurnLiquidity(lower, upper, l float64) (float64, float64, float64, float64, error) {
	pos, ok := p.PositionManager.Get(lower, upper)
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("%w: [%v, %v]", ErrNoSuchPosition, lower, upper)
	}
	if !(l > 0) {
		return 0, 0, 0, 0, fmt.Errorf("%w: burned liquidity must be positive, got %v", ErrInvalidParameter, l)
	}

	f0 := p.settlePositionFees(pos, Token0)
	f1 := p.settlePositionFees(pos, Token1)

	burned := l
	if burned >= pos.Liquidity {
		burned = pos.Liquidity
		if !p.silent {
			logrus.Infof("position [%v, %v] removed: burned liquidity exceeds its balance", lower, upper)
		}
	}

	// Burning reverses the mint deltas: the lower tick loses entering
	// liquidity, the upper tick loses exiting liquidity.
	p.TickManager.AdjustDelta(lower, -burned)
	p.TickManager.AdjustDelta(upper, burned)
	if p.inRange(lower, upper) {
		p.Liquidity -= burned
	}
	if l >= pos.Liquidity {
		p.PositionManager.Delete(lower, upper)
	} else {
		pos.Liquidity -= burned
	}

	token0, token1 := LiquidityEquivalent(burned, lower, upper, p.CurrentPrice)
	if !p.silent {
		logrus.Infof("burned liquidity %v from [%v, %v]: token0=%v token1=%v", burned, lower, upper, token0, token1)
	}
	return token0, token1, f0, f1, nil
}

// SwapPrice drives the pool to a new price, crossing every registered tick
// on the way. Each traversal leg accrues fees to the accumulator of the
// token being sold into the pool; each crossing shifts the active liquidity
// by the tick's net delta and reflects its outside snapshots.
func (p *Pool) SwapPrice(price float64) error {
	if !(price > 0) {
		return fmt.Errorf("%w: target price must be positive, got %v", ErrInvalidParameter, price)
	}

	debug := logrus.GetLevel() >= logrus.DebugLevel
	switch {
	case price > p.CurrentPrice:
		for price >= p.Upper {
			p.FeeGrowth1 += p.feeFactor() * (math.Sqrt(p.Upper) - math.Sqrt(p.CurrentPrice))
			p.crossUp(debug)
		}
		p.FeeGrowth1 += p.feeFactor() * (math.Sqrt(price) - math.Sqrt(p.CurrentPrice))
	case price < p.CurrentPrice:
		for price < p.Lower {
			p.FeeGrowth0 += p.feeFactor() * (1/math.Sqrt(p.Lower) - 1/math.Sqrt(p.CurrentPrice))
			p.crossDown(debug)
		}
		p.FeeGrowth0 += p.feeFactor() * (1/math.Sqrt(price) - 1/math.Sqrt(p.CurrentPrice))
	}
	p.CurrentPrice = price
	return nil
}

func (p *Pool) crossUp(debug bool) {
	crossed := p.Upper
	if tick, ok := p.TickManager.Get(crossed); ok {
		p.Liquidity += tick.DeltaL
	}
	p.TickManager.SnapshotCross(crossed, p.feeGrowthGlobal())
	p.Lower = crossed
	p.CurrentPrice = crossed
	if next, ok := p.TickManager.NeighborAbove(crossed); ok {
		p.Upper = next
	} else {
		p.Upper = math.Inf(1)
		if !p.silent {
			logrus.Info("price moved above every registered tick")
		}
	}
	if debug {
		logrus.Debugf("crossed tick %v upward: liquidity=%v range=[%v, %v)", crossed, p.Liquidity, p.Lower, p.Upper)
	}
}

func (p *Pool) crossDown(debug bool) {
	crossed := p.Lower
	if tick, ok := p.TickManager.Get(crossed); ok {
		p.Liquidity -= tick.DeltaL
	}
	p.TickManager.SnapshotCross(crossed, p.feeGrowthGlobal())
	p.Upper = crossed
	p.CurrentPrice = crossed
	if prev, ok := p.TickManager.NeighborBelow(crossed); ok {
		p.Lower = prev
	} else {
		p.Lower = math.Inf(-1)
		if !p.silent {
			logrus.Info("price moved below every registered tick")
		}
	}
	if debug {
		logrus.Debugf("crossed tick %v downward: liquidity=%v range=[%v, %v)", crossed, p.Liquidity, p.Lower, p.Upper)
	}
}

// feesInside computes the fees-inside value fr for a range and token: the
// global growth minus the growth below the range and the growth above it,
// read off the boundary ticks' outside snapshots.
func (p *Pool) feesInside(lower, upper float64, token Token) float64 {
	tickLower, _ := p.TickManager.Get(lower)
	tickUpper, _ := p.TickManager.Get(upper)
	fg := p.feeGrowthGlobal()[token]

	var below float64
	if p.CurrentPrice >= lower {
		below = tickLower.FeeOutside[token]
	} else {
		below = fg - tickLower.FeeOutside[token]
	}
	var above float64
	if p.CurrentPrice >= upper {
		above = fg - tickUpper.FeeOutside[token]
	} else {
		above = tickUpper.FeeOutside[token]
	}
	return fg - below - above
}

// settlePositionFees realizes the position's uncollected fees for one token
// and advances its settlement snapshot (read-and-clear).
func (p *Pool) settlePositionFees(pos *Position, token Token) float64 {
	fr := p.feesInside(pos.Lower, pos.Upper, token)
	fees := (fr - pos.FeeGrowthLast[token]) * pos.Liquidity
	pos.FeeGrowthLast[token] = fr
	return fees
}

// GetPositionFees settles and returns the position's uncollected fees in the
// given token. A second call with no intervening swap returns zero.
func (p *Pool) GetPositionFees(lower, upper float64, token Token) (float64, error) {
	if !token.Valid() {
		return 0, fmt.Errorf("%w: got %v", ErrInvalidToken, int(token))
	}
	pos, ok := p.PositionManager.Get(lower, upper)
	if !ok {
		return 0, fmt.Errorf("%w: [%v, %v]", ErrNoSuchPosition, lower, upper)
	}
	fees := p.settlePositionFees(pos, token)
	if !p.silent {
		logrus.Infof("fees collected in %s: %v", token, fees)
	}
	return fees, nil
}

// PendingPositionFees previews the position's uncollected fees in the given
// token without settling them.
func (p *Pool) PendingPositionFees(lower, upper float64, token Token) (float64, error) {
	if !token.Valid() {
		return 0, fmt.Errorf("%w: got %v", ErrInvalidToken, int(token))
	}
	pos, ok := p.PositionManager.Get(lower, upper)
	if !ok {
		return 0, fmt.Errorf("%w: [%v, %v]", ErrNoSuchPosition, lower, upper)
	}
	fr := p.feesInside(lower, upper, token)
	return (fr - pos.FeeGrowthLast[token]) * pos.Liquidity, nil
}

// GetPositionComp returns the position's token composition at the current price.
func (p *Pool) GetPositionComp(lower, upper float64) (float64, float64, error) {
	pos, ok := p.PositionManager.Get(lower, upper)
	if !ok {
		return 0, 0, fmt.Errorf("%w: [%v, %v]", ErrNoSuchPosition, lower, upper)
	}
	token0, token1 := LiquidityEquivalent(pos.Liquidity, lower, upper, p.CurrentPrice)
	return token0, token1, nil
}

// GetPositionValue returns the position's value in token1 at the current
// price, optionally including uncollected fees. Valuation never settles.
func (p *Pool) GetPositionValue(lower, upper float64, addFees bool) (float64, error) {
	token0, token1, err := p.GetPositionComp(lower, upper)
	if err != nil {
		return 0, err
	}
	if addFees {
		f0, err := p.PendingPositionFees(lower, upper, Token0)
		if err != nil {
			return 0, err
		}
		f1, err := p.PendingPositionFees(lower, upper, Token1)
		if err != nil {
			return 0, err
		}
		token0 += f0
		token1 += f1
	}
	return token1 + token0*p.CurrentPrice, nil
}

// GetAllocationValue returns the combined value of every open position in
// token1, optionally including uncollected fees.
func (p *Pool) GetAllocationValue(addFees bool) float64 {
	var total float64
	p.PositionManager.Each(func(pos *Position) {
		value, err := p.GetPositionValue(pos.Lower, pos.Upper, addFees)
		if err != nil {
			return
		}
		total += value
	})
	return total
}

// GetAllocationComp returns the combined token composition of every open position.
func (p *Pool) GetAllocationComp() (float64, float64) {
	var token0, token1 float64
	p.PositionManager.Each(func(pos *Position) {
		t0, t1 := LiquidityEquivalent(pos.Liquidity, pos.Lower, pos.Upper, p.CurrentPrice)
		token0 += t0
		token1 += t1
	})
	return token0, token1
}

// LiquidityPoint is one step of the pool's cumulative liquidity profile.
type LiquidityPoint struct {
	Price     float64
	Liquidity float64
}

// LiquidityProfile returns the liquidity available from each registered tick
// up to the next one, in increasing price order.
func (p *Pool) LiquidityProfile() []LiquidityPoint {
	points := make([]LiquidityPoint, 0, p.TickManager.Len())
	var cum float64
	p.TickManager.Ascend(func(tick *Tick) bool {
		cum += tick.DeltaL
		points = append(points, LiquidityPoint{Price: tick.Price, Liquidity: cum})
		return true
	})
	return points
}

func (p *Pool) checkRange(lower, upper float64) error {
	if !(lower > 0) || !(lower < upper) {
		return fmt.Errorf("%w: got [%v, %v]", ErrInvalidRange, lower, upper)
	}
	return nil
}

// Flush persists the pool state, managers included, overwriting the previous snapshot.
func (p *Pool) Flush(db *gorm.DB) error {
	if p.HasCreated {
		return db.Model(p).Updates(map[string]interface{}{
			"current_price":    p.CurrentPrice,
			"liquidity":        p.Liquidity,
			"lower":            p.Lower,
			"upper":            p.Upper,
			"fee_growth0":      p.FeeGrowth0,
			"fee_growth1":      p.FeeGrowth1,
			"tick_manager":     p.TickManager,
			"position_manager": p.PositionManager,
		}).Error
	}
	p.HasCreated = true
	return db.Create(p).Error
}

// LoadPool restores the most recent snapshot flushed under the given pool address.
func LoadPool(db *gorm.DB, poolAddress string) (*Pool, error) {
	var p Pool
	if err := db.Where("pool_address = ?", poolAddress).Order("id desc").First(&p).Error; err != nil {
		return nil, fmt.Errorf("load pool %s: %w", poolAddress, err)
	}
	if p.TickManager == nil {
		p.TickManager = NewTickManager()
	}
	if p.PositionManager == nil {
		p.PositionManager = NewPositionManager()
	}
	return &p, nil
}
