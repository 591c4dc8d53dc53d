package backtester

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/btree"
)

// Tick is a registered price boundary at which the set of active positions
// changes. DeltaL is the net liquidity entering the active set as the price
// rises through the tick. FeeOutside holds, per token, the fee growth that
// occurred on the far side of the tick relative to the current price; it is
// reflected against the global accumulator on every crossing.
type Tick struct {
	Price      float64    `json:"price"`
	DeltaL     float64    `json:"delta_l"`
	FeeOutside [2]float64 `json:"fee_outside"`
}

func (t *Tick) Clone() *Tick {
	c := *t
	return &c
}

// TickManager owns every tick keyed by its price. Neighbor lookups are
// O(log n) over a btree-backed ordered map.
type TickManager struct {
	ticks btree.Map[float64, *Tick]
}

func NewTickManager() *TickManager {
	return &TickManager{}
}

func (tm *TickManager) Clone() *TickManager {
	c := NewTickManager()
	tm.ticks.Scan(func(price float64, tick *Tick) bool {
		c.ticks.Set(price, tick.Clone())
		return true
	})
	return c
}

func (tm *TickManager) Len() int {
	return tm.ticks.Len()
}

func (tm *TickManager) Get(price float64) (*Tick, bool) {
	return tm.ticks.Get(price)
}

// Ensure inserts a tick at price if absent. A fresh tick starts with zero
// liquidity delta; its outside snapshots are seeded with the global fee
// growth when the current price sits at or above the tick, and zero
// otherwise, so that all growth accrued so far counts as having occurred
// below the tick.
func (tm *TickManager) Ensure(price float64, currentPrice float64, feeGrowthGlobal [2]float64) *Tick {
	if tick, ok := tm.ticks.Get(price); ok {
		return tick
	}
	tick := &Tick{Price: price}
	if currentPrice >= price {
		tick.FeeOutside = feeGrowthGlobal
	}
	tm.ticks.Set(price, tick)
	return tick
}

// AdjustDelta adds a signed liquidity amount to the tick's net delta.
// Callers ensure the tick exists.
func (tm *TickManager) AdjustDelta(price float64, amount float64) {
	if tick, ok := tm.ticks.Get(price); ok {
		tick.DeltaL += amount
	}
}

// SnapshotCross reflects the tick's outside snapshots against the global
// accumulators, flipping which side of the tick they describe.
func (tm *TickManager) SnapshotCross(price float64, feeGrowthGlobal [2]float64) {
	if tick, ok := tm.ticks.Get(price); ok {
		tick.FeeOutside[Token0] = feeGrowthGlobal[Token0] - tick.FeeOutside[Token0]
		tick.FeeOutside[Token1] = feeGrowthGlobal[Token1] - tick.FeeOutside[Token1]
	}
}

// NeighborAbove returns the next registered tick price strictly above p.
func (tm *TickManager) NeighborAbove(p float64) (float64, bool) {
	var next float64
	var found bool
	tm.ticks.Ascend(p, func(price float64, _ *Tick) bool {
		if price > p {
			next = price
			found = true
			return false
		}
		return true
	})
	return next, found
}

// NeighborBelow returns the next registered tick price strictly below p.
func (tm *TickManager) NeighborBelow(p float64) (float64, bool) {
	var prev float64
	var found bool
	tm.ticks.Descend(p, func(price float64, _ *Tick) bool {
		if price < p {
			prev = price
			found = true
			return false
		}
		return true
	})
	return prev, found
}

// Ascend visits every tick in increasing price order until fn returns false.
func (tm *TickManager) Ascend(fn func(tick *Tick) bool) {
	tm.ticks.Scan(func(_ float64, tick *Tick) bool {
		return fn(tick)
	})
}

func (tm *TickManager) MarshalJSON() ([]byte, error) {
	ticks := make([]*Tick, 0, tm.ticks.Len())
	tm.ticks.Scan(func(_ float64, tick *Tick) bool {
		ticks = append(ticks, tick)
		return true
	})
	return json.Marshal(ticks)
}

func (tm *TickManager) UnmarshalJSON(data []byte) error {
	var ticks []*Tick
	if err := json.Unmarshal(data, &ticks); err != nil {
		return err
	}
	tm.ticks = btree.Map[float64, *Tick]{}
	for _, tick := range ticks {
		tm.ticks.Set(tick.Price, tick)
	}
	return nil
}

// Scan for GORM integration
func (tm *TickManager) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, tm)
	case string:
		return json.Unmarshal([]byte(v), tm)
	case nil:
		return nil
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal TickManager value:", value))
	}
}

// Value for GORM integration
func (tm *TickManager) Value() (driver.Value, error) {
	bs, err := json.Marshal(tm)
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}

// GormDataType for GORM integration
func (tm *TickManager) GormDataType() string {
	return "LONGTEXT"
}
