package backtester

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RebalanceFunc lets a strategy adjust the pool's positions after each
// candle has been applied. The pool must only be mutated through its
// exported operations.
type RebalanceFunc func(ctx context.Context, pool *Pool, candle Candle) error

// Backtester replays a time-ordered candle sequence against a pool: every
// close price goes through SwapPrice, then the strategy hook runs, then the
// allocation value is recorded.
//
// The pool is single-threaded; run one backtest per pool at a time.
type Backtester struct {
	pool      *Pool
	rebalance RebalanceFunc
}

func NewBacktester(pool *Pool, rebalance RebalanceFunc) *Backtester {
	return &Backtester{pool: pool, rebalance: rebalance}
}

// ValuePoint is the allocation value (in token1, fees included) after one candle.
type ValuePoint struct {
	Time  time.Time
	Value float64
}

// BacktestResult aggregates a run's value history and summary metrics.
type BacktestResult struct {
	InitialValue float64
	FinalValue   float64
	ValueHistory []ValuePoint

	TotalReturn float64 // (final-initial)/initial
	MaxDrawdown float64 // largest peak-to-trough decline, as a fraction of the peak
}

// Run replays the candles in order. Candles must be sorted by time; the run
// stops at the first strategy error or context cancellation.
func (b *Backtester) Run(ctx context.Context, candles []Candle) (*BacktestResult, error) {
	if b.pool == nil {
		return nil, fmt.Errorf("%w: backtester needs a pool", ErrInvalidParameter)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles to replay", ErrInvalidParameter)
	}

	history := make([]ValuePoint, 0, len(candles))
	for i, candle := range candles {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("backtest cancelled: %w", ctx.Err())
		default:
		}

		if err := b.pool.SwapPrice(candle.Close); err != nil {
			return nil, fmt.Errorf("swap to candle %d close: %w", i, err)
		}
		if b.rebalance != nil {
			if err := b.rebalance(ctx, b.pool, candle); err != nil {
				return nil, fmt.Errorf("rebalance at candle %d: %w", i, err)
			}
		}
		history = append(history, ValuePoint{
			Time:  candle.Timestamp,
			Value: b.pool.GetAllocationValue(true),
		})
	}

	result := &BacktestResult{
		InitialValue: history[0].Value,
		FinalValue:   history[len(history)-1].Value,
		ValueHistory: history,
	}
	result.calculateMetrics()

	if logrus.GetLevel() >= logrus.DebugLevel {
		logrus.Debugf("backtest done: %d candles, value %v -> %v", len(candles), result.InitialValue, result.FinalValue)
	}
	return result, nil
}

func (r *BacktestResult) calculateMetrics() {
	if r.InitialValue != 0 {
		r.TotalReturn = (r.FinalValue - r.InitialValue) / r.InitialValue
	}

	var peak, maxDrawdown float64
	for _, point := range r.ValueHistory {
		if point.Value > peak {
			peak = point.Value
		}
		if peak > 0 {
			if dd := (peak - point.Value) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}
	r.MaxDrawdown = maxDrawdown
}
