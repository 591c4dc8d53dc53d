package backtester

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Position is an LP range position identified by its (lower, upper) price
// pair. FeeGrowthLast holds, per token, the fees-inside value observed at
// the last settlement; the uncollected fee per unit liquidity is the
// difference between the current fees-inside value and it.
type Position struct {
	Lower         float64    `json:"lower"`
	Upper         float64    `json:"upper"`
	Liquidity     float64    `json:"liquidity"`
	FeeGrowthLast [2]float64 `json:"fee_growth_last"`
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// PositionKey identifies a position by its range.
type PositionKey struct {
	Lower float64
	Upper float64
}

// PositionManager keeps every open position keyed by its range.
type PositionManager struct {
	Positions map[PositionKey]*Position
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		Positions: map[PositionKey]*Position{},
	}
}

func (pm *PositionManager) Clone() *PositionManager {
	c := NewPositionManager()
	for key, pos := range pm.Positions {
		c.Positions[key] = pos.Clone()
	}
	return c
}

func (pm *PositionManager) Len() int {
	return len(pm.Positions)
}

func (pm *PositionManager) Get(lower, upper float64) (*Position, bool) {
	pos, ok := pm.Positions[PositionKey{Lower: lower, Upper: upper}]
	return pos, ok
}

func (pm *PositionManager) Set(pos *Position) {
	pm.Positions[PositionKey{Lower: pos.Lower, Upper: pos.Upper}] = pos
}

func (pm *PositionManager) Delete(lower, upper float64) {
	delete(pm.Positions, PositionKey{Lower: lower, Upper: upper})
}

// Each visits every position in (lower, upper) order. The deterministic
// order keeps float accumulation reproducible across runs.
func (pm *PositionManager) Each(fn func(pos *Position)) {
	keys := make([]PositionKey, 0, len(pm.Positions))
	for key := range pm.Positions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Lower != keys[j].Lower {
			return keys[i].Lower < keys[j].Lower
		}
		return keys[i].Upper < keys[j].Upper
	})
	for _, key := range keys {
		fn(pm.Positions[key])
	}
}

func (pm *PositionManager) MarshalJSON() ([]byte, error) {
	positions := make([]*Position, 0, len(pm.Positions))
	pm.Each(func(pos *Position) {
		positions = append(positions, pos)
	})
	return json.Marshal(positions)
}

func (pm *PositionManager) UnmarshalJSON(data []byte) error {
	var positions []*Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return err
	}
	pm.Positions = make(map[PositionKey]*Position, len(positions))
	for _, pos := range positions {
		pm.Set(pos)
	}
	return nil
}

// Scan for GORM integration
func (pm *PositionManager) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, pm)
	case string:
		return json.Unmarshal([]byte(v), pm)
	case nil:
		return nil
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal PositionManager value:", value))
	}
}

// Value for GORM integration
func (pm *PositionManager) Value() (driver.Value, error) {
	bs, err := json.Marshal(pm)
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}

// GormDataType for GORM integration
func (pm *PositionManager) GormDataType() string {
	return "LONGTEXT"
}
