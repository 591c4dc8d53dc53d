package backtester

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pool.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Pool{}))
	return db
}

func TestPoolFlushAndLoad(t *testing.T) {
	db := openTestDB(t)

	p := newTestPool(t)
	p.PoolAddress = "0xpool"
	_, _, err := p.AddPositionLiquidity(90, 110, 1000)
	require.NoError(t, err)
	require.NoError(t, p.SwapPrice(105))

	require.NoError(t, p.Flush(db))

	restored, err := LoadPool(db, "0xpool")
	require.NoError(t, err)

	assert.Equal(t, p.CurrentPrice, restored.CurrentPrice)
	assert.Equal(t, p.Liquidity, restored.Liquidity)
	assert.Equal(t, p.Lower, restored.Lower)
	assert.Equal(t, p.Upper, restored.Upper)
	assert.InDelta(t, p.FeeGrowth1, restored.FeeGrowth1, delta)

	tick, ok := restored.TickManager.Get(90)
	require.True(t, ok)
	assert.Equal(t, 1000.0, tick.DeltaL)

	pos, ok := restored.PositionManager.Get(90, 110)
	require.True(t, ok)
	assert.Equal(t, 1000.0, pos.Liquidity)

	// The restored pool keeps simulating from where it left off.
	require.NoError(t, restored.SwapPrice(108))
	fees, err := restored.GetPositionFees(90, 110, Token1)
	require.NoError(t, err)
	assert.Greater(t, fees, 0.0)
}

func TestPoolFlushUpdatesExistingRow(t *testing.T) {
	db := openTestDB(t)

	p := newTestPool(t)
	p.PoolAddress = "0xpool"
	require.NoError(t, p.Flush(db))

	_, _, err := p.AddPositionLiquidity(90, 110, 500)
	require.NoError(t, err)
	require.NoError(t, p.Flush(db))

	var count int64
	require.NoError(t, db.Model(&Pool{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	restored, err := LoadPool(db, "0xpool")
	require.NoError(t, err)
	assert.Equal(t, 500.0, restored.Liquidity)
}
