package backtester

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Candle is one OHLCV record of the price feed driving a backtest.
type Candle struct {
	ID        uint      `gorm:"primarykey"`
	Symbol    string    `gorm:"index"`
	Interval  string    `gorm:"index"`
	Timestamp time.Time `gorm:"index"`
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CandleStore persists candles to a sqlite database so retrieved history can
// be replayed without hitting the exchange again.
type CandleStore struct {
	db *gorm.DB
}

func NewCandleStore(path string) (*CandleStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open candle store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Candle{}); err != nil {
		return nil, fmt.Errorf("migrate candle store: %w", err)
	}
	return &CandleStore{db: db}, nil
}

func NewCandleStoreWithDB(db *gorm.DB) (*CandleStore, error) {
	if err := db.AutoMigrate(&Candle{}); err != nil {
		return nil, fmt.Errorf("migrate candle store: %w", err)
	}
	return &CandleStore{db: db}, nil
}

func (s *CandleStore) DB() *gorm.DB {
	return s.db
}

func (s *CandleStore) Save(candles []Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.db.CreateInBatches(candles, 500).Error
}

// Load returns the stored candles for a symbol and interval within [from, to],
// in ascending time order.
func (s *CandleStore) Load(symbol, interval string, from, to time.Time) ([]Candle, error) {
	var candles []Candle
	err := s.db.
		Where("symbol = ? AND interval = ? AND timestamp BETWEEN ? AND ?", symbol, interval, from, to).
		Order("timestamp asc").
		Find(&candles).Error
	if err != nil {
		return nil, fmt.Errorf("load candles %s/%s: %w", symbol, interval, err)
	}
	return candles, nil
}

// LoadCandlesCSV reads a candle CSV with headers
// time|timestamp, open, high, low, close, volume. Unknown columns are
// ignored; headers are case-insensitive; rows come back sorted by time.
func LoadCandlesCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []Candle
	var headers []string
	rowIdx := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := firstColumn(row, "time", "timestamp")
		op := firstColumn(row, "open")
		cp := firstColumn(row, "close")
		if ts == "" || op == "" || cp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(op, 64)
		h, _ := strconv.ParseFloat(firstColumn(row, "high"), 64)
		l, _ := strconv.ParseFloat(firstColumn(row, "low"), 64)
		c, _ := strconv.ParseFloat(cp, 64)
		v, _ := strconv.ParseFloat(firstColumn(row, "volume", "vol"), 64)
		out = append(out, Candle{Timestamp: tt, Open: o, High: h, Low: l, Close: c, Volume: v})
		rowIdx++
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// parseTimeFlexible supports RFC3339, UNIX seconds, or UNIX milliseconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

func firstColumn(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
