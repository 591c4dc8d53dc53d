package backtester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	binanceSpotURL    = "https://api.binance.com"
	binanceFuturesURL = "https://fapi.binance.com"
)

// BinanceClient retrieves historical klines from the Binance REST API. It is
// the concrete byte source producing the timestamped prices a backtest replays.
type BinanceClient struct {
	baseURL string
	futures bool
	hc      *http.Client
}

func NewBinanceClient(futures bool) *BinanceClient {
	base := binanceSpotURL
	if futures {
		base = binanceFuturesURL
	}
	return &BinanceClient{
		baseURL: base,
		futures: futures,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *BinanceClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request %s: status %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return body, nil
}

// GetSymbols returns every tradable symbol on the selected market.
func (c *BinanceClient) GetSymbols(ctx context.Context) ([]string, error) {
	endpoint := "/api/v3/exchangeInfo"
	if c.futures {
		endpoint = "/fapi/v1/exchangeInfo"
	}
	body, err := c.get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	symbols := make([]string, 0, len(payload.Symbols))
	for _, s := range payload.Symbols {
		symbols = append(symbols, s.Symbol)
	}
	return symbols, nil
}

// GetHistoricalCandles fetches up to limit klines for a symbol and interval.
// start and end bound the window in exchange time; either may be nil.
func (c *BinanceClient) GetHistoricalCandles(ctx context.Context, symbol, interval string, start, end *time.Time, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 1500
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if start != nil {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if end != nil {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	endpoint := "/api/v3/klines"
	if c.futures {
		endpoint = "/fapi/v1/klines"
	}
	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	// Klines arrive as arrays mixing a numeric open time with string-encoded
	// prices; the strings go through decimal to survive the round trip intact.
	var raw [][]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			logrus.Warnf("skipping short kline row for %s: %d fields", symbol, len(k))
			continue
		}
		openTime, ok := k[0].(json.Number)
		if !ok {
			return nil, fmt.Errorf("kline open time: unexpected type %T", k[0])
		}
		openMs, err := openTime.Int64()
		if err != nil {
			return nil, fmt.Errorf("kline open time: %w", err)
		}
		fields := make([]float64, 5)
		for i := 1; i <= 5; i++ {
			s, ok := k[i].(string)
			if !ok {
				return nil, fmt.Errorf("kline field %d: unexpected type %T", i, k[i])
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("kline field %d: %w", i, err)
			}
			fields[i-1] = d.InexactFloat64()
		}
		candles = append(candles, Candle{
			Symbol:    symbol,
			Interval:  interval,
			Timestamp: time.UnixMilli(openMs).UTC(),
			Open:      fields[0],
			High:      fields[1],
			Low:       fields[2],
			Close:     fields[3],
			Volume:    fields[4],
		})
	}
	return candles, nil
}
