package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBinanceURL is the public REST base for spot market data.
const DefaultBinanceURL = "https://api.binance.com/api/v3"

// BinanceFeed reads 24h tickers and klines from the Binance public API. No
// credentials are needed.
type BinanceFeed struct {
	BaseURL string
	HTTP    *http.Client
}

// NewBinanceFeed creates a feed against baseURL, or DefaultBinanceURL when
// empty.
func NewBinanceFeed(baseURL string) *BinanceFeed {
	if baseURL == "" {
		baseURL = DefaultBinanceURL
	}
	return &BinanceFeed{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 8 * time.Second},
	}
}

type tickerResp struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
}

// FetchPrices fetches every 24h ticker in one request and keeps the tracked
// symbols, in the order given. Any failure is logged and yields no quotes.
func (f *BinanceFeed) FetchPrices(ctx context.Context, symbols []string) []Quote {
	var tickers []tickerResp
	if err := f.get(ctx, "/ticker/24hr", nil, &tickers); err != nil {
		slog.Warn("pricefeed: fetch tickers failed", "err", err)
		return nil
	}

	bySymbol := make(map[string]tickerResp, len(tickers))
	for _, t := range tickers {
		bySymbol[t.Symbol] = t
	}

	quotes := make([]Quote, 0, len(symbols))
	for _, s := range symbols {
		t, ok := bySymbol[s]
		if !ok || !t.LastPrice.IsPositive() {
			continue
		}
		quotes = append(quotes, Quote{
			Symbol:    t.Symbol,
			Price:     t.LastPrice,
			Change24h: t.PriceChangePercent,
			High24h:   t.HighPrice,
			Low24h:    t.LowPrice,
		})
	}
	return quotes
}

// Candles fetches the most recent limit klines for symbol at interval
// (e.g. "1h").
func (f *BinanceFeed) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	// Each kline is a heterogeneous array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := f.get(ctx, "/klines", q, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for i, k := range raw {
		if len(k) < 5 {
			return nil, fmt.Errorf("binance kline %d: %d fields", i, len(k))
		}
		var openMs int64
		if err := json.Unmarshal(k[0], &openMs); err != nil {
			return nil, fmt.Errorf("binance kline %d open time: %w", i, err)
		}
		var ohlc [4]decimal.Decimal
		for j := range ohlc {
			if err := json.Unmarshal(k[j+1], &ohlc[j]); err != nil {
				return nil, fmt.Errorf("binance kline %d field %d: %w", i, j+1, err)
			}
		}
		candles = append(candles, Candle{
			Time:  time.UnixMilli(openMs).UTC(),
			Open:  ohlc[0],
			High:  ohlc[1],
			Low:   ohlc[2],
			Close: ohlc[3],
		})
	}
	return candles, nil
}

func (f *BinanceFeed) get(ctx context.Context, path string, q url.Values, out any) error {
	u := f.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	httpClient := f.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("binance %s http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("binance %s decode: %w", path, err)
	}
	return nil
}
