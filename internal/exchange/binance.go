package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"futuresfleet/internal/credential"
	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/ratelimit"
	"futuresfleet/logger"
)

const (
	mainnetURL = "https://fapi.binance.com"
	testnetURL = "https://testnet.binancefuture.com"

	// consecutive transport failures after which a client reports itself dead
	maxTransportFailures = 3
)

// BinanceOptions configures the HTTP side of every client built by the factory.
type BinanceOptions struct {
	BaseURL      string
	Testnet      bool
	Timeout      time.Duration
	MaxIdleConns int
	// Limiter paces the connectivity check a new client makes, charged to the default class.
	Limiter Limiter
}

type binanceClient struct {
	api       *futures.Client
	transport *weightTransport
	closed    atomic.Bool
}

// NewBinanceFactory returns a constructor suitable for the shared client pool. Each client
// gets its own HTTP transport so that closing it drops only its idle connections.
func NewBinanceFactory(opts BinanceOptions, log *logger.Log) func(ctx context.Context, cred credential.Credential) (Client, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	return func(ctx context.Context, cred credential.Credential) (Client, error) {
		if err := cred.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx, cred.Fingerprint(), ratelimit.ClassDefault); err != nil {
				return nil, err
			}
		}
		c := newBinanceClient(cred, opts, log)
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("ping exchange: %w", err)
		}
		return c, nil
	}
}

func newBinanceClient(cred credential.Credential, opts BinanceOptions, log *logger.Log) *binanceClient {
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 4
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &weightTransport{
		base: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        maxIdle,
			MaxIdleConnsPerHost: maxIdle,
			IdleConnTimeout:     90 * time.Second,
		},
		fingerprint: cred.Fingerprint(),
		log:         log,
	}

	api := futures.NewClient(cred.Key, cred.Secret)
	api.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}

	base := strings.TrimRight(opts.BaseURL, "/")
	switch {
	case opts.Testnet:
		base = testnetURL
	case base == "":
		base = mainnetURL
	}
	api.SetApiEndpoint(base)

	return &binanceClient{api: api, transport: transport}
}

func (c *binanceClient) Ping(ctx context.Context) error {
	return translate(c.api.NewPingService().Do(ctx))
}

func (c *binanceClient) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, translate(err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseFloat(p.Price)
		}
	}
	return 0, fmt.Errorf("%w: no ticker for %s", ErrPriceUnavailable, symbol)
}

func (c *binanceClient) USDTBalance(ctx context.Context) (float64, error) {
	balances, err := c.api.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, translate(err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return parseFloat(b.Balance)
		}
	}
	return 0, nil
}

func (c *binanceClient) PositionRisk(ctx context.Context, symbol string) ([]Position, error) {
	svc := c.api.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, translate(err)
	}
	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		amt, err := parseFloat(r.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("position amount for %s: %w", r.Symbol, err)
		}
		entry, _ := parseFloat(r.EntryPrice)
		mark, _ := parseFloat(r.MarkPrice)
		pnl, _ := parseFloat(r.UnRealizedProfit)
		lev, _ := strconv.Atoi(r.Leverage)
		positions = append(positions, Position{
			Symbol:        r.Symbol,
			Amount:        amt,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnL: pnl,
			Leverage:      lev,
		})
	}
	return positions, nil
}

// ChangeMarginType switches symbol to cross margin. Already being in cross margin is success.
func (c *binanceClient) ChangeMarginType(ctx context.Context, symbol string) error {
	err := c.api.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginTypeCrossed).Do(ctx)
	if err != nil && !isNoop(err) {
		return translate(err)
	}
	return nil
}

func (c *binanceClient) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil && !isNoop(err) {
		return translate(err)
	}
	return nil
}

func (c *binanceClient) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.Type != OrderMarket {
		svc = svc.StopPrice(req.StopPrice).
			TimeInForce(futures.TimeInForceType("GTE_GTC")).
			WorkingType(futures.WorkingTypeMarkPrice)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, translate(err)
	}
	avg, _ := parseFloat(resp.AvgPrice)
	return OrderResult{
		OrderID:  resp.OrderID,
		Status:   string(resp.Status),
		AvgPrice: avg,
	}, nil
}

func (c *binanceClient) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	return translate(c.api.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx))
}

func (c *binanceClient) ExchangeInfo(ctx context.Context, symbol string) (SymbolRules, error) {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return SymbolRules{}, translate(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if s.Status != "TRADING" {
			return SymbolRules{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedSymbol, symbol, s.Status)
		}
		return rulesFromFilters(symbol, s.Filters), nil
	}
	return SymbolRules{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
}

func rulesFromFilters(symbol string, filters []map[string]interface{}) SymbolRules {
	rules := DefaultRules(symbol)
	for _, f := range filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			if step, ok := f["stepSize"].(string); ok {
				rules.QuantityPrecision = precisionFromStep(step, DefaultQuantityPrecision)
			}
		case "PRICE_FILTER":
			if tick, ok := f["tickSize"].(string); ok {
				rules.PricePrecision = precisionFromStep(tick, DefaultPricePrecision)
			}
		case "MIN_NOTIONAL":
			if raw, ok := f["notional"].(string); ok {
				if v, err := parseFloat(raw); err == nil && v > 0 {
					rules.MinNotional = v
				}
			}
		}
	}
	return rules
}

func (c *binanceClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error) {
	rows, err := c.api.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, translate(err)
	}
	candles := make([]marketdata.Candle, 0, len(rows))
	for _, k := range rows {
		candle, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("kline %s %d: %w", symbol, k.OpenTime, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseKline(k *futures.Kline) (marketdata.Candle, error) {
	var v [5]float64
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		f, err := parseFloat(raw)
		if err != nil {
			return marketdata.Candle{}, err
		}
		v[i] = f
	}
	return marketdata.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime),
		CloseTime: time.UnixMilli(k.CloseTime),
		Open:      v[0],
		High:      v[1],
		Low:       v[2],
		Close:     v[3],
		Volume:    v[4],
	}, nil
}

func (c *binanceClient) RealizedPnL(ctx context.Context, symbol string, since time.Time) (float64, error) {
	rows, err := c.api.NewGetIncomeHistoryService().
		Symbol(symbol).
		IncomeType("REALIZED_PNL").
		StartTime(since.UnixMilli()).
		Do(ctx)
	if err != nil {
		return 0, translate(err)
	}
	var total float64
	for _, r := range rows {
		v, err := parseFloat(r.Income)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}

func (c *binanceClient) Alive() bool {
	return !c.closed.Load() && c.transport.failures.Load() < maxTransportFailures
}

func (c *binanceClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if t, ok := c.transport.base.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	return strconv.ParseFloat(s, 64)
}
