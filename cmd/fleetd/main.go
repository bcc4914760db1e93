package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"futuresfleet/config"
	"futuresfleet/internal/api"
	"futuresfleet/internal/bot"
	"futuresfleet/internal/credential"
	"futuresfleet/internal/exchange"
	"futuresfleet/internal/fleet"
	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/metrics"
	"futuresfleet/internal/pool"
	"futuresfleet/internal/ratelimit"
	"futuresfleet/internal/store"
	"futuresfleet/internal/strategy"
	"futuresfleet/internal/tradelog"
	"futuresfleet/logger"
)

const encryptionKeyEnv = "FLEET_ENCRYPTION_KEY"

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Fleet.Name,
		"version":     cfg.Fleet.Version,
		"environment": config.AppEnvironment(),
		"testnet":     cfg.UseTestnet(),
	}).Info("starting futuresfleet")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("futuresfleet stopped with error")
		os.Exit(1)
	}
	log.Info("futuresfleet stopped")
}

func run(cfg *config.Config, log *logger.Log) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Prometheus {
		metrics.InitPrometheus()
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		if err := metrics.InitCloudWatch(ctx, cw.Region, cw.Namespace); err != nil {
			log.WithError(err).Warn("cloudwatch metrics disabled")
		} else if err := metrics.EnsureDashboard(ctx, cw.Dashboard); err != nil {
			log.WithError(err).Warn("failed to create cloudwatch dashboard")
		}
	}

	decrypter, err := buildDecrypter()
	if err != nil {
		return err
	}

	limiter, err := ratelimit.New(log,
		ratelimit.WithBudgets(budgets(cfg.Limits)),
		ratelimit.WithDelayObserver(func(c ratelimit.Class, d time.Duration) { metrics.Wait(string(c), d) }),
	)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	mdLog := log.WithComponent("marketdata")
	hub, err := marketdata.NewHub(marketdata.Config{
		BaseURL:         cfg.Exchange.WebsocketURL,
		CandleCapacity:  cfg.MarketData.CandleCapacity,
		PriceFreshness:  cfg.MarketData.PriceFreshness,
		LivenessTimeout: cfg.MarketData.LivenessTimeout,
		ProbeTimeout:    cfg.MarketData.ProbeTimeout,
		MaxRetries:      cfg.MarketData.MaxRetries,
		BackoffMin:      cfg.MarketData.BackoffMin,
		BackoffMax:      cfg.MarketData.BackoffMax,
	}, log,
		marketdata.WithStateObserver(func(symbol string, st marketdata.State) {
			metrics.Gauge("marketdata", metrics.StreamState, st.Numeric(), logger.Fields{"symbol": symbol})
		}),
		marketdata.WithBackoffObserver(func(symbol string, attempt int, delay time.Duration) {
			mdLog.WithFields(logger.Fields{"symbol": symbol, "attempt": attempt, "delay": delay.String()}).Warn("stream reconnect scheduled")
		}),
	)
	if err != nil {
		return fmt.Errorf("market data hub: %w", err)
	}
	defer hub.Close()

	clients := pool.New[exchange.Client](
		exchange.NewBinanceFactory(exchange.BinanceOptions{
			BaseURL:      cfg.Exchange.RestURL,
			Testnet:      cfg.UseTestnet(),
			Timeout:      cfg.Exchange.RequestTimeout,
			MaxIdleConns: cfg.Exchange.MaxIdleConns,
			Limiter:      limiter,
		}, log),
		cfg.Fleet.IdleClientTTL,
		log,
		pool.WithEvictHook[exchange.Client](func(string) { limiter.Prune() }),
	)

	kv, pg, err := buildStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	if pg != nil {
		defer pg.Close()
	}

	sinks, history, archive, err := buildSinks(ctx, cfg, pg, log)
	if err != nil {
		return err
	}

	sup, err := fleet.New(fleet.Options{
		MaxBots:          cfg.Fleet.MaxBots,
		MonitorInterval:  cfg.Fleet.MonitorInterval,
		BalanceInterval:  cfg.Fleet.BalanceInterval,
		PositionInterval: cfg.Fleet.PositionInterval,
		FlushInterval:    cfg.Fleet.FlushInterval,
		TenantTimeout:    cfg.Fleet.TenantTimeout,
		AdmissionStarts:  cfg.Limits.AdmissionStarts,
		AdmissionWindow:  cfg.Limits.AdmissionWindow,
		FlushRate:        cfg.Fleet.FlushRate,
		Policy: bot.Policy{
			MinTradeInterval:     cfg.Bot.MinTradeInterval,
			MaxConsecutiveLosses: cfg.Bot.MaxConsecutiveLosses,
			RefreshInterval:      cfg.Bot.RefreshInterval,
			HistoryLimit:         cfg.Bot.HistoryLimit,
			MinCandles:           bot.DefaultPolicy().MinCandles,
		},
	}, fleet.Deps{
		Pool:      clients,
		Limiter:   limiter,
		Feed:      bot.HubFeed(hub),
		Prices:    hub,
		Streams:   hub.Stats,
		Decrypter: decrypter,
		KV:        kv,
		Sink:      sinks,
		Strategy:  strategy.DefaultEMACross(),
		Log:       log,
	})
	if err != nil {
		return fmt.Errorf("fleet supervisor: %w", err)
	}

	server, err := api.NewServer(cfg.API, sup, log,
		api.WithTradeHistory(history),
		api.WithAppInfo(cfg.Fleet.Name, cfg.Fleet.Version),
		api.WithDefaultSettings(bot.Settings{
			Timeframe:     cfg.Bot.Timeframe,
			Leverage:      cfg.Bot.Leverage,
			OrderSize:     cfg.Bot.OrderSize,
			StopLossPct:   cfg.Bot.StopLossPct,
			TakeProfitPct: cfg.Bot.TakeProfitPct,
		}),
	)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	logger.StartReport(ctx, log, cfg.Logging.ReportInterval, func() logger.Fields {
		stats := sup.SystemStats()
		return logger.Fields{
			"active_bots":       stats.ActiveUsers,
			"bots_in_position":  stats.BotsInPosition,
			"shared_clients":    stats.SharedClients,
			"connections_saved": stats.ConnectionsSaved,
			"pending_updates":   stats.PendingUpdates,
			"streams":           len(stats.Streams),
		}
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("monitor: %w", err)
		}
	}()

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case runErr = <-errCh:
		log.WithError(runErr).Error("component failed, shutting down")
	}

	log.Info("starting graceful shutdown")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("fleet shutdown incomplete")
	}
	cancel()

	if archive != nil {
		log.Info("flushing trade archive")
		if err := archive.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("trade archive flush failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		log.Warn("graceful shutdown timeout exceeded")
	}
	return runErr
}

func budgets(cfg config.LimitsConfig) map[ratelimit.Class]ratelimit.Budget {
	out := ratelimit.DefaultBudgets()
	for name, b := range cfg.Classes {
		out[ratelimit.Class(strings.ToLower(name))] = ratelimit.Budget{
			PerMinute: b.PerMinute,
			PerSecond: b.PerSecond,
			Weight:    b.Weight,
		}
	}
	return out
}

// buildDecrypter reads comma separated Fernet keys, newest first. Without keys stored
// credentials are taken as plaintext, which production refuses.
func buildDecrypter() (credential.Decrypter, error) {
	raw := strings.TrimSpace(os.Getenv(encryptionKeyEnv))
	if raw == "" {
		if config.AppEnvironment() == "production" {
			return nil, fmt.Errorf("%s is required in production", encryptionKeyEnv)
		}
		logger.GetLogger().WithComponent("main").Warn("no encryption key configured, stored credentials are read as plaintext")
		return credential.Plaintext{}, nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	d, err := credential.NewFernetDecrypter(0, keys...)
	if err != nil {
		return nil, fmt.Errorf("credential decrypter: %w", err)
	}
	return d, nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig, log *logger.Log) (store.KV, *store.Pool, error) {
	if cfg.PostgresDSN == "" {
		log.WithComponent("store").Info("using in-memory user store")
		return store.NewMemory(), nil, nil
	}

	pg, err := store.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.Migrate(ctx, pg); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}
	if cfg.Driver != "postgres" {
		return store.NewMemory(), pg, nil
	}
	log.WithComponent("store").Info("using postgres user store")
	return store.NewPostgres(pg), pg, nil
}

func buildSinks(ctx context.Context, cfg *config.Config, pg *store.Pool, log *logger.Log) (tradelog.Multi, api.TradeHistory, *tradelog.Archive, error) {
	mem := tradelog.NewMemory(cfg.API.TradeHistory)
	sinks := tradelog.Multi{mem}
	var history api.TradeHistory = mem

	if cfg.TradeLog.Postgres && pg != nil {
		ts := store.NewTradeSink(pg)
		sinks = append(sinks, ts)
		history = ts
	}

	ac := cfg.TradeLog.Archive
	if !ac.Enabled {
		return sinks, history, nil, nil
	}
	client, err := tradelog.NewS3Client(ctx, ac)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("s3 client: %w", err)
	}
	archive, err := tradelog.NewArchive(client, tradelog.ArchiveOptions{
		Bucket:        ac.Bucket,
		Prefix:        ac.Prefix,
		FlushInterval: ac.FlushInterval,
		MaxBuffer:     ac.MaxBuffer,
	}, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("trade archive: %w", err)
	}
	if err := archive.Start(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("start trade archive: %w", err)
	}
	return append(sinks, archive), history, archive, nil
}
