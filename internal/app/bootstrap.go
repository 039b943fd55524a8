package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/analytics"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/broadcast"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/chain"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/config"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/feed"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/infra"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/instruments"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/market"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/metrics"
)

const expirySweepInterval = time.Hour

// Bootstrap assembles and owns every component of the streamer.
type Bootstrap struct {
	Config   *config.Config
	Master   *instruments.Master
	Cache    *instruments.Cache
	Fetcher  *instruments.Fetcher
	Store    *market.Store
	Registry *chain.Registry
	Hub      *broadcast.Hub
	Client   *feed.Client
	Sampler  *analytics.Sampler

	httpServer    *http.Server
	metricsServer *http.Server
}

// Initialize loads configuration and builds the component graph.
// Nothing is connected to the network yet; Run does that.
func Initialize(configPath string) (*Bootstrap, error) {
	// .env is optional, the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(infra.NewLogger(cfg.Logging.Level))
	slog.Info("🚀 bootstrapping", "app", cfg.App.Name, "version", cfg.App.Version)

	b := &Bootstrap{Config: cfg}

	b.Master = instruments.NewMaster()
	b.Fetcher = instruments.NewFetcher(cfg.Instruments.MasterURL, cfg.RefreshInterval())
	if cfg.Instruments.CachePath != "" {
		cache, err := instruments.NewCache(cfg.Instruments.CachePath)
		if err != nil {
			return nil, fmt.Errorf("open instrument cache: %w", err)
		}
		b.Cache = cache
	}

	b.Store = market.NewStore()

	chainCfg := chain.Config{
		CoverageStrikes: cfg.Chain.CoverageStrikes,
		WarmupTimeout:   cfg.WarmupTimeout(),
	}
	if chainCfg.CoverageStrikes == 0 {
		chainCfg = chain.DefaultConfig()
	}

	// The registry's emit and retire callbacks target the hub, which
	// itself needs the registry. Indirect through the Bootstrap.
	b.Registry = chain.NewRegistry(b.Master, chainCfg,
		func(key chain.Key) { b.emitChain(key) },
		func(key chain.Key) { b.Hub.DropChain(key) },
	)

	b.Hub = broadcast.NewHub(b.Registry, broadcast.HubConfig{
		QueueSize:     cfg.Broadcast.QueueSize,
		PushPerSecond: cfg.Broadcast.PushPerSecond,
		PushBurst:     cfg.Broadcast.PushBurst,
	})

	creds := feed.StaticCredentials{Token: cfg.Feed.Token, ClientCode: cfg.Feed.ClientCode}
	b.Client = feed.NewClient(cfg.Feed.WSURL, creds, b.Store, b.Registry, b.Hub)
	b.Client.ReadTimeout = cfg.ReadTimeout()
	b.Client.PingInterval = cfg.PingInterval()

	b.Hub.SetSubscriptionHook(func() {
		if err := b.Client.Resubscribe(); err != nil {
			slog.Warn("upstream resubscribe failed", "err", err)
		}
	})

	b.Sampler = analytics.NewSampler(b.Registry, b.Hub, cfg.SampleInterval())
	return b, nil
}

// emitChain pushes a fresh snapshot for an updated chain. Called from
// the feed ingestion path, so everything past here must not block.
func (b *Bootstrap) emitChain(key chain.Key) {
	builder, ok := b.Registry.Builder(key)
	if !ok {
		return
	}
	snap, ok := builder.Snapshot()
	if !ok {
		return
	}
	b.Hub.PublishChain(key, snap)
}

// Run loads the instrument master, connects everything and blocks
// until the context ends, then shuts down in dependency order.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.loadInstruments(ctx); err != nil {
		return err
	}

	if addr := b.Config.Metrics.ListenAddr; addr != "" {
		b.metricsServer = metrics.Serve(addr)
	}

	go b.Fetcher.Run(ctx, b.Master, b.Cache)
	go b.Sampler.Run(ctx)
	go b.sweepLoop(ctx)
	b.Client.Start(ctx)

	b.httpServer = &http.Server{
		Addr:    b.Config.Broadcast.ListenAddr,
		Handler: broadcast.NewServer(b.Hub),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("✅ downstream endpoint listening", "addr", b.httpServer.Addr)
		if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		b.shutdown()
		return err
	case <-ctx.Done():
		b.shutdown()
		return nil
	}
}

// loadInstruments serves the cached master immediately when it exists
// and falls back to a blocking fetch on a cold start.
func (b *Bootstrap) loadInstruments(ctx context.Context) error {
	if b.Cache != nil {
		cached, refreshedAt, err := b.Cache.Load(ctx)
		if err != nil {
			slog.Warn("instrument cache unreadable, fetching fresh", "err", err)
		} else if len(cached) > 0 {
			b.Master.Replace(cached)
			slog.Info("✅ instrument master loaded from cache",
				"instruments", len(cached), "refreshed_at", refreshedAt)
			return nil
		}
	}

	list, err := b.Fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("initial instrument fetch: %w", err)
	}
	b.Master.Replace(list)
	if b.Cache != nil {
		if err := b.Cache.Save(ctx, list); err != nil {
			slog.Warn("instrument cache write failed", "err", err)
		}
	}
	slog.Info("✅ instrument master fetched", "instruments", len(list))
	return nil
}

// sweepLoop retires chains whose expiry has passed.
func (b *Bootstrap) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := b.Registry.SweepExpired(now); n > 0 {
				slog.Info("retired expired chains", "count", n)
			}
		}
	}
}

func (b *Bootstrap) shutdown() {
	slog.Info("👋 shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.httpServer != nil {
		b.httpServer.Shutdown(shutdownCtx)
	}
	b.Client.Stop()
	if b.metricsServer != nil {
		b.metricsServer.Shutdown(shutdownCtx)
	}
	if b.Cache != nil {
		b.Cache.Close()
	}
}
