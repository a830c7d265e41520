// oracled is the Prophetia oracle daemon. It serves the HTTP API, streams
// events over WebSocket and Redis, and settles predictions as the
// resolution service reports outcomes.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/phenomenon0/prophetia/internal/config"
	"github.com/phenomenon0/prophetia/internal/logging"
	"github.com/phenomenon0/prophetia/pkg/eth"
	"github.com/phenomenon0/prophetia/pkg/oracle/api"
	"github.com/phenomenon0/prophetia/pkg/oracle/metrics"
	"github.com/phenomenon0/prophetia/pkg/oracle/participants"
	"github.com/phenomenon0/prophetia/pkg/oracle/policy"
	"github.com/phenomenon0/prophetia/pkg/oracle/pool"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
	"github.com/phenomenon0/prophetia/pkg/oracle/registry"
	"github.com/phenomenon0/prophetia/pkg/oracle/resolver"
	"github.com/phenomenon0/prophetia/pkg/oracle/settlement"
	"github.com/phenomenon0/prophetia/pkg/oracle/store"
	"github.com/phenomenon0/prophetia/pkg/oracle/streaming"

	"github.com/rs/zerolog"
)

var (
	// Flags override the environment.
	envFile  = flag.String("env", "", "Path to a .env file (default .env)")
	httpAddr = flag.String("http", "", "HTTP listen address (or PROPHETIA_HTTP_ADDR)")
	logLevel = flag.String("log-level", "", "Log level (or PROPHETIA_LOG_LEVEL)")
	pretty   = flag.Bool("pretty", false, "Human readable logs")
	memory   = flag.Bool("memory", false, "Keep predictions in memory even if a database is configured")
)

func main() {
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		bootLog := logging.Setup("info", true)
		bootLog.Fatal().Err(err).Msg("[ORACLE] invalid configuration")
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *pretty {
		cfg.LogPretty = true
	}

	log := logging.Setup(cfg.LogLevel, cfg.LogPretty)
	log.Info().Msg("[ORACLE] starting Prophetia oracle")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, err := newOracle(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("[ORACLE] failed to initialize")
	}
	defer o.close()

	if err := o.run(ctx); err != nil {
		log.Error().Err(err).Msg("[ORACLE] exited with error")
		os.Exit(1)
	}
	log.Info().Msg("[ORACLE] goodbye")
}

type oracle struct {
	cfg *config.Config
	log zerolog.Logger

	svc    *settlement.Service
	hub    *streaming.Hub
	server *http.Server

	db    *store.Postgres
	redis *streaming.RedisSink
}

func newOracle(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*oracle, error) {
	o := &oracle{cfg: cfg, log: log}

	var predictions prediction.Store = prediction.NewMemoryStore()
	if cfg.DatabaseURL != "" && !*memory {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		o.db = db
		predictions = db
		log.Info().Msg("[ORACLE] connected to PostgreSQL")
	} else {
		log.Warn().Msg("[ORACLE] no database configured, predictions are kept in memory")
	}

	hubOpts := []streaming.HubOption{
		streaming.WithHeartbeat(cfg.StreamHeartbeat),
		streaming.WithBacklog(cfg.StreamBacklog),
	}
	if cfg.RedisURL != "" {
		sink, err := streaming.DialRedisSink(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			o.close()
			return nil, err
		}
		o.redis = sink
		hubOpts = append(hubOpts, streaming.WithSinks(sink))
		log.Info().Str("channel", sink.Channel()).Msg("[ORACLE] publishing events to Redis")
	}
	o.hub = streaming.NewHub(log, hubOpts...)

	limits := policy.DefaultLimits()
	if cfg.Policy == "tight" {
		limits = policy.TightLimits()
	}
	engine := policy.NewEngine(limits)

	poolCfg := pool.DefaultConfig()
	poolCfg.MaxExposurePct = cfg.PoolMaxExposurePct

	deps := settlement.Deps{
		Ledger:       prediction.NewLedger(predictions),
		Participants: participants.NewTracker(participants.DefaultConfig()),
		Pool:         pool.New(poolCfg),
		Policy:       engine,
		Registry:     registry.New(engine),
		Metrics:      metrics.Default(),
		Events:       o.hub,
		Log:          log,
	}

	if cfg.Resolvers != "" {
		allowed, err := eth.ParseAddresses(cfg.Resolvers)
		if err != nil {
			o.close()
			return nil, err
		}
		deps.Verifier = eth.NewVerifier(cfg.ChainID, allowed, eth.NewNonceStore())
		log.Info().Int("resolvers", len(allowed)).Int64("chain_id", cfg.ChainID).Msg("[ORACLE] attestation verification enabled")
	} else {
		log.Warn().Msg("[ORACLE] attestations disabled, resolutions are accepted unsigned")
	}
	if cfg.ReceiptSecret != "" {
		rs, err := eth.NewReceiptSigner(cfg.ReceiptSecret)
		if err != nil {
			o.close()
			return nil, err
		}
		deps.Receipts = rs
	}

	scfg := settlement.DefaultConfig()
	scfg.BonusMode = cfg.BonusMode
	scfg.RequireAttestation = cfg.RequireAttestation
	scfg.PollInterval = cfg.PollInterval

	svc, err := settlement.New(scfg, deps)
	if err != nil {
		o.close()
		return nil, err
	}
	o.svc = svc

	apiOpts := []api.Option{
		api.WithLogger(log),
		api.WithWebSocket(http.HandlerFunc(o.hub.ServeWS)),
		api.WithCORSOrigins(cfg.CORSOrigins),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if o.db != nil {
		apiOpts = append(apiOpts, api.WithHealthCheck("database", o.db.Ping))
	}
	if o.redis != nil {
		apiOpts = append(apiOpts, api.WithHealthCheck("redis", o.redis.Ping))
	}

	o.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(svc, apiOpts...),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return o, nil
}

// run blocks until ctx is cancelled or the HTTP server fails.
func (o *oracle) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error().Err(err).Str("worker", name).Msg("[ORACLE] worker stopped")
			}
		}()
	}

	start("hub", func(ctx context.Context) error {
		o.hub.Run(ctx)
		return nil
	})

	if o.cfg.ResolverURL != "" {
		client := resolver.NewClient(o.cfg.ResolverURL)
		start("poller", func(ctx context.Context) error { return o.svc.Run(ctx, client) })
		o.log.Info().Str("url", o.cfg.ResolverURL).Msg("[ORACLE] polling resolution service")
	}
	if o.cfg.ResolverWSURL != "" {
		feed := resolver.NewFeed(o.cfg.ResolverWSURL, o.log)
		start("feed", func(ctx context.Context) error {
			defer feed.Close()
			return feed.Run(ctx, o.svc.HandleResolution)
		})
		o.log.Info().Str("url", o.cfg.ResolverWSURL).Msg("[ORACLE] subscribed to resolution feed")
	}

	serverErr := make(chan error, 1)
	go func() {
		o.log.Info().Str("addr", o.cfg.HTTPAddr).Msg("[ORACLE] HTTP server listening")
		if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		o.log.Info().Msg("[ORACLE] shutting down")
	case err, ok := <-serverErr:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := o.server.Shutdown(shutdownCtx); err != nil {
		o.log.Warn().Err(err).Msg("[ORACLE] HTTP shutdown")
	}

	cancel()
	wg.Wait()

	if stats, err := o.svc.Ledger().Stats(context.Background()); err == nil {
		o.log.Info().
			Int("total", stats.Total).
			Int("pending", stats.Pending).
			Int("won", stats.Won).
			Int("lost", stats.Lost).
			Str("profit", stats.TotalProfit.String()).
			Msg("[ORACLE] final ledger stats")
	}
	return runErr
}

func (o *oracle) close() {
	if o.redis != nil {
		o.redis.Close()
	}
	if o.db != nil {
		o.db.Close()
	}
}
