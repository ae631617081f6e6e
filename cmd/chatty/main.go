// chatty is a persona chat service: an OpenAI-compatible model behind a
// two-tier semantic cache, streamed to clients over server-sent events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chattyhq/chatty/cache"
	"github.com/chattyhq/chatty/chat"
	"github.com/chattyhq/chatty/config"
	"github.com/chattyhq/chatty/embedding"
	"github.com/chattyhq/chatty/history"
	"github.com/chattyhq/chatty/internal/metrics"
	"github.com/chattyhq/chatty/internal/server"
	"github.com/chattyhq/chatty/internal/telemetry"
	"github.com/chattyhq/chatty/llm/openai"
	"github.com/chattyhq/chatty/tools"
)

func main() {
	configPath := flag.String("config", "chatty.yaml", "path to the service configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "chatty:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	persona, err := config.LoadPersona(cfg.PersonaPath)
	if err != nil {
		return err
	}
	logger.Info("persona loaded",
		zap.String("name", persona.Name),
		zap.Int("golden", len(persona.Golden)),
		zap.Int("knowledge_sources", len(persona.Knowledge)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			Endpoint: cfg.Telemetry.OTLPEndpoint,
		})
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, cache runs degraded", zap.Error(err))
	}

	var embedder embedding.Embedder = embedding.NewClient(cfg.Embedding.Config)
	if cfg.Embedding.CacheTTL > 0 {
		embedder = embedding.NewCachedEmbedder(embedder, rdb, cfg.Embedding.CacheTTL, logger.Named("embedcache"))
	}

	sc := cache.NewSemanticCache(cfg.Cache, embedder,
		cache.NewRedisFrequencyTracker(rdb), cache.NewRedisStore(rdb), logger.Named("cache"))
	if err := sc.LoadGolden(ctx, persona.Golden); err != nil {
		return fmt.Errorf("load golden tier: %w", err)
	}
	if err := sc.Restore(ctx); err != nil {
		logger.Warn("dynamic tier not restored", zap.Error(err))
	}
	go sc.RunSweeper(ctx)

	provider := openai.NewProvider(cfg.LLM, logger.Named("llm"))

	registry := tools.NewRegistry(0, logger.Named("tools"))
	if len(persona.Knowledge) > 0 {
		lookup := tools.NewLookup(persona.Knowledge, nil, 0, logger.Named("lookup"))
		if err := registry.Register(lookup); err != nil {
			return err
		}
	}

	loop := chat.NewLoop(provider, registry, cfg.Loop, logger.Named("loop"))

	var truncator *chat.Truncator
	if cfg.History.TokenBudget > 0 || cfg.History.MaxTurns > 0 {
		truncator, err = chat.NewTruncator(cfg.History.Encoding, cfg.History.MaxTurns, cfg.History.TokenBudget)
		if err != nil {
			return fmt.Errorf("build truncator: %w", err)
		}
	}

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path, logger.Named("history"))
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
	}

	collector := metrics.NewCollector()

	opts := chat.OrchestratorOptions{
		Cache:        sc,
		Truncator:    truncator,
		Metrics:      collector,
		SystemPrompt: persona.SystemPrompt,
		Logger:       logger.Named("orchestrator"),
	}
	if store != nil {
		opts.Recorder = store
	}
	orch := chat.NewOrchestrator(loop, opts)

	var loader server.HistoryLoader
	if store != nil {
		loader = store
	}
	srv := server.New(server.Config{
		Addr:                cfg.Server.Addr,
		RatePerSecond:       cfg.Server.RatePerSecond,
		RateBurst:           cfg.Server.RateBurst,
		GlobalRatePerSecond: cfg.Server.GlobalRatePerSecond,
		GlobalBurst:         cfg.Server.GlobalBurst,
		ReadTimeout:         cfg.Server.ReadTimeout,
		ShutdownTimeout:     cfg.Server.ShutdownTimeout,
		RequestTimeout:      cfg.Server.RequestTimeout,
		HistoryLimit:        cfg.History.MaxTurns * 2,
	}, orch, loader, sc, provider, collector, logger.Named("http"))

	return srv.Run(ctx)
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
