// Kestrel - streaming fraud decisions for money movement.

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kestrelhq/kestrel/internal/analyzer"
	"github.com/kestrelhq/kestrel/internal/api"
	"github.com/kestrelhq/kestrel/internal/blocklist"
	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/engine"
	"github.com/kestrelhq/kestrel/internal/geo"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/ingress"
	"github.com/kestrelhq/kestrel/internal/ml"
	"github.com/kestrelhq/kestrel/internal/policy"
	"github.com/kestrelhq/kestrel/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Optional .env for local development; the environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded", "config", config.Redacted(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Repository
	repo, err := repository.New(cfg.DB)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.DB.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Event bus
	busImpl, err := bus.New(cfg.Bus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.Bus.Type)

	// Blocklist and history services
	bl := blocklist.NewStore(repo, cacheImpl, cfg.Cache.BlocklistTTL)
	if cfg.EncryptionKey != "" {
		if err := bl.WithEncryption(cfg.EncryptionKey); err != nil {
			slog.Error("failed to enable field encryption", "error", err)
			os.Exit(1)
		}
		slog.Info("blocklist field encryption enabled")
	}
	hist := history.NewService(repo, cacheImpl, cfg.Cache.UserHistoryTTL)

	// GeoIP resolver
	var resolver geo.Resolver = geo.NoopResolver{}
	if cfg.Rules.Geo.MaxMindCityDB != "" {
		mm, err := geo.NewMaxMindResolver(cfg.Rules.Geo.MaxMindCityDB)
		if err != nil {
			slog.Warn("geoip database unavailable, IP resolution disabled", "error", err)
		} else {
			resolver = mm
			defer mm.Close()
			slog.Info("geoip resolver initialized", "db", cfg.Rules.Geo.MaxMindCityDB)
		}
	}

	highRisk := config.ParseHighRiskCountries(cfg.Rules.Geo.HighRiskCountries)
	weights := cfg.Rules.Weights

	analyzers := []analyzer.Analyzer{
		analyzer.NewVelocityAnalyzer(cacheImpl, cfg.Rules.Velocity, weights.Velocity),
		analyzer.NewAmountAnalyzer(cfg.Rules.Amount, weights.Amount),
		analyzer.NewGeographicAnalyzer(cacheImpl, resolver, geo.NoopVPNIndicator{}, highRisk, cfg.Rules.Geo, weights.Geographic),
		analyzer.NewRecipientAnalyzer(cacheImpl, bl, highRisk, cfg.Rules.Recipient, cfg.Cache.RecipientTTL, weights.Recipient),
		analyzer.NewDeviceAnalyzer(cacheImpl, bl, cfg.Cache.DeviceTTL, weights.Device),
		analyzer.NewTimeAnalyzer(weights.Time),
	}

	// Policy engine
	policyEngine, err := policy.NewEngine()
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	if rules, err := repo.ListPolicyRules(ctx); err != nil {
		slog.Warn("failed to load policies, starting with none", "error", err)
	} else if err := policyEngine.ReloadRules(rules); err != nil {
		slog.Error("failed to compile stored policies", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "policies", policyEngine.RuleCount())

	// ML scorer. Hash validation applies to the primary model path only; a
	// mismatch refuses that file and loading continues with the fallback
	// path, then the built-in rule-based model.
	scorer := ml.NewScorer(cfg.ML)
	slog.Info("ml scorer initialized", "model", scorer.ModelVersion(), "fallback", scorer.Fallback())

	publisher := engine.NewPublisher(busImpl, cfg.Topics, cfg.ServiceName)

	eng := engine.New(engine.Config{
		Cache:      cacheImpl,
		Repo:       repo,
		History:    hist,
		Analyzers:  analyzers,
		Policy:     analyzer.NewPolicyAnalyzer(policyEngine, weights.Policy),
		Scorer:     scorer,
		Publisher:  publisher,
		Thresholds: cfg.Rules.Thresholds,
		Weights:    weights,
		Timeout:    cfg.Pipeline.ProcessingTimeout,
		Budget:     cfg.Pipeline.PublishBudget,
		MarkerTTL:  cfg.Cache.AnalysisTTL,
	})

	// Ingress
	consumer := ingress.NewConsumer(busImpl, eng, repo, cfg.Topics, cfg.Bus.KafkaGroupID, cfg.Pipeline.Workers)
	if err := consumer.Start(); err != nil {
		slog.Error("failed to start ingress", "error", err)
		os.Exit(1)
	}

	// HTTP surface
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, bl, policyEngine, Version)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"topic", cfg.Topics.TransfersCreated,
	)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Pause ingress first so in-flight analyses drain, then stop the
	// HTTP surface; the deferred closes release bus, cache, and database.
	if err := consumer.Stop(); err != nil {
		slog.Error("failed to stop ingress", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// initLogger installs the process-wide structured logger.
func initLogger(level, format string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))
}
