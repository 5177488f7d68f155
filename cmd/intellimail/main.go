package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Codeman-lex/intellimail/internal/analysis"
	"github.com/Codeman-lex/intellimail/internal/config"
	"github.com/Codeman-lex/intellimail/internal/httpapi"
	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"github.com/Codeman-lex/intellimail/internal/mailbox"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "intellimail:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("intellimail", flag.ContinueOnError)
	configFile := flags.String("config", "", "path to a YAML, JSON or TOML config file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before the environment is read")
	issueFor := flags.String("issue-token", "", "print a bearer token for this owner and exit")
	scopes := flags.String("scopes", httpapi.ScopeAnalyticsRead, "space separated scopes for -issue-token")
	tokenTTL := flags.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	if err := flags.Parse(args); err != nil {
		return err
	}

	src, err := config.Open(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		return err
	}
	cfg := src.Config()

	if *issueFor != "" {
		token, err := httpapi.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Audience, "cli", *issueFor, strings.Fields(*scopes), *tokenTTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, token)
		return err
	}

	logger, level, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pipeline, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			logger.Error("pipeline close failed", zap.Error(err))
		}
	}()

	server := httpapi.NewServer(pipeline, httpapi.ServerConfig{
		JWTSecret: cfg.Auth.JWTSecret,
		Audience:  cfg.Auth.Audience,
		RateLimit: apiRateLimit(cfg.Auth),
		Logger:    logger,
	})
	reload := &reloader{level: level, pipeline: pipeline, api: server, logger: logger}
	src.Watch(logger, reload.apply)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("intellimail listening",
			zap.String("addr", cfg.Addr),
			zap.String("profile", cfg.Profile),
			zap.Strings("owners", cfg.Owners()),
		)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("log.level: %w", err)
	}
	atom := zap.NewAtomicLevelAt(level)
	zcfg := zap.NewProductionConfig()
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
	case "console":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unsupported log.format %q", cfg.Format)
	}
	zcfg.Level = atom
	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, atom, nil
}

func buildPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger) (*intellimail.Pipeline, error) {
	backend, queue, err := buildBackends(cfg)
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		_ = queue.Close()
		_ = backend.Close()
	}
	capability, modelVersion, err := buildCapability(cfg.Analysis, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	mailboxes, err := buildMailboxes(ctx, cfg.Mailboxes, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	retry := intellimail.RetryPolicy{
		Base:              cfg.Retry.Base,
		Multiplier:        cfg.Retry.Multiplier,
		Cap:               cfg.Retry.Cap,
		Jitter:            cfg.Retry.Jitter,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		MaxQuotaDeferrals: cfg.Retry.MaxQuotaDeferrals,
	}
	pipeline, err := intellimail.NewPipeline(intellimail.PipelineOptions{
		Backend:    backend,
		Queue:      queue,
		Mailbox:    mailboxes,
		Capability: capability,
		Chain: intellimail.ChainOptions{
			ModelVersion: modelVersion,
			StageTimeout: cfg.Analysis.StageTimeout,
			CacheTTL:     cfg.Analysis.CacheTTL,
			DisableCache: !cfg.Analysis.CacheEnabled,
			Thresholds: intellimail.SentimentThresholds{
				Positive: cfg.Analysis.PositiveThreshold,
				Negative: cfg.Analysis.NegativeThreshold,
			},
			Categories: cfg.Analysis.Categories,
		},
		Workers: intellimail.WorkerOptions{
			Workers:             cfg.Workers.Count,
			OwnerMaxConcurrency: cfg.Workers.OwnerMaxConcurrency,
			LeaseDuration:       cfg.Workers.LeaseDuration,
			TaskDeadline:        cfg.Workers.TaskDeadline,
		},
		Scheduler: intellimail.SchedulerOptions{
			Owners:              cfg.Owners(),
			Interval:            cfg.Scheduler.Interval,
			DepthCeiling:        cfg.Scheduler.DepthCeiling,
			MaxConcurrentSweeps: cfg.Scheduler.MaxConcurrentSweeps,
			CachePurgeInterval:  cfg.Scheduler.CachePurgeInterval,
		},
		Aggregator: intellimail.AggregatorOptions{
			BucketWidth:           cfg.Aggregation.BucketWidth,
			HighPriorityThreshold: cfg.Aggregation.HighPriorityThreshold,
		},
		RateLimit:        capabilityRateLimit(cfg.RateLimit),
		Retry:            retry,
		EventBuffer:      cfg.Aggregation.EventBuffer,
		Profile:          cfg.Profile,
		Logger:           logger,
		DisableScheduler: !cfg.Scheduler.Enabled,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	return pipeline, nil
}

func buildBackends(cfg config.Config) (intellimail.StateBackend, intellimail.TaskQueue, error) {
	stateDSN, queueDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Profile == config.ProfileDurableLocal {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	backend, err := intellimail.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("state backend: %w", err)
	}
	queue, err := intellimail.BuildTaskQueueFromDSN(queueDSN, cfg.QueueCapacity)
	if err != nil {
		_ = backend.Close()
		return nil, nil, fmt.Errorf("task queue: %w", err)
	}
	return backend, queue, nil
}

// buildCapability returns the capability and the model version that keys its
// cached output.
func buildCapability(cfg config.AnalysisConfig, logger *zap.Logger) (intellimail.Capability, string, error) {
	heuristic := analysis.NewHeuristicCapability(cfg.Categories)
	var (
		capability   intellimail.Capability = heuristic
		modelVersion                        = analysis.HeuristicModelVersion
	)
	if cfg.Provider == config.ProviderOpenAI {
		primary, err := analysis.NewOpenAICapability(analysis.OpenAIOptions{
			APIKey:          cfg.OpenAI.APIKey,
			BaseURL:         cfg.OpenAI.BaseURL,
			Model:           cfg.OpenAI.Model,
			MaxContentChars: cfg.OpenAI.MaxContentChars,
			MaxTokens:       cfg.OpenAI.MaxTokens,
			Categories:      cfg.Categories,
			Logger:          logger,
		})
		if err != nil {
			return nil, "", err
		}
		capability = analysis.NewRouter(&analysis.Fallback{Primary: primary, Secondary: heuristic, Logger: logger}, heuristic)
		modelVersion = primary.ModelVersion()
	}
	if v := strings.TrimSpace(cfg.ModelVersion); v != "" {
		modelVersion = v
	}
	return capability, modelVersion, nil
}

func buildMailboxes(ctx context.Context, entries []config.MailboxConfig, logger *zap.Logger) (*mailbox.Router, error) {
	router := mailbox.NewRouter()
	for _, entry := range entries {
		var (
			source intellimail.Mailbox
			err    error
		)
		switch strings.ToLower(entry.Kind) {
		case config.MailboxIMAP:
			source, err = mailbox.NewIMAPSource(mailbox.IMAPOptions{
				Address:   entry.Address,
				Username:  entry.Username,
				Password:  entry.Password,
				Security:  entry.Security,
				Mailbox:   entry.Mailbox,
				BatchSize: entry.BatchSize,
				Logger:    logger,
			})
		case config.MailboxGmail:
			source, err = mailbox.NewGmailSource(ctx, mailbox.GmailOptions{
				ClientID:       entry.ClientID,
				ClientSecret:   entry.ClientSecret,
				AccessToken:    entry.AccessToken,
				RefreshToken:   entry.RefreshToken,
				Label:          entry.Label,
				BootstrapQuery: entry.BootstrapQuery,
				BatchSize:      entry.BatchSize,
				Logger:         logger,
			})
		case config.MailboxStatic:
			if entry.Path == "" {
				source = mailbox.NewStatic(entry.BatchSize)
			} else {
				source, err = mailbox.LoadStatic(entry.Path, entry.BatchSize)
			}
		default:
			err = fmt.Errorf("unknown mailbox kind %q", entry.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("mailbox for %s: %w", entry.Owner, err)
		}
		router.Register(entry.Owner, source)
	}
	return router, nil
}

func capabilityRateLimit(cfg config.RateLimitConfig) intellimail.RateLimitOptions {
	return intellimail.RateLimitOptions{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.Burst,
		MaxWait:           cfg.MaxWait,
	}
}

func apiRateLimit(cfg config.AuthConfig) intellimail.RateLimitOptions {
	return intellimail.RateLimitOptions{RequestsPerMinute: cfg.RequestsPerMinute, Burst: cfg.Burst}
}

type rateLimitUpdater interface {
	UpdateRateLimit(opts intellimail.RateLimitOptions)
}

// reloader applies the settings that may change while running: the log level
// and both rate limits.
type reloader struct {
	level    zap.AtomicLevel
	pipeline rateLimitUpdater
	api      rateLimitUpdater
	logger   *zap.Logger
}

func (r *reloader) apply(cfg config.Config) {
	if level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Log.Level)); err != nil {
		r.logger.Warn("ignoring log level", zap.String("level", cfg.Log.Level), zap.Error(err))
	} else if level != r.level.Level() {
		r.level.SetLevel(level)
		r.logger.Info("log level changed", zap.Stringer("level", level))
	}
	r.pipeline.UpdateRateLimit(capabilityRateLimit(cfg.RateLimit))
	r.api.UpdateRateLimit(apiRateLimit(cfg.Auth))
}
