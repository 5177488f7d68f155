package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "INTELLIMAIL"

type LoadOptions struct {
	// ConfigFile is optional. Without it only defaults and the environment apply.
	ConfigFile string
	// EnvFile defaults to ".env". A missing file is not an error.
	EnvFile string
}

// Source holds the viper instance behind a loaded configuration so the file
// can be watched for changes.
type Source struct {
	v    *viper.Viper
	file string

	mu      sync.Mutex
	current Config
}

func Load(opts LoadOptions) (Config, error) {
	src, err := Open(opts)
	if err != nil {
		return Config{}, err
	}
	return src.Config(), nil
}

func Open(opts LoadOptions) (*Source, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("analysis.openai.api_key", envPrefix+"_ANALYSIS_OPENAI_API_KEY", "OPENAI_API_KEY")

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", opts.ConfigFile, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Source{v: v, file: opts.ConfigFile, current: cfg}, nil
}

func (s *Source) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Watch re-reads the config file on change and hands the new configuration to
// apply. Invalid edits are logged and ignored. Without a config file Watch
// does nothing.
func (s *Source) Watch(logger *zap.Logger, apply func(Config)) {
	if s.file == "" {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "config"))
	s.v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(s.v)
		if err != nil {
			logger.Warn("config reload rejected", zap.String("file", event.Name), zap.Error(err))
			return
		}
		s.mu.Lock()
		s.current = cfg
		s.mu.Unlock()
		logger.Info("config reloaded", zap.String("file", event.Name))
		apply(cfg)
	})
	s.v.WatchConfig()
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Profile = normalizeProfile(cfg.Profile)
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = ".intellimail"
	}
	cfg.Analysis.Provider = strings.ToLower(strings.TrimSpace(cfg.Analysis.Provider))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("profile", ProfileMemory)
	v.SetDefault("data_dir", ".intellimail")
	v.SetDefault("state_dsn", "")
	v.SetDefault("queue_dsn", "")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("queue_capacity", 10000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("auth.jwt_secret", "dev-secret")
	v.SetDefault("auth.audience", "intellimail")
	v.SetDefault("auth.requests_per_minute", 600)
	v.SetDefault("auth.burst", 60)

	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.max_wait", 2*time.Second)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.owner_max_concurrency", 2)
	v.SetDefault("workers.lease_duration", 5*time.Minute)
	v.SetDefault("workers.task_deadline", 2*time.Minute)

	v.SetDefault("retry.base", 2*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.cap", 5*time.Minute)
	v.SetDefault("retry.jitter", time.Second)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.max_quota_deferrals", 20)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.depth_ceiling", 500)
	v.SetDefault("scheduler.max_concurrent_sweeps", 4)
	v.SetDefault("scheduler.cache_purge_interval", 10*time.Minute)

	v.SetDefault("analysis.provider", ProviderHeuristic)
	v.SetDefault("analysis.model_version", "")
	v.SetDefault("analysis.stage_timeout", 30*time.Second)
	v.SetDefault("analysis.cache_enabled", true)
	v.SetDefault("analysis.cache_ttl", time.Hour)
	v.SetDefault("analysis.categories", []string{})
	v.SetDefault("analysis.positive_threshold", 0.6)
	v.SetDefault("analysis.negative_threshold", 0.4)
	v.SetDefault("analysis.openai.api_key", "")
	v.SetDefault("analysis.openai.base_url", "")
	v.SetDefault("analysis.openai.model", "")
	v.SetDefault("analysis.openai.max_content_chars", 6000)
	v.SetDefault("analysis.openai.max_tokens", 512)

	v.SetDefault("aggregation.bucket_width", time.Hour)
	v.SetDefault("aggregation.high_priority_threshold", 0.7)
	v.SetDefault("aggregation.event_buffer", 64)
}
