// Package config loads intellimail settings from defaults, an optional config
// file, a .env file and INTELLIMAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
	ProfileCustom       = "custom"

	ProviderOpenAI    = "openai"
	ProviderHeuristic = "heuristic"

	MailboxIMAP   = "imap"
	MailboxGmail  = "gmail"
	MailboxStatic = "static"
)

type Config struct {
	Addr          string `mapstructure:"addr"`
	Profile       string `mapstructure:"profile"`
	DataDir       string `mapstructure:"data_dir"`
	StateDSN      string `mapstructure:"state_dsn"`
	QueueDSN      string `mapstructure:"queue_dsn"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	QueueCapacity int    `mapstructure:"queue_capacity"`

	Log         LogConfig         `mapstructure:"log"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Workers     WorkerConfig      `mapstructure:"workers"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Mailboxes   []MailboxConfig   `mapstructure:"mailboxes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Audience  string `mapstructure:"audience"`
	// RequestsPerMinute bounds API calls per token; zero disables limiting.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Burst             int     `mapstructure:"burst"`
}

// RateLimitConfig is the per-owner budget for capability calls.
type RateLimitConfig struct {
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
}

type WorkerConfig struct {
	Count               int           `mapstructure:"count"`
	OwnerMaxConcurrency int           `mapstructure:"owner_max_concurrency"`
	LeaseDuration       time.Duration `mapstructure:"lease_duration"`
	TaskDeadline        time.Duration `mapstructure:"task_deadline"`
}

type RetryConfig struct {
	Base              time.Duration `mapstructure:"base"`
	Multiplier        float64       `mapstructure:"multiplier"`
	Cap               time.Duration `mapstructure:"cap"`
	Jitter            time.Duration `mapstructure:"jitter"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	MaxQuotaDeferrals int           `mapstructure:"max_quota_deferrals"`
}

type SchedulerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval"`
	DepthCeiling        int           `mapstructure:"depth_ceiling"`
	MaxConcurrentSweeps int           `mapstructure:"max_concurrent_sweeps"`
	CachePurgeInterval  time.Duration `mapstructure:"cache_purge_interval"`
}

type AnalysisConfig struct {
	Provider          string        `mapstructure:"provider"`
	ModelVersion      string        `mapstructure:"model_version"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	CacheEnabled      bool          `mapstructure:"cache_enabled"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	Categories        []string      `mapstructure:"categories"`
	PositiveThreshold float64       `mapstructure:"positive_threshold"`
	NegativeThreshold float64       `mapstructure:"negative_threshold"`
	OpenAI            OpenAIConfig  `mapstructure:"openai"`
}

type OpenAIConfig struct {
	APIKey          string `mapstructure:"api_key"`
	BaseURL         string `mapstructure:"base_url"`
	Model           string `mapstructure:"model"`
	MaxContentChars int    `mapstructure:"max_content_chars"`
	MaxTokens       int    `mapstructure:"max_tokens"`
}

type AggregationConfig struct {
	BucketWidth           time.Duration `mapstructure:"bucket_width"`
	HighPriorityThreshold float64       `mapstructure:"high_priority_threshold"`
	EventBuffer           int           `mapstructure:"event_buffer"`
}

// MailboxConfig binds one owner to a mail source. Only the fields of the
// chosen kind are read.
type MailboxConfig struct {
	Owner     string `mapstructure:"owner"`
	Kind      string `mapstructure:"kind"`
	BatchSize int    `mapstructure:"batch_size"`

	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Security string `mapstructure:"security"`
	Mailbox  string `mapstructure:"mailbox"`

	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	AccessToken    string `mapstructure:"access_token"`
	RefreshToken   string `mapstructure:"refresh_token"`
	Label          string `mapstructure:"label"`
	BootstrapQuery string `mapstructure:"bootstrap_query"`

	Path string `mapstructure:"path"`
}

// Owners lists configured mailbox owners in declaration order.
func (c Config) Owners() []string {
	out := make([]string, 0, len(c.Mailboxes))
	seen := map[string]bool{}
	for _, mb := range c.Mailboxes {
		owner := strings.TrimSpace(mb.Owner)
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true
		out = append(out, owner)
	}
	return out
}

// StorageDSNs resolves the state and queue DSNs for the configured profile.
func (c Config) StorageDSNs() (state, queue string, err error) {
	switch normalizeProfile(c.Profile) {
	case ProfileMemory:
		return "memory://", "memory://", nil
	case ProfileDurableLocal:
		dir := c.DataDir
		if strings.TrimSpace(dir) == "" {
			dir = ".intellimail"
		}
		return "sqlite:" + filepath.Join(dir, "state.db"), "file:" + filepath.Join(dir, "task-queue.json"), nil
	case ProfileProduction:
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return "", "", errors.New("postgres_dsn is required for the production profile")
		}
		return dsn, dsn, nil
	case ProfileCustom:
		state, queue = strings.TrimSpace(c.StateDSN), strings.TrimSpace(c.QueueDSN)
		if state == "" || queue == "" {
			return "", "", errors.New("state_dsn and queue_dsn are required for the custom profile")
		}
		return state, queue, nil
	default:
		return "", "", fmt.Errorf("unsupported profile: %s", c.Profile)
	}
}

func normalizeProfile(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "memory", "inmemory":
		return ProfileMemory
	case "durable-local", "local-durable":
		return ProfileDurableLocal
	case "production", "prod":
		return ProfileProduction
	case "custom":
		return ProfileCustom
	default:
		return raw
	}
}

// Validate reports every problem it finds, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Workers.LeaseDuration <= c.Workers.TaskDeadline {
		errs = append(errs, fmt.Errorf("workers.lease_duration (%s) must be greater than workers.task_deadline (%s)",
			c.Workers.LeaseDuration, c.Workers.TaskDeadline))
	}
	if c.Workers.Count <= 0 {
		errs = append(errs, errors.New("workers.count must be positive"))
	}
	pos, neg := c.Analysis.PositiveThreshold, c.Analysis.NegativeThreshold
	if pos < 0 || neg < 0 || pos > 1 || neg > 1 {
		errs = append(errs, errors.New("sentiment thresholds must be within [0,1]"))
	}
	if pos <= neg {
		errs = append(errs, fmt.Errorf("analysis.positive_threshold (%g) must be above analysis.negative_threshold (%g)", pos, neg))
	}
	if hp := c.Aggregation.HighPriorityThreshold; hp < 0 || hp > 1 {
		errs = append(errs, errors.New("aggregation.high_priority_threshold must be within [0,1]"))
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.Auth.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("requests_per_minute must not be negative"))
	}
	switch normalizeProfile(c.Profile) {
	case ProfileMemory, ProfileDurableLocal, ProfileProduction, ProfileCustom:
		if _, _, err := c.StorageDSNs(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown profile %q", c.Profile))
	}
	switch strings.ToLower(c.Analysis.Provider) {
	case ProviderHeuristic:
	case ProviderOpenAI:
		if strings.TrimSpace(c.Analysis.OpenAI.APIKey) == "" {
			errs = append(errs, errors.New("analysis.openai.api_key is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown analysis provider %q", c.Analysis.Provider))
	}
	for i, mb := range c.Mailboxes {
		if strings.TrimSpace(mb.Owner) == "" {
			errs = append(errs, fmt.Errorf("mailboxes[%d]: owner is required", i))
		}
		switch strings.ToLower(mb.Kind) {
		case MailboxIMAP:
			if mb.Address == "" || mb.Username == "" {
				errs = append(errs, fmt.Errorf("mailboxes[%d]: imap needs address and username", i))
			}
		case MailboxGmail:
			if mb.AccessToken == "" && mb.RefreshToken == "" {
				errs = append(errs, fmt.Errorf("mailboxes[%d]: gmail needs an access or refresh token", i))
			}
		case MailboxStatic:
		default:
			errs = append(errs, fmt.Errorf("mailboxes[%d]: unknown kind %q", i, mb.Kind))
		}
	}
	return errors.Join(errs...)
}
