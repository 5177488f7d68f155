package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{EnvFile: noEnvFile(t)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Profile != ProfileMemory || cfg.Addr != ":8080" || cfg.Workers.Count != 4 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Workers.LeaseDuration != 5*time.Minute || cfg.Retry.MaxAttempts != 5 || cfg.Retry.MaxQuotaDeferrals != 20 {
		t.Fatalf("unexpected worker or retry defaults %+v / %+v", cfg.Workers, cfg.Retry)
	}
	if cfg.Analysis.Provider != ProviderHeuristic || !cfg.Analysis.CacheEnabled || cfg.Aggregation.HighPriorityThreshold != 0.7 {
		t.Fatalf("unexpected analysis defaults %+v", cfg.Analysis)
	}
	state, queue, err := cfg.StorageDSNs()
	if err != nil || state != "memory://" || queue != "memory://" {
		t.Fatalf("expected memory DSNs, got %q %q (%v)", state, queue, err)
	}
}

func TestLoadFileAndEnvironmentLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intellimail.yaml")
	body := `
profile: durable-local
data_dir: ` + dir + `
log:
  level: debug
workers:
  count: 8
analysis:
  categories: [Finance, HR]
mailboxes:
  - owner: alice
    kind: static
    path: seed.json
  - owner: bob
    kind: imap
    address: imap.example.com:993
    username: bob
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INTELLIMAIL_WORKERS_COUNT", "3")
	t.Setenv("INTELLIMAIL_RATE_LIMIT_REQUESTS_PER_MINUTE", "120")

	cfg, err := Load(LoadOptions{ConfigFile: path, EnvFile: noEnvFile(t)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers.Count != 3 {
		t.Fatalf("expected env to override file, got %d workers", cfg.Workers.Count)
	}
	if cfg.Log.Level != "debug" || cfg.RateLimit.RequestsPerMinute != 120 {
		t.Fatalf("unexpected layered values %+v / %+v", cfg.Log, cfg.RateLimit)
	}
	if len(cfg.Analysis.Categories) != 2 || cfg.Analysis.Categories[1] != "HR" {
		t.Fatalf("expected categories from file, got %v", cfg.Analysis.Categories)
	}
	if owners := cfg.Owners(); len(owners) != 2 || owners[0] != "alice" || owners[1] != "bob" {
		t.Fatalf("expected owners in order, got %v", owners)
	}
	state, queue, err := cfg.StorageDSNs()
	if err != nil {
		t.Fatalf("dsns: %v", err)
	}
	if state != "sqlite:"+filepath.Join(dir, "state.db") || queue != "file:"+filepath.Join(dir, "task-queue.json") {
		t.Fatalf("unexpected durable-local DSNs %q %q", state, queue)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("INTELLIMAIL_AUTH_JWT_SECRET=from-dotenv\nOPENAI_API_KEY=sk-test\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	for _, key := range []string{"INTELLIMAIL_AUTH_JWT_SECRET", "OPENAI_API_KEY", "INTELLIMAIL_ANALYSIS_OPENAI_API_KEY"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	t.Setenv("INTELLIMAIL_ANALYSIS_PROVIDER", "openai")

	cfg, err := Load(LoadOptions{EnvFile: envFile})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-dotenv" || cfg.Analysis.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected values from .env, got %q / %q", cfg.Auth.JWTSecret, cfg.Analysis.OpenAI.APIKey)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load(LoadOptions{EnvFile: noEnvFile(t)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "lease", mutate: func(c *Config) { c.Workers.LeaseDuration = c.Workers.TaskDeadline }, want: "lease_duration"},
		{name: "negative threshold", mutate: func(c *Config) { c.Analysis.NegativeThreshold = -0.1 }, want: "within [0,1]"},
		{name: "inverted thresholds", mutate: func(c *Config) { c.Analysis.PositiveThreshold = 0.3 }, want: "positive_threshold"},
		{name: "profile", mutate: func(c *Config) { c.Profile = "cloud" }, want: "unknown profile"},
		{name: "production dsn", mutate: func(c *Config) { c.Profile = ProfileProduction }, want: "postgres_dsn"},
		{name: "custom dsn", mutate: func(c *Config) { c.Profile = ProfileCustom; c.StateDSN = "memory://" }, want: "queue_dsn"},
		{name: "mailbox owner", mutate: func(c *Config) { c.Mailboxes = []MailboxConfig{{Kind: MailboxStatic}} }, want: "owner is required"},
		{name: "mailbox kind", mutate: func(c *Config) { c.Mailboxes = []MailboxConfig{{Owner: "a", Kind: "pop3"}} }, want: "unknown kind"},
		{name: "openai key", mutate: func(c *Config) { c.Analysis.Provider = ProviderOpenAI }, want: "api_key"},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("workers:\n  lease_duration: 1s\n  task_deadline: 1m\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(LoadOptions{ConfigFile: path, EnvFile: noEnvFile(t)}); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
	if _, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "none.yaml"), EnvFile: noEnvFile(t)}); err == nil {
		t.Fatalf("expected missing config file to fail")
	}
}

func TestWatchAppliesReloadedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intellimail.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := Open(LoadOptions{ConfigFile: path, EnvFile: noEnvFile(t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reloaded := make(chan Config, 4)
	src.Watch(zaptest.NewLogger(t), func(cfg Config) { reloaded <- cfg })

	if err := os.WriteFile(path, []byte("log:\n  level: debug\nrate_limit:\n  requests_per_minute: 30\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Log.Level == "debug" && cfg.RateLimit.RequestsPerMinute == 30 {
				if src.Config().Log.Level != "debug" {
					t.Fatalf("expected source to hold the reloaded config")
				}
				return
			}
		case <-deadline:
			t.Fatalf("expected reload after file change")
		}
	}
}
