package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesPrecedence(t *testing.T) {
	path := writeConfig(t, `
environment: dev
exchange:
  name: binance
  api_key: from-yaml
stream:
  symbols: [BTC-USDT, ETH-USDT]
  intervals: [1m, 5m]
storage:
  backend: postgres
  dsn: postgres://yaml
  retention:
    tick_window: 15m
decision:
  threshold: 2.5
  filters:
    - name: imbalance
      weight: 1.5
execution:
  retry_base_delay: 250ms
notify:
  enabled: true
  recipients: [ops@example.com]
  smtp:
    host: mail.example.com
    from: bot@example.com
`)
	t.Setenv("TRADEWIND_API_KEY", "from-env")
	t.Setenv("TRADEWIND_DSN", "postgres://env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Environment != EnvDev || cfg.Exchange.Name != "binance" {
		t.Fatalf("yaml overrides lost: %+v", cfg.Exchange)
	}
	// Environment wins over YAML.
	if cfg.Exchange.APIKey != "from-env" || cfg.Storage.DSN != "postgres://env" {
		t.Fatalf("env overrides lost: key=%q dsn=%q", cfg.Exchange.APIKey, cfg.Storage.DSN)
	}
	// Defaults survive where nothing overrides them.
	if cfg.Storage.MaxOpenPairs != 200 || cfg.Bus.QueueSize != 10000 {
		t.Fatalf("defaults lost: %+v", cfg.Storage)
	}
	if cfg.Execution.RetryBaseDelay.Std() != 250*time.Millisecond {
		t.Fatalf("duration parse = %v", cfg.Execution.RetryBaseDelay.Std())
	}
	if cfg.Storage.Retention.TickWindow.Std() != 15*time.Minute {
		t.Fatalf("retention parse = %v", cfg.Storage.Retention.TickWindow.Std())
	}
	if cfg.Decision.Threshold != 2.5 || len(cfg.Decision.Filters) != 1 {
		t.Fatalf("decision config = %+v", cfg.Decision)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Environment != EnvPaper || cfg.Exchange.Name != "paper" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"unknown environment": func(c *AppConfig) { c.Environment = "staging" },
		"empty exchange name": func(c *AppConfig) { c.Exchange.Name = " " },
		"prod without credentials": func(c *AppConfig) {
			c.Environment = EnvProd
			c.Exchange.Name = "binance"
		},
		"bad symbol": func(c *AppConfig) { c.Stream.Symbols = []string{"BTCUSDT"} },
		"postgres without dsn": func(c *AppConfig) {
			c.Storage.Backend = "postgres"
			c.Storage.DSN = ""
		},
		"unknown backend":       func(c *AppConfig) { c.Storage.Backend = "redis" },
		"zero threshold":        func(c *AppConfig) { c.Decision.Threshold = 0 },
		"oversized position":    func(c *AppConfig) { c.Decision.PositionPercent = 101 },
		"weightless filter":     func(c *AppConfig) { c.Decision.Filters = []FilterConfig{{Name: "x"}} },
		"zero concurrent limit": func(c *AppConfig) { c.Execution.MaxConcurrentPositions = 0 },
		"fill ratio above one":  func(c *AppConfig) { c.Execution.MinFillRatio = 1.5 },
		"notify without recipients": func(c *AppConfig) {
			c.Notify.Enabled = true
			c.Notify.Recipients = nil
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultAppConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, "execution:\n  retry_base_delay: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unparsable duration")
	}
}
