package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/windmark/tradewind/internal/schema"
)

// Load builds the engine configuration: code defaults, overridden by the
// YAML file at path (or $TRADEWIND_CONFIG, or config/app.yaml), overridden
// by environment variables, then validated.
func Load(path string) (AppConfig, error) {
	cfg := defaultAppConfig()

	if err := cfg.loadYAML(path); err != nil && !os.IsNotExist(err) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("TRADEWIND_CONFIG"))
	}
	if path == "" {
		path = "config/app.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// loadEnv overrides the secrets and deployment knobs that should not live in
// the config file.
func (c *AppConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("TRADEWIND_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := os.Getenv("TRADEWIND_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("TRADEWIND_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("TRADEWIND_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("TRADEWIND_SMTP_PASSWORD"); v != "" {
		c.Notify.SMTP.Password = v
	}
	if v := os.Getenv("TRADEWIND_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Environment {
	case EnvProd, EnvPaper, EnvDev:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if strings.TrimSpace(c.Exchange.Name) == "" {
		return fmt.Errorf("exchange.name is required")
	}
	if c.Environment == EnvProd && c.Exchange.Name != "paper" {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange credentials required for %s in prod", c.Exchange.Name)
		}
	}

	for _, symbol := range c.Stream.Symbols {
		if err := schema.ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("stream.symbols: %w", err)
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxOpenPairs <= 0 {
		return fmt.Errorf("storage.max_open_pairs must be positive")
	}

	if c.Decision.Threshold <= 0 {
		return fmt.Errorf("decision.threshold must be positive")
	}
	if c.Decision.PositionPercent <= 0 || c.Decision.PositionPercent > 100 {
		return fmt.Errorf("decision.position_percent must be in (0, 100]")
	}
	for _, filter := range c.Decision.Filters {
		if filter.Weight <= 0 {
			return fmt.Errorf("decision filter %q needs a positive weight", filter.Name)
		}
	}

	if c.Execution.MaxPositionPercent <= 0 || c.Execution.MaxPositionPercent > 100 {
		return fmt.Errorf("execution.max_position_percent must be in (0, 100]")
	}
	if c.Execution.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("execution.max_concurrent_positions must be positive")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries cannot be negative")
	}
	if c.Execution.MinFillRatio <= 0 || c.Execution.MinFillRatio > 1 {
		return fmt.Errorf("execution.min_fill_ratio must be in (0, 1]")
	}

	if c.Monitor.DumpThresholdPercent <= 0 {
		return fmt.Errorf("monitor.dump_threshold_percent must be positive")
	}

	if c.Notify.Enabled {
		if len(c.Notify.Recipients) == 0 {
			return fmt.Errorf("notify.recipients required when notifications are enabled")
		}
		if strings.TrimSpace(c.Notify.SMTP.Host) == "" || c.Notify.SMTP.From == "" {
			return fmt.Errorf("notify.smtp host and from required when notifications are enabled")
		}
	}
	return nil
}
