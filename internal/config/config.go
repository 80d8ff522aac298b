// Package config loads the engine configuration with the precedence
// defaults -> YAML -> environment variables, then validates the result.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names the runtime profile.
type Environment string

const (
	EnvProd  Environment = "prod"
	EnvPaper Environment = "paper"
	EnvDev   Environment = "dev"
)

// Duration wraps time.Duration so YAML accepts "5m" style values.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ExchangeConfig selects and authenticates the trading venue.
type ExchangeConfig struct {
	Name           string   `yaml:"name"`
	RESTURL        string   `yaml:"rest_url"`
	APIKey         string   `yaml:"api_key"`
	APISecret      string   `yaml:"api_secret"`
	InitialBalance float64  `yaml:"initial_balance"` // paper venue only
	OrderThrottle  float64  `yaml:"order_throttle"`
	Whitelist      []string `yaml:"whitelist"`
}

// StreamConfig selects the market data subscriptions.
type StreamConfig struct {
	URL           string   `yaml:"url"`
	Symbols       []string `yaml:"symbols"`
	Intervals     []string `yaml:"intervals"`
	MaxReconnects int      `yaml:"max_reconnects"`
}

// BusConfig sizes the event bus mailboxes.
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// RetentionConfig bounds stored history per data class.
type RetentionConfig struct {
	TickWindow      Duration `yaml:"tick_window"`
	CandleWindow    Duration `yaml:"candle_window"`
	StructureWindow Duration `yaml:"structure_window"`
}

// StorageConfig selects the persistence backend and pool sizing.
type StorageConfig struct {
	Backend       string          `yaml:"backend"` // memory | postgres
	DSN           string          `yaml:"dsn"`
	MaxOpenPairs  int             `yaml:"max_open_pairs"`
	Market        string          `yaml:"market"`
	FlowWindow    Duration        `yaml:"flow_window"`
	SweepInterval Duration        `yaml:"sweep_interval"`
	Retention     RetentionConfig `yaml:"retention"`
}

// AnalyzerConfig declares one primary analyzer.
type AnalyzerConfig struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params"`
}

// FilterConfig declares one weighted secondary filter. Script holds inline
// JavaScript when the filter is script-backed.
type FilterConfig struct {
	Name   string            `yaml:"name"`
	Weight float64           `yaml:"weight"`
	Params map[string]string `yaml:"params"`
	Script string            `yaml:"script"`
}

// DecisionConfig tunes the decision pipeline.
type DecisionConfig struct {
	Threshold         float64          `yaml:"threshold"`
	PositionPercent   float64          `yaml:"position_percent"`
	StopLossPercent   float64          `yaml:"stop_loss_percent"`
	TakeProfitPercent float64          `yaml:"take_profit_percent"`
	Analyzers         []AnalyzerConfig `yaml:"analyzers"`
	Filters           []FilterConfig   `yaml:"filters"`
}

// ExecutionConfig tunes the execution pipeline stages.
type ExecutionConfig struct {
	MinConfluence          float64  `yaml:"min_confluence"`
	MaxPositionPercent     float64  `yaml:"max_position_percent"`
	MaxConcurrentPositions int      `yaml:"max_concurrent_positions"`
	MaxStopDistancePercent float64  `yaml:"max_stop_distance_percent"`
	MinRiskReward          float64  `yaml:"min_risk_reward"`
	MaxRetries             int      `yaml:"max_retries"`
	RetryBaseDelay         Duration `yaml:"retry_base_delay"`
	RetryMultiplier        float64  `yaml:"retry_multiplier"`
	ReconcileEnabled       bool     `yaml:"reconcile_enabled"`
	ReconcileInterval      Duration `yaml:"reconcile_interval"`
	ReconcileTimeout       Duration `yaml:"reconcile_timeout"`
	MinFillRatio           float64  `yaml:"min_fill_ratio"`
	BreakerThreshold       int      `yaml:"breaker_threshold"`
	BreakerCooldown        Duration `yaml:"breaker_cooldown"`
}

// MonitorConfig tunes the position monitor.
type MonitorConfig struct {
	MaxHoldTime          Duration `yaml:"max_hold_time"`
	CheckInterval        Duration `yaml:"check_interval"`
	DumpWindow           Duration `yaml:"dump_window"`
	DumpThresholdPercent float64  `yaml:"dump_threshold_percent"`
	ExitOnDump           bool     `yaml:"exit_on_dump"`
	CorrelationWindow    Duration `yaml:"correlation_window"`
	TrailingStopPercent  float64  `yaml:"trailing_stop_percent"`
}

// SMTPConfig locates the outbound mail relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// NotifyConfig tunes the notification router.
type NotifyConfig struct {
	Enabled         bool       `yaml:"enabled"`
	Recipients      []string   `yaml:"recipients"`
	WarningInterval Duration   `yaml:"warning_interval"`
	InfoInterval    Duration   `yaml:"info_interval"`
	RatePerHour     int        `yaml:"rate_per_hour"`
	SMTP            SMTPConfig `yaml:"smtp"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	ServiceName   string `yaml:"service_name"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// AppConfig is the unified engine configuration.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Exchange    ExchangeConfig  `yaml:"exchange"`
	Stream      StreamConfig    `yaml:"stream"`
	Bus         BusConfig       `yaml:"bus"`
	Storage     StorageConfig   `yaml:"storage"`
	Decision    DecisionConfig  `yaml:"decision"`
	Execution   ExecutionConfig `yaml:"execution"`
	Monitor     MonitorConfig   `yaml:"monitor"`
	Notify      NotifyConfig    `yaml:"notify"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvPaper,
		Exchange: ExchangeConfig{
			Name:           "paper",
			InitialBalance: 10000,
			Whitelist:      []string{"paper"},
		},
		Stream: StreamConfig{
			URL:           "wss://stream.binance.com:9443",
			Intervals:     []string{"1m", "5m", "15m"},
			MaxReconnects: 10,
		},
		Bus: BusConfig{QueueSize: 10000},
		Storage: StorageConfig{
			Backend:       "memory",
			MaxOpenPairs:  200,
			Market:        "spot",
			FlowWindow:    Duration(time.Minute),
			SweepInterval: Duration(time.Minute),
			Retention: RetentionConfig{
				TickWindow:      Duration(15 * time.Minute),
				CandleWindow:    Duration(time.Hour),
				StructureWindow: Duration(24 * time.Hour),
			},
		},
		Decision: DecisionConfig{
			Threshold:         3,
			PositionPercent:   2,
			StopLossPercent:   2,
			TakeProfitPercent: 6,
			Analyzers: []AnalyzerConfig{
				{Name: "trend"},
				{Name: "order_flow"},
				{Name: "momentum"},
			},
			Filters: []FilterConfig{
				{Name: "imbalance", Weight: 2},
				{Name: "momentum", Weight: 2},
				{Name: "poc_proximity", Weight: 1},
			},
		},
		Execution: ExecutionConfig{
			MinConfluence:          3,
			MaxPositionPercent:     10,
			MaxConcurrentPositions: 5,
			MaxStopDistancePercent: 5,
			MinRiskReward:          2,
			MaxRetries:             3,
			RetryBaseDelay:         Duration(time.Second),
			RetryMultiplier:        2,
			ReconcileEnabled:       true,
			ReconcileInterval:      Duration(2 * time.Second),
			ReconcileTimeout:       Duration(10 * time.Second),
			MinFillRatio:           0.95,
			BreakerThreshold:       5,
			BreakerCooldown:        Duration(time.Minute),
		},
		Monitor: MonitorConfig{
			MaxHoldTime:          Duration(4 * time.Hour),
			CheckInterval:        Duration(30 * time.Second),
			DumpWindow:           Duration(time.Minute),
			DumpThresholdPercent: 3,
			CorrelationWindow:    Duration(2 * time.Minute),
		},
		Notify: NotifyConfig{
			WarningInterval: Duration(5 * time.Minute),
			InfoInterval:    Duration(10 * time.Minute),
			RatePerHour:     30,
			SMTP:            SMTPConfig{Port: 587},
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "tradewind",
			EnableMetrics: true,
		},
	}
}
