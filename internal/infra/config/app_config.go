// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/subscription"
)

// LoggingConfig controls the zap logger and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// RedisConfig locates the shared key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig controls PostgreSQL connectivity and migration behaviour.
type PostgresConfig struct {
	DSN           string `yaml:"dsn"`
	RunMigrations bool   `yaml:"runMigrations"`
	// MigrationsDir overrides the migrations embedded in the binary.
	MigrationsDir string `yaml:"migrationsDir"`
}

// StorageConfig selects the state cache's persistence backend.
type StorageConfig struct {
	Driver   StorageDriver  `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// KafkaConfig configures the Kafka envelope sink.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	TopicPrefix  string        `yaml:"topicPrefix"`
	FlushTimeout time.Duration `yaml:"flushTimeout"`
}

// SinkConfig selects where canonical envelopes are delivered.
type SinkConfig struct {
	Kind  SinkKind    `yaml:"kind"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// ThrottleConfig bounds the REST and connect rate of one session.
type ThrottleConfig struct {
	PerSecond float64       `yaml:"perSecond"`
	Burst     int           `yaml:"burst"`
	MaxWait   time.Duration `yaml:"maxWait"`
}

// TimingConfig overrides session intervals. Zero values keep the session defaults.
type TimingConfig struct {
	PingInterval      time.Duration `yaml:"pingInterval"`
	WatchInterval     time.Duration `yaml:"watchInterval"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	RefreshInterval   time.Duration `yaml:"refreshInterval"`
	PriceInterval     time.Duration `yaml:"priceInterval"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
	BootstrapTimeout  time.Duration `yaml:"bootstrapTimeout"`
	ReconnectMax      time.Duration `yaml:"reconnectMax"`
}

// SubscriptionConfig is a subscription opened at startup.
type SubscriptionConfig struct {
	Channel string `yaml:"channel"`
	Symbol  string `yaml:"symbol"`
}

// SessionConfig describes one exchange connection for one account and schema.
type SessionConfig struct {
	Exchange      string                `yaml:"exchange"`
	Schema        schema.ContractSchema `yaml:"schema"`
	Account       string                `yaml:"account"`
	APIKey        string                `yaml:"apiKey"`
	RESTBaseURL   string                `yaml:"restBaseURL"`
	WebsocketURL  string                `yaml:"websocketURL"`
	DepthLimit    int                   `yaml:"depthLimit"`
	Throttle      ThrottleConfig        `yaml:"throttle"`
	Timing        TimingConfig          `yaml:"timing"`
	Subscriptions []SubscriptionConfig  `yaml:"subscriptions"`

	// ReferenceCurrency expresses wallet totals. Defaults to USDT.
	ReferenceCurrency string `yaml:"referenceCurrency"`
}

// APIServerConfig configures the control API. An empty Addr disables it.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the gateway configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Storage     StorageConfig   `yaml:"storage"`
	Sink        SinkConfig      `yaml:"sink"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Sessions    []SessionConfig `yaml:"sessions"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates YAML configuration.
func Parse(bytes []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if file := strings.TrimSpace(c.Logging.File); file != "" {
		c.Logging.File = filepath.Clean(file)
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "meltica-realtime"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 15 * time.Second
	}

	c.Storage.Driver = StorageDriver(normalizeIdentifier(string(c.Storage.Driver)))
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	c.Storage.Redis.Addr = strings.TrimSpace(c.Storage.Redis.Addr)
	c.Storage.Postgres.DSN = strings.TrimSpace(c.Storage.Postgres.DSN)
	c.Storage.Postgres.MigrationsDir = strings.TrimSpace(c.Storage.Postgres.MigrationsDir)

	c.Sink.Kind = SinkKind(normalizeIdentifier(string(c.Sink.Kind)))
	if c.Sink.Kind == "" {
		c.Sink.Kind = SinkLog
	}
	brokers := make([]string, 0, len(c.Sink.Kafka.Brokers))
	for _, b := range c.Sink.Kafka.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Sink.Kafka.Brokers = brokers
	c.Sink.Kafka.TopicPrefix = strings.TrimSpace(c.Sink.Kafka.TopicPrefix)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)

	seen := make(map[string]struct{}, len(c.Sessions))
	for i := range c.Sessions {
		s := &c.Sessions[i]
		s.Exchange = normalizeIdentifier(s.Exchange)
		s.Account = strings.TrimSpace(s.Account)
		s.APIKey = strings.TrimSpace(s.APIKey)
		s.ReferenceCurrency = strings.ToUpper(strings.TrimSpace(s.ReferenceCurrency))
		if s.ReferenceCurrency == "" {
			s.ReferenceCurrency = "USDT"
		}
		if s.Schema == "" {
			s.Schema = schema.SchemaLinear
		}
		parsed, err := schema.ParseSchema(string(s.Schema))
		if err != nil {
			return fmt.Errorf("sessions[%d]: %w", i, err)
		}
		s.Schema = parsed
		key := s.Key()
		if _, exists := seen[key]; exists {
			return fmt.Errorf("duplicate session %q", key)
		}
		seen[key] = struct{}{}
		for j := range s.Subscriptions {
			sub := &s.Subscriptions[j]
			sub.Channel = strings.ToLower(strings.TrimSpace(sub.Channel))
			sub.Symbol = subscription.NormalizeSymbol(sub.Symbol)
		}
	}
	return nil
}

// Key identifies a session by exchange, account and schema.
func (s SessionConfig) Key() string {
	return s.Exchange + "/" + s.Account + "/" + string(s.Schema)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging encoding must be json or console")
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage redis addr required")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage postgres dsn required")
		}
	default:
		return fmt.Errorf("storage driver must be one of memory, redis, postgres")
	}

	switch c.Sink.Kind {
	case SinkLog:
	case SinkKafka:
		if len(c.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink kafka brokers required")
		}
	default:
		return fmt.Errorf("sink kind must be log or kafka")
	}

	if len(c.Sessions) == 0 {
		return fmt.Errorf("at least one session required")
	}
	for i, s := range c.Sessions {
		if err := s.validate(); err != nil {
			return fmt.Errorf("sessions[%d]: %w", i, err)
		}
	}
	return nil
}

func (s SessionConfig) validate() error {
	if s.Exchange != ExchangeBinance {
		return fmt.Errorf("unsupported exchange %q", s.Exchange)
	}
	if s.Account == "" {
		return fmt.Errorf("account required")
	}
	if s.DepthLimit < 0 {
		return fmt.Errorf("depthLimit must be >=0")
	}
	if s.Throttle.PerSecond < 0 {
		return fmt.Errorf("throttle perSecond must be >=0")
	}
	if s.Throttle.Burst < 0 {
		return fmt.Errorf("throttle burst must be >=0")
	}
	for j, sub := range s.Subscriptions {
		ch, err := schema.ParseChannel(sub.Channel)
		if err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", j, err)
		}
		if ch.Private() && s.APIKey == "" {
			return fmt.Errorf("subscriptions[%d]: channel %s requires apiKey", j, ch)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
