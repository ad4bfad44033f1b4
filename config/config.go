// Package config centralises runtime configuration for the tickstream gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment the gateway operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// VendorCredentials captures the credential set presented at the vendor
// websocket handshake.
type VendorCredentials struct {
	APIKey     string `yaml:"apiKey"`
	ClientCode string `yaml:"clientCode"`
	AuthToken  string `yaml:"authToken"`
	FeedToken  string `yaml:"feedToken"`
}

// BackoffSettings bounds the vendor reconnect schedule.
type BackoffSettings struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// VendorSettings configures the upstream feed connection.
type VendorSettings struct {
	URL                      string            `yaml:"url"`
	DialTimeout              time.Duration     `yaml:"dialTimeout"`
	WriteTimeout             time.Duration     `yaml:"writeTimeout"`
	HeartbeatInterval        time.Duration     `yaml:"heartbeatInterval"`
	RejectWindow             time.Duration     `yaml:"rejectWindow"`
	ControlMessagesPerSecond float64           `yaml:"controlMessagesPerSecond"`
	Backoff                  BackoffSettings   `yaml:"backoff"`
	Credentials              VendorCredentials `yaml:"credentials"`
}

// GatewaySettings configures the downstream client surface.
type GatewaySettings struct {
	Addr         string        `yaml:"addr"`
	QueueDepth   int           `yaml:"queueDepth"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// BusSettings configures the in-process tick bus.
type BusSettings struct {
	BufferSize int `yaml:"bufferSize"`
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string        `yaml:"otlpEndpoint"`
	ServiceName  string        `yaml:"serviceName"`
	Interval     time.Duration `yaml:"interval"`
}

// Settings is the full configuration tree, assembled from defaults, an
// optional YAML file, environment overrides and programmatic options.
type Settings struct {
	Environment     Environment       `yaml:"environment"`
	Vendor          VendorSettings    `yaml:"vendor"`
	Gateway         GatewaySettings   `yaml:"gateway"`
	Bus             BusSettings       `yaml:"bus"`
	Telemetry       TelemetrySettings `yaml:"telemetry"`
	InstrumentsPath string            `yaml:"instrumentsPath"`
	Debug           bool              `yaml:"debug"`
}

// Default returns the default gateway configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Vendor: VendorSettings{
			URL:                      "wss://smartapisocket.angelone.in/smart-stream",
			DialTimeout:              10 * time.Second,
			WriteTimeout:             5 * time.Second,
			HeartbeatInterval:        30 * time.Second,
			RejectWindow:             200 * time.Millisecond,
			ControlMessagesPerSecond: 10,
			Backoff: BackoffSettings{
				Initial: 500 * time.Millisecond,
				Max:     30 * time.Second,
			},
		},
		Gateway: GatewaySettings{
			Addr:         ":8765",
			QueueDepth:   64,
			WriteTimeout: 5 * time.Second,
		},
		Bus: BusSettings{BufferSize: 256},
		Telemetry: TelemetrySettings{
			ServiceName: "tickstream-gateway",
			Interval:    15 * time.Second,
		},
		InstrumentsPath: "instruments.yaml",
	}
}

// LoadFile overlays a YAML configuration file on top of the defaults.
func LoadFile(path string) (Settings, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads the file when the path is set and falls back to the
// defaults otherwise. A missing or unreadable file at an explicit path is
// an error.
func LoadOrDefault(path string) (Settings, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// FromEnv loads configuration from environment variables, overriding the
// given base.
func FromEnv(base Settings) Settings {
	cfg := base
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_VENDOR_WS_URL")); v != "" {
		cfg.Vendor.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_VENDOR_API_KEY")); v != "" {
		cfg.Vendor.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_VENDOR_CLIENT_CODE")); v != "" {
		cfg.Vendor.Credentials.ClientCode = v
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_VENDOR_AUTH_TOKEN")); v != "" {
		cfg.Vendor.Credentials.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_VENDOR_FEED_TOKEN")); v != "" {
		cfg.Vendor.Credentials.FeedToken = v
	}
	if d, ok := envDuration("TICKSTREAM_VENDOR_DIAL_TIMEOUT"); ok {
		cfg.Vendor.DialTimeout = d
	}
	if d, ok := envDuration("TICKSTREAM_VENDOR_HEARTBEAT_INTERVAL"); ok {
		cfg.Vendor.HeartbeatInterval = d
	}
	if d, ok := envDuration("TICKSTREAM_VENDOR_BACKOFF_INITIAL"); ok {
		cfg.Vendor.Backoff.Initial = d
	}
	if d, ok := envDuration("TICKSTREAM_VENDOR_BACKOFF_MAX"); ok {
		cfg.Vendor.Backoff.Max = d
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_LISTEN_ADDR")); v != "" {
		cfg.Gateway.Addr = v
	}
	if n, ok := envInt("TICKSTREAM_SESSION_QUEUE_DEPTH"); ok {
		cfg.Gateway.QueueDepth = n
	}
	if n, ok := envInt("TICKSTREAM_BUS_BUFFER_SIZE"); ok {
		cfg.Bus.BufferSize = n
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_INSTRUMENTS_PATH")); v != "" {
		cfg.InstrumentsPath = v
	}
	if v := strings.TrimSpace(os.Getenv("TICKSTREAM_DEBUG")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithVendorURL overrides the vendor websocket endpoint.
func WithVendorURL(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.Vendor.URL = url
		}
	}
}

// WithVendorCredentials configures the vendor credential set.
func WithVendorCredentials(creds VendorCredentials) Option {
	return func(s *Settings) {
		if creds.APIKey != "" {
			s.Vendor.Credentials.APIKey = creds.APIKey
		}
		if creds.ClientCode != "" {
			s.Vendor.Credentials.ClientCode = creds.ClientCode
		}
		if creds.AuthToken != "" {
			s.Vendor.Credentials.AuthToken = creds.AuthToken
		}
		if creds.FeedToken != "" {
			s.Vendor.Credentials.FeedToken = creds.FeedToken
		}
	}
}

// WithListenAddr overrides the downstream listen address.
func WithListenAddr(addr string) Option {
	addr = strings.TrimSpace(addr)
	return func(s *Settings) {
		if addr != "" {
			s.Gateway.Addr = addr
		}
	}
}

// WithQueueDepth overrides the per-session outbound queue depth.
func WithQueueDepth(depth int) Option {
	return func(s *Settings) {
		if depth > 0 {
			s.Gateway.QueueDepth = depth
		}
	}
}

// WithBusBufferSize overrides the per-subscriber bus buffer size.
func WithBusBufferSize(size int) Option {
	return func(s *Settings) {
		if size > 0 {
			s.Bus.BufferSize = size
		}
	}
}

// WithInstrumentsPath overrides the instrument map location.
func WithInstrumentsPath(path string) Option {
	path = strings.TrimSpace(path)
	return func(s *Settings) {
		if path != "" {
			s.InstrumentsPath = path
		}
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
