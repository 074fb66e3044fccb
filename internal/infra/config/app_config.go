// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/inmembro/internal/domain/message"
)

const (
	defaultAddr            = ":8080"
	defaultSSEKeepAlive    = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultServiceName     = "inmembro"
)

// MetaConfig describes the build reported by the about endpoint.
type MetaConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	OpMode  string `yaml:"opMode"`
}

// APIServerConfig configures the broker's HTTP surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	PushRateLimit   float64       `yaml:"pushRateLimit"`
	PushBurst       int           `yaml:"pushBurst"`
	SSEKeepAlive    time.Duration `yaml:"sseKeepAlive"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// TrustedProxies lists addresses or CIDRs whose X-Forwarded-For header is honoured.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c APIServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	if len(c.TrustedProxies) == 0 {
		return nil, nil
	}
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("apiServer trustedProxies: %w", err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("apiServer trustedProxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// TopicSettings is the YAML form of a topic config. Unset fields inherit
// from the broker default.
type TopicSettings struct {
	RetentionMillis *uint64 `yaml:"retentionMillis"`
	Compaction      *bool   `yaml:"compaction"`
}

// BrokerConfig holds the default topic config and per-topic overrides.
type BrokerConfig struct {
	DefaultTopic TopicSettings            `yaml:"defaultTopic"`
	Topics       map[string]TopicSettings `yaml:"topics"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// AppConfig is the unified inmembro configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Meta        MetaConfig      `yaml:"meta"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Broker      BrokerConfig    `yaml:"broker"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultAppConfig returns the configuration used when no file is supplied.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Meta:        MetaConfig{Name: "inmembro", Version: "0.1.0", OpMode: "standalone"},
		APIServer: APIServerConfig{
			Addr:            defaultAddr,
			PushBurst:       1,
			SSEKeepAlive:    defaultSSEKeepAlive,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Telemetry: TelemetryConfig{ServiceName: defaultServiceName, OTLPInsecure: true},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
// Sections missing from the file keep their defaults.
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

// LoadOrDefault behaves like Load but falls back to DefaultAppConfig when
// the file does not exist. loaded reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (cfg AppConfig, loaded bool, err error) {
	cfg, err = Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), false, nil
	}
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(raw []byte) (AppConfig, error) {
	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
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
	c.Environment = normalizeEnvironment(c.Environment)
	c.Meta.Name = strings.TrimSpace(c.Meta.Name)
	c.Meta.Version = strings.TrimSpace(c.Meta.Version)
	c.Meta.OpMode = strings.TrimSpace(c.Meta.OpMode)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.APIServer.PushBurst <= 0 {
		c.APIServer.PushBurst = 1
	}
	if c.APIServer.SSEKeepAlive == 0 {
		c.APIServer.SSEKeepAlive = defaultSSEKeepAlive
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}

	if len(c.Broker.Topics) > 0 {
		normalised := make(map[string]TopicSettings, len(c.Broker.Topics))
		for name, settings := range c.Broker.Topics {
			trimmed := strings.TrimSpace(name)
			if _, exists := normalised[trimmed]; exists {
				return fmt.Errorf("duplicate topic name %q", trimmed)
			}
			normalised[trimmed] = settings
		}
		c.Broker.Topics = normalised
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Meta.Name == "" {
		return fmt.Errorf("meta name required")
	}
	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.APIServer.PushRateLimit < 0 {
		return fmt.Errorf("apiServer pushRateLimit must be >= 0")
	}
	if c.APIServer.SSEKeepAlive < 0 {
		return fmt.Errorf("apiServer sseKeepAlive must be >= 0")
	}
	if _, err := c.APIServer.TrustedProxyPrefixes(); err != nil {
		return err
	}
	for name := range c.Broker.Topics {
		if name == "" {
			return fmt.Errorf("broker topics: empty topic name")
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	cloned := c
	cloned.Broker.DefaultTopic = c.Broker.DefaultTopic.clone()
	if c.APIServer.TrustedProxies != nil {
		cloned.APIServer.TrustedProxies = append([]string(nil), c.APIServer.TrustedProxies...)
	}
	if c.Broker.Topics != nil {
		cloned.Broker.Topics = make(map[string]TopicSettings, len(c.Broker.Topics))
		for name, settings := range c.Broker.Topics {
			cloned.Broker.Topics[name] = settings.clone()
		}
	}
	return cloned
}

// TopicConfigFor resolves the config a newly created topic should use.
func (c AppConfig) TopicConfigFor(name string) message.TopicConfig {
	merged := c.Broker.DefaultTopic.clone()
	if override, ok := c.Broker.Topics[name]; ok {
		if override.RetentionMillis != nil {
			v := *override.RetentionMillis
			merged.RetentionMillis = &v
		}
		if override.Compaction != nil {
			v := *override.Compaction
			merged.Compaction = &v
		}
	}
	return message.TopicConfig{RetentionMillis: merged.RetentionMillis, Compaction: merged.Compaction}
}

func (s TopicSettings) clone() TopicSettings {
	var out TopicSettings
	if s.RetentionMillis != nil {
		v := *s.RetentionMillis
		out.RetentionMillis = &v
	}
	if s.Compaction != nil {
		v := *s.Compaction
		out.Compaction = &v
	}
	return out
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
