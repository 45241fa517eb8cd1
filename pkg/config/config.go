// Package config loads node configuration from defaults, a YAML file, an
// optional profile overlay, CNET_ environment variables and --set flags, in
// that order of precedence.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/contractnet/pkg/errors"
)

const envPrefix = "CNET_"

type Config struct {
	Log         LogConfig         `koanf:"log"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Node        NodeConfig        `koanf:"node"`
	Negotiation NegotiationConfig `koanf:"negotiation"`
	Transport   TransportConfig   `koanf:"transport"`
	Directory   DirectoryConfig   `koanf:"directory"`
	Store       StoreConfig       `koanf:"store"`
	MCP         MCPConfig         `koanf:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	ServiceName        string `koanf:"service_name"`
	Exporter           string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

// NodeConfig identifies this process on the network.
type NodeConfig struct {
	ID            string `koanf:"id"`
	Role          string `koanf:"role"`
	ListenAddr    string `koanf:"listen_addr"`
	AdvertiseAddr string `koanf:"advertise_addr"`
}

// NegotiationConfig holds round defaults.
type NegotiationConfig struct {
	CFPTimeoutMs        int    `koanf:"cfp_timeout_ms"`
	CompletionTimeoutMs int    `koanf:"completion_timeout_ms"`
	Policy              string `koanf:"policy"` // accept_all, lowest_bid, highest_bid
	BidField            string `koanf:"bid_field"`
	MaxRounds           int    `koanf:"max_rounds"`
}

// CFPTimeout returns the proposal collection deadline.
func (n NegotiationConfig) CFPTimeout() time.Duration {
	return time.Duration(n.CFPTimeoutMs) * time.Millisecond
}

// CompletionTimeout returns the completion deadline.
func (n NegotiationConfig) CompletionTimeout() time.Duration {
	return time.Duration(n.CompletionTimeoutMs) * time.Millisecond
}

type TransportConfig struct {
	Kind                  string  `koanf:"kind"` // bus, grpc
	SendTimeoutMs         int     `koanf:"send_timeout_ms"`
	RetryAttempts         int     `koanf:"retry_attempts"`
	BreakerThreshold      int     `koanf:"breaker_threshold"`
	BreakerTimeoutSeconds int     `koanf:"breaker_timeout_seconds"`
	DropRate              float64 `koanf:"drop_rate"`
}

type DirectoryConfig struct {
	Order            []string     `koanf:"order"` // static, registry, dns
	Peers            []PeerConfig `koanf:"peers"`
	RegistryURL      string       `koanf:"registry_url"`
	RegistryToken    string       `koanf:"registry_token"`
	RegistryAddr     string       `koanf:"registry_addr"`
	TTLSeconds       int          `koanf:"ttl_seconds"`
	HeartbeatSeconds int          `koanf:"heartbeat_seconds"`
	AutoRegister     bool         `koanf:"auto_register"`
	DNSDomain        string       `koanf:"dns_domain"`
	DNSServer        string       `koanf:"dns_server"`
	Roles            []string     `koanf:"roles"`
	PollIntervalMs   int          `koanf:"poll_interval_ms"`
}

// PeerConfig is a statically known peer.
type PeerConfig struct {
	ID     string            `koanf:"id"`
	Role   string            `koanf:"role"`
	Addr   string            `koanf:"addr"`
	Labels map[string]string `koanf:"labels"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite
	DSN    string `koanf:"dsn"`
}

type MCPConfig struct {
	Transport string `koanf:"transport"` // stdio, http
	Addr      string `koanf:"addr"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                         "info",
		"log.format":                        "text",
		"telemetry.service_name":            "contractnet",
		"telemetry.exporter":                "none",
		"telemetry.otlp_endpoint":           "localhost:4317",
		"telemetry.otlp_insecure":           true,
		"telemetry.otlp_timeout_seconds":    10,
		"node.id":                           "initiator",
		"node.role":                         "initiator",
		"node.listen_addr":                  ":7400",
		"negotiation.cfp_timeout_ms":        10000,
		"negotiation.completion_timeout_ms": 30000,
		"negotiation.policy":                "accept_all",
		"negotiation.bid_field":             "cost",
		"negotiation.max_rounds":            3,
		"transport.kind":                    "bus",
		"transport.send_timeout_ms":         5000,
		"transport.retry_attempts":          3,
		"transport.breaker_threshold":       5,
		"transport.breaker_timeout_seconds": 30,
		"directory.order":                   []string{"static", "registry", "dns"},
		"directory.ttl_seconds":             30,
		"directory.heartbeat_seconds":       10,
		"directory.poll_interval_ms":        500,
		"store.driver":                      "memory",
		"mcp.transport":                     "stdio",
		"mcp.addr":                          ":7401",
	}
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile overlays config.<profile>.yaml, next to path, on path.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI parses --config, --profile and repeated --set key=value
// arguments. --set values win over every other source; JSON objects and
// arrays are accepted as values.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.path, opts.profile, opts.overrides)
}

func load(path, profile string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, errors.New(errors.CodeInternal, "set default "+key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidArgument, "load config file", err).WithContext("path", path)
		}
		if profile != "" {
			profilePath := ProfileConfigPath(path, profile)
			if _, err := os.Stat(profilePath); err == nil {
				if err := k.Load(file.Provider(profilePath), yaml.Parser()); err != nil {
					return nil, errors.New(errors.CodeInvalidArgument, "load profile config", err).WithContext("path", profilePath)
				}
			}
		}
	}

	// CNET_NEGOTIATION_CFP_TIMEOUT_MS -> negotiation.cfp_timeout_ms
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, "load environment", err)
	}

	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, errors.New(errors.CodeInvalidArgument, "apply override "+key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + rest
}

// ProfileConfigPath returns the overlay path for profile, e.g.
// config.yaml + dev -> config.dev.yaml.
func ProfileConfigPath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	invalid := func(key string, value any) error {
		return errors.Errorf(errors.CodeInvalidArgument, "invalid %s: %v", key, value).WithContext("key", key)
	}
	if c.Negotiation.CFPTimeoutMs <= 0 {
		return invalid("negotiation.cfp_timeout_ms", c.Negotiation.CFPTimeoutMs)
	}
	if c.Negotiation.CompletionTimeoutMs <= 0 {
		return invalid("negotiation.completion_timeout_ms", c.Negotiation.CompletionTimeoutMs)
	}
	switch c.Transport.Kind {
	case "bus", "grpc":
	default:
		return invalid("transport.kind", c.Transport.Kind)
	}
	if c.Transport.DropRate < 0 || c.Transport.DropRate > 1 {
		return invalid("transport.drop_rate", c.Transport.DropRate)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return invalid("store.driver", c.Store.Driver)
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return invalid("telemetry.exporter", c.Telemetry.Exporter)
	}
	switch c.MCP.Transport {
	case "stdio", "http":
	default:
		return invalid("mcp.transport", c.MCP.Transport)
	}
	if strings.TrimSpace(c.Node.ID) == "" {
		return invalid("node.id", c.Node.ID)
	}
	return nil
}

type cliOptions struct {
	path      string
	profile   string
	overrides map[string]any
}

func parseCLIOverrides(args []string) (cliOptions, error) {
	opts := cliOptions{overrides: map[string]any{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--config", "--profile", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, errors.Errorf(errors.CodeInvalidArgument, "%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.path = value
		case "--profile":
			opts.profile = value
		case "--set":
			key, raw, ok := strings.Cut(value, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return opts, errors.Errorf(errors.CodeInvalidArgument, "--set expects key=value, got %q", value)
			}
			opts.overrides[key] = parseValue(raw)
		}
	}
	return opts, nil
}

func parseValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return raw
}
