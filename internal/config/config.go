// Package config loads the enumerated configuration surface for a diiisco
// node from a YAML file, overlaid with environment variables, and rejects
// keys it does not recognize.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// NodeConfig holds the listen port and advertised host.
type NodeConfig struct {
	Port int    `yaml:"port"`
	URL  string `yaml:"url"`
}

// RelayConfig controls relay-server/relay-client/hole-punch behavior.
type RelayConfig struct {
	EnableRelayServer    bool          `yaml:"enableRelayServer"`
	EnableRelayClient    bool          `yaml:"enableRelayClient"`
	EnableDCUtR          bool          `yaml:"enableDCUtR"`
	MaxRelayedConns      int           `yaml:"maxRelayedConnections"`
	MaxDataPerConnection int64         `yaml:"maxDataPerConnection"`
	MaxRelayDuration     time.Duration `yaml:"maxRelayDuration"`
}

// DirectMessagingConfig controls the C5 direct protocol.
type DirectMessagingConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Timeout             time.Duration `yaml:"timeout"`
	FallbackToGossipsub bool          `yaml:"fallbackToGossipsub"`
	Protocol            string        `yaml:"protocol"`
	MaxMessageSize      int64         `yaml:"maxMessageSize"`
}

// QuoteEngineConfig controls the C8 auction window and its policies.
type QuoteEngineConfig struct {
	WaitTime               time.Duration `yaml:"waitTime"`
	QuoteSelectionFunction string        `yaml:"quoteSelectionFunction"`
	QuoteCreationFunction  []string      `yaml:"quoteCreationFunction"`
}

// ModelsConfig describes the provider mode this node runs in.
type ModelsConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BaseURL           string  `yaml:"baseURL"`
	Port              int     `yaml:"port"`
	APIKey            string  `yaml:"apiKey"`
	ChargePer1MTokens float64 `yaml:"chargePer1MTokens"`
}

// AlgorandClientConfig is the ledger endpoint the collaborator dials.
type AlgorandClientConfig struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
	Port   int    `yaml:"port"`
}

// AlgorandConfig is the ledger identity and endpoint.
type AlgorandConfig struct {
	Addr     string               `yaml:"addr"`
	Mnemonic string               `yaml:"mnemonic"`
	Network  string               `yaml:"network"`
	Client   AlgorandClientConfig `yaml:"client"`
}

// APIConfig controls the C10 façade surface.
type APIConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Port                 int      `yaml:"port"`
	BearerAuthentication bool     `yaml:"bearerAuthentication"`
	Keys                 []string `yaml:"keys"`
}

// Config is the full enumerated configuration surface from spec §6.
type Config struct {
	Node                   NodeConfig            `yaml:"node"`
	LibP2PBootstrapServers []string              `yaml:"libp2pBootstrapServers"`
	Relay                  RelayConfig           `yaml:"relay"`
	DirectMessaging        DirectMessagingConfig `yaml:"directMessaging"`
	QuoteEngine            QuoteEngineConfig     `yaml:"quoteEngine"`
	Models                 ModelsConfig          `yaml:"models"`
	Algorand               AlgorandConfig        `yaml:"algorand"`
	API                    APIConfig             `yaml:"api"`

	// IdentityPath is the on-disk location of the persisted key-pair (C1).
	IdentityPath string `yaml:"identityPath"`
}

// Default returns a Config populated with the defaults spec.md names
// throughout §3/§4 (direct-messaging limits, auction window, relay caps,
// API port...). Connection bounds and reconnect backoff are not part of
// Config; network.DefaultConfig and the reconnect package set those.
func Default() *Config {
	return &Config{
		Node: NodeConfig{Port: 4001, URL: "127.0.0.1"},
		Relay: RelayConfig{
			MaxRelayedConns:      16,
			MaxDataPerConnection: 1 << 20,
			MaxRelayDuration:     2 * time.Minute,
		},
		DirectMessaging: DirectMessagingConfig{
			Enabled:             true,
			Timeout:             10 * time.Second,
			FallbackToGossipsub: true,
			Protocol:            "/diiisco/direct/1.0.0",
			MaxMessageSize:      10 << 20,
		},
		QuoteEngine: QuoteEngineConfig{
			WaitTime:               5 * time.Second,
			QuoteSelectionFunction: "cheapest",
		},
		API: APIConfig{
			Enabled: true,
			Port:    8080,
		},
		IdentityPath: "./diiisco-identity.key",
	}
}

// Load reads path as YAML into Default(), then overlays the DIIISCO_-prefixed
// environment variables overlayEnv knows (a subset of the enumerated keys),
// and rejects keys the YAML document sets, at any depth, that are not part
// of the enumerated surface.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := rejectUnknownKeys(raw); err != nil {
		return nil, err
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	overlayEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var knownTopLevelKeys = map[string]struct{}{
	"node": {}, "libp2pBootstrapServers": {}, "relay": {}, "directMessaging": {},
	"quoteEngine": {}, "models": {}, "algorand": {}, "api": {}, "identityPath": {},
}

func rejectUnknownKeys(raw map[string]interface{}) error {
	for k := range raw {
		if _, ok := knownTopLevelKeys[k]; !ok {
			return fmt.Errorf("%w: unknown config key %q", ErrMissingConfig, k)
		}
	}
	return nil
}

// overlayEnv applies the most commonly overridden keys from the
// environment, matching the CLI/environment contract's intent that
// individual keys can be overridden without editing the file.
func overlayEnv(cfg *Config) {
	if v := os.Getenv("DIIISCO_NODE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("DIIISCO_NODE_URL"); v != "" {
		cfg.Node.URL = v
	}
	if v := os.Getenv("DIIISCO_BOOTSTRAP"); v != "" {
		cfg.LibP2PBootstrapServers = strings.Split(v, ",")
	}
	if v := os.Getenv("DIIISCO_ALGORAND_MNEMONIC"); v != "" {
		cfg.Algorand.Mnemonic = v
	}
	if v := os.Getenv("DIIISCO_MODELS_API_KEY"); v != "" {
		cfg.Models.APIKey = v
	}
	if v := os.Getenv("DIIISCO_API_KEYS"); v != "" {
		cfg.API.Keys = strings.Split(v, ",")
	}
	if v := os.Getenv("DIIISCO_IDENTITY_PATH"); v != "" {
		cfg.IdentityPath = v
	}
}

// ErrMissingConfig marks a fatal, start-up-time configuration error.
var ErrMissingConfig = fmt.Errorf("missing config")

// Validate applies the sanity checks the boot sequence needs before wiring
// components together (spec §7: configuration/boot errors are fatal).
func (c *Config) Validate() error {
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("%w: node.port out of range", ErrMissingConfig)
	}
	if c.DirectMessaging.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: directMessaging.maxMessageSize must be positive", ErrMissingConfig)
	}
	switch c.QuoteEngine.QuoteSelectionFunction {
	case "cheapest", "first", "random", "highest-stake":
	default:
		return fmt.Errorf("%w: unknown quoteEngine.quoteSelectionFunction %q", ErrMissingConfig, c.QuoteEngine.QuoteSelectionFunction)
	}
	if c.IdentityPath == "" {
		return fmt.Errorf("%w: identityPath must not be empty", ErrMissingConfig)
	}
	return nil
}
