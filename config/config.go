package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/dragonet/chainnode/core"
)

// TLSConfig holds paths to the PEM files needed for mTLS on the inter-chain
// HTTP transport. When nil or all paths empty, the node serves plain HTTP.
type TLSConfig struct {
	CACert   string `mapstructure:"ca_cert"`
	NodeCert string `mapstructure:"node_cert"`
	NodeKey  string `mapstructure:"node_key"`
}

// Config holds all node configuration, bound from the environment with
// an optional config.yaml/config.json file override
// for local development.
type Config struct {
	InternalID string `mapstructure:"internal_id"` // this chain's dc_id
	DataDir    string `mapstructure:"data_dir"`
	RPCPort    int    `mapstructure:"rpc_port"`

	Level      int    `mapstructure:"level"`       // LEVEL: 1-5
	ProofScheme string `mapstructure:"proof_scheme"` // PROOF_SCHEME: trust | work
	Hash       string `mapstructure:"hash"`         // HASH: blake2b | sha256 | sha3_256
	Encryption string `mapstructure:"encryption"`   // ENCRYPTION: secp256k1
	Complexity uint   `mapstructure:"complexity"`   // PoW leading-zero-bit target when ProofScheme==work

	Broadcast         bool   `mapstructure:"broadcast"`          // BROADCAST: run the L1-only processor
	BroadcastInterval int    `mapstructure:"broadcast_interval"` // BROADCAST_INTERVAL: L5 anchor cadence, seconds
	Network           string `mapstructure:"network"`            // public chain this L5 anchors to

	RateLimit int    `mapstructure:"rate_limit"` // RATE_LIMIT: max authenticated requests/minute/key
	Stage     string `mapstructure:"stage"`      // STAGE: prod | dev

	// VerificationNotification maps a notification key ("all", "l2".."l5")
	// to the webhook URLs that receive every receipt at that level.
	VerificationNotification map[string][]string `mapstructure:"verification_notification"`

	MatchmakingURL  string `mapstructure:"matchmaking_url"`
	MatchmakingDCID string `mapstructure:"matchmaking_dcid"`
	Region          string `mapstructure:"region"`
	Cloud           string `mapstructure:"cloud"`

	// AnchorNetwork RPC endpoints are interchain-specific (e.g. a Bitcoin
	// node URL); deployment detail, carried through as an opaque string map.
	AnchorEndpoints map[string]string `mapstructure:"anchor_endpoints"`

	TLS *TLSConfig `mapstructure:"tls"`
}

// Load binds Config from the environment (bare variable names, no prefix)
// with an optional config.yaml/config.json override for local development,
// falling back to DefaultConfig() for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"internal_id", "data_dir", "rpc_port",
		"level", "proof_scheme", "hash", "encryption", "complexity",
		"broadcast", "broadcast_interval", "network",
		"rate_limit", "stage", "verification_notification",
		"matchmaking_url", "matchmaking_dcid", "region", "cloud",
	} {
		envName := strings.ToUpper(key)
		if err := v.BindEnv(key, envName); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", envName, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if raw := v.GetString("verification_notification"); raw != "" && len(cfg.VerificationNotification) == 0 {
		if err := json.Unmarshal([]byte(raw), &cfg.VerificationNotification); err != nil {
			return nil, fmt.Errorf("config: parse verification_notification: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("rpc_port", 8080)
	v.SetDefault("level", 1)
	v.SetDefault("proof_scheme", "trust")
	v.SetDefault("hash", "blake2b")
	v.SetDefault("encryption", "secp256k1")
	v.SetDefault("complexity", core.DefaultComplexity)
	v.SetDefault("broadcast", false)
	v.SetDefault("broadcast_interval", 600)
	v.SetDefault("rate_limit", 50)
	v.SetDefault("stage", "dev")
	v.SetDefault("matchmaking_dcid", "matchmaking")
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:           "./data",
		RPCPort:           8080,
		Level:             1,
		ProofScheme:       "trust",
		Hash:              "blake2b",
		Encryption:        "secp256k1",
		Complexity:        core.DefaultComplexity,
		Broadcast:         false,
		BroadcastInterval: 600,
		RateLimit:         50,
		Stage:             "dev",
		MatchmakingDCID:   "matchmaking",
	}
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.InternalID == "" {
		return fmt.Errorf("internal_id must not be empty")
	}
	if c.Level < 1 || c.Level > 5 {
		return fmt.Errorf("level must be 1-5, got %d", c.Level)
	}
	if c.ProofScheme != "trust" && c.ProofScheme != "work" {
		return fmt.Errorf("proof_scheme must be trust or work, got %q", c.ProofScheme)
	}
	switch c.Hash {
	case "blake2b", "sha256", "sha3_256":
	default:
		return fmt.Errorf("hash must be blake2b, sha256, or sha3_256, got %q", c.Hash)
	}
	if c.Encryption != "secp256k1" {
		return fmt.Errorf("encryption must be secp256k1, got %q", c.Encryption)
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.Level == 5 && c.Network == "" {
		return fmt.Errorf("network must be set for a level 5 (anchor) chain")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Scheme maps the ProofScheme string to core.Scheme.
func (c *Config) Scheme() (core.Scheme, error) {
	switch c.ProofScheme {
	case "trust":
		return core.SchemeTrust, nil
	case "work":
		return core.SchemeWork, nil
	default:
		return "", fmt.Errorf("config: unknown proof_scheme %q", c.ProofScheme)
	}
}
