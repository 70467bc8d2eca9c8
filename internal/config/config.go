// Package config loads and validates the service configuration from the
// environment. Unknown network keys are rejected at startup rather than
// silently defaulted.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/askmesh/askmesh/x402"
)

// Config is the validated service configuration.
type Config struct {
	Addr   string
	DBPath string

	// Network is the active settlement network key ("base",
	// "base-sepolia", "polygon", ...).
	Network string

	// PayTo receives all route payments.
	PayTo string

	// SettleKey is the settlement signing key (hex), required when the
	// local facilitator is enabled.
	SettleKey string

	// RPCURL overrides the network preset's RPC endpoint.
	RPCURL string

	// FacilitatorURL points at a remote facilitator when the embedded
	// signer is disabled.
	FacilitatorURL string

	// LocalFacilitator toggles the embedded signer over the remote
	// facilitator.
	LocalFacilitator bool

	// AttributionTag is appended to settlement calldata on networks with
	// attribution support.
	AttributionTag string

	QuestionPriceCents int64
	AnswerPriceCents   int64
}

// networkPresets are the supported settlement networks with Circle USDC as
// the payout token.
var networkPresets = map[string]x402.NetworkConfig{
	"base": {
		Network:            "eip155:8453",
		Token:              x402.TokenInfo{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6},
		EIP712Name:         "USD Coin",
		EIP712Version:      "2",
		AttributionEnabled: true,
	},
	"base-sepolia": {
		Network:       "eip155:84532",
		Token:         x402.TokenInfo{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Symbol: "USDC", Decimals: 6},
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	"polygon": {
		Network:       "eip155:137",
		Token:         x402.TokenInfo{Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Symbol: "USDC", Decimals: 6},
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Addr:               envString("ASKMESH_ADDR", ":8080"),
		DBPath:             envString("ASKMESH_DB", "askmesh.db"),
		Network:            envString("ASKMESH_NETWORK", "base-sepolia"),
		PayTo:              os.Getenv("ASKMESH_PAY_TO"),
		SettleKey:          os.Getenv("ASKMESH_SETTLE_KEY"),
		RPCURL:             os.Getenv("ASKMESH_RPC_URL"),
		FacilitatorURL:     os.Getenv("ASKMESH_FACILITATOR_URL"),
		LocalFacilitator:   envBool("ASKMESH_LOCAL_FACILITATOR", true),
		AttributionTag:     envString("ASKMESH_ATTRIBUTION_TAG", "askmesh"),
		QuestionPriceCents: envInt64("ASKMESH_QUESTION_PRICE_CENTS", 75),
		AnswerPriceCents:   envInt64("ASKMESH_ANSWER_PRICE_CENTS", 10),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that could only fail later at request
// time.
func (c Config) Validate() error {
	if _, ok := networkPresets[c.Network]; !ok {
		return fmt.Errorf("unknown network %q (supported: base, base-sepolia, polygon)", c.Network)
	}
	if c.PayTo == "" {
		return fmt.Errorf("ASKMESH_PAY_TO is required")
	}
	if c.LocalFacilitator {
		if c.SettleKey == "" {
			return fmt.Errorf("ASKMESH_SETTLE_KEY is required with the local facilitator")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("ASKMESH_RPC_URL is required with the local facilitator")
		}
	} else if c.FacilitatorURL == "" {
		return fmt.Errorf("ASKMESH_FACILITATOR_URL is required with a remote facilitator")
	}
	if c.QuestionPriceCents <= 0 || c.AnswerPriceCents <= 0 {
		return fmt.Errorf("route prices must be positive")
	}
	return nil
}

// NetworkConfig resolves the active network preset with this
// configuration's overrides applied.
func (c Config) NetworkConfig() x402.NetworkConfig {
	nc := networkPresets[c.Network]
	nc.RPCURL = c.RPCURL
	nc.FacilitatorURL = c.FacilitatorURL
	nc.UseLocalFacilitator = c.LocalFacilitator
	return nc
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
