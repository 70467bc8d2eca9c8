package x402

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenInfo describes the payout token on a settlement network.
type TokenInfo struct {
	Address  string
	Symbol   string
	Decimals int
}

// NetworkConfig is the static description of one supported settlement
// network. Read-only once the registry is built.
type NetworkConfig struct {
	// Network is the CAIP-2 identifier, e.g. "eip155:84532".
	Network string

	// RPCURL is the JSON-RPC endpoint used by the local facilitator.
	RPCURL string

	// Token is the payout token. A zero Token (empty address) marks a
	// dollar-priced network whose requirements carry PriceDisplay instead
	// of an asset/amount pair.
	Token TokenInfo

	// FacilitatorURL is the remote facilitator endpoint, used when the
	// network is not settled by the embedded signer.
	FacilitatorURL string

	// UseLocalFacilitator selects the embedded signer over the remote
	// facilitator. Selected once at startup, never per call.
	UseLocalFacilitator bool

	// AttributionEnabled marks networks that support transaction
	// attribution metadata appended to settlement calldata.
	AttributionEnabled bool

	// EIP712Name and EIP712Version are the token's EIP-3009 domain
	// parameters, required for signature verification on EVM networks.
	EIP712Name    string
	EIP712Version string
}

// TokenPriced reports whether requirements on this network are denominated
// in the payout token rather than display dollars.
func (n *NetworkConfig) TokenPriced() bool {
	return n.Token.Address != ""
}

// ChainID extracts the numeric chain id from the CAIP-2 identifier.
func (n *NetworkConfig) ChainID() (int64, error) {
	return ChainIDFromNetwork(n.Network)
}

// ChainIDFromNetwork parses an "eip155:<id>" identifier.
func ChainIDFromNetwork(network string) (int64, error) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return 0, fmt.Errorf("%w: not an EVM network: %s", ErrInvalidNetwork, network)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid chain id: %s", ErrInvalidNetwork, parts[1])
	}
	return id, nil
}

// Registry holds every configured network and the single active one used
// for bid pricing.
type Registry struct {
	networks map[string]*NetworkConfig
	active   string
}

// NewRegistry validates the given networks and the active key. Unknown or
// duplicate networks are rejected here rather than defaulted at request time.
func NewRegistry(networks []NetworkConfig, active string) (*Registry, error) {
	if len(networks) == 0 {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "no networks configured", nil)
	}

	byName := make(map[string]*NetworkConfig, len(networks))
	for i := range networks {
		nc := networks[i]
		if nc.Network == "" {
			return nil, NewPaymentError(ErrCodeInvalidConfig, "network identifier is required", nil)
		}
		if _, err := ChainIDFromNetwork(nc.Network); err != nil {
			return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("network %q", nc.Network), err)
		}
		if _, dup := byName[nc.Network]; dup {
			return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("duplicate network %q", nc.Network), nil)
		}
		if nc.UseLocalFacilitator && nc.RPCURL == "" {
			return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("network %q: local facilitator requires an RPC URL", nc.Network), nil)
		}
		if !nc.UseLocalFacilitator && nc.FacilitatorURL == "" {
			return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("network %q: remote facilitator requires a facilitator URL", nc.Network), nil)
		}
		if nc.TokenPriced() && nc.Token.Decimals <= 0 {
			return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("network %q: token decimals are required", nc.Network), nil)
		}
		byName[nc.Network] = &nc
	}

	if _, ok := byName[active]; !ok {
		return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("active network %q is not configured", active), nil)
	}

	return &Registry{networks: byName, active: active}, nil
}

// Active returns the network used for bid pricing.
func (r *Registry) Active() *NetworkConfig {
	return r.networks[r.active]
}

// Lookup returns the configuration for a CAIP-2 identifier.
func (r *Registry) Lookup(network string) (*NetworkConfig, error) {
	nc, ok := r.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	return nc, nil
}

// Networks returns all configured network identifiers.
func (r *Registry) Networks() []string {
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	return names
}
