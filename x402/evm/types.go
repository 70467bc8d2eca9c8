// Package evm implements the "exact" payment scheme for EVM networks: an
// address-keyed fungible-token ledger reachable via JSON-RPC, settled
// through EIP-3009 transferWithAuthorization or Permit2 signature
// transfers.
package evm

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ExactPayload is the scheme-specific payload of an "exact" EVM payment.
// Exactly one of Authorization (EIP-3009) or Permit2 must be present.
type ExactPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization,omitempty"`
	Permit2       *Permit2Permit `json:"permit2,omitempty"`
}

// Authorization carries EIP-3009 transferWithAuthorization parameters.
// Numeric fields are decimal strings; Nonce is a 32-byte hex string.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Permit2Permit carries a Permit2 SignatureTransfer authorization.
type Permit2Permit struct {
	From      string           `json:"from"`
	Permitted TokenPermissions `json:"permitted"`
	Nonce     string           `json:"nonce"`
	Deadline  string           `json:"deadline"`
}

// TokenPermissions names the token and amount a Permit2 signature covers.
type TokenPermissions struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// TransferMethod identifies how a payment settles on-chain.
type TransferMethod int

const (
	// TransferEIP3009 settles through token.transferWithAuthorization.
	TransferEIP3009 TransferMethod = iota

	// TransferPermit2 settles through Permit2.permitTransferFrom.
	TransferPermit2
)

// Method returns the transfer method encoded in the payload.
func (p *ExactPayload) Method() TransferMethod {
	if p.Permit2 != nil {
		return TransferPermit2
	}
	return TransferEIP3009
}

// DecodeExactPayload parses and structurally validates the raw scheme
// payload.
func DecodeExactPayload(raw json.RawMessage) (*ExactPayload, error) {
	var payload ExactPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse EVM payload: %w", err)
	}
	if payload.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}
	if payload.Authorization == nil && payload.Permit2 == nil {
		return nil, fmt.Errorf("authorization or permit2 is required")
	}
	if payload.Authorization != nil && payload.Permit2 != nil {
		return nil, fmt.Errorf("authorization and permit2 are mutually exclusive")
	}

	if auth := payload.Authorization; auth != nil {
		if auth.From == "" || auth.To == "" || auth.Value == "" || auth.Nonce == "" {
			return nil, fmt.Errorf("authorization missing required fields")
		}
	}
	if p2 := payload.Permit2; p2 != nil {
		if p2.From == "" || p2.Permitted.Token == "" || p2.Permitted.Amount == "" || p2.Nonce == "" {
			return nil, fmt.Errorf("permit2 missing required fields")
		}
	}
	return &payload, nil
}

// Payer returns the paying address for either transfer method.
func (p *ExactPayload) Payer() string {
	if p.Permit2 != nil {
		return p.Permit2.From
	}
	if p.Authorization != nil {
		return p.Authorization.From
	}
	return ""
}

// Value returns the authorized amount in base units for either method.
func (p *ExactPayload) Value() (*big.Int, error) {
	var raw string
	if p.Permit2 != nil {
		raw = p.Permit2.Permitted.Amount
	} else if p.Authorization != nil {
		raw = p.Authorization.Value
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q is not a positive integer", raw)
	}
	return v, nil
}

func parseUint(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s %q is not a non-negative integer", field, raw)
	}
	return v, nil
}

func parseNonce(raw string) ([32]byte, error) {
	var nonce [32]byte
	trimmed := strings.TrimPrefix(raw, "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return nonce, fmt.Errorf("nonce %q is not a 32-byte hex string", raw)
	}
	copy(nonce[:], decoded)
	return nonce, nil
}

func parseSignature(raw string) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature is not hex encoded: %w", err)
	}
	if len(decoded) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not a valid address", field, raw)
	}
	return common.HexToAddress(raw), nil
}
