// Package x402 implements the payment-gated request lifecycle used by the
// askmesh marketplace: HTTP 402 challenges, signed payment payload
// verification, serialized on-chain settlement, and settlement receipt
// propagation.
//
// Networks are identified with CAIP-2 identifiers (e.g., "eip155:8453").
package x402

import (
	"encoding/json"
	"time"
)

// X402Version is the protocol version spoken by this package.
const X402Version = 2

// PaymentRequirements describes what payment is required for a resource.
// Constructed fresh per route invocation and immutable afterwards.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`                // CAIP-2: "eip155:8453"
	Amount            string                 `json:"amount,omitempty"`       // atomic units
	Asset             string                 `json:"asset,omitempty"`        // token contract address
	PayTo             string                 `json:"payTo"`                  // recipient address
	PriceDisplay      string                 `json:"priceDisplay,omitempty"` // "$0.75" for dollar-priced networks
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload is the caller-supplied signed authorization, wrapping the
// accepted requirements and a scheme-specific payload.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     json.RawMessage     `json:"payload"` // scheme-specific (e.g., evm.ExactPayload)
}

// PaymentRequired is the 402 response body.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    string                `json:"resource,omitempty"`
	Description string                `json:"description,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResponse is the outcome of payment verification.
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// SettleResponse is the outcome of on-chain settlement. Only meaningful
// after a successful VerifyResponse.
type SettleResponse struct {
	Success      bool   `json:"success"`
	ErrorReason  string `json:"errorReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Transaction  string `json:"transaction,omitempty"`
	Network      string `json:"network,omitempty"` // CAIP-2
	Payer        string `json:"payer,omitempty"`
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"` // CAIP-2
}

// SupportedResponse is the facilitator's capability descriptor.
type SupportedResponse struct {
	Kinds   []SupportedKind   `json:"kinds"`
	Signers map[string]string `json:"signers,omitempty"` // CAIP-2 network -> settlement signer address
}

// PaidRouteContext is handed to the protected handler after settlement.
// PaymentVerified is never true without a successful settlement.
type PaidRouteContext struct {
	PaymentVerified       bool
	Payer                 string
	SettlementTransaction string
	SettlementNetwork     string
	SettledAt             time.Time
}
