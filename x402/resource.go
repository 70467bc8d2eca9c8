package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Header names for the challenge-response exchange.
const (
	// HeaderPaymentSignature carries the caller's base64 JSON payment payload.
	HeaderPaymentSignature = "Payment-Signature"

	// HeaderPaymentRequired carries a base64 JSON {error} reason on refusals.
	HeaderPaymentRequired = "Payment-Required"

	// HeaderPaymentResponse carries the base64 JSON settlement receipt.
	HeaderPaymentResponse = "Payment-Response"

	// HeaderLegacyPayment is the v1 payment header, still accepted.
	HeaderLegacyPayment = "X-Payment"
)

// SchemeExact is the only scheme implemented: the settled amount must equal
// the requested amount exactly.
const SchemeExact = "exact"

// SchemeVerifier performs structural validation of a scheme-specific
// payload. Deep verification (signatures, chain state) belongs to the
// facilitator.
type SchemeVerifier interface {
	Scheme() string
	VerifyStructure(payload *PaymentPayload, requirements *PaymentRequirements) error
}

// ProcessKind classifies the outcome of parsing a request's payment header.
type ProcessKind int

const (
	// ProcessNoPayment means no payment header was present. This is the
	// protocol's expected first contact, not an error.
	ProcessNoPayment ProcessKind = iota

	// ProcessPaymentError means a payment header was present but invalid
	// or mismatched.
	ProcessPaymentError

	// ProcessPaymentVerified means the payload is structurally valid and
	// matches the route's requirements.
	ProcessPaymentVerified
)

// ProcessResult is the classification of one inbound request.
type ProcessResult struct {
	Kind        ProcessKind
	Status      int    // HTTP status for ProcessPaymentError
	ErrorReason string // reason carried in the Payment-Required header
	Payload     *PaymentPayload
	Requirement *PaymentRequirements
}

// ResourceServer parses payment headers and matches them against a route's
// declared requirements through its registered scheme verifiers.
type ResourceServer struct {
	verifiers map[string]SchemeVerifier
}

// NewResourceServer builds a resource server with the given scheme verifiers.
func NewResourceServer(verifiers ...SchemeVerifier) *ResourceServer {
	byScheme := make(map[string]SchemeVerifier, len(verifiers))
	for _, v := range verifiers {
		byScheme[v.Scheme()] = v
	}
	return &ResourceServer{verifiers: byScheme}
}

// ProcessRequest classifies the request against the accepted requirements.
func (s *ResourceServer) ProcessRequest(r *http.Request, accepts []PaymentRequirements) ProcessResult {
	header := r.Header.Get(HeaderPaymentSignature)
	if header == "" {
		header = r.Header.Get(HeaderLegacyPayment)
	}
	if header == "" {
		return ProcessResult{Kind: ProcessNoPayment}
	}

	payload, err := ParsePaymentHeader(header)
	if err != nil {
		return ProcessResult{
			Kind:        ProcessPaymentError,
			Status:      http.StatusBadRequest,
			ErrorReason: err.Error(),
		}
	}

	requirement, err := matchRequirement(payload, accepts)
	if err != nil {
		return ProcessResult{
			Kind:        ProcessPaymentError,
			Status:      http.StatusPaymentRequired,
			ErrorReason: err.Error(),
		}
	}

	verifier, ok := s.verifiers[requirement.Scheme]
	if !ok {
		return ProcessResult{
			Kind:        ProcessPaymentError,
			Status:      http.StatusPaymentRequired,
			ErrorReason: fmt.Sprintf("scheme %q is not supported", requirement.Scheme),
		}
	}
	if err := verifier.VerifyStructure(payload, requirement); err != nil {
		return ProcessResult{
			Kind:        ProcessPaymentError,
			Status:      http.StatusPaymentRequired,
			ErrorReason: err.Error(),
		}
	}

	return ProcessResult{
		Kind:        ProcessPaymentVerified,
		Payload:     payload,
		Requirement: requirement,
	}
}

// matchRequirement finds the accepted requirement matching the payload's
// scheme, network, asset, and amount. The "exact" scheme tolerates no
// amount difference.
func matchRequirement(payload *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, error) {
	acc := payload.Accepted
	for i := range accepts {
		req := &accepts[i]
		if req.Scheme != acc.Scheme {
			continue
		}
		if req.Network != acc.Network {
			continue
		}
		if !strings.EqualFold(req.Asset, acc.Asset) {
			continue
		}
		if req.Amount != "" && req.Amount != acc.Amount {
			return nil, fmt.Errorf("amount mismatch: required %s, offered %s", req.Amount, acc.Amount)
		}
		return req, nil
	}
	return nil, fmt.Errorf("no matching requirement for scheme %q on network %q", acc.Scheme, acc.Network)
}

// ParsePaymentHeader decodes a base64 JSON payment header.
func ParsePaymentHeader(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if payload.X402Version != X402Version {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, payload.X402Version)
	}
	if len(payload.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrMalformedHeader)
	}
	return &payload, nil
}

// EncodePaymentHeader encodes a payload for the Payment-Signature header.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeErrorHeader encodes a reason for the Payment-Required header.
func EncodeErrorHeader(reason string) string {
	raw, _ := json.Marshal(map[string]string{"error": reason})
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeErrorHeader decodes a Payment-Required header into its reason.
func DecodeErrorHeader(header string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return body.Error, nil
}

// EncodeSettlementHeader encodes a settlement receipt for the
// Payment-Response header.
func EncodeSettlementHeader(settlement *SettleResponse) (string, error) {
	raw, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlementHeader decodes a Payment-Response header.
func DecodeSettlementHeader(header string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var settlement SettleResponse
	if err := json.Unmarshal(raw, &settlement); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return &settlement, nil
}
