package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Facilitator verifies and settles payment payloads. Two implementations
// exist: RemoteFacilitator delegates over HTTP, and evm.LocalFacilitator
// signs and submits settlement transactions itself. The implementation is
// chosen once at startup from the network configuration.
type Facilitator interface {
	// Verify validates a payment payload against requirements without
	// touching the chain.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle executes the payment on-chain and waits for a mined receipt.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)

	// Supported returns the facilitator's capability descriptor.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// RemoteFacilitator delegates verify/settle to a facilitator service.
type RemoteFacilitator struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteFacilitator creates a client for the facilitator at baseURL.
func NewRemoteFacilitator(baseURL string) *RemoteFacilitator {
	return &RemoteFacilitator{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type facilitatorRequest struct {
	X402Version  int                  `json:"x402Version"`
	Payload      *PaymentPayload      `json:"payload"`
	Requirements *PaymentRequirements `json:"requirements"`
}

// Verify checks payment validity via POST /v2/x402/verify.
func (c *RemoteFacilitator) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.post(ctx, "/v2/x402/verify", payload, requirements, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes the payment on-chain via POST /v2/x402/settle.
func (c *RemoteFacilitator) Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
	var resp SettleResponse
	if err := c.post(ctx, "/v2/x402/settle", payload, requirements, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported fetches capabilities via GET /v2/x402/supported.
func (c *RemoteFacilitator) Supported(ctx context.Context) (*SupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/x402/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facilitator supported returned status %d: %s", resp.StatusCode, string(body))
	}

	var supported SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supported, nil
}

func (c *RemoteFacilitator) post(ctx context.Context, path string, payload *PaymentPayload, requirements *PaymentRequirements, out interface{}) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:  X402Version,
		Payload:      payload,
		Requirements: requirements,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}
