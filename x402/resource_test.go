package x402

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubVerifier struct {
	scheme string
	err    error
}

func (v *stubVerifier) Scheme() string { return v.scheme }

func (v *stubVerifier) VerifyStructure(payload *PaymentPayload, requirements *PaymentRequirements) error {
	return v.err
}

func testAccepts() []PaymentRequirements {
	return []PaymentRequirements{{
		Scheme:  SchemeExact,
		Network: "eip155:84532",
		Amount:  "750000",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:   "0x1111111111111111111111111111111111111111",
	}}
}

func testPayload(t *testing.T, mutate func(*PaymentPayload)) string {
	t.Helper()
	payload := &PaymentPayload{
		X402Version: X402Version,
		Accepted:    testAccepts()[0],
		Payload:     []byte(`{"signature":"0xabc"}`),
	}
	if mutate != nil {
		mutate(payload)
	}
	header, err := EncodePaymentHeader(payload)
	if err != nil {
		t.Fatalf("EncodePaymentHeader: %v", err)
	}
	return header
}

func TestProcessRequestNoPayment(t *testing.T) {
	server := NewResourceServer(&stubVerifier{scheme: SchemeExact})
	r := httptest.NewRequest(http.MethodPost, "/paid", nil)

	result := server.ProcessRequest(r, testAccepts())
	if result.Kind != ProcessNoPayment {
		t.Fatalf("Kind = %v, want ProcessNoPayment", result.Kind)
	}
}

func TestProcessRequestVerified(t *testing.T) {
	server := NewResourceServer(&stubVerifier{scheme: SchemeExact})
	r := httptest.NewRequest(http.MethodPost, "/paid", nil)
	r.Header.Set(HeaderPaymentSignature, testPayload(t, nil))

	result := server.ProcessRequest(r, testAccepts())
	if result.Kind != ProcessPaymentVerified {
		t.Fatalf("Kind = %v (%s), want ProcessPaymentVerified", result.Kind, result.ErrorReason)
	}
	if result.Requirement == nil || result.Requirement.Amount != "750000" {
		t.Errorf("Requirement = %+v, want matched requirement", result.Requirement)
	}
	if result.Payload == nil {
		t.Error("Payload is nil")
	}
}

func TestProcessRequestLegacyHeader(t *testing.T) {
	server := NewResourceServer(&stubVerifier{scheme: SchemeExact})
	r := httptest.NewRequest(http.MethodPost, "/paid", nil)
	r.Header.Set(HeaderLegacyPayment, testPayload(t, nil))

	result := server.ProcessRequest(r, testAccepts())
	if result.Kind != ProcessPaymentVerified {
		t.Fatalf("Kind = %v (%s), want ProcessPaymentVerified via legacy header", result.Kind, result.ErrorReason)
	}
}

func TestProcessRequestErrors(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		verifier   SchemeVerifier
		wantStatus int
	}{
		{
			name:       "not base64",
			header:     "%%%not-base64%%%",
			verifier:   &stubVerifier{scheme: SchemeExact},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not json",
			header:     base64.StdEncoding.EncodeToString([]byte("not json")),
			verifier:   &stubVerifier{scheme: SchemeExact},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong version",
			header:     testPayloadVersion(t, 1),
			verifier:   &stubVerifier{scheme: SchemeExact},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "wrong network",
			header: testPayload(t, func(p *PaymentPayload) {
				p.Accepted.Network = "eip155:1"
			}),
			verifier:   &stubVerifier{scheme: SchemeExact},
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name: "amount mismatch",
			header: testPayload(t, func(p *PaymentPayload) {
				p.Accepted.Amount = "1"
			}),
			verifier:   &stubVerifier{scheme: SchemeExact},
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "unsupported scheme",
			header:     testPayload(t, nil),
			verifier:   &stubVerifier{scheme: "stream"},
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "structural failure",
			header:     testPayload(t, nil),
			verifier:   &stubVerifier{scheme: SchemeExact, err: errors.New("bad signature encoding")},
			wantStatus: http.StatusPaymentRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewResourceServer(tt.verifier)
			r := httptest.NewRequest(http.MethodPost, "/paid", nil)
			r.Header.Set(HeaderPaymentSignature, tt.header)

			result := server.ProcessRequest(r, testAccepts())
			if result.Kind != ProcessPaymentError {
				t.Fatalf("Kind = %v, want ProcessPaymentError", result.Kind)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d (reason %q)", result.Status, tt.wantStatus, result.ErrorReason)
			}
			if result.ErrorReason == "" {
				t.Error("ErrorReason is empty")
			}
		})
	}
}

// testPayloadVersion builds a header with an arbitrary protocol version,
// bypassing the encode-side default.
func testPayloadVersion(t *testing.T, version int) string {
	t.Helper()
	payload := &PaymentPayload{
		X402Version: version,
		Accepted:    testAccepts()[0],
		Payload:     []byte(`{}`),
	}
	header, err := EncodePaymentHeader(payload)
	if err != nil {
		t.Fatalf("EncodePaymentHeader: %v", err)
	}
	return header
}

func TestErrorHeaderRoundTrip(t *testing.T) {
	header := EncodeErrorHeader("insufficient_balance")
	reason, err := DecodeErrorHeader(header)
	if err != nil {
		t.Fatalf("DecodeErrorHeader: %v", err)
	}
	if reason != "insufficient_balance" {
		t.Errorf("reason = %q, want insufficient_balance", reason)
	}
}

func TestSettlementHeaderRoundTrip(t *testing.T) {
	in := &SettleResponse{
		Success:     true,
		Transaction: "0xdeadbeef",
		Network:     "eip155:84532",
		Payer:       "0x2222222222222222222222222222222222222222",
	}
	header, err := EncodeSettlementHeader(in)
	if err != nil {
		t.Fatalf("EncodeSettlementHeader: %v", err)
	}
	out, err := DecodeSettlementHeader(header)
	if err != nil {
		t.Fatalf("DecodeSettlementHeader: %v", err)
	}
	if !out.Success || out.Transaction != in.Transaction || out.Payer != in.Payer {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
}
