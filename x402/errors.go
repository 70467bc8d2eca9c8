package x402

import (
	"errors"
	"fmt"
)

// Sentinel errors for payment processing.
var (
	// ErrMalformedHeader indicates the payment header could not be decoded.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrInvalidNetwork indicates an unknown or invalid network identifier.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidAmount indicates an amount that is not a positive integer in base units.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates an invalid settlement signing key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrFacilitatorUnavailable indicates the facilitator service cannot be reached.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator unavailable")
)

// Error codes surfaced in responses and settlement outcomes.
const (
	ErrCodeInvalidPayment      = "INVALID_PAYMENT"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeSettlementFailed    = "SETTLEMENT_FAILED"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeTokenNotCompatible  = "TOKEN_NOT_COMPATIBLE"
	ErrCodeNetworkNotSupported = "NETWORK_NOT_SUPPORTED"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
)

// PaymentError carries a machine-readable code alongside the message.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// PaymentErrorCode extracts the code from an error chain, or "" if none.
func PaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
