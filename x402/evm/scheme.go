package evm

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/askmesh/askmesh/x402"
)

// ExactScheme implements the "exact" scheme for EVM networks: the
// authorized value must equal the required amount, with no change and no
// partial fill.
type ExactScheme struct {
	registry *x402.Registry
}

// NewExactScheme builds the scheme verifier over the network registry.
func NewExactScheme(registry *x402.Registry) *ExactScheme {
	return &ExactScheme{registry: registry}
}

// Scheme returns the scheme identifier.
func (s *ExactScheme) Scheme() string {
	return x402.SchemeExact
}

// VerifyStructure checks the payload's shape and amount against the
// requirements without touching signatures or the chain.
func (s *ExactScheme) VerifyStructure(payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) error {
	decoded, err := DecodeExactPayload(payload.Payload)
	if err != nil {
		return err
	}

	value, err := decoded.Value()
	if err != nil {
		return err
	}
	if requirements.Amount != "" {
		required, err := x402.ParseBaseUnits(requirements.Amount)
		if err != nil {
			return err
		}
		if value.Cmp(required) != 0 {
			return fmt.Errorf("value %s does not equal required amount %s", value, required)
		}
	}

	if auth := decoded.Authorization; auth != nil {
		if !strings.EqualFold(auth.To, requirements.PayTo) {
			return fmt.Errorf("authorization pays %s, route requires %s", auth.To, requirements.PayTo)
		}
		if _, err := parseNonce(auth.Nonce); err != nil {
			return err
		}
	}
	if requirements.Asset != "" && decoded.Permit2 != nil {
		if !strings.EqualFold(decoded.Permit2.Permitted.Token, requirements.Asset) {
			return fmt.Errorf("permit covers token %s, route requires %s", decoded.Permit2.Permitted.Token, requirements.Asset)
		}
	}
	if _, err := parseSignature(decoded.Signature); err != nil {
		return err
	}
	return nil
}

// Verify performs deep verification: structure, validity window, and
// EIP-712 signature recovery against the payer address. spender is the
// settlement signer, required to reconstruct Permit2 digests.
func (s *ExactScheme) Verify(payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, spender common.Address) *x402.VerifyResponse {
	if err := s.VerifyStructure(payload, requirements); err != nil {
		return invalid(x402.ErrCodeInvalidPayment, err)
	}
	decoded, err := DecodeExactPayload(payload.Payload)
	if err != nil {
		return invalid(x402.ErrCodeInvalidPayment, err)
	}

	network, err := s.registry.Lookup(requirements.Network)
	if err != nil {
		return invalid(x402.ErrCodeNetworkNotSupported, err)
	}
	chainID, err := network.ChainID()
	if err != nil {
		return invalid(x402.ErrCodeNetworkNotSupported, err)
	}

	now := time.Now().Unix()
	var digest []byte
	switch decoded.Method() {
	case TransferEIP3009:
		auth := decoded.Authorization
		if err := checkWindow(auth.ValidAfter, auth.ValidBefore, now); err != nil {
			return invalid(x402.ErrCodeVerificationFailed, err)
		}
		token, err := parseAddress("asset", requirements.Asset)
		if err != nil {
			return invalid(x402.ErrCodeInvalidPayment, err)
		}
		digest, err = AuthorizationDigest(token, big.NewInt(chainID), network.EIP712Name, network.EIP712Version, auth)
		if err != nil {
			return invalid(x402.ErrCodeInvalidPayment, err)
		}

	case TransferPermit2:
		permit := decoded.Permit2
		deadline, err := parseUint("deadline", permit.Deadline)
		if err != nil {
			return invalid(x402.ErrCodeInvalidPayment, err)
		}
		if deadline.Cmp(big.NewInt(now)) < 0 {
			return invalid(x402.ErrCodeVerificationFailed, fmt.Errorf("permit deadline has passed"))
		}
		digest, err = Permit2Digest(big.NewInt(chainID), spender, permit)
		if err != nil {
			return invalid(x402.ErrCodeInvalidPayment, err)
		}
	}

	signer, err := RecoverSigner(digest, decoded.Signature)
	if err != nil {
		return invalid(x402.ErrCodeVerificationFailed, err)
	}
	payer, err := parseAddress("from", decoded.Payer())
	if err != nil {
		return invalid(x402.ErrCodeInvalidPayment, err)
	}
	if signer != payer {
		return invalid(x402.ErrCodeVerificationFailed,
			fmt.Errorf("signature recovered %s, payload claims %s", signer.Hex(), payer.Hex()))
	}

	return &x402.VerifyResponse{IsValid: true, Payer: payer.Hex()}
}

func checkWindow(validAfter, validBefore string, now int64) error {
	after, err := parseUint("validAfter", validAfter)
	if err != nil {
		return err
	}
	before, err := parseUint("validBefore", validBefore)
	if err != nil {
		return err
	}
	if after.Cmp(big.NewInt(now)) > 0 {
		return fmt.Errorf("authorization is not yet valid")
	}
	if before.Cmp(big.NewInt(now)) <= 0 {
		return fmt.Errorf("authorization has expired")
	}
	return nil
}

func invalid(reason string, err error) *x402.VerifyResponse {
	return &x402.VerifyResponse{
		IsValid:        false,
		InvalidReason:  reason,
		InvalidMessage: err.Error(),
	}
}
