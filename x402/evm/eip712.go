package evm

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Permit2Address is the canonical Permit2 deployment, identical on every
// EVM chain.
var Permit2Address = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

// AuthorizationDigest computes the EIP-712 digest of an EIP-3009
// TransferWithAuthorization message for the given token domain.
func AuthorizationDigest(token common.Address, chainID *big.Int, name, version string, auth *Authorization) ([]byte, error) {
	from, err := parseAddress("from", auth.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress("to", auth.To)
	if err != nil {
		return nil, err
	}
	value, err := parseUint("value", auth.Value)
	if err != nil {
		return nil, err
	}
	validAfter, err := parseUint("validAfter", auth.ValidAfter)
	if err != nil {
		return nil, err
	}
	validBefore, err := parseUint("validBefore", auth.ValidBefore)
	if err != nil {
		return nil, err
	}
	nonce, err := parseNonce(auth.Nonce)
	if err != nil {
		return nil, err
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          to.Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       common.BytesToHash(nonce[:]).Hex(),
		},
	}
	return typedDataDigest(typedData)
}

// Permit2Digest computes the EIP-712 digest of a Permit2 PermitTransferFrom
// message. The Permit2 domain omits the version field.
func Permit2Digest(chainID *big.Int, spender common.Address, permit *Permit2Permit) ([]byte, error) {
	token, err := parseAddress("token", permit.Permitted.Token)
	if err != nil {
		return nil, err
	}
	amount, err := parseUint("amount", permit.Permitted.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := parseUint("nonce", permit.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := parseUint("deadline", permit.Deadline)
	if err != nil {
		return nil, err
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PermitTransferFrom": []apitypes.Type{
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
			"TokenPermissions": []apitypes.Type{
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "PermitTransferFrom",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: Permit2Address.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  token.Hex(),
				"amount": (*math.HexOrDecimal256)(amount),
			},
			"spender":  spender.Hex(),
			"nonce":    (*math.HexOrDecimal256)(nonce),
			"deadline": (*math.HexOrDecimal256)(deadline),
		},
	}
	return typedDataDigest(typedData)
}

func typedDataDigest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	raw := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(raw), nil
}

// RecoverSigner recovers the address that produced signature over digest.
// Accepts both v ∈ {27,28} and v ∈ {0,1} encodings.
func RecoverSigner(digest []byte, signature string) (common.Address, error) {
	sig, err := parseSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignDigest signs an EIP-712 digest, returning the hex signature with
// v ∈ {27,28}. Used by agent clients and tests; the facilitator never signs
// authorizations, only settlement transactions.
func SignDigest(key *ecdsa.PrivateKey, digest []byte) (string, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("failed to sign digest: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
