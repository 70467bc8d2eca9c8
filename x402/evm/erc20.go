package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI surface: balance reads, the EIP-3009 authorization-state
// accessor used by the compatibility probe, and both settlement entry
// points.
const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"authorizationState","type":"function","stateMutability":"view",
	 "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"transferWithAuthorization","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}],
	 "outputs":[]}
]`

const permit2ABIJSON = `[
	{"name":"permitTransferFrom","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"permit","type":"tuple","components":[
			{"name":"permitted","type":"tuple","components":[
				{"name":"token","type":"address"},
				{"name":"amount","type":"uint256"}]},
			{"name":"nonce","type":"uint256"},
			{"name":"deadline","type":"uint256"}]},
		{"name":"transferDetails","type":"tuple","components":[
			{"name":"to","type":"address"},
			{"name":"requestedAmount","type":"uint256"}]},
		{"name":"owner","type":"address"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[]}
]`

var (
	erc20ABI   abi.ABI
	permit2ABI abi.ABI
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid erc20 ABI: %v", err))
	}
	permit2ABI, err = abi.JSON(strings.NewReader(permit2ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid permit2 ABI: %v", err))
	}
}

func packBalanceOf(account common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", account)
}

func unpackBalanceOf(data []byte) (*big.Int, error) {
	values, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", values[0])
	}
	return balance, nil
}

func packAuthorizationState(authorizer common.Address, nonce [32]byte) ([]byte, error) {
	return erc20ABI.Pack("authorizationState", authorizer, nonce)
}

func packTransferWithAuthorization(auth *Authorization, signature []byte) ([]byte, error) {
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

	v := signature[64]
	if v < 27 {
		v += 27
	}
	var r, s [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])

	return erc20ABI.Pack("transferWithAuthorization",
		from, to, value, validAfter, validBefore, nonce, v, r, s)
}

func packPermitTransferFrom(permit *Permit2Permit, payTo common.Address, requestedAmount *big.Int, signature []byte) ([]byte, error) {
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
	owner, err := parseAddress("from", permit.From)
	if err != nil {
		return nil, err
	}

	type tokenPermissions struct {
		Token  common.Address
		Amount *big.Int
	}
	type permitTransferFrom struct {
		Permitted tokenPermissions
		Nonce     *big.Int
		Deadline  *big.Int
	}
	type transferDetails struct {
		To              common.Address
		RequestedAmount *big.Int
	}

	return permit2ABI.Pack("permitTransferFrom",
		permitTransferFrom{
			Permitted: tokenPermissions{Token: token, Amount: amount},
			Nonce:     nonce,
			Deadline:  deadline,
		},
		transferDetails{To: payTo, RequestedAmount: requestedAmount},
		owner,
		signature,
	)
}
