package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/askmesh/askmesh/x402"
)

// Backend is the JSON-RPC surface the facilitator needs. *ethclient.Client
// satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// LocalFacilitatorConfig constructs a LocalFacilitator.
type LocalFacilitatorConfig struct {
	// Network is the settlement network this facilitator serves.
	Network *x402.NetworkConfig

	// Registry resolves networks during deep verification.
	Registry *x402.Registry

	// PrivateKeyHex is the settlement signing key. Construction is the
	// only place the key is loaded.
	PrivateKeyHex string

	// AttributionTag is appended to settlement calldata on networks with
	// attribution support.
	AttributionTag string

	// Backend overrides the lazily dialed RPC client. Used in tests.
	Backend Backend
}

// LocalFacilitator verifies payment payloads and settles them by signing
// and submitting transactions itself. One instance exists per active
// network for the life of the process; its RPC client is dialed lazily on
// first use.
type LocalFacilitator struct {
	network *x402.NetworkConfig
	scheme  *ExactScheme
	key     *ecdsa.PrivateKey
	signer  common.Address
	chainID *big.Int
	attrib  []byte

	dialMu  sync.Mutex
	backend Backend

	// compatCache memoizes the EIP-3009 probe per token address. There is
	// no invalidation: a token contract that gains or loses the primitive
	// requires a process restart to be re-probed.
	compatMu    sync.Mutex
	compatCache map[common.Address]bool

	// receiptPollInterval is shortened in tests.
	receiptPollInterval time.Duration

	// receiptTimeout overrides the requirements-derived receipt deadline.
	// Set in tests.
	receiptTimeout time.Duration
}

// NewLocalFacilitator loads the signing key and prepares the facilitator.
// No RPC connection is made until the first settlement.
func NewLocalFacilitator(cfg LocalFacilitatorConfig) (*LocalFacilitator, error) {
	if cfg.Network == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, "network is required", nil)
	}
	chainID, err := cfg.Network.ChainID()
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
	}

	var attrib []byte
	if cfg.Network.AttributionEnabled && cfg.AttributionTag != "" {
		attrib = []byte(cfg.AttributionTag)
	}

	return &LocalFacilitator{
		network:             cfg.Network,
		scheme:              NewExactScheme(cfg.Registry),
		key:                 key,
		signer:              crypto.PubkeyToAddress(key.PublicKey),
		chainID:             big.NewInt(chainID),
		attrib:              attrib,
		backend:             cfg.Backend,
		compatCache:         make(map[common.Address]bool),
		receiptPollInterval: time.Second,
	}, nil
}

// SignerAddress returns the settlement signer's address.
func (f *LocalFacilitator) SignerAddress() common.Address {
	return f.signer
}

// Supported returns the facilitator's capability descriptor.
func (f *LocalFacilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{
		Kinds: []x402.SupportedKind{
			{Scheme: x402.SchemeExact, Network: f.network.Network},
		},
		Signers: map[string]string{
			f.network.Network: f.signer.Hex(),
		},
	}, nil
}

// Verify delegates to the scheme implementation. It never touches the chain.
func (f *LocalFacilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return f.scheme.Verify(payload, requirements, f.signer), nil
}

// Settle runs the pre-flight checks and submits the settlement
// transaction, waiting for a mined receipt.
//
// Replay protection is the token contract's own nonce check; the
// facilitator keeps no nonce ledger of its own, so a replayed payload
// fails at submission.
func (f *LocalFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	decoded, err := DecodeExactPayload(payload.Payload)
	if err != nil {
		return refuse(x402.ErrCodeInvalidPayment, err.Error(), f.network.Network), nil
	}
	payer, err := parseAddress("from", decoded.Payer())
	if err != nil {
		return refuse(x402.ErrCodeInvalidPayment, err.Error(), f.network.Network), nil
	}
	token, err := parseAddress("asset", requirements.Asset)
	if err != nil {
		return refuse(x402.ErrCodeInvalidPayment, err.Error(), f.network.Network), nil
	}
	amount, err := decoded.Value()
	if err != nil {
		return refuse(x402.ErrCodeInvalidPayment, err.Error(), f.network.Network), nil
	}

	backend, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}

	// Pre-flight 1: the payer must hold the funds. Broadcasting a
	// transfer that will revert only wastes the signer's gas.
	balance, err := f.tokenBalance(ctx, backend, token, payer)
	if err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return refuse(x402.ErrCodeInsufficientBalance,
			fmt.Sprintf("payer holds %s, needs %s", balance, amount), f.network.Network), nil
	}

	// Pre-flight 2: the gasless-authorization path requires the token to
	// implement EIP-3009. Without the probe, "method missing" and "nonce
	// already used" are indistinguishable after submission.
	if decoded.Method() == TransferEIP3009 {
		compatible, err := f.supportsAuthorization(ctx, backend, token)
		if err != nil {
			return nil, fmt.Errorf("authorization probe: %w", err)
		}
		if !compatible {
			return refuse(x402.ErrCodeTokenNotCompatible,
				fmt.Sprintf("token %s does not support transferWithAuthorization", token.Hex()), f.network.Network), nil
		}
	}

	receipt, err := f.submit(ctx, backend, decoded, requirements, token, amount)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return refuse(x402.ErrCodeSettlementFailed,
			fmt.Sprintf("transaction %s reverted", receipt.TxHash.Hex()), f.network.Network), nil
	}

	return &x402.SettleResponse{
		Success:     true,
		Transaction: receipt.TxHash.Hex(),
		Network:     f.network.Network,
		Payer:       payer.Hex(),
	}, nil
}

func (f *LocalFacilitator) dial(ctx context.Context) (Backend, error) {
	f.dialMu.Lock()
	defer f.dialMu.Unlock()
	if f.backend != nil {
		return f.backend, nil
	}
	client, err := ethclient.DialContext(ctx, f.network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", f.network.RPCURL, err)
	}
	f.backend = client
	return f.backend, nil
}

func (f *LocalFacilitator) tokenBalance(ctx context.Context, backend Backend, token, account common.Address) (*big.Int, error) {
	data, err := packBalanceOf(account)
	if err != nil {
		return nil, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return unpackBalanceOf(out)
}

// supportsAuthorization probes authorizationState with a dummy nonce and
// memoizes the answer per token address.
func (f *LocalFacilitator) supportsAuthorization(ctx context.Context, backend Backend, token common.Address) (bool, error) {
	f.compatMu.Lock()
	cached, ok := f.compatCache[token]
	f.compatMu.Unlock()
	if ok {
		return cached, nil
	}

	var dummy [32]byte
	data, err := packAuthorizationState(f.signer, dummy)
	if err != nil {
		return false, err
	}
	out, callErr := backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	supported := callErr == nil && len(out) == 32

	f.compatMu.Lock()
	f.compatCache[token] = supported
	f.compatMu.Unlock()
	return supported, nil
}

func (f *LocalFacilitator) submit(ctx context.Context, backend Backend, decoded *ExactPayload, requirements *x402.PaymentRequirements, token common.Address, amount *big.Int) (*types.Receipt, error) {
	signature, err := parseSignature(decoded.Signature)
	if err != nil {
		return nil, err
	}

	var to common.Address
	var calldata []byte
	switch decoded.Method() {
	case TransferEIP3009:
		to = token
		calldata, err = packTransferWithAuthorization(decoded.Authorization, signature)
	case TransferPermit2:
		to = Permit2Address
		payTo, addrErr := parseAddress("payTo", requirements.PayTo)
		if addrErr != nil {
			return nil, addrErr
		}
		calldata, err = packPermitTransferFrom(decoded.Permit2, payTo, amount, signature)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pack settlement call: %w", err)
	}
	calldata = append(calldata, f.attrib...)

	nonce, err := backend.PendingNonceAt(ctx, f.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to read signer nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	gasLimit, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From: f.signer,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(f.chainID), f.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign settlement transaction: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to broadcast settlement: %w", err)
	}

	timeout := f.receiptTimeout
	if timeout <= 0 {
		secs := requirements.MaxTimeoutSeconds
		if secs <= 0 {
			secs = x402.DefaultMaxTimeoutSeconds
		}
		timeout = time.Duration(secs) * time.Second
	}
	return f.waitMined(ctx, backend, signed.Hash(), timeout)
}

// waitMined polls for the receipt until the deadline, derived from the
// requirement's advertised timeout. The serialization queue depends on
// every admitted settlement reaching a terminal state: a stalled node or
// never-mined transaction must surface as an error rather than hold the
// chain, or every later payer starves behind it.
func (f *LocalFacilitator) waitMined(ctx context.Context, backend Backend, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(f.receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no receipt for %s within %s: %w", txHash.Hex(), timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func refuse(reason, message, network string) *x402.SettleResponse {
	return &x402.SettleResponse{
		Success:      false,
		ErrorReason:  reason,
		ErrorMessage: message,
		Network:      network,
	}
}
