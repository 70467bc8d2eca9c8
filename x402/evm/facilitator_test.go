package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/askmesh/askmesh/x402"
)

// fakeBackend answers the facilitator's RPC calls from canned state.
type fakeBackend struct {
	balance       *big.Int
	probeErr      error
	probeCalls    int
	balanceCalls  int
	sent          []*types.Transaction
	receiptStatus uint64
	receipts      map[common.Hash]uint64

	// rejectReplays reverts a transaction whose calldata was broadcast
	// before, the way a token contract refuses a used authorization nonce.
	rejectReplays bool

	// noReceipts simulates a node that accepts broadcasts but never
	// returns a receipt.
	noReceipts bool
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	selector := call.Data[:4]
	switch {
	case bytes.Equal(selector, erc20ABI.Methods["balanceOf"].ID):
		b.balanceCalls++
		return common.BigToHash(b.balance).Bytes(), nil
	case bytes.Equal(selector, erc20ABI.Methods["authorizationState"].ID):
		b.probeCalls++
		if b.probeErr != nil {
			return nil, b.probeErr
		}
		return make([]byte, 32), nil
	}
	return nil, fmt.Errorf("unexpected call %x", selector)
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	status := b.receiptStatus
	if b.rejectReplays {
		for _, prev := range b.sent {
			if bytes.Equal(prev.Data(), tx.Data()) {
				status = types.ReceiptStatusFailed
			}
		}
	}
	if b.receipts == nil {
		b.receipts = make(map[common.Hash]uint64)
	}
	b.receipts[tx.Hash()] = status
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if b.noReceipts {
		return nil, errors.New("not found")
	}
	status, ok := b.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return &types.Receipt{Status: status, TxHash: txHash}, nil
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balance:       big.NewInt(10_000_000),
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func newTestFacilitator(t *testing.T, backend Backend) *LocalFacilitator {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	registry := testRegistry(t)
	facilitator, err := NewLocalFacilitator(LocalFacilitatorConfig{
		Network:       registry.Active(),
		Registry:      registry,
		PrivateKeyHex: hex.EncodeToString(crypto.FromECDSA(key)),
		Backend:       backend,
	})
	if err != nil {
		t.Fatalf("NewLocalFacilitator: %v", err)
	}
	facilitator.receiptPollInterval = time.Millisecond
	return facilitator
}

func authorizationPayload(t *testing.T, key *ecdsa.PrivateKey) *x402.PaymentPayload {
	t.Helper()
	return signedAuthorizationPayload(t, key, nil)
}

func TestSettleAuthorizationSuccess(t *testing.T) {
	backend := newFakeBackend()
	facilitator := newTestFacilitator(t, backend)
	key, _ := crypto.GenerateKey()

	resp, err := facilitator.Settle(context.Background(), authorizationPayload(t, key), testRequirements())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success {
		t.Fatalf("settlement refused: %s %s", resp.ErrorReason, resp.ErrorMessage)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("broadcast %d transactions, want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.To() == nil || *tx.To() != common.HexToAddress(testToken) {
		t.Errorf("settlement sent to %v, want token contract", tx.To())
	}
	if resp.Transaction != tx.Hash().Hex() {
		t.Errorf("Transaction = %q, want %q", resp.Transaction, tx.Hash().Hex())
	}
	if resp.Network != "eip155:84532" {
		t.Errorf("Network = %q", resp.Network)
	}
	if resp.Payer != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Errorf("Payer = %q", resp.Payer)
	}
}

func TestSettleInsufficientBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.balance = big.NewInt(100)
	facilitator := newTestFacilitator(t, backend)
	key, _ := crypto.GenerateKey()

	resp, err := facilitator.Settle(context.Background(), authorizationPayload(t, key), testRequirements())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.Success {
		t.Fatal("settlement succeeded with insufficient balance")
	}
	if resp.ErrorReason != x402.ErrCodeInsufficientBalance {
		t.Errorf("reason = %q, want %q", resp.ErrorReason, x402.ErrCodeInsufficientBalance)
	}
	if resp.Transaction != "" {
		t.Errorf("refusal carries transaction %q", resp.Transaction)
	}
	if len(backend.sent) != 0 {
		t.Fatal("transaction broadcast despite failed pre-flight")
	}
}

func TestSettleIncompatibleToken(t *testing.T) {
	backend := newFakeBackend()
	backend.probeErr = errors.New("execution reverted")
	facilitator := newTestFacilitator(t, backend)
	key, _ := crypto.GenerateKey()

	resp, err := facilitator.Settle(context.Background(), authorizationPayload(t, key), testRequirements())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.Success {
		t.Fatal("settlement succeeded against an incompatible token")
	}
	if resp.ErrorReason != x402.ErrCodeTokenNotCompatible {
		t.Errorf("reason = %q, want %q", resp.ErrorReason, x402.ErrCodeTokenNotCompatible)
	}
	if len(backend.sent) != 0 {
		t.Fatal("transaction broadcast against an incompatible token")
	}
}

func TestSettleCompatibilityProbeIsCached(t *testing.T) {
	backend := newFakeBackend()
	facilitator := newTestFacilitator(t, backend)
	key, _ := crypto.GenerateKey()

	for i := 0; i < 3; i++ {
		resp, err := facilitator.Settle(context.Background(), authorizationPayload(t, key), testRequirements())
		if err != nil {
			t.Fatalf("Settle #%d: %v", i, err)
		}
		if !resp.Success {
			t.Fatalf("Settle #%d refused: %s", i, resp.ErrorReason)
		}
	}
	if backend.probeCalls != 1 {
		t.Errorf("probe ran %d times, want 1 (memoized)", backend.probeCalls)
	}
	if backend.balanceCalls != 3 {
		t.Errorf("balance checked %d times, want 3 (never cached)", backend.balanceCalls)
	}
}

func TestSettleNegativeProbeIsCached(t *testing.T) {
	backend := newFakeBackend()
	backend.probeErr = errors.New("execution reverted")
	facilitator := newTestFacilitator(t, backend)
	key, _ := crypto.GenerateKey()

	for i := 0; i < 3; i++ {
		resp, err := facilitator.Settle(context.Background(), authorizationPayload(t, key), testRequirements())
		if err != nil {
			t.Fatalf("Settle #%d: %v", i, err)
		}
		if resp.ErrorReason != x402.ErrCodeTokenNotCompatible {
			t.Fatalf("Settle #%d reason = %q", i, resp.ErrorReason)
		}
	}
	if backend.probeCalls != 1 {
		t.Errorf("probe ran %d times, want 1 (negative result memoized)", backend.probeCalls)
	}
}

func TestSettleRevertedTransaction(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptStatus = types.ReceiptStatusFailed
	facilitator := newTestFacilitator(t, backend)
	key, _ := crypto.GenerateKey()

	resp, err := facilitator.Settle(context.Background(), authorizationPayload(t, key), testRequirements())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.Success {
		t.Fatal("reverted settlement reported as success")
	}
	if resp.ErrorReason != x402.ErrCodeSettlementFailed {
		t.Errorf("reason = %q, want %q", resp.ErrorReason, x402.ErrCodeSettlementFailed)
	}
}

func TestSettleReceiptDeadline(t *testing.T) {
	backend := newFakeBackend()
	backend.noReceipts = true
	facilitator := newTestFacilitator(t, backend)
	facilitator.receiptTimeout = 20 * time.Millisecond
	key, _ := crypto.GenerateKey()

	start := time.Now()
	_, err := facilitator.Settle(context.Background(), authorizationPayload(t, key), testRequirements())
	if err == nil {
		t.Fatal("settlement succeeded without a receipt")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("settlement took %s to give up", elapsed)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("broadcast %d transactions, want 1", len(backend.sent))
	}
}

func TestSettleReceiptDeadlineAdvancesQueue(t *testing.T) {
	backend := newFakeBackend()
	backend.noReceipts = true
	facilitator := newTestFacilitator(t, backend)
	facilitator.receiptTimeout = 20 * time.Millisecond
	key, _ := crypto.GenerateKey()
	payload := authorizationPayload(t, key)

	// One settlement against a node that never returns a receipt, with a
	// second payer's task queued behind it. The receipt deadline must
	// terminate the first so the chain advances.
	queue := x402.NewSerialQueue()
	first := make(chan error, 1)
	go func() {
		first <- queue.Run(context.Background(), func() error {
			_, err := facilitator.Settle(context.WithoutCancel(context.Background()), payload, testRequirements())
			return err
		})
	}()
	time.Sleep(5 * time.Millisecond)

	second := make(chan struct{})
	go func() {
		_ = queue.Run(context.Background(), func() error {
			close(second)
			return nil
		})
	}()

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task starved behind a stalled settlement")
	}
	if err := <-first; err == nil {
		t.Fatal("stalled settlement reported success")
	}
}

func TestSettleReplayedAuthorization(t *testing.T) {
	backend := newFakeBackend()
	backend.rejectReplays = true
	facilitator := newTestFacilitator(t, backend)
	key, _ := crypto.GenerateKey()
	payload := authorizationPayload(t, key)

	first, err := facilitator.Settle(context.Background(), payload, testRequirements())
	if err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	if !first.Success {
		t.Fatalf("first settlement refused: %s", first.ErrorReason)
	}

	// The facilitator keeps no nonce ledger: the replay is broadcast again
	// and the token contract's own nonce check reverts it.
	second, err := facilitator.Settle(context.Background(), payload, testRequirements())
	if err != nil {
		t.Fatalf("second Settle: %v", err)
	}
	if second.Success {
		t.Fatal("replayed authorization settled twice")
	}
	if second.ErrorReason != x402.ErrCodeSettlementFailed {
		t.Errorf("reason = %q, want %q", second.ErrorReason, x402.ErrCodeSettlementFailed)
	}
	if len(backend.sent) != 2 {
		t.Fatalf("broadcast %d transactions, want 2 (refusal happens on-chain)", len(backend.sent))
	}
	if !first.Success || first.Transaction == "" {
		t.Error("first settlement result disturbed by the replay")
	}
}

func TestSettleMalformedPayload(t *testing.T) {
	backend := newFakeBackend()
	facilitator := newTestFacilitator(t, backend)

	payload := &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Payload:     json.RawMessage(`{"signature":""}`),
	}
	resp, err := facilitator.Settle(context.Background(), payload, testRequirements())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.Success {
		t.Fatal("malformed payload settled")
	}
	if resp.ErrorReason != x402.ErrCodeInvalidPayment {
		t.Errorf("reason = %q, want %q", resp.ErrorReason, x402.ErrCodeInvalidPayment)
	}
	if backend.balanceCalls != 0 || len(backend.sent) != 0 {
		t.Fatal("RPC touched for a malformed payload")
	}
}

func TestSettlePermit2TargetsCanonicalContract(t *testing.T) {
	backend := newFakeBackend()
	facilitator := newTestFacilitator(t, backend)
	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)

	permit := &Permit2Permit{
		From:      from.Hex(),
		Permitted: TokenPermissions{Token: testToken, Amount: "750000"},
		Nonce:     "7",
		Deadline:  fmt.Sprintf("%d", time.Now().Unix()+600),
	}
	digest, err := Permit2Digest(big.NewInt(84532), facilitator.SignerAddress(), permit)
	if err != nil {
		t.Fatalf("Permit2Digest: %v", err)
	}
	signature, err := SignDigest(key, digest)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	raw, _ := json.Marshal(&ExactPayload{Signature: signature, Permit2: permit})
	payload := &x402.PaymentPayload{X402Version: x402.X402Version, Payload: raw}

	resp, err := facilitator.Settle(context.Background(), payload, testRequirements())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success {
		t.Fatalf("settlement refused: %s %s", resp.ErrorReason, resp.ErrorMessage)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("broadcast %d transactions, want 1", len(backend.sent))
	}
	if to := backend.sent[0].To(); to == nil || *to != Permit2Address {
		t.Errorf("permit settlement sent to %v, want Permit2", to)
	}
	// Permit2 never goes through the EIP-3009 probe.
	if backend.probeCalls != 0 {
		t.Errorf("probe ran %d times for a permit settlement", backend.probeCalls)
	}
}

func TestSupported(t *testing.T) {
	facilitator := newTestFacilitator(t, newFakeBackend())

	supported, err := facilitator.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}
	if len(supported.Kinds) != 1 || supported.Kinds[0].Scheme != x402.SchemeExact || supported.Kinds[0].Network != "eip155:84532" {
		t.Errorf("Kinds = %+v", supported.Kinds)
	}
	if supported.Signers["eip155:84532"] != facilitator.SignerAddress().Hex() {
		t.Errorf("Signers = %+v", supported.Signers)
	}
}

func TestNewLocalFacilitatorRejectsBadKey(t *testing.T) {
	registry := testRegistry(t)
	_, err := NewLocalFacilitator(LocalFacilitatorConfig{
		Network:       registry.Active(),
		Registry:      registry,
		PrivateKeyHex: "not a key",
	})
	if !errors.Is(err, x402.ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestAttributionAppendedToCalldata(t *testing.T) {
	backend := newFakeBackend()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	network := x402.NetworkConfig{
		Network:             "eip155:84532",
		RPCURL:              "http://localhost:8545",
		Token:               x402.TokenInfo{Address: testToken, Symbol: "USDC", Decimals: 6},
		UseLocalFacilitator: true,
		AttributionEnabled:  true,
		EIP712Name:          "USDC",
		EIP712Version:       "2",
	}
	registry, err := x402.NewRegistry([]x402.NetworkConfig{network}, network.Network)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	facilitator, err := NewLocalFacilitator(LocalFacilitatorConfig{
		Network:        registry.Active(),
		Registry:       registry,
		PrivateKeyHex:  hex.EncodeToString(crypto.FromECDSA(key)),
		AttributionTag: "askmesh",
		Backend:        backend,
	})
	if err != nil {
		t.Fatalf("NewLocalFacilitator: %v", err)
	}
	facilitator.receiptPollInterval = time.Millisecond

	payerKey, _ := crypto.GenerateKey()
	resp, err := facilitator.Settle(context.Background(), authorizationPayload(t, payerKey), testRequirements())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success {
		t.Fatalf("settlement refused: %s", resp.ErrorReason)
	}
	data := backend.sent[0].Data()
	if !strings.HasSuffix(string(data), "askmesh") {
		t.Error("attribution tag missing from settlement calldata")
	}
}
