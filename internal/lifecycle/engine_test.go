package lifecycle

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/relaynet/chain-relayer/internal/catalog"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/monitorqueue"
	"github.com/relaynet/chain-relayer/internal/nonce"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/relaynet/chain-relayer/internal/rpcpool"
	"github.com/relaynet/chain-relayer/internal/signer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// -- fakes -------------------------------------------------------------

type fakeQueue struct {
	mu        sync.Mutex
	scheduled []string
}

func (q *fakeQueue) Schedule(_ context.Context, transactionID string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled = append(q.scheduled, transactionID)
	return nil
}

func (q *fakeQueue) StartProcessLoop(_ context.Context, _ int, _ monitorqueue.ProcessFunc) *sync.WaitGroup {
	return &sync.WaitGroup{}
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*relaymodel.Record
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]*relaymodel.Record{}} }

func (s *fakeStore) Create(_ context.Context, record *relaymodel.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records[record.TransactionID] = &cp
	return nil
}

func (s *fakeStore) Get(_ context.Context, transactionID string) (*relaymodel.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[transactionID]
	if !ok {
		return nil, relaymodel.ErrTxNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) ListByRelayerStatus(_ context.Context, relayerID string, status relaymodel.Status) ([]*relaymodel.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*relaymodel.Record
	for _, r := range s.records {
		if r.RelayerID == relayerID && r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByRelayer(_ context.Context, relayerID string, _, _ int) ([]*relaymodel.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*relaymodel.Record
	for _, r := range s.records {
		if r.RelayerID == relayerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, transactionID string, status relaymodel.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[transactionID]
	if !ok {
		return relaymodel.ErrTxNotFound
	}
	r.Status = status
	r.FailureReason = reason
	return nil
}

func (s *fakeStore) SetAssignment(_ context.Context, transactionID string, assignment relaymodel.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[transactionID]
	if !ok {
		return relaymodel.ErrTxNotFound
	}
	a := assignment
	r.Assignment = &a
	return nil
}

func (s *fakeStore) AppendAttempt(_ context.Context, transactionID string, attempt relaymodel.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[transactionID]
	if !ok {
		return relaymodel.ErrTxNotFound
	}
	r.AppendAttempt(attempt)
	return nil
}

func (s *fakeStore) RequestCancel(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[transactionID]
	if !ok {
		return relaymodel.ErrTxNotFound
	}
	r.CancelRequested = true
	return nil
}

type fakeNonceStore struct {
	mu        sync.Mutex
	cursors   map[string]relaymodel.Cursor
	abandoned map[string]map[uint64]bool
}

func newFakeNonceStore() *fakeNonceStore {
	return &fakeNonceStore{cursors: map[string]relaymodel.Cursor{}, abandoned: map[string]map[uint64]bool{}}
}

func nonceKey(relayerID, address string) string { return relayerID + "\x00" + address }

func (s *fakeNonceStore) GetCursor(_ context.Context, relayerID, address string) (relaymodel.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[nonceKey(relayerID, address)], nil
}

func (s *fakeNonceStore) SaveCursor(_ context.Context, cursor relaymodel.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[nonceKey(cursor.RelayerID, cursor.Address)] = cursor
	return nil
}

func (s *fakeNonceStore) MarkAbandoned(_ context.Context, relayerID, address string, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := nonceKey(relayerID, address)
	if s.abandoned[k] == nil {
		s.abandoned[k] = map[uint64]bool{}
	}
	s.abandoned[k][n] = true
	return nil
}

func (s *fakeNonceStore) ListAbandoned(_ context.Context, relayerID, address string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for n := range s.abandoned[nonceKey(relayerID, address)] {
		out = append(out, n)
	}
	return out, nil
}

func (s *fakeNonceStore) ClearAbandoned(_ context.Context, relayerID, address string, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.abandoned[nonceKey(relayerID, address)], n)
	return nil
}

type fakeRelayerLookup struct {
	relayers map[string]*relaymodel.Relayer
}

func (f *fakeRelayerLookup) Get(_ context.Context, relayerID string) (*relaymodel.Relayer, error) {
	r, ok := f.relayers[relayerID]
	if !ok {
		return nil, relaymodel.ErrNotFound
	}
	return r, nil
}

type fakePauser struct {
	mu     sync.Mutex
	paused map[string]string
}

func (p *fakePauser) Pause(_ context.Context, relayerID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = map[string]string{}
	}
	p.paused[relayerID] = reason
	return nil
}

type fakeEVMTransport struct {
	mu          sync.Mutex
	nonce       uint64
	blockNumber uint64
	receipt     *rpcpool.Receipt
	balance     *hexutil.Big
	sentCount   int
	sendErr     error
	receiptErr  error
	receiptErrN int // receiptErr fires on the first N calls, then clears
}

func (t *fakeEVMTransport) SendRawTransaction(_ context.Context, _ []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		err := t.sendErr
		t.sendErr = nil
		return "", err
	}
	t.sentCount++
	return "0xbroadcast", nil
}

func (t *fakeEVMTransport) GetTransactionReceipt(_ context.Context, _ string) (*rpcpool.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.receiptErrN > 0 {
		t.receiptErrN--
		return nil, t.receiptErr
	}
	return t.receipt, nil
}

func (t *fakeEVMTransport) GetTransactionCount(_ context.Context, _, _ string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonce, nil
}

func (t *fakeEVMTransport) BlockNumber(_ context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockNumber, nil
}

func (t *fakeEVMTransport) GetBalance(_ context.Context, _, _ string) (*hexutil.Big, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balance == nil {
		zero := hexutil.Big(*big.NewInt(0))
		return &zero, nil
	}
	return t.balance, nil
}

func (t *fakeEVMTransport) GetTransactionByHash(_ context.Context, _ string) (map[string]any, error) {
	return nil, nil
}

type fakeEVMFeeOracle struct{ gasPrice *big.Int }

func (o *fakeEVMFeeOracle) LegacyGasPrice(_ context.Context, _ string) (*big.Int, error) {
	return o.gasPrice, nil
}

func (o *fakeEVMFeeOracle) EIP1559Fees(_ context.Context, _ string) (*big.Int, *big.Int, error) {
	return big.NewInt(1), big.NewInt(1), nil
}

func (o *fakeEVMFeeOracle) EstimateGasLimit(_ context.Context, _ map[string]any, _ []byte, _ bool) (uint64, error) {
	return 21000, nil
}

type fakeEVMSignerBackend struct {
	key       *btcecPrivateKeyStub
	sign      func(hash []byte) ([]byte, error)
	permanent error
}

func (b *fakeEVMSignerBackend) Address(_ context.Context, _ string) (chain.Address, error) {
	return "", nil
}

func (b *fakeEVMSignerBackend) Sign(_ context.Context, _ string, payload chain.SigningPayload) (chain.Signature, error) {
	if b.permanent != nil {
		return chain.Signature{}, signer.Permanent(b.permanent)
	}
	sig, err := b.sign(payload.Bytes)
	if err != nil {
		return chain.Signature{}, err
	}
	return chain.Signature{ChainType: chain.EVM, Bytes: sig}, nil
}

// btcecPrivateKeyStub keeps the fake backend's field list stable even
// though the real key lives in the closure passed via sign; unused by
// design.
type btcecPrivateKeyStub struct{}

type fakeSolanaTransport struct {
	mu        sync.Mutex
	blockhash string
	status    *rpcpool.SignatureStatus
	slot      uint64
	balance   uint64
	sentCount int
}

func (t *fakeSolanaTransport) GetLatestBlockhash(_ context.Context) (*rpcpool.LatestBlockhash, error) {
	return &rpcpool.LatestBlockhash{Blockhash: t.blockhash, LastValidBlockHeight: 1000}, nil
}

func (t *fakeSolanaTransport) SendTransaction(_ context.Context, _ string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentCount++
	return "sig1", nil
}

func (t *fakeSolanaTransport) GetSignatureStatuses(_ context.Context, _ []string) ([]*rpcpool.SignatureStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return []*rpcpool.SignatureStatus{t.status}, nil
}

func (t *fakeSolanaTransport) GetBalance(_ context.Context, _ string) (uint64, error) {
	return t.balance, nil
}

func (t *fakeSolanaTransport) GetSlot(_ context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slot, nil
}

type fakeSolanaFeeOracle struct{}

func (fakeSolanaFeeOracle) PriorityFeeMicroLamports(_ context.Context, _ []string) (uint64, error) {
	return 1000, nil
}

type fakeSolanaSignerBackend struct {
	priv ed25519.PrivateKey
	addr chain.Address
}

func (b *fakeSolanaSignerBackend) Address(_ context.Context, _ string) (chain.Address, error) {
	return b.addr, nil
}

func (b *fakeSolanaSignerBackend) Sign(_ context.Context, _ string, payload chain.SigningPayload) (chain.Signature, error) {
	return chain.Signature{ChainType: chain.Solana, Bytes: ed25519.Sign(b.priv, payload.Bytes)}, nil
}

func newLifecycleTestAddress(t *testing.T) chain.Address {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return chain.Address(base58.Encode(pub))
}

func newLifecycleTestBlockhash(t *testing.T) string {
	t.Helper()
	return base58.Encode(make([]byte, 32))
}

// -- tests ---------------------------------------------------------------

func newTestEngine(t *testing.T, rt *ChainRuntime, networkID string, relayer *relaymodel.Relayer, backend signer.Backend) (*Engine, *fakeStore, *fakeQueue, *fakePauser) {
	t.Helper()
	st := newFakeStore()
	q := &fakeQueue{}
	pauser := &fakePauser{}
	nonceMgr := nonce.New(newFakeNonceStore())
	facade := signer.NewFacade(zap.NewNop())
	facade.Register(relayer.SignerID, backend)
	lookup := &fakeRelayerLookup{relayers: map[string]*relaymodel.Relayer{relayer.ID: relayer}}

	engine := New(zap.NewNop(), st, facade, nonceMgr, q, map[string]*ChainRuntime{networkID: rt}, lookup, pauser)
	return engine, st, q, pauser
}

func TestEVMHappyPathToConfirmed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := chain.Address(crypto.PubkeyToAddress(key.PublicKey).Hex())

	gasLimit := uint64(21000)
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum", SignerID: "signer1", Address: from}
	req := &chain.Request{ChainType: chain.EVM, EVM: &chain.EVMRequest{
		To:       chain.Address("0x000000000000000000000000000000000000dEaD"),
		Value:    big.NewInt(1000),
		GasPrice: big.NewInt(10_000_000_000),
		GasLimit: &gasLimit,
	}}

	transport := &fakeEVMTransport{blockNumber: 100}
	rt := &ChainRuntime{
		Params: catalog.ChainParams{ID: "ethereum", Type: chain.EVM, ChainID: 1, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		EVM:    transport,
		EVMFee: &fakeEVMFeeOracle{gasPrice: big.NewInt(10_000_000_000)},
	}

	backend := &fakeEVMSignerBackend{sign: func(hash []byte) ([]byte, error) { return crypto.Sign(hash, key) }}
	engine, st, _, _ := newTestEngine(t, rt, "ethereum", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusPending, record.Status)

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusSubmitted, got.Status)
	require.Equal(t, 1, transport.sentCount)
	require.Len(t, got.History, 1)

	status := hexutil.Uint64(1)
	blockNum := hexutil.Big(*big.NewInt(100))
	transport.receipt = &rpcpool.Receipt{Status: &status, BlockNumber: &blockNum}

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusMined, got.Status)

	transport.blockNumber = 102
	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusConfirmed, got.Status)
}

func TestEVMTransientBroadcastFailureResumesWithoutNewNonce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := chain.Address(crypto.PubkeyToAddress(key.PublicKey).Hex())

	gasLimit := uint64(21000)
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum", SignerID: "signer1", Address: from}
	req := &chain.Request{ChainType: chain.EVM, EVM: &chain.EVMRequest{
		To:       chain.Address("0x000000000000000000000000000000000000dEaD"),
		Value:    big.NewInt(1000),
		GasPrice: big.NewInt(10_000_000_000),
		GasLimit: &gasLimit,
	}}

	transport := &fakeEVMTransport{blockNumber: 100, sendErr: errors.Join(rpcpool.ErrAllEndpointsExhausted)}
	rt := &ChainRuntime{
		Params: catalog.ChainParams{ID: "ethereum", Type: chain.EVM, ChainID: 1, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		EVM:    transport,
		EVMFee: &fakeEVMFeeOracle{gasPrice: big.NewInt(10_000_000_000)},
	}

	backend := &fakeEVMSignerBackend{sign: func(hash []byte) ([]byte, error) { return crypto.Sign(hash, key) }}
	engine, st, q, _ := newTestEngine(t, rt, "ethereum", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)

	// First pass: the broadcast fails transiently. The record must stay
	// pending, with its assignment already persisted, and be rescheduled
	// rather than dropped.
	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusPending, got.Status)
	require.NotNil(t, got.Assignment)
	nonceAfterFirstPass := got.Assignment.Nonce
	require.Equal(t, 0, transport.sentCount)
	require.Contains(t, q.scheduled, record.TransactionID)

	// Second pass: the broadcast succeeds. It must reuse the nonce
	// allocated on the first pass, not allocate a new one.
	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusSubmitted, got.Status)
	require.Equal(t, nonceAfterFirstPass, got.Assignment.Nonce)
	require.Equal(t, 1, transport.sentCount)
	require.Len(t, got.History, 1)
}

func TestEVMTransientReceiptPollErrorReschedulesInsteadOfDropping(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := chain.Address(crypto.PubkeyToAddress(key.PublicKey).Hex())

	gasLimit := uint64(21000)
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum", SignerID: "signer1", Address: from}
	req := &chain.Request{ChainType: chain.EVM, EVM: &chain.EVMRequest{
		To:       chain.Address("0x000000000000000000000000000000000000dEaD"),
		Value:    big.NewInt(1000),
		GasPrice: big.NewInt(10_000_000_000),
		GasLimit: &gasLimit,
	}}

	transport := &fakeEVMTransport{blockNumber: 100}
	rt := &ChainRuntime{
		Params: catalog.ChainParams{ID: "ethereum", Type: chain.EVM, ChainID: 1, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		EVM:    transport,
		EVMFee: &fakeEVMFeeOracle{gasPrice: big.NewInt(10_000_000_000)},
	}

	backend := &fakeEVMSignerBackend{sign: func(hash []byte) ([]byte, error) { return crypto.Sign(hash, key) }}
	engine, st, q, _ := newTestEngine(t, rt, "ethereum", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Process(ctx, record.TransactionID))

	transport.receiptErr = errors.Join(rpcpool.ErrAllEndpointsExhausted)
	transport.receiptErrN = 1

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusSubmitted, got.Status)
	require.Contains(t, q.scheduled, record.TransactionID)

	status := hexutil.Uint64(1)
	blockNum := hexutil.Big(*big.NewInt(100))
	transport.receipt = &rpcpool.Receipt{Status: &status, BlockNumber: &blockNum}

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusMined, got.Status)
}

func TestEVMReplacementBlockedByFeeCap(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := chain.Address(crypto.PubkeyToAddress(key.PublicKey).Hex())

	gasLimit := uint64(21000)
	capValue := uint64(10_000_000_000)
	relayer := &relaymodel.Relayer{
		ID: "r1", NetworkID: "ethereum", SignerID: "signer1", Address: from,
		Policy: relaymodel.PolicyBundle{ChainType: chain.EVM, EVM: &relaymodel.EVMPolicy{GasPriceCap: &capValue}},
	}
	req := &chain.Request{ChainType: chain.EVM, EVM: &chain.EVMRequest{
		To:       chain.Address("0x000000000000000000000000000000000000dEaD"),
		Value:    big.NewInt(1000),
		GasPrice: big.NewInt(int64(capValue)),
		GasLimit: &gasLimit,
	}}

	transport := &fakeEVMTransport{blockNumber: 100}
	rt := &ChainRuntime{
		Params: catalog.ChainParams{ID: "ethereum", Type: chain.EVM, ChainID: 1, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		EVM:    transport,
		EVMFee: &fakeEVMFeeOracle{gasPrice: big.NewInt(int64(capValue))},
	}

	backend := &fakeEVMSignerBackend{sign: func(hash []byte) ([]byte, error) { return crypto.Sign(hash, key) }}
	engine, st, _, _ := newTestEngine(t, rt, "ethereum", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Process(ctx, record.TransactionID))

	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusSubmitted, got.Status)
	heldNonce := got.Assignment.Nonce

	// Backdate the attempt past the replacement_after floor (30s,
	// spec.md §4.8) instead of sleeping for it in real time.
	st.mu.Lock()
	st.records[record.TransactionID].History[0].SubmittedAt = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusFailed, got.Status)
	require.Equal(t, "FeeError::CapReached", got.FailureReason)

	// Nothing else was ever allocated above this nonce, so gap
	// reconciliation (spec.md §4.5) rolls the cursor back instead of
	// abandoning it: reallocating for this address returns the same
	// nonce rather than skipping past it.
	realloc, err := engine.nonceMgr.Allocate(ctx, relayer.ID, string(relayer.Address), 0)
	require.NoError(t, err)
	require.Equal(t, heldNonce, realloc)
}

func TestEVMPermanentSignerFailurePausesRelayer(t *testing.T) {
	gasLimit := uint64(21000)
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum", SignerID: "signer1", Address: chain.Address("0x00000000000000000000000000000000000001")}
	req := &chain.Request{ChainType: chain.EVM, EVM: &chain.EVMRequest{
		To:       chain.Address("0x000000000000000000000000000000000000dEaD"),
		GasPrice: big.NewInt(10_000_000_000),
		GasLimit: &gasLimit,
	}}

	transport := &fakeEVMTransport{}
	rt := &ChainRuntime{
		Params: catalog.ChainParams{ID: "ethereum", Type: chain.EVM, ChainID: 1, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		EVM:    transport,
		EVMFee: &fakeEVMFeeOracle{gasPrice: big.NewInt(10_000_000_000)},
	}

	backend := &fakeEVMSignerBackend{permanent: errors.New("key rejected by hsm")}
	engine, st, _, pauser := newTestEngine(t, rt, "ethereum", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Process(ctx, record.TransactionID))

	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusFailed, got.Status)
	require.Equal(t, "SigningError::Permanent", got.FailureReason)
	require.Equal(t, "signer_permanent_failure", pauser.paused[relayer.ID])
}

func TestSubmitRejectsFeeBumpWithoutTransactionXDR(t *testing.T) {
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum", SignerID: "signer1", Address: chain.Address("0x00000000000000000000000000000000000001")}
	req := &chain.Request{ChainType: chain.Stellar, Stellar: &chain.StellarRequest{FeeBump: true}}

	rt := &ChainRuntime{Params: catalog.ChainParams{ID: "ethereum", Type: chain.EVM}, EVM: &fakeEVMTransport{}}
	engine, _, _, _ := newTestEngine(t, rt, "ethereum", relayer, &fakeEVMSignerBackend{})

	_, err := engine.Submit(context.Background(), relayer, req, nil)
	require.ErrorIs(t, err, relaymodel.ErrInvalidFeeBumpRequest)
}

func TestSolanaHappyPathToConfirmed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	feePayer := chain.Address(base58.Encode(pub))
	programID := newLifecycleTestAddress(t)
	blockhash := newLifecycleTestBlockhash(t)

	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "solana-mainnet", SignerID: "signer1", Address: feePayer}
	req := &chain.Request{ChainType: chain.Solana, Solana: &chain.SolanaRequest{
		Instructions: []chain.SolanaInstruction{{ProgramID: programID, Accounts: []chain.Address{feePayer}, Data: []byte{1}}},
	}}

	transport := &fakeSolanaTransport{blockhash: blockhash, slot: 100}
	rt := &ChainRuntime{
		Params:    catalog.ChainParams{ID: "solana-mainnet", Type: chain.Solana, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		Solana:    transport,
		SolanaFee: fakeSolanaFeeOracle{},
	}

	backend := &fakeSolanaSignerBackend{priv: priv, addr: feePayer}
	engine, st, _, _ := newTestEngine(t, rt, "solana-mainnet", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusSubmitted, got.Status)
	require.Equal(t, 1, transport.sentCount)

	transport.status = &rpcpool.SignatureStatus{ConfirmationStatus: "confirmed", Slot: 100}
	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusMined, got.Status)

	transport.slot = 103
	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusConfirmed, got.Status)
}

// TestSolanaRejectsFeeOverMaxAllowedFee exercises spec.md §4.6's
// allowed_tokens[mint].max_allowed_fee: evaluateSolana can only confirm
// the fee-payment mint is permitted at Submit time, since the priority
// fee itself isn't known until the fee oracle runs on the
// pending->submitted transition, so the cap must still block the
// record once that fee comes back over budget.
func TestSolanaRejectsFeeOverMaxAllowedFee(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	feePayer := chain.Address(base58.Encode(pub))
	programID := newLifecycleTestAddress(t)
	mint := newLifecycleTestAddress(t)
	blockhash := newLifecycleTestBlockhash(t)

	maxAllowedFee := uint64(1) // fakeSolanaFeeOracle always quotes 1000
	relayer := &relaymodel.Relayer{
		ID: "r1", NetworkID: "solana-mainnet", SignerID: "signer1", Address: feePayer,
		Policy: relaymodel.PolicyBundle{ChainType: chain.Solana, Solana: &relaymodel.SolanaPolicy{
			AllowedTokens: map[chain.Address]relaymodel.TokenPolicy{mint: {MaxAllowedFee: &maxAllowedFee}},
		}},
	}
	req := &chain.Request{ChainType: chain.Solana, Solana: &chain.SolanaRequest{
		Instructions: []chain.SolanaInstruction{{ProgramID: programID, Accounts: []chain.Address{feePayer}, Data: []byte{1}, TokenMint: &mint}},
		FeeTokenMint: &mint,
	}}

	transport := &fakeSolanaTransport{blockhash: blockhash, slot: 100}
	rt := &ChainRuntime{
		Params:    catalog.ChainParams{ID: "solana-mainnet", Type: chain.Solana, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		Solana:    transport,
		SolanaFee: fakeSolanaFeeOracle{},
	}

	backend := &fakeSolanaSignerBackend{priv: priv, addr: feePayer}
	engine, st, _, _ := newTestEngine(t, rt, "solana-mainnet", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusFailed, got.Status)
	require.Equal(t, "FeeError::MaxAllowedFeeExceeded", got.FailureReason)
	require.Equal(t, 0, transport.sentCount)
}

func TestCancelPendingRecordFinalizesImmediately(t *testing.T) {
	gasLimit := uint64(21000)
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum", SignerID: "signer1", Address: chain.Address("0x00000000000000000000000000000000000001")}
	req := &chain.Request{ChainType: chain.EVM, EVM: &chain.EVMRequest{
		To:       chain.Address("0x000000000000000000000000000000000000dEaD"),
		GasPrice: big.NewInt(10_000_000_000),
		GasLimit: &gasLimit,
	}}

	transport := &fakeEVMTransport{}
	rt := &ChainRuntime{
		Params: catalog.ChainParams{ID: "ethereum", Type: chain.EVM, ChainID: 1, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		EVM:    transport,
		EVMFee: &fakeEVMFeeOracle{gasPrice: big.NewInt(10_000_000_000)},
	}

	backend := &fakeEVMSignerBackend{sign: func(hash []byte) ([]byte, error) { return nil, errors.New("never called") }}
	engine, st, _, _ := newTestEngine(t, rt, "ethereum", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)

	cancelled, err := engine.Cancel(ctx, relayer.ID, record.TransactionID)
	require.NoError(t, err)
	require.True(t, cancelled.CancelRequested)

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusCancelled, got.Status)
	require.Equal(t, 0, transport.sentCount)
}

func TestCancelSubmittedEVMBroadcastsSelfTransferAndConfirms(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := chain.Address(crypto.PubkeyToAddress(key.PublicKey).Hex())

	gasLimit := uint64(21000)
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum", SignerID: "signer1", Address: from}
	req := &chain.Request{ChainType: chain.EVM, EVM: &chain.EVMRequest{
		To:       chain.Address("0x000000000000000000000000000000000000dEaD"),
		Value:    big.NewInt(1000),
		GasPrice: big.NewInt(10_000_000_000),
		GasLimit: &gasLimit,
	}}

	transport := &fakeEVMTransport{blockNumber: 100}
	rt := &ChainRuntime{
		Params: catalog.ChainParams{ID: "ethereum", Type: chain.EVM, ChainID: 1, AverageBlocktime: 1, ConfirmationsNeeded: 2},
		EVM:    transport,
		EVMFee: &fakeEVMFeeOracle{gasPrice: big.NewInt(10_000_000_000)},
	}

	backend := &fakeEVMSignerBackend{sign: func(hash []byte) ([]byte, error) { return crypto.Sign(hash, key) }}
	engine, st, _, _ := newTestEngine(t, rt, "ethereum", relayer, backend)

	ctx := context.Background()
	record, err := engine.Submit(ctx, relayer, req, nil)
	require.NoError(t, err)

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err := st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusSubmitted, got.Status)
	originalFee := got.History[0].Fee.GasPrice

	_, err = engine.Cancel(ctx, relayer.ID, record.TransactionID)
	require.NoError(t, err)

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusSubmitted, got.Status)
	require.Len(t, got.History, 2)
	require.True(t, got.History[1].IsCancellation)
	require.Equal(t, 1, got.History[1].Fee.GasPrice.Cmp(originalFee), "cancellation fee must strictly exceed the original")

	status := hexutil.Uint64(1)
	blockNum := hexutil.Big(*big.NewInt(100))
	transport.receipt = &rpcpool.Receipt{Status: &status, BlockNumber: &blockNum}

	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusMined, got.Status)

	transport.blockNumber = 102
	require.NoError(t, engine.Process(ctx, record.TransactionID))
	got, err = st.Get(ctx, record.TransactionID)
	require.NoError(t, err)
	require.Equal(t, relaymodel.StatusCancelled, got.Status)
}
