package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaynet/chain-relayer/internal/catalog"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type fakeEngine struct {
	submitted *relaymodel.Record
	err       error

	cancelled *relaymodel.Record
	cancelErr error
}

func (e *fakeEngine) Submit(_ context.Context, relayer *relaymodel.Relayer, req *chain.Request, validUntil *time.Time) (*relaymodel.Record, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &relaymodel.Record{
		TransactionID: "tx-1",
		RelayerID:     relayer.ID,
		Status:        relaymodel.StatusPending,
		Request:       *req,
		ValidUntil:    validUntil,
	}, nil
}

func (e *fakeEngine) Cancel(_ context.Context, relayerID, transactionID string) (*relaymodel.Record, error) {
	if e.cancelErr != nil {
		return nil, e.cancelErr
	}
	if e.cancelled != nil {
		return e.cancelled, nil
	}
	return &relaymodel.Record{
		TransactionID:   transactionID,
		RelayerID:       relayerID,
		Status:          relaymodel.StatusSubmitted,
		CancelRequested: true,
	}, nil
}

type fakeTxStore struct {
	records map[string]*relaymodel.Record
}

func (s *fakeTxStore) Get(_ context.Context, transactionID string) (*relaymodel.Record, error) {
	r, ok := s.records[transactionID]
	if !ok {
		return nil, relaymodel.ErrTxNotFound
	}
	return r, nil
}

func (s *fakeTxStore) ListByRelayer(_ context.Context, relayerID string, _, _ int) ([]*relaymodel.Record, error) {
	var out []*relaymodel.Record
	for _, r := range s.records {
		if r.RelayerID == relayerID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeRelayers struct {
	relayers map[string]*relaymodel.Relayer
}

func (r *fakeRelayers) Get(_ context.Context, relayerID string) (*relaymodel.Relayer, error) {
	relayer, ok := r.relayers[relayerID]
	if !ok {
		return nil, relaymodel.ErrNotFound
	}
	return relayer, nil
}

func newTestServer(t *testing.T, engine Engine, txStore TransactionStore, relayers RelayerLookup) *Server {
	cat, err := catalog.Load([]catalog.RawNetwork{
		{ID: "ethereum", Type: "evm", ChainID: uint64Ptr(1), RPCURLs: []catalog.RawRPCURL{{URL: "http://localhost:8545", Weight: 1}}},
	})
	require.NoError(t, err)
	return NewServer(zap.NewNop(), engine, txStore, relayers, cat, "test-api-key", rate.Limit(100), 10)
}

func uint64Ptr(v uint64) *uint64 { return &v }

func TestSubmitTransactionHappyPath(t *testing.T) {
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum"}
	server := newTestServer(t, &fakeEngine{}, &fakeTxStore{records: map[string]*relaymodel.Record{}}, &fakeRelayers{relayers: map[string]*relaymodel.Relayer{"r1": relayer}})

	body := submitRequest{EVM: &evmRequestDTO{To: "0xabc", ValueWei: "1000"}}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relayers/r1/transactions", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer test-api-key")
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp recordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "tx-1", resp.TransactionID)
}

func TestSubmitTransactionRejectsMissingAuth(t *testing.T) {
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum"}
	server := newTestServer(t, &fakeEngine{}, &fakeTxStore{records: map[string]*relaymodel.Record{}}, &fakeRelayers{relayers: map[string]*relaymodel.Relayer{"r1": relayer}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relayers/r1/transactions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitTransactionUnknownRelayer(t *testing.T) {
	server := newTestServer(t, &fakeEngine{}, &fakeTxStore{records: map[string]*relaymodel.Record{}}, &fakeRelayers{relayers: map[string]*relaymodel.Relayer{}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relayers/missing/transactions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer test-api-key")
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTransactionReturnsRecord(t *testing.T) {
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum"}
	record := &relaymodel.Record{TransactionID: "tx-9", RelayerID: "r1", Status: relaymodel.StatusConfirmed}
	server := newTestServer(t, &fakeEngine{}, &fakeTxStore{records: map[string]*relaymodel.Record{"tx-9": record}}, &fakeRelayers{relayers: map[string]*relaymodel.Relayer{"r1": relayer}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/relayers/r1/transactions/tx-9", nil)
	req.Header.Set("Authorization", "Bearer test-api-key")
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp recordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "confirmed", resp.Status)
}

func TestGetTransactionWrongRelayerIsNotFound(t *testing.T) {
	record := &relaymodel.Record{TransactionID: "tx-9", RelayerID: "r1", Status: relaymodel.StatusConfirmed}
	server := newTestServer(t, &fakeEngine{}, &fakeTxStore{records: map[string]*relaymodel.Record{"tx-9": record}}, &fakeRelayers{relayers: map[string]*relaymodel.Relayer{}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/relayers/r2/transactions/tx-9", nil)
	req.Header.Set("Authorization", "Bearer test-api-key")
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTransactionHappyPath(t *testing.T) {
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum"}
	server := newTestServer(t, &fakeEngine{}, &fakeTxStore{records: map[string]*relaymodel.Record{}}, &fakeRelayers{relayers: map[string]*relaymodel.Relayer{"r1": relayer}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relayers/r1/transactions/tx-9/cancel", nil)
	req.Header.Set("Authorization", "Bearer test-api-key")
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp recordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.CancelRequested)
}

func TestCancelTransactionTerminalIsConflict(t *testing.T) {
	relayer := &relaymodel.Relayer{ID: "r1", NetworkID: "ethereum"}
	server := newTestServer(t, &fakeEngine{cancelErr: relaymodel.ErrCancelTerminal}, &fakeTxStore{records: map[string]*relaymodel.Record{}}, &fakeRelayers{relayers: map[string]*relaymodel.Relayer{"r1": relayer}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relayers/r1/transactions/tx-9/cancel", nil)
	req.Header.Set("Authorization", "Bearer test-api-key")
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthzDoesNotRequireAuth(t *testing.T) {
	server := newTestServer(t, &fakeEngine{}, &fakeTxStore{}, &fakeRelayers{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
