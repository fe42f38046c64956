package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/relaynet/chain-relayer/internal/catalog"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Engine is the subset of *lifecycle.Engine the API needs; kept narrow so
// this package doesn't import lifecycle directly.
type Engine interface {
	Submit(ctx context.Context, relayer *relaymodel.Relayer, req *chain.Request, validUntil *time.Time) (*relaymodel.Record, error)
	Cancel(ctx context.Context, relayerID, transactionID string) (*relaymodel.Record, error)
}

// TransactionStore is the subset of store.TransactionStore the API reads
// from to serve GET requests.
type TransactionStore interface {
	Get(ctx context.Context, transactionID string) (*relaymodel.Record, error)
	ListByRelayer(ctx context.Context, relayerID string, limit, offset int) ([]*relaymodel.Record, error)
}

// RelayerLookup resolves a relayer_id, the same role lifecycle.RelayerLookup
// plays internally.
type RelayerLookup interface {
	Get(ctx context.Context, relayerID string) (*relaymodel.Relayer, error)
}

// Server is the REST surface spec.md §6 names: submit/list/get
// transactions per relayer, plus /healthz and /metrics. Auth and rate
// limiting follow jsonrpcserver.NewHandler's approach (bearer token,
// golang.org/x/time/rate) adapted from JSON-RPC middleware to plain HTTP
// handlers, since the routes here are REST, not RPC methods.
type Server struct {
	log      *zap.Logger
	engine   Engine
	txStore  TransactionStore
	relayers RelayerLookup
	catalog  *catalog.Catalog

	apiKey  string
	limiter *rate.Limiter
}

func NewServer(
	log *zap.Logger,
	engine Engine,
	txStore TransactionStore,
	relayers RelayerLookup,
	cat *catalog.Catalog,
	apiKey string,
	rateLimit rate.Limit,
	burst int,
) *Server {
	return &Server{
		log:      log.Named("api"),
		engine:   engine,
		txStore:  txStore,
		relayers: relayers,
		catalog:  cat,
		apiKey:   apiKey,
		limiter:  rate.NewLimiter(rateLimit, burst),
	}
}

// Router builds the process's main http.Handler, using Go 1.22's
// method+pattern ServeMux routing since no router library appears
// anywhere in this codebase's dependency graph.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/relayers/{id}/transactions", s.withMiddleware(s.handleSubmit))
	mux.HandleFunc("GET /api/v1/relayers/{id}/transactions", s.withMiddleware(s.handleList))
	mux.HandleFunc("GET /api/v1/relayers/{id}/transactions/{transaction_id}", s.withMiddleware(s.handleGet))
	mux.HandleFunc("POST /api/v1/relayers/{id}/transactions/{transaction_id}/cancel", s.withMiddleware(s.handleCancel))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// MetricsRouter is served on a separate port, mirroring cmd/node/main.go's
// split between the public API server and the metrics/pprof server.
func (s *Server) MetricsRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	return mux
}

func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return s.withAuth(s.withRateLimit(next))
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	relayerID := r.PathValue("id")

	relayer, err := s.relayers.Get(r.Context(), relayerID)
	if err != nil {
		writeRelayerLookupError(w, err)
		return
	}

	chainType, err := s.chainTypeFor(relayer.NetworkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	req, err := body.toChainRequest(chainType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.engine.Submit(r.Context(), relayer, req, body.ValidUntil)
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toRecordResponse(record))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	relayerID := r.PathValue("id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	records, err := s.txStore.ListByRelayer(r.Context(), relayerID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]recordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toRecordResponse(r))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	transactionID := r.PathValue("transaction_id")
	record, err := s.txStore.Get(r.Context(), transactionID)
	if errors.Is(err, relaymodel.ErrTxNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if record.RelayerID != r.PathValue("id") {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(record))
}

// handleCancel initiates an operator cancel of a pending/submitted
// record (spec.md §5). It never blocks on-chain confirmation: the
// response reflects the record with CancelRequested now set, not the
// eventual cancelled outcome, which the caller polls handleGet for.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	relayerID := r.PathValue("id")
	transactionID := r.PathValue("transaction_id")

	record, err := s.engine.Cancel(r.Context(), relayerID, transactionID)
	if err != nil {
		writeCancelError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRecordResponse(record))
}

func writeCancelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relaymodel.ErrTxNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, relaymodel.ErrCancelTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) chainTypeFor(networkID string) (chain.Type, error) {
	params, err := s.catalog.Get(networkID)
	if err != nil {
		return chain.Unknown, err
	}
	return params.Type, nil
}

func writeRelayerLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, relaymodel.ErrNotFound) {
		writeError(w, http.StatusNotFound, "relayer not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// writeSubmitError maps the errors Engine.Submit can return to status
// codes: admission/policy rejections are client errors, everything else
// is an internal failure.
func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relaymodel.ErrPaused), errors.Is(err, relaymodel.ErrSystemDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, relaymodel.ErrReceiverNotAllowed),
		errors.Is(err, relaymodel.ErrGasPriceOverCap),
		errors.Is(err, relaymodel.ErrInsufficientBalance),
		errors.Is(err, relaymodel.ErrDisallowedProgram),
		errors.Is(err, relaymodel.ErrDisallowedToken),
		errors.Is(err, relaymodel.ErrMemoNotAllowed),
		errors.Is(err, relaymodel.ErrAmbiguousTxInput),
		errors.Is(err, relaymodel.ErrInvalidFeeBumpRequest),
		errors.Is(err, chain.ErrAmbiguousRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
