package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cropledger-labs/cropledger/pkg/anchor"
	"github.com/cropledger-labs/cropledger/pkg/canonical"
	"github.com/cropledger-labs/cropledger/pkg/ledger"
	"github.com/cropledger-labs/cropledger/pkg/settlement"
	"github.com/cropledger-labs/cropledger/pkg/verify"
)

// apiServer exposes the anchoring and settlement operations over HTTP.
type apiServer struct {
	anchors     *anchor.Service
	coordinator *settlement.Coordinator
	verifier    *verify.Service
	oracle      *settlement.MemOracle
	query       settlement.Query
	logger      *slog.Logger
}

func newAPIServer(a *anchor.Service, c *settlement.Coordinator, v *verify.Service, o *settlement.MemOracle, q settlement.Query, logger *slog.Logger) *apiServer {
	return &apiServer{
		anchors:     a,
		coordinator: c,
		verifier:    v,
		oracle:      o,
		query:       q,
		logger:      logger.With("component", "api"),
	}
}

func (s *apiServer) register(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/batches/anchor", s.handleAnchorBatch)
	mux.HandleFunc("/v1/tickets", s.handleTicket)
	mux.HandleFunc("/v1/verify", s.handleVerify)
	mux.HandleFunc("/v1/claims/evaluate", s.handleEvaluate)
	mux.HandleFunc("/v1/claims/retry-anchor", s.handleRetryAnchor)
	mux.HandleFunc("/v1/oracle/results", s.handleOracleResult)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type anchorBatchRequest struct {
	BatchID string           `json:"batchId"`
	Record  canonical.Record `json:"record"`
}

func (s *apiServer) handleAnchorBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req anchorBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.BatchID == "" {
		writeError(w, http.StatusBadRequest, "batchId is required")
		return
	}

	ticket, err := s.anchors.Anchor(r.Context(), req.BatchID, canonical.RecordProduceBatch, req.Record)
	if err != nil {
		switch {
		case errors.Is(err, canonical.ErrInvalidRecord), errors.Is(err, canonical.ErrInvalidDate):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, ledger.ErrRejected), errors.Is(err, ledger.ErrUnderfunded):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, anchor.ErrAnchorFailed):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.logger.ErrorContext(r.Context(), "anchor failed", "batch", req.BatchID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

func (s *apiServer) handleTicket(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	digest := r.URL.Query().Get("digest")
	if subject == "" || digest == "" {
		writeError(w, http.StatusBadRequest, "subject and digest are required")
		return
	}
	ticket, err := s.anchors.Ticket(r.Context(), subject, digest)
	if err != nil {
		if errors.Is(err, anchor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no ticket for subject and digest")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type verifyRequest struct {
	SubjectID string           `json:"subjectId"`
	Kind      string           `json:"kind"`
	Record    canonical.Record `json:"record"`
	LedgerRef string           `json:"ledgerRef"`
}

func (s *apiServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	result, err := s.verifier.Verify(r.Context(), req.SubjectID, req.Kind, req.Record, req.LedgerRef)
	if err != nil {
		switch {
		case errors.Is(err, verify.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "no anchored record at ledger ref")
		case errors.Is(err, verify.ErrLedgerUnreachable):
			writeError(w, http.StatusServiceUnavailable, "ledger unreachable, verification inconclusive")
		case errors.Is(err, canonical.ErrInvalidRecord), errors.Is(err, canonical.ErrInvalidDate):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type evaluateRequest struct {
	ClaimID string  `json:"claimId"`
	Amount  float64 `json:"amount"`
}

func (s *apiServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ClaimID == "" {
		writeError(w, http.StatusBadRequest, "claimId is required")
		return
	}

	st, err := s.coordinator.RequestEvaluation(r.Context(), req.ClaimID, req.Amount, s.query)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrClaimSettled):
			writeError(w, http.StatusConflict, "claim already settled")
		case errors.Is(err, settlement.ErrRequestAlreadyPending):
			writeError(w, http.StatusConflict, "evaluation already in progress")
		default:
			s.logger.ErrorContext(r.Context(), "evaluation request failed", "claim", req.ClaimID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

type retryAnchorRequest struct {
	ClaimID string `json:"claimId"`
}

func (s *apiServer) handleRetryAnchor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req retryAnchorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.coordinator.RetryAnchor(r.Context(), req.ClaimID); err != nil {
		switch {
		case errors.Is(err, settlement.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown claim")
		case errors.Is(err, anchor.ErrAnchorFailed):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"claimId": req.ClaimID, "status": "anchoring"})
}

type oracleResultRequest struct {
	RequestRef string  `json:"requestRef"`
	Value      float64 `json:"value"`
}

// handleOracleResult simulates the oracle network publishing a result for a
// pending request. The coordinator hears about it through its subscription.
func (s *apiServer) handleOracleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req oracleResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.oracle.Deliver(r.Context(), req.RequestRef, req.Value); err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		// The callback runs the settlement synchronously; anything else is
		// a downstream failure, not a bad request.
		s.logger.ErrorContext(r.Context(), "oracle delivery failed", "request_ref", req.RequestRef, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"requestRef": req.RequestRef, "status": "delivered"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
