package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/Mindburn-Labs/settlement/pkg/confirmation"
	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/settlement"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

const maxBodyBytes = 1 << 20

// Server serves the settlement HTTP API.
type Server struct {
	engine  *settlement.Engine
	store   store.Store
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewServer creates a server. A nil limiter disables rate limiting.
func NewServer(engine *settlement.Engine, st store.Store, limiter *RateLimiter) *Server {
	return &Server{
		engine:  engine,
		store:   st,
		limiter: limiter,
		logger:  slog.Default().With("component", "api"),
	}
}

// RegisterRoutes registers the API routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("PUT /v1/contracts/{id}", s.handlePutContract)
	mux.HandleFunc("GET /v1/contracts/{id}", s.handleGetContract)
	mux.HandleFunc("POST /v1/contracts/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/deal-rooms/{id}/events", s.handleDispatch)
	mux.HandleFunc("POST /v1/deal-rooms/{id}/deposits", s.handleDeposit)
	mux.HandleFunc("GET /v1/deal-rooms/{id}/escrow", s.handleGetEscrow)
	mux.HandleFunc("POST /v1/confirmations/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
}

// Handler returns the routed API wrapped in its middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

// StatusFor maps a result reason to its HTTP status.
func StatusFor(reason contracts.ReasonCode) int {
	switch reason {
	case contracts.ReasonPendingConfirmation:
		return http.StatusAccepted
	case contracts.ReasonWorkflowsPaused, contracts.ReasonInsufficientEscrow:
		return http.StatusPaymentRequired
	case contracts.ReasonContractNotFound:
		return http.StatusNotFound
	case contracts.ReasonContractInactive:
		return http.StatusConflict
	case contracts.ReasonFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type executeBody struct {
	TriggerEvent     string                      `json:"trigger_event"`
	TriggerData      map[string]any              `json:"trigger_data"`
	AttributionChain []contracts.AttributionLink `json:"attribution_chain,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.engine.Execute(r.Context(), settlement.Request{
		ContractID:       r.PathValue("id"),
		TriggerEvent:     body.TriggerEvent,
		TriggerData:      body.TriggerData,
		AttributionChain: body.AttributionChain,
	})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if !decode(w, r, &body) {
		return
	}
	results, err := s.engine.Dispatch(r.Context(), settlement.DispatchRequest{
		DealRoomID:       r.PathValue("id"),
		TriggerEvent:     body.TriggerEvent,
		TriggerData:      body.TriggerData,
		AttributionChain: body.AttributionChain,
	})
	if err != nil && results == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.WarnContext(r.Context(), "dispatch finished with failures",
			"deal_room_id", r.PathValue("id"), "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type resolveBody struct {
	Outcome  contracts.ConfirmationStatus `json:"outcome"`
	Metadata map[string]any               `json:"metadata,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.engine.ResolveConfirmation(r.Context(), r.PathValue("id"), body.Outcome, body.Metadata)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body settlement.DepositRequest
	if !decode(w, r, &body) {
		return
	}
	body.DealRoomID = r.PathValue("id")
	esc, err := s.engine.Deposit(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := s.store.GetEscrow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	txs, err := s.store.ListEscrowTransactions(r.Context(), esc.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escrow":           esc,
		"workflows_paused": esc.WorkflowsPaused(),
		"transactions":     txs,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payouts, err := s.store.ListPayouts(r.Context(), exec.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"execution": exec, "payouts": payouts}
	conf, err := s.store.GetConfirmationByExecution(r.Context(), exec.ID)
	switch {
	case err == nil:
		resp["confirmation"] = conf
	case !errors.Is(err, store.ErrNotFound):
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutContract(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	isYAML := mediaType == "application/yaml" || mediaType == "application/x-yaml" || mediaType == "text/yaml"

	c, err := contracts.ParseDocument(data, isYAML)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if id := r.PathValue("id"); c.ID != id {
		WriteError(w, r, http.StatusBadRequest, fmt.Sprintf("document id %q does not match path id %q", c.ID, id))
		return
	}
	if err := s.engine.SaveContract(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.store.GetContract(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetContract(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// writeResult writes an engine result. In-flight failures carry both a
// result and an error; the result is the response body.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res *contracts.ExecutionResult, err error) {
	if res == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "settlement failed",
			"execution_id", res.ExecutionID, "reason", res.ReasonCode, "error", err)
	}
	writeJSON(w, StatusFor(res.ReasonCode), res)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, settlement.ErrInvalidRequest), errors.Is(err, confirmation.ErrInvalidOutcome):
		WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, settlement.ErrNotConfirmed):
		WriteError(w, r, http.StatusConflict, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	// amounts in open payloads must reach decimal parsing as written
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
