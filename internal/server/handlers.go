package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ynishi/ragqa/internal/auth"
	"github.com/ynishi/ragqa/internal/evaluation"
	"github.com/ynishi/ragqa/internal/feedback"
	"github.com/ynishi/ragqa/internal/orchestrator"
	"github.com/ynishi/ragqa/internal/repository"
	"github.com/ynishi/ragqa/internal/retrieval"
	"github.com/ynishi/ragqa/internal/synthesizer"
)

// Handlers holds the HTTP handlers and their collaborators
type Handlers struct {
	orch        *orchestrator.Orchestrator
	txRepo      repository.TransactionRepository
	evalRepo    repository.EvaluationRepository
	evalEngine  *evaluation.Engine
	aggregator  *feedback.Aggregator
	jwtManager  *auth.JWTManager
	adminAPIKey string
	logger      *slog.Logger
}

// NewHandlers creates the handler set
func NewHandlers(
	orch *orchestrator.Orchestrator,
	txRepo repository.TransactionRepository,
	evalRepo repository.EvaluationRepository,
	evalEngine *evaluation.Engine,
	aggregator *feedback.Aggregator,
	jwtManager *auth.JWTManager,
	adminAPIKey string,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		orch:        orch,
		txRepo:      txRepo,
		evalRepo:    evalRepo,
		evalEngine:  evalEngine,
		aggregator:  aggregator,
		jwtManager:  jwtManager,
		adminAPIKey: adminAPIKey,
		logger:      logger,
	}
}

type queryRequest struct {
	Question string `json:"question"`
	Strategy string `json:"strategy,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

type tokenRequest struct {
	AdminAPIKey string `json:"admin_api_key"`
	Subject     string `json:"subject"`
	Role        string `json:"role,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// transactionView is the JSON shape of a persisted transaction.
type transactionView struct {
	ID           uuid.UUID                     `json:"id"`
	Question     string                        `json:"question"`
	Strategy     string                        `json:"strategy"`
	Status       string                        `json:"status"`
	ErrorKind    string                        `json:"error_kind,omitempty"`
	Passages     []repository.RetrievedPassage `json:"passages"`
	Answer       string                        `json:"answer"`
	Citations    []repository.Citation         `json:"citations"`
	Hypothetical string                        `json:"hypothetical,omitempty"`
	Confidence   float64                       `json:"confidence"`
	LatencyMS    int64                         `json:"latency_ms"`
	RetrievalMS  int64                         `json:"retrieval_ms"`
	GenerationMS int64                         `json:"generation_ms"`
	CreatedAt    time.Time                     `json:"created_at"`

	Evaluation *evaluationView `json:"evaluation,omitempty"`
	Feedback   *feedbackView   `json:"feedback,omitempty"`
}

type evaluationView struct {
	Faithfulness float64   `json:"faithfulness"`
	Relevance    float64   `json:"relevance"`
	Completeness float64   `json:"completeness"`
	Composite    float64   `json:"composite"`
	JudgeModel   string    `json:"judge_model"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

type feedbackView struct {
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Query answers one question through the pipeline.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.Strategy != "" {
		if _, err := retrieval.ParseKind(req.Strategy); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp, err := h.orch.Query(r.Context(), orchestrator.Request{
		Question: req.Question,
		Strategy: req.Strategy,
		TopK:     req.TopK,
	})
	if err != nil {
		h.writeQueryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeQueryError maps pipeline failures to HTTP statuses.
func (h *Handlers) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNoEvidence):
		writeError(w, http.StatusUnprocessableEntity, "no supporting evidence found for the question")
	case errors.Is(err, retrieval.ErrEmptyIndex):
		writeError(w, http.StatusUnprocessableEntity, "the index holds no documents")
	case errors.Is(err, orchestrator.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "query deadline exceeded")
	case errors.Is(err, orchestrator.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "query capacity exhausted, retry later")
	case errors.Is(err, retrieval.ErrEmbedding), errors.Is(err, synthesizer.ErrGeneration):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ListTransactions returns transactions matching the filter query params.
func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	txs, total, err := h.txRepo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("listing transactions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]*transactionView, len(txs))
	for i, tx := range txs {
		views[i] = toView(tx)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": views,
		"total":        total,
	})
}

// GetTransaction returns one transaction with its latest evaluation and
// feedback attached when present.
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	tx, err := h.txRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.logger.Error("fetching transaction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	view := toView(tx)
	if score, err := h.evalRepo.LatestByTransaction(r.Context(), id); err == nil {
		view.Evaluation = &evaluationView{
			Faithfulness: score.Faithfulness,
			Relevance:    score.Relevance,
			Completeness: score.Completeness,
			Composite:    score.Composite,
			JudgeModel:   score.JudgeModel,
			EvaluatedAt:  score.EvaluatedAt,
		}
	}
	if fb, err := h.aggregator.FeedbackFor(r.Context(), id); err == nil {
		view.Feedback = &feedbackView{
			Rating:    fb.Rating,
			Comment:   fb.Comment,
			CreatedAt: fb.CreatedAt,
		}
	}

	writeJSON(w, http.StatusOK, view)
}

// DeleteTransaction removes a transaction and its dependents.
func (h *Handlers) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.txRepo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.logger.Error("deleting transaction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SubmitFeedback records a rating for a transaction.
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.aggregator.Submit(r.Context(), feedback.Submission{
		TransactionID: id,
		Rating:        req.Rating,
		Comment:       req.Comment,
	})
	if err != nil {
		if errors.Is(err, feedback.ErrUnknownTransaction) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.logger.Error("recording feedback failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EvaluateTransaction runs the judge on one transaction on demand.
func (h *Handlers) EvaluateTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	tx, err := h.txRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.logger.Error("fetching transaction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	score, err := h.evalEngine.Evaluate(r.Context(), tx)
	if err != nil {
		if tx.Status != repository.StatusComplete {
			writeError(w, http.StatusConflict, "only complete transactions can be evaluated")
			return
		}
		h.logger.Error("evaluation failed", "transaction_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "evaluation failed")
		return
	}

	writeJSON(w, http.StatusOK, &evaluationView{
		Faithfulness: score.Faithfulness,
		Relevance:    score.Relevance,
		Completeness: score.Completeness,
		Composite:    score.Composite,
		JudgeModel:   score.JudgeModel,
		EvaluatedAt:  score.EvaluatedAt,
	})
}

// DifficultSamples returns transactions flagged for reviewer attention.
func (h *Handlers) DifficultSamples(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	txs, err := h.aggregator.DifficultSamples(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing difficult samples failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]*transactionView, len(txs))
	for i, tx := range txs {
		views[i] = toView(tx)
	}

	writeJSON(w, http.StatusOK, map[string]any{"transactions": views})
}

// IssueToken exchanges the admin API key for a reviewer JWT.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.adminAPIKey == "" {
		writeError(w, http.StatusForbidden, "admin API key not configured")
		return
	}
	if req.AdminAPIKey != h.adminAPIKey {
		writeError(w, http.StatusForbidden, "invalid admin API key")
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	role := req.Role
	if role == "" {
		role = auth.RoleReviewer
	}

	token, err := h.jwtManager.GenerateToken(req.Subject, role)
	if err != nil {
		h.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// pathID parses the {id} path parameter as a UUID.
func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return uuid.Nil, false
	}
	return id, true
}

// parseTransactionFilter builds a repository filter from query params.
func parseTransactionFilter(r *http.Request) (repository.TransactionFilter, error) {
	var filter repository.TransactionFilter
	q := r.URL.Query()

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("invalid since timestamp, want RFC3339")
		}
		filter.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("invalid until timestamp, want RFC3339")
		}
		filter.Until = &t
	}
	if status := q.Get("status"); status != "" {
		if status != repository.StatusComplete && status != repository.StatusFailed {
			return filter, errors.New("invalid status")
		}
		filter.Status = status
	}
	if raw := q.Get("max_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return filter, errors.New("invalid max_confidence, want a value in [0,1]")
		}
		filter.MaxConfidence = &v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return filter, errors.New("invalid offset")
		}
		filter.Offset = v
	}

	return filter, nil
}

func toView(tx *repository.Transaction) *transactionView {
	return &transactionView{
		ID:           tx.ID,
		Question:     tx.Question,
		Strategy:     tx.Strategy,
		Status:       tx.Status,
		ErrorKind:    tx.ErrorKind,
		Passages:     tx.Passages,
		Answer:       tx.Answer,
		Citations:    tx.Citations,
		Hypothetical: tx.Hypothetical,
		Confidence:   tx.Confidence,
		LatencyMS:    tx.LatencyMS,
		RetrievalMS:  tx.RetrievalMS,
		GenerationMS: tx.GenerationMS,
		CreatedAt:    tx.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
