package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examgen/internal/exam"
	appI18n "github.com/pavelanni/examgen/internal/i18n"
	"github.com/pavelanni/examgen/internal/metrics"
	"github.com/pavelanni/examgen/internal/model"
	"github.com/pavelanni/examgen/internal/pubsub"
)

const defaultTemperature = 0.7

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	exams    *exam.Orchestrator
	broker   *pubsub.Broker
	metrics  *metrics.Metrics
	config   model.Config
	mediaDir string
}

// New creates a new Handler. mediaDir may be empty when media rendering is
// disabled.
func New(o *exam.Orchestrator, b *pubsub.Broker, m *metrics.Metrics, cfg model.Config, mediaDir string) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = pubsub.DefaultIdle
	}
	return &Handler{exams: o, broker: b, metrics: m, config: cfg, mediaDir: mediaDir}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", h.metrics.Handler())
	r.Get("/api/kinds/{subject}", h.handleKinds)

	r.Route("/api/exams", func(r chi.Router) {
		r.Post("/", h.handleCreateExam)
		r.Get("/{examID}", h.handleGetExam)
		r.Get("/{examID}/events", h.handleEvents)
		r.Get("/{examID}/ws", h.handleWebSocket)
		r.Delete("/{examID}/items/{itemID}", h.handleDeleteItem)
		r.Post("/{examID}/submit", h.handleSubmit)
		r.Get("/{examID}/results", h.handleResults)
	})

	if h.mediaDir != "" {
		fs := http.StripPrefix("/media/", http.FileServer(http.Dir(h.mediaDir)))
		r.Handle("/media/*", fs)
	}
}

type createExamRequest struct {
	Prompt        string   `json:"prompt"`
	Subject       string   `json:"subject"`
	QuestionCount int      `json:"question_count"`
	Temperature   *float64 `json:"temperature"`
	Style         string   `json:"style"`
	FileHashes    []string `json:"file_hashes"`
}

type createExamResponse struct {
	ExamID      string           `json:"exam_id"`
	Status      model.ExamStatus `json:"status"`
	TargetCount int              `json:"target_count"`
}

type deleteItemResponse struct {
	RemovedID int    `json:"removed_id"`
	Remaining int    `json:"remaining"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleKinds(w http.ResponseWriter, r *http.Request) {
	subject := strings.ToLower(chi.URLParam(r, "subject"))
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": subject,
		"kinds":   model.KindsForSubject(subject),
	})
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, appI18n.T(ctx, "InvalidRequestBody"))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(ctx, "PromptRequired"))
		return
	}
	if req.QuestionCount < 1 || req.QuestionCount > h.config.MaxItems {
		writeError(w, http.StatusBadRequest,
			appI18n.Td(ctx, "InvalidQuestionCount", map[string]any{"Max": h.config.MaxItems}))
		return
	}

	subject := strings.ToLower(strings.TrimSpace(req.Subject))
	if subject == "" {
		subject = h.config.DefaultSubject
	}
	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	e, err := h.exams.Create(ctx, exam.Request{
		Prompt:      req.Prompt,
		Subject:     subject,
		Count:       req.QuestionCount,
		Temperature: temperature,
		Style:       req.Style,
		Digests:     req.FileHashes,
	})
	if err != nil {
		if errors.Is(err, exam.ErrQueueFull) || errors.Is(err, exam.ErrExecutorClosed) {
			slog.Warn("exam rejected", "error", err)
			writeError(w, http.StatusServiceUnavailable, appI18n.T(ctx, "ServerBusy"))
			return
		}
		slog.Error("create exam", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, createExamResponse{
		ExamID:      e.ID,
		Status:      e.Status(),
		TargetCount: e.TargetCount,
	})
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookupExam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Snapshot())
}

func (h *Handler) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	itemID, err := strconv.Atoi(chi.URLParam(r, "itemID"))
	if err != nil || itemID < 1 {
		writeError(w, http.StatusBadRequest, appI18n.T(ctx, "InvalidItemID"))
		return
	}

	removed, remaining, err := h.exams.Delete(ctx, chi.URLParam(r, "examID"), itemID)
	switch {
	case errors.Is(err, exam.ErrExamNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "ExamNotFound"))
		return
	case errors.Is(err, exam.ErrItemNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "ItemNotFound"))
		return
	case err != nil:
		slog.Error("delete item", "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, deleteItemResponse{
		RemovedID: removed.ID,
		Remaining: remaining,
		Message:   appI18n.Tp(ctx, "ItemsRemaining", remaining),
	})
}

// handleSubmit grades a student's answers against the exam's current items.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookupExam(w, r)
	if !ok {
		return
	}
	var sub model.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "InvalidRequestBody"))
		return
	}
	sub.StudentName = strings.TrimSpace(sub.StudentName)
	if sub.StudentName == "" {
		sub.StudentName = appI18n.T(r.Context(), "AnonymousStudent")
	}

	res := e.Submit(sub)
	slog.Info("exam submitted", "exam_id", e.ID, "score", res.Score, "total", res.Total)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookupExam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Results())
}

// handleEvents streams exam events as server-sent events until the client
// disconnects.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookupExam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, release := h.subscribe(e.ID)
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		ev, ok := sub.Next(ctx, h.config.Heartbeat)
		if !ok {
			slog.Debug("event stream closed", "exam_id", e.ID)
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("marshal event", "exam_id", e.ID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) subscribe(examID string) (*pubsub.Subscription, func()) {
	sub := h.broker.Subscribe(examID)
	h.metrics.SubscribersChanged(1)
	return sub, func() {
		h.broker.Unsubscribe(sub)
		h.metrics.SubscribersChanged(-1)
	}
}

// lookupExam resolves the examID URL parameter, writing a 404 when the exam
// is unknown.
func (h *Handler) lookupExam(w http.ResponseWriter, r *http.Request) (*exam.Exam, bool) {
	e, err := h.exams.Get(chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ExamNotFound"))
		return nil, false
	}
	return e, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
