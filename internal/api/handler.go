package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/unilingo/ai-gateway/internal/auth"
	"github.com/unilingo/ai-gateway/internal/cost"
	"github.com/unilingo/ai-gateway/internal/gateway"
	"github.com/unilingo/ai-gateway/internal/ledger"
	"github.com/unilingo/ai-gateway/internal/pdfextract"
	"github.com/unilingo/ai-gateway/internal/provider"
	"github.com/unilingo/ai-gateway/internal/queue"
	"github.com/unilingo/ai-gateway/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultModel = "gpt-4o-mini"

// AIService is the gateway surface the handlers call.
type AIService interface {
	CreateChatCompletion(ctx context.Context, userID string, req *provider.Request) (*gateway.Completion, error)
	GenerateLessonContent(ctx context.Context, userID, prompt, model string) (string, error)
	AnalyzeDocumentContent(ctx context.Context, userID, content, model string) (string, error)
}

// UsageLedger is the ledger surface the usage endpoint reads.
type UsageLedger interface {
	GetUsage(ctx context.Context, userID string) (ledger.Usage, error)
	SpendingDollars(ctx context.Context, userID string) (float64, error)
	SpendingPercentage(ctx context.Context, userID string) (float64, error)
	HasExceededLimit(ctx context.Context, userID string) (bool, error)
	Cap() float64
}

// Extractor is the PDF extraction collaborator.
type Extractor interface {
	Extract(ctx context.Context, filename string, pdf []byte) (*pdfextract.Extraction, error)
}

// StatusReporter exposes queue diagnostics.
type StatusReporter interface {
	Status() queue.Status
}

type Handler struct {
	svc       AIService
	estimator *cost.Estimator
	ledger    UsageLedger
	extractor Extractor
	limiter   *ratelimit.Limiter
	queue     StatusReporter
	tracer    trace.Tracer
}

func NewHandler(svc AIService, estimator *cost.Estimator, usageLedger UsageLedger,
	extractor Extractor, limiter *ratelimit.Limiter, queueStatus StatusReporter,
	tracer trace.Tracer) *Handler {
	return &Handler{
		svc:       svc,
		estimator: estimator,
		ledger:    usageLedger,
		extractor: extractor,
		limiter:   limiter,
		queue:     queueStatus,
		tracer:    tracer,
	}
}

func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	_, span := h.tracer.Start(ctx, "api.chat_completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("model", req.Model),
	)

	if !h.allow(ctx, w, userID, gateway.EstimateRequestTokens(&req)) {
		return
	}

	// Pre-flight cost gate: the provider bills for a completion whether
	// or not anyone keeps it, so overruns are blocked before the call.
	estimate := h.estimator.Estimate(ctx, userID, req.Messages)
	if !estimate.CanProceed {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": cost.ExceededMessage})
		return
	}

	resp, err := h.svc.CreateChatCompletion(ctx, userID, &req)
	if err != nil {
		h.writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content": resp.Content,
		"usage": map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	})
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Messages []provider.Message `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	estimate := h.estimator.Estimate(ctx, userID, req.Messages)
	resp := map[string]interface{}{"estimate": estimate}
	if !estimate.CanProceed {
		resp["message"] = cost.ExceededMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleGenerateLesson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	_, span := h.tracer.Start(ctx, "api.generate_lesson")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if !h.allow(ctx, w, userID, int(cost.EstimateTokens(req.Prompt))+100) {
		return
	}

	content, err := h.svc.GenerateLessonContent(ctx, userID, req.Prompt, req.Model)
	if err != nil {
		h.writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (h *Handler) HandleAnalyzePDF(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(pdfextract.MaxPDFBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}
	file, header, err := r.FormFile("pdf")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'pdf' is required"})
		return
	}
	defer file.Close()

	pdf, err := io.ReadAll(io.LimitReader(file, pdfextract.MaxPDFBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload"})
		return
	}
	if len(pdf) > pdfextract.MaxPDFBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pdf exceeds 10MB upload limit"})
		return
	}

	_, span := h.tracer.Start(ctx, "api.analyze_pdf")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int("pdf_bytes", len(pdf)),
	)

	extraction, err := h.extractor.Extract(ctx, header.Filename, pdf)
	if err != nil {
		if errors.Is(err, pdfextract.ErrTooLarge) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "pdf extraction failed"})
		return
	}

	if !h.allow(ctx, w, userID, int(cost.EstimateTokens(extraction.Text))+100) {
		return
	}

	summary, err := h.svc.AnalyzeDocumentContent(ctx, userID, extraction.Text, defaultModel)
	if err != nil {
		h.writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":    summary,
		"page_count": extraction.PageCount,
		"filename":   extraction.Filename,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	usage, err := h.ledger.GetUsage(ctx, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read usage"})
		return
	}
	spend, err := h.ledger.SpendingDollars(ctx, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read usage"})
		return
	}
	pct, err := h.ledger.SpendingPercentage(ctx, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read usage"})
		return
	}
	exceeded, err := h.ledger.HasExceededLimit(ctx, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read usage"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":             userID,
		"input_tokens":        usage.InputTokens,
		"output_tokens":       usage.OutputTokens,
		"spending_usd":        spend,
		"spending_percentage": pct,
		"cap_usd":             h.ledger.Cap(),
		"limit_exceeded":      exceeded,
		"queue":               h.queue.Status(),
	})
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, userID string, estimatedTokens int) bool {
	allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return false
	}
	return true
}

// writeGatewayError maps the gateway taxonomy onto HTTP responses. Raw
// provider payloads never reach the client.
func (h *Handler) writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrMonthlyLimitExceeded), errors.Is(err, gateway.ErrCostExceeded):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": cost.ExceededMessage})
	case errors.Is(err, gateway.ErrQuotaExceeded):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error": "AI credits are exhausted for this service. Please try again later.",
		})
	case errors.Is(err, gateway.ErrRateLimited):
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "The AI service is busy. Please try again in a moment.",
		})
	default:
		var provErr *gateway.ProviderError
		if errors.As(err, &provErr) {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "AI provider error"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}
