package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/unilingo/ai-gateway/internal/auth"
	"github.com/unilingo/ai-gateway/internal/cost"
	"github.com/unilingo/ai-gateway/internal/gateway"
	"github.com/unilingo/ai-gateway/internal/ledger"
	"github.com/unilingo/ai-gateway/internal/pdfextract"
	"github.com/unilingo/ai-gateway/internal/provider"
	"github.com/unilingo/ai-gateway/internal/queue"
	"github.com/unilingo/ai-gateway/pkg/ratelimit"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
)

// Mock AI Service
type mockService struct {
	completion *gateway.Completion
	content    string
	err        error
}

func (m *mockService) CreateChatCompletion(ctx context.Context, userID string, req *provider.Request) (*gateway.Completion, error) {
	return m.completion, m.err
}

func (m *mockService) GenerateLessonContent(ctx context.Context, userID, prompt, model string) (string, error) {
	return m.content, m.err
}

func (m *mockService) AnalyzeDocumentContent(ctx context.Context, userID, content, model string) (string, error) {
	return m.content, m.err
}

// Mock Usage Ledger
type mockUsageLedger struct {
	usage    ledger.Usage
	spend    float64
	exceeded bool
	err      error
}

func (m *mockUsageLedger) GetUsage(ctx context.Context, userID string) (ledger.Usage, error) {
	return m.usage, m.err
}

func (m *mockUsageLedger) SpendingDollars(ctx context.Context, userID string) (float64, error) {
	return m.spend, m.err
}

func (m *mockUsageLedger) SpendingPercentage(ctx context.Context, userID string) (float64, error) {
	return m.spend / 5.00 * 100, m.err
}

func (m *mockUsageLedger) HasExceededLimit(ctx context.Context, userID string) (bool, error) {
	return m.exceeded, m.err
}

func (m *mockUsageLedger) Cap() float64 { return 5.00 }

// Mock budget for the estimator
type mockBudget struct {
	remaining float64
	err       error
}

func (m *mockBudget) RemainingBudget(ctx context.Context, userID string) (float64, error) {
	return m.remaining, m.err
}

func (m *mockBudget) CostOf(in, out int64) float64 {
	return float64(in)/1_000_000*0.60 + float64(out)/1_000_000*2.40
}

// Mock Extractor
type mockExtractor struct {
	extraction *pdfextract.Extraction
	err        error
}

func (m *mockExtractor) Extract(ctx context.Context, filename string, pdf []byte) (*pdfextract.Extraction, error) {
	return m.extraction, m.err
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Mock queue status
type mockStatus struct{}

func (m *mockStatus) Status() queue.Status { return queue.Status{QueueSize: 0} }

type testDeps struct {
	svc       *mockService
	ledger    *mockUsageLedger
	budget    *mockBudget
	extractor *mockExtractor
}

func setupTest(limiterAllowed bool) (*Handler, *testDeps) {
	deps := &testDeps{
		svc:       &mockService{},
		ledger:    &mockUsageLedger{},
		budget:    &mockBudget{remaining: 5.00},
		extractor: &mockExtractor{},
	}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")
	h := NewHandler(deps.svc, cost.NewEstimator(deps.budget), deps.ledger,
		deps.extractor, limiter, &mockStatus{}, tracer)
	return h, deps
}

func authed(req *http.Request) *http.Request {
	return req.WithContext(auth.WithUserID(req.Context(), "test-user"))
}

func TestHandleChatCompletion_Unauthorized(t *testing.T) {
	h, _ := setupTest(true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleChatCompletion_InvalidBody(t *testing.T) {
	h, _ := setupTest(true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid json}`)))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleChatCompletion_RateLimited(t *testing.T) {
	h, _ := setupTest(false)
	body, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body)))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60s" {
		t.Errorf("Expected Retry-After header, got %s", w.Header().Get("Retry-After"))
	}
}

func TestHandleChatCompletion_BudgetBlocked(t *testing.T) {
	h, deps := setupTest(true)
	deps.budget.remaining = 0

	body, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": strings.Repeat("a", 4000)}},
	})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body)))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !strings.Contains(resp["error"], "monthly allowance") {
		t.Errorf("Expected allowance copy, got %v", resp["error"])
	}
}

func TestHandleChatCompletion_Success(t *testing.T) {
	h, deps := setupTest(true)
	deps.svc.completion = &gateway.Completion{
		Content: "Bonjour!",
		Usage:   provider.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "translate hello"}},
	})
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body)))
	w := httptest.NewRecorder()

	h.HandleChatCompletion(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["content"] != "Bonjour!" {
		t.Errorf("Expected content 'Bonjour!', got %v", resp["content"])
	}
	usage := resp["usage"].(map[string]interface{})
	if usage["total_tokens"].(float64) != 30 {
		t.Errorf("Expected 30 total tokens, got %v", usage["total_tokens"])
	}
}

func TestHandleChatCompletion_GatewayErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"monthly limit", gateway.ErrMonthlyLimitExceeded, http.StatusPaymentRequired},
		{"quota", gateway.ErrQuotaExceeded, http.StatusPaymentRequired},
		{"rate limited", gateway.ErrRateLimited, http.StatusTooManyRequests},
		{"provider error", &gateway.ProviderError{Message: "upstream broke"}, http.StatusBadGateway},
		{"unknown", errors.New("weird"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, deps := setupTest(true)
			deps.svc.err = tt.err

			body, _ := json.Marshal(map[string]interface{}{
				"messages": []map[string]string{{"role": "user", "content": "hi"}},
			})
			req := authed(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body)))
			w := httptest.NewRecorder()

			h.HandleChatCompletion(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.name == "provider error" && strings.Contains(w.Body.String(), "upstream broke") {
				t.Error("Raw provider message must not reach the client")
			}
		})
	}
}

func TestHandleEstimate_Success(t *testing.T) {
	h, _ := setupTest(true)
	body, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": strings.Repeat("a", 1000)}},
	})
	req := authed(httptest.NewRequest("POST", "/v1/chat/estimate", bytes.NewReader(body)))
	w := httptest.NewRecorder()

	h.HandleEstimate(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	est := resp["estimate"].(map[string]interface{})
	if est["input_tokens"].(float64) != 254 {
		t.Errorf("Expected 254 input tokens, got %v", est["input_tokens"])
	}
	if est["can_proceed"].(bool) != true {
		t.Errorf("Expected can_proceed true, got %v", est["can_proceed"])
	}
}

func TestHandleEstimate_FailsClosed(t *testing.T) {
	h, deps := setupTest(true)
	deps.budget.err = errors.New("store down")

	body, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := authed(httptest.NewRequest("POST", "/v1/chat/estimate", bytes.NewReader(body)))
	w := httptest.NewRecorder()

	h.HandleEstimate(w, req)

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	est := resp["estimate"].(map[string]interface{})
	if est["can_proceed"].(bool) != false {
		t.Error("Expected can_proceed false when budget unreadable")
	}
}

func TestHandleGenerateLesson_RequiresPrompt(t *testing.T) {
	h, _ := setupTest(true)
	req := authed(httptest.NewRequest("POST", "/v1/lessons/generate", strings.NewReader(`{}`)))
	w := httptest.NewRecorder()

	h.HandleGenerateLesson(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleGenerateLesson_Success(t *testing.T) {
	h, deps := setupTest(true)
	deps.svc.content = "Lesson 1: Greetings"

	body, _ := json.Marshal(map[string]string{"prompt": "beginner French greetings"})
	req := authed(httptest.NewRequest("POST", "/v1/lessons/generate", bytes.NewReader(body)))
	w := httptest.NewRecorder()

	h.HandleGenerateLesson(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["content"] != "Lesson 1: Greetings" {
		t.Errorf("Expected lesson content, got %v", resp["content"])
	}
}

func TestHandleAnalyzePDF_Success(t *testing.T) {
	h, deps := setupTest(true)
	deps.extractor.extraction = &pdfextract.Extraction{
		Text:      "Chapter 1: vocabulary",
		PageCount: 2,
		Filename:  "notes.pdf",
	}
	deps.svc.content = "Key points: vocabulary basics"

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("pdf", "notes.pdf")
	part.Write([]byte("%PDF-fake"))
	writer.Close()

	req := authed(httptest.NewRequest("POST", "/v1/pdf/analyze", &buf))
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()

	h.HandleAnalyzePDF(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["summary"] != "Key points: vocabulary basics" {
		t.Errorf("Expected summary, got %v", resp["summary"])
	}
	if resp["page_count"].(float64) != 2 {
		t.Errorf("Expected 2 pages, got %v", resp["page_count"])
	}
}

func TestHandleAnalyzePDF_MissingFile(t *testing.T) {
	h, _ := setupTest(true)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	writer.WriteField("other", "value")
	writer.Close()

	req := authed(httptest.NewRequest("POST", "/v1/pdf/analyze", &buf))
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()

	h.HandleAnalyzePDF(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleAnalyzePDF_ExtractorDown(t *testing.T) {
	h, deps := setupTest(true)
	deps.extractor.err = pdfextract.ErrUnavailable
	deps.extractor.extraction = nil

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("pdf", "notes.pdf")
	part.Write([]byte("%PDF-fake"))
	writer.Close()

	req := authed(httptest.NewRequest("POST", "/v1/pdf/analyze", &buf))
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()

	h.HandleAnalyzePDF(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, deps := setupTest(true)
	deps.ledger.usage = ledger.Usage{InputTokens: 2_000_000, OutputTokens: 500_000}
	deps.ledger.spend = 2.40

	req := authed(httptest.NewRequest("GET", "/v1/usage", nil))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["input_tokens"].(float64) != 2_000_000 {
		t.Errorf("Expected 2M input tokens, got %v", resp["input_tokens"])
	}
	if resp["spending_usd"].(float64) != 2.40 {
		t.Errorf("Expected spend 2.40, got %v", resp["spending_usd"])
	}
	if resp["spending_percentage"].(float64) != 48 {
		t.Errorf("Expected 48%%, got %v", resp["spending_percentage"])
	}
	if resp["limit_exceeded"].(bool) != false {
		t.Errorf("Expected limit_exceeded false, got %v", resp["limit_exceeded"])
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _ := setupTest(true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
