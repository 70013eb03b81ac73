// Package gateway is the single entry point for AI chat calls: it owns
// spending gates, queue submission, usage recording and error
// translation. Callers never talk to the provider or the queue
// directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/unilingo/ai-gateway/internal/cost"
	"github.com/unilingo/ai-gateway/internal/provider"
	"github.com/unilingo/ai-gateway/internal/queue"
)

// requestTokenBuffer covers model formatting overhead on top of the
// character-based estimate.
const requestTokenBuffer = 100

// Ledger is the slice of the usage ledger the gateway needs.
type Ledger interface {
	HasExceededLimit(ctx context.Context, userID string) (bool, error)
	ResetIfDue(ctx context.Context, userID string) error
	RecordUsage(ctx context.Context, userID string, inputTokens, outputTokens int64) error
}

// Scheduler is the outbound request queue surface.
type Scheduler interface {
	Execute(ctx context.Context, task queue.Task, priority, estimatedTokens int) (*provider.Response, error)
	UpdateTokenUsage(sample queue.UsageSample)
	TripBreaker()
}

type Completion struct {
	Content string         `json:"content"`
	Usage   provider.Usage `json:"usage"`
}

type Gateway struct {
	provider provider.Provider
	queue    Scheduler
	ledger   Ledger
}

func New(p provider.Provider, q Scheduler, l Ledger) *Gateway {
	return &Gateway{
		provider: p,
		queue:    q,
		ledger:   l,
	}
}

// CreateChatCompletion runs one chat call end to end: spending gate,
// queue submission, usage recording, error translation. The userID is
// an explicit parameter; the gateway performs no ambient auth lookups.
func (g *Gateway) CreateChatCompletion(ctx context.Context, userID string, req *provider.Request) (*Completion, error) {
	estimatedTokens := estimateRequestTokens(req)

	if userID != "" {
		exceeded, err := g.ledger.HasExceededLimit(ctx, userID)
		if err != nil {
			// Gating reads fail closed.
			return nil, fmt.Errorf("%w: %v", ErrCostExceeded, err)
		}
		if exceeded {
			return nil, ErrMonthlyLimitExceeded
		}
		if err := g.ledger.ResetIfDue(ctx, userID); err != nil {
			log.Printf("gateway: reset check failed for user %s: %v", userID, err)
		}
	}

	resp, err := g.queue.Execute(ctx, func(ctx context.Context) (*provider.Response, error) {
		return g.provider.Complete(ctx, req)
	}, req.Priority, estimatedTokens)
	if err != nil {
		return nil, g.translateError(err)
	}

	// Record actual usage, never the estimate. A tracking failure must
	// not fail a response already produced.
	if userID != "" {
		if err := g.ledger.RecordUsage(ctx, userID,
			int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)); err != nil {
			log.Printf("gateway: failed to record usage for user %s: %v", userID, err)
		}
	}
	g.queue.UpdateTokenUsage(queue.UsageSample{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	})

	return &Completion{Content: resp.Content, Usage: resp.Usage}, nil
}

// GenerateLessonContent wraps the completion call for structured lesson
// generation. Lesson requests jump the queue ahead of background work.
func (g *Gateway) GenerateLessonContent(ctx context.Context, userID, prompt, model string) (string, error) {
	resp, err := g.CreateChatCompletion(ctx, userID, &provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: "system", Content: "You are a helpful language learning assistant. Generate structured lesson content based on the user's request."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   2000,
		Priority:    1,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// AnalyzeDocumentContent summarizes extracted document text into key
// learning points.
func (g *Gateway) AnalyzeDocumentContent(ctx context.Context, userID, content, model string) (string, error) {
	resp, err := g.CreateChatCompletion(ctx, userID, &provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: "system", Content: "You are a helpful language learning assistant. Analyze the provided document and extract key learning points."},
			{Role: "user", Content: fmt.Sprintf("Please analyze this content and provide a structured summary:\n\n%s", content)},
		},
		Temperature: 0.5,
		MaxTokens:   1500,
		Priority:    2,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// translateError maps provider failures onto the gateway taxonomy. Both
// quota exhaustion and throughput limits arrive as HTTP 429; only the
// latter trips the breaker.
func (g *Gateway) translateError(err error) error {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		if apiErr.IsQuotaError() {
			log.Printf("gateway: provider quota exhausted (billing issue, breaker untouched): %s", apiErr.Message)
			return fmt.Errorf("%w: %s", ErrQuotaExceeded, apiErr.Message)
		}
		log.Printf("gateway: provider rate limit hit, tripping breaker: %s", apiErr.Message)
		g.queue.TripBreaker()
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	}
	if errors.Is(err, queue.ErrCleared) || errors.Is(err, queue.ErrClosed) {
		return err
	}
	return &ProviderError{Message: err.Error()}
}

// EstimateRequestTokens exposes the queue-admission weight used for a
// request.
func EstimateRequestTokens(req *provider.Request) int {
	return estimateRequestTokens(req)
}

func estimateRequestTokens(req *provider.Request) int {
	var total int64
	for _, m := range req.Messages {
		total += cost.EstimateTokens(m.Content)
	}
	return int(total) + requestTokenBuffer
}
