package provider

import (
	"context"
	"fmt"
	"strings"
)

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	// Priority orders the request in the outbound queue; higher values
	// are dequeued first.
	Priority int `json:"priority,omitempty"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	ID        string
	Content   string
	Usage     Usage
	Model     string
	LatencyMs int64
}

// APIError carries the provider's HTTP status and message so callers
// can classify failures. A 429 can mean either a throughput rate limit
// or exhausted billing credits; the two demand different remediation.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error (status %d): %s", e.StatusCode, e.Message)
}

// IsQuotaError reports whether the error is a billing/credit failure
// rather than a rate limit. The provider signals both with HTTP 429 and
// distinguishes them only in the message text.
func (e *APIError) IsQuotaError() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "quota") ||
		strings.Contains(msg, "billing") ||
		strings.Contains(msg, "credit")
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}
