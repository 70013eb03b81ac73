package cost

import (
	"context"
	"log"
	"math"

	"github.com/unilingo/ai-gateway/internal/ledger"
	"github.com/unilingo/ai-gateway/internal/provider"
)

// outputTokenMultiplier estimates completion length relative to the
// prompt; typical for this workload's generation-heavy calls.
const outputTokenMultiplier = 2.5

// perMessageOverhead covers role and formatting tokens per message.
const perMessageOverhead = 4

// ExceededMessage is the fixed user-facing copy shown when a call is
// blocked by the monthly allowance.
const ExceededMessage = "This AI usage exceeds your monthly allowance. " +
	"Please try with shorter content or wait until next month when your budget resets."

// Estimate is the pre-flight authorization result for a prospective
// call. CanProceed is false whenever the remaining budget could not be
// computed.
type Estimate struct {
	InputTokens           int64   `json:"input_tokens"`
	EstimatedOutputTokens int64   `json:"estimated_output_tokens"`
	EstimatedCostUSD      float64 `json:"estimated_cost_usd"`
	RemainingBudgetUSD    float64 `json:"remaining_budget_usd"`
	CanProceed            bool    `json:"can_proceed"`
}

// Budget is the slice of the ledger the estimator consults.
type Budget interface {
	RemainingBudget(ctx context.Context, userID string) (float64, error)
	CostOf(inputTokens, outputTokens int64) float64
}

// Estimator authorizes AI calls before any network cost is incurred.
// Providers bill for a completion whether or not the caller keeps it,
// so the gate sits in front of the call.
type Estimator struct {
	budget Budget
}

func NewEstimator(budget Budget) *Estimator {
	return &Estimator{budget: budget}
}

// EstimateTokens approximates the token count of a text at 4 characters
// per token. Deliberately rough; avoids a tokenizer dependency.
func EstimateTokens(text string) int64 {
	return int64(math.Ceil(float64(len(text)) / 4))
}

// EstimateConversationTokens sums the per-message estimates plus a
// fixed formatting overhead per message.
func EstimateConversationTokens(messages []provider.Message) int64 {
	var total int64
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	total += int64(len(messages)) * perMessageOverhead
	return total
}

// Estimate computes the prospective cost of a conversation and checks
// it against the user's remaining budget. Any failure to read the
// budget yields a zeroed estimate with CanProceed=false.
func (e *Estimator) Estimate(ctx context.Context, userID string, messages []provider.Message) Estimate {
	inputTokens := EstimateConversationTokens(messages)
	estimatedOutputTokens := int64(math.Ceil(float64(inputTokens) * outputTokenMultiplier))
	estimatedCost := e.budget.CostOf(inputTokens, estimatedOutputTokens)

	remaining, err := e.budget.RemainingBudget(ctx, userID)
	if err != nil {
		log.Printf("cost: failed to read remaining budget for user %s, blocking: %v", userID, err)
		return Estimate{}
	}

	return Estimate{
		InputTokens:           inputTokens,
		EstimatedOutputTokens: estimatedOutputTokens,
		EstimatedCostUSD:      estimatedCost,
		RemainingBudgetUSD:    remaining,
		CanProceed:            estimatedCost <= remaining,
	}
}

var _ Budget = (*ledger.Ledger)(nil)
