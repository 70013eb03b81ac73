package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrMonthlyLimitExceeded gates before any provider cost: the
	// user's derived spend already reached the monthly cap.
	ErrMonthlyLimitExceeded = errors.New("monthly AI allowance exceeded")

	// ErrCostExceeded gates before any provider cost: the prospective
	// call alone would overrun the remaining budget.
	ErrCostExceeded = errors.New("estimated cost exceeds remaining monthly budget")

	// ErrQuotaExceeded means the provider reported exhausted billing
	// credits. Not a rate issue; the breaker stays closed.
	ErrQuotaExceeded = errors.New("provider quota exceeded, add credits to the account")

	// ErrRateLimited means the provider reported a throughput limit.
	// The breaker has been tripped; retry in a moment.
	ErrRateLimited = errors.New("provider rate limit hit, try again in a moment")
)

// ProviderError wraps any other provider-side failure. The provider's
// message is kept for logs; raw payloads are never shown to end users.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %s", e.Message)
}
