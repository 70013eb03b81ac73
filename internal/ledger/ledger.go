package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrPersistence wraps any failure of the underlying usage store. A
// failed write after a completed chat response is logged and swallowed
// by callers; a failed read on the gating path fails closed.
var ErrPersistence = errors.New("usage store unavailable")

// Usage is a user's token consumption for the current billing period.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Record is the persisted row backing a user's usage counters.
type Record struct {
	UserID             string
	InputTokens        int64
	OutputTokens       int64
	AccountCreatedDate time.Time
}

// Store is the persistence surface the ledger needs. IncrementUsage
// must be atomic at the store (a single upsert, never an application
// read-modify-write) so concurrent calls for the same user cannot lose
// updates.
type Store interface {
	IncrementUsage(ctx context.Context, userID string, inputTokens, outputTokens int64) error
	GetRecord(ctx context.Context, userID string) (*Record, error)
	ResetUsage(ctx context.Context, userID string) error
}

// Rates holds the fixed billing configuration.
type Rates struct {
	InputCostPerMTok  float64 // USD per 1M input tokens
	OutputCostPerMTok float64 // USD per 1M output tokens
	SpendingCapUSD    float64 // monthly cap
}

// Ledger is the single source of truth for per-user monthly spend.
type Ledger struct {
	store Store
	rates Rates
	now   func() time.Time
}

func New(store Store, rates Rates) *Ledger {
	return &Ledger{
		store: store,
		rates: rates,
		now:   time.Now,
	}
}

// Cap returns the configured monthly spending cap in USD.
func (l *Ledger) Cap() float64 {
	return l.rates.SpendingCapUSD
}

// RecordUsage atomically adds actual post-call token counts to the
// user's counters.
func (l *Ledger) RecordUsage(ctx context.Context, userID string, inputTokens, outputTokens int64) error {
	if err := l.store.IncrementUsage(ctx, userID, inputTokens, outputTokens); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// GetUsage returns the current counters. A user with no row yet reads
// as zeros, never as an error.
func (l *Ledger) GetUsage(ctx context.Context, userID string) (Usage, error) {
	rec, err := l.store.GetRecord(ctx, userID)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if rec == nil {
		return Usage{}, nil
	}
	return Usage{InputTokens: rec.InputTokens, OutputTokens: rec.OutputTokens}, nil
}

// SpendingDollars derives the period spend from the token counters at
// the fixed per-million rates.
func (l *Ledger) SpendingDollars(ctx context.Context, userID string) (float64, error) {
	usage, err := l.GetUsage(ctx, userID)
	if err != nil {
		return 0, err
	}
	return l.CostOf(usage.InputTokens, usage.OutputTokens), nil
}

// CostOf converts a token pair to USD.
func (l *Ledger) CostOf(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * l.rates.InputCostPerMTok
	outputCost := float64(outputTokens) / 1_000_000 * l.rates.OutputCostPerMTok
	return inputCost + outputCost
}

// SpendingPercentage returns spend relative to the cap, as a percentage.
func (l *Ledger) SpendingPercentage(ctx context.Context, userID string) (float64, error) {
	spend, err := l.SpendingDollars(ctx, userID)
	if err != nil {
		return 0, err
	}
	return spend / l.rates.SpendingCapUSD * 100, nil
}

// HasExceededLimit reports whether the user's spend has reached the cap.
func (l *Ledger) HasExceededLimit(ctx context.Context, userID string) (bool, error) {
	pct, err := l.SpendingPercentage(ctx, userID)
	if err != nil {
		return false, err
	}
	return pct >= 100, nil
}

// RemainingBudget returns the unspent portion of the cap, floored at
// zero.
func (l *Ledger) RemainingBudget(ctx context.Context, userID string) (float64, error) {
	spend, err := l.SpendingDollars(ctx, userID)
	if err != nil {
		return 0, err
	}
	remaining := l.rates.SpendingCapUSD - spend
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetIfDue zeroes the counters when today is the user's monthly reset
// day: the day-of-month of account creation, or the final day of a
// month too short to contain it. The reset writes zeros, so invoking it
// repeatedly on the reset day is idempotent in effect.
func (l *Ledger) ResetIfDue(ctx context.Context, userID string) error {
	rec, err := l.store.GetRecord(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if rec == nil || rec.AccountCreatedDate.IsZero() {
		// New user, nothing to reset yet.
		return nil
	}

	if !resetDue(rec.AccountCreatedDate, l.now()) {
		return nil
	}

	if err := l.store.ResetUsage(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	log.Printf("ledger: monthly usage reset for user %s", userID)
	return nil
}

// resetDue reports whether today is the anniversary day. Anniversary
// days past the end of the current month (29-31) map to the month's
// final day.
func resetDue(accountCreated, today time.Time) bool {
	anniversary := accountCreated.Day()
	lastOfMonth := daysInMonth(today.Year(), today.Month())
	if anniversary > lastOfMonth {
		anniversary = lastOfMonth
	}
	return today.Day() == anniversary
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
