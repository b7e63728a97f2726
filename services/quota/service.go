package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the result of a pre-flight balance check.
type Decision struct {
	Allowed bool
	Reason  string
}

// DeductResult is the outcome of a post-call token deduction.
type DeductResult struct {
	Success bool
	Error   string
}

// UsageRecord carries the vendor-reported usage of one completed request.
type UsageRecord struct {
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	RequestID        string
	OccurredAt       time.Time
}

// Service is the quota/billing collaborator. The balance pre-check must run
// strictly before any network call so an unauthorized request never reaches
// a paid vendor API.
type Service interface {
	CanUserMakeRequest(ctx context.Context, userID string, estimatedTokens int) (Decision, error)
	EstimateTokensForRequest(charLength int) int
	DeductTokens(ctx context.Context, userID string, record UsageRecord) (DeductResult, error)
}

// Ledger is an in-memory token ledger standing in for the hosted billing
// backend.
type Ledger struct {
	logger         *zap.Logger
	defaultBalance int

	mu       sync.Mutex
	balances map[string]int
	spent    map[string][]UsageRecord
}

// NewLedger creates a ledger granting each unseen user defaultBalance
// tokens.
func NewLedger(defaultBalance int, logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:         logger,
		defaultBalance: defaultBalance,
		balances:       make(map[string]int),
		spent:          make(map[string][]UsageRecord),
	}
}

// SetBalance overrides a user's balance.
func (l *Ledger) SetBalance(userID string, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = tokens
}

// Balance returns a user's current balance.
func (l *Ledger) Balance(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(userID)
}

func (l *Ledger) balanceLocked(userID string) int {
	if balance, ok := l.balances[userID]; ok {
		return balance
	}
	l.balances[userID] = l.defaultBalance
	return l.defaultBalance
}

// CanUserMakeRequest checks the estimated cost against the user's balance.
func (l *Ledger) CanUserMakeRequest(ctx context.Context, userID string, estimatedTokens int) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(userID)
	if estimatedTokens > balance {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("estimated %d tokens exceeds balance of %d", estimatedTokens, balance),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// EstimateTokensForRequest converts input length to a token estimate,
// roughly four characters per token, rounded up.
func (l *Ledger) EstimateTokensForRequest(charLength int) int {
	if charLength <= 0 {
		return 0
	}
	return (charLength + 3) / 4
}

// DeductTokens charges vendor-reported usage against the balance. The
// balance floors at zero; going under is reported as success because the
// user already received the response.
func (l *Ledger) DeductTokens(ctx context.Context, userID string, record UsageRecord) (DeductResult, error) {
	if record.TotalTokens < 0 {
		return DeductResult{Success: false, Error: "negative token count"}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(userID)
	remaining := balance - record.TotalTokens
	if remaining < 0 {
		remaining = 0
	}
	l.balances[userID] = remaining
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now()
	}
	l.spent[userID] = append(l.spent[userID], record)

	l.logger.Debug("tokens deducted",
		zap.String("user_id", userID),
		zap.Int("tokens", record.TotalTokens),
		zap.Int("remaining", remaining))

	return DeductResult{Success: true}, nil
}

// Usage returns a copy of the user's recorded usage.
func (l *Ledger) Usage(userID string) []UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.spent[userID]
	out := make([]UsageRecord, len(records))
	copy(out, records)
	return out
}
