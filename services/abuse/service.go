package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Verdict is the result of an abuse check.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Service is the abuse-prevention collaborator: pre-flight verdicts plus
// start/end accounting for concurrent in-flight requests. Implementations
// must be safe under concurrent start/end calls for the same user.
type Service interface {
	CheckAPIAbuse(ctx context.Context, userID, model string, inputLength int) (Verdict, error)
	TrackRequestStart(ctx context.Context, userID string)
	TrackRequestEnd(ctx context.Context, userID string)
}

// Limits bounds per-user request behavior.
type Limits struct {
	// RequestsPerMinute caps requests inside a sliding one-minute window
	RequestsPerMinute int

	// MaxConcurrent caps simultaneously in-flight requests
	MaxConcurrent int

	// MaxInputPerMinute caps summed input characters inside the window
	MaxInputPerMinute int
}

// DefaultLimits mirror the hosted platform's per-user defaults.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: 30,
		MaxConcurrent:     5,
		MaxInputPerMinute: 500_000,
	}
}

type event struct {
	at    time.Time
	chars int
}

// Tracker is an in-memory sliding-window abuse tracker.
type Tracker struct {
	limits Limits
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	events   map[string][]event
	inFlight map[string]int
}

// NewTracker creates a tracker with the given limits.
func NewTracker(limits Limits, logger *zap.Logger) *Tracker {
	return &Tracker{
		limits:   limits,
		logger:   logger,
		now:      time.Now,
		events:   make(map[string][]event),
		inFlight: make(map[string]int),
	}
}

// CheckAPIAbuse consults the sliding window and in-flight count for the
// user. An allowed verdict also records the request in the window.
func (t *Tracker) CheckAPIAbuse(ctx context.Context, userID, model string, inputLength int) (Verdict, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	windowStart := now.Add(-time.Minute)
	recent := t.pruneLocked(userID, windowStart)

	if t.limits.MaxConcurrent > 0 && t.inFlight[userID] >= t.limits.MaxConcurrent {
		return Verdict{
			Allowed: false,
			Reason:  fmt.Sprintf("exceeded %d concurrent requests", t.limits.MaxConcurrent),
		}, nil
	}

	if t.limits.RequestsPerMinute > 0 && len(recent) >= t.limits.RequestsPerMinute {
		return Verdict{
			Allowed: false,
			Reason:  fmt.Sprintf("exceeded %d requests per minute", t.limits.RequestsPerMinute),
		}, nil
	}

	if t.limits.MaxInputPerMinute > 0 {
		total := inputLength
		for _, ev := range recent {
			total += ev.chars
		}
		if total > t.limits.MaxInputPerMinute {
			return Verdict{
				Allowed: false,
				Reason:  fmt.Sprintf("exceeded %d input characters per minute", t.limits.MaxInputPerMinute),
			}, nil
		}
	}

	t.events[userID] = append(recent, event{at: now, chars: inputLength})
	return Verdict{Allowed: true}, nil
}

// TrackRequestStart increments the user's in-flight count.
func (t *Tracker) TrackRequestStart(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[userID]++
}

// TrackRequestEnd decrements the user's in-flight count. Unbalanced calls
// are clamped at zero.
func (t *Tracker) TrackRequestEnd(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[userID] > 0 {
		t.inFlight[userID]--
	}
	if t.inFlight[userID] == 0 {
		delete(t.inFlight, userID)
	}
}

// InFlight returns the user's current in-flight count.
func (t *Tracker) InFlight(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight[userID]
}

// pruneLocked drops window events older than windowStart. Caller holds the
// lock.
func (t *Tracker) pruneLocked(userID string, windowStart time.Time) []event {
	events := t.events[userID]
	kept := events[:0]
	for _, ev := range events {
		if ev.at.After(windowStart) {
			kept = append(kept, ev)
		}
	}
	t.events[userID] = kept
	return kept
}

// StartCleanupWorker periodically drops idle users' expired windows until
// the context is cancelled.
func (t *Tracker) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("started abuse tracker cleanup worker", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-ctx.Done():
			t.logger.Info("stopping abuse tracker cleanup worker")
			return
		}
	}
}

func (t *Tracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	windowStart := t.now().Add(-time.Minute)
	removed := 0
	for userID := range t.events {
		kept := t.pruneLocked(userID, windowStart)
		if len(kept) == 0 {
			delete(t.events, userID)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("cleaned up idle abuse windows", zap.Int("users_removed", removed))
	}
}
