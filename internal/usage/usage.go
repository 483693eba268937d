// Package usage answers whether an identity may send another message today.
//
// Tracker is the server-side accountant backed by a daily counter. Gate is
// the client-side view: it caches the last figure per identity and is
// invalidated after every completed turn so the next check reflects the
// message that was just consumed.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQuotaExceeded is the expected outcome once the daily allowance is used.
// It is not a failure and callers should present it as a blocked state.
var ErrQuotaExceeded = errors.New("daily message limit reached")

const (
	TierAnonymous = "anonymous"
	TierFree      = "free"
	TierPaid      = "paid"
)

// DefaultLimits are messages per UTC day; zero means unlimited.
var DefaultLimits = map[string]int{
	TierAnonymous: 5,
	TierFree:      50,
	TierPaid:      0,
}

type Usage struct {
	Tier      string `json:"tier"`
	Used      int    `json:"used"`
	Limit     *int   `json:"limit"`
	Remaining *int   `json:"remaining"`
	CanSend   bool   `json:"can_send"`
}

// Source reports the current usage for an identity.
type Source interface {
	Usage(ctx context.Context, identity string) (Usage, error)
}

// Counter is the storage behind Tracker.
type Counter interface {
	ResolveTier(ctx context.Context, userID string) (string, error)
	DailyCount(ctx context.Context, userID, day string) (int, error)
	// IncrementDaily adds one to the day's count unless it already reached
	// limit, reporting whether the increment happened.
	IncrementDaily(ctx context.Context, userID, day string, limit int) (bool, error)
}

type Tracker struct {
	counter Counter
	limits  map[string]int
	now     func() time.Time
}

func NewTracker(counter Counter, limits map[string]int) *Tracker {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Tracker{counter: counter, limits: limits, now: time.Now}
}

func (t *Tracker) day() string {
	return t.now().UTC().Format("2006-01-02")
}

func (t *Tracker) limitFor(tier string) int {
	if l, ok := t.limits[tier]; ok {
		return l
	}
	return t.limits[TierAnonymous]
}

func (t *Tracker) Usage(ctx context.Context, identity string) (Usage, error) {
	tier, err := t.counter.ResolveTier(ctx, identity)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to resolve tier: %w", err)
	}
	limit := t.limitFor(tier)
	if limit <= 0 {
		return Usage{Tier: tier, CanSend: true}, nil
	}

	used, err := t.counter.DailyCount(ctx, identity, t.day())
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read daily usage: %w", err)
	}
	remaining := max(0, limit-used)
	return Usage{
		Tier:      tier,
		Used:      used,
		Limit:     &limit,
		Remaining: &remaining,
		CanSend:   used < limit,
	}, nil
}

// Consume records one message for identity, returning ErrQuotaExceeded when
// the allowance is already spent.
func (t *Tracker) Consume(ctx context.Context, identity string) error {
	tier, err := t.counter.ResolveTier(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to resolve tier: %w", err)
	}
	limit := t.limitFor(tier)
	if limit <= 0 {
		return nil
	}
	ok, err := t.counter.IncrementDaily(ctx, identity, t.day(), limit)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	if !ok {
		return ErrQuotaExceeded
	}
	return nil
}

// Gate caches usage figures per identity on the client.
type Gate struct {
	mu     sync.Mutex
	source Source
	cached map[string]Usage
	logger *zap.Logger
}

func NewGate(source Source, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{source: source, cached: make(map[string]Usage), logger: logger}
}

// CanSend reports whether identity may send another message. The figure is
// fetched on first use and reused until Invalidate is called.
func (g *Gate) CanSend(ctx context.Context, identity string) (bool, error) {
	u, err := g.Current(ctx, identity)
	if err != nil {
		return false, err
	}
	return u.CanSend, nil
}

func (g *Gate) Current(ctx context.Context, identity string) (Usage, error) {
	g.mu.Lock()
	u, ok := g.cached[identity]
	g.mu.Unlock()
	if ok {
		return u, nil
	}

	u, err := g.source.Usage(ctx, identity)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to fetch usage: %w", err)
	}
	g.mu.Lock()
	g.cached[identity] = u
	g.mu.Unlock()
	return u, nil
}

// Invalidate drops the cached figure for identity.
func (g *Gate) Invalidate(identity string) {
	g.mu.Lock()
	delete(g.cached, identity)
	g.mu.Unlock()
	g.logger.Debug("usage invalidated", zap.String("identity", identity))
}
