// Package usage enforces daily per-requester resource quotas.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Resource classes charged by the broker.
const (
	ResourceChat      = "chat"
	ResourceWebsocket = "websocket"
)

// Tiers.
const (
	TierStandard = "standard"
	TierPro      = "pro"
)

// DayLayout is the date format counters are keyed by.
const DayLayout = "2006-01-02"

var (
	// ErrQuotaExceeded is returned (wrapped in *QuotaError) once today's
	// counter has reached the tier limit.
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// ErrUnknownResource is returned for resource classes no tier limits.
	ErrUnknownResource = errors.New("unknown resource class")
)

// QuotaError describes a denied admission.
type QuotaError struct {
	Resource string
	Limit    int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily %s quota of %d reached", e.Resource, e.Limit)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// DefaultTiers returns the built-in tier limits.
func DefaultTiers() map[string]map[string]int {
	return map[string]map[string]int{
		TierStandard: {ResourceChat: 10, ResourceWebsocket: 5},
		TierPro:      {ResourceChat: 100, ResourceWebsocket: 50},
	}
}

// Counter is one requester's usage of one resource on one day.
type Counter struct {
	RequesterID string `json:"requester_id"`
	Resource    string `json:"resource"`
	Date        string `json:"date"`
	Count       int    `json:"count"`
}

// Store persists usage counters. Counters are keyed by date, so a new day
// starts from zero without an explicit reset.
type Store interface {
	// IncrementIfBelow increments the counter when it is below limit and
	// reports the resulting count and whether it was incremented. It must
	// be atomic with respect to concurrent callers.
	IncrementIfBelow(ctx context.Context, requesterID, resource, date string, limit int) (int, bool, error)

	// Decrement lowers the counter by one if it is positive. It reports
	// whether anything changed.
	Decrement(ctx context.Context, requesterID, resource, date string) (bool, error)

	// Counters returns every counter the requester has for date.
	Counters(ctx context.Context, requesterID, date string) ([]Counter, error)

	Close() error
}

// Pruner is implemented by stores that keep counters of past days until told
// to drop them.
type Pruner interface {
	PruneBefore(ctx context.Context, date string) (int64, error)
}

// Config configures a Quota.
type Config struct {
	// Timezone fixes the day boundary (defaults to Asia/Shanghai).
	Timezone string
	// Tiers maps tier to resource class to daily limit.
	Tiers map[string]map[string]int
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Quota resolves tier limits and applies them against a Store.
type Quota struct {
	store  Store
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	tiers map[string]map[string]int
}

// New creates a quota enforcer.
func New(store Store, cfg Config, logger *slog.Logger) (*Quota, error) {
	if store == nil {
		return nil, errors.New("usage store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Shanghai"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Quota{
		store:  store,
		loc:    loc,
		now:    now,
		tiers:  copyTiers(cfg.Tiers),
		logger: logger.With("component", "usage.quota"),
	}, nil
}

// SetTiers replaces the tier limits, e.g. after a config reload.
func (q *Quota) SetTiers(tiers map[string]map[string]int) {
	if len(tiers) == 0 {
		return
	}
	q.mu.Lock()
	q.tiers = copyTiers(tiers)
	q.mu.Unlock()
}

// Today returns the current day in the quota timezone.
func (q *Quota) Today() string {
	return q.now().In(q.loc).Format(DayLayout)
}

// Limit resolves the daily limit for resource under tier. Unknown tiers fall
// back to the standard tier.
func (q *Quota) Limit(tier, resource string) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	limits, ok := q.tiers[tier]
	if !ok {
		limits = q.tiers[TierStandard]
	}
	limit, ok := limits[resource]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	return limit, nil
}

// CheckAndIncrement admits one unit of resource for requesterID, or returns a
// *QuotaError when today's count has reached the limit.
func (q *Quota) CheckAndIncrement(ctx context.Context, requesterID, tier, resource string) error {
	limit, err := q.Limit(tier, resource)
	if err != nil {
		return err
	}
	count, ok, err := q.store.IncrementIfBelow(ctx, requesterID, resource, q.Today(), limit)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if !ok {
		q.logger.Info("quota denied", "user_id", requesterID, "resource", resource, "limit", limit)
		return &QuotaError{Resource: resource, Limit: limit}
	}
	q.logger.Debug("quota consumed", "user_id", requesterID, "resource", resource, "count", count, "limit", limit)
	return nil
}

// Decrement refunds one unit after a downstream failure. Only today's counter
// is touched, so a refund never crosses a day boundary.
func (q *Quota) Decrement(ctx context.Context, requesterID, resource string) error {
	changed, err := q.store.Decrement(ctx, requesterID, resource, q.Today())
	if err != nil {
		return fmt.Errorf("decrement usage: %w", err)
	}
	if changed {
		q.logger.Debug("quota refunded", "user_id", requesterID, "resource", resource)
	}
	return nil
}

// ResourceUsage is one line of a Snapshot.
type ResourceUsage struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// Snapshot is a requester's usage for today.
type Snapshot struct {
	Date      string                   `json:"date"`
	Tier      string                   `json:"tier"`
	Resources map[string]ResourceUsage `json:"resources"`
}

// Snapshot reports today's usage against every resource the tier limits.
func (q *Quota) Snapshot(ctx context.Context, requesterID, tier string) (Snapshot, error) {
	today := q.Today()
	counters, err := q.store.Counters(ctx, requesterID, today)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load usage: %w", err)
	}

	q.mu.RLock()
	limits, ok := q.tiers[tier]
	if !ok {
		limits = q.tiers[TierStandard]
	}
	snap := Snapshot{Date: today, Tier: tier, Resources: make(map[string]ResourceUsage, len(limits))}
	for resource, limit := range limits {
		snap.Resources[resource] = ResourceUsage{Limit: limit}
	}
	q.mu.RUnlock()

	for _, c := range counters {
		ru, ok := snap.Resources[c.Resource]
		if !ok {
			continue
		}
		ru.Used = c.Count
		snap.Resources[c.Resource] = ru
	}
	return snap, nil
}

// Prune deletes counters of days before today. Refunds never reach past
// days, so nothing reads them again. Stores that expire counters themselves
// are left alone.
func (q *Quota) Prune(ctx context.Context) (int, error) {
	p, ok := q.store.(Pruner)
	if !ok {
		return 0, nil
	}
	n, err := p.PruneBefore(ctx, q.Today())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return int(n), nil
}

func copyTiers(in map[string]map[string]int) map[string]map[string]int {
	out := make(map[string]map[string]int, len(in))
	for tier, limits := range in {
		m := make(map[string]int, len(limits))
		for r, l := range limits {
			m[r] = l
		}
		out[tier] = m
	}
	return out
}
