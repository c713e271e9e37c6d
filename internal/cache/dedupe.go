package cache

import (
	"errors"
	"time"
)

var (
	ErrClaimed    = errors.New("cache: key already claimed")
	ErrLedgerFull = errors.New("cache: claim ledger full")
)

// Ledger remembers keys that have been claimed so a second claim within the
// retention window is refused. Upload tokens use it to enforce single use.
type Ledger struct {
	seen *TTL[string, struct{}]
}

// LedgerOptions configures a Ledger.
type LedgerOptions struct {
	// Retention is how long a claimed key is remembered.
	Retention time.Duration
	// MaxSize bounds memory; once reached, new claims are refused until
	// older ones expire.
	MaxSize int
	Now     func() time.Time
}

// NewLedger creates a claim ledger.
func NewLedger(opts LedgerOptions) *Ledger {
	return &Ledger{
		seen: NewTTL(Options[string, struct{}]{
			TTL:     opts.Retention,
			MaxSize: opts.MaxSize,
			Now:     opts.Now,
		}),
	}
}

// Claim records key. It fails with ErrClaimed when key is already held and
// with ErrLedgerFull when MaxSize unexpired claims are held. A full ledger
// never forgets a live claim to make room.
func (l *Ledger) Claim(key string) error {
	if key == "" {
		return ErrClaimed
	}
	stored, full := l.seen.TryAdd(key, struct{}{})
	switch {
	case stored:
		return nil
	case full:
		return ErrLedgerFull
	default:
		return ErrClaimed
	}
}

// Release drops a claim so the key can be claimed again.
func (l *Ledger) Release(key string) {
	if key != "" {
		l.seen.Delete(key)
	}
}

// Claimed reports whether key is currently held.
func (l *Ledger) Claimed(key string) bool {
	if key == "" {
		return false
	}
	_, ok := l.seen.Peek(key)
	return ok
}

// Prune forgets expired claims.
func (l *Ledger) Prune() int {
	return l.seen.Sweep()
}

// Size returns the number of remembered claims.
func (l *Ledger) Size() int {
	return l.seen.Len()
}
