package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*Limiter, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLimiter(Config{MaxKeys: 100, Now: c.Now}), c
}

func TestLimiter_CooldownAllowsThenThrottles(t *testing.T) {
	l, c := newTestLimiter()

	if d := l.Check("u1", "c1", 10*time.Second); !d.Allowed {
		t.Fatal("first check should be allowed")
	}

	c.Advance(3 * time.Second)
	d := l.Check("u1", "c1", 10*time.Second)
	if d.Allowed {
		t.Fatal("second check within cooldown should be throttled")
	}
	if d.RetryAfter < 6900*time.Millisecond || d.RetryAfter > 7100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want ~7s", d.RetryAfter)
	}
	if got := RetryAfterSeconds(d.RetryAfter); got != 7 {
		t.Errorf("RetryAfterSeconds = %d, want 7", got)
	}
}

func TestLimiter_ThrottledCheckDoesNotExtendWindow(t *testing.T) {
	l, c := newTestLimiter()
	l.Check("u1", "c1", 10*time.Second)

	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
		if l.Check("u1", "c1", 10*time.Second).Allowed {
			t.Fatalf("check %d should be throttled", i)
		}
	}

	c.Advance(6 * time.Second) // 11s after the allowed submission
	if !l.Check("u1", "c1", 10*time.Second).Allowed {
		t.Fatal("throttled attempts must not push the window forward")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	l.Check("u1", "c1", time.Minute)

	if !l.Check("u2", "c1", time.Minute).Allowed {
		t.Error("other requester should not be throttled")
	}
	if !l.Check("u1", "c2", time.Minute).Allowed {
		t.Error("other channel should not be throttled")
	}
	if l.Check("u1", "c1", time.Minute).Allowed {
		t.Error("same key should be throttled")
	}
}

func TestLimiter_ZeroCooldownAlwaysAllows(t *testing.T) {
	l, _ := newTestLimiter()
	for i := 0; i < 3; i++ {
		if !l.Check("u1", "c1", 0).Allowed {
			t.Fatal("zero cooldown should always allow")
		}
	}
	if l.Len() != 0 {
		t.Errorf("zero cooldown should not track state, Len() = %d", l.Len())
	}
}

func TestLimiter_CooldownChange(t *testing.T) {
	l, c := newTestLimiter()
	l.Check("u1", "c1", 10*time.Second)
	c.Advance(6 * time.Second)

	if !l.Check("u1", "c1", 5*time.Second).Allowed {
		t.Fatal("shorter cooldown that has elapsed should allow")
	}

	c.Advance(6 * time.Second)
	d := l.Check("u1", "c1", 20*time.Second)
	if d.Allowed {
		t.Fatal("longer cooldown should throttle")
	}
	if d.RetryAfter < 13900*time.Millisecond || d.RetryAfter > 14100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want ~14s", d.RetryAfter)
	}
}

func TestDecision_Err(t *testing.T) {
	if (Decision{Allowed: true}).Err() != nil {
		t.Fatal("allowed decision should have no error")
	}
	err := Decision{RetryAfter: 2500 * time.Millisecond}.Err()
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	var te *ThrottledError
	if !errors.As(err, &te) || RetryAfterSeconds(te.RetryAfter) != 3 {
		t.Errorf("ThrottledError = %+v", te)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{100 * time.Millisecond, 1},
		{time.Second, 1},
		{1001 * time.Millisecond, 2},
		{9 * time.Second, 9},
	}
	for _, tt := range tests {
		if got := RetryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestLimiter_PruneDropsOnlyElapsedWindows(t *testing.T) {
	l, c := newTestLimiter()
	l.Check("old", "c1", 5*time.Second)
	c.Advance(10 * time.Second)
	l.Check("fresh", "c1", 5*time.Second)

	if n := l.Prune(); n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if l.Check("fresh", "c1", 5*time.Second).Allowed {
		t.Error("fresh window must survive prune")
	}
}

func TestLimiter_MaxKeysPrunes(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(Config{MaxKeys: 10, Now: c.Now})
	for i := 0; i < 10; i++ {
		l.Check(fmt.Sprintf("u%d", i), "c1", time.Second)
	}
	c.Advance(2 * time.Second)
	l.Check("new", "c1", time.Second)
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after prune", l.Len())
	}
}

func TestLimiter_GetStatus(t *testing.T) {
	l, c := newTestLimiter()
	if s := l.GetStatus("u1", "c1"); !s.AllowedNow {
		t.Error("unknown key should be allowed")
	}
	l.Check("u1", "c1", 10*time.Second)
	c.Advance(4 * time.Second)
	s := l.GetStatus("u1", "c1")
	if s.AllowedNow || s.RetryAfter != 6*time.Second {
		t.Errorf("status = %+v", s)
	}
	l.Reset("u1", "c1")
	if !l.Check("u1", "c1", 10*time.Second).Allowed {
		t.Error("Reset should clear the window")
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("u1", "c1", time.Hour).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 1 {
		t.Errorf("allowed = %d, want exactly 1", allowed)
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("u1", "c1"); got != "u1:c1" {
		t.Errorf("CompositeKey = %q", got)
	}
}
