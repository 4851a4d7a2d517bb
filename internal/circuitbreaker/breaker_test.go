package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = clk.Now
	return b, clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	if !b.Allow("ledger") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	if !b.Allow("ledger") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("ledger")
	if b.Allow("ledger") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("ledger") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("ledger"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("ledger")

	clk.Advance(time.Second)
	if !b.Allow("ledger") {
		t.Fatal("should allow probe after open duration")
	}
	if b.Allow("ledger") {
		t.Fatal("only one probe allowed while half-open")
	}

	b.RecordSuccess("ledger")
	if b.State("ledger") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("ledger"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("ledger")
	clk.Advance(time.Second)
	b.Allow("ledger")
	b.RecordFailure("ledger")
	if b.State("ledger") != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State("ledger"))
	}
}

func TestBreaker_AbandonedProbeIsRetried(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("ledger")
	clk.Advance(time.Second)
	if !b.Allow("ledger") {
		t.Fatal("expected probe")
	}
	clk.Advance(time.Second)
	if !b.Allow("ledger") {
		t.Fatal("abandoned probe should be replaced")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	rejected := errors.New("rejected")
	transient := errors.New("timeout")
	countable := func(err error) bool { return err == transient }

	for i := 0; i < 5; i++ {
		if err := b.Execute("ledger", countable, func() error { return rejected }); err != rejected {
			t.Fatalf("expected rejected, got %v", err)
		}
	}
	if b.State("ledger") != StateClosed {
		t.Fatal("business rejections must not trip the breaker")
	}

	_ = b.Execute("ledger", countable, func() error { return transient })
	_ = b.Execute("ledger", countable, func() error { return transient })
	if err := b.Execute("ledger", countable, func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, from.String()+"->"+to.String())
	})
	b.RecordFailure("ledger")
	if len(got) != 1 || got[0] != "closed->open" {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("stripe")
	if !b.Allow("chain") {
		t.Fatal("failure on one key must not affect another")
	}
}
