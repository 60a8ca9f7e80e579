package breaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := New(5, time.Minute).WithClock(func() time.Time { return now })
	for i := 0; i < 4; i++ {
		if b.Failure("agent-1") {
			t.Fatalf("breaker tripped early at failure %d", i+1)
		}
	}
	if ok, _ := b.Allow("agent-1"); !ok {
		t.Fatal("expected closed breaker below threshold")
	}
	if !b.Failure("agent-1") {
		t.Fatal("expected fifth failure to trip breaker")
	}
	ok, until := b.Allow("agent-1")
	if ok {
		t.Fatal("expected open breaker to reject")
	}
	if !until.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected reopen time %v", until)
	}
	if ok, _ := b.Allow("agent-2"); !ok {
		t.Fatal("other agents must not be affected")
	}
	if b.OpenCount() != 1 {
		t.Fatalf("expected one open breaker, got %d", b.OpenCount())
	}
}

func TestBreakerResetsAfterOpenPeriod(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := New(0, 0).WithClock(func() time.Time { return now })
	for i := 0; i < DefaultThreshold; i++ {
		b.Failure("a")
	}
	now = now.Add(59 * time.Second)
	if ok, _ := b.Allow("a"); ok {
		t.Fatal("expected breaker still open at 59s")
	}
	now = now.Add(time.Second)
	if ok, _ := b.Allow("a"); !ok {
		t.Fatal("expected breaker to close after 60s")
	}
	if st, n := b.State("a"); st != Closed || n != 0 {
		t.Fatalf("expected closed with zero failures, got %s/%d", st, n)
	}
	if b.Failure("a") {
		t.Fatal("single failure after reset must not trip")
	}
}

func TestBreakerSuccessClearsCounter(t *testing.T) {
	b := New(3, time.Minute)
	b.Failure("a")
	b.Failure("a")
	b.Success("a")
	if _, n := b.State("a"); n != 0 {
		t.Fatalf("expected counter cleared, got %d", n)
	}
	b.Failure("a")
	b.Failure("a")
	if ok, _ := b.Allow("a"); !ok {
		t.Fatal("expected closed breaker")
	}
}

func TestBreakerConcurrentFailures(t *testing.T) {
	b := New(50, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Failure("shared")
		}()
	}
	wg.Wait()
	if st, n := b.State("shared"); st != Open || n != 50 {
		t.Fatalf("expected open with 50 failures, got %s/%d", st, n)
	}
}
