package transport

import (
	"testing"
	"time"
)

func TestPeerCreditsAcquireRelease(t *testing.T) {
	c := NewPeerCredits(2, 1)
	if !c.TryAcquire() || !c.TryAcquire() {
		t.Fatal("expected two credits to be acquirable")
	}
	if c.TryAcquire() {
		t.Fatal("expected the pool to be exhausted after max acquires")
	}
	c.Return(1)
	if !c.TryAcquire() {
		t.Fatal("expected a credit back after Return")
	}
}

func TestPeerCreditsReturnCapsAtMax(t *testing.T) {
	c := NewPeerCredits(2, 1)
	c.Return(10)
	if !c.TryAcquire() || !c.TryAcquire() {
		t.Fatal("expected exactly max credits available")
	}
	if c.TryAcquire() {
		t.Fatal("Return must not grow available past max")
	}
}

func TestPeerCreditsPendingReturnSlack(t *testing.T) {
	c := NewPeerCredits(4, 2)
	c.Earn()
	if n := c.PendingReturn(false); n != 0 {
		t.Fatalf("expected no flush below slack, got %d", n)
	}
	c.Earn()
	if n := c.PendingReturn(false); n != 2 {
		t.Fatalf("expected flush of 2 at slack, got %d", n)
	}
	if n := c.PendingReturn(false); n != 0 {
		t.Fatalf("expected owed to reset after flush, got %d", n)
	}
	c.Earn()
	if n := c.PendingReturn(true); n != 1 {
		t.Fatalf("forced flush should return partial owed count, got %d", n)
	}
}

func TestPeerCreditsAcquireBlocksUntilReturn(t *testing.T) {
	c := NewPeerCredits(1, 1)
	if !c.TryAcquire() {
		t.Fatal("setup: expected to acquire the only credit")
	}
	done := make(chan struct{})
	go func() {
		c.Acquire()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Acquire returned before a credit was available")
	case <-time.After(20 * time.Millisecond):
	}
	c.Return(1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire never woke up after Return")
	}
}

func TestPeerCreditsCloseUnblocksAcquire(t *testing.T) {
	c := NewPeerCredits(1, 1)
	c.TryAcquire()
	done := make(chan bool, 1)
	go func() { done <- c.Acquire() }()
	time.Sleep(10 * time.Millisecond)
	c.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Acquire on a closed, empty pool must return false")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a waiting Acquire")
	}
}
