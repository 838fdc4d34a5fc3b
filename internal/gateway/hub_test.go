package gateway

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestHub_BroadcastOnlyToSubscribers(t *testing.T) {
	hub := NewHub()
	a := hub.register("alice", nil)
	b := hub.register("bob", nil)

	hub.subscribe(a, "s1")
	hub.subscribe(b, "s2")

	if n := hub.Broadcast("s1", newFrame(TypeStatus, "s1")); n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
	if len(a.send) != 1 {
		t.Errorf("Expected alice to receive the frame, got %d", len(a.send))
	}
	if len(b.send) != 0 {
		t.Errorf("Expected bob to receive nothing, got %d", len(b.send))
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()
	tab1 := hub.register("alice", nil)
	tab2 := hub.register("alice", nil)
	hub.subscribe(tab1, "s1")
	hub.subscribe(tab2, "s1")

	if n := hub.Broadcast("s1", newFrame(TypeStatus, "s1")); n != 2 {
		t.Errorf("Expected 2 deliveries, got %d", n)
	}
	if hub.Subscribers("s1") != 2 {
		t.Errorf("Expected 2 subscribers, got %d", hub.Subscribers("s1"))
	}
}

func TestHub_UnsubscribeAndUnregister(t *testing.T) {
	hub := NewHub()
	c := hub.register("alice", nil)
	hub.subscribe(c, "s1")
	hub.subscribe(c, "s2")

	hub.unsubscribe(c, "s1")
	if hub.Subscribers("s1") != 0 {
		t.Errorf("Expected no subscribers for s1, got %d", hub.Subscribers("s1"))
	}

	hub.unregister(c)
	if hub.Count() != 0 || hub.Subscribers("s2") != 0 {
		t.Errorf("Expected empty hub, got %d conns and %d subscribers", hub.Count(), hub.Subscribers("s2"))
	}

	// Subscribing an unregistered connection is ignored.
	hub.subscribe(c, "s3")
	if hub.Subscribers("s3") != 0 {
		t.Error("Expected subscribe after unregister to be ignored")
	}
}

func TestHub_SlowConsumerIsClosed(t *testing.T) {
	hub := NewHub()
	c := hub.register("alice", nil)
	hub.subscribe(c, "s1")

	for i := 0; i < sendQueueSize; i++ {
		hub.Broadcast("s1", newFrame(TypeStatus, "s1"))
	}
	if n := hub.Broadcast("s1", newFrame(TypeStatus, "s1")); n != 0 {
		t.Errorf("Expected overflow to be refused, got %d", n)
	}

	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("Expected slow connection to be closed")
	}
}

func TestSweepStale(t *testing.T) {
	hub := NewHub()
	fresh := hub.register("alice", nil)
	old := hub.register("bob", nil)
	old.lastPing.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	hub.subscribe(old, "s1")

	if n := sweepStale(hub, 90*time.Second); n != 1 {
		t.Errorf("Expected 1 stale connection, got %d", n)
	}
	if hub.Count() != 1 {
		t.Errorf("Expected 1 remaining connection, got %d", hub.Count())
	}
	if hub.Subscribers("s1") != 0 {
		t.Error("Expected stale subscriptions to be dropped")
	}

	fresh.touch()
	if n := sweepStale(hub, 90*time.Second); n != 0 {
		t.Errorf("Expected no stale connections, got %d", n)
	}
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			c := hub.register("user", nil)
			hub.subscribe(c, "s-"+strconv.Itoa(i%10))
			hub.unregister(c)
		}
	}()

	for i := 0; i < 1000; i++ {
		hub.Broadcast("s-"+strconv.Itoa(i%10), newFrame(TypeStatus, ""))
	}
	<-done
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("Expected first two requests to pass")
	}
	if rl.Allow("alice") {
		t.Error("Expected third request to be limited")
	}
	if !rl.Allow("bob") {
		t.Error("Expected other users to be unaffected")
	}
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	rl := NewRateLimiter(1, 50*time.Millisecond)
	defer rl.Stop()

	if !rl.Allow("alice") {
		t.Fatal("Expected first request to pass")
	}
	if rl.Allow("alice") {
		t.Error("Expected second request to be limited")
	}
	time.Sleep(80 * time.Millisecond)
	if !rl.Allow("alice") {
		t.Error("Expected request after window to pass")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	defer rl.Stop()
	for i := 0; i < 100; i++ {
		if !rl.Allow("alice") {
			t.Fatal("Expected disabled limiter to allow everything")
		}
	}
}

func TestConnectionErrorUnwraps(t *testing.T) {
	c := newConn(7, "alice", nil)
	err := c.wrapErr("write", context.DeadlineExceeded)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected wrapped deadline error, got %v", err)
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected *ConnectionError, got %T", err)
	}
	if connErr.ConnID != 7 || connErr.UserID != "alice" || connErr.Op != "write" {
		t.Errorf("Unexpected fields: %+v", connErr)
	}
}
