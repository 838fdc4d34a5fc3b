package supervisor

import (
	"sync"
	"testing"
	"time"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	for i := 0; i < 5; i++ {
		ev := newEvent(EventStatus, "s1")
		ev.Reason = string(rune('a' + i))
		bus.Publish(ev)
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		if want := string(rune('a' + i)); ev.Reason != want {
			t.Errorf("Expected event %s, got %s", want, ev.Reason)
		}
	}
}

func TestBus_CancelUnblocksPublisher(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(0)

	done := make(chan struct{})
	go func() {
		bus.Publish(newEvent(EventStatus, "s1"))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Publish to return after cancel")
	}
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	bus.Close()
	if _, ok := <-ch; ok {
		t.Error("Expected closed channel")
	}

	// Cancel after close must not panic.
	cancel()
	bus.Publish(newEvent(EventStatus, "s1"))

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Expected subscription after Close to be closed")
	}
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := bus.Subscribe(4)
			go func() {
				for range ch {
				}
			}()
			time.Sleep(time.Millisecond)
			cancel()
		}()
	}
	for i := 0; i < 100; i++ {
		bus.Publish(newEvent(EventMessage, "s1"))
	}

	wg.Wait()
	bus.Close()
}
