package watchdog

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdog_FiresOncePerArm(t *testing.T) {
	var fired atomic.Int32
	w := New(20*time.Millisecond, func() { fired.Add(1) })

	w.Arm()
	time.Sleep(100 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Errorf("Expected 1 fire, got %d", got)
	}
	if w.Armed() {
		t.Error("Expected watchdog to be disarmed after firing")
	}
}

func TestWatchdog_RearmPostpones(t *testing.T) {
	var fired atomic.Int32
	w := New(60*time.Millisecond, func() { fired.Add(1) })

	w.Arm()
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		w.Arm()
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("Expected no fire while re-arming, got %d", got)
	}

	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("Expected 1 fire after re-arming stops, got %d", got)
	}
}

func TestWatchdog_Disarm(t *testing.T) {
	var fired atomic.Int32
	w := New(20*time.Millisecond, func() { fired.Add(1) })

	w.Arm()
	w.Disarm()
	time.Sleep(80 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Errorf("Expected no fire after disarm, got %d", got)
	}
	// Disarming twice is harmless.
	w.Disarm()
}

func TestWatchdog_ConcurrentArmDisarm(t *testing.T) {
	var fired atomic.Int32
	w := New(time.Millisecond, func() { fired.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%2 == 0 {
					w.Arm()
				} else {
					w.Disarm()
				}
			}
		}(i)
	}
	wg.Wait()
	w.Disarm()
	time.Sleep(5 * time.Millisecond) // let an in-flight callback finish

	before := fired.Load()
	time.Sleep(20 * time.Millisecond)
	if after := fired.Load(); after != before {
		t.Errorf("Expected no fire after final disarm, got %d new fires", after-before)
	}
}
