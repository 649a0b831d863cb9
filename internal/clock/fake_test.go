package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("after 2s got %v", order)
	}
	c.Advance(time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("after 3s got %v", order)
	}
}

func TestAfterFuncNonPositiveRunsOnNextAdvance(t *testing.T) {
	c := Fake(epoch)
	var mu sync.Mutex
	fired := 0

	// Scheduling while holding a lock the callback needs must not deadlock.
	mu.Lock()
	c.AfterFunc(-time.Hour, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	mu.Unlock()
	if fired != 0 || c.PendingCount() != 1 {
		t.Fatalf("fired = %d, pending = %d", fired, c.PendingCount())
	}
	c.Advance(0)
	if fired != 1 || c.PendingCount() != 0 {
		t.Fatalf("after advance fired = %d, pending = %d", fired, c.PendingCount())
	}
}

func TestTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop should return false")
	}
}

func TestAfterDeliversOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}
	c.Advance(500 * time.Millisecond)
	select {
	case at := <-ch:
		if !at.Equal(epoch.Add(500 * time.Millisecond)) {
			t.Fatalf("fired at %v", at)
		}
	default:
		t.Fatal("did not fire")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d", c.PendingCount())
	}
}

func TestWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not wake")
	}
}
