package debounce

import (
	"sync"
	"testing"
	"time"
)

func TestDebouncer_CoalescesToLatest(t *testing.T) {
	var mu sync.Mutex
	var fired []int

	d := New(30*time.Millisecond, func(v int) {
		mu.Lock()
		fired = append(fired, v)
		mu.Unlock()
	})

	d.Stage(1)
	time.Sleep(5 * time.Millisecond)
	d.Stage(2)
	time.Sleep(5 * time.Millisecond)
	d.Stage(3)

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("expected exactly one fire, got %v", fired)
	}
	if fired[0] != 3 {
		t.Fatalf("expected the latest staged value (3), got %d", fired[0])
	}
}

func TestDebouncer_SeparateWindowsFireSeparately(t *testing.T) {
	var mu sync.Mutex
	var fired []int

	d := New(20*time.Millisecond, func(v int) {
		mu.Lock()
		fired = append(fired, v)
		mu.Unlock()
	})

	d.Stage(1)
	time.Sleep(40 * time.Millisecond)
	d.Stage(2)
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 2 {
		t.Fatalf("expected two separate fires, got %v", fired)
	}
}
