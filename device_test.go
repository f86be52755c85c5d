package updateagent

import (
	"errors"
	"sync"
	"testing"
)

func TestDeviceStartsIdle(t *testing.T) {
	device := NewDevice("alphasense", "1")
	if got := device.State(); got != StateIdle {
		t.Fatalf("initial state = %s, want %s", got, StateIdle)
	}
	if got := device.CurrentVersion(); got != "1" {
		t.Fatalf("initial version = %s, want 1", got)
	}
	if got := device.LastResult(); got != UpdateStatusNone {
		t.Fatalf("initial last result = %s, want %s", got, UpdateStatusNone)
	}
	if got := device.Type(); got != "alphasense" {
		t.Fatalf("device type = %s, want alphasense", got)
	}
}

func TestDeviceTransitionChain(t *testing.T) {
	device := NewDevice("alphasense", "1")
	steps := []struct{ from, to DeviceState }{
		{StateIdle, StateDownloading},
		{StateDownloading, StateInstalling},
		{StateInstalling, StateIdle},
		{StateIdle, StatePositioning},
		{StatePositioning, StateIdle},
	}
	for _, step := range steps {
		if err := device.Transition(step.from, step.to); err != nil {
			t.Fatalf("Transition(%s, %s) error: %v", step.from, step.to, err)
		}
		if got := device.State(); got != step.to {
			t.Fatalf("state after transition = %s, want %s", got, step.to)
		}
	}
}

func TestDeviceTransitionRejectsStaleExpectation(t *testing.T) {
	device := NewDevice("alphasense", "1")
	err := device.Transition(StateDownloading, StateInstalling)
	if err == nil {
		t.Fatal("Transition with stale expectation succeeded")
	}
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("error type = %T, want *InvalidTransitionError", err)
	}
	if invalid.Current != StateIdle {
		t.Fatalf("Current = %s, want %s", invalid.Current, StateIdle)
	}
	if got := device.State(); got != StateIdle {
		t.Fatalf("state changed to %s on failed transition", got)
	}
}

func TestDeviceTransitionRejectsIllegalEdge(t *testing.T) {
	device := NewDevice("alphasense", "1")
	if err := device.Transition(StateIdle, StateInstalling); err == nil {
		t.Fatal("installing is not reachable from idle, transition succeeded")
	}
}

func TestDeviceTransitionIsCompareAndSet(t *testing.T) {
	device := NewDevice("alphasense", "1")
	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- device.Transition(StateIdle, StateDownloading)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("%d concurrent transitions won the compare-and-set, want exactly 1", wins)
	}
	if got := device.State(); got != StateDownloading {
		t.Fatalf("state = %s, want %s", got, StateDownloading)
	}
}

func TestDeviceObserverSeesTransitions(t *testing.T) {
	device := NewDevice("alphasense", "1")
	var mu sync.Mutex
	var seen [][2]DeviceState
	device.OnTransition(func(from, to DeviceState) {
		mu.Lock()
		seen = append(seen, [2]DeviceState{from, to})
		mu.Unlock()
	})

	if err := device.Transition(StateIdle, StateDownloading); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	// Failed CAS must not notify.
	_ = device.Transition(StateIdle, StateDownloading)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("observer called %d times, want 1", len(seen))
	}
	if seen[0] != [2]DeviceState{StateIdle, StateDownloading} {
		t.Fatalf("observer saw %v", seen[0])
	}
}

func TestDeviceSetVersion(t *testing.T) {
	device := NewDevice("alphasense", "1")
	device.SetVersion("2")
	if got := device.CurrentVersion(); got != "2" {
		t.Fatalf("version = %s, want 2", got)
	}
}
