// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial failed")

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return errDial }); !errors.Is(err, errDial) {
			t.Fatalf("Call() error = %v, want errDial", err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("Expected open state after %d failures, got %v", 3, cb.State())
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Call() error = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("Expected open circuit to skip the call")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	cb.Call(func() error { return errDial })
	cb.Call(func() error { return errDial })
	cb.Call(func() error { return nil })
	cb.Call(func() error { return errDial })
	cb.Call(func() error { return errDial })

	if cb.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 2})

	cb.Call(func() error { return errDial })
	if cb.State() != StateOpen {
		t.Fatalf("Expected open state, got %v", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	// First probe transitions to half-open; two successes close it.
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Probe call failed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half-open state, got %v", cb.State())
	}
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Second probe call failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected closed state after recovery, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	cb.Call(func() error { return errDial })
	time.Sleep(20 * time.Millisecond)

	cb.Call(func() error { return errDial })
	if cb.State() != StateOpen {
		t.Errorf("Expected reopened circuit, got %v", cb.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateHalfOpen, "half_open"},
		{StateOpen, "open"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
