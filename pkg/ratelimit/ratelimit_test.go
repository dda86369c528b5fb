// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTokenBucket_Allow(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("Expected datagram %d to be admitted", i)
		}
	}
	if tb.Allow() {
		t.Error("Expected empty bucket to reject")
	}
	if tb.Available() != 0 {
		t.Errorf("Expected 0 tokens, got %d", tb.Available())
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(10, 100)

	for i := 0; i < 10; i++ {
		tb.Allow()
	}
	if tb.Allow() {
		t.Fatal("Expected empty bucket to reject")
	}

	time.Sleep(50 * time.Millisecond)
	if !tb.Allow() {
		t.Error("Expected bucket to refill over time")
	}
}

func TestTokenBucket_CapacityCap(t *testing.T) {
	tb := NewTokenBucket(5, 1000)
	time.Sleep(20 * time.Millisecond)
	if got := tb.Available(); got > 5 {
		t.Errorf("Expected refill to cap at capacity 5, got %d", got)
	}
}

func TestLimiter_PerClient(t *testing.T) {
	l := NewLimiter(1, 1)

	if !l.Allow("1.2.3.4:5000") {
		t.Fatal("Expected first datagram from client A to pass")
	}
	if l.Allow("1.2.3.4:5000") {
		t.Error("Expected second datagram from client A to be limited")
	}
	// An unrelated client has its own bucket.
	if !l.Allow("5.6.7.8:9000") {
		t.Error("Expected client B to be unaffected by client A's limit")
	}
	if l.Clients() != 2 {
		t.Errorf("Expected 2 tracked clients, got %d", l.Clients())
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l := NewLimiter(1000, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Allow("client-a")
				l.Allow("client-b")
			}
		}(i)
	}
	wg.Wait()

	if l.Clients() != 2 {
		t.Errorf("Expected 2 tracked clients, got %d", l.Clients())
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter(10, 10)
	l.pruneAfter = 10 * time.Millisecond

	l.Allow("stale-client")
	time.Sleep(30 * time.Millisecond)
	l.Allow("fresh-client")

	if removed := l.Prune(); removed != 1 {
		t.Errorf("Prune() = %d, want 1", removed)
	}
	if l.Clients() != 1 {
		t.Errorf("Expected 1 client after prune, got %d", l.Clients())
	}
}

func TestLimiter_RunKeepsBucketMapBounded(t *testing.T) {
	l := NewLimiter(10, 10)
	l.pruneAfter = 20 * time.Millisecond

	// A burst of distinct source addresses, as under address churn.
	for i := 0; i < 8; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d:5000", i))
	}
	if l.Clients() != 8 {
		t.Fatalf("Expected 8 tracked clients, got %d", l.Clients())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx, 10*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for l.Clients() != 0 {
		select {
		case <-deadline:
			t.Fatalf("Expected idle buckets to be pruned, %d remain", l.Clients())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLimiter_Remove(t *testing.T) {
	l := NewLimiter(1, 1)
	l.Allow("client")
	l.Remove("client")
	if l.Clients() != 0 {
		t.Errorf("Expected 0 clients after remove, got %d", l.Clients())
	}
	// A removed client starts over with a full bucket.
	if !l.Allow("client") {
		t.Error("Expected fresh bucket after removal")
	}
}
