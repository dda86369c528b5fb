// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChecker_Health(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("ok", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Errorf("Health() status = %v, want healthy", status)
	}
	if len(checks) != 1 || checks[0].Status != StatusHealthy {
		t.Errorf("Unexpected checks: %+v", checks)
	}
}

func TestChecker_DegradedOnFailure(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("ok", func(ctx context.Context) error { return nil })
	c.Register("bad", func(ctx context.Context) error { return errors.New("boom") })

	status, checks := c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("Health() status = %v, want degraded", status)
	}

	found := false
	for _, check := range checks {
		if check.Name == "bad" {
			found = true
			if check.Status != StatusUnhealthy {
				t.Errorf("Expected unhealthy check, got %v", check.Status)
			}
			if check.Message != "boom" {
				t.Errorf("Expected failure message, got %q", check.Message)
			}
		}
	}
	if !found {
		t.Error("Expected the failing check in the results")
	}
}

func TestChecker_CachesResults(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls != 1 {
		t.Errorf("Expected cached result to be reused, check ran %d times", calls)
	}
}

func TestHTTPHandler_DegradedStillServes(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("bad", func(ctx context.Context) error { return errors.New("boom") })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for degraded health, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != string(StatusDegraded) {
		t.Errorf("Expected degraded status in body, got %v", body["status"])
	}
}

func TestReadinessHandler_DegradedFails(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("bad", func(ctx context.Context) error { return errors.New("boom") })

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for degraded readiness, got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from liveness, got %d", rec.Code)
	}
}
