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

	"github.com/absmach/mbridge/pkg/transport"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("always-ok", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Errorf("status = %v, want healthy", status)
	}
	if len(checks) != 1 || checks[0].Status != StatusHealthy {
		t.Errorf("checks = %+v, want one healthy check", checks)
	}
}

func TestChecker_FailingCheckDegrades(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("broken", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	status, checks := c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("status = %v, want degraded", status)
	}
	if checks[0].Message != "connection refused" {
		t.Errorf("check message = %q, want \"connection refused\"", checks[0].Message)
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
		t.Errorf("check ran %d times within the cache TTL, want 1", calls)
	}
}

func TestChecker_RegisterTransport(t *testing.T) {
	mem := transport.NewMemory(1)
	c := NewChecker(time.Nanosecond)
	c.RegisterTransport("memory", mem)

	if status, _ := c.Health(context.Background()); status != StatusDegraded {
		t.Errorf("status before start = %v, want degraded", status)
	}

	if err := mem.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if status, _ := c.Health(context.Background()); status != StatusHealthy {
		t.Errorf("status while running = %v, want healthy", status)
	}

	mem.Stop()
	if status, _ := c.Health(context.Background()); status != StatusDegraded {
		t.Errorf("status after stop = %v, want degraded", status)
	}
}

func TestReadinessHandler_NotReadyWhenDegraded(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("down", func(ctx context.Context) error {
		return errors.New("not connected")
	})

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["status"] != string(StatusDegraded) {
		t.Errorf("body status = %v, want degraded", body["status"])
	}
}

func TestHTTPHandler_DegradedStillServes(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("down", func(ctx context.Context) error {
		return errors.New("not connected")
	})

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("body status = %q, want \"alive\"", body["status"])
	}
}
