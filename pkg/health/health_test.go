package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const (
	stateNameStarting = "starting"
	stateNameReady    = "ready"
	stateNameDraining = "draining"
	goroutineCount    = 100
)

func decode(t *testing.T, w *httptest.ResponseRecorder) healthResponse {
	t.Helper()
	var resp healthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestNewChecker_StartsInStartingState(t *testing.T) {
	hc := NewChecker(nil)
	if hc.State() != stateNameStarting {
		t.Errorf("State() = %q, want %q", hc.State(), stateNameStarting)
	}
	if hc.IsReady() {
		t.Error("IsReady() = true, want false in starting state")
	}
}

func TestStateTransitions(t *testing.T) {
	hc := NewChecker(nil)

	hc.SetReady()
	if hc.State() != stateNameReady {
		t.Fatalf("after SetReady() = %q, want %s", hc.State(), stateNameReady)
	}

	hc.SetDraining()
	if hc.State() != stateNameDraining {
		t.Fatalf("after SetDraining() = %q, want %s", hc.State(), stateNameDraining)
	}
	if hc.IsReady() {
		t.Error("IsReady() = true, want false in draining state")
	}
}

func TestLivenessHandler_AlwaysReturns200(t *testing.T) {
	hc := NewChecker(func(context.Context) error { return errors.New("backend down") })

	for _, setup := range []func(){func() {}, hc.SetReady, hc.SetDraining} {
		setup()

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
		hc.LivenessHandler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if resp := decode(t, w); resp.Status != "ok" {
			t.Errorf("status = %q, want %q", resp.Status, "ok")
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
	}
}

func TestReadinessHandler_StatusCodes(t *testing.T) {
	hc := NewChecker(nil)

	tests := []struct {
		name       string
		setup      func()
		wantCode   int
		wantStatus string
	}{
		{stateNameStarting, func() { hc.state.Store(stateStarting) }, http.StatusServiceUnavailable, stateNameStarting},
		{stateNameReady, func() { hc.SetReady() }, http.StatusOK, stateNameReady},
		{stateNameDraining, func() { hc.SetDraining() }, http.StatusServiceUnavailable, stateNameDraining},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody)
			hc.ReadinessHandler().ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if resp := decode(t, w); resp.Status != tt.wantStatus {
				t.Errorf("body status = %q, want %q", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestReadinessHandler_ProbeFailure(t *testing.T) {
	hc := NewChecker(func(context.Context) error { return errors.New("connection refused") })
	hc.SetReady()

	w := httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	resp := decode(t, w)
	if resp.Status != "unavailable" {
		t.Errorf("body status = %q, want unavailable", resp.Status)
	}
	if resp.Error != "connection refused" {
		t.Errorf("body error = %q", resp.Error)
	}
}

func TestReadinessHandler_ProbeDeadline(t *testing.T) {
	var deadline time.Time
	hc := NewChecker(func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	})
	hc.timeout = 50 * time.Millisecond
	hc.SetReady()

	w := httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if deadline.IsZero() {
		t.Error("probe ran without a deadline")
	}
}

func TestReadinessHandler_ProbeSkippedWhenNotReady(t *testing.T) {
	called := false
	hc := NewChecker(func(context.Context) error {
		called = true
		return nil
	})

	w := httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))

	if called {
		t.Error("probe called while starting")
	}
}

func TestConcurrentAccess(t *testing.T) {
	hc := NewChecker(nil)

	var wg sync.WaitGroup
	wg.Add(goroutineCount * 3)

	for range goroutineCount {
		go func() {
			defer wg.Done()
			hc.SetReady()
		}()
		go func() {
			defer wg.Done()
			hc.SetDraining()
		}()
		go func() {
			defer wg.Done()
			_ = hc.IsReady()
			_ = hc.State()
		}()
	}

	wg.Wait()

	s := hc.State()
	if s != stateNameStarting && s != stateNameReady && s != stateNameDraining {
		t.Errorf("State() = %q, not a valid state", s)
	}
}
