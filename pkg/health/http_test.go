package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func collaboratorStub(status int, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
}

func TestHTTPCheckerStatusHandling(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		minStatus   int
		maxStatus   int
		wantHealthy bool
	}{
		{"wallet healthy", http.StatusOK, 0, 0, true},
		{"escrow failing", http.StatusInternalServerError, 0, 0, false},
		{"created accepted with wide range", http.StatusCreated, 200, 299, true},
		{"redirect rejected by default range", http.StatusFound, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := collaboratorStub(tt.status, 0)
			defer srv.Close()

			checker := NewHTTPChecker(srv.URL)
			if tt.minStatus != 0 {
				checker = checker.WithStatusRange(tt.minStatus, tt.maxStatus)
			}

			result := checker.Check(context.Background())
			if result.Healthy != tt.wantHealthy {
				t.Errorf("Check() healthy = %v, want %v (%s)", result.Healthy, tt.wantHealthy, result.Message)
			}
			if result.Duration <= 0 {
				t.Error("Check() should record a positive duration")
			}
		})
	}
}

func TestHTTPCheckerSendsAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer probe-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewHTTPChecker(srv.URL).WithHeader("Authorization", "Bearer probe-token")
	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected healthy with auth header, got: %s", result.Message)
	}
}

func TestHTTPCheckerTimesOutOnSlowCollaborator(t *testing.T) {
	srv := collaboratorStub(http.StatusOK, 200*time.Millisecond)
	defer srv.Close()

	result := NewHTTPChecker(srv.URL).WithTimeout(30 * time.Millisecond).Check(context.Background())
	if result.Healthy {
		t.Errorf("expected timeout failure, got healthy: %s", result.Message)
	}
}

func TestHTTPCheckerHonoursContext(t *testing.T) {
	srv := collaboratorStub(http.StatusOK, 200*time.Millisecond)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(srv.URL).Check(ctx)
	if result.Healthy {
		t.Errorf("expected failure on cancelled context, got healthy: %s", result.Message)
	}
}

func TestHTTPCheckerType(t *testing.T) {
	if got := NewHTTPChecker("http://wallet.internal/health").Type(); got != CheckTypeHTTP {
		t.Errorf("Type() = %s, want %s", got, CheckTypeHTTP)
	}
}
