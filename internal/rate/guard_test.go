package rate

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGuardAllowsWithinBudget(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	client := WrapHTTP(NewGuard("test", 60, 5), server.Client())
	for i := 0; i < 3; i++ {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}
	if requests != 3 {
		t.Fatalf("expected 3 upstream requests, got %d", requests)
	}
}

func TestGuardBlocksWhenBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	// Burst of 1 at a very slow refill: the second call must block.
	client := WrapHTTP(NewGuard("test", 1, 1), server.Client())

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp.Body.Close()

	_, err = client.Get(server.URL)
	if err == nil {
		t.Fatalf("expected rate-limit rejection")
	}
	var guardErr GuardError
	if !errors.As(err, &guardErr) {
		t.Fatalf("expected GuardError, got %v", err)
	}
	if guardErr.Reason != "budget" {
		t.Fatalf("expected budget rejection, got %q", guardErr.Reason)
	}
	if guardErr.RetryAt.IsZero() {
		t.Fatalf("budget rejection must carry a retry time")
	}
}

func TestGuardHonorsRetryAfter(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := WrapHTTP(NewGuard("test", 600, 10), server.Client())

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp.Body.Close()

	_, err = client.Get(server.URL)
	var guardErr GuardError
	if !errors.As(err, &guardErr) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
	if guardErr.Reason != "cooldown" {
		t.Fatalf("expected cooldown, got %q", guardErr.Reason)
	}
	if requests != 1 {
		t.Fatalf("cooldown must stop traffic, saw %d requests", requests)
	}
}
