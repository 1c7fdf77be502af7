package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"
)

// GuardError is returned when a call is blocked before reaching the
// backend.
type GuardError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e GuardError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

// Guard throttles outbound calls to one provider: a token bucket for
// steady-state pacing plus a cooldown honoring Retry-After on 429.
type Guard struct {
	provider string
	limiter  *xrate.Limiter

	mu       sync.Mutex
	cooldown time.Time
}

func NewGuard(provider string, perMinute int, burst int) *Guard {
	if burst < 1 {
		burst = 1
	}
	return &Guard{
		provider: provider,
		limiter:  xrate.NewLimiter(xrate.Limit(float64(perMinute)/60.0), burst),
	}
}

// WrapHTTP wraps an http.Client so every request passes through the
// guard. The base client is not mutated.
func WrapHTTP(guard *Guard, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{base: transport, guard: guard}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.guard.shouldCall(time.Now()); err != nil {
		blockedCounter.WithLabelValues(rt.guard.provider).Inc()
		return nil, err
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	rt.guard.recordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

func (g *Guard) shouldCall(now time.Time) error {
	g.mu.Lock()
	cooldown := g.cooldown
	g.mu.Unlock()

	if !cooldown.IsZero() && now.Before(cooldown) {
		return GuardError{Provider: g.provider, Reason: "cooldown", RetryAt: cooldown}
	}

	reservation := g.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return GuardError{Provider: g.provider, Reason: "budget", RetryAt: now.Add(delay)}
	}
	return nil
}

func (g *Guard) recordResponse(status int, headers http.Header) {
	lastStatusGauge.WithLabelValues(g.provider).Set(float64(status))

	if status != http.StatusTooManyRequests {
		return
	}

	retryAfter := headerSeconds(headers, "Retry-After")
	if retryAfter <= 0 {
		retryAfter = 60
	}
	retryAfterGauge.WithLabelValues(g.provider).Set(float64(retryAfter))

	g.mu.Lock()
	g.cooldown = time.Now().Add(time.Duration(retryAfter) * time.Second)
	g.mu.Unlock()
}

func headerSeconds(h http.Header, key string) int {
	value := h.Get(key)
	if value == "" {
		return -1
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return seconds
}
