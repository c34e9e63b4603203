package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(rpm int) (*RateLimiter, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(rpm)
	rl.now = c.now
	return rl, c
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter(10)

	for i := 0; i < 10; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	if rl.Allow("alice") {
		t.Error("11th request should be denied")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)

	for i := 0; i < 1000; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, c := newTestLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		rl.Allow("alice")
	}
	if rl.Allow("alice") {
		t.Error("should be rate limited after exhausting tokens")
	}

	c.t = c.t.Add(1100 * time.Millisecond)
	if !rl.Allow("alice") {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	rl, _ := newTestLimiter(60)

	for i := 0; i < 60; i++ {
		rl.Allow("alice")
	}

	if got := rl.RetryAfter("alice"); got < 1 {
		t.Errorf("expected retry-after >= 1, got %d", got)
	}
	if got := rl.RetryAfter("nobody"); got != 0 {
		t.Errorf("expected 0 for unknown identity, got %d", got)
	}
}

func TestRateLimiterMultipleIdentities(t *testing.T) {
	rl, _ := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("alice request %d should be allowed", i+1)
		}
	}
	if rl.Allow("alice") {
		t.Error("alice should be rate limited")
	}
	if !rl.Allow("bob") {
		t.Error("bob should not be affected by alice's rate limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, c := newTestLimiter(10)

	rl.Allow("alice")
	c.t = c.t.Add(2 * time.Hour)
	rl.Allow("bob")

	if removed := rl.Cleanup(time.Hour); removed != 1 {
		t.Errorf("expected 1 bucket removed, got %d", removed)
	}

	rl.mu.Lock()
	_, aliceLeft := rl.buckets["alice"]
	count := len(rl.buckets)
	rl.mu.Unlock()

	if count != 1 || aliceLeft {
		t.Errorf("expected only bob's bucket to remain, got %d buckets (alice=%v)", count, aliceLeft)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(1)
	identity := func(ctx context.Context) (string, bool) {
		id, ok := ctx.Value(ctxKey{}).(string)
		return id, ok
	}
	h := RateLimitMiddleware(rl, identity)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(withIdentity bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		if withIdentity {
			req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "alice"))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(true); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: got %d", rec.Code)
	}
	rec := do(true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec := do(false); rec.Code != http.StatusNoContent {
		t.Errorf("anonymous request should pass, got %d", rec.Code)
	}
}

type ctxKey struct{}
