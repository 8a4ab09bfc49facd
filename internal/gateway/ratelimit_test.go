package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/threadclaw/internal/gateway"
)

func TestRateLimiter_BurstThen429(t *testing.T) {
	rl := gateway.NewRateLimiter(60, 3)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/approvals/x/approve", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[2] != 200 || codes[3] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/api/approvals/x/approve", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("second client status = %d", rec.Code)
	}

	if n := rl.EvictStale(-time.Second); n != 2 {
		t.Fatalf("evicted %d buckets, want 2", n)
	}
}

func TestRateLimiter_DisabledIsNil(t *testing.T) {
	rl := gateway.NewRateLimiter(0, 0)
	if rl != nil {
		t.Fatal("expected nil limiter")
	}
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimiter_RefillsAndReportsWait(t *testing.T) {
	rl := gateway.NewRateLimiter(6000, 1) // 100 tokens per second
	if ok, _ := rl.Allow("c"); !ok {
		t.Fatal("first request should pass")
	}
	ok, wait := rl.Allow("c")
	if ok || wait <= 0 || wait > 20*time.Millisecond {
		t.Fatalf("second request ok=%v wait=%v", ok, wait)
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := rl.Allow("c"); !ok {
		t.Fatal("bucket should have refilled")
	}
}

func TestRateLimiter_RetryAfterHeader(t *testing.T) {
	rl := gateway.NewRateLimiter(1, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	var rec *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.RemoteAddr = "10.0.0.9:1"
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	// One request per minute: the next token is about a minute away.
	if got := rec.Header().Get("Retry-After"); got != "60" && got != "59" {
		t.Fatalf("Retry-After = %q", got)
	}
}
