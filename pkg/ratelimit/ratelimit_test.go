package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowBurstAndRefill(t *testing.T) {
	// Burst of 2 means two immediate requests, then the bucket is empty
	l := NewLimiter(10, 2)

	if !l.Allow("client-a") {
		t.Error("first request should be allowed")
	}
	if !l.Allow("client-a") {
		t.Error("second request should be allowed")
	}
	if l.Allow("client-a") {
		t.Error("third request should be rate limited")
	}

	// Other keys have their own bucket
	if !l.Allow("client-b") {
		t.Error("separate client must not share the bucket")
	}

	// 10 rps refills one token every 100ms
	time.Sleep(150 * time.Millisecond)
	if !l.Allow("client-a") {
		t.Error("request after refill should be allowed")
	}
}

func TestMiddleware(t *testing.T) {
	l := NewLimiter(10, 1)
	handler := l.Middleware(func(*http.Request) string { return "fixed" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ocr/jobs", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ocr/jobs", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request should be limited, got %d", rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:4242"
	if got := ClientKey(req); got != "192.0.2.10:4242" {
		t.Errorf("unexpected key %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	if got := ClientKey(req); got != "203.0.113.7" {
		t.Errorf("expected forwarded address, got %q", got)
	}
}
