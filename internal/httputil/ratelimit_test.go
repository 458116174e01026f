package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiterBurst(t *testing.T) {
	l := NewIPRateLimiter(1, 3)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request past burst allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other IP rejected")
	}

	clock = clock.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Error("token not refilled after one second")
	}
}

func TestIPRateLimiterSweepsIdle(t *testing.T) {
	l := NewIPRateLimiter(1, 1)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	clock = clock.Add(time.Hour)
	l.Allow("10.0.0.3")

	if got := l.Len(); got != 1 {
		t.Errorf("tracked IPs = %d, want 1", got)
	}
}

func TestIPRateLimiterMiddleware(t *testing.T) {
	l := NewIPRateLimiter(0.001, 1)
	h := l.Limit(false, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/control/toggle", nil)
		req.RemoteAddr = "192.0.2.7:4000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes[i] = w.Code
	}

	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [204 429]", codes)
	}
}
