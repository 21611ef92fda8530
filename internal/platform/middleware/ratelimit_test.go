package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicroster/patient-dedup/internal/platform/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func doRequest(mw echo.MiddlewareFunc, user, ip string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/duplicates", nil)
	req.RemoteAddr = ip + ":5000"
	if user != "" {
		req = req.WithContext(auth.WithUser(req.Context(), user, nil))
	}
	rec := httptest.NewRecorder()
	err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(e.NewContext(req, rec))
	return rec, err
}

func isTooMany(err error) bool {
	var he *echo.HTTPError
	return errors.As(err, &he) && he.Code == http.StatusTooManyRequests
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	mw := rateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}, clock.now)

	for i := 0; i < 2; i++ {
		if _, err := doRequest(mw, "alice", "10.0.0.1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	rec, err := doRequest(mw, "alice", "10.0.0.1")
	if !isTooMany(err) {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	clock.t = clock.t.Add(time.Second)
	if _, err := doRequest(mw, "alice", "10.0.0.1"); err != nil {
		t.Errorf("expected refill after 1s, got %v", err)
	}
}

func TestRateLimit_KeyedByUserThenIP(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	mw := rateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, clock.now)

	if _, err := doRequest(mw, "alice", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	// Same IP, different user: separate bucket.
	if _, err := doRequest(mw, "bob", "10.0.0.1"); err != nil {
		t.Errorf("bob should not share alice's bucket: %v", err)
	}
	// Anonymous requests fall back to the IP.
	if _, err := doRequest(mw, "", "10.0.0.2"); err != nil {
		t.Fatal(err)
	}
	if _, err := doRequest(mw, "", "10.0.0.2"); !isTooMany(err) {
		t.Errorf("expected 429 for repeated anonymous IP, got %v", err)
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize < 1 {
		t.Errorf("unusable defaults: %+v", cfg)
	}
}
