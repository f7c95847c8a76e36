package shield

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/sheetledger/dbopen"
	"github.com/hazyhaar/sheetledger/kvstore"
)

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(APIHeaders())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestSecurityHeaders_EmptySkipped(t *testing.T) {
	h := SecurityHeaders(HeaderConfig{XFrameOptions: "DENY"})(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, ok := rec.Header()["Content-Security-Policy"]; ok {
		t.Fatal("empty CSP must not be sent")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientIP(r, false); got != "10.0.0.7" {
		t.Errorf("untrusted: got %q", got)
	}
	if got := ClientIP(r, true); got != "203.0.113.9" {
		t.Errorf("trusted: got %q", got)
	}
}

func TestLockout(t *testing.T) {
	// WHAT: a client is blocked after limit failures and unblocked when the
	// window ends or after a successful login.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(kvstore.Schema))
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	kv := kvstore.New(db, kvstore.WithClock(func() time.Time { return now }))
	l := NewLockout(kv, 3, time.Minute, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		blocked, err := l.Fail(ctx, "203.0.113.9")
		if err != nil {
			t.Fatal(err)
		}
		if blocked != (i == 3) {
			t.Fatalf("failure %d: blocked = %v", i, blocked)
		}
	}
	if !l.Blocked(ctx, "203.0.113.9") {
		t.Fatal("expected block after 3 failures")
	}
	if l.Blocked(ctx, "198.51.100.1") {
		t.Fatal("other clients must not be blocked")
	}

	now = now.Add(time.Minute)
	if l.Blocked(ctx, "203.0.113.9") {
		t.Fatal("block must end with the window")
	}

	l.Fail(ctx, "203.0.113.9")
	l.Fail(ctx, "203.0.113.9")
	if err := l.Reset(ctx, "203.0.113.9"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := l.Fail(ctx, "203.0.113.9"); blocked {
		t.Fatal("reset must clear earlier failures")
	}
}

func TestLockout_Disabled(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(kvstore.Schema))
	l := NewLockout(kvstore.New(db), 0, time.Minute, nil)
	ctx := context.Background()
	for range 10 {
		if blocked, err := l.Fail(ctx, "x"); blocked || err != nil {
			t.Fatalf("disabled lockout blocked=%v err=%v", blocked, err)
		}
	}
}
