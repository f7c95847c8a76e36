package ledgersync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/sheetledger/audit"
	"github.com/hazyhaar/sheetledger/ledger"
	"github.com/hazyhaar/sheetledger/shield"
)

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
}

func newAPI(t *testing.T, f *fixture) *apiClient {
	t.Helper()
	srv := httptest.NewServer(f.svc.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv}
}

func (c *apiClient) do(method, path, user, body string) (int, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	if err != nil {
		c.t.Fatal(err)
	}
	if user != "" {
		req.SetBasicAuth(user, testPass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestHTTP_PublicAndAuth(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)

	if code, _ := api.do("GET", "/health", "", ""); code != http.StatusOK {
		t.Fatalf("/health: %d", code)
	}
	if code, _ := api.do("GET", "/api/health", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("/api/health without auth: %d", code)
	}
	if code, _ := api.do("GET", "/api/health", "mallory", ""); code != http.StatusUnauthorized {
		t.Fatalf("/api/health unknown user: %d", code)
	}
	code, body := api.do("GET", "/api/health", "alice", "")
	if code != http.StatusOK {
		t.Fatalf("/api/health: %d %s", code, body)
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != StatusOK {
		t.Fatalf("status: %q", h.Status)
	}
}

func TestHTTP_SyncApproveFlow(t *testing.T) {
	// WHAT: sync, list, approve, re-approve and bad fund over HTTP.
	// WHY: operators drive the workflow from the API; status codes must
	// tell a conflict from a bad reference.
	f := newFixture(t)
	api := newAPI(t, f)

	code, body := api.do("POST", "/api/sync", "alice", `{"sheet_id":"science","reason":"month end"}`)
	if code != http.StatusAccepted {
		t.Fatalf("sync: %d %s", code, body)
	}
	var job Job
	json.Unmarshal(body, &job)
	if job.RequestedBy != "alice" || job.Priority == 0 {
		t.Fatalf("job: %+v", job)
	}
	f.svc.Drain(context.Background())

	code, body = api.do("GET", "/api/approvals?department=Science", "alice", "")
	if code != http.StatusOK {
		t.Fatalf("approvals: %d %s", code, body)
	}
	var pending []Transaction
	json.Unmarshal(body, &pending)
	if len(pending) != 3 {
		t.Fatalf("pending: %d", len(pending))
	}

	id := pending[0].ID
	code, body = api.do("POST", "/api/approvals/"+id+"/approve", "bob", `{"fund_id":"NOPE"}`)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown fund: %d %s", code, body)
	}
	code, body = api.do("POST", "/api/approvals/"+id+"/approve", "bob", `{"fund_id":"F"}`)
	if code != http.StatusOK {
		t.Fatalf("approve: %d %s", code, body)
	}
	var p ledger.Posting
	json.Unmarshal(body, &p)
	if p.StableID != pending[0].StableID {
		t.Fatalf("posting: %+v", p)
	}
	if code, _ := api.do("POST", "/api/approvals/"+id+"/approve", "bob", `{"fund_id":"F"}`); code != http.StatusConflict {
		t.Fatalf("re-approve: %d", code)
	}
	if code, _ := api.do("POST", "/api/approvals/"+pending[1].ID+"/reject", "bob", `{}`); code != http.StatusBadRequest {
		t.Fatalf("reject without reason: %d", code)
	}
	if code, _ := api.do("POST", "/api/approvals/stx_missing/approve", "bob", `{"fund_id":"F"}`); code != http.StatusNotFound {
		t.Fatalf("unknown transaction: %d", code)
	}

	code, body = api.do("GET", "/api/transactions?status=APPROVED", "alice", "")
	var approved []Transaction
	json.Unmarshal(body, &approved)
	if code != http.StatusOK || len(approved) != 1 || approved[0].DecidedBy != "bob" {
		t.Fatalf("approved list: %d %s", code, body)
	}

	code, body = api.do("GET", "/metrics", "", "")
	if code != http.StatusOK || !strings.Contains(string(body), `sheetledger_sync_jobs_total{outcome="succeeded"} 1`) {
		t.Fatalf("metrics: %d\n%s", code, body)
	}
}

func TestHTTP_OperatorActionsAreJournaled(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)

	if code, body := api.do("POST", "/api/queue/pause", "alice", ""); code != http.StatusOK {
		t.Fatalf("pause: %d %s", code, body)
	}
	if !f.svc.scheduler.Paused() {
		t.Fatal("queue should be paused")
	}
	if code, body := api.do("PUT", "/api/budgets/Science/2026-03", "alice", `{"amount":"abc"}`); code != http.StatusBadRequest {
		t.Fatalf("bad budget: %d %s", code, body)
	}

	// Close drains the asynchronous journal.
	f.svc.Close()
	entries, err := f.svc.AuditLog(context.Background(), audit.Filter{Action: ActionPauseQueue})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Actor != "alice" || entries[0].Transport != "http" {
		t.Fatalf("pause journal: %+v", entries)
	}
	entries, _ = f.svc.AuditLog(context.Background(), audit.Filter{Action: ActionSetBudget})
	if len(entries) != 1 || entries[0].Status != "error" {
		t.Fatalf("budget journal: %+v", entries)
	}
}

func TestHTTP_LockRoutes(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)

	if code, body := api.do("POST", "/api/locks/science/2026-03", "alice", ""); code != http.StatusUnprocessableEntity {
		t.Fatalf("lock current period: %d %s", code, body)
	}
	if code, body := api.do("POST", "/api/locks/science/2026-02", "alice", ""); code != http.StatusOK {
		t.Fatalf("lock: %d %s", code, body)
	}
	code, body := api.do("POST", "/api/unlock-requests", "alice", `{"sheet_id":"science","period":"2026-02","reason":"late invoice"}`)
	if code != http.StatusCreated {
		t.Fatalf("request unlock: %d %s", code, body)
	}
	var req UnlockRequest
	json.Unmarshal(body, &req)
	if code, _ := api.do("POST", "/api/unlock-requests/"+req.ID+"/approve", "alice", ""); code != http.StatusForbidden {
		t.Fatalf("self approval: %d", code)
	}
	if code, body := api.do("POST", "/api/unlock-requests/"+req.ID+"/approve", "bob", ""); code != http.StatusOK {
		t.Fatalf("approve unlock: %d %s", code, body)
	}
	if code, _ := api.do("POST", "/api/unlock-requests/"+req.ID+"/approve", "bob", ""); code != http.StatusConflict {
		t.Fatalf("second approval: %d", code)
	}
}

func TestHTTP_LockoutAfterFailedLogins(t *testing.T) {
	// WHAT: repeated bad credentials lock the client out, even for a valid
	// password, until the window ends.
	f := newFixture(t)
	f.svc.lockout = shield.NewLockout(f.svc.kv, 2, time.Minute, nil)
	api := newAPI(t, f)

	for i := 0; i < 2; i++ {
		if code, _ := api.do("GET", "/api/health", "mallory", ""); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: %d", i, code)
		}
	}
	code, _ := api.do("GET", "/api/health", "alice", "")
	if code != http.StatusTooManyRequests {
		t.Fatalf("after lockout: %d", code)
	}
	if code, _ := api.do("GET", "/health", "", ""); code != http.StatusOK {
		t.Fatalf("public health must stay reachable: %d", code)
	}
}

func TestHTTP_SecurityHeaders(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	resp, err := http.Get(api.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
}

func TestMetrics_SQLObserver(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)
	f.svc.Metrics().ObserveSQL("exec", 3*time.Millisecond, nil)

	_, body := api.do("GET", "/metrics", "", "")
	if !strings.Contains(string(body), `sheetledger_sql_duration_seconds_count{op="exec",outcome="ok"} 1`) {
		t.Fatalf("sql histogram missing from /metrics")
	}
}
