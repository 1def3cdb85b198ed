package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/user/meterflow/internal/poller"
	"github.com/user/meterflow/internal/provider"
	"github.com/user/meterflow/internal/runner"
	"github.com/user/meterflow/internal/store"
)

// okProvider succeeds immediately on the first poll.
type okProvider struct{}

func (okProvider) Name() string { return "imagegen" }

func (okProvider) Create(ctx context.Context, payload json.RawMessage) (*provider.JobRef, error) {
	return &provider.JobRef{TaskID: "task_1"}, nil
}

func (okProvider) FetchStatus(ctx context.Context, ref *provider.JobRef) (*provider.Status, error) {
	return &provider.Status{State: provider.StateSucceeded, ResultURL: "https://cdn.example/out.png"}, nil
}

// runningProvider never reaches a terminal state.
type runningProvider struct{}

func (runningProvider) Name() string { return "imagegen" }

func (runningProvider) Create(ctx context.Context, payload json.RawMessage) (*provider.JobRef, error) {
	return &provider.JobRef{TaskID: "task_1"}, nil
}

func (runningProvider) FetchStatus(ctx context.Context, ref *provider.JobRef) (*provider.Status, error) {
	return &provider.Status{State: provider.StateRunning}, nil
}

func testServer(t *testing.T, opts ...Option) *Server {
	return testServerWith(t, okProvider{}, opts...)
}

func testServerWith(t *testing.T, c provider.Client, opts ...Option) *Server {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.NewStore(db)

	reg := &provider.Registry{}
	reg.Register(c)
	p := poller.New(poller.Config{
		Interval:    time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
		Growth:      1.5,
		Deadline:    time.Second,
	}, nil)
	run := runner.New(st, reg, p, provider.DefaultPolicy(), nil)
	return New(st, run, reg, "127.0.0.1:0", opts...)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := testServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreditBalanceEntries(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/accounts/acct_1/credit",
		map[string]interface{}{"amount": 100, "note": "signup grant"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("credit status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/accounts/acct_1/balance", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	var bal struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Balance != 100 {
		t.Errorf("balance = %d, want 100", bal.Balance)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/accounts/acct_1/entries", nil, nil)
	var entries struct {
		Entries []store.LedgerEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries.Entries) != 1 || entries.Entries[0].Reason != store.ReasonAdjustment {
		t.Errorf("entries = %+v, want one adjustment", entries.Entries)
	}
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	s := testServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/accounts/acct_1/credit",
		map[string]interface{}{"amount": 0}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobWaitSucceeds(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/api/v1/accounts/acct_1/credit",
		map[string]interface{}{"amount": 10}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"account_id": "acct_1",
		"provider":   "imagegen",
		"cost":       10,
		"payload":    map[string]string{"prompt": "a red fox"},
		"wait":       true,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp createJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job == nil || resp.Job.State != store.StateSucceeded {
		t.Fatalf("job = %+v, want succeeded", resp.Job)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/accounts/acct_1/balance", nil, nil)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	json.Unmarshal(rec.Body.Bytes(), &bal)
	if bal.Balance != 0 {
		t.Errorf("balance = %d, want 0 after commit", bal.Balance)
	}
}

func TestCreateJobInsufficientBalance(t *testing.T) {
	s := testServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"account_id": "acct_1",
		"provider":   "imagegen",
		"cost":       10,
		"payload":    map[string]string{"prompt": "a red fox"},
		"wait":       true,
	}, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobAsyncReturnsLookup(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/api/v1/accounts/acct_1/credit",
		map[string]interface{}{"amount": 10}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"account_id":      "acct_1",
		"provider":        "imagegen",
		"idempotency_key": "key_async",
		"cost":            10,
		"payload":         map[string]string{"prompt": "a red fox"},
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp createJobResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Lookup != "/api/v1/jobs/key/key_async" {
		t.Errorf("lookup = %q", resp.Lookup)
	}

	// the background execution settles quickly with okProvider
	deadline := time.After(2 * time.Second)
	for {
		rec = doJSON(t, h, http.MethodGet, resp.Lookup, nil, nil)
		if rec.Code == http.StatusOK {
			var job store.Job
			json.Unmarshal(rec.Body.Bytes(), &job)
			if job.State == store.StateSucceeded {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("job never settled: last status %d body %s", rec.Code, rec.Body.String())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCreateJobRejectsBadDeadline(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	for _, deadline := range []string{"soon", "-5s", "0s"} {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
			"account_id": "acct_1",
			"provider":   "imagegen",
			"cost":       10,
			"payload":    map[string]string{"prompt": "a red fox"},
			"deadline":   deadline,
		}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("deadline %q: status = %d, want 400: %s", deadline, rec.Code, rec.Body.String())
		}
	}
}

func TestCreateJobDeadlineTimesOut(t *testing.T) {
	s := testServerWith(t, runningProvider{})
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/api/v1/accounts/acct_1/credit",
		map[string]interface{}{"amount": 10}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"account_id":      "acct_1",
		"provider":        "imagegen",
		"idempotency_key": "key_dl",
		"cost":            10,
		"payload":         map[string]string{"prompt": "a red fox"},
		"deadline":        "30ms",
		"wait":            true,
	}, nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504: %s", rec.Code, rec.Body.String())
	}
	var errResp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(rec.Body.Bytes(), &errResp)
	if errResp.Code != "TIMED_OUT" {
		t.Errorf("code = %q, want TIMED_OUT", errResp.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/key/key_dl", nil, nil)
	var job store.Job
	json.Unmarshal(rec.Body.Bytes(), &job)
	if job.State != store.StateTimedOut {
		t.Errorf("job state = %s, want timed_out", job.State)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/accounts/acct_1/balance", nil, nil)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	json.Unmarshal(rec.Body.Bytes(), &bal)
	if bal.Balance != 10 {
		t.Errorf("balance = %d, want 10 after refund", bal.Balance)
	}
}

func TestGetAccount(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/api/v1/accounts/acct_1/credit",
		map[string]interface{}{"amount": 25}, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/accounts/acct_1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var account store.Account
	if err := json.Unmarshal(rec.Body.Bytes(), &account); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if account.ID != "acct_1" || account.Balance != 25 {
		t.Errorf("account = %+v, want acct_1 with balance 25", account)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/accounts/acct_nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown account: status = %d, want 404", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := testServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/jobs/job_nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/api/v1/accounts/acct_1/credit",
		map[string]interface{}{"amount": 50}, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/summary?period=1h&group_by=account", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp store.SpendSummaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Totals.Credited != 50 {
		t.Errorf("credited = %d, want 50", resp.Totals.Credited)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/summary?period=bogus", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad period status = %d, want 400", rec.Code)
	}
}

func TestAuthAPIKey(t *testing.T) {
	s := testServer(t, WithAuth(AuthConfig{APIKey: "secret"}))
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs", nil, map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs", nil, map[string]string{"X-API-Key": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("good key: status = %d, want 200", rec.Code)
	}

	// healthz stays open
	rec = doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestAuthJWT(t *testing.T) {
	s := testServer(t, WithAuth(AuthConfig{JWTSecret: "hmac-secret"}))
	h := s.Handler()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "svc-billing",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("hmac-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs", nil, map[string]string{"Authorization": "Bearer " + signed})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs", nil, map[string]string{"Authorization": "Bearer " + forged})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: status = %d, want 401", rec.Code)
	}
}

func TestAuthSubjectReachesHandlers(t *testing.T) {
	s := testServer(t, WithAuth(AuthConfig{APIKey: "secret"}))

	var seen string
	h := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = subjectFromContext(r.Context())
	}))

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs", nil, map[string]string{"X-API-Key": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen != "api-key" {
		t.Errorf("subject = %q, want api-key", seen)
	}

	// with auth disabled the subject reads anonymous
	open := testServer(t)
	h = open.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = subjectFromContext(r.Context())
	}))
	doJSON(t, h, http.MethodGet, "/api/v1/jobs", nil, nil)
	if seen != "anonymous" {
		t.Errorf("subject = %q, want anonymous", seen)
	}
}

func TestCancelSettledJobConflicts(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/api/v1/accounts/acct_1/credit",
		map[string]interface{}{"amount": 10}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"account_id": "acct_1",
		"provider":   "imagegen",
		"cost":       10,
		"payload":    map[string]string{"prompt": "a red fox"},
		"wait":       true,
	}, nil)
	var resp createJobResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Job == nil {
		t.Fatalf("no job in response: %s", rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/"+resp.Job.ID+"/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel settled: status = %d, want 409", rec.Code)
	}
}
