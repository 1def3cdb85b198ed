package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunSendsWaitAndKey(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job": map[string]interface{}{"id": "job_1", "state": "succeeded"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	req := &JobRequest{AccountID: "acct_1", Provider: "imagegen", Cost: 10, Payload: json.RawMessage(`{"prompt":"x"}`)}
	job, err := c.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.ID != "job_1" || job.State != "succeeded" {
		t.Errorf("job = %+v", job)
	}
	if got["wait"] != true {
		t.Errorf("wait = %v, want true", got["wait"])
	}
	if got["idempotency_key"] == "" || got["idempotency_key"] == nil {
		t.Error("idempotency_key was not populated")
	}
	if req.IdempotencyKey == "" {
		t.Error("request key not populated for caller retries")
	}
}

func TestRunSendsDeadlineAsDurationString(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]interface{}{}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job": map[string]interface{}{"id": "job_1", "state": "succeeded"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Run(context.Background(), &JobRequest{
		AccountID: "acct_1", Provider: "imagegen", Cost: 10,
		Payload:  json.RawMessage(`{"prompt":"x"}`),
		Deadline: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got["deadline"] != "5m0s" {
		t.Errorf("deadline = %v, want \"5m0s\"", got["deadline"])
	}

	// a zero deadline stays off the wire
	_, err = c.Run(context.Background(), &JobRequest{
		AccountID: "acct_1", Provider: "imagegen", Cost: 10,
		Payload: json.RawMessage(`{"prompt":"x"}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, present := got["deadline"]; present {
		t.Errorf("deadline = %v, want omitted", got["deadline"])
	}
}

func TestGetAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/acct_1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "acct_1", "balance": 75})
	}))
	defer srv.Close()

	c := New(srv.URL)
	account, err := c.GetAccount(context.Background(), "acct_1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.ID != "acct_1" || account.Balance != 75 {
		t.Errorf("account = %+v", account)
	}
}

func TestSubmitReturnsLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"idempotency_key": "key_1",
			"lookup":          "/api/v1/jobs/key/key_1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Submit(context.Background(), &JobRequest{
		AccountID: "acct_1", Provider: "imagegen", IdempotencyKey: "key_1", Cost: 10,
		Payload: json.RawMessage(`{"prompt":"x"}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Lookup != "/api/v1/jobs/key/key_1" {
		t.Errorf("lookup = %q", res.Lookup)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "balance 5 is less than hold amount 10",
			"code":  "INSUFFICIENT_BALANCE",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Run(context.Background(), &JobRequest{
		AccountID: "acct_1", Provider: "imagegen", Cost: 10, Payload: json.RawMessage(`{}`),
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Code != "INSUFFICIENT_BALANCE" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAuthHeaders(t *testing.T) {
	var apiKey, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-API-Key")
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]int64{"balance": 42})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("sk-1"), WithBearerToken("tok"))
	bal, err := c.Balance(context.Background(), "acct_1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 42 {
		t.Errorf("balance = %d", bal)
	}
	if apiKey != "sk-1" {
		t.Errorf("X-API-Key = %q", apiKey)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestEntriesAndCredit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/accounts/acct_1/credit":
			json.NewEncoder(w).Encode(map[string]interface{}{"entry_id": "ent_1", "balance_after": 100})
		case "/api/v1/accounts/acct_1/entries":
			json.NewEncoder(w).Encode(map[string]interface{}{"entries": []map[string]interface{}{
				{"id": "ent_1", "reason": "adjustment", "delta": 100},
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Credit(context.Background(), "acct_1", 100, "grant")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if res.BalanceAfter != 100 {
		t.Errorf("BalanceAfter = %d", res.BalanceAfter)
	}
	entries, err := c.Entries(context.Background(), "acct_1", 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "adjustment" {
		t.Errorf("entries = %+v", entries)
	}
}
