package poller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/user/meterflow/internal/provider"
)

// scriptedClient returns one status per FetchStatus call, repeating the last
// entry forever. A nil entry stands for a transient transport failure.
type scriptedClient struct {
	script []*provider.Status
	calls  int
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Create(ctx context.Context, payload json.RawMessage) (*provider.JobRef, error) {
	return &provider.JobRef{TaskID: "task_1"}, nil
}

func (c *scriptedClient) FetchStatus(ctx context.Context, ref *provider.JobRef) (*provider.Status, error) {
	i := c.calls
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	c.calls++
	s := c.script[i]
	if s == nil {
		return nil, &provider.TransportError{Provider: "scripted", Op: "fetch status", StatusCode: 503}
	}
	return s, nil
}

func fastConfig() Config {
	return Config{
		Interval:    time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
		Growth:      1.5,
		Deadline:    time.Second,
		Retry:       provider.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func TestWaitForTerminalSucceeds(t *testing.T) {
	client := &scriptedClient{script: []*provider.Status{
		{State: provider.StateQueued},
		{State: provider.StateRunning},
		{State: provider.StateSucceeded, ResultURL: "https://cdn.example/out.png"},
	}}
	p := New(fastConfig(), nil)

	status, err := p.WaitForTerminal(context.Background(), client, &provider.JobRef{TaskID: "task_1"})
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if status.State != provider.StateSucceeded {
		t.Errorf("State = %s, want succeeded", status.State)
	}
	if status.ResultURL != "https://cdn.example/out.png" {
		t.Errorf("ResultURL = %q", status.ResultURL)
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3", client.calls)
	}
}

func TestWaitForTerminalReturnsFailure(t *testing.T) {
	client := &scriptedClient{script: []*provider.Status{
		{State: provider.StateRunning},
		{State: provider.StateFailed, Detail: "render crashed"},
	}}
	p := New(fastConfig(), nil)

	status, err := p.WaitForTerminal(context.Background(), client, &provider.JobRef{TaskID: "task_1"})
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if status.State != provider.StateFailed {
		t.Errorf("State = %s, want failed", status.State)
	}
	if status.Detail != "render crashed" {
		t.Errorf("Detail = %q", status.Detail)
	}
}

func TestWaitForTerminalDeadline(t *testing.T) {
	// never leaves running
	client := &scriptedClient{script: []*provider.Status{{State: provider.StateRunning}}}
	cfg := fastConfig()
	cfg.Deadline = 20 * time.Millisecond
	p := New(cfg, nil)

	_, err := p.WaitForTerminal(context.Background(), client, &provider.JobRef{TaskID: "task_1"})
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("err = %v, want ErrDeadline", err)
	}
	if client.calls == 0 {
		t.Error("expected at least one fetch before the deadline")
	}
}

func TestWaitForTerminalWithinOverridesDeadline(t *testing.T) {
	// never leaves running
	client := &scriptedClient{script: []*provider.Status{{State: provider.StateRunning}}}
	p := New(fastConfig(), nil) // configured deadline is 1s

	start := time.Now()
	_, err := p.WaitForTerminalWithin(context.Background(), client, &provider.JobRef{TaskID: "task_1"}, 15*time.Millisecond)
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("err = %v, want ErrDeadline", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("returned after %v, caller budget was not honored", elapsed)
	}
}

func TestWaitForTerminalWithinZeroBudgetUsesConfig(t *testing.T) {
	client := &scriptedClient{script: []*provider.Status{
		{State: provider.StateRunning},
		{State: provider.StateSucceeded},
	}}
	p := New(fastConfig(), nil)

	status, err := p.WaitForTerminalWithin(context.Background(), client, &provider.JobRef{TaskID: "task_1"}, 0)
	if err != nil {
		t.Fatalf("WaitForTerminalWithin: %v", err)
	}
	if status.State != provider.StateSucceeded {
		t.Errorf("State = %s, want succeeded", status.State)
	}
}

func TestWaitForTerminalContextCancel(t *testing.T) {
	client := &scriptedClient{script: []*provider.Status{{State: provider.StateRunning}}}
	p := New(fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := p.WaitForTerminal(ctx, client, &provider.JobRef{TaskID: "task_1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWaitForTerminalRetriesTransientFetch(t *testing.T) {
	client := &scriptedClient{script: []*provider.Status{
		nil, // 503 once
		{State: provider.StateSucceeded},
	}}
	p := New(fastConfig(), nil)

	status, err := p.WaitForTerminal(context.Background(), client, &provider.JobRef{TaskID: "task_1"})
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if status.State != provider.StateSucceeded {
		t.Errorf("State = %s, want succeeded", status.State)
	}
}

func TestWaitForTerminalReportsExhaustion(t *testing.T) {
	client := &scriptedClient{script: []*provider.Status{nil}} // 503 forever
	p := New(fastConfig(), nil)

	_, err := p.WaitForTerminal(context.Background(), client, &provider.JobRef{TaskID: "task_1"})
	if !provider.IsExhausted(err) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
}
