package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// videoGen drives a video generation backend. Wire format wraps everything
// in a task envelope:
// POST /tasks           -> {"task": {"id": "..."}}
// GET  /tasks/{id}      -> {"task": {"state": "...", "video_url": "...", "fail_reason": "..."}}
type videoGen struct {
	api *apiClient
}

var videoVocab = map[string]State{
	"submitted":  StateQueued,
	"queued":     StateQueued,
	"processing": StateRunning,
	"rendering":  StateRunning,
	"success":    StateSucceeded,
	"succeeded":  StateSucceeded,
	"failure":    StateFailed,
	"failed":     StateFailed,
	"canceled":   StateCanceled,
}

// NewVideoGen creates the video generation adapter.
func NewVideoGen(cfg Config) (Client, error) {
	if err := cfg.validate("videogen"); err != nil {
		return nil, err
	}
	return &videoGen{api: newAPIClient("videogen", cfg)}, nil
}

func (g *videoGen) Name() string { return "videogen" }

func (g *videoGen) Create(ctx context.Context, payload json.RawMessage) (*JobRef, error) {
	status, body, err := g.api.postJSON(ctx, "/tasks", payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &CreateRejectedError{Provider: g.Name(), StatusCode: status, Body: trimBody(body)}
	}
	var resp struct {
		Task struct {
			ID string `json:"id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("videogen create response: %w", err)
	}
	if resp.Task.ID == "" {
		return nil, fmt.Errorf("videogen create response missing task id: %s", trimBody(body))
	}
	return &JobRef{TaskID: resp.Task.ID}, nil
}

func (g *videoGen) FetchStatus(ctx context.Context, ref *JobRef) (*Status, error) {
	url := g.api.statusURL(ref, "/tasks/"+ref.TaskID)
	status, body, err := g.api.getJSON(ctx, url)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TransportError{Provider: g.Name(), Op: "fetch status", StatusCode: status}
	}
	var resp struct {
		Task struct {
			State      string `json:"state"`
			VideoURL   string `json:"video_url"`
			FailReason string `json:"fail_reason"`
		} `json:"task"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("videogen status response: %w", err)
	}
	return &Status{
		State:     normalizeStatus(videoVocab, resp.Task.State),
		ResultURL: resp.Task.VideoURL,
		Detail:    resp.Task.FailReason,
	}, nil
}
