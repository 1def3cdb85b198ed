package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// imageGen drives an image generation backend. Wire format:
// POST /v1/generations           -> {"id": "...", "status_url": "..."}
// GET  /v1/generations/{id}      -> {"status": "...", "output": {"url": "..."}, "error": {"message": "..."}}
type imageGen struct {
	api *apiClient
}

var imageVocab = map[string]State{
	"queued":     StateQueued,
	"pending":    StateQueued,
	"processing": StateRunning,
	"running":    StateRunning,
	"complete":   StateSucceeded,
	"completed":  StateSucceeded,
	"ready":      StateSucceeded,
	"error":      StateFailed,
	"failed":     StateFailed,
	"canceled":   StateCanceled,
	"cancelled":  StateCanceled,
}

// NewImageGen creates the image generation adapter.
func NewImageGen(cfg Config) (Client, error) {
	if err := cfg.validate("imagegen"); err != nil {
		return nil, err
	}
	return &imageGen{api: newAPIClient("imagegen", cfg)}, nil
}

func (g *imageGen) Name() string { return "imagegen" }

func (g *imageGen) Create(ctx context.Context, payload json.RawMessage) (*JobRef, error) {
	status, body, err := g.api.postJSON(ctx, "/v1/generations", payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &CreateRejectedError{Provider: g.Name(), StatusCode: status, Body: trimBody(body)}
	}
	var resp struct {
		ID        string `json:"id"`
		StatusURL string `json:"status_url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("imagegen create response: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("imagegen create response missing id: %s", trimBody(body))
	}
	return &JobRef{TaskID: resp.ID, StatusURL: resp.StatusURL}, nil
}

func (g *imageGen) FetchStatus(ctx context.Context, ref *JobRef) (*Status, error) {
	url := g.api.statusURL(ref, "/v1/generations/"+ref.TaskID)
	status, body, err := g.api.getJSON(ctx, url)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TransportError{Provider: g.Name(), Op: "fetch status", StatusCode: status}
	}
	var resp struct {
		Status string `json:"status"`
		Output struct {
			URL string `json:"url"`
		} `json:"output"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("imagegen status response: %w", err)
	}
	return &Status{
		State:     normalizeStatus(imageVocab, resp.Status),
		ResultURL: resp.Output.URL,
		Detail:    resp.Error.Message,
	}, nil
}
