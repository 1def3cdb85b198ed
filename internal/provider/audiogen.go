package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// audioGen drives an audio generation backend. Wire format uses a data
// envelope and a distinct key header:
// POST /api/generate      -> {"data": {"task_id": "..."}}
// GET  /api/task/{id}     -> {"data": {"status": "...", "audio_url": "...", "message": "..."}}
type audioGen struct {
	api *apiClient
}

var audioVocab = map[string]State{
	"pending":   StateQueued,
	"queued":    StateQueued,
	"streaming": StateRunning,
	"running":   StateRunning,
	"complete":  StateSucceeded,
	"done":      StateSucceeded,
	"error":     StateFailed,
	"failed":    StateFailed,
	"canceled":  StateCanceled,
}

// NewAudioGen creates the audio generation adapter.
func NewAudioGen(cfg Config) (Client, error) {
	if err := cfg.validate("audiogen"); err != nil {
		return nil, err
	}
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "X-Api-Key"
	}
	return &audioGen{api: newAPIClient("audiogen", cfg)}, nil
}

func (g *audioGen) Name() string { return "audiogen" }

func (g *audioGen) Create(ctx context.Context, payload json.RawMessage) (*JobRef, error) {
	status, body, err := g.api.postJSON(ctx, "/api/generate", payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &CreateRejectedError{Provider: g.Name(), StatusCode: status, Body: trimBody(body)}
	}
	var resp struct {
		Data struct {
			TaskID string `json:"task_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("audiogen create response: %w", err)
	}
	if resp.Data.TaskID == "" {
		return nil, fmt.Errorf("audiogen create response missing task_id: %s", trimBody(body))
	}
	return &JobRef{TaskID: resp.Data.TaskID}, nil
}

func (g *audioGen) FetchStatus(ctx context.Context, ref *JobRef) (*Status, error) {
	url := g.api.statusURL(ref, "/api/task/"+ref.TaskID)
	status, body, err := g.api.getJSON(ctx, url)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TransportError{Provider: g.Name(), Op: "fetch status", StatusCode: status}
	}
	var resp struct {
		Data struct {
			Status   string `json:"status"`
			AudioURL string `json:"audio_url"`
			Message  string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("audiogen status response: %w", err)
	}
	return &Status{
		State:     normalizeStatus(audioVocab, resp.Data.Status),
		ResultURL: resp.Data.AudioURL,
		Detail:    resp.Data.Message,
	}, nil
}
