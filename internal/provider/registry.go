package provider

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry holds the configured provider adapters by name.
type Registry struct {
	clients map[string]Client
}

var constructors = map[string]func(Config) (Client, error){
	"imagegen": NewImageGen,
	"videogen": NewVideoGen,
	"audiogen": NewAudioGen,
}

// NewRegistry constructs every configured adapter. Unknown provider names and
// invalid configurations (missing API key, missing base URL) fail here, once,
// at startup.
func NewRegistry(file *File) (*Registry, error) {
	r := &Registry{clients: make(map[string]Client)}
	if file == nil {
		return r, nil
	}
	for name, cfg := range file.Providers {
		ctor, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		client, err := ctor(cfg)
		if err != nil {
			return nil, err
		}
		r.clients[name] = client
		slog.Info("provider configured", "provider", name, "base_url", cfg.BaseURL)
	}
	return r, nil
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return c, nil
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register adds or replaces a client. Tests use this to inject fakes.
func (r *Registry) Register(c Client) {
	if r.clients == nil {
		r.clients = make(map[string]Client)
	}
	r.clients[c.Name()] = c
}
