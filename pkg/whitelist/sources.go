package whitelist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/backoff"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/httpx"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/store"
)

// configDocument is the wire shape shared by every source.
type configDocument struct {
	Tenants  []string `json:"tenants"`
	Users    []string `json:"users"`
	Channels []string `json:"channels"`
}

func parseDocument(raw []byte) (Config, error) {
	var doc configDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse whitelist document: %w", err)
	}
	return Config{
		Tenants:  toSet(doc.Tenants),
		Users:    toSet(doc.Users),
		Channels: toSet(doc.Channels),
	}, nil
}

// EnvSource reads a JSON document from an environment variable. Highest
// priority: lets operators pin a whitelist without touching shared stores.
type EnvSource struct {
	Var string
}

func (s EnvSource) Name() string { return "env:" + s.Var }

func (s EnvSource) Load(ctx context.Context) (Config, error) {
	raw := strings.TrimSpace(os.Getenv(s.Var))
	if raw == "" {
		return Config{}, errors.New("not set")
	}
	return parseDocument([]byte(raw))
}

// FileSource reads a JSON document from disk.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Load(ctx context.Context) (Config, error) {
	if strings.TrimSpace(s.Path) == "" {
		return Config{}, errors.New("no path configured")
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return Config{}, err
	}
	return parseDocument(raw)
}

// StoreSource reads a JSON document from the shared key/value store, so the
// whitelist can be administered externally without redeploying.
type StoreSource struct {
	Cache store.Cache
	Key   string
}

func (s StoreSource) Name() string { return "store:" + s.Key }

func (s StoreSource) Load(ctx context.Context) (Config, error) {
	if s.Cache == nil {
		return Config{}, errors.New("no store configured")
	}
	raw, err := s.Cache.Get(ctx, s.Key)
	if err != nil {
		return Config{}, err
	}
	return parseDocument([]byte(raw))
}

// HTTPSource fetches a JSON document from a config service. Transient 5xx
// answers are retried briefly; the loader's own chain handles hard failure.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource) Name() string { return "http:" + s.URL }

func (s HTTPSource) Load(ctx context.Context) (Config, error) {
	if strings.TrimSpace(s.URL) == "" {
		return Config{}, errors.New("no url configured")
	}
	status, body, err := httpx.RequestJSON(ctx, s.Client, http.MethodGet, s.URL, nil, nil,
		backoff.New(200*time.Millisecond, 2, time.Second, 3))
	if err != nil {
		return Config{}, err
	}
	if status != http.StatusOK {
		return Config{}, fmt.Errorf("config fetch: status %d", status)
	}
	return parseDocument(body)
}
