package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
)

const cardPath = "/.well-known/agent.json"

// HTTPDiscoverer fetches agent cards over HTTP.
type HTTPDiscoverer struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPDiscoverer(client *http.Client) *HTTPDiscoverer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPDiscoverer{Client: client, Timeout: 5 * time.Second}
}

func (d *HTTPDiscoverer) Discover(ctx context.Context, target string) (*models.AgentCard, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+cardPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var card models.AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("agent card parse: %w", err)
	}
	return &card, nil
}
