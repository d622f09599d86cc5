package existence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entity types known to the platform API.
const (
	EntityTenant  = "tenant"
	EntityUser    = "user"
	EntityChannel = "channel"
)

var (
	// ErrEntityNotFound marks a definitive "this id does not exist" answer.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrRateLimited marks a retryable platform throttle response.
	ErrRateLimited = errors.New("platform rate limited")
)

// APIClient confirms a single entity against the platform directory.
type APIClient interface {
	CheckEntity(ctx context.Context, credential, entityType, id string) error
}

// HTTPAPIClient talks to the platform's REST directory. The bearer credential
// is the second key of the two-key defense and is independent from the
// webhook signing secret.
type HTTPAPIClient struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPAPIClient(baseURL string, client *http.Client) *HTTPAPIClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPAPIClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  client,
		Timeout: 5 * time.Second,
	}
}

func (c *HTTPAPIClient) CheckEntity(ctx context.Context, credential, entityType, id string) error {
	path, err := entityPath(entityType)
	if err != nil {
		return err
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	endpoint := c.BaseURL + path + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", entityType, id, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", entityType, id, ErrEntityNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: %w", entityType, id, ErrRateLimited)
	default:
		return fmt.Errorf("check %s %s: unexpected status %d", entityType, id, resp.StatusCode)
	}
}

func entityPath(entityType string) (string, error) {
	switch entityType {
	case EntityTenant:
		return "/api/tenants", nil
	case EntityUser:
		return "/api/users", nil
	case EntityChannel:
		return "/api/channels", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}
