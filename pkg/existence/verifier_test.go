package existence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/backoff"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/store"
)

func fastRetry() backoff.Strategy {
	return backoff.New(time.Millisecond, 2, 4*time.Millisecond, 4)
}

type fakeAPI struct {
	calls []string
	fn    func(entityType, id string) error
}

func (f *fakeAPI) CheckEntity(ctx context.Context, credential, entityType, id string) error {
	f.calls = append(f.calls, entityType+":"+id)
	if f.fn == nil {
		return nil
	}
	return f.fn(entityType, id)
}

func TestVerifyEntitiesAllPresent(t *testing.T) {
	api := &fakeAPI{}
	v := NewVerifier(api, store.NewMemoryCache())
	v.Retry = fastRetry()
	if err := v.VerifyEntities(context.Background(), "xoxb-1", "T1", "U1", "C1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.calls) != 3 {
		t.Fatalf("expected 3 platform calls, got %v", api.calls)
	}
}

func TestVerifyEntitiesSkipsEmptyIDs(t *testing.T) {
	api := &fakeAPI{}
	v := NewVerifier(api, store.NewMemoryCache())
	v.Retry = fastRetry()
	if err := v.VerifyEntities(context.Background(), "xoxb-1", "T1", "", "C1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, call := range api.calls {
		if strings.HasPrefix(call, "user:") {
			t.Fatalf("empty user id must not be checked: %v", api.calls)
		}
	}
}

func TestVerifyEntitiesCacheHitSkipsCalls(t *testing.T) {
	api := &fakeAPI{}
	v := NewVerifier(api, store.NewMemoryCache())
	v.Retry = fastRetry()
	ctx := context.Background()
	if err := v.VerifyEntities(ctx, "xoxb-1", "T1", "U1", "C1"); err != nil {
		t.Fatal(err)
	}
	before := len(api.calls)
	if err := v.VerifyEntities(ctx, "xoxb-1", "T1", "U1", "C1"); err != nil {
		t.Fatal(err)
	}
	if len(api.calls) != before {
		t.Fatalf("cache hit must skip platform calls, got %v", api.calls)
	}
}

func TestVerifyEntitiesNotFoundFailsImmediately(t *testing.T) {
	api := &fakeAPI{fn: func(entityType, id string) error {
		if entityType == EntityUser {
			return fmt.Errorf("user %s: %w", id, ErrEntityNotFound)
		}
		return nil
	}}
	v := NewVerifier(api, store.NewMemoryCache())
	v.Retry = fastRetry()
	err := v.VerifyEntities(context.Background(), "xoxb-1", "T1", "U404", "C1")
	if !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
	userCalls := 0
	for _, call := range api.calls {
		if strings.HasPrefix(call, "user:") {
			userCalls++
		}
	}
	if userCalls != 1 {
		t.Fatalf("not-found must not be retried, got %d user calls", userCalls)
	}
}

func TestVerifyEntitiesRateLimitRetries(t *testing.T) {
	attempts := 0
	api := &fakeAPI{fn: func(entityType, id string) error {
		if entityType == EntityTenant {
			attempts++
			if attempts < 3 {
				return ErrRateLimited
			}
		}
		return nil
	}}
	v := NewVerifier(api, store.NewMemoryCache())
	v.Retry = fastRetry()
	if err := v.VerifyEntities(context.Background(), "xoxb-1", "T1", "U1", "C1"); err != nil {
		t.Fatalf("expected recovery after throttle, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 tenant attempts, got %d", attempts)
	}
}

func TestVerifyEntitiesRecoversOnLastThrottleRetry(t *testing.T) {
	attempts := 0
	api := &fakeAPI{fn: func(entityType, id string) error {
		if entityType == EntityTenant {
			attempts++
			if attempts < 4 {
				return ErrRateLimited
			}
		}
		return nil
	}}
	v := NewVerifier(api, store.NewMemoryCache())
	v.Retry = fastRetry()
	if err := v.VerifyEntities(context.Background(), "xoxb-1", "T1", "U1", "C1"); err != nil {
		t.Fatalf("expected recovery on final retry, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 tenant attempts, got %d", attempts)
	}
}

func TestDefaultThrottleBackoff(t *testing.T) {
	v := NewVerifier(&fakeAPI{}, nil)
	if v.Retry.MaxAttempts != 4 {
		t.Fatalf("max attempts %d, want 4", v.Retry.MaxAttempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := v.Retry.Delay(i); got != w {
			t.Fatalf("retry delay %d = %v, want %v", i, got, w)
		}
	}
}

func TestVerifyEntitiesRateLimitExhaustsAndFails(t *testing.T) {
	api := &fakeAPI{fn: func(entityType, id string) error { return ErrRateLimited }}
	v := NewVerifier(api, store.NewMemoryCache())
	v.Retry = fastRetry()
	err := v.VerifyEntities(context.Background(), "xoxb-1", "T1", "U1", "C1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected exhausted throttle failure, got %v", err)
	}
}

func TestVerifyEntitiesFailsClosedOnUnknownError(t *testing.T) {
	api := &fakeAPI{fn: func(entityType, id string) error { return errors.New("upstream 500") }}
	v := NewVerifier(api, store.NewMemoryCache())
	v.Retry = fastRetry()
	if err := v.VerifyEntities(context.Background(), "xoxb-1", "T1", "U1", "C1"); err == nil {
		t.Fatal("unknown errors must reject")
	}
}

func TestVerifyEntitiesMissingCredential(t *testing.T) {
	v := NewVerifier(&fakeAPI{}, store.NewMemoryCache())
	if err := v.VerifyEntities(context.Background(), "", "T1", "U1", "C1"); err == nil {
		t.Fatal("missing credential must reject")
	}
}

func TestHTTPAPIClientStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer xoxb-1" {
			t.Errorf("missing bearer credential, got %q", got)
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/tenants/"):
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/api/users/"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasPrefix(r.URL.Path, "/api/channels/"):
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPAPIClient(srv.URL, srv.Client())
	ctx := context.Background()
	if err := c.CheckEntity(ctx, "xoxb-1", EntityTenant, "T1"); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	if err := c.CheckEntity(ctx, "xoxb-1", EntityUser, "U1"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("user: expected not found, got %v", err)
	}
	if err := c.CheckEntity(ctx, "xoxb-1", EntityChannel, "C1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("channel: expected rate limited, got %v", err)
	}
	if err := c.CheckEntity(ctx, "xoxb-1", "workspace", "W1"); err == nil {
		t.Fatal("unknown entity type must error")
	}
}

func TestCacheKeyDistinguishesAbsentFields(t *testing.T) {
	if CacheKey("T1", "", "C1") == CacheKey("T1", "C1", "") {
		t.Fatal("absent fields must keep their position in the key")
	}
}
