package whitelist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/store"
)

type staticSource struct {
	name string
	cfg  Config
	err  error
	hits int
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Load(ctx context.Context) (Config, error) {
	s.hits++
	return s.cfg, s.err
}

func fullConfig() Config {
	return Config{
		Tenants:  toSet([]string{"T1"}),
		Users:    toSet([]string{"U1", "U2"}),
		Channels: toSet([]string{"C1"}),
	}
}

func TestAuthorizeAllFieldsRequired(t *testing.T) {
	a := &Authorizer{Loader: NewLoader(&staticSource{name: "static", cfg: fullConfig()})}
	ctx := context.Background()

	ok, denied, err := a.Authorize(ctx, "T1", "U1", "C1")
	if err != nil || !ok || len(denied) != 0 {
		t.Fatalf("expected authorized, got ok=%v denied=%v err=%v", ok, denied, err)
	}

	ok, denied, err = a.Authorize(ctx, "T1", "U9", "C1")
	if err != nil || ok {
		t.Fatalf("expected denial, got ok=%v err=%v", ok, err)
	}
	if len(denied) != 1 || denied[0] != "user" {
		t.Fatalf("expected denied=[user], got %v", denied)
	}
}

func TestAuthorizeEmptySetRejectsEverything(t *testing.T) {
	cfg := fullConfig()
	cfg.Channels = nil
	a := &Authorizer{Loader: NewLoader(&staticSource{name: "static", cfg: cfg})}
	ok, denied, err := a.Authorize(context.Background(), "T1", "U1", "C1")
	if err != nil || ok {
		t.Fatalf("empty channel set must reject: ok=%v err=%v", ok, err)
	}
	if len(denied) != 1 || denied[0] != "channel" {
		t.Fatalf("expected denied=[channel], got %v", denied)
	}
}

func TestAuthorizeEmptyFieldDenied(t *testing.T) {
	a := &Authorizer{Loader: NewLoader(&staticSource{name: "static", cfg: fullConfig()})}
	ok, denied, _ := a.Authorize(context.Background(), "", "U1", "C1")
	if ok || len(denied) != 1 || denied[0] != "tenant" {
		t.Fatalf("empty tenant must be denied, got ok=%v denied=%v", ok, denied)
	}
}

func TestLoaderPriorityChain(t *testing.T) {
	broken := &staticSource{name: "primary", err: errors.New("unreachable")}
	backup := &staticSource{name: "backup", cfg: fullConfig()}
	l := NewLoader(broken, backup)
	cfg, err := l.Get(context.Background())
	if err != nil {
		t.Fatalf("lower-priority success must win: %v", err)
	}
	if _, ok := cfg.Tenants["T1"]; !ok {
		t.Fatal("expected backup config")
	}
}

func TestLoaderTotalFailureDiscardsPrevious(t *testing.T) {
	src := &staticSource{name: "flaky", cfg: fullConfig()}
	now := time.Unix(1700000000, 0)
	l := NewLoader(src)
	l.Now = func() time.Time { return now }

	if _, err := l.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.err = errors.New("store down")
	now = now.Add(10 * time.Minute)
	_, err := l.Get(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("total failure must reject, got %v", err)
	}
	// The stale config must stay discarded even within a fresh TTL window.
	_, err = l.Get(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("previous config must be discarded, got %v", err)
	}
}

func TestLoaderTTLCaching(t *testing.T) {
	src := &staticSource{name: "static", cfg: fullConfig()}
	now := time.Unix(1700000000, 0)
	l := NewLoader(src)
	l.Now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Get(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if src.hits != 1 {
		t.Fatalf("expected single load within TTL, got %d", src.hits)
	}
	now = now.Add(defaultTTL + time.Second)
	if _, err := l.Get(ctx); err != nil {
		t.Fatal(err)
	}
	if src.hits != 2 {
		t.Fatalf("expected reload after TTL, got %d", src.hits)
	}
}

func TestLoaderForceRefresh(t *testing.T) {
	src := &staticSource{name: "static", cfg: fullConfig()}
	l := NewLoader(src)
	ctx := context.Background()
	if _, err := l.Get(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Refresh(ctx, true); err != nil {
		t.Fatal(err)
	}
	if src.hits != 2 {
		t.Fatalf("force refresh must bypass TTL, got %d hits", src.hits)
	}
}

func TestStoreSource(t *testing.T) {
	cache := store.NewMemoryCache()
	ctx := context.Background()
	if err := cache.Set(ctx, "whitelist:config", `{"tenants":["T1"],"users":["U1"],"channels":["C1"]}`, time.Hour); err != nil {
		t.Fatal(err)
	}
	cfg, err := StoreSource{Cache: cache, Key: "whitelist:config"}.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.Users["U1"]; !ok {
		t.Fatal("expected U1 in users")
	}
	if _, err := (StoreSource{Cache: cache, Key: "missing"}).Load(ctx); err == nil {
		t.Fatal("missing key must error so the chain can fall through")
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tenants":["T1"],"users":["U1"],"channels":["C1"]}`))
	}))
	defer srv.Close()

	cfg, err := HTTPSource{URL: srv.URL, Client: srv.Client()}.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.Channels["C1"]; !ok {
		t.Fatal("expected C1 in channels")
	}

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	if _, err := (HTTPSource{URL: missing.URL, Client: missing.Client()}).Load(context.Background()); err == nil {
		t.Fatal("non-200 must error so the chain can fall through")
	}
}

func TestEnvSource(t *testing.T) {
	t.Setenv("WHITELIST_JSON", `{"tenants":["T1"],"users":[],"channels":["C1"]}`)
	cfg, err := EnvSource{Var: "WHITELIST_JSON"}.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Users) != 0 {
		t.Fatal("expected empty user set preserved")
	}
	t.Setenv("WHITELIST_JSON", "not-json")
	if _, err := (EnvSource{Var: "WHITELIST_JSON"}).Load(context.Background()); err == nil {
		t.Fatal("invalid JSON must error")
	}
}
