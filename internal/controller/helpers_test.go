package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobility-trailblazers/offline-edge/internal/cache"
	"github.com/mobility-trailblazers/offline-edge/internal/policy"
)

const (
	testOrigin  = "https://site.test"
	testVersion = "mobility-trailblazers-v2"
)

var testManifest = []string{
	"/",
	"/favicon.ico",
	"/manifest.json",
	"/android-chrome-192x192.png",
	"/android-chrome-512x512.png",
	"/apple-touch-icon.png",
}

// stubNetwork serves requests from an in-process handler and can be switched
// offline to simulate a failing network.
type stubNetwork struct {
	mu      sync.Mutex
	offline bool
	handler http.Handler
	hits    map[string]int
}

func newStubNetwork() *stubNetwork {
	mux := http.NewServeMux()
	mux.HandleFunc("site.test/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
			return
		case "/api/submit":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"success":true}`)
			return
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	})
	mux.HandleFunc("widgets.sociablekit.com/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = io.WriteString(w, "widget()")
	})
	mux.HandleFunc("cdn.example/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = io.WriteString(w, "lib()")
	})
	mux.HandleFunc("opaque.example/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "GIF89a")
	})
	return &stubNetwork{handler: mux, hits: map[string]int{}}
}

func (s *stubNetwork) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	offline := s.offline
	s.hits[req.Method+" "+req.URL.String()]++
	s.mu.Unlock()
	if offline {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, errors.New("unsupported protocol scheme " + req.URL.Scheme)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func (s *stubNetwork) setOffline(v bool) {
	s.mu.Lock()
	s.offline = v
	s.mu.Unlock()
}

func (s *stubNetwork) hitCount(method, rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+rawURL]
}

// failingStore wraps a store and fails every Put.
type failingStore struct {
	cache.Store
}

func (f failingStore) Put(context.Context, string, cache.Entry) error {
	return errors.New("disk full")
}

// gatedStore 在打开闸门前阻塞对指定命名空间的 Put，用于模拟慢速写入。
type gatedStore struct {
	cache.Store
	namespace string
	armed     atomic.Bool
	entered   chan struct{}
	gate      chan struct{}
	once      sync.Once
}

func newGatedStore(store cache.Store, namespace string) *gatedStore {
	return &gatedStore{
		Store:     store,
		namespace: namespace,
		entered:   make(chan struct{}),
		gate:      make(chan struct{}),
	}
}

func (g *gatedStore) Put(ctx context.Context, namespace string, entry cache.Entry) error {
	if g.armed.Load() && namespace == g.namespace {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.Store.Put(ctx, namespace, entry)
}

// fetcherFunc 把函数适配为 Fetcher。
type fetcherFunc func(*http.Request) (*http.Response, error)

func (f fetcherFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newTestController(t *testing.T, network Fetcher, store cache.Store, mutate ...func(*Options)) *Controller {
	t.Helper()
	origin := mustParse(t, testOrigin)
	opts := Options{
		Version:              testVersion,
		Origin:               origin,
		Manifest:             testManifest,
		Rules:                policy.DefaultRules(),
		Store:                store,
		Fetcher:              network,
		SkipWaitingOnInstall: true,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func activeController(t *testing.T, network Fetcher, store cache.Store, mutate ...func(*Options)) *Controller {
	t.Helper()
	c := newTestController(t, network, store, mutate...)
	ctx := context.Background()
	_, err := c.Install(ctx)
	require.NoError(t, err)
	_, err = c.Activate(ctx)
	require.NoError(t, err)
	return c
}

func newRequest(t *testing.T, method, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func entryKey(t *testing.T, method, rawURL string) string {
	t.Helper()
	return cache.Key(method, mustParse(t, rawURL))
}

func hasEntry(t *testing.T, store cache.Store, namespace, method, rawURL string) bool {
	t.Helper()
	_, err := store.Get(context.Background(), namespace, entryKey(t, method, rawURL))
	if errors.Is(err, cache.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}
