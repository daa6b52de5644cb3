package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/numhive/platform/internal/config"
)

type recordedCall struct {
	method string
	path   string
	body   string
	auth   string
}

type fakeEngine struct {
	mu       sync.Mutex
	calls    []recordedCall
	indexes  map[string]bool
	searchFn func() string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{indexes: map[string]bool{}}
}

func (f *fakeEngine) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.calls = append(f.calls, recordedCall{
			method: r.Method,
			path:   r.URL.Path,
			body:   string(body),
			auth:   r.Header.Get("Authorization"),
		})
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/health":
			w.Write([]byte(`{"status":"available"}`))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/indexes/"):
			uid := strings.TrimPrefix(r.URL.Path, "/indexes/")
			f.mu.Lock()
			exists := f.indexes[uid]
			f.mu.Unlock()
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"message":"Index not found"}`))
				return
			}
			w.Write([]byte(`{"uid":"` + uid + `"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/indexes":
			var req struct {
				UID string `json:"uid"`
			}
			json.Unmarshal(body, &req)
			f.mu.Lock()
			f.indexes[req.UID] = true
			f.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"taskUid":1}`))
		case strings.HasSuffix(r.URL.Path, "/search"):
			resp := `{"hits":[],"estimatedTotalHits":0}`
			if f.searchFn != nil {
				resp = f.searchFn()
			}
			w.Write([]byte(resp))
		default:
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"taskUid":2}`))
		}
	})
}

func (f *fakeEngine) call(i int) recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestClient(t *testing.T, engine *fakeEngine) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(engine.handler())
	t.Cleanup(srv.Close)
	c := NewClient(config.SearchConfig{
		Host:      srv.URL,
		APIKey:    "master-key",
		IndexName: "offers",
	}, srv.Client(), nil)
	return c, srv
}

func TestClientDisabledWithoutHost(t *testing.T) {
	c := NewClient(config.SearchConfig{}, nil, nil)
	if c.Enabled() {
		t.Fatal("client with no host must be disabled")
	}
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("disabled client must fail fast")
	}
	var nilClient *Client
	if nilClient.Enabled() {
		t.Fatal("nil client must be disabled")
	}
}

func TestEnsureIndexCreatesAndConfigures(t *testing.T) {
	engine := newFakeEngine()
	c, _ := newTestClient(t, engine)

	synonyms := SynonymTable(config.DefaultAliasConfig())
	err := c.EnsureIndex(context.Background(), synonyms, []string{"sms", "code"})
	if err != nil {
		t.Fatalf("ensure index: %v", err)
	}

	// probe, create, settings.
	if engine.count() != 3 {
		t.Fatalf("calls = %d, want 3", engine.count())
	}
	if call := engine.call(1); call.method != http.MethodPost || call.path != "/indexes" {
		t.Fatalf("create call = %+v", call)
	}
	settings := engine.call(2)
	if settings.method != http.MethodPatch || settings.path != "/indexes/offers/settings" {
		t.Fatalf("settings call = %+v", settings)
	}
	if settings.auth != "Bearer master-key" {
		t.Fatalf("auth header = %q", settings.auth)
	}
	for _, want := range []string{`"stock:desc"`, `"lastSyncedAt:desc"`, `"stopWords"`, `"telegram"`} {
		if !strings.Contains(settings.body, want) {
			t.Fatalf("settings body missing %s: %s", want, settings.body)
		}
	}

	// A second run finds the index and only refreshes settings.
	if err := c.EnsureIndex(context.Background(), nil, nil); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if engine.count() != 5 {
		t.Fatalf("calls = %d, want probe+settings only", engine.count())
	}
}

func TestClientSearch(t *testing.T) {
	engine := newFakeEngine()
	engine.searchFn = func() string {
		return `{"hits":[{"id":"a","serviceSlug":"telegram","price":120,"stock":4}],"estimatedTotalHits":1,"query":"tele"}`
	}
	c, _ := newTestClient(t, engine)

	res, err := c.Search(context.Background(), Query{Query: "tele", Filter: "stock > 0", Limit: 50})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Hits) != 1 || res.Hits[0].ServiceSlug != "telegram" || res.Hits[0].Price != 120 {
		t.Fatalf("hits = %+v", res.Hits)
	}

	call := engine.call(0)
	if call.path != "/indexes/offers/search" {
		t.Fatalf("path = %s", call.path)
	}
	if !strings.Contains(call.body, `"q":"tele"`) || !strings.Contains(call.body, `"stock > 0"`) {
		t.Fatalf("query body = %s", call.body)
	}
}

func TestClientSurfacesEngineErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"invalid filter"}`))
	}))
	defer srv.Close()
	c := NewClient(config.SearchConfig{Host: srv.URL}, srv.Client(), nil)

	_, err := c.Search(context.Background(), Query{Query: "x"})
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "invalid filter") {
		t.Fatalf("error surface: %v", err)
	}
}

func TestDeleteStaleFilter(t *testing.T) {
	engine := newFakeEngine()
	c, _ := newTestClient(t, engine)

	if err := c.DeleteStale(context.Background(), "kilo", 1700000000); err != nil {
		t.Fatalf("delete stale: %v", err)
	}
	call := engine.call(0)
	if call.path != "/indexes/offers/documents/delete" {
		t.Fatalf("path = %s", call.path)
	}
	if !strings.Contains(call.body, `provider = \"kilo\" AND lastSyncedAt < 1700000000`) {
		t.Fatalf("filter body = %s", call.body)
	}
}
