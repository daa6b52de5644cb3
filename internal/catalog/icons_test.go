package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/storage/memory"
)

func TestMirrorStoresIconOnce(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := NewIconMirror(dir, srv.Client(), nil)

	path, err := m.Mirror(context.Background(), "Telegram", srv.URL+"/icons/telegram.png")
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if path != filepath.Join(dir, "telegram.png") {
		t.Fatalf("stored at %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("content = %q (%v)", data, err)
	}

	again, err := m.Mirror(context.Background(), "telegram", srv.URL+"/icons/telegram.png")
	if err != nil {
		t.Fatalf("second mirror: %v", err)
	}
	if again != path {
		t.Fatalf("path changed to %s", again)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestMirrorRejectsBadUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			w.WriteHeader(http.StatusNotFound)
		case "/empty.png":
		case "/huge.png":
			w.Write(make([]byte, maxIconBytes+1))
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := NewIconMirror(dir, srv.Client(), nil)
	cases := map[string]string{
		"missing": srv.URL + "/missing.png",
		"empty":   srv.URL + "/empty.png",
		"huge":    srv.URL + "/huge.png",
		"scheme":  "ftp://cdn.local/icon.png",
	}
	for slug, url := range cases {
		if _, err := m.Mirror(context.Background(), slug, url); err == nil {
			t.Fatalf("%s: accepted", slug)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed fetches left %d files behind", len(entries))
	}
}

func TestMirrorSlugNeverEscapesDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("svg"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := NewIconMirror(dir, srv.Client(), nil)

	path, err := m.Mirror(context.Background(), "../Weird SVC!", srv.URL+"/x.svg")
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if path != filepath.Join(dir, "weirdsvc.svg") {
		t.Fatalf("stored at %s", path)
	}
	if _, err := m.Mirror(context.Background(), "!!!", srv.URL+"/x.png"); err == nil {
		t.Fatal("slug with no usable characters accepted")
	}
}

func TestPruneRemovesOrphansAndKeepsLive(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"telegram.png", "whatsapp.svg", "icon-42.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitkeep"), nil, 0o644); err != nil {
		t.Fatalf("seed .gitkeep: %v", err)
	}

	m := NewIconMirror(dir, nil, nil)
	removed, err := m.Prune(map[string]struct{}{"telegram": {}})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "telegram.png")); err != nil {
		t.Fatalf("live icon removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".gitkeep")); err != nil {
		t.Fatalf("dotfile removed: %v", err)
	}
	for _, name := range []string{"whatsapp.svg", "icon-42.tmp"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s survived", name)
		}
	}
}

func TestPruneMissingDirIsNoop(t *testing.T) {
	m := NewIconMirror(filepath.Join(t.TempDir(), "absent"), nil, nil)
	removed, err := m.Prune(nil)
	if err != nil || removed != 0 {
		t.Fatalf("prune = %d (%v), want 0", removed, err)
	}
}

func TestSyncMirrorsIconsAndPrunesOrphans(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("icon"))
	}))
	defer srv.Close()

	store := memory.New()
	seedSyncProvider(t, store, "p1", "kilo")
	vendor := defaultSyncVendor()
	vendor.services = []engine.ServiceRow{
		{ExternalID: "tg", Code: "tg", Name: "Telegram", IconURL: srv.URL + "/tg.png"},
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ghost.png"), []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}
	mirror := NewIconMirror(dir, srv.Client(), nil)
	syncer := NewSyncer(store, store, store, syncVendorSource{"p1": vendor}, nil, nil,
		config.DefaultAliasConfig(), mirror, syncTestConfig(), nil)

	if err := syncer.SyncProvider(ctx, "p1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// The tg code mirrors under its canonical slug.
	if _, err := os.Stat(filepath.Join(dir, "telegram.png")); err != nil {
		t.Fatalf("canonical icon not mirrored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ghost.png")); !os.IsNotExist(err) {
		t.Fatal("orphaned icon survived the integrity pass")
	}
}
