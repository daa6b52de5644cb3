package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/numhive/platform/internal/config"
)

func TestIconRouteServesMirroredFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "telegram.png"), []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("seed icon: %v", err)
	}
	h := newHarness(t, func(cfg *config.HTTPConfig, _ *config.AuthConfig, _ *Deps) {
		cfg.IconBasePath = dir
	})

	rec := h.do(t, http.MethodGet, "/assets/icons/telegram.png", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("icon: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "png-bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") == "" {
		t.Fatal("icon response not cacheable")
	}

	if rec := h.do(t, http.MethodGet, "/assets/icons/absent.png", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing icon: %d", rec.Code)
	}
}

func TestIconRouteNeverLeavesAssetDir(t *testing.T) {
	dir := t.TempDir()
	// A real file one level up must stay unreachable.
	secret := filepath.Join(filepath.Dir(dir), "secret.png")
	if err := os.WriteFile(secret, []byte("secret"), 0o644); err != nil {
		t.Fatalf("seed secret: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitkeep"), nil, 0o644); err != nil {
		t.Fatalf("seed dotfile: %v", err)
	}
	h := newHarness(t, func(cfg *config.HTTPConfig, _ *config.AuthConfig, _ *Deps) {
		cfg.IconBasePath = dir
	})

	for _, path := range []string{
		"/assets/icons/..%2Fsecret.png",
		"/assets/icons/.gitkeep",
	} {
		rec := h.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: %d, want 404", path, rec.Code)
		}
	}
}
