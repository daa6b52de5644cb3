package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/numhive/platform/pkg/logger"
)

// maxIconBytes caps a single downloaded icon. Anything larger is a
// misconfigured URL, not an icon.
const maxIconBytes = 512 << 10

// iconExtensions lists the file types the mirror stores. Unrecognized
// upstream extensions fall back to .png.
var iconExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".svg":  true,
	".webp": true,
	".ico":  true,
}

// IconMirror keeps local copies of upstream service icons in one flat
// directory so the storefront never hotlinks a provider CDN. Files are
// named by canonical service slug; Prune removes files whose slug left
// the live catalogue.
type IconMirror struct {
	dir    string
	client *http.Client
	log    *logger.Logger

	mkdir     sync.Once
	mkdirFail error
}

// NewIconMirror creates a mirror rooted at dir. client may be nil; a
// 10 s default is used. The directory is created on first write.
func NewIconMirror(dir string, client *http.Client, log *logger.Logger) *IconMirror {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("icon-mirror")
	}
	return &IconMirror{dir: dir, client: client, log: log}
}

// Dir returns the mirror's root directory.
func (m *IconMirror) Dir() string { return m.dir }

// Path returns the stored file for slug, or "" when no copy exists.
func (m *IconMirror) Path(slug string) string {
	slug = sanitizeIconSlug(slug)
	if slug == "" {
		return ""
	}
	for ext := range iconExtensions {
		p := filepath.Join(m.dir, slug+ext)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Mirror downloads the icon at rawURL into the asset directory under the
// slug's name. An existing copy short-circuits; icons change rarely and a
// stale one is replaced by deleting the file. Returns the local path.
func (m *IconMirror) Mirror(ctx context.Context, slug, rawURL string) (string, error) {
	slug = sanitizeIconSlug(slug)
	if slug == "" {
		return "", fmt.Errorf("icon mirror: empty slug")
	}
	if existing := m.Path(slug); existing != "" {
		return existing, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("icon mirror: unsupported url %q", rawURL)
	}
	ext := strings.ToLower(filepath.Ext(u.Path))
	if !iconExtensions[ext] {
		ext = ".png"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("icon mirror: build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("icon mirror: fetch %s: %w", slug, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("icon mirror: fetch %s: status %d", slug, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIconBytes+1))
	if err != nil {
		return "", fmt.Errorf("icon mirror: read %s: %w", slug, err)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("icon mirror: fetch %s: empty body", slug)
	}
	if len(body) > maxIconBytes {
		return "", fmt.Errorf("icon mirror: fetch %s: exceeds %d bytes", slug, maxIconBytes)
	}

	if err := m.ensureDir(); err != nil {
		return "", err
	}
	target := filepath.Join(m.dir, slug+ext)
	tmp, err := os.CreateTemp(m.dir, "icon-*.tmp")
	if err != nil {
		return "", fmt.Errorf("icon mirror: temp file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("icon mirror: write %s: %w", slug, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("icon mirror: close %s: %w", slug, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("icon mirror: store %s: %w", slug, err)
	}
	return target, nil
}

// Prune removes stored icons whose slug is not in live, plus any write
// leftovers. Dotfiles are kept. Returns how many files were removed.
func (m *IconMirror) Prune(live map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("icon mirror: read dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		slug := strings.TrimSuffix(name, filepath.Ext(name))
		if _, ok := live[slug]; ok && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			m.log.WithError(err).WithField("file", name).Warn("remove orphaned icon")
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *IconMirror) ensureDir() error {
	m.mkdir.Do(func() {
		m.mkdirFail = os.MkdirAll(m.dir, 0o755)
	})
	if m.mkdirFail != nil {
		return fmt.Errorf("icon mirror: create %s: %w", m.dir, m.mkdirFail)
	}
	return nil
}

// sanitizeIconSlug keeps the characters a canonical service slug may
// contain, so a slug can never traverse out of the asset directory.
func sanitizeIconSlug(slug string) string {
	slug = strings.ToLower(strings.TrimSpace(slug))
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
