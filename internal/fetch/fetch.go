// Package fetch resolves a plugin or metadata package_url to bytes,
// supporting file://, bare/relative filesystem paths, and http(s) URLs.
//
// Grounded on original_source/src/services/plugin_service.rs
// (fetch_bytes, resolve_local_path, resolve_package_url), using
// net/http the way Stavily-01-Agents/shared/pkg/api/client.go builds
// its outbound client (see DESIGN.md: no third-party HTTP client
// appears anywhere in the retrieved pack).
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atomnode/node/internal/apperr"
)

const defaultTimeout = 2 * time.Minute

// Fetcher retrieves package bytes from a package_url.
type Fetcher struct {
	client *http.Client
}

// New builds a Fetcher with a bounded-timeout HTTP client.
func New() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: defaultTimeout}}
}

// Fetch resolves ref (optionally relative to baseRef, e.g. a metadata
// URL the package_url was declared alongside) and returns its bytes.
func (f *Fetcher) Fetch(ctx context.Context, ref, baseRef string) ([]byte, error) {
	resolved := Resolve(ref, baseRef)

	if localPath, ok := LocalPath(resolved); ok {
		data, err := os.ReadFile(localPath)
		if err != nil {
			return nil, apperr.IO(err, "failed to read local package %s", localPath)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, apperr.Network(err, "invalid package URL: %s", resolved)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Network(err, "failed to download package from %s", resolved)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Network(nil, "failed to download package from %s: status %d", resolved, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network(err, "failed to read package body from %s", resolved)
	}
	return data, nil
}

// LocalPath returns the filesystem path ref refers to, and true, when
// ref is a file:// URL or a bare/relative path rather than an http(s)
// URL.
func LocalPath(ref string) (string, bool) {
	if path, ok := strings.CutPrefix(ref, "file://"); ok {
		if rest, ok := strings.CutPrefix(path, "localhost/"); ok {
			path = "/" + rest
		}
		return path, true
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return "", false
	}
	return ref, true
}

// Resolve returns ref unchanged if it is already absolute (http(s)://,
// file://, or an absolute filesystem path); otherwise it resolves ref
// relative to baseRef, the same way a package_url declared alongside a
// metadata_url is resolved against that metadata_url's location.
func Resolve(ref, baseRef string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "file://") {
		return ref
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	if baseRef == "" {
		return ref
	}

	if baseLocal, ok := LocalPath(baseRef); ok {
		return filepath.Join(filepath.Dir(baseLocal), ref)
	}

	if baseURL, err := url.Parse(baseRef); err == nil {
		if joined, err := baseURL.Parse(ref); err == nil {
			return joined.String()
		}
	}

	return ref
}
