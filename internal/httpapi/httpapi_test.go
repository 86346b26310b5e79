package httpapi

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atomnode/node/internal/db"
	"github.com/atomnode/node/internal/env"
	"github.com/atomnode/node/internal/executionstore"
	"github.com/atomnode/node/internal/installer"
	"github.com/atomnode/node/internal/models"
	"github.com/atomnode/node/internal/orchestrator"
	"github.com/atomnode/node/internal/paths"
	"github.com/atomnode/node/internal/pluginstore"
	"github.com/atomnode/node/internal/supervisor"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	resolver, err := paths.NewResolver(t.TempDir())
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	plugins := pluginstore.New(conn)
	provisioner := env.New(logger, "uv")
	install := installer.New(logger, plugins, resolver, provisioner)

	execs := executionstore.New(conn)
	sup := supervisor.New(logger, execs, resolver, models.PreviewTTL)
	orch := orchestrator.New(logger, plugins, execs, sup, "sh", "1.0.0")

	return New(logger, plugins, install, orch)
}

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for name, content := range entries {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.SetMode(0o755)
		fw, err := w.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writePackage(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()
	data := buildZip(t, entries)
	path := filepath.Join(dir, "pkg.zip")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInstallListGetUninstallPlugin(t *testing.T) {
	s := newTestServer(t)
	pkgPath := writePackage(t, t.TempDir(), map[string]string{
		"metadata.json": `{"plugin_id":"hello","name":"Hello","version":"1.0.0","plugin_type":"script","entry_point":"entry.sh"}`,
		"entry.sh":      "#!/bin/sh\necho hi\n",
	})

	body, _ := json.Marshal(map[string]string{"package_url": pkgPath})
	req := httptest.NewRequest(http.MethodPost, "/api/plugins", bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/plugins", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")

	req = httptest.NewRequest(http.MethodGet, "/api/plugins/hello", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/plugins/hello/disable", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/plugins/hello", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/plugins/hello", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPlugin_UnknownReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/plugins/missing", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestExecuteThenListExecutions(t *testing.T) {
	s := newTestServer(t)
	dir := t.TempDir()
	pkgPath := writePackage(t, dir, map[string]string{
		"metadata.json": `{"plugin_id":"hello","name":"Hello","version":"1.0.0","plugin_type":"script","entry_point":"entry.sh"}`,
		"entry.sh":      "#!/bin/sh\necho hi\n",
	})

	body, _ := json.Marshal(map[string]string{"package_url": pkgPath})
	req := httptest.NewRequest(http.MethodPost, "/api/plugins", bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/plugins/hello/execute", strings.NewReader("{}"))
	req.ContentLength = 2
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/executions?plugin_id=hello", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestApply_UnknownExecutionReturns404(t *testing.T) {
	s := newTestServer(t)
	dir := t.TempDir()
	pkgPath := writePackage(t, dir, map[string]string{
		"metadata.json": `{"plugin_id":"hello","name":"Hello","version":"1.0.0","plugin_type":"script","entry_point":"entry.sh"}`,
		"entry.sh":      "#!/bin/sh\necho hi\n",
	})

	body, _ := json.Marshal(map[string]string{"package_url": pkgPath})
	req := httptest.NewRequest(http.MethodPost, "/api/plugins", bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	applyBody, _ := json.Marshal(map[string]string{"confirm_token": "wrong"})
	req = httptest.NewRequest(http.MethodPost, "/api/executions/does-not-exist/apply", bytes.NewReader(applyBody))
	req.ContentLength = int64(len(applyBody))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
