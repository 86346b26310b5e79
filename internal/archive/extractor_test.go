package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomnode/node/internal/apperr"
)

func buildZip(t *testing.T, entries map[string]string, executable map[string]bool) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)

	for name, content := range entries {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		if executable[name] {
			hdr.SetMode(0o755)
		} else {
			hdr.SetMode(0o644)
		}
		fw, err := w.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtract_WritesFilesUnderTarget(t *testing.T) {
	target := t.TempDir()
	data := buildZip(t, map[string]string{
		"metadata.json": `{"name":"hello"}`,
		"sub/index.js":  "console.log('hi')",
	}, nil)

	require.NoError(t, Extract(data, target))

	content, err := os.ReadFile(filepath.Join(target, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"hello"}`, string(content))

	content, err = os.ReadFile(filepath.Join(target, "sub", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(content))
}

func TestExtract_PreservesExecutableBit(t *testing.T) {
	if os.Getenv("GOOS") == "windows" {
		t.Skip("POSIX-only assertion")
	}
	target := t.TempDir()
	data := buildZip(t, map[string]string{
		"run.sh": "#!/bin/sh\necho hi",
	}, map[string]bool{"run.sh": true})

	require.NoError(t, Extract(data, target))

	info, err := os.Stat(filepath.Join(target, "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o111)
}

func TestExtract_RejectsParentDirEscape(t *testing.T) {
	target := t.TempDir()
	data := buildZip(t, map[string]string{
		"../escape.txt": "evil",
	}, nil)

	err := Extract(data, target)
	require.Error(t, err)
	assert.Equal(t, apperr.KindArchive, apperr.KindOf(err))

	_, statErr := os.Stat(filepath.Join(filepath.Dir(target), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtract_RejectsAbsolutePath(t *testing.T) {
	target := t.TempDir()
	data := buildZip(t, map[string]string{
		"/etc/evil.txt": "evil",
	}, nil)

	err := Extract(data, target)
	require.Error(t, err)
	assert.Equal(t, apperr.KindArchive, apperr.KindOf(err))
}

func TestExtract_CreatesDirectoryEntries(t *testing.T) {
	target := t.TempDir()
	data := buildZip(t, map[string]string{
		"emptydir/": "",
	}, nil)

	require.NoError(t, Extract(data, target))

	info, err := os.Stat(filepath.Join(target, "emptydir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExtract_RejectsMalformedArchive(t *testing.T) {
	target := t.TempDir()
	err := Extract([]byte("not a zip"), target)
	require.Error(t, err)
	assert.Equal(t, apperr.KindArchive, apperr.KindOf(err))
}

func TestSafeRelPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain file", "index.js", false},
		{"nested file", "a/b/c.py", false},
		{"parent escape", "../escape", true},
		{"deep parent escape", "a/../../escape", true},
		{"absolute unix", "/etc/passwd", true},
		{"current dir only", ".", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := safeRelPath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
