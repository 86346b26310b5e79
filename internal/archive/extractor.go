// Package archive extracts plugin package archives into a target
// directory, rejecting any entry whose enclosed path would escape it.
//
// Grounded on original_source/src/services/plugin_service.rs extract_zip:
// the same by-index iteration, directory-entry handling, and rejection
// of unsafe enclosed names, ported from the zip crate to Go's stdlib
// archive/zip (see DESIGN.md for why stdlib and not a third-party zip
// library).
package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/atomnode/node/internal/apperr"
)

// Extract validates buf as a well-formed zip archive and materialises it
// under targetDir, preserving POSIX executable bits. Each member's
// enclosed name is checked for path safety before anything is written
// for that member; on the first unsafe entry extraction stops
// immediately with an error (members before it may already be written)
// and the caller is responsible for any rollback of targetDir.
func Extract(buf []byte, targetDir string) error {
	reader, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return apperr.Archive("invalid archive: %v", err)
	}

	for _, file := range reader.File {
		relPath, err := safeRelPath(file.Name)
		if err != nil {
			return err
		}

		outPath := filepath.Join(targetDir, relPath)

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return apperr.IO(err, "failed to create directory %s", outPath)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return apperr.IO(err, "failed to create parent directory for %s", outPath)
		}

		if err := extractFile(file, outPath); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(file *zip.File, outPath string) error {
	rc, err := file.Open()
	if err != nil {
		return apperr.Archive("failed to read archive member %s: %v", file.Name, err)
	}
	defer rc.Close()

	mode := file.Mode()
	if mode == 0 {
		mode = 0o644
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return apperr.IO(err, "failed to create %s", outPath)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return apperr.IO(err, "failed to write %s", outPath)
	}

	return nil
}

// safeRelPath returns the cleaned relative path enclosed by name, or an
// error if name is absolute or escapes its own directory via "..". This
// is the primary defence against zip-slip and runs before anything is
// written for that entry.
func safeRelPath(name string) (string, error) {
	cleaned := filepath.Clean(strings.ReplaceAll(name, "\\", "/"))

	if filepath.IsAbs(cleaned) {
		return "", apperr.Archive("archive entry has an absolute path: %s", name)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", apperr.Archive("archive entry escapes target directory: %s", name)
	}
	if cleaned == "." {
		return "", apperr.Archive("archive entry has an empty enclosed name: %s", name)
	}

	return cleaned, nil
}
