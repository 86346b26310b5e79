// Package metadata locates and parses the metadata.json embedded in a
// plugin archive.
//
// Grounded on original_source/src/services/plugin_service.rs
// (MetadataInstallPlugin / MetadataPayload) and spec.md §4.2: the
// single-plugin and one-element multi-install JSON shapes, and the
// plugin_id normalisation rules.
package metadata

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/models"
)

const fileName = "metadata.json"

// Spec is the parsed contents of a metadata.json file.
type Spec struct {
	PluginID       string             `json:"plugin_id"`
	Name           string             `json:"name"`
	Version        string             `json:"version"`
	PluginType     string             `json:"plugin_type"`
	Description    string             `json:"description"`
	Author         string             `json:"author"`
	EntryPoint     string             `json:"entry_point"`
	Parameters     []models.Parameter `json:"parameters,omitempty"`
	MinHostVersion string             `json:"min_host_version,omitempty"`
}

// multiInstallPayload is the { "install_plugins": [ ... ] } shape.
type multiInstallPayload struct {
	InstallPlugins []Spec `json:"install_plugins"`
}

// Found is the result of locating metadata.json in an extracted tree:
// the parsed spec and the directory (relative to the tree root) in
// which metadata.json was found, used to resolve entry points and
// dependency files that live beside it rather than at the tree root.
type Found struct {
	Spec Spec
	Dir  string
}

// Locate walks root looking for exactly one file named metadata.json.
// Zero or multiple matches is a fatal MetadataError.
func Locate(root string) (string, error) {
	var matches []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == fileName {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return "", apperr.IO(err, "failed to walk extracted tree %s", root)
	}

	switch len(matches) {
	case 0:
		return "", apperr.Metadata("no metadata.json found in package")
	case 1:
		return matches[0], nil
	default:
		return "", apperr.Metadata("multiple metadata.json files found in package: %v", matches)
	}
}

// Parse parses raw, the contents of the metadata.json at metadataPath
// under root, normalises the plugin_id, and returns the spec plus the
// directory (relative to root) metadataPath lies in. It does not search
// for the file; Locate does that.
func Parse(root string, raw []byte, metadataPath string) (*Found, error) {
	spec, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}

	if err := normalize(spec); err != nil {
		return nil, err
	}

	relDir, err := filepath.Rel(root, filepath.Dir(metadataPath))
	if err != nil {
		return nil, apperr.IO(err, "failed to compute metadata directory")
	}
	if relDir == "." {
		relDir = ""
	}

	return &Found{Spec: *spec, Dir: relDir}, nil
}

// LocateAndParse is the common path: find metadata.json under root, read
// it, and parse+normalise it.
func LocateAndParse(root string, readFile func(string) ([]byte, error)) (*Found, error) {
	metaPath, err := Locate(root)
	if err != nil {
		return nil, err
	}
	raw, err := readFile(metaPath)
	if err != nil {
		return nil, apperr.IO(err, "failed to read %s", metaPath)
	}
	return Parse(root, raw, metaPath)
}

// ParseArchiveMetadata reads metadata.json directly out of an in-memory
// archive, without extracting the rest of it, so the installer can
// validate plugin_id before committing any filesystem side effect.
// Zero or multiple metadata.json members is a fatal MetadataError, as
// with Locate.
func ParseArchiveMetadata(buf []byte) (*Found, error) {
	reader, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, apperr.Archive("invalid archive: %v", err)
	}

	var match *zip.File
	var matchCount int
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if filepath.Base(file.Name) == fileName {
			match = file
			matchCount++
		}
	}
	switch matchCount {
	case 0:
		return nil, apperr.Metadata("no metadata.json found in package")
	default:
		if matchCount > 1 {
			return nil, apperr.Metadata("multiple metadata.json files found in package")
		}
	}

	rc, err := match.Open()
	if err != nil {
		return nil, apperr.Archive("failed to read %s from archive: %v", match.Name, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperr.Archive("failed to read %s from archive: %v", match.Name, err)
	}

	spec, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	if err := normalize(spec); err != nil {
		return nil, err
	}

	dir := filepath.ToSlash(filepath.Dir(match.Name))
	if dir == "." {
		dir = ""
	}

	return &Found{Spec: *spec, Dir: dir}, nil
}

func parsePayload(raw []byte) (*Spec, error) {
	var multi multiInstallPayload
	if err := json.Unmarshal(raw, &multi); err == nil && multi.InstallPlugins != nil {
		switch len(multi.InstallPlugins) {
		case 1:
			spec := multi.InstallPlugins[0]
			return &spec, nil
		default:
			return nil, apperr.Metadata("install_plugins must contain exactly one entry, got %d", len(multi.InstallPlugins))
		}
	}

	var single Spec
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, apperr.Metadata("invalid metadata.json: %v", err)
	}
	return &single, nil
}

func normalize(spec *Spec) error {
	if spec.Name == "" {
		return apperr.Metadata("metadata.json is missing required field: name")
	}
	if spec.Version == "" {
		return apperr.Metadata("metadata.json is missing required field: version")
	}
	if spec.PluginType == "" {
		return apperr.Metadata("metadata.json is missing required field: plugin_type")
	}
	if spec.EntryPoint == "" {
		return apperr.Metadata("metadata.json is missing required field: entry_point")
	}

	pluginID := spec.PluginID
	if pluginID == "" {
		pluginID = spec.Name
	}
	trimmed := strings.TrimSpace(pluginID)
	if trimmed == "" {
		return apperr.Validation("plugin_id cannot be empty")
	}
	if trimmed != pluginID {
		return apperr.Validation("plugin_id has leading/trailing whitespace: %q", pluginID)
	}
	if strings.ContainsAny(trimmed, "/\\") {
		return apperr.Validation("plugin_id must be a single path segment: %q", trimmed)
	}
	if filepath.IsAbs(trimmed) {
		return apperr.Validation("plugin_id must not be an absolute path: %q", trimmed)
	}
	if trimmed == "." || trimmed == ".." {
		return apperr.Validation("plugin_id must be a single path segment: %q", trimmed)
	}

	spec.PluginID = trimmed
	return nil
}
