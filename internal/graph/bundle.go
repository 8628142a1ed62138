package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"
)

// ManifestPath is the archive entry holding bundle instructions.
const ManifestPath = "META-INF/MANIFEST.MF"

// Manifest carries the optional instructions of a bundle.
type Manifest struct {
	TidyOut bool
	Delete  []string
}

// ParseManifest reads "key: value" attributes. Keys are case-insensitive;
// unknown keys are ignored. The delete list is separated by spaces or commas.
// Lines wrapped jar-style (a newline followed by one space) are joined first.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	attrs := map[string]string{}
	if err := yaml.Unmarshal(unfoldManifest(raw), &attrs); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	for key, value := range attrs {
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "tidyout":
			v, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return m, fmt.Errorf("parse manifest: tidyOut: %w", err)
			}
			m.TidyOut = v
		case "delete":
			for _, uri := range strings.FieldsFunc(value, func(r rune) bool {
				return r == ',' || r == ' ' || r == '\t' || r == '\n'
			}) {
				m.Delete = append(m.Delete, CleanURI(uri))
			}
		}
	}
	return m, nil
}

// CreateChangeSetFromBundle applies an archive of artifacts. Every file entry
// creates or updates the unit at its path; the manifest may list uris to
// delete and request a sweep.
func (fs *FileSystem) CreateChangeSetFromBundle(ctx context.Context, r io.ReaderAt, size int64) (*ChangeSet, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}

	var manifest Manifest
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimPrefix(path.Clean("/"+f.Name), "/")
		raw, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(name, ManifestPath) {
			if manifest, err = ParseManifest(raw); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := fs.Stage(name, raw, f.Modified); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
	}

	for _, uri := range manifest.Delete {
		if err := fs.StageDelete(uri); err != nil {
			fs.logger.Warn("bundle deletes unknown artifact", "uri", uri)
		}
	}

	cs, err := fs.ValidateChanges(ctx)
	if err != nil {
		return nil, err
	}
	cs.TidyOut = manifest.TidyOut
	return cs, nil
}

func unfoldManifest(raw []byte) []byte {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	raw = bytes.ReplaceAll(raw, []byte("\r"), []byte("\n"))
	return bytes.ReplaceAll(raw, []byte("\n "), nil)
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return raw, nil
}
