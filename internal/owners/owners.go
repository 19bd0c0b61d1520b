// Package owners enumerates the directories whose terminals are still
// wanted. The task layer owns the list; termhub only reads it.
package owners

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Owner is one live consumer of terminals, identified by the directory
// its terminals run in.
type Owner struct {
	ID        string `yaml:"id"`
	Directory string `yaml:"directory"`
}

// Source enumerates current owners.
type Source interface {
	Owners(ctx context.Context) ([]Owner, error)
}

// ManifestSource reads owners from a YAML manifest:
//
//	owners:
//	  - id: task-42
//	    directory: /work/task-42
type ManifestSource struct {
	path string
}

// NewManifestSource creates a source backed by the manifest at path.
func NewManifestSource(path string) *ManifestSource {
	return &ManifestSource{path: path}
}

type manifest struct {
	Owners []Owner `yaml:"owners"`
}

// Owners parses the manifest. A missing or malformed file is an error so
// callers can tell "no owners" from "could not enumerate".
func (s *ManifestSource) Owners(ctx context.Context) ([]Owner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read owners manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse owners manifest %s: %w", s.path, err)
	}

	out := make([]Owner, 0, len(m.Owners))
	for _, o := range m.Owners {
		if o.Directory == "" {
			continue
		}
		if !filepath.IsAbs(o.Directory) {
			return nil, fmt.Errorf("owner %q: directory %q is not absolute", o.ID, o.Directory)
		}
		o.Directory = filepath.Clean(o.Directory)
		out = append(out, o)
	}
	return out, nil
}

// StaticSource is a fixed owner list.
type StaticSource []Owner

// Owners returns the fixed list.
func (s StaticSource) Owners(context.Context) ([]Owner, error) {
	return append([]Owner(nil), s...), nil
}

// ErrNoSource is returned by Disabled.
var ErrNoSource = errors.New("no owner source configured")

// Disabled is a Source that always fails, turning the owner pass off.
type Disabled struct{}

func (Disabled) Owners(context.Context) ([]Owner, error) { return nil, ErrNoSource }

// Within reports whether path is dir or lies beneath it.
func Within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Owned reports whether path is within any owner's directory.
func Owned(list []Owner, path string) bool {
	for _, o := range list {
		if Within(o.Directory, path) {
			return true
		}
	}
	return false
}
