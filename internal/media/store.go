// Package media stores downloaded attachments under a month-bucketed tree.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// PublicPrefix is the URL prefix the media root is served under.
const PublicPrefix = "/media/"

const maxCollisionSuffix = 10000

// Store places files at <root>/<YYYY>/<MM>/<name>.
type Store struct {
	root string
	now  func() time.Time
}

// Location describes where a file was placed.
type Location struct {
	Name string
	Path string
	URL  string
}

// NewStore creates a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: filepath.Clean(root), now: time.Now}
}

// Root returns the media root directory.
func (s *Store) Root() string { return s.root }

// Create claims a fresh file for name in the current month directory. When
// the name is taken a numeric suffix is added before the extension
// (photo.jpg, photo_1.jpg, photo_2.jpg, ...).
func (s *Store) Create(name string) (*os.File, Location, error) {
	name = SanitizeName(name)
	dir := filepath.Join(s.root, s.now().UTC().Format("2006"), s.now().UTC().Format("01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Location{}, fmt.Errorf("create media dir: %w", err)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; i <= maxCollisionSuffix; i++ {
		full := filepath.Join(dir, candidate)
		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, Location{Name: candidate, Path: full, URL: s.PublicURL(full)}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, Location{}, fmt.Errorf("create media file: %w", err)
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	return nil, Location{}, fmt.Errorf("create media file %s: too many collisions", name)
}

// PublicURL maps a path under the root to its public URL.
func (s *Store) PublicURL(full string) string {
	rel, err := filepath.Rel(s.root, full)
	if err != nil {
		rel = filepath.Base(full)
	}
	return PublicPrefix + path.Clean(filepath.ToSlash(rel))
}

// SanitizeName reduces a provider supplied name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "file"
	}
	return name
}
