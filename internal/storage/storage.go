package storage

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Store writes job artifacts (uploaded inputs, feature maps, CAM overlays)
// under a single root directory that the HTTP layer serves at /static/.
type Store struct {
	root string
	log  zerolog.Logger
}

// New creates the root directory if needed. A leading '~' expands to the
// user's home directory.
func New(root string, log zerolog.Logger) (*Store, error) {
	base, err := expandHome(root)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, ErrStorage("abs path", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, ErrStorage("create root", err)
	}
	return &Store{root: abs, log: log.With().Str("component", "storage").Logger()}, nil
}

// Root returns the absolute directory artifacts are written under.
func (s *Store) Root() string { return s.root }

// Save writes data at relPath under the root, creating parent directories,
// and returns the public URL path for the artifact.
func (s *Store) Save(relPath string, data []byte) (string, error) {
	full, url, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", ErrStorage(relPath, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", ErrStorage(relPath, err)
	}
	return url, nil
}

// SavePNG encodes img as PNG at relPath under the root.
func (s *Store) SavePNG(relPath string, img image.Image) (string, error) {
	full, url, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", ErrStorage(relPath, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return "", ErrStorage(relPath, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", ErrStorage(relPath, err)
	}
	if err := f.Close(); err != nil {
		return "", ErrStorage(relPath, err)
	}
	return url, nil
}

// resolve maps relPath to an absolute file path and its public URL,
// rejecting paths that would escape the root.
func (s *Store) resolve(relPath string) (string, string, error) {
	if relPath == "" {
		return "", "", ErrStorage(relPath, fmt.Errorf("empty path"))
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", ErrStorage(relPath, fmt.Errorf("path escapes storage root"))
	}
	return filepath.Join(s.root, clean), "/static/" + filepath.ToSlash(clean), nil
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
