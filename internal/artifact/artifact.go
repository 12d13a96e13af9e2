// Package artifact serves the read-only content repository: contracts,
// guides, schemas and examples routed into pipeline stage contexts.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrNotFound = errors.New("artifact not found")

type Info struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Store is a read-only artifact source. Paths are repository-relative
// and use forward slashes.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Stat(ctx context.Context, path string) (Info, error)
}

// DirStore serves artifacts from a directory tree. It never writes.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("artifact root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact root %s is not a directory", abs)
	}
	return &DirStore{root: abs}, nil
}

func (s *DirStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return data, nil
}

func (s *DirStore) Stat(ctx context.Context, path string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Info{}, fmt.Errorf("stat artifact %s: %w", path, err)
	}
	if fi.IsDir() {
		return Info{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	return Info{Path: path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// resolve maps a repository-relative path onto the root, rejecting
// absolute paths and traversal outside the root.
func (s *DirStore) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty artifact path")
	}
	if strings.HasPrefix(path, "/") || filepath.IsAbs(path) {
		return "", fmt.Errorf("artifact path %s must be relative", path)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %s escapes repository root", path)
	}
	return filepath.Join(s.root, clean), nil
}
