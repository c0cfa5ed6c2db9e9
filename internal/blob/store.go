// Package blob provides the path-addressable storage for raw upload chunks,
// transcoded artifacts, and offline bundles. Keys are namespaced per video so
// listing a prefix enumerates a video's variants.
package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Info describes a stored object.
type Info struct {
	Key     string
	Size    int64
	ModTime int64
}

// Store is the persistence contract for binary artifacts. Open returns a
// seekable reader so byte-range serving can address into packaged files.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadSeekCloser, Info, error)
	Stat(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object below the given key prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// List returns the keys below prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FSStore implements Store on a local directory tree.
type FSStore struct {
	root string
}

// NewFSStore prepares a filesystem-backed store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	cleaned := filepath.Clean(strings.TrimSpace(dir))
	if cleaned == "" || cleaned == "." {
		return nil, errors.New("blob: storage root is required")
	}
	if err := os.MkdirAll(cleaned, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{root: cleaned}, nil
}

// Root exposes the storage root directory.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) path(key string) (string, error) {
	cleaned := filepath.Clean("/" + strings.TrimSpace(key))
	if cleaned == "/" {
		return "", errors.New("blob: object key is required")
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func (s *FSStore) Put(_ context.Context, key string, body io.Reader) (int64, error) {
	target, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".pending-*")
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return written, nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadSeekCloser, Info, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, Info{}, err
	}
	file, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, Info{}, err
	}
	return file, Info{Key: key, Size: stat.Size(), ModTime: stat.ModTime().Unix()}, nil
}

func (s *FSStore) Stat(_ context.Context, key string) (Info, error) {
	target, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	stat, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	return Info{Key: key, Size: stat.Size(), ModTime: stat.ModTime().Unix()}, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *FSStore) DeletePrefix(_ context.Context, prefix string) error {
	target, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return nil
}

func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	target, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	walkErr := filepath.WalkDir(target, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".pending-") {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*FSStore)(nil)
