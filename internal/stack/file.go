package stack

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FileStore keeps one YAML file per active stack in Dir, and destroyed
// records under Dir/destroyed.
type FileStore struct {
	Dir string
	Now func() time.Time
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, Now: time.Now}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *FileStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Create reserves name by creating an empty record file exclusively.
func (s *FileStore) Create(_ context.Context, name string) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create stack dir %s: %w", s.Dir, err)
	}
	f, err := os.OpenFile(s.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create stack %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("create stack %s: %w", name, err)
	}
	return &Handle{Name: name}, nil
}

func (s *FileStore) Exists(_ context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat stack %s: %w", name, err)
	}
	return info.Mode().IsRegular(), nil
}

// Save replaces the record through a temporary file and rename, so a
// crash never leaves a half-written record behind.
func (s *FileStore) Save(_ context.Context, h *Handle, r *Record) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, "."+h.Name+".*")
	if err != nil {
		return fmt.Errorf("save stack %s: %w", h.Name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save stack %s: %w", h.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save stack %s: %w", h.Name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(h.Name)); err != nil {
		return fmt.Errorf("save stack %s: %w", h.Name, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, name string) (*Record, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read stack %s: %w", name, err)
	}
	r, err := UnmarshalRecord(data)
	if err != nil {
		return nil, fmt.Errorf("stack %s: %w", name, err)
	}
	return r, nil
}

// Destroy renames the record to destroyed/<name>-<unix>. A name already
// taken in the destroyed area gets a numeric suffix, so destroying the same
// stack name twice within a second still retires the record.
func (s *FileStore) Destroy(ctx context.Context, name string) (string, error) {
	ok, err := s.Exists(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	dir := filepath.Join(s.Dir, DestroyedDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	dest, err := reserve(dir, destroyedName(name, s.now().Unix()))
	if err != nil {
		return "", fmt.Errorf("destroy stack %s: %w", name, err)
	}
	if err := os.Rename(s.path(name), dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("destroy stack %s: %w", name, err)
	}
	return dest, nil
}

// reserve exclusively creates dir/stem, or dir/stem-N for the first free N,
// and returns its path. The caller renames over the placeholder.
func reserve(dir, stem string) (string, error) {
	for i := 0; ; i++ {
		path := filepath.Join(dir, stem)
		if i > 0 {
			path += "-" + strconv.Itoa(i)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return path, f.Close()
	}
}

// List returns the regular files directly under Dir, sorted by name as
// os.ReadDir returns them. Hidden files (in-flight saves) and the destroyed
// area are skipped.
func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stack dir %s: %w", s.Dir, err)
	}
	var out []Entry
	for _, e := range entries {
		if !e.Type().IsRegular() || ValidateName(e.Name()) != nil {
			continue
		}
		r, err := s.Load(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: e.Name(), Record: r})
	}
	return out, nil
}
