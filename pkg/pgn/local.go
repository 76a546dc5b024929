package pgn

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log logrus.FieldLogger
	dir string
}

// NewLocalStore creates a Store that keeps game records under dir.
func NewLocalStore(log logrus.FieldLogger, dir string) Store {
	return &localStore{
		log: log.WithField("component", "pgn-local"),
		dir: dir,
	}
}

func (s *localStore) Preflight(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating pgn directory: %w", err)
	}

	f, err := os.CreateTemp(s.dir, ".montytest-write-test-*")
	if err != nil {
		return fmt.Errorf("writing test file to %s: %w", s.dir, err)
	}

	name := f.Name()
	_ = f.Close()

	return os.Remove(name)
}

// path resolves key below the store directory.
func (s *localStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid pgn key %q", key)
	}

	return filepath.Join(s.dir, clean), nil
}

// Put writes the record to a temporary file and renames it into place so
// readers never observe a partial upload.
func (s *localStore) Put(_ context.Context, key string, body io.Reader) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("writing %s: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("closing %s: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("renaming %s: %w", key, err)
	}

	s.log.WithField("key", key).Debug("Stored pgn")

	return nil
}

func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // key resolved below the store directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	return data, nil
}
