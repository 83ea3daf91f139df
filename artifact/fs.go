package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
)

// FSStore keeps artifacts as plain files under a base directory.
// Handles are paths relative to the base; securejoin keeps a
// malicious handle from escaping it.
type FSStore struct {
	base string
}

func NewFSStore(base string) (*FSStore, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &FSStore{base: base}, nil
}

func (s *FSStore) Put(ctx context.Context, name string, content io.Reader) (Handle, error) {
	rel := filepath.Join(uuid.New().String(), filepath.Base(name))

	path, err := securejoin.SecureJoin(s.base, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		os.Remove(path)
		return "", err
	}

	return Handle(rel), nil
}

func (s *FSStore) Get(ctx context.Context, handle Handle) (io.ReadCloser, error) {
	path, err := securejoin.SecureJoin(s.base, string(handle))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FSStore) Delete(ctx context.Context, handle Handle) error {
	path, err := securejoin.SecureJoin(s.base, string(handle))
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}
