// Package artifact stores the files job steps leave behind. The
// controller only ever holds opaque handles; content lives in the
// configured backend.
package artifact

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("artifact not found")

// Handle addresses stored content within one backend.
type Handle string

type Store interface {
	// Put stores content under a backend-chosen handle derived
	// from name.
	Put(ctx context.Context, name string, content io.Reader) (Handle, error)
	Get(ctx context.Context, handle Handle) (io.ReadCloser, error)
	Delete(ctx context.Context, handle Handle) error
}
