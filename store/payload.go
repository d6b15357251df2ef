package store

import (
	"context"
	"io"
)

// PayloadStore keeps large part payloads outside the document store.
// Content documents whose payload exceeds the adaptor's offload threshold
// carry only the URI returned by Upload.
//
// Names are deterministic (the content document ID), so uploading the same
// part twice overwrites a single object instead of leaking a new one.
type PayloadStore interface {
	// Upload stores content under name and returns a URI for later
	// retrieval.
	Upload(ctx context.Context, name, contentType string, content io.Reader) (uri string, err error)

	// Load returns a reader for the payload. Caller closes the reader.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes the payload. Deleting a missing payload is not an
	// error.
	Delete(ctx context.Context, uri string) error
}
