package memory

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/rbaliyan/maildoc/store"
)

var _ store.PayloadStore = (*Payloads)(nil)

// Payloads is an in-memory store.PayloadStore. URIs have the form
// mem://<name>.
type Payloads struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	fault FaultFunc
}

// NewPayloads creates an empty payload store. A non-nil fault is consulted
// with op "upload", "load" or "delete" and the payload name.
func NewPayloads(fault FaultFunc) *Payloads {
	return &Payloads{blobs: make(map[string][]byte), fault: fault}
}

func (p *Payloads) check(op, name string) error {
	if p.fault == nil {
		return nil
	}
	if err := p.fault(op, name); err != nil {
		return store.Unavailable(op, err)
	}
	return nil
}

// Upload stores the payload under name.
func (p *Payloads) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	if err := p.check("upload", name); err != nil {
		return "", err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.blobs[name] = data
	p.mu.Unlock()
	return "mem://" + name, nil
}

// Load returns the payload at uri.
func (p *Payloads) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	name := strings.TrimPrefix(uri, "mem://")
	if err := p.check("load", name); err != nil {
		return nil, err
	}
	p.mu.RLock()
	data, ok := p.blobs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the payload at uri.
func (p *Payloads) Delete(ctx context.Context, uri string) error {
	name := strings.TrimPrefix(uri, "mem://")
	if err := p.check("delete", name); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.blobs, name)
	p.mu.Unlock()
	return nil
}

// Len returns the number of stored payloads.
func (p *Payloads) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blobs)
}
