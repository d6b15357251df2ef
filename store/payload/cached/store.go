// Package cached wraps a store.PayloadStore with a local file cache.
//
// Part payloads never change once written, so the cache is filled both on
// upload (write-through) and on load (read-through). Entries expire after
// the configured TTL and the cache stops admitting files once it reaches
// its size limit.
package cached

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/rbaliyan/maildoc/store"
)

var _ store.PayloadStore = (*Store)(nil)

// Store is a caching store.PayloadStore.
type Store struct {
	backend store.PayloadStore
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	size int64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a cache in front of backend. Call Close to stop the expiry
// loop.
func New(backend store.PayloadStore, opts ...Option) (*Store, error) {
	o := newOptions(opts...)

	dir := filepath.Join(o.dir, "maildoc-payloads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend: backend,
		dir:     dir,
		maxSize: o.maxSize,
		ttl:     o.ttl,
		logger:  o.logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.size = s.scanSize()

	if s.ttl > 0 {
		go s.expireLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Upload stores the payload in the backend and keeps a local copy.
func (s *Store) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, "up-*")
	if err != nil {
		s.logger.Warn("payload cache unavailable for upload", "error", err)
		return s.backend.Upload(ctx, name, contentType, content)
	}

	tee := io.TeeReader(content, tmp)
	uri, err := s.backend.Upload(ctx, name, contentType, tee)
	if err != nil {
		s.discard(tmp)
		return "", err
	}
	// The backend may stop reading before EOF; the copy must be whole.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		s.logger.Warn("payload not cached after upload", "name", name, "error", err)
		s.discard(tmp)
		return uri, nil
	}
	s.commit(tmp, s.path(uri))
	return uri, nil
}

// Load returns the cached payload, or reads it from the backend while
// caching it.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	p := s.path(uri)
	if info, err := os.Stat(p); err == nil {
		if s.ttl <= 0 || time.Since(info.ModTime()) < s.ttl {
			if f, err := os.Open(p); err == nil {
				s.logger.Debug("payload cache hit", "uri", uri)
				return f, nil
			}
		} else {
			s.evict(p, info.Size())
		}
	}

	s.logger.Debug("payload cache miss", "uri", uri)
	rc, err := s.backend.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.dir, "dl-*")
	if err != nil {
		return rc, nil
	}
	return &fillReader{src: rc, tmp: tmp, dst: p, s: s}, nil
}

// Delete removes the payload from the cache and the backend.
func (s *Store) Delete(ctx context.Context, uri string) error {
	p := s.path(uri)
	if info, err := os.Stat(p); err == nil {
		s.evict(p, info.Size())
	}
	return s.backend.Delete(ctx, uri)
}

// Purge empties the cache.
func (s *Store) Purge() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
	s.mu.Lock()
	s.size = 0
	s.mu.Unlock()
	return nil
}

// Close stops the expiry loop. It does not close the backend.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *Store) path(uri string) string {
	sum := blake2b.Sum256([]byte(uri))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

func (s *Store) commit(tmp *os.File, dst string) {
	info, err := tmp.Stat()
	if err != nil {
		s.discard(tmp)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var replaced int64
	if old, err := os.Stat(dst); err == nil {
		replaced = old.Size()
	}
	if s.size-replaced+info.Size() > s.maxSize {
		os.Remove(tmp.Name())
		s.logger.Debug("payload cache full", "size", info.Size())
		return
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("failed to move payload into cache", "error", err)
		return
	}
	s.size += info.Size() - replaced
}

func (s *Store) discard(tmp *os.File) {
	tmp.Close()
	os.Remove(tmp.Name())
}

func (s *Store) evict(p string, size int64) {
	if err := os.Remove(p); err != nil {
		return
	}
	s.mu.Lock()
	s.size = max(s.size-size, 0)
	s.mu.Unlock()
}

func (s *Store) scanSize() int64 {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			total += info.Size()
		}
	}
	return total
}

func (s *Store) expireLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Store) expire() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to read payload cache", "error", err)
		return
	}
	now := time.Now()
	var removed int
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() || now.Sub(info.ModTime()) <= s.ttl {
			continue
		}
		s.evict(filepath.Join(s.dir, e.Name()), info.Size())
		removed++
	}
	if removed > 0 {
		s.logger.Debug("expired cached payloads", "removed", removed)
	}
}

// fillReader copies what it reads into a temp file and moves it into the
// cache once the source is read to EOF.
type fillReader struct {
	src      io.ReadCloser
	tmp      *os.File
	dst      string
	s        *Store
	complete bool
	failed   bool
	closed   bool
}

func (r *fillReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 && !r.failed {
		if _, werr := r.tmp.Write(p[:n]); werr != nil {
			r.failed = true
		}
	}
	if errors.Is(err, io.EOF) {
		r.complete = true
	}
	return n, err
}

func (r *fillReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.src.Close()
	if r.complete && !r.failed {
		r.s.commit(r.tmp, r.dst)
	} else {
		r.s.discard(r.tmp)
	}
	return err
}
