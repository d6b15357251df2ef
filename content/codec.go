// Package content encodes MIME part payloads for storage inside JSON
// Content Documents.
//
// JSON strings must be valid UTF-8, so a decoded part payload cannot always
// be stored verbatim. Each Content Document records the name of the
// encoding used for its payload:
//
//   - "text": the payload is valid UTF-8 and stored unchanged.
//   - "base64": anything else, standard base64.
//
// [Choose] picks the encoding for a part and [Registry.Decode] reverses it
// given the stored name. Additional encodings can be registered for
// payloads written by other producers.
package content

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// Sentinel errors.
var (
	// ErrUnsupportedEncoding is returned when no codec is registered under
	// an encoding name.
	ErrUnsupportedEncoding = errors.New("content: unsupported encoding")

	// ErrEncoding is returned when a codec fails to encode data.
	ErrEncoding = errors.New("content: encoding failed")

	// ErrDecoding is returned when a codec fails to decode a payload.
	ErrDecoding = errors.New("content: decoding failed")
)

// Codec converts between raw bytes and a JSON-safe string.
type Codec interface {
	// Name is the encoding name recorded in the Content Document.
	Name() string

	// Encode converts raw bytes to a string for storage.
	Encode(data []byte) (string, error)

	// Decode converts a stored string back to raw bytes.
	Decode(payload string) ([]byte, error)
}

// Registry maps encoding names to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry pre-loaded with the given codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.codecs[c.Name()] = c
	}
	return r
}

// Register adds a codec, replacing any codec with the same name.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.Name()] = c
	r.mu.Unlock()
}

// Lookup returns the codec registered under name.
func (r *Registry) Lookup(name string) (Codec, bool) {
	r.mu.RLock()
	c, ok := r.codecs[name]
	r.mu.RUnlock()
	return c, ok
}

// Decode decodes a stored payload. An empty encoding name means text.
func (r *Registry) Decode(encoding, payload string) ([]byte, error) {
	if encoding == "" {
		encoding = Text.Name()
	}
	c, ok := r.Lookup(encoding)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
	data, err := c.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecoding, encoding, err)
	}
	return data, nil
}

// Choose returns the codec for a part payload. Textual media types with
// valid UTF-8 bodies are stored as text, everything else as base64.
func Choose(mediaType string, data []byte) Codec {
	if isTextual(mediaType) && utf8.Valid(data) {
		return Text
	}
	return Base64
}

// Encode encodes data with the codec chosen for mediaType and returns the
// encoding name with the payload.
func Encode(mediaType string, data []byte) (encoding, payload string, err error) {
	c := Choose(mediaType, data)
	payload, err = c.Encode(data)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return c.Name(), payload, nil
}

func isTextual(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	switch {
	case strings.HasPrefix(mt, "text/"), strings.HasPrefix(mt, "message/"):
		return true
	case mt == "application/json", mt == "application/xml",
		strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return true
	}
	return false
}
