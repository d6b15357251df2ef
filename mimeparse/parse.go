// Package mimeparse splits a raw RFC 5322 message into top-level header
// fields and an ordered list of leaf MIME parts.
//
// Leaf parts are numbered 1..N in depth-first order. Multipart containers
// are not parts themselves; their layout is kept in Message.PartMap keyed
// by dotted section path ("0" for the root entity).
package mimeparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Sentinel errors.
var (
	// ErrMalformed is returned when the input is not a parseable message.
	ErrMalformed = errors.New("mimeparse: malformed message")

	// ErrTooManyParts is returned when the part limit is exceeded.
	ErrTooManyParts = errors.New("mimeparse: too many parts")
)

// Field is one raw header field.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Message is a parsed message.
type Message struct {
	MessageID   string
	Subject     string
	From        string
	To          []string
	Cc          []string
	Date        time.Time
	ContentType string
	Multipart   bool
	Fields      []Field
	// PartMap maps section paths to media types, containers included.
	PartMap map[string]string
	Parts   []Part
	Size    int
}

// Part is a leaf MIME entity with its transfer-decoded body. Text bodies
// in a known charset are converted to UTF-8.
type Part struct {
	Index       int
	Section     string
	ContentType string
	Params      map[string]string
	Disposition string
	Filename    string
	Fields      []Field
	Body        []byte
}

// IsAttachment reports whether the part is marked as an attachment.
func (p *Part) IsAttachment() bool {
	return strings.EqualFold(p.Disposition, "attachment")
}

// BodyIndex returns the index of the part that holds the message body: the
// first inline text/plain part, else the first text/* part, else 1. It
// returns 0 for a message without parts.
func (m *Message) BodyIndex() int {
	if len(m.Parts) == 0 {
		return 0
	}
	for _, p := range m.Parts {
		if p.ContentType == "text/plain" && !p.IsAttachment() {
			return p.Index
		}
	}
	for _, p := range m.Parts {
		if strings.HasPrefix(p.ContentType, "text/") {
			return p.Index
		}
	}
	return 1
}

type options struct {
	maxParts int
}

// Option configures Parse.
type Option func(*options)

// WithMaxParts stops parsing with ErrTooManyParts once more than n leaf
// parts are found. Zero means no limit.
func WithMaxParts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxParts = n
		}
	}
}

// Parse parses raw.
func Parse(raw []byte, opts ...Option) (*Message, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !lenient(err) {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	msg := &Message{
		PartMap: make(map[string]string),
		Size:    len(raw),
		Fields:  fields(e.Header),
	}
	readEnvelope(msg, mail.Header{Header: e.Header})

	msg.ContentType = mediaType(e.Header)
	msg.Multipart = strings.HasPrefix(msg.ContentType, "multipart/")

	err = e.Walk(func(path []int, ent *message.Entity, err error) error {
		if err != nil && (ent == nil || !lenient(err)) {
			return err
		}
		section := sectionOf(path)
		mt := mediaType(ent.Header)
		msg.PartMap[section] = mt
		if ent.MultipartReader() != nil {
			return nil
		}

		if o.maxParts > 0 && len(msg.Parts) >= o.maxParts {
			return ErrTooManyParts
		}
		body, err := io.ReadAll(ent.Body)
		if err != nil && !lenient(err) {
			return err
		}

		part := Part{
			Index:       len(msg.Parts) + 1,
			Section:     section,
			ContentType: mt,
			Fields:      fields(ent.Header),
			Body:        body,
		}
		if _, params, err := ent.Header.ContentType(); err == nil {
			part.Params = params
		}
		if disp, params, err := ent.Header.ContentDisposition(); err == nil {
			part.Disposition = strings.ToLower(disp)
			part.Filename = params["filename"]
		}
		if part.Filename == "" && part.Params != nil {
			part.Filename = part.Params["name"]
		}
		msg.Parts = append(msg.Parts, part)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTooManyParts) {
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyParts, o.maxParts)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}

// lenient reports errors go-message returns alongside a usable entity.
func lenient(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func readEnvelope(msg *Message, h mail.Header) {
	msg.Subject, _ = h.Subject()
	msg.MessageID, _ = h.MessageID()
	if d, err := h.Date(); err == nil {
		msg.Date = d.UTC()
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else {
		msg.From = h.Get("From")
	}
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func mediaType(h message.Header) string {
	t, _, err := h.ContentType()
	if err != nil || t == "" {
		return "text/plain"
	}
	return strings.ToLower(t)
}

func fields(h message.Header) []Field {
	var out []Field
	f := h.Fields()
	for f.Next() {
		out = append(out, Field{Key: f.Key(), Value: f.Value()})
	}
	return out
}

func sectionOf(path []int) string {
	if len(path) == 0 {
		return "0"
	}
	s := make([]string, len(path))
	for i, p := range path {
		s[i] = strconv.Itoa(p + 1)
	}
	return strings.Join(s, ".")
}
