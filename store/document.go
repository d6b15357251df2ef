package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is a single stored JSON document.
type Document struct {
	// ID is the caller-assigned document identifier.
	ID string
	// Rev is the store-assigned revision. Empty for documents never stored.
	Rev string
	// Content is the JSON object body.
	Content json.RawMessage
}

// NewDocument marshals v as the content of a new, unsaved document.
func NewDocument(id string, v any) (*Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return &Document{ID: id, Content: data}, nil
}

// Decode unmarshals the document content into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Content, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidDocument, d.ID, err)
	}
	return nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := &Document{ID: d.ID, Rev: d.Rev}
	if d.Content != nil {
		c.Content = bytes.Clone(d.Content)
	}
	return c
}

// Fields decodes the top-level fields of the content, keeping numbers as
// json.Number so they normalize the same way as query values.
func (d *Document) Fields() (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(d.Content))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDocument, d.ID, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: %s: content is not an object", ErrInvalidDocument, d.ID)
	}
	return fields, nil
}

// Validate checks that the document can be stored.
func (d *Document) Validate() error {
	if d == nil || d.ID == "" {
		return ErrInvalidID
	}
	_, err := d.Fields()
	return err
}
