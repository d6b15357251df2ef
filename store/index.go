package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// keySeparator joins normalized field values inside an index key.
const keySeparator = "\x1f"

// Index is a named, ordered list of top-level document fields.
type Index struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// Validate checks the index definition.
func (idx Index) Validate() error {
	if idx.Name == "" || len(idx.Fields) == 0 {
		return fmt.Errorf("%w: index needs a name and at least one field", ErrInvalidQuery)
	}
	for _, f := range idx.Fields {
		if f == "" {
			return fmt.Errorf("%w: index %s has an empty field", ErrInvalidQuery, idx.Name)
		}
	}
	return nil
}

// Equal reports whether two definitions index the same fields.
func (idx Index) Equal(other Index) bool {
	return idx.Name == other.Name && slices.Equal(idx.Fields, other.Fields)
}

// DocumentKey returns the index key of a document. ok is false when the
// document lacks one of the fields or holds a non-scalar value in it; such
// documents are not part of the index.
func (idx Index) DocumentKey(doc *Document) (key string, ok bool, err error) {
	fields, err := doc.Fields()
	if err != nil {
		return "", false, err
	}
	return idx.fieldsKey(fields)
}

func (idx Index) fieldsKey(fields map[string]any) (string, bool, error) {
	parts := make([]string, len(idx.Fields))
	for i, name := range idx.Fields {
		v, present := fields[name]
		if !present || v == nil {
			return "", false, nil
		}
		s, scalar := normalize(v)
		if !scalar {
			return "", false, nil
		}
		parts[i] = s
	}
	return strings.Join(parts, keySeparator), true, nil
}

// QueryKey returns the index key matching the given values.
func (idx Index) QueryKey(values ...any) (string, error) {
	if len(values) != len(idx.Fields) {
		return "", fmt.Errorf("%w: index %s takes %d values, got %d",
			ErrInvalidQuery, idx.Name, len(idx.Fields), len(values))
	}
	parts := make([]string, len(values))
	for i, v := range values {
		s, ok := normalize(v)
		if !ok {
			return "", fmt.Errorf("%w: unsupported value %T for field %s",
				ErrInvalidQuery, v, idx.Fields[i])
		}
		parts[i] = s
	}
	return strings.Join(parts, keySeparator), nil
}

// DocumentKeys computes the keys of doc for every index in idxs.
// The result maps index name to key and omits indexes the document is not part of.
func DocumentKeys(doc *Document, idxs []Index) (map[string]string, error) {
	fields, err := doc.Fields()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string, len(idxs))
	for _, idx := range idxs {
		key, ok, err := idx.fieldsKey(fields)
		if err != nil {
			return nil, err
		}
		if ok {
			keys[idx.Name] = key
		}
	}
	return keys, nil
}

// normalize renders a scalar as its index string. Bools become "1"/"0" so
// that every backend compares them the same way.
func normalize(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		if t {
			return "1", true
		}
		return "0", true
	case json.Number:
		return t.String(), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint32:
		return strconv.FormatUint(uint64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}
