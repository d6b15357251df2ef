package content

import "encoding/base64"

// Built-in codecs.
var (
	// Text stores UTF-8 payloads unchanged.
	Text Codec = textCodec{}

	// Base64 stores arbitrary bytes as standard base64.
	Base64 Codec = base64Codec{}
)

// DefaultRegistry returns a registry holding the built-in codecs.
func DefaultRegistry() *Registry {
	return NewRegistry(Text, Base64)
}

type textCodec struct{}

func (textCodec) Name() string                          { return "text" }
func (textCodec) Encode(data []byte) (string, error)    { return string(data), nil }
func (textCodec) Decode(payload string) ([]byte, error) { return []byte(payload), nil }

type base64Codec struct{}

func (base64Codec) Name() string { return "base64" }

func (base64Codec) Encode(data []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(data), nil
}

func (base64Codec) Decode(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
