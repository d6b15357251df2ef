package content

import (
	"bytes"
	"errors"
	"testing"
)

func TestChoose(t *testing.T) {
	tests := []struct {
		mediaType string
		data      []byte
		want      Codec
	}{
		{"text/plain", []byte("hello"), Text},
		{"TEXT/HTML", []byte("<p>hi</p>"), Text},
		{"message/rfc822", []byte("Subject: x\r\n\r\nbody"), Text},
		{"application/json", []byte(`{"a":1}`), Text},
		{"application/vnd.api+json", []byte(`{}`), Text},
		{"text/plain", []byte{0xff, 0xfe, 0x00}, Base64},
		{"image/png", []byte("\x89PNG"), Base64},
		{"application/octet-stream", []byte("ascii but binary type"), Base64},
	}
	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			if got := Choose(tt.mediaType, tt.data); got != tt.want {
				t.Errorf("Choose(%q) = %s, want %s", tt.mediaType, got.Name(), tt.want.Name())
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	reg := DefaultRegistry()
	inputs := map[string][]byte{
		"text/plain": []byte("Hola, qué tal?"),
		"image/gif":  {0x47, 0x49, 0x46, 0x00, 0xff},
	}
	for mt, data := range inputs {
		t.Run(mt, func(t *testing.T) {
			enc, payload, err := Encode(mt, data)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := reg.Decode(enc, payload)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("Decode() = %v, want %v", got, data)
			}
		})
	}
}

func TestDecodeEmptyEncodingIsText(t *testing.T) {
	got, err := DefaultRegistry().Decode("", "plain")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got) != "plain" {
		t.Errorf("Decode() = %q", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	reg := DefaultRegistry()
	if _, err := reg.Decode("uuencode", "x"); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Errorf("expected ErrUnsupportedEncoding, got %v", err)
	}
	if _, err := reg.Decode("base64", "!!not base64!!"); !errors.Is(err, ErrDecoding) {
		t.Errorf("expected ErrDecoding, got %v", err)
	}
}

type rot13 struct{}

func (rot13) Name() string { return "rot13" }
func (rot13) Encode(data []byte) (string, error) {
	return string(bytes.Map(rot, data)), nil
}
func (rot13) Decode(payload string) ([]byte, error) {
	return bytes.Map(rot, []byte(payload)), nil
}

func rot(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return 'a' + (r-'a'+13)%26
	case r >= 'A' && r <= 'Z':
		return 'A' + (r-'A'+13)%26
	}
	return r
}

func TestRegister(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register(rot13{})
	got, err := reg.Decode("rot13", "uryyb")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Decode() = %q, want hello", got)
	}
}
