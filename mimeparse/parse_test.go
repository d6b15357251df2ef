package mimeparse

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

var simple = crlf(`From: Alice <alice@example.com>
To: bob@example.com, carol@example.com
Cc: dave@example.com
Subject: Lunch
Message-ID: <1@example.com>
Date: Mon, 02 Jan 2006 15:04:05 +0000
Content-Type: text/plain; charset=utf-8

See you at noon.
`)

var mixed = crlf(`From: alice@example.com
To: bob@example.com
Subject: Report
Message-ID: <2@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary=outer

--outer
Content-Type: multipart/alternative; boundary=inner

--inner
Content-Type: text/plain; charset=utf-8

plain body
--inner
Content-Type: text/html; charset=utf-8

<p>html body</p>
--inner--
--outer
Content-Type: application/pdf; name=report.pdf
Content-Disposition: attachment; filename=report.pdf
Content-Transfer-Encoding: base64

JVBERi0=
--outer--
`)

func TestParseSimple(t *testing.T) {
	msg, err := Parse(simple)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if msg.Subject != "Lunch" || msg.MessageID != "1@example.com" || msg.From != "alice@example.com" {
		t.Errorf("envelope = %q %q %q", msg.Subject, msg.MessageID, msg.From)
	}
	if diff := cmp.Diff([]string{"bob@example.com", "carol@example.com"}, msg.To); diff != "" {
		t.Errorf("To mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"dave@example.com"}, msg.Cc); diff != "" {
		t.Errorf("Cc mismatch (-want +got):\n%s", diff)
	}
	if want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC); !msg.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", msg.Date, want)
	}
	if msg.Multipart {
		t.Error("single-part message reported as multipart")
	}
	if len(msg.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(msg.Parts))
	}
	p := msg.Parts[0]
	if p.Index != 1 || p.Section != "0" || p.ContentType != "text/plain" {
		t.Errorf("part = %d %q %q", p.Index, p.Section, p.ContentType)
	}
	if got := strings.TrimSpace(string(p.Body)); got != "See you at noon." {
		t.Errorf("body = %q", got)
	}
	if msg.BodyIndex() != 1 {
		t.Errorf("BodyIndex() = %d, want 1", msg.BodyIndex())
	}
	if msg.Size != len(simple) {
		t.Errorf("Size = %d, want %d", msg.Size, len(simple))
	}
}

func TestParseNestedMultipart(t *testing.T) {
	msg, err := Parse(mixed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.Multipart {
		t.Error("expected multipart")
	}

	wantMap := map[string]string{
		"0":   "multipart/mixed",
		"1":   "multipart/alternative",
		"1.1": "text/plain",
		"1.2": "text/html",
		"2":   "application/pdf",
	}
	if diff := cmp.Diff(wantMap, msg.PartMap); diff != "" {
		t.Errorf("PartMap mismatch (-want +got):\n%s", diff)
	}

	var got []string
	for _, p := range msg.Parts {
		got = append(got, p.Section+" "+p.ContentType)
	}
	want := []string{"1.1 text/plain", "1.2 text/html", "2 application/pdf"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parts mismatch (-want +got):\n%s", diff)
	}

	pdf := msg.Parts[2]
	if !pdf.IsAttachment() || pdf.Filename != "report.pdf" {
		t.Errorf("attachment = %q %q", pdf.Disposition, pdf.Filename)
	}
	if string(pdf.Body) != "%PDF-" {
		t.Errorf("attachment body not transfer-decoded: %q", pdf.Body)
	}
	if msg.BodyIndex() != 1 {
		t.Errorf("BodyIndex() = %d, want 1", msg.BodyIndex())
	}
}

func TestBodyIndex(t *testing.T) {
	tests := []struct {
		name  string
		parts []Part
		want  int
	}{
		{"none", nil, 0},
		{"html only", []Part{{Index: 1, ContentType: "image/png"}, {Index: 2, ContentType: "text/html"}}, 2},
		{"plain attachment skipped", []Part{
			{Index: 1, ContentType: "text/plain", Disposition: "attachment"},
			{Index: 2, ContentType: "text/plain"},
		}, 2},
		{"binary only", []Part{{Index: 1, ContentType: "image/png"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{Parts: tt.parts}
			if got := m.BodyIndex(); got != tt.want {
				t.Errorf("BodyIndex() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":      nil,
		"whitespace": []byte("  \r\n"),
		"bad header": []byte("this is not a header\r\n\r\nbody"),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(raw); !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseMaxParts(t *testing.T) {
	if _, err := Parse(mixed, WithMaxParts(2)); !errors.Is(err, ErrTooManyParts) {
		t.Errorf("expected ErrTooManyParts, got %v", err)
	}
	if _, err := Parse(mixed, WithMaxParts(3)); err != nil {
		t.Errorf("limit equal to part count should pass: %v", err)
	}
}

func TestParseUnknownCharset(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: x
Content-Type: text/plain; charset=x-made-up

body
`)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unknown charset should not fail parsing: %v", err)
	}
	if len(msg.Parts) != 1 {
		t.Errorf("got %d parts, want 1", len(msg.Parts))
	}
}
