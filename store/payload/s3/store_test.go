package s3

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/maildoc/store"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri, bucket, key string
		wantErr          bool
	}{
		{uri: "s3://mail/payloads/C-abc-1", bucket: "mail", key: "payloads/C-abc-1"},
		{uri: "gs://mail/x", wantErr: true},
		{uri: "s3://mail", wantErr: true},
		{uri: "s3:///key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, key, err := parseURI(tt.uri)
			if tt.wantErr {
				if !errors.Is(err, store.ErrInvalidID) {
					t.Errorf("expected ErrInvalidID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseURI: %v", err)
			}
			if bucket != tt.bucket || key != tt.key {
				t.Errorf("parseURI() = %q, %q; want %q, %q", bucket, key, tt.bucket, tt.key)
			}
		})
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background()); err == nil {
		t.Error("expected error without bucket")
	}
}
