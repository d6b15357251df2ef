package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/maildoc"
)

const sample = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Quarterly numbers\r\n" +
	"Message-ID: <q3@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n"

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := loadConfig("")
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "maildoc.db" {
			t.Errorf("unexpected store defaults %+v", cfg.Store)
		}
		if cfg.Store.Timeout != 10*time.Second || cfg.Repair.Grace != time.Hour {
			t.Errorf("unexpected durations %v %v", cfg.Store.Timeout, cfg.Repair.Grace)
		}
	})

	t.Run("file and environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "maildoc.yaml")
		yaml := `store:
  backend: postgres
  dsn: postgres://localhost/mail
  timeout: 3s
payload:
  threshold: 1024
  cache_dir: /var/cache/maildoc
  s3:
    bucket: mail-parts
    path_style: true
log:
  level: debug
`
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("MAILDOC_STORE_DSN", "postgres://db/mail")

		cfg, err := loadConfig(path)
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		want := storeConfig{Backend: "postgres", DSN: "postgres://db/mail", Path: "maildoc.db", Timeout: 3 * time.Second}
		if diff := cmp.Diff(want, cfg.Store); diff != "" {
			t.Errorf("store config mismatch (-want +got):\n%s", diff)
		}
		if cfg.Payload.Threshold != 1024 || cfg.Payload.S3.Bucket != "mail-parts" || !cfg.Payload.S3.PathStyle {
			t.Errorf("unexpected payload config %+v", cfg.Payload)
		}
		if cfg.Log.Level != "debug" {
			t.Errorf("expected debug level, got %q", cfg.Log.Level)
		}
	})

	t.Run("explicit missing file", func(t *testing.T) {
		if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected an error for a missing config file")
		}
	})
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("warn"); err != nil {
		t.Errorf("warn: %v", err)
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestOpenStore(t *testing.T) {
	var cl closers
	if _, err := openStore(storeConfig{Backend: "cassandra"}, slog.Default(), &cl); err == nil {
		t.Error("expected an error for an unknown backend")
	}
	s, err := openStore(storeConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "m.db"), Timeout: time.Second}, slog.Default(), &cl)
	if err != nil || s == nil {
		t.Fatalf("sqlite: %v", err)
	}
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	cfg := &config{
		Store:  storeConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "m.db"), Timeout: time.Second},
		Repair: repairConfig{Grace: time.Hour, Rate: 100},
	}
	a, closer, err := openAdaptor(ctx, cfg, slog.Default())
	if err != nil {
		t.Fatalf("openAdaptor: %v", err)
	}
	defer closer.Close()

	eml := filepath.Join(t.TempDir(), "q3.eml")
	if err := os.WriteFile(eml, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := runImport(ctx, a, []string{"-mbox", "Work", "-seen", eml}); err != nil {
		t.Fatalf("import: %v", err)
	}
	// Importing the same file again is reported, not failed.
	if err := runImport(ctx, a, []string{"-mbox", "Work", eml}); err != nil {
		t.Fatalf("re-import: %v", err)
	}

	mbox, err := a.FindMbox(ctx, "Work")
	if err != nil {
		t.Fatalf("FindMbox: %v", err)
	}
	ids, err := a.MdocIDs(ctx, mbox.UUID)
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected one message, got %v, %v", ids, err)
	}

	if err := runFlags(ctx, a, []string{"-add", maildoc.FlagFlagged, "-remove", maildoc.FlagRecent, ids[0]}); err != nil {
		t.Fatalf("flags: %v", err)
	}
	f, err := a.FlagsFromMdocID(ctx, ids[0])
	if err != nil {
		t.Fatalf("FlagsFromMdocID: %v", err)
	}
	if !f.HasFlag(maildoc.FlagFlagged) || !f.HasFlag(maildoc.FlagSeen) || f.HasFlag(maildoc.FlagRecent) {
		t.Errorf("unexpected flags %v", f.Flags)
	}

	if err := runFlags(ctx, a, []string{"-add", "bad flag", ids[0]}); err == nil {
		t.Error("expected an invalid flag error")
	}

	if err := runList(ctx, a, []string{"-mbox", "Work"}); err != nil {
		t.Errorf("list: %v", err)
	}
	if err := runMailboxes(ctx, a, nil); err != nil {
		t.Errorf("mailboxes: %v", err)
	}
	if err := runRepair(ctx, a, nil); err != nil {
		t.Errorf("repair: %v", err)
	}

	if err := runRemoveMbox(ctx, a, []string{"-keep", "Work"}); err == nil {
		t.Error("expected -keep to refuse a non-empty mailbox")
	}
	if err := runRemoveMbox(ctx, a, []string{"Work"}); err != nil {
		t.Fatalf("rmbox: %v", err)
	}
	if _, err := a.FindMbox(ctx, "Work"); err == nil {
		t.Error("mailbox should be gone")
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &maildoc.RepairReport{
		DanglingFlags: []string{"F-a-b"},
		Orphaned:      []string{"abc"},
		Skipped:       1,
		Deleted:       2,
		Interrupted:   true,
	})
	want := "dangling\tF-a-b\norphaned\tabc\nskipped 1, deleted 2 (interrupted)\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRunUsage(t *testing.T) {
	err := run(nil)
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("expected usage error, got %v", err)
	}
	if err := run([]string{"frobnicate"}); err == nil {
		t.Error("expected an unknown command error")
	}
}
