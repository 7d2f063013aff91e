package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	p := NewLocalProvider(base)

	src := filepath.Join(t.TempDir(), "agent.bin")
	if err := os.WriteFile(src, []byte("agent payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, remote := range []string{"breeze/backup-1.0.0/files/agent.bin.gz", "breeze/backup-1.0.0/manifest.yaml"} {
		if err := p.Upload(ctx, src, remote); err != nil {
			t.Fatalf("Upload(%s): %v", remote, err)
		}
	}

	keys, err := p.List(ctx, "breeze/backup-1.0.0")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List = %v, want 2 keys", keys)
	}

	out := filepath.Join(t.TempDir(), "restored.bin")
	if err := p.Download(ctx, "breeze/backup-1.0.0/files/agent.bin.gz", out); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "agent payload" {
		t.Fatalf("restored content = %q", got)
	}

	for _, k := range keys {
		if err := p.Delete(ctx, k); err != nil {
			t.Fatalf("Delete(%s): %v", k, err)
		}
	}
	if _, err := os.Stat(filepath.Join(base, "breeze")); !os.IsNotExist(err) {
		t.Fatal("empty directories should be cleaned up")
	}
	if err := p.Delete(ctx, "breeze/missing"); err != nil {
		t.Fatalf("deleting a missing file should succeed: %v", err)
	}
}

func TestLocalProviderDownloadMissing(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	err := p.Download(context.Background(), "nope.gz", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLocalProviderRejectsTraversal(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	src := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Upload(context.Background(), src, "../../escape"); err == nil {
		t.Fatal("expected traversal error")
	}
	if _, err := p.List(context.Background(), "../.."); err == nil {
		t.Fatal("expected traversal error on list")
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, path, want string
	}{
		{"", "a/b", "a/b"},
		{"agents/host1", "a/b", "agents/host1/a/b"},
		{"/agents/", "/a", "agents/a"},
	}
	for _, tt := range tests {
		if got := objectKey(tt.prefix, tt.path); got != tt.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tt.prefix, tt.path, got, tt.want)
		}
		if got := relativeKey(tt.prefix, objectKey(tt.prefix, tt.path)); got != objectKey("", tt.path) {
			t.Errorf("relativeKey round trip = %q", got)
		}
	}
}

func TestNewSelectsProvider(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, MirrorConfig{})
	if err != nil || p != nil {
		t.Fatalf("empty config: p=%v err=%v", p, err)
	}
	if _, err := New(ctx, MirrorConfig{Provider: "ftp"}); err == nil {
		t.Fatal("unknown provider should fail")
	}
	if _, err := New(ctx, MirrorConfig{Provider: "local"}); err == nil {
		t.Fatal("local without base path should fail")
	}
	if _, err := New(ctx, MirrorConfig{Provider: "s3"}); err == nil {
		t.Fatal("s3 without bucket should fail")
	}
	if _, err := New(ctx, MirrorConfig{Provider: "b2", Bucket: "x"}); err == nil {
		t.Fatal("b2 without keys should fail")
	}
	if _, err := New(ctx, MirrorConfig{Provider: "azure", Account: "acct"}); err == nil {
		t.Fatal("azure without container should fail")
	}
	local, err := New(ctx, MirrorConfig{Provider: "LOCAL", BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if local.Name() != "local" {
		t.Fatalf("Name = %q", local.Name())
	}
}
