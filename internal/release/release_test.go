package release

import (
	"testing"
	"time"

	"github.com/breeze-rmm/updater/internal/semver"
)

func TestFileName(t *testing.T) {
	v := semver.MustParse("5.0.1")
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn.example.com/agent/breeze-agent-5.0.1.msi", "breeze-agent-5.0.1.msi"},
		{"https://cdn.example.com/agent/breeze_5.0.1_amd64.deb?sig=abc&x=1", "breeze_5.0.1_amd64.deb"},
		{"https://cdn.example.com/", "breeze-agent-5.0.1"},
		{"", "breeze-agent-5.0.1"},
		{"https://cdn.example.com/a/..%5Cevil.exe", "breeze-agent-5.0.1"},
	}
	for _, tt := range tests {
		p := Package{Version: v, DownloadURL: tt.url}
		if got := p.FileName(); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestCloneDoesNotShareSignature(t *testing.T) {
	minV := semver.MustParse("4.0.0")
	orig := Package{
		Version:        semver.MustParse("5.0.0"),
		MinimumVersion: &minV,
		Signature:      &Signature{Publisher: "Breeze", ValidTo: time.Now()},
	}
	cp := orig.Clone()
	cp.Signature.Publisher = "Mallory"
	cp.MinimumVersion.Major = 9

	if orig.Signature.Publisher != "Breeze" {
		t.Fatal("clone shares Signature with original")
	}
	if orig.MinimumVersion.Major != 4 {
		t.Fatal("clone shares MinimumVersion with original")
	}
}
