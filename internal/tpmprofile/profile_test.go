package tpmprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kheubaum/swtpm/internal/tpmlib"
)

func writeProfile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidProfile(t *testing.T) {
	path := writeProfile(t, "name: default\nversion: \"2\"\nalgorithms:\n  - rsa2048\n  - ecc256\n")

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name != "default" || p.Version != "2" || len(p.Algorithms) != 2 {
		t.Fatalf("unexpected profile: %+v", p)
	}

	lp := p.ToLibraryProfile()
	if lp.Version != tpmlib.Version2 {
		t.Fatalf("got version %v, want Version2", lp.Version)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeProfile(t, "name: default\nbogus: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsMissingName(t *testing.T) {
	path := writeProfile(t, "version: \"2\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestLoadRejectsBadVersion(t *testing.T) {
	path := writeProfile(t, "name: default\nversion: \"3\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid version")
	}
}

func TestToLibraryProfileVersion1_2(t *testing.T) {
	p := &Profile{Name: "legacy", Version: "1.2"}
	if got := p.ToLibraryProfile().Version; got != tpmlib.Version1_2 {
		t.Fatalf("got %v, want Version1_2", got)
	}
}
