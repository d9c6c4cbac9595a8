package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kheubaum/swtpm/internal/keyregistry"
)

func TestOpenBackendDirOption(t *testing.T) {
	dir := t.TempDir()
	backend, err := openBackend("dir="+dir, 0)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer backend.Close()

	if err := backend.Store(0, []byte("hello")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := backend.Load(0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestOpenBackendFileURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")
	backend, err := openBackend("backend-uri=file://"+path, 0)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer backend.Close()
}

func TestOpenBackendRejectsUnknownKind(t *testing.T) {
	if _, err := openBackend("backend-uri=nope://x", 0); err == nil {
		t.Fatal("expected error for unknown backend kind")
	}
}

func TestLoadKeyOptionFileSource(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.hex")
	if err := os.WriteFile(keyPath, []byte("00112233445566778899aabbccddeeff"[:32]), 0o600); err != nil {
		t.Fatal(err)
	}

	registry := keyregistry.New()
	err := loadKeyOption(registry.LoadStateKey, "file="+keyPath+",format=hex")
	if err != nil {
		t.Fatalf("loadKeyOption: %v", err)
	}
	if !registry.HasStateKey() {
		t.Fatal("expected state key to be loaded")
	}
}

func TestLoadKeyOptionRequiresSource(t *testing.T) {
	registry := keyregistry.New()
	if err := loadKeyOption(registry.LoadStateKey, "format=hex"); err == nil {
		t.Fatal("expected error when no source key is set")
	}
}

func TestListenFromOptionTCP(t *testing.T) {
	l, err := listenFromOption("type=tcp,port=0,bindaddr=127.0.0.1")
	if err != nil {
		t.Fatalf("listenFromOption: %v", err)
	}
	defer l.Close()
	if l.Addr().Network() != "tcp" {
		t.Fatalf("got network %q, want tcp", l.Addr().Network())
	}
}

func TestListenFromOptionUnix(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ctrl.sock")
	l, err := listenFromOption("type=unixio,path=" + sockPath)
	if err != nil {
		t.Fatalf("listenFromOption: %v", err)
	}
	defer l.Close()
	if l.Addr().Network() != "unix" {
		t.Fatalf("got network %q, want unix", l.Addr().Network())
	}
}
