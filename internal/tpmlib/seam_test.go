package tpmlib

import "testing"

func TestUnimplementedLibraryProcessFailsAfterInit(t *testing.T) {
	lib := NewUnimplementedLibrary()
	if err := lib.Init(Profile{Version: Version2}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cmd := make([]byte, 10)
	if _, err := lib.Process(cmd, 0); err == nil {
		t.Fatal("expected Process to report no command library wired in")
	}
}

func TestUnimplementedLibraryStateRoundTrip(t *testing.T) {
	lib := NewUnimplementedLibrary()
	if err := lib.SetState(StatePermanent, []byte("perm")); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	got, err := lib.GetState(StatePermanent)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(got) != "perm" {
		t.Fatalf("got %q, want perm", got)
	}
}

func TestUnimplementedLibraryProcessBeforeInitFails(t *testing.T) {
	lib := NewUnimplementedLibrary()
	if _, err := lib.Process(make([]byte, 10), 0); err == nil {
		t.Fatal("expected error before Init")
	}
}
