package swtpmerr

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	err := Wrap("blobformat.Unwrap", DecryptError, base)

	if !IsDecryptError(err) {
		t.Fatalf("expected DecryptError, got %v", KindOf(err))
	}
	if IsRetry(err) {
		t.Fatalf("expected not Retry")
	}
	if !errors.Is(err, err) {
		t.Fatalf("errors.Is should match identical error")
	}
	if unwrapped := errors.Unwrap(err); unwrapped != base {
		t.Fatalf("Unwrap = %v, want %v", unwrapped, base)
	}
}

func TestKindOfNonTyped(t *testing.T) {
	if KindOf(errors.New("plain")) != Fail {
		t.Fatalf("expected Fail for untyped error")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Retry:        "RETRY",
		BadParameter: "BAD_PARAMETER",
		DecryptError: "DECRYPT_ERROR",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
