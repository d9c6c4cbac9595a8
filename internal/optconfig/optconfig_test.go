package optconfig

import "testing"

func TestParseTPMStateOption(t *testing.T) {
	got, err := Parse(OptionTPMState, "dir=/var/lib/swtpm,mode=0640,lock,fsync")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got["dir"] != "/var/lib/swtpm" {
		t.Fatalf("dir = %q", got["dir"])
	}
	if got["mode"] != "0640" {
		t.Fatalf("mode = %q", got["mode"])
	}
	if _, ok := got["lock"]; !ok {
		t.Fatal("expected bare key 'lock' present with empty value")
	}
	if got["lock"] != "" {
		t.Fatalf("lock value = %q, want empty", got["lock"])
	}
}

func TestParseUnknownKeyFails(t *testing.T) {
	if _, err := Parse(OptionTPMState, "bogus=1"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseKeyOptionEnumeratedValues(t *testing.T) {
	if _, err := Parse(OptionKey, "file=/k,format=hex,mode=aes-256-cbc,kdf=pbkdf2"); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Parse(OptionKey, "file=/k,format=base64"); err == nil {
		t.Fatal("expected error for unrecognized format value")
	}
}

func TestParseEmptySpecYieldsEmptyMap(t *testing.T) {
	got, err := Parse(OptionFlags, "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d entries, want 0", len(got))
	}
}

func TestParseUnknownOptionFails(t *testing.T) {
	if _, err := Parse(Option("bogus"), "x=1"); err == nil {
		t.Fatal("expected error for unknown option family")
	}
}

func TestParseFlagsOption(t *testing.T) {
	got, err := Parse(OptionFlags, "not-need-init,disable-auto-shutdown")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := got["not-need-init"]; !ok {
		t.Fatal("expected not-need-init present")
	}
	if _, ok := got["disable-auto-shutdown"]; !ok {
		t.Fatal("expected disable-auto-shutdown present")
	}
}
