package pipeline

import (
	"encoding/binary"
	"testing"

	"github.com/kheubaum/swtpm/internal/nvram"
	"github.com/kheubaum/swtpm/internal/tpmdriver"
	"github.com/kheubaum/swtpm/internal/tpmlib"
)

func newTestDriver(t *testing.T) *tpmdriver.Driver {
	t.Helper()
	backend := nvram.NewDirBackend(t.TempDir())
	if err := backend.Open(0); err != nil {
		t.Fatalf("backend.Open: %v", err)
	}
	lib := tpmlib.NewFakeLibrary()
	d := tpmdriver.New(lib, backend, tpmdriver.Config{Version: tpmlib.Version2})
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d
}

func buildCommand(ordinal uint32, extra ...byte) []byte {
	cmd := make([]byte, requestHeaderLen+len(extra))
	binary.BigEndian.PutUint16(cmd[0:2], TagNoSessions)
	binary.BigEndian.PutUint32(cmd[2:6], uint32(len(cmd)))
	binary.BigEndian.PutUint32(cmd[6:10], ordinal)
	copy(cmd[requestHeaderLen:], extra)
	return cmd
}

func responseCode(resp []byte) uint32 {
	return binary.BigEndian.Uint32(resp[6:10])
}

func TestSetLocalitySuccessUpdatesLocality(t *testing.T) {
	d := newTestDriver(t)
	p := New(tpmlib.Version2, Policy{AllowSetLocality: true})

	cmd := buildCommand(tpmlib.Ordinal2SetLocality, 3)
	resp := p.Process(cmd, d)
	if responseCode(resp) != 0 {
		t.Fatalf("response code = %#x, want 0", responseCode(resp))
	}
	if p.Locality() != 3 {
		t.Fatalf("locality = %d, want 3", p.Locality())
	}

	// Spec.md §8 scenario 3's wire layout (11 bytes, locality 3), with the
	// ordinal field set to Ordinal2SetLocality.
	wire := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0B, 0x00, 0x00, 0x01, 0x3B, 0x03}
	binary.BigEndian.PutUint32(wire[6:10], tpmlib.Ordinal2SetLocality)
	resp2 := p.Process(wire, d)
	wantResp := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x00}
	if string(resp2) != string(wantResp) {
		t.Fatalf("resp = % x, want % x", resp2, wantResp)
	}
}

func TestSetLocalityRejectedWhenPolicyDisallows(t *testing.T) {
	d := newTestDriver(t)
	p := New(tpmlib.Version2, Policy{AllowSetLocality: false})

	cmd := buildCommand(tpmlib.Ordinal2SetLocality, 3)
	resp := p.Process(cmd, d)
	if responseCode(resp) == 0 {
		t.Fatal("expected non-zero (fatal) response code")
	}
	if p.Locality() != 0 {
		t.Fatalf("locality should be unchanged, got %d", p.Locality())
	}
}

func TestSetLocality4RejectedWhenPolicyRejects(t *testing.T) {
	d := newTestDriver(t)
	p := New(tpmlib.Version2, Policy{AllowSetLocality: true, RejectLocality4: true})

	cmd := buildCommand(tpmlib.Ordinal2SetLocality, 4)
	resp := p.Process(cmd, d)
	if responseCode(resp) != badLocalityCode() {
		t.Fatalf("response code = %#x, want BAD_LOCALITY", responseCode(resp))
	}
}

func TestSetLocality5AlwaysRejected(t *testing.T) {
	d := newTestDriver(t)
	p := New(tpmlib.Version2, Policy{AllowSetLocality: true, RejectLocality4: false})

	cmd := buildCommand(tpmlib.Ordinal2SetLocality, 5)
	resp := p.Process(cmd, d)
	if responseCode(resp) != badLocalityCode() {
		t.Fatalf("response code = %#x, want BAD_LOCALITY", responseCode(resp))
	}
}

func TestUndersizedCommandYieldsBadParamSize(t *testing.T) {
	d := newTestDriver(t)
	p := New(tpmlib.Version2, Policy{AllowSetLocality: true})

	resp := p.Process([]byte{0x80, 0x01, 0x00, 0x00}, d)
	if responseCode(resp) != badParamSizeCode() {
		t.Fatalf("response code = %#x, want BAD_PARAM_SIZE", responseCode(resp))
	}
}

func TestNonLocalityCommandForwardsToDriver(t *testing.T) {
	d := newTestDriver(t)
	p := New(tpmlib.Version2, Policy{AllowSetLocality: true})

	cmd := buildCommand(tpmlib.Ordinal2GetCapability)
	resp := p.Process(cmd, d)
	if len(resp) == 0 {
		t.Fatal("expected a forwarded response")
	}
}

func TestTCGPrefixStrippedAndLocalityCaptured(t *testing.T) {
	d := newTestDriver(t)
	p := New(tpmlib.Version2, Policy{AllowSetLocality: true})

	inner := buildCommand(tpmlib.Ordinal2GetCapability)
	prefixed := make([]byte, tcgPrefixLen+len(inner))
	binary.BigEndian.PutUint32(prefixed[0:4], tcgSendCommandOpcode)
	prefixed[4] = 7 // embedded locality
	binary.BigEndian.PutUint32(prefixed[5:9], uint32(len(inner)))
	copy(prefixed[tcgPrefixLen:], inner)

	resp := p.Process(prefixed, d)
	if len(resp) == 0 {
		t.Fatal("expected a forwarded response")
	}
	// The TCG-embedded locality is a one-command override; it must not
	// persist as the pipeline's own locality value.
	if p.Locality() != 0 {
		t.Fatalf("pipeline locality = %d, want 0 (override does not persist)", p.Locality())
	}
}

func TestSessionTaggedBufferIsNeverTreatedAsTCGPrefixed(t *testing.T) {
	d := newTestDriver(t)
	p := New(tpmlib.Version2, Policy{AllowSetLocality: true})

	cmd := buildCommand(tpmlib.Ordinal2GetCapability)
	resp := p.Process(cmd, d)
	if len(resp) == 0 {
		t.Fatal("expected a forwarded response")
	}
}
