// Package pipeline implements the request-processing glue in front of a
// tpmdriver.Driver: optional TCG wire-prefix stripping, minimum-size
// enforcement, SetLocality interception, and forwarding of every other
// ordinal. Parsing style follows the APDU-building/parsing idiom of
// pkg/ntag424/io.go and pkg/ntag424/auth.go.
package pipeline

import (
	"encoding/binary"

	"github.com/kheubaum/swtpm/internal/tpmdriver"
	"github.com/kheubaum/swtpm/internal/tpmlib"
)

// Policy controls which SetLocality requests the pipeline accepts.
type Policy struct {
	AllowSetLocality bool
	RejectLocality4  bool
}

// Pipeline holds the per-connection locality and version/policy
// configuration described in spec.md §4.7. Locality persists across
// Process calls on the same Pipeline until changed.
type Pipeline struct {
	Version tpmlib.Version
	Policy  Policy

	locality byte
}

// New returns a Pipeline with locality initialized to 0, per spec.md §4.7.
func New(version tpmlib.Version, policy Policy) *Pipeline {
	return &Pipeline{Version: version, Policy: policy}
}

// Locality returns the pipeline's current locality value.
func (p *Pipeline) Locality() byte {
	return p.locality
}

// Process implements the four steps of spec.md §4.7 against driver.
// Errors from the pipeline itself are never returned to the caller as Go
// errors — they are encoded in-band as a well-formed TPM response, per
// spec.md §7's policy that request-pipeline faults are surfaced as normal
// protocol failures, not transport-level errors.
func (p *Pipeline) Process(raw []byte, driver *tpmdriver.Driver) []byte {
	command, localityOverride := p.stripTCGPrefix(raw)

	if len(command) < requestHeaderLen {
		return p.errorResponse(badParamSizeCode())
	}

	if ordinal, ok := p.setLocalityOrdinal(command); ok {
		return p.interceptSetLocality(command, ordinal)
	}

	resp, err := driver.Process(command, localityOverride)
	if err != nil {
		return p.errorResponse(genericFailCode())
	}
	return resp
}

// stripTCGPrefix detects and removes the optional TCG SEND_COMMAND
// transport prefix, returning the embedded locality as an override when
// present. Detection requires the first 16-bit field to NOT be a known
// TPM 2 session tag, the buffer to be long enough to hold the prefix, and
// the prefix's opcode field to match tcgSendCommandOpcode — otherwise the
// buffer is assumed to already be a bare TPM command.
func (p *Pipeline) stripTCGPrefix(raw []byte) (command []byte, localityOverride *byte) {
	if len(raw) < 2 {
		return raw, nil
	}
	tag := binary.BigEndian.Uint16(raw[0:2])
	if tag == TagNoSessions || tag == TagSessions {
		return raw, nil
	}
	if len(raw) < tcgPrefixLen {
		return raw, nil
	}
	opcode := binary.BigEndian.Uint32(raw[0:4])
	if opcode != tcgSendCommandOpcode {
		return raw, nil
	}
	locality := raw[4]
	return raw[tcgPrefixLen:], &locality
}

// setLocalityOrdinal reports whether command's ordinal is the
// version-specific SetLocality ordinal.
func (p *Pipeline) setLocalityOrdinal(command []byte) (uint32, bool) {
	ordinal := binary.BigEndian.Uint32(command[6:10])
	var want uint32
	if p.Version == tpmlib.Version1_2 {
		want = tpmlib.Ordinal1_2SetLocality
	} else {
		want = tpmlib.Ordinal2SetLocality
	}
	return ordinal, ordinal == want
}

// interceptSetLocality implements spec.md §4.7 step 3: SetLocality is
// handled entirely within the pipeline and never forwarded to the
// library.
func (p *Pipeline) interceptSetLocality(command []byte, ordinal uint32) []byte {
	if !p.Policy.AllowSetLocality {
		return p.errorResponse(genericFailCode())
	}
	if len(command) < requestHeaderLen+1 {
		return p.errorResponse(badParamSizeCode())
	}
	locality := command[requestHeaderLen]
	if locality >= 5 || (locality == 4 && p.Policy.RejectLocality4) {
		return p.errorResponse(badLocalityCode())
	}
	p.locality = locality
	return p.successResponse()
}

func (p *Pipeline) successResponse() []byte {
	return p.response(0)
}

func (p *Pipeline) errorResponse(code uint32) []byte {
	return p.response(code)
}

func (p *Pipeline) response(code uint32) []byte {
	resp := make([]byte, requestHeaderLen)
	binary.BigEndian.PutUint16(resp[0:2], TagNoSessions)
	binary.BigEndian.PutUint32(resp[2:6], requestHeaderLen)
	binary.BigEndian.PutUint32(resp[6:10], code)
	return resp
}

// Result codes below are the fixed, TPM-response-visible values named in
// spec.md §7: BAD_LOCALITY, BAD_PARAM_SIZE, and a generic fatal failure.
// These are returned in-band, not as Go errors, matching the TPM wire
// protocol's own error-reporting convention.
func badLocalityCode() uint32  { return 0x001E } // TPM_RC_LOCALITY family
func badParamSizeCode() uint32 { return 0x0004 } // TPM_RC_SIZE family
func genericFailCode() uint32  { return 0x0001 } // TPM_RC_FAILURE family
