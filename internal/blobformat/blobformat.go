// Package blobformat implements the versioned, tagged blob wire format:
// a fixed 10-byte header followed by a TLV stream (internal/tlv), with an
// encryption envelope (internal/envelope) layered in for at-rest and
// migration protection. This is the format operators use to back up,
// migrate, and key-rotate TPM state (spec.md §3, §4.3).
package blobformat

import (
	"encoding/binary"

	"github.com/kheubaum/swtpm/internal/envelope"
	"github.com/kheubaum/swtpm/internal/keyregistry"
	"github.com/kheubaum/swtpm/internal/swtpmerr"
	"github.com/kheubaum/swtpm/internal/tlv"
)

// Flags are the header's bit flags.
type Flags uint16

const (
	FlagEncrypted          Flags = 0x1
	FlagMigrationEncrypted Flags = 0x2
	FlagMigrationData      Flags = 0x4
)

const (
	// CurrentVersion is the version this package writes.
	CurrentVersion = 2
	// HeaderSize is the fixed on-wire header length in bytes.
	HeaderSize = 10
	// legacyHashLen is the SHA-256 prefix length of a hdrversion-1 body.
	legacyHashLen = 32
)

// Header is the fixed 10-byte, big-endian blob header.
type Header struct {
	Version    byte
	MinVersion byte
	HdrSize    uint16
	Flags      Flags
	TotalLen   uint32
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Header) MarshalBinary() ([]byte, error) {
	out := make([]byte, HeaderSize)
	out[0] = h.Version
	out[1] = h.MinVersion
	binary.BigEndian.PutUint16(out[2:4], h.HdrSize)
	binary.BigEndian.PutUint16(out[4:6], uint16(h.Flags))
	binary.BigEndian.PutUint32(out[6:10], h.TotalLen)
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return swtpmerr.New("Header.UnmarshalBinary", swtpmerr.BadParameter)
	}
	h.Version = data[0]
	h.MinVersion = data[1]
	h.HdrSize = binary.BigEndian.Uint16(data[2:4])
	h.Flags = Flags(binary.BigEndian.Uint16(data[4:6]))
	h.TotalLen = binary.BigEndian.Uint32(data[6:10])
	return nil
}

// looksLikeHeader applies a conservative heuristic: a real header's
// hdrsize must equal HeaderSize. Anything else is treated as a
// hdrversion-1 legacy body, per spec.md §9's documented compatibility
// mode. TotalLen is deliberately not checked here — a structurally
// header-shaped blob with a corrupted TotalLen must still be recognized
// as a (corrupt) v2 header so the caller can report BadParameter, rather
// than falling through to the legacy path and being accepted silently.
func looksLikeHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	var h Header
	_ = h.UnmarshalBinary(buf)
	if h.HdrSize != HeaderSize {
		return Header{}, false
	}
	return h, true
}

// Codec wraps/unwraps blobs using the keys installed in reg.
type Codec struct {
	Registry *keyregistry.Registry
}

// New returns a Codec backed by reg.
func New(reg *keyregistry.Registry) *Codec {
	return &Codec{Registry: reg}
}

// Wrap produces a versioned blob from plaintext. If encrypt is true and a
// state key is installed, the plaintext is enveloped (ENCRYPTED_DATA +
// HMAC) and FlagEncrypted is set; otherwise a single DATA record is used.
func (c *Codec) Wrap(plaintext []byte, encrypt bool) ([]byte, error) {
	var body []byte
	var flags Flags

	if encrypt && c.Registry.HasStateKey() {
		encData, mac, err := envelope.Encrypt(c.Registry.StateKey().Bytes, plaintext)
		if err != nil {
			return nil, err
		}
		body = tlv.Append(
			tlv.Record{Tag: tlv.TagEncryptedData, Value: encData},
			tlv.Record{Tag: tlv.TagHMAC, Value: mac},
		)
		flags |= FlagEncrypted
	} else {
		body = tlv.Append(tlv.Record{Tag: tlv.TagData, Value: plaintext})
	}

	return prepend(flags, body), nil
}

func prepend(flags Flags, body []byte) []byte {
	h := Header{
		Version:    CurrentVersion,
		MinVersion: CurrentVersion,
		HdrSize:    HeaderSize,
		Flags:      flags,
		TotalLen:   uint32(HeaderSize + len(body)),
	}
	hdr, _ := h.MarshalBinary()
	return append(hdr, body...)
}

// Unwrap recovers the plaintext stored in blob.
func (c *Codec) Unwrap(blob []byte) ([]byte, error) {
	h, ok := looksLikeHeader(blob)
	if !ok {
		return c.unwrapLegacy(blob)
	}
	if h.TotalLen != uint32(len(blob)) {
		return nil, swtpmerr.New("blobformat.Unwrap", swtpmerr.BadParameter)
	}
	if h.MinVersion > CurrentVersion {
		return nil, swtpmerr.New("blobformat.Unwrap", swtpmerr.BadVersion)
	}
	body := blob[h.HdrSize:]

	if h.Flags&FlagEncrypted != 0 {
		return c.decryptTagged(body, tlv.TagEncryptedData, c.Registry.StateKey())
	}
	rec, ok := tlv.Find(body, tlv.TagData)
	if !ok {
		return nil, swtpmerr.New("blobformat.Unwrap", swtpmerr.BadParameter)
	}
	return rec.Value, nil
}

func (c *Codec) decryptTagged(body []byte, dataTag tlv.Tag, key *keyregistry.Key) ([]byte, error) {
	if key == nil {
		return nil, swtpmerr.New("blobformat.decryptTagged", swtpmerr.KeyNotFound)
	}
	encRec, ok := tlv.Find(body, dataTag)
	if !ok {
		return nil, swtpmerr.New("blobformat.decryptTagged", swtpmerr.BadParameter)
	}
	macRec, ok := tlv.Find(body, tlv.TagHMAC)
	if !ok {
		return nil, swtpmerr.New("blobformat.decryptTagged", swtpmerr.BadParameter)
	}
	return envelope.Decrypt(key.Bytes, encRec.Value, macRec.Value)
}

// unwrapLegacy handles hdrversion-1 (headerless) bodies: the first 32
// bytes are a SHA-256 hash prefix when a state key is present, else the
// body is plaintext. This mode is read-only — Wrap never produces it.
func (c *Codec) unwrapLegacy(blob []byte) ([]byte, error) {
	if !c.Registry.HasStateKey() {
		return blob, nil
	}
	if len(blob) < legacyHashLen {
		return nil, swtpmerr.New("blobformat.unwrapLegacy", swtpmerr.BadParameter)
	}
	// Legacy blobs predate the HMAC scheme; the hash is not an
	// authentication tag. The prefix is removed without being compared
	// against the body, so a corrupted legacy body is returned as is.
	return blob[legacyHashLen:], nil
}

// Export produces a migration/snapshot blob for plaintext previously
// loaded from name. If reEncrypt is true and a state key is installed,
// the inner layer is re-enveloped with the state key; otherwise the inner
// layer is a plain DATA record. The inner layer is always wrapped again in
// a MIGRATION_DATA (or ENCRYPTED_MIGRATION_DATA, if a migration key is
// installed) TLV record.
func (c *Codec) Export(plaintext []byte, reEncrypt bool) ([]byte, error) {
	var inner []byte
	var flags Flags
	if reEncrypt && c.Registry.HasStateKey() {
		encData, mac, err := envelope.Encrypt(c.Registry.StateKey().Bytes, plaintext)
		if err != nil {
			return nil, err
		}
		inner = tlv.Append(
			tlv.Record{Tag: tlv.TagEncryptedData, Value: encData},
			tlv.Record{Tag: tlv.TagHMAC, Value: mac},
		)
		flags |= FlagEncrypted
	} else {
		inner = tlv.Append(tlv.Record{Tag: tlv.TagData, Value: plaintext})
	}

	var outerBody []byte
	if c.Registry.HasMigrationKey() {
		encData, mac, err := envelope.Encrypt(c.Registry.MigrationKey().Bytes, inner)
		if err != nil {
			return nil, err
		}
		outerBody = tlv.Append(
			tlv.Record{Tag: tlv.TagEncryptedMigrationData, Value: encData},
			tlv.Record{Tag: tlv.TagHMAC, Value: mac},
		)
		flags |= FlagMigrationEncrypted | FlagMigrationData
	} else {
		outerBody = tlv.Append(tlv.Record{Tag: tlv.TagMigrationData, Value: inner})
		flags |= FlagMigrationData
	}

	return prepend(flags, outerBody), nil
}

// Import recovers the plaintext from a migration blob produced by Export
// (possibly by a different process with a different key registry). If
// callerSaysEncrypted is true, the inner layer is treated as encrypted
// even if the inner flag bit disagrees — this mirrors spec.md §4.3's
// "caller_says_encrypted" override for SetStateBlob callers that know
// more about the payload than the header does.
func (c *Codec) Import(blob []byte, callerSaysEncrypted bool) ([]byte, error) {
	h, ok := looksLikeHeader(blob)
	if !ok {
		return nil, swtpmerr.New("blobformat.Import", swtpmerr.BadParameter)
	}
	if h.TotalLen != uint32(len(blob)) {
		return nil, swtpmerr.New("blobformat.Import", swtpmerr.BadParameter)
	}
	if h.MinVersion > CurrentVersion {
		return nil, swtpmerr.New("blobformat.Import", swtpmerr.BadVersion)
	}
	outerBody := blob[h.HdrSize:]

	var inner []byte
	if h.Flags&FlagMigrationEncrypted != 0 {
		plain, err := c.decryptTagged(outerBody, tlv.TagEncryptedMigrationData, c.Registry.MigrationKey())
		if err != nil {
			return nil, err
		}
		inner = plain
	} else {
		rec, ok := tlv.Find(outerBody, tlv.TagMigrationData)
		if !ok {
			return nil, swtpmerr.New("blobformat.Import", swtpmerr.BadParameter)
		}
		inner = rec.Value
	}

	if encRec, ok := tlv.Find(inner, tlv.TagEncryptedData); ok || callerSaysEncrypted || h.Flags&FlagEncrypted != 0 {
		if c.Registry.StateKey() == nil {
			return nil, swtpmerr.New("blobformat.Import", swtpmerr.KeyNotFound)
		}
		if !ok {
			return nil, swtpmerr.New("blobformat.Import", swtpmerr.BadParameter)
		}
		macRec, ok := tlv.Find(inner, tlv.TagHMAC)
		if !ok {
			return nil, swtpmerr.New("blobformat.Import", swtpmerr.BadParameter)
		}
		return envelope.Decrypt(c.Registry.StateKey().Bytes, encRec.Value, macRec.Value)
	}

	rec, ok := tlv.Find(inner, tlv.TagData)
	if !ok {
		return nil, swtpmerr.New("blobformat.Import", swtpmerr.BadParameter)
	}
	return rec.Value, nil
}
