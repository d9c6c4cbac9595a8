// Package tlv implements the tag-length-value record format used within
// blob bodies: tag(u16 BE) length(u32 BE) value(length bytes). Records
// returned by Find borrow their Value from the input buffer; records built
// by Append always own freshly allocated buffers.
package tlv

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the kind of a TLV record.
type Tag uint16

const (
	TagData                   Tag = 1
	TagEncryptedData          Tag = 2
	TagHMAC                   Tag = 3
	TagMigrationData          Tag = 4
	TagEncryptedMigrationData Tag = 5
)

const headerLen = 6 // 2-byte tag + 4-byte length

// Record is a single tag-length-value entry.
type Record struct {
	Tag   Tag
	Value []byte
}

// Append serializes recs in order and returns the concatenated bytes. The
// result is itself a valid TLV stream, so Append can be called again on a
// mix of freshly built and previously parsed records.
func Append(recs ...Record) []byte {
	n := 0
	for _, r := range recs {
		n += headerLen + len(r.Value)
	}
	out := make([]byte, 0, n)
	for _, r := range recs {
		var hdr [headerLen]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(r.Tag))
		binary.BigEndian.PutUint32(hdr[2:6], uint32(len(r.Value)))
		out = append(out, hdr[:]...)
		out = append(out, r.Value...)
	}
	return out
}

// Find does a linear scan for the first record matching tag. It returns
// false if the tag is absent or if a record's declared length would
// overrun the buffer (treated as "absent", not as an error — a corrupt
// trailing record should not hide an earlier valid one).
func Find(buf []byte, tag Tag) (Record, bool) {
	for len(buf) >= headerLen {
		t := Tag(binary.BigEndian.Uint16(buf[0:2]))
		l := binary.BigEndian.Uint32(buf[2:6])
		rest := buf[headerLen:]
		if uint64(l) > uint64(len(rest)) {
			return Record{}, false
		}
		value := rest[:l]
		if t == tag {
			return Record{Tag: t, Value: value}, true
		}
		buf = rest[l:]
	}
	return Record{}, false
}

// Validate walks the full stream and returns an error if any record's
// length would overrun the buffer or trailing bytes remain that don't form
// a complete record.
func Validate(buf []byte) error {
	for len(buf) > 0 {
		if len(buf) < headerLen {
			return fmt.Errorf("tlv: %d trailing bytes, short of a header", len(buf))
		}
		l := binary.BigEndian.Uint32(buf[2:6])
		rest := buf[headerLen:]
		if uint64(l) > uint64(len(rest)) {
			return fmt.Errorf("tlv: record length %d overruns buffer of %d", l, len(rest))
		}
		buf = rest[l:]
	}
	return nil
}
