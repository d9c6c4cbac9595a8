package tpmdriver

import (
	"encoding/binary"

	"github.com/kheubaum/swtpm/internal/tpmlib"
)

// Shutdown types accepted by TPM2_Shutdown. TPM 1.2 has no equivalent
// command; buildShutdownCommand is only meaningful for Version2 drivers.
const (
	SUClear uint16 = 0x0000
	SUState uint16 = 0x0001
)

// buildShutdownCommand encodes a minimal TPM2_Shutdown(suType) command:
// tag(NO_SESSIONS) u16, size u32, ordinal u32, suType u16. This is the one
// place the driver constructs command bytes itself rather than forwarding
// opaque ones, since synthesizing the shutdown on termination is this
// package's own responsibility (spec.md §4.6), not the library's.
func buildShutdownCommand(suType uint16) []byte {
	const size = 12
	cmd := make([]byte, size)
	binary.BigEndian.PutUint16(cmd[0:2], 0x8001) // TPM_ST_NO_SESSIONS
	binary.BigEndian.PutUint32(cmd[2:6], size)
	binary.BigEndian.PutUint32(cmd[6:10], tpmlib.Ordinal2Shutdown)
	binary.BigEndian.PutUint16(cmd[10:12], suType)
	return cmd
}

// DefaultShutdown returns a shutdown callback suitable for Terminate: it
// issues TPM2_Shutdown(SU_STATE) when clean is true, SU_CLEAR otherwise,
// directly against lib (bypassing the driver's own mutex, since Terminate
// already holds it).
func DefaultShutdown(lib tpmlib.Library, locality byte) func(clean bool) error {
	return func(clean bool) error {
		su := SUState
		if !clean {
			su = SUClear
		}
		_, err := lib.Process(buildShutdownCommand(su), locality)
		return err
	}
}
