// Package tpmlib defines the boundary contract for the out-of-scope TPM
// command-processing library: raw ordinal dispatch, state transfer, and
// lifecycle control. Nothing in this repository interprets a TPM command's
// bytes; internal/tpmdriver and internal/pipeline treat Library as an
// opaque collaborator, the same way pkg/ntag424.Card abstracts a card
// transport away from the rest of that toolkit.
package tpmlib

import "github.com/kheubaum/swtpm/internal/swtpmerr"

// Version selects which TPM generation a Library instance emulates.
type Version int

const (
	Version1_2 Version = iota
	Version2
)

// StateKind identifies one of the three persisted state blobs a Library
// exposes through GetState/SetState.
type StateKind int

const (
	StatePermanent StateKind = iota
	StateVolatile
	StateSave
)

// Ordinals named in spec.md §4.6/§4.7. The standard TPM 1.2 ordinals
// below have the top bit clear and the standard TPM 2 command codes start
// at 0x11f; the two SetLocality ordinals are vendor-range values outside
// both ranges (Ordinal1_2SetLocality has the top bit set).
const (
	Ordinal1_2TakeOwnership uint32 = 0x0D
	Ordinal1_2CreateWrapKey uint32 = 0x1F

	Ordinal2CreatePrimary uint32 = 0x131
	Ordinal2Create        uint32 = 0x153

	Ordinal2Shutdown      uint32 = 0x145
	Ordinal2GetCapability uint32 = 0x17A

	Ordinal1_2SetLocality uint32 = 0x8000_0116
	Ordinal2SetLocality   uint32 = 0x40000000
)

// IsCancelable reports whether ordinal belongs to the fixed cancelable set
// for version.
func IsCancelable(version Version, ordinal uint32) bool {
	if version == Version1_2 {
		return ordinal == Ordinal1_2TakeOwnership || ordinal == Ordinal1_2CreateWrapKey
	}
	return ordinal == Ordinal2CreatePrimary || ordinal == Ordinal2Create
}

// Profile is the JSON document naming the algorithms a TPM 2 library
// should enable before Init. TPM 1.2 libraries ignore it.
type Profile struct {
	Version    Version
	JSON       []byte
	DisableSHA1 bool
}

// Library is the contract the out-of-scope TPM command-processing
// collaborator must satisfy. Process and Cancel may be called
// concurrently from different goroutines; every other method assumes the
// caller already holds whatever serialization the caller's own concurrency
// model requires (internal/tpmdriver.Driver supplies this with a mutex).
type Library interface {
	// Init prepares the library to process commands under profile.
	// Returns an error if the profile cannot be satisfied.
	Init(profile Profile) error
	// Process dispatches a single raw TPM command at the given locality
	// and returns its raw response, verbatim.
	Process(command []byte, locality byte) ([]byte, error)
	// Cancel requests that an in-flight Process call abort at its next
	// cancelable checkpoint. Safe to call concurrently with Process.
	Cancel() error
	// GetState returns the current persisted bytes for kind.
	GetState(kind StateKind) ([]byte, error)
	// SetState installs data as the current state for kind, replacing
	// whatever the library already holds.
	SetState(kind StateKind, data []byte) error
	// Terminate releases any resources Init acquired. Process must not
	// be called again afterward.
	Terminate() error
}

// LastOrdinal records the ordinal and success of the most recently
// completed Process call, enough for the driver to decide whether a
// shutdown must be synthesized on Terminate.
type LastOrdinal struct {
	Ordinal   uint32
	WasShutdown bool
	Succeeded bool
}

// errNotInitialized builds the Fail-kind error a Library implementation's
// Process returns when called before Init.
func errNotInitialized(op string) error {
	return swtpmerr.New(op, swtpmerr.Fail)
}
