package tpmlib

import (
	"encoding/binary"
	"sync"

	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

// UnimplementedLibrary is the Library implementation cmd/swtpm wires in by
// default. TPM command semantics are explicitly out of scope here (spec.md
// §1's Non-goals list "TPM command semantics" alongside the cryptographic
// primitives); this type is the seam a real deployment replaces with a
// binding to an actual TPM command processor (the role libtpms plays in
// the reference implementation this module's persistence engine was
// distilled from). It still round-trips GetState/SetState through an
// in-memory map and tracks the last ordinal for shutdown synthesis, so
// everything this module actually owns — persistence, the control
// protocol, the request pipeline — can be driven end to end without that
// dependency. Process itself returns an error: issuing real TPM commands
// needs the real library.
type UnimplementedLibrary struct {
	mu          sync.Mutex
	initialized bool
	state       map[StateKind][]byte
	last        LastOrdinal
}

// NewUnimplementedLibrary returns a Library with no persisted state.
func NewUnimplementedLibrary() *UnimplementedLibrary {
	return &UnimplementedLibrary{state: make(map[StateKind][]byte)}
}

func (u *UnimplementedLibrary) Init(profile Profile) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.initialized = true
	return nil
}

// Process records the ordinal for shutdown-synthesis bookkeeping, then
// reports that no real command processor is wired in.
func (u *UnimplementedLibrary) Process(command []byte, locality byte) ([]byte, error) {
	u.mu.Lock()
	if !u.initialized {
		u.mu.Unlock()
		return nil, errNotInitialized("UnimplementedLibrary.Process")
	}
	var ordinal uint32
	if len(command) >= 10 {
		ordinal = binary.BigEndian.Uint32(command[6:10])
	}
	u.last = LastOrdinal{Ordinal: ordinal, WasShutdown: ordinal == Ordinal2Shutdown}
	u.mu.Unlock()
	return nil, swtpmerr.New("UnimplementedLibrary.Process: no TPM command library wired in", swtpmerr.Fail)
}

func (u *UnimplementedLibrary) Cancel() error {
	return nil
}

func (u *UnimplementedLibrary) GetState(kind StateKind) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.state[kind]
	if !ok {
		return nil, swtpmerr.New("UnimplementedLibrary.GetState", swtpmerr.Retry)
	}
	return append([]byte(nil), data...), nil
}

func (u *UnimplementedLibrary) SetState(kind StateKind, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state[kind] = append([]byte(nil), data...)
	return nil
}

func (u *UnimplementedLibrary) Terminate() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.initialized = false
	return nil
}
