package tpmlib

import (
	"encoding/binary"
	"sync"

	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

// FakeLibrary is an in-memory Library double used by pipeline, driver, and
// control-channel tests. It never ships in production main packages.
type FakeLibrary struct {
	mu          sync.Mutex
	initialized bool
	profile     Profile
	state       map[StateKind][]byte
	canceled    bool

	Last LastOrdinal

	// ProcessFunc, when set, overrides the default echo response so
	// tests can script specific ordinals and failures.
	ProcessFunc func(command []byte, locality byte) ([]byte, error)
}

// NewFakeLibrary returns an empty FakeLibrary with no persisted state.
func NewFakeLibrary() *FakeLibrary {
	return &FakeLibrary{state: make(map[StateKind][]byte)}
}

func (f *FakeLibrary) Init(profile Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile = profile
	f.initialized = true
	return nil
}

// Process extracts the big-endian ordinal at the conventional TPM header
// offset (tag u16, size u32, ordinal u32 starting at byte 6) when the
// command is at least 10 bytes, and records it in Last. If ProcessFunc is
// set it is used to produce the response; otherwise Process echoes a
// minimal well-formed success response.
func (f *FakeLibrary) Process(command []byte, locality byte) ([]byte, error) {
	f.mu.Lock()
	if !f.initialized {
		f.mu.Unlock()
		return nil, errNotInitialized("FakeLibrary.Process")
	}
	f.mu.Unlock()

	var ordinal uint32
	if len(command) >= 10 {
		ordinal = binary.BigEndian.Uint32(command[6:10])
	}

	if f.ProcessFunc != nil {
		resp, err := f.ProcessFunc(command, locality)
		f.recordOrdinal(ordinal, err == nil)
		return resp, err
	}

	resp := make([]byte, 10)
	binary.BigEndian.PutUint16(resp[0:2], 0x8001)
	binary.BigEndian.PutUint32(resp[2:6], 10)
	binary.BigEndian.PutUint32(resp[6:10], 0)
	f.recordOrdinal(ordinal, true)
	return resp, nil
}

func (f *FakeLibrary) recordOrdinal(ordinal uint32, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Last = LastOrdinal{
		Ordinal:     ordinal,
		WasShutdown: ordinal == Ordinal2Shutdown,
		Succeeded:   ok,
	}
}

// Cancel is lock-free with respect to Process: it only flips a flag that a
// hand-scripted ProcessFunc may choose to observe.
func (f *FakeLibrary) Cancel() error {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
	return nil
}

// Canceled reports whether Cancel has been called since the last
// Terminate (or since construction).
func (f *FakeLibrary) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

func (f *FakeLibrary) GetState(kind StateKind) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.state[kind]
	if !ok {
		return nil, swtpmerr.New("FakeLibrary.GetState", swtpmerr.Retry)
	}
	return append([]byte(nil), data...), nil
}

func (f *FakeLibrary) SetState(kind StateKind, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[kind] = append([]byte(nil), data...)
	return nil
}

func (f *FakeLibrary) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = false
	f.canceled = false
	return nil
}
