// Package nvram implements the name -> bytes persistence layer: atomic
// writes, fsync policy, advisory file locking, and permanent-state
// backup/restore (spec.md §4.5). Two backend variants exist, chosen
// immutably at configuration time: a directory backend (one file per
// named blob) and a single-file backend (fixed offsets within one file).
//
// The backend lifecycle — explicit Open/Close, nil-guarded teardown —
// generalizes pkg/ntag424/pcsc.go's Connection, which this package's
// teacher used to wrap a PC/SC reader session.
package nvram

import (
	"fmt"

	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

// BlobName identifies one of the three named TPM state blobs.
type BlobName int

const (
	NamePermAll BlobName = iota
	NameVolatileState
	NameSaveState
)

func (n BlobName) String() string {
	switch n {
	case NamePermAll:
		return "permall"
	case NameVolatileState:
		return "volatilestate"
	case NameSaveState:
		return "savestate"
	default:
		return "unknown"
	}
}

// FsyncPolicy controls whether Store durably syncs each write.
type FsyncPolicy int

const (
	FsyncAlways FsyncPolicy = iota
	FsyncNever
)

// Backend is the capability set spec.md §9 calls for: { open, load, store,
// delete, lock, check_access, free }, renamed to idiomatic Go method names.
type Backend interface {
	// Open prepares the backend for TPM index idx (e.g. resolving the
	// state directory / file path). Open is called once per process.
	Open(idx int) error
	// Load reads the persisted bytes for name, exactly as last written by
	// Store/StoreWithBackup — callers (internal/tpmdriver,
	// internal/ctrlproto) unwrap the blobformat envelope themselves, so
	// the backend never interprets the bytes it holds. Returns a
	// RETRY-kind error if the blob does not exist yet (legitimate first
	// boot); any other I/O error is Fail.
	Load(name BlobName) ([]byte, error)
	// Store durably persists data for name, replacing any existing
	// contents atomically. Callers pass already-wrapped blob bytes.
	Store(name BlobName, data []byte) error
	// StoreWithBackup is like Store, but first renames any existing
	// contents of name aside as a backup, so a torn write still leaves
	// the prior generation recoverable.
	StoreWithBackup(name BlobName, data []byte) error
	// RestoreBackup swaps name's backup back into place as current,
	// preserving the displaced current generation as the new backup (a
	// second call reverts the swap).
	RestoreBackup(name BlobName) error
	// Delete removes name. If mustExist is true, a missing blob is Fail;
	// otherwise it is silently ignored.
	Delete(name BlobName, mustExist bool) error
	// Lock acquires the backend's advisory lock, retrying with
	// exponential backoff up to retries times.
	Lock(retries int) error
	// CheckAccess verifies, without mutating anything, that the backend's
	// storage directory exists and is a directory. It does not test write
	// permission.
	CheckAccess() error
	// Close releases any resources Open acquired (including the lock).
	Close() error
}

// ParseBackendURI parses a backend URI of the form "dir://<path>" or
// "file://<path>" as defined in spec.md §6.
func ParseBackendURI(s string) (kind, path string, err error) {
	const dirPrefix, filePrefix = "dir://", "file://"
	switch {
	case hasPrefix(s, dirPrefix):
		return "dir", s[len(dirPrefix):], nil
	case hasPrefix(s, filePrefix):
		return "file", s[len(filePrefix):], nil
	default:
		return "", "", swtpmerr.Wrap("nvram.ParseBackendURI", swtpmerr.BadParameter,
			fmt.Errorf("unrecognized backend URI %q", s))
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
