// Package keyregistry holds the process-wide state key and migration key.
// At most one of each exists; once installed a key lives until process
// exit and is never rotated at runtime (spec.md §3, §5).
package keyregistry

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/kheubaum/swtpm/internal/envelope"
	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

// Mode selects the AES cipher mode a key is used with, and therefore its
// required length.
type Mode int

const (
	ModeAES128CBC Mode = iota
	ModeAES256CBC
)

func (m Mode) keyLen() int {
	switch m {
	case ModeAES128CBC:
		return 16
	case ModeAES256CBC:
		return 32
	default:
		return 0
	}
}

// Format selects how the raw source bytes encode the key.
type Format int

const (
	FormatHex Format = iota
	FormatBinary
)

// Key is a loaded symmetric key tagged with its cipher mode.
type Key struct {
	Bytes []byte
	Mode  Mode
}

// Source supplies the raw bytes a Key is parsed from. Registry zeroizes
// the buffer read returns once it has copied out what it needs — see
// zeroize — so implementations do not scrub it themselves.
type Source interface {
	read() ([]byte, error)
	// removeAfterLoad reports whether the backing resource (a file) should
	// be unlinked after a successful load.
	removeAfterLoad() (path string, remove bool)
}

// FileSource reads key material from a filesystem path.
type FileSource struct {
	Path   string
	Remove bool
}

func (s FileSource) read() ([]byte, error) { return os.ReadFile(s.Path) }
func (s FileSource) removeAfterLoad() (string, bool) {
	return s.Path, s.Remove
}

// FDSource reads key material from an already-open, borrowed file
// descriptor. The fd is never closed or removed by keyregistry.
type FDSource struct {
	FD uintptr
}

func (s FDSource) read() ([]byte, error) {
	// borrowed fd: never closed here.
	f := os.NewFile(s.FD, "keyfd")
	return readAll(f)
}
func (s FDSource) removeAfterLoad() (string, bool) { return "", false }

// BytesSource wraps a caller-owned buffer in place. Buf is zeroized by
// load() on every path, success or failure, so callers who hold raw key
// bytes in memory (e.g. read from a pipe themselves) can hand the buffer
// to keyregistry and have it scrubbed without a second copy.
type BytesSource struct {
	Buf []byte
}

func (s BytesSource) read() ([]byte, error) { return s.Buf, nil }
func (s BytesSource) removeAfterLoad() (string, bool) { return "", false }

// PassphraseSource supplies a passphrase from one of: a literal string, a
// file, a borrowed fd, or an interactive terminal prompt. Raw, File, and
// FD (when HasFD is set) are tried in that order; the terminal prompt is
// used only when none of them is set and Interactive is true. With none
// of the four set, read fails with BadParameter.
type PassphraseSource struct {
	Raw         string
	File        string
	FD          uintptr
	HasFD       bool
	Interactive bool
	Scheme      envelope.KDFScheme
	KeyLen      int
}

func (s PassphraseSource) read() ([]byte, error) {
	switch {
	case s.Raw != "":
		return []byte(s.Raw), nil
	case s.File != "":
		return os.ReadFile(s.File)
	case s.HasFD:
		f := os.NewFile(s.FD, "pwdfd")
		return readAll(f)
	case s.Interactive:
		fmt.Fprint(os.Stderr, "Enter passphrase: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return pw, err
	default:
		return nil, swtpmerr.New("keyregistry.PassphraseSource.read", swtpmerr.BadParameter)
	}
}
func (s PassphraseSource) removeAfterLoad() (string, bool) { return "", false }

func readAll(f *os.File) ([]byte, error) {
	r := bufio.NewReader(f)
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return out, nil
}

// Registry holds at most one state key and one migration key.
type Registry struct {
	state     *Key
	migration *Key
}

// New returns an empty Registry.
func New() *Registry { return &Registry{} }

// HasStateKey reports whether a state key has been installed.
func (r *Registry) HasStateKey() bool { return r.state != nil }

// HasMigrationKey reports whether a migration key has been installed.
func (r *Registry) HasMigrationKey() bool { return r.migration != nil }

// StateKey returns the installed state key, or nil if none is installed.
func (r *Registry) StateKey() *Key { return r.state }

// MigrationKey returns the installed migration key, or nil if none is
// installed.
func (r *Registry) MigrationKey() *Key { return r.migration }

// LoadStateKey loads the state key from src in the given format and mode.
// On success the source's input buffer is zeroized; on any failure no
// partial key is installed.
func (r *Registry) LoadStateKey(src Source, format Format, mode Mode) error {
	key, err := load(src, format, mode)
	if err != nil {
		return err
	}
	r.state = key
	return nil
}

// LoadMigrationKey loads the migration key from src in the given format
// and mode.
func (r *Registry) LoadMigrationKey(src Source, format Format, mode Mode) error {
	key, err := load(src, format, mode)
	if err != nil {
		return err
	}
	r.migration = key
	return nil
}

func load(src Source, format Format, mode Mode) (key *Key, err error) {
	raw, err := src.read()
	if err != nil {
		return nil, swtpmerr.Wrap("keyregistry.load", swtpmerr.Fail, err)
	}
	defer zeroize(raw)

	if ps, ok := src.(PassphraseSource); ok {
		length := ps.KeyLen
		if length == 0 {
			length = mode.keyLen()
		}
		derived, derr := envelope.DeriveKey(raw, ps.Scheme, length)
		if derr != nil {
			return nil, derr
		}
		defer zeroize(derived)
		return finish(derived, mode)
	}

	decoded, derr := decode(raw, format, mode)
	if derr != nil {
		return nil, derr
	}
	key, err = finish(decoded, mode)
	if err != nil {
		return nil, err
	}

	if path, remove := src.removeAfterLoad(); remove && path != "" {
		_ = os.Remove(path)
	}
	return key, nil
}

func decode(raw []byte, format Format, mode Mode) ([]byte, error) {
	switch format {
	case FormatHex:
		trimmed := trimNewline(raw)
		out := make([]byte, hex.DecodedLen(len(trimmed)))
		n, err := hex.Decode(out, trimmed)
		if err != nil {
			return nil, swtpmerr.Wrap("keyregistry.decode", swtpmerr.BadKeyProperty, err)
		}
		return out[:n], nil
	case FormatBinary:
		return raw, nil
	default:
		return nil, swtpmerr.New("keyregistry.decode", swtpmerr.BadMode)
	}
}

func finish(key []byte, mode Mode) (*Key, error) {
	want := mode.keyLen()
	if want == 0 {
		return nil, swtpmerr.New("keyregistry.finish", swtpmerr.BadMode)
	}
	if len(key) != want {
		return nil, swtpmerr.New("keyregistry.finish", swtpmerr.BadKeyProperty)
	}
	out := make([]byte, want)
	copy(out, key)
	return &Key{Bytes: out, Mode: mode}, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// zeroize overwrites buf with zero bytes in place.
func zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
