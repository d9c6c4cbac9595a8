package keyregistry

import (
	"fmt"
	"strconv"

	"github.com/kheubaum/swtpm/internal/envelope"
)

// LoadFromOptions builds a Source from a parsed key/migration-key option
// map (internal/optconfig's "key" schema: file, fd, format, mode, remove,
// pwdfile, pwdfd, kdf) and loads it via load, typically a Registry's
// LoadStateKey or LoadMigrationKey method. Shared by every cmd/* binary
// that accepts a --key or --migration-key option string, so the
// file/fd/passphrase precedence lives in one place.
func LoadFromOptions(opts map[string]string, load func(Source, Format, Mode) error) error {
	format := FormatHex
	if opts["format"] == "binary" {
		format = FormatBinary
	}
	mode := ModeAES128CBC
	if opts["mode"] == "aes-256-cbc" {
		mode = ModeAES256CBC
	}

	var src Source
	switch {
	case opts["file"] != "":
		_, remove := opts["remove"]
		src = FileSource{Path: opts["file"], Remove: remove}
	case opts["fd"] != "":
		fd, err := strconv.Atoi(opts["fd"])
		if err != nil {
			return err
		}
		src = FDSource{FD: uintptr(fd)}
	case opts["pwdfile"] != "" || opts["pwdfd"] != "":
		ps := PassphraseSource{File: opts["pwdfile"]}
		if opts["pwdfd"] != "" {
			fd, err := strconv.Atoi(opts["pwdfd"])
			if err != nil {
				return err
			}
			ps.FD, ps.HasFD = uintptr(fd), true
		}
		if opts["kdf"] == "sha512" {
			ps.Scheme = envelope.KDFLegacySHA512
		}
		src = ps
	default:
		return fmt.Errorf("key option string must specify file, fd, pwdfile, or pwdfd")
	}

	return load(src, format, mode)
}
