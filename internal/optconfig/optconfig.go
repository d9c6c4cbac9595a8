// Package optconfig parses the comma-separated key=value option strings
// swtpm's CLI surface accepts for --log, --key, --tpmstate, --flags, and
// the rest of the option families listed in spec.md §6. Unknown keys are a
// hard parse error, never a silent ignore — the same posture
// sdmconfig/internal/config takes with yaml.Decoder.KnownFields(true).
package optconfig

import (
	"strings"

	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

// Option names the top-level CLI flag an option string belongs to; each
// has its own enumerated set of recognized keys.
type Option string

const (
	OptionLog          Option = "log"
	OptionKey          Option = "key"
	OptionMigrationKey Option = "migration-key"
	OptionPID          Option = "pid"
	OptionTPMState     Option = "tpmstate"
	OptionCtrl         Option = "ctrl"
	OptionServer       Option = "server"
	OptionLocality     Option = "locality"
	OptionFlags        Option = "flags"
	OptionSeccomp      Option = "seccomp"
	OptionMigration    Option = "migration"
	OptionProfile      Option = "profile"
)

// allowedKeys enumerates, per Option, the keys Parse will accept. A key
// not in this set is a BadParameter error, mirroring spec.md §6's
// "unknown keys are errors".
var allowedKeys = map[Option]map[string]bool{
	OptionLog: set("file", "fd", "level", "prefix", "truncate"),
	OptionKey: set("file", "fd", "format", "mode", "remove", "pwdfile", "pwdfd", "kdf"),
	OptionMigrationKey: set(
		"file", "fd", "format", "mode", "remove", "pwdfile", "pwdfd", "kdf",
	),
	OptionPID:      set("file", "fd"),
	OptionTPMState: set("dir", "mode", "backend-uri", "lock", "backup", "fsync"),
	OptionCtrl:     set("type", "path", "port", "bindaddr", "ifname", "terminate"),
	OptionServer:   set("type", "path", "port", "bindaddr", "ifname", "disconnect", "terminate"),
	OptionLocality: set("reject-locality-4", "allow-set-locality"),
	OptionFlags:    set("not-need-init", "startup-clear", "startup-state", "disable-auto-shutdown"),
	OptionSeccomp:  set("action"),
	OptionMigration: set(
		"incoming", "release-lock",
	),
	OptionProfile: set("name", "file", "fd", "remove-disabled"),
}

// enumeratedValues restricts a handful of keys to a closed value set,
// per spec.md §6's "format∈{hex,binary}" notation.
var enumeratedValues = map[Option]map[string][]string{
	OptionKey: {
		"format": {"hex", "binary"},
		"mode":   {"aes-128-cbc", "aes-256-cbc"},
		"kdf":    {"pbkdf2", "sha512"},
	},
	OptionMigrationKey: {
		"format": {"hex", "binary"},
		"mode":   {"aes-128-cbc", "aes-256-cbc"},
		"kdf":    {"pbkdf2", "sha512"},
	},
	OptionSeccomp: {
		"action": {"kill", "log", "none"},
	},
}

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// Parse splits spec on commas into key[=value] pairs and validates each
// key against option's allowed set (and, where enumerated, its value).
// A bare key with no "=value" is recorded with an empty string value,
// matching the boolean-flag keys like "remove" or "disable-auto-shutdown".
func Parse(option Option, spec string) (map[string]string, error) {
	allowed, ok := allowedKeys[option]
	if !ok {
		return nil, swtpmerr.New("optconfig.Parse", swtpmerr.BadParameter)
	}

	result := make(map[string]string)
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return result, nil
	}

	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, hasValue := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if !allowed[key] {
			return nil, swtpmerr.New("optconfig.Parse: unknown key "+key+" for option "+string(option), swtpmerr.BadParameter)
		}
		if hasValue {
			value = strings.TrimSpace(value)
		}
		if values, ok := enumeratedValues[option][key]; ok && hasValue {
			if !contains(values, value) {
				return nil, swtpmerr.New("optconfig.Parse: invalid value for "+key, swtpmerr.BadParameter)
			}
		}
		result[key] = value
	}
	return result, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
