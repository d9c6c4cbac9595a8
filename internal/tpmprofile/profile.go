// Package tpmprofile loads the YAML manufacturing profile documents
// cmd/swtpm_setup's --profile file= option names, reusing the
// strict-decode shape of sdmconfig/internal/config (gopkg.in/yaml.v3's
// Decoder.KnownFields(true), so an unrecognized key in a profile document
// is a hard error rather than a silently ignored typo).
package tpmprofile

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kheubaum/swtpm/internal/tpmlib"
)

// Profile is a manufacturing-time description of the algorithms and
// version a freshly-provisioned TPM library should enable before its
// first Init.
type Profile struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	DisableSHA1 bool     `yaml:"disable_sha1"`
	Algorithms  []string `yaml:"algorithms"`
}

// Load reads and strictly decodes the YAML document at path, then
// validates it.
func Load(path string) (*Profile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse profile yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate reports whether p is a well-formed profile document.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile.name is required")
	}
	switch p.Version {
	case "", "1.2", "2":
	default:
		return fmt.Errorf("profile.version must be \"1.2\" or \"2\", got %q", p.Version)
	}
	return nil
}

// ToLibraryProfile converts p into the tpmlib.Profile a Library.Init call
// expects: the version selects TPM 1.2 vs TPM 2 semantics, the algorithm
// list is carried through as the JSON document the library negotiates
// against.
func (p *Profile) ToLibraryProfile() tpmlib.Profile {
	version := tpmlib.Version2
	if p.Version == "1.2" {
		version = tpmlib.Version1_2
	}
	return tpmlib.Profile{
		Version:     version,
		JSON:        []byte(profileJSON(p.Name, p.Algorithms)),
		DisableSHA1: p.DisableSHA1,
	}
}

func profileJSON(name string, algorithms []string) string {
	var b strings.Builder
	b.WriteString(`{"name":"`)
	b.WriteString(name)
	b.WriteString(`","algorithms":[`)
	for i, a := range algorithms {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(a)
		b.WriteByte('"')
	}
	b.WriteString(`]}`)
	return b.String()
}
