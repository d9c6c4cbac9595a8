// Command swtpm_setup runs the manufacturing flow: create a fresh state
// directory, drive the TPM driver through its first INIT, persist the
// resulting permanent state, and optionally request EK/cert-authoring
// commands be issued (TPM command semantics themselves are out of scope,
// so this only drives the request through to internal/tpmlib.Library and
// reports what it says). Flag handling follows reset/main.go's and
// minter/main.go's shared shape: a handful of flag.String flags and fatal
// errors via log.Fatalf. No configuration file is read; everything comes
// from the flags.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/kheubaum/swtpm/internal/blobformat"
	"github.com/kheubaum/swtpm/internal/keyregistry"
	"github.com/kheubaum/swtpm/internal/nvram"
	"github.com/kheubaum/swtpm/internal/optconfig"
	"github.com/kheubaum/swtpm/internal/swtpmlog"
	"github.com/kheubaum/swtpm/internal/tpmdriver"
	"github.com/kheubaum/swtpm/internal/tpmlib"
	"github.com/kheubaum/swtpm/internal/tpmprofile"
)

func main() {
	tpmstate := flag.String("tpmstate", "", "tpmstate option string (required), e.g. dir=/var/lib/swtpm")
	profileOpt := flag.String("profile", "", "profile option string, e.g. name=default")
	keyOpt := flag.String("key", "", "key option string, to encrypt the manufactured state at rest")
	version := flag.String("tpm2", "2", "TPM version to manufacture for: 1.2 or 2")
	createEK := flag.Bool("create-ek", false, "attempt to issue an EK-creation command after INIT")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	format := swtpmlog.FormatText
	if *logFormat == "json" {
		format = swtpmlog.FormatJSON
	}
	slog.SetDefault(swtpmlog.New(swtpmlog.Config{Format: format, Debug: *verbose}))

	if *tpmstate == "" {
		log.Fatal("-tpmstate is required")
	}

	tpmOpts, err := optconfig.Parse(optconfig.OptionTPMState, *tpmstate)
	if err != nil {
		log.Fatalf("parse -tpmstate: %v", err)
	}
	dir := tpmOpts["dir"]
	if dir == "" {
		log.Fatal("-tpmstate must set dir=")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.Fatalf("create state directory: %v", err)
	}

	var profileOpts map[string]string
	var libProfile tpmlib.Profile
	haveLibProfile := false
	if *profileOpt != "" {
		profileOpts, err = optconfig.Parse(optconfig.OptionProfile, *profileOpt)
		if err != nil {
			log.Fatalf("parse -profile: %v", err)
		}
		if file := profileOpts["file"]; file != "" {
			prof, err := tpmprofile.Load(file)
			if err != nil {
				log.Fatalf("load profile document: %v", err)
			}
			libProfile = prof.ToLibraryProfile()
			haveLibProfile = true
			fmt.Printf("loaded profile %q (version %s, %d algorithms)\n", prof.Name, prof.Version, len(prof.Algorithms))
		}
	}

	backend := nvram.NewDirBackend(dir)
	if err := backend.Open(0); err != nil {
		log.Fatalf("open state backend: %v", err)
	}
	defer backend.Close()

	registry := keyregistry.New()
	if *keyOpt != "" {
		keyOpts, err := optconfig.Parse(optconfig.OptionKey, *keyOpt)
		if err != nil {
			log.Fatalf("parse -key: %v", err)
		}
		if err := keyregistry.LoadFromOptions(keyOpts, registry.LoadStateKey); err != nil {
			log.Fatalf("load -key: %v", err)
		}
	}
	codec := blobformat.New(registry)

	tpmVersion := tpmlib.Version2
	if *version == "1.2" {
		tpmVersion = tpmlib.Version1_2
	}
	if !haveLibProfile {
		libProfile = tpmlib.Profile{Version: tpmVersion}
	}

	lib := tpmlib.NewUnimplementedLibrary()
	driver := tpmdriver.New(lib, backend, tpmdriver.Config{
		Version:          tpmVersion,
		Profile:          libProfile,
		BackupOnInitFail: true,
	})
	driver.Codec = codec

	fmt.Printf("Manufacturing TPM state in %s (version %s)\n", dir, *version)
	if err := driver.Init(); err != nil {
		log.Fatalf("TPM driver init failed: %v", err)
	}
	fmt.Println("INIT: ok")

	for _, kind := range []tpmlib.StateKind{tpmlib.StatePermanent, tpmlib.StateVolatile, tpmlib.StateSave} {
		data, err := driver.GetState(kind)
		if err != nil {
			fmt.Printf("GetState(%v): %v (expected on a pristine library)\n", kind, err)
			continue
		}
		wrapped, err := codec.Wrap(data, true)
		if err != nil {
			log.Fatalf("wrapping manufactured state: %v", err)
		}
		if err := backend.Store(blobNameFor(kind), wrapped); err != nil {
			log.Fatalf("persisting manufactured state: %v", err)
		}
		fmt.Printf("wrote %d bytes of %v state\n", len(data), kind)
	}

	if *createEK {
		fmt.Println("requesting EK creation (TPM command semantics are out of scope here; reporting the library's response verbatim)")
		cmd := make([]byte, 10)
		binary.BigEndian.PutUint16(cmd[0:2], 0x8001)
		binary.BigEndian.PutUint32(cmd[2:6], uint32(len(cmd)))
		binary.BigEndian.PutUint32(cmd[6:10], tpmlib.Ordinal2CreatePrimary)
		if _, err := driver.Process(cmd, nil); err != nil {
			fmt.Printf("EK creation command reported: %v\n", err)
		} else {
			fmt.Println("EK creation command accepted")
		}
	}

	fmt.Println("Manufacturing complete.")
}

func blobNameFor(kind tpmlib.StateKind) nvram.BlobName {
	switch kind {
	case tpmlib.StateVolatile:
		return nvram.NameVolatileState
	case tpmlib.StateSave:
		return nvram.NameSaveState
	default:
		return nvram.NamePermAll
	}
}
