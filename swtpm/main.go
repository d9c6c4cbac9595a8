// Command swtpm is the state-persistence daemon: it runs the data task
// (internal/datachannel, in front of internal/pipeline) and the control
// task (internal/ctrlproto) as two goroutines sharing one
// internal/tpmdriver.Driver, per spec.md §5. Flag layout follows the
// teacher's cmd/*/main.go convention (flag.String/-v/-log-format), with
// the spec's key=value option strings layered on top via
// internal/optconfig for --tpmstate, --ctrl, --server, --key,
// --migration-key, and --flags.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/kheubaum/swtpm/internal/blobformat"
	"github.com/kheubaum/swtpm/internal/ctrlproto"
	"github.com/kheubaum/swtpm/internal/datachannel"
	"github.com/kheubaum/swtpm/internal/keyregistry"
	"github.com/kheubaum/swtpm/internal/nvram"
	"github.com/kheubaum/swtpm/internal/optconfig"
	"github.com/kheubaum/swtpm/internal/pipeline"
	"github.com/kheubaum/swtpm/internal/swtpmlog"
	"github.com/kheubaum/swtpm/internal/tpmdriver"
	"github.com/kheubaum/swtpm/internal/tpmlib"
)

func main() {
	var (
		version    = flag.String("tpm2", "2", "TPM version to emulate: 1.2 or 2")
		tpmstate   = flag.String("tpmstate", "", "tpmstate option string, e.g. dir=/var/lib/swtpm,backend-uri=dir:///var/lib/swtpm")
		ctrlOpt    = flag.String("ctrl", "type=tcp,port=6545", "ctrl option string")
		serverOpt  = flag.String("server", "type=tcp,port=6546", "server (data channel) option string")
		keyOpt     = flag.String("key", "", "key option string")
		migKeyOpt  = flag.String("migration-key", "", "migration-key option string")
		flagsOpt   = flag.String("flags", "", "flags option string")
		logOpt     = flag.String("log", "", "log option string")
		verbose    = flag.Bool("v", false, "enable debug logging")
		logFormat  = flag.String("log-format", "text", "log format: text or json")
		tpmIndex   = flag.Int("tpm-index", 0, "TPM index for on-disk blob naming")
	)
	flag.Parse()

	format := swtpmlog.FormatText
	if *logFormat == "json" {
		format = swtpmlog.FormatJSON
	}
	logger := swtpmlog.New(swtpmlog.Config{Format: format, Debug: *verbose})
	if *logOpt != "" {
		opts, err := swtpmlog.ParseOption(*logOpt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing --log: %v\n", err)
			os.Exit(1)
		}
		built, _, err := swtpmlog.NewFromOption(opts, *verbose, format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening --log destination: %v\n", err)
			os.Exit(1)
		}
		logger = built
	}
	slog.SetDefault(logger)

	flagsMap, err := optconfig.Parse(optconfig.OptionFlags, *flagsOpt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing --flags: %v\n", err)
		os.Exit(1)
	}
	_, notNeedInit := flagsMap["not-need-init"]
	_, disableAutoShutdown := flagsMap["disable-auto-shutdown"]

	tpmVersion := tpmlib.Version2
	if *version == "1.2" {
		tpmVersion = tpmlib.Version1_2
	}

	backend, err := openBackend(*tpmstate, *tpmIndex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state backend: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	registry := keyregistry.New()
	if *keyOpt != "" {
		if err := loadKeyOption(registry.LoadStateKey, *keyOpt); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading --key: %v\n", err)
			os.Exit(1)
		}
	}
	if *migKeyOpt != "" {
		if err := loadKeyOption(registry.LoadMigrationKey, *migKeyOpt); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading --migration-key: %v\n", err)
			os.Exit(1)
		}
	}
	codec := blobformat.New(registry)

	lib := tpmlib.NewUnimplementedLibrary()
	driver := tpmdriver.New(lib, backend, tpmdriver.Config{
		Version:             tpmVersion,
		TPMIndex:            *tpmIndex,
		BackupOnInitFail:    true,
		DisableAutoShutdown: disableAutoShutdown,
	})
	driver.Codec = codec
	if notNeedInit {
		if err := driver.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing TPM driver: %v\n", err)
			os.Exit(1)
		}
	}

	dataListener, err := listenFromOption(*serverOpt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening --server listener: %v\n", err)
		os.Exit(1)
	}
	ctrlListener, err := listenFromOption(*ctrlOpt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening --ctrl listener: %v\n", err)
		os.Exit(1)
	}

	pl := pipeline.New(tpmVersion, pipeline.Policy{AllowSetLocality: true})
	dataServer := datachannel.NewServer(dataListener, pl, driver, logger)

	ctrlPolicy := ctrlproto.Policy{NotNeedInit: notNeedInit}
	ctrlServer := ctrlproto.NewServer(ctrlListener, driver, backend, codec, ctrlPolicy, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- dataServer.Serve() }()
	go func() { errCh <- ctrlServer.Serve() }()

	if err := <-errCh; err != nil {
		fmt.Fprintf(os.Stderr, "swtpm exiting on error: %v\n", err)
		os.Exit(1)
	}
}

func openBackend(tpmstateOpt string, tpmIndex int) (nvram.Backend, error) {
	opts, err := optconfig.Parse(optconfig.OptionTPMState, tpmstateOpt)
	if err != nil {
		return nil, err
	}
	uri := opts["backend-uri"]
	if uri == "" {
		if dir := opts["dir"]; dir != "" {
			uri = "dir://" + dir
		} else if path := os.Getenv("TPM_PATH"); path != "" {
			uri = "dir://" + path
		} else {
			uri = "dir://."
		}
	}
	kind, path, err := nvram.ParseBackendURI(uri)
	if err != nil {
		return nil, err
	}

	var backend nvram.Backend
	switch kind {
	case "dir":
		backend = nvram.NewDirBackend(path)
	case "file":
		backend = nvram.NewFileBackend(path)
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", kind)
	}
	if err := backend.Open(tpmIndex); err != nil {
		return nil, err
	}
	return backend, nil
}

func loadKeyOption(load func(keyregistry.Source, keyregistry.Format, keyregistry.Mode) error, optStr string) error {
	opts, err := optconfig.Parse(optconfig.OptionKey, optStr)
	if err != nil {
		return err
	}
	return keyregistry.LoadFromOptions(opts, load)
}

func listenFromOption(optStr string) (net.Listener, error) {
	opts, err := optconfig.Parse(optconfig.OptionServer, optStr)
	if err != nil {
		opts, err = optconfig.Parse(optconfig.OptionCtrl, optStr)
		if err != nil {
			return nil, err
		}
	}

	typ := opts["type"]
	switch typ {
	case "unixio":
		path := opts["path"]
		if path == "" {
			return nil, fmt.Errorf("unixio listener requires path=")
		}
		return net.Listen("unix", path)
	case "tcp", "":
		port := opts["port"]
		if port == "" {
			port = os.Getenv("TPM_PORT")
		}
		bindAddr := opts["bindaddr"]
		return net.Listen("tcp", net.JoinHostPort(bindAddr, port))
	default:
		return nil, fmt.Errorf("unsupported listener type %q", typ)
	}
}
