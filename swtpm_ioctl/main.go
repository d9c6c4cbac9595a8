// Command swtpm_ioctl is a control-channel CLI client: it dials a running
// swtpm's ctrl socket, sends one PTM_* command, prints the result code,
// and exits. Flag layout follows the teacher's single-purpose CLI tools
// (reset, newekey): a handful of flag.String/flag.Bool flags plus one
// required subcommand-like flag naming the action to take.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/kheubaum/swtpm/internal/ctrlproto"
)

func main() {
	unixPath := flag.String("unix-path", "", "control socket path (unix)")
	tcpAddr := flag.String("tcp", "", "control socket address (host:port)")
	command := flag.String("cmd", "", "PTM_* command: get-capability, init, shutdown, stop, cancel, store-volatile, lock-storage, set-locality")
	initFlags := flag.Uint("init-flags", 0, "flags for init")
	lockRetries := flag.Uint("retries", 0, "retries for lock-storage")
	locality := flag.Uint("locality", 0, "locality for set-locality")
	flag.Parse()

	if *command == "" {
		fmt.Fprintln(os.Stderr, "Error: -cmd is required")
		flag.Usage()
		os.Exit(1)
	}

	conn, err := dial(*unixPath, *tcpAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to control socket: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	code, body, err := buildRequest(*command, uint32(*initFlags), uint32(*lockRetries), byte(*locality))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	result, respBody, err := sendRequest(conn, code, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error sending request: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s: result=%d (%s)\n", code, result, result.String())
	if len(respBody) > 0 {
		fmt.Printf("body: %x\n", respBody)
	}
	if result != ctrlproto.ResultSuccess {
		os.Exit(1)
	}
}

func dial(unixPath, tcpAddr string) (net.Conn, error) {
	switch {
	case unixPath != "":
		return net.Dial("unix", unixPath)
	case tcpAddr != "":
		return net.Dial("tcp", tcpAddr)
	default:
		return nil, fmt.Errorf("one of -unix-path or -tcp is required")
	}
}

func buildRequest(command string, initFlags, lockRetries uint32, locality byte) (ctrlproto.Code, []byte, error) {
	switch strings.ToLower(command) {
	case "get-capability":
		return ctrlproto.CodeGetCapability, nil, nil
	case "init":
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, initFlags)
		return ctrlproto.CodeInit, body, nil
	case "shutdown":
		return ctrlproto.CodeShutdown, nil, nil
	case "get-tpmestablished":
		return ctrlproto.CodeGetTPMEstablished, nil, nil
	case "cancel":
		return ctrlproto.CodeCancelTPMCmd, nil, nil
	case "store-volatile":
		return ctrlproto.CodeStoreVolatile, nil, nil
	case "stop":
		return ctrlproto.CodeStop, nil, nil
	case "get-config":
		return ctrlproto.CodeGetConfig, nil, nil
	case "lock-storage":
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, lockRetries)
		return ctrlproto.CodeLockStorage, body, nil
	case "set-locality":
		return ctrlproto.CodeSetLocality, []byte{locality}, nil
	default:
		return 0, nil, fmt.Errorf("unknown -cmd %q", command)
	}
}

func sendRequest(conn net.Conn, code ctrlproto.Code, body []byte) (ctrlproto.ResultCode, []byte, error) {
	req := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(req[0:4], uint32(code))
	copy(req[4:], body)
	if _, err := conn.Write(req); err != nil {
		return 0, nil, err
	}

	var resultBuf [4]byte
	if _, err := io.ReadFull(conn, resultBuf[:]); err != nil {
		return 0, nil, err
	}
	result := ctrlproto.ResultCode(binary.BigEndian.Uint32(resultBuf[:]))

	var extra []byte
	if code == ctrlproto.CodeGetTPMEstablished {
		var established [1]byte
		if _, err := io.ReadFull(conn, established[:]); err == nil {
			extra = established[:]
		}
	}
	return result, extra, nil
}
