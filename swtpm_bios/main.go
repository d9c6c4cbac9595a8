// Command swtpm_bios is the minimal firmware-side control client: it
// dials the ctrl socket, issues INIT, optionally sends one TPM command
// over the data socket, then SHUTDOWN — the sequence a BIOS/firmware
// stub issues against a running swtpm before handing control to an OS
// that talks the data channel directly. Grounded on ro/main.go's
// single-pass, log-and-continue CLI shape (connect, run a fixed sequence
// of operations, report results, exit).
package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/kheubaum/swtpm/internal/ctrlproto"
)

func main() {
	ctrlUnix := flag.String("ctrl-unix-path", "", "ctrl socket path (unix)")
	ctrlTCP := flag.String("ctrl-tcp", "", "ctrl socket address (host:port)")
	dataTCP := flag.String("data-tcp", "", "data socket address (host:port), optional")
	dataUnix := flag.String("data-unix-path", "", "data socket path (unix), optional")
	commandHex := flag.String("command-hex", "", "hex-encoded TPM command to send over the data socket")
	notNeedInit := flag.Bool("not-need-init", false, "set the INIT not-need-init flag")
	flag.Parse()

	ctrlConn, err := dial(*ctrlUnix, *ctrlTCP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to ctrl socket: %v\n", err)
		os.Exit(1)
	}
	defer ctrlConn.Close()

	var initFlags uint32
	if *notNeedInit {
		initFlags |= uint32(ctrlproto.InitFlagNotNeedInit)
	}
	if result, err := ctrlRequest(ctrlConn, ctrlproto.CodeInit, flagsBody(initFlags)); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending INIT: %v\n", err)
		os.Exit(1)
	} else if result != ctrlproto.ResultSuccess {
		fmt.Fprintf(os.Stderr, "INIT failed: %s\n", result)
		os.Exit(1)
	}
	fmt.Println("INIT: ok")

	if *commandHex != "" {
		command, err := hex.DecodeString(*commandHex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error decoding -command-hex: %v\n", err)
			os.Exit(1)
		}
		dataConn, err := dial(*dataUnix, *dataTCP)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to data socket: %v\n", err)
			os.Exit(1)
		}
		defer dataConn.Close()

		response, err := sendDataCommand(dataConn, command)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error sending TPM command: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("response: %s\n", hex.EncodeToString(response))
	}

	if result, err := ctrlRequest(ctrlConn, ctrlproto.CodeShutdown, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending SHUTDOWN: %v\n", err)
		os.Exit(1)
	} else if result != ctrlproto.ResultSuccess {
		fmt.Fprintf(os.Stderr, "SHUTDOWN failed: %s\n", result)
		os.Exit(1)
	}
	fmt.Println("SHUTDOWN: ok")
}

func flagsBody(flags uint32) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, flags)
	return body
}

func dial(unixPath, tcpAddr string) (net.Conn, error) {
	switch {
	case unixPath != "":
		return net.Dial("unix", unixPath)
	case tcpAddr != "":
		return net.Dial("tcp", tcpAddr)
	default:
		return nil, fmt.Errorf("one of a unix path or tcp address is required")
	}
}

func ctrlRequest(conn net.Conn, code ctrlproto.Code, body []byte) (ctrlproto.ResultCode, error) {
	req := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(req[0:4], uint32(code))
	copy(req[4:], body)
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}
	var resultBuf [4]byte
	if _, err := io.ReadFull(conn, resultBuf[:]); err != nil {
		return 0, err
	}
	return ctrlproto.ResultCode(binary.BigEndian.Uint32(resultBuf[:])), nil
}

func sendDataCommand(conn net.Conn, command []byte) ([]byte, error) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(command)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return nil, err
	}
	if _, err := conn.Write(command); err != nil {
		return nil, err
	}

	var respLenBuf [4]byte
	if _, err := io.ReadFull(conn, respLenBuf[:]); err != nil {
		return nil, err
	}
	respLen := binary.BigEndian.Uint32(respLenBuf[:])
	response := make([]byte, respLen)
	if _, err := io.ReadFull(conn, response); err != nil {
		return nil, err
	}
	return response, nil
}
