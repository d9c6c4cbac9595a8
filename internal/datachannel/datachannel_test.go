package datachannel

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/kheubaum/swtpm/internal/nvram"
	"github.com/kheubaum/swtpm/internal/pipeline"
	"github.com/kheubaum/swtpm/internal/tpmdriver"
	"github.com/kheubaum/swtpm/internal/tpmlib"
)

func TestServerRoundTripsFramedCommand(t *testing.T) {
	backend := nvram.NewDirBackend(t.TempDir())
	if err := backend.Open(0); err != nil {
		t.Fatalf("backend.Open: %v", err)
	}
	lib := tpmlib.NewFakeLibrary()
	driver := tpmdriver.New(lib, backend, tpmdriver.Config{Version: tpmlib.Version2})
	if err := driver.Init(); err != nil {
		t.Fatalf("driver.Init: %v", err)
	}
	p := pipeline.New(tpmlib.Version2, pipeline.Policy{AllowSetLocality: true})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	s := NewServer(ln, p, driver, nil)
	go s.Serve()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	command := make([]byte, 10)
	binary.BigEndian.PutUint16(command[0:2], pipeline.TagNoSessions)
	binary.BigEndian.PutUint32(command[2:6], 10)
	binary.BigEndian.PutUint32(command[6:10], tpmlib.Ordinal2GetCapability)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(command)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := conn.Write(command); err != nil {
		t.Fatalf("write command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var respLenBuf [4]byte
	if _, err := readFullHelper(conn, respLenBuf[:]); err != nil {
		t.Fatalf("read response length: %v", err)
	}
	respLen := binary.BigEndian.Uint32(respLenBuf[:])
	resp := make([]byte, respLen)
	if _, err := readFullHelper(conn, resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if len(resp) < 10 {
		t.Fatalf("response too short: %d bytes", len(resp))
	}
	result := binary.BigEndian.Uint32(resp[6:10])
	if result != 0 {
		t.Fatalf("result = %#x, want success", result)
	}
}

func readFullHelper(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
