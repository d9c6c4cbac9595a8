package ctrlproto

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/kheubaum/swtpm/internal/blobformat"
	"github.com/kheubaum/swtpm/internal/keyregistry"
)

func TestServerSetStateBlobMultiFragmentThenGetBack(t *testing.T) {
	_, conn, cleanup := newTestServer(t)
	defer cleanup()

	plaintext := make([]byte, maxFragmentSize+37)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	// SetStateBlob callers always send an Export-wrapped blob, never raw
	// plaintext; wrap with a fresh, key-less codec matching the server's.
	wireCodec := blobformat.New(keyregistry.New())
	payload, err := wireCodec.Export(plaintext, false)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	sendSetStateBlobFragments(t, conn, BlobTypeSave, payload)

	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], uint32(BlobTypeSave))
	binary.BigEndian.PutUint32(body[4:8], 0)
	sendCode(t, conn, CodeGetStateBlob, body)

	var got []byte
	offset := uint32(0)
	for {
		if offset > 0 {
			body = make([]byte, 8)
			binary.BigEndian.PutUint32(body[0:4], uint32(BlobTypeSave))
			binary.BigEndian.PutUint32(body[4:8], offset)
			sendCode(t, conn, CodeGetStateBlob, body)
		}
		if gotResult := readResult(t, conn); gotResult != ResultSuccess {
			t.Fatalf("GetStateBlob result = %v, want Success", gotResult)
		}
		var lastFlag [1]byte
		if _, err := readFullHelper(conn, lastFlag[:]); err != nil {
			t.Fatalf("read last flag: %v", err)
		}
		var lenBuf [4]byte
		if _, err := readFullHelper(conn, lenBuf[:]); err != nil {
			t.Fatalf("read length: %v", err)
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		fragment := make([]byte, length)
		if length > 0 {
			if _, err := readFullHelper(conn, fragment); err != nil {
				t.Fatalf("read fragment: %v", err)
			}
		}
		got = append(got, fragment...)
		offset += length
		if lastFlag[0] == 1 {
			break
		}
	}

	if len(got) == 0 {
		t.Fatal("expected non-empty exported blob across fragments")
	}
}

func sendSetStateBlobFragments(t *testing.T, conn net.Conn, blobType BlobType, plaintext []byte) {
	t.Helper()

	chunkSize := 1024
	for offset := 0; offset < len(plaintext) || offset == 0; offset += chunkSize {
		end := offset + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		chunk := plaintext[offset:end]
		last := end >= len(plaintext)

		header := make([]byte, 10)
		binary.BigEndian.PutUint32(header[0:4], uint32(blobType))
		header[4] = 0 // caller says not pre-encrypted; Codec.Import unwraps the Export blob
		binary.BigEndian.PutUint32(header[5:9], uint32(len(chunk)))
		if last {
			header[9] = 1
		}

		sendCode(t, conn, CodeSetStateBlob, append(header, chunk...))
		if got := readResult(t, conn); got != ResultSuccess {
			t.Fatalf("SetStateBlob fragment result = %v, want Success", got)
		}
		if last {
			break
		}
	}
}

func TestServerGetStateBlobUnknownTypeIsBadParameter(t *testing.T) {
	_, conn, cleanup := newTestServer(t)
	defer cleanup()

	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], uint32(BlobType(999)))
	binary.BigEndian.PutUint32(body[4:8], 0)
	sendCode(t, conn, CodeGetStateBlob, body)

	if got := readResult(t, conn); got != ResultBadParameter {
		t.Fatalf("result = %v, want BadParameter", got)
	}
}

func TestServerGetStateBlobNonZeroOffsetWithoutPriorFetchIsBadParameter(t *testing.T) {
	_, conn, cleanup := newTestServer(t)
	defer cleanup()

	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], uint32(BlobTypeVolatile))
	binary.BigEndian.PutUint32(body[4:8], 4096)
	sendCode(t, conn, CodeGetStateBlob, body)

	if got := readResult(t, conn); got != ResultBadParameter {
		t.Fatalf("result = %v, want BadParameter", got)
	}
}
