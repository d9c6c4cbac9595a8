package ctrlproto

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/kheubaum/swtpm/internal/nvram"
	"github.com/kheubaum/swtpm/internal/swtpmerr"
	"github.com/kheubaum/swtpm/internal/tpmlib"
)

// maxFragmentSize bounds a single GET_STATEBLOB response fragment.
const maxFragmentSize = 4096

// fragmentBuffer accumulates SET_STATEBLOB fragments until the
// last-fragment flag is seen, and caches an in-progress GET_STATEBLOB
// export so repeated fragment requests see a stable snapshot rather than
// re-deriving a fresh (differently IV'd) export on every call.
type fragmentBuffer struct {
	getCache map[BlobType][]byte
	setAccum map[BlobType][]byte
}

func blobTypeToName(t BlobType) (nvram.BlobName, bool) {
	switch t {
	case BlobTypePermAll:
		return nvram.NamePermAll, true
	case BlobTypeVolatile:
		return nvram.NameVolatileState, true
	case BlobTypeSave:
		return nvram.NameSaveState, true
	default:
		return 0, false
	}
}

// handleGetStateBlob implements spec.md §4.8's fragmented export: the
// request carries (type, offset); the response carries a last-fragment
// flag byte, a u32 fragment length, and the fragment bytes. The full
// export is computed once per transfer (triggered by offset == 0) and
// cached so subsequent fragments of the same transfer see identical bytes.
func (s *Server) handleGetStateBlob(conn net.Conn) (ResultCode, []byte) {
	var body [8]byte
	if _, err := io.ReadFull(conn, body[:]); err != nil {
		return ResultBadParamSize, nil
	}
	blobType := BlobType(binary.BigEndian.Uint32(body[0:4]))
	offset := binary.BigEndian.Uint32(body[4:8])

	name, ok := blobTypeToName(blobType)
	if !ok {
		return ResultBadParameter, nil
	}

	if s.blobFrag.getCache == nil {
		s.blobFrag.getCache = make(map[BlobType][]byte)
	}

	full, cached := s.blobFrag.getCache[blobType]
	if !cached {
		if offset != 0 {
			return ResultBadParameter, nil
		}
		wrapped, err := s.Backend.Load(name)
		if err != nil {
			return resultFromErr(err), nil
		}
		plaintext, err := s.Codec.Unwrap(wrapped)
		if err != nil {
			return resultFromErr(err), nil
		}
		exported, err := s.Codec.Export(plaintext, false)
		if err != nil {
			return resultFromErr(err), nil
		}
		full = exported
		s.blobFrag.getCache[blobType] = full
	}

	if int(offset) > len(full) {
		return ResultBadParameter, nil
	}
	end := int(offset) + maxFragmentSize
	last := byte(0)
	if end >= len(full) {
		end = len(full)
		last = 1
	}
	fragment := full[offset:end]

	if last == 1 {
		delete(s.blobFrag.getCache, blobType)
	}

	resp := make([]byte, 0, 5+len(fragment))
	resp = append(resp, last)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(fragment)))
	resp = append(resp, lenBuf...)
	resp = append(resp, fragment...)
	return ResultSuccess, resp
}

// handleSetStateBlob implements spec.md §4.8's fragmented import: each
// request carries (type, flags, length, data); fragments accumulate until
// a last-fragment flag bit is set in the request, then the accumulated
// bytes are passed through Codec.Import and the TPM library's SetState.
func (s *Server) handleSetStateBlob(conn net.Conn) (ResultCode, []byte) {
	// Wire layout: type u32, callerSaysEncrypted u8, length u32, last u8.
	var header [10]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return ResultBadParamSize, nil
	}
	blobType := BlobType(binary.BigEndian.Uint32(header[0:4]))
	callerSaysEncrypted := header[4] != 0
	length := binary.BigEndian.Uint32(header[5:9])
	last := header[9] != 0

	name, ok := blobTypeToName(blobType)
	if !ok {
		return ResultBadParameter, nil
	}

	chunk := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, chunk); err != nil {
			return ResultBadParamSize, nil
		}
	}

	if s.blobFrag.setAccum == nil {
		s.blobFrag.setAccum = make(map[BlobType][]byte)
	}
	s.blobFrag.setAccum[blobType] = append(s.blobFrag.setAccum[blobType], chunk...)

	if !last {
		return ResultSuccess, nil
	}

	accumulated := s.blobFrag.setAccum[blobType]
	delete(s.blobFrag.setAccum, blobType)

	plaintext, err := s.Codec.Import(accumulated, callerSaysEncrypted)
	if err != nil {
		return resultFromErr(err), nil
	}

	kind, err := stateKindFor(blobType)
	if err != nil {
		return resultFromErr(err), nil
	}
	if err := s.Driver.SetState(kind, plaintext); err != nil {
		return resultFromErr(err), nil
	}
	wrapped, err := s.Codec.Wrap(plaintext, true)
	if err != nil {
		return resultFromErr(err), nil
	}
	if err := s.Backend.Store(name, wrapped); err != nil {
		return resultFromErr(err), nil
	}
	return ResultSuccess, nil
}

func stateKindFor(t BlobType) (tpmlib.StateKind, error) {
	switch t {
	case BlobTypePermAll:
		return tpmlib.StatePermanent, nil
	case BlobTypeVolatile:
		return tpmlib.StateVolatile, nil
	case BlobTypeSave:
		return tpmlib.StateSave, nil
	default:
		return 0, swtpmerr.New("ctrlproto.stateKindFor", swtpmerr.BadParameter)
	}
}
