// Package ctrlproto implements the control-channel RPC: framed
// request/response over a UNIX-domain or TCP listener, the PTM_* command
// set, the serving state machine, and state-blob fragmentation through
// internal/blobformat. The accept-loop shape (slog-logged, goroutine per
// connection) is enriched from RuachTech-rep's gateway server, the only
// pack repo that serves a long-running listener.
package ctrlproto

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/kheubaum/swtpm/internal/blobformat"
	"github.com/kheubaum/swtpm/internal/nvram"
	"github.com/kheubaum/swtpm/internal/tpmdriver"
	"github.com/kheubaum/swtpm/internal/tpmlib"
)

const codeLen = 4

// Policy carries the control channel's startup and lifecycle switches
// (spec.md §4.8–§4.9).
type Policy struct {
	EndOnHUP    bool
	NotNeedInit bool
}

// Server serves the control channel over a single net.Listener, holding
// the one RunState and the one *tpmdriver.Driver mutex shared with the
// data task (spec.md §5).
type Server struct {
	Listener net.Listener
	Driver   *tpmdriver.Driver
	Backend  nvram.Backend
	Codec    *blobformat.Codec
	Policy   Policy
	Logger   *slog.Logger

	mu    sync.Mutex
	state *StateMachine

	blobFrag fragmentBuffer
}

// NewServer returns a Server ready to accept connections on l.
func NewServer(l net.Listener, driver *tpmdriver.Driver, backend nvram.Backend, codec *blobformat.Codec, policy Policy, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Listener: l,
		Driver:   driver,
		Backend:  backend,
		Codec:    codec,
		Policy:   policy,
		Logger:   logger,
		state:    NewStateMachine(policy.NotNeedInit),
	}
}

// Serve accepts connections until the listener is closed, handling each
// one synchronously in its own goroutine. Serve returns nil when the
// listener is closed deliberately (net.ErrClosed).
func (s *Server) Serve() error {
	s.Logger.Info("ctrlproto listening", "addr", s.Listener.Addr().String())
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Logger.Error("ctrlproto accept failed", "error", err)
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	s.Logger.Info("ctrlproto connection accepted", "remote", conn.RemoteAddr().String())

	for {
		var codeBuf [codeLen]byte
		if _, err := io.ReadFull(conn, codeBuf[:]); err != nil {
			if s.Policy.EndOnHUP || errors.Is(err, io.EOF) {
				return
			}
			s.Logger.Error("ctrlproto read failed", "error", err)
			return
		}
		code := Code(binary.BigEndian.Uint32(codeBuf[:]))

		result, body := s.dispatch(code, conn)
		if err := writeResponse(conn, result, body); err != nil {
			s.Logger.Error("ctrlproto write failed", "error", err)
			return
		}
	}
}

func writeResponse(w io.Writer, result ResultCode, body []byte) error {
	header := make([]byte, codeLen)
	binary.BigEndian.PutUint32(header, uint32(result))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// dispatch routes one command code to its handler under the server's
// mutex, so control commands (state transitions, driver interaction, blob
// transfer) run one at a time. Data-channel commands do not take this
// mutex; they are serialized with the driver calls made here only by the
// driver's own mutex, one Driver call at a time.
func (s *Server) dispatch(code Code, conn net.Conn) (ResultCode, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code != CodeInit && !s.state.AcceptsDataCommands() {
		return ResultFail, nil
	}

	switch code {
	case CodeInit:
		return s.handleInit(conn)
	case CodeGetCapability:
		return ResultSuccess, nil
	case CodeShutdown:
		return s.handleShutdown()
	case CodeGetTPMEstablished:
		return ResultSuccess, []byte{0}
	case CodeResetTPMEstablished:
		return ResultSuccess, nil
	case CodeHashStart, CodeHashData, CodeHashEnd:
		// Hashing ordinals belong to TPM command semantics, out of scope
		// here (spec.md §1); accepted as protocol no-ops so a client
		// driving the full PTM_* sequence doesn't see a bad-parameter
		// failure for codes this persistence engine doesn't interpret.
		return ResultSuccess, nil
	case CodeCancelTPMCmd:
		if err := s.Driver.Cancel(); err != nil {
			return resultFromErr(err), nil
		}
		return ResultSuccess, nil
	case CodeStoreVolatile:
		return s.handleStoreVolatile()
	case CodeGetStateBlob:
		return s.handleGetStateBlob(conn)
	case CodeSetStateBlob:
		return s.handleSetStateBlob(conn)
	case CodeStop:
		if _, err := s.state.Transition(EventStop); err != nil {
			return resultFromErr(err), nil
		}
		return ResultSuccess, nil
	case CodeGetConfig:
		return ResultSuccess, nil
	case CodeLockStorage:
		return s.handleLockStorage(conn)
	case CodeSetLocality:
		return s.handleSetLocality(conn)
	case CodeSetBufferSize:
		return ResultSuccess, nil
	default:
		return ResultBadParameter, nil
	}
}

func (s *Server) handleInit(conn net.Conn) (ResultCode, []byte) {
	var flagsBuf [4]byte
	if _, err := io.ReadFull(conn, flagsBuf[:]); err != nil {
		return ResultBadParamSize, nil
	}
	if _, err := s.state.Transition(EventInit); err != nil {
		return resultFromErr(err), nil
	}
	return ResultSuccess, nil
}

func (s *Server) handleShutdown() (ResultCode, []byte) {
	if _, err := s.state.Transition(EventShutdown); err != nil {
		return resultFromErr(err), nil
	}
	return ResultSuccess, nil
}

func (s *Server) handleStoreVolatile() (ResultCode, []byte) {
	data, err := s.Driver.GetState(tpmlib.StateVolatile)
	if err != nil {
		return resultFromErr(err), nil
	}
	wrapped, err := s.Codec.Wrap(data, true)
	if err != nil {
		return resultFromErr(err), nil
	}
	if err := s.Backend.Store(nvram.NameVolatileState, wrapped); err != nil {
		return resultFromErr(err), nil
	}
	return ResultSuccess, nil
}

func (s *Server) handleLockStorage(conn net.Conn) (ResultCode, []byte) {
	var retriesBuf [4]byte
	if _, err := io.ReadFull(conn, retriesBuf[:]); err != nil {
		return ResultBadParamSize, nil
	}
	retries := int(binary.BigEndian.Uint32(retriesBuf[:]))
	if err := s.Backend.Lock(retries); err != nil {
		return resultFromErr(err), nil
	}
	return ResultSuccess, nil
}

func (s *Server) handleSetLocality(conn net.Conn) (ResultCode, []byte) {
	var locBuf [1]byte
	if _, err := io.ReadFull(conn, locBuf[:]); err != nil {
		return ResultBadParamSize, nil
	}
	s.Driver.SetLocality(locBuf[0])
	return ResultSuccess, nil
}
