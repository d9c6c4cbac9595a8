// Package datachannel serves the TPM command socket: the data task of
// spec.md §5, sitting in front of an internal/pipeline.Pipeline. Framing
// is a 4-byte big-endian length prefix around each command/response, the
// same length-prefixed idiom internal/ctrlproto uses for its 4-byte
// command codes, generalized here to variable-length command buffers
// since the data channel carries raw TPM wire bytes rather than fixed
// command bodies.
package datachannel

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/kheubaum/swtpm/internal/pipeline"
	"github.com/kheubaum/swtpm/internal/tpmdriver"
)

const lengthPrefixLen = 4

// maxCommandSize bounds a single inbound command to guard against a
// malformed or hostile length prefix forcing an unbounded allocation.
const maxCommandSize = 1 << 20

// Server serves the data channel over a net.Listener, handing each framed
// command to a Pipeline backed by driver.
type Server struct {
	Listener net.Listener
	Pipeline *pipeline.Pipeline
	Driver   *tpmdriver.Driver
	Logger   *slog.Logger
}

// NewServer returns a Server ready to accept connections on l.
func NewServer(l net.Listener, p *pipeline.Pipeline, driver *tpmdriver.Driver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Listener: l, Pipeline: p, Driver: driver, Logger: logger}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	s.Logger.Info("datachannel listening", "addr", s.Listener.Addr().String())
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Logger.Error("datachannel accept failed", "error", err)
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	s.Logger.Info("datachannel connection accepted", "remote", conn.RemoteAddr().String())

	for {
		var lenBuf [lengthPrefixLen]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				s.Logger.Error("datachannel read length failed", "error", err)
			}
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 || length > maxCommandSize {
			s.Logger.Error("datachannel rejecting oversized or empty command", "length", length)
			return
		}

		command := make([]byte, length)
		if _, err := io.ReadFull(conn, command); err != nil {
			s.Logger.Error("datachannel read command failed", "error", err)
			return
		}

		response := s.Pipeline.Process(command, s.Driver)

		var respLen [lengthPrefixLen]byte
		binary.BigEndian.PutUint32(respLen[:], uint32(len(response)))
		if _, err := conn.Write(respLen[:]); err != nil {
			s.Logger.Error("datachannel write length failed", "error", err)
			return
		}
		if _, err := conn.Write(response); err != nil {
			s.Logger.Error("datachannel write response failed", "error", err)
			return
		}
	}
}
