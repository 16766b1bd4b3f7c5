package manager

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/protocol"
	"github.com/cuemby/hangar/pkg/worker"
)

const writeTimeout = 5 * time.Second

// Session is one worker's control connection. It is anonymous until the
// worker announces its port.
type Session struct {
	id     string
	conn   net.Conn
	peer   string
	logger zerolog.Logger

	mu     sync.RWMutex
	worker *worker.Worker
	port   int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn net.Conn) *Session {
	id := uuid.New().String()
	peer := conn.RemoteAddr().String()
	return &Session{
		id:     id,
		conn:   conn,
		peer:   peer,
		logger: log.WithSessionID(id, peer),
		closed: make(chan struct{}),
	}
}

// ID returns the session's unique identifier
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address
func (s *Session) RemoteAddr() string {
	return s.peer
}

// Port returns the announced control port, or 0 before the announce
func (s *Session) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Worker returns the bound worker, or nil before the announce
func (s *Session) Worker() *worker.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

func (s *Session) bind(w *worker.Worker, port int) {
	s.mu.Lock()
	s.worker = w
	s.port = port
	s.mu.Unlock()
}

// Send writes one framed command
func (s *Session) Send(cmd protocol.Command) error {
	frame, err := cmd.Encode()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = s.conn.Write(frame)
	return err
}

// Close closes the connection. Closing twice is a no-op.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Done is closed when the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// readMessage reads and decodes one frame. Anomalies are logged and
// counted; msg may be nil when nothing usable was decoded.
func (s *Session) readMessage() (protocol.Message, error) {
	frame, err := protocol.ReadFrame(s.conn)
	if err != nil {
		return nil, err
	}
	if frame.Truncated {
		metrics.ProtocolAnomalies.WithLabelValues(string(protocol.AnomalyLengthMismatch)).Inc()
	}

	msg, err := protocol.Decode(frame.Payload)
	if err != nil {
		var a *protocol.Anomaly
		if errors.As(err, &a) {
			metrics.ProtocolAnomalies.WithLabelValues(string(a.Kind)).Inc()
		}
		s.logger.Warn().Err(err).Msg("Protocol anomaly")
	}
	return msg, nil
}

// handleConn runs the accept protocol and then the receive loop of one
// connection
func (m *Manager) handleConn(conn net.Conn) {
	s := newSession(conn)
	stop := context.AfterFunc(m.ctx, s.Close)
	defer stop()
	defer s.Close()

	s.logger.Debug().Msg("Connection accepted")

	announce, err := s.awaitAnnounce()
	if err != nil {
		s.logFault(err, "Connection closed before announce")
		return
	}

	w, err := m.CreateWorker(announce.Port)
	if err != nil {
		s.logger.Error().Err(err).Int("port", announce.Port).Msg("Rejecting announce")
		return
	}
	if err := m.AddSession(s, announce.Port); err != nil {
		return
	}
	s.bind(w, announce.Port)
	w.AttachSession(s)
	defer m.RemoveSession(s)

	s.logger = s.logger.With().Str("worker_id", w.ID().String()).Logger()
	s.logger.Info().Int("port", announce.Port).Msg("Worker announced")

	for {
		msg, err := s.readMessage()
		if err != nil {
			s.logFault(err, "Control connection closed")
			return
		}
		if msg != nil {
			w.HandleMessage(msg)
		}
	}
}

// awaitAnnounce drops frames until the worker announces its port
func (s *Session) awaitAnnounce() (protocol.Announce, error) {
	for {
		msg, err := s.readMessage()
		if err != nil {
			return protocol.Announce{}, err
		}
		if a, ok := msg.(protocol.Announce); ok {
			return a, nil
		}
		if msg != nil {
			s.logger.Debug().Str("type", msg.Type().String()).Msg("Frame before announce dropped")
		}
	}
}

func (s *Session) logFault(err error, msg string) {
	select {
	case <-s.closed:
		s.logger.Debug().Msg(msg)
		return
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.logger.Info().Msg(msg)
		return
	}
	s.logger.Warn().Err(err).Msg(msg)
}
