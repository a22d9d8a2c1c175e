package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bardlex/poolportal/pkg/log"
)

// maxLineSize bounds a single request line; longer lines are treated as a
// flood and end the session
const maxLineSize = 10 * 1024

// Session represents a Stratum mining session
type Session struct {
	id     string
	conn   net.Conn
	ip     string
	port   int
	logger *log.Logger

	// Session state
	subscribed  bool
	authorized  bool
	worker      string
	extraNonce1 string
	difficulty  float64
	vardiff     *Vardiff

	// Share validity counters for banning
	validShares   int
	invalidShares int

	// Connection management
	readTimeout  time.Duration
	writeTimeout time.Duration

	// Channels for communication
	outbound chan []byte
	done     chan struct{}

	mu sync.RWMutex
}

// NewSession creates a session for a connection accepted on port.
// readTimeout doubles as the idle timeout.
func NewSession(id string, conn net.Conn, port int, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	return &Session{
		id:           id,
		conn:         conn,
		ip:           ip,
		port:         port,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String(), "port", port),
		difficulty:   1.0,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}
}

// Start runs the session until the client disconnects, the context ends or
// Close is called. The write loop runs in its own goroutine.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.WithError(err).Error("failed to set read deadline")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				select {
				case <-s.done:
					return nil
				default:
				}
				s.logger.WithError(err).Warn("connection ended")
				return err
			}
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Warn("malformed stratum message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.drain()
			return
		case data := <-s.outbound:
			if !s.write(data) {
				s.Close()
				return
			}
		}
	}
}

// drain flushes queued messages so a reply sent just before Close, such as a
// ban notice, still reaches the client
func (s *Session) drain() {
	for {
		select {
		case data := <-s.outbound:
			if !s.write(data) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.logger.WithError(err).Error("failed to set write deadline")
		return false
	}
	if _, err := s.conn.Write(append(data, '\n')); err != nil {
		s.logger.WithError(err).Warn("failed to write message")
		return false
	}
	s.logger.LogStratumMessage("sent", string(data))
	return true
}

// SendMessage queues a message for the client
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	}
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} { return s.done }

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// IP returns the client IP without port
func (s *Session) IP() string { return s.ip }

// Port returns the local stratum port the client connected to
func (s *Session) Port() int { return s.port }

// Logger returns the session scoped logger
func (s *Session) Logger() *log.Logger { return s.logger }

// IsSubscribed returns whether the session has completed mining.subscribe.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// SetSubscribed records a completed mining.subscribe with the extranonce1
// handed out.
func (s *Session) SetSubscribed(extraNonce1 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = true
	s.extraNonce1 = extraNonce1
}

// IsAuthorized returns whether the session has completed mining.authorize.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// SetAuthorized records the outcome of mining.authorize for worker
func (s *Session) SetAuthorized(worker string, authorized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worker = worker
	s.authorized = authorized
}

// Worker returns the authorized worker name, address.rig
func (s *Session) Worker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

// ExtraNonce1 returns the ExtraNonce1 value for this session.
func (s *Session) ExtraNonce1() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// Difficulty returns the current difficulty target for this session.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty sets the difficulty and pushes it to the client. It reports
// whether the value changed.
func (s *Session) SetDifficulty(difficulty float64) bool {
	s.mu.Lock()
	changed := s.difficulty != difficulty
	s.difficulty = difficulty
	s.mu.Unlock()

	if err := s.SendMessage(NewSetDifficulty(difficulty)); err != nil {
		s.logger.WithError(err).Warn("failed to send difficulty")
	}
	return changed
}

// SetVardiff enables difficulty retargeting for the session
func (s *Session) SetVardiff(v *Vardiff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vardiff = v
}

// Retarget feeds a valid share into vardiff and returns the new difficulty
// when a retarget is due.
func (s *Session) Retarget(now time.Time) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vardiff == nil {
		return 0, false
	}
	return s.vardiff.Submit(now, s.difficulty)
}

// RecordShare counts a share for ban accounting and returns the totals since
// the last reset
func (s *Session) RecordShare(valid bool) (validShares, invalidShares int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if valid {
		s.validShares++
	} else {
		s.invalidShares++
	}
	return s.validShares, s.invalidShares
}

// ResetShareCounts starts a new ban accounting window
func (s *Session) ResetShareCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validShares = 0
	s.invalidShares = 0
}

// String identifies the session in logs
func (s *Session) String() string {
	return s.id + "@" + net.JoinHostPort(s.ip, strconv.Itoa(s.port))
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
