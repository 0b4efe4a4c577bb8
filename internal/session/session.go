// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"device-gateway/internal/protocol/engine"
	"device-gateway/internal/protocol/frame"
	"device-gateway/internal/transport"
)

var (
	ErrNotConnected = errors.New("session: device not connected")
	ErrStopped      = errors.New("session: stopped")
)

// Schema is the command and notification set learned from the device
type Schema struct {
	Registration  *engine.Registration `json:"registration"`
	Commands      []engine.Schema      `json:"commands"`
	Notifications []engine.Schema      `json:"notifications"`
}

// Status is a point-in-time view of the link
type Status struct {
	Connected    bool            `json:"connected"`
	Registered   bool            `json:"registered"`
	Transport    transport.Kind  `json:"transport"`
	Endpoint     string          `json:"endpoint"`
	CommandsSent int64           `json:"commands_sent"`
	Reconnects   int64           `json:"reconnects"`
	LastError    string          `json:"last_error,omitempty"`
	Link         transport.Stats `json:"link"`
	Scan         frame.ScanStats `json:"scan"`
}

type commandRequest struct {
	name   string
	params any
	reply  chan commandReply
}

type commandReply struct {
	id  uint32
	err error
}

// Session drives one device link. A single goroutine started by Run owns
// the transport, the receive scanner and all writes; callers talk to it
// through a bounded queue.
type Session struct {
	cfg       Config
	transport transport.Transport
	engine    *engine.Engine
	sink      Sink
	logger    *zap.Logger

	requests chan commandRequest
	done     chan struct{}
	running  atomic.Bool

	scanner *frame.Scanner
	rng     *rand.Rand
	nextID  uint32

	connected    atomic.Bool
	registered   atomic.Bool
	commandsSent atomic.Int64
	reconnects   atomic.Int64

	mu        sync.Mutex
	scanStats frame.ScanStats
	lastError string
}

// New creates a session. A nil sink discards events.
func New(cfg Config, tr transport.Transport, eng *engine.Engine, sink Sink, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = discardSink{}
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	return &Session{
		cfg:       cfg,
		transport: tr,
		engine:    eng,
		sink:      sink,
		logger: logger.With(
			zap.String("transport", string(tr.Kind())),
			zap.String("endpoint", tr.Endpoint())),
		requests: make(chan commandRequest, cfg.QueueSize),
		done:     make(chan struct{}),
		scanner:  frame.NewScanner(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Engine returns the protocol engine driven by the session
func (s *Session) Engine() *engine.Engine {
	return s.engine
}

// Run connects, handshakes and serves the link until ctx is cancelled,
// reconnecting with backoff whenever the transport fails.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(s.done)
	defer s.failPending()

	attempt := 0
	opened := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := s.transport.Open(ctx); err != nil {
			attempt++
			s.setError(err)
			delay := NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
			s.logger.Warn("Failed to open transport",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay))
			if !s.idle(ctx, delay) {
				return nil
			}
			continue
		}

		if opened {
			s.reconnects.Add(1)
		}
		opened = true
		attempt = 0

		err := s.serve(ctx)
		s.connected.Store(false)
		s.registered.Store(false)
		if cerr := s.transport.Close(); cerr != nil {
			s.logger.Warn("Failed to close transport", zap.Error(cerr))
		}
		s.emit(Event{Type: EventDisconnected, Error: errString(err)})

		if ctx.Err() != nil {
			s.logger.Info("Session stopped")
			return nil
		}
		s.setError(err)
		s.logger.Warn("Device link lost", zap.Error(err))

		attempt++
		if !s.idle(ctx, NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)) {
			return nil
		}
	}
}

// serve runs one connected period
func (s *Session) serve(ctx context.Context) error {
	s.scanner.Reset()
	s.connected.Store(true)
	s.logger.Info("Device link opened")
	s.emit(Event{Type: EventConnected})

	if err := s.requestRegistration(ctx); err != nil {
		return err
	}
	deadline := s.registrationDeadline()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.drainRequests(ctx); err != nil {
			return err
		}

		data, err := s.transport.Read(ctx, s.cfg.ReadBufferSize)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			s.scanner.Write(data)
			for {
				f, ok := s.scanner.Next()
				if !ok {
					break
				}
				s.dispatch(f)
			}
			s.mu.Lock()
			s.scanStats = s.scanner.Stats()
			s.mu.Unlock()
		}

		if !s.registered.Load() && !deadline.IsZero() && time.Now().After(deadline) {
			s.logger.Warn("Registration timed out, asking again",
				zap.Duration("timeout", s.cfg.RegistrationTimeout))
			if err := s.requestRegistration(ctx); err != nil {
				return err
			}
			deadline = s.registrationDeadline()
		}
	}
}

func (s *Session) registrationDeadline() time.Time {
	if s.cfg.RegistrationTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.cfg.RegistrationTimeout)
}

func (s *Session) requestRegistration(ctx context.Context) error {
	f, err := s.engine.RegistrationRequestFrame()
	if err != nil {
		return err
	}
	return s.write(ctx, f)
}

func (s *Session) write(ctx context.Context, f *frame.Frame) error {
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}
	return s.transport.Write(ctx, f.Bytes())
}

// drainRequests handles queued commands. A transport failure ends the
// connected period.
func (s *Session) drainRequests(ctx context.Context) error {
	for {
		select {
		case req := <-s.requests:
			id, err := s.sendCommand(ctx, req)
			req.reply <- commandReply{id: id, err: err}
			if err != nil && isLinkError(err) {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Session) sendCommand(ctx context.Context, req commandRequest) (uint32, error) {
	s.nextID++
	id := s.nextID

	f, err := s.engine.CommandFrame(req.name, id, req.params)
	if err != nil {
		return 0, err
	}
	if err := s.write(ctx, f); err != nil {
		return 0, fmt.Errorf("failed to send command %s: %w", req.name, err)
	}

	s.commandsSent.Add(1)
	s.logger.Debug("Command sent",
		zap.String("command", req.name),
		zap.Uint32("id", id),
		zap.Uint16("intent", f.Intent()))
	s.emit(Event{
		Type:      EventCommandSent,
		Intent:    f.Intent(),
		Name:      req.name,
		Value:     req.params,
		CommandID: id,
	})
	return id, nil
}

func (s *Session) dispatch(f *frame.Frame) {
	msg, err := s.engine.Process(f)
	if msg == nil {
		if errors.Is(err, engine.ErrUnknownIntent) {
			s.logger.Debug("Dropping frame for unknown intent", zap.Uint16("intent", f.Intent()))
			return
		}
		s.logger.Warn("Failed to process frame", zap.Uint16("intent", f.Intent()), zap.Error(err))
		s.emit(Event{Type: EventError, Intent: f.Intent(), Error: errString(err)})
		return
	}

	ev := Event{Intent: msg.Intent, Name: msg.Name, Value: msg.Value}
	switch msg.Kind {
	case engine.KindRegistration:
		s.registered.Store(true)
		ev.Type = EventRegistered
		ev.Value = nil
		ev.Registration = msg.Registration
		ev.Error = errString(err)
		if err != nil {
			s.logger.Warn("Registration applied with rejected entries", zap.Error(err))
		}
	case engine.KindNotification:
		ev.Type = EventNotification
	case engine.KindCommandResult:
		ev.Type = EventCommandResult
		ev.Value = nil
		ev.Result = msg.CommandResult
		ev.CommandID = msg.CommandResult.ID
	case engine.KindRegistrationRequest:
		s.logger.Debug("Ignoring registration request from device")
		return
	default:
		ev.Type = EventMessage
	}
	s.emit(ev)
}

// SendCommand queues a command and waits until it has been written to the
// device. It returns the command id the device will echo in its result.
func (s *Session) SendCommand(ctx context.Context, name string, params any) (uint32, error) {
	if _, ok := s.engine.CommandIntent(name); !ok {
		return 0, fmt.Errorf("%w: %s", engine.ErrUnknownCommand, name)
	}
	if !s.connected.Load() {
		return 0, ErrNotConnected
	}

	req := commandRequest{name: name, params: params, reply: make(chan commandReply, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.id, r.err
	case <-s.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Schema returns the currently learned command and notification set
func (s *Session) Schema() Schema {
	return Schema{
		Registration:  s.engine.Registration(),
		Commands:      s.engine.Commands(),
		Notifications: s.engine.Notifications(),
	}
}

// Status returns link state and counters
func (s *Session) Status() Status {
	s.mu.Lock()
	scan, lastErr := s.scanStats, s.lastError
	s.mu.Unlock()

	return Status{
		Connected:    s.connected.Load(),
		Registered:   s.registered.Load(),
		Transport:    s.transport.Kind(),
		Endpoint:     s.transport.Endpoint(),
		CommandsSent: s.commandsSent.Load(),
		Reconnects:   s.reconnects.Load(),
		LastError:    lastErr,
		Link:         s.transport.Stats(),
		Scan:         scan,
	}
}

// idle waits out a backoff delay while rejecting queued commands
func (s *Session) idle(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case req := <-s.requests:
			req.reply <- commandReply{err: ErrNotConnected}
		}
	}
}

func (s *Session) failPending() {
	for {
		select {
		case req := <-s.requests:
			req.reply <- commandReply{err: ErrStopped}
		default:
			return
		}
	}
}

func (s *Session) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	s.sink.HandleEvent(e)
}

func (s *Session) setError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func isLinkError(err error) bool {
	return errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrNotOpen)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
