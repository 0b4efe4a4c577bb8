package session

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"device-gateway/internal/config"
	"device-gateway/internal/protocol/engine"
	"device-gateway/internal/protocol/frame"
	"device-gateway/internal/protocol/registry"
	"device-gateway/internal/transport"
)

const announcement = `{
  "id": "6f1c2b4e-8a57-4d3b-9c1e-2a7f0b9d4e11",
  "key": "k",
  "name": "lamp",
  "deviceClass": {"name": "Lamp", "version": "1"},
  "equipment": [],
  "commands": [{"intent": 300, "name": "SetLED", "params": {"on": "bool"}}],
  "notifications": [{"intent": 400, "name": "Temp", "params": {"celsius": "f"}}]
}`

// pipeLink hands out one net.Pipe end per successful Open.
type pipeLink struct {
	mu        sync.Mutex
	conns     chan net.Conn
	conn      net.Conn
	failOpens int
	openCalls int
}

func newPipeLink() *pipeLink {
	return &pipeLink{conns: make(chan net.Conn, 4)}
}

func (p *pipeLink) plug() net.Conn {
	gw, dev := net.Pipe()
	p.conns <- gw
	return dev
}

func (p *pipeLink) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCalls
}

func (p *pipeLink) current() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *pipeLink) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openCalls++
	if p.failOpens > 0 {
		p.failOpens--
		return errors.New("device unplugged")
	}
	select {
	case c := <-p.conns:
		p.conn = c
		return nil
	default:
		return errors.New("no device")
	}
}

func (p *pipeLink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *pipeLink) IsOpen() bool { return p.current() != nil }

func (p *pipeLink) Write(ctx context.Context, data []byte) error {
	c := p.current()
	if c == nil {
		return transport.ErrNotOpen
	}
	dl, _ := ctx.Deadline()
	c.SetWriteDeadline(dl)
	if _, err := c.Write(data); err != nil {
		return transport.ErrClosed
	}
	return nil
}

func (p *pipeLink) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	c := p.current()
	if c == nil {
		return nil, transport.ErrNotOpen
	}
	c.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	buf := make([]byte, maxBytes)
	n, err := c.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return buf[:n], nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil, transport.ErrClosed
		}
		return nil, err
	}
	return buf[:n], nil
}

func (p *pipeLink) Kind() transport.Kind { return transport.KindPipe }

func (p *pipeLink) Endpoint() string { return "net.Pipe" }

func (p *pipeLink) Stats() transport.Stats { return transport.Stats{IsConnected: p.IsOpen()} }

// device plays the remote end of the link
type device struct {
	t       *testing.T
	conn    net.Conn
	scanner *frame.Scanner
	eng     *engine.Engine
}

func newDevice(t *testing.T, conn net.Conn) *device {
	t.Helper()
	eng := engine.New(zaptest.NewLogger(t))
	if _, err := eng.HandleRegistration2Response(announcement); err != nil {
		t.Fatalf("device schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &device{t: t, conn: conn, scanner: frame.NewScanner(), eng: eng}
}

func (d *device) readFrame() *frame.Frame {
	d.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		if f, ok := d.scanner.Next(); ok {
			return f
		}
		d.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, _ := d.conn.Read(buf)
		d.scanner.Write(buf[:n])
	}
	d.t.Fatalf("device: no frame received")
	return nil
}

func (d *device) send(intent uint16, value any) {
	d.t.Helper()
	f, err := d.eng.JSONToFrame(intent, value)
	if err != nil {
		d.t.Fatalf("device encode %d: %v", intent, err)
	}
	d.write(f.Bytes())
}

func (d *device) write(b []byte) {
	d.t.Helper()
	d.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := d.conn.Write(b); err != nil {
		d.t.Fatalf("device write: %v", err)
	}
}

func eventRecorder() (Sink, <-chan Event) {
	ch := make(chan Event, 128)
	return SinkFunc(func(e Event) { ch <- e }), ch
}

func waitEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WriteTimeout = time.Second
	cfg.RegistrationTimeout = 0
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

func startSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return cancel, done
}

func TestSessionHandshakeCommandsAndNotifications(t *testing.T) {
	logger := zaptest.NewLogger(t)
	link := newPipeLink()
	dev := newDevice(t, link.plug())
	sink, events := eventRecorder()

	s := New(testConfig(), link, engine.New(logger), sink, logger)
	cancel, done := startSession(t, s)

	if f := dev.readFrame(); f.Intent() != registry.RegistrationRequest || len(f.Payload()) != 0 {
		t.Fatalf("expected registration request, got %v", f)
	}
	waitEvent(t, events, EventConnected)

	if _, err := s.SendCommand(context.Background(), "SetLED", nil); !errors.Is(err, engine.ErrUnknownCommand) {
		t.Fatalf("command before registration: %v", err)
	}

	dev.send(registry.Registration2Response, announcement)
	reg := waitEvent(t, events, EventRegistered)
	if reg.Registration == nil || reg.Registration.Name != "lamp" || reg.Error != "" {
		t.Fatalf("registered event: %+v", reg)
	}
	if got := s.Schema(); len(got.Commands) != 1 || got.Commands[0].Name != "SetLED" || len(got.Notifications) != 1 {
		t.Fatalf("schema: %+v", got)
	}

	type reply struct {
		id  uint32
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		id, err := s.SendCommand(context.Background(), "SetLED", map[string]any{"on": true})
		replies <- reply{id, err}
	}()

	f := dev.readFrame()
	if f.Intent() != 300 {
		t.Fatalf("command intent=%d", f.Intent())
	}
	got, err := dev.eng.FrameToJSON(f)
	if err != nil {
		t.Fatalf("device decode: %v", err)
	}
	want := map[string]any{"id": uint64(1), "parameters": map[string]any{"on": true}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("command value=%#v want=%#v", got, want)
	}
	if r := <-replies; r.err != nil || r.id != 1 {
		t.Fatalf("SendCommand=%d,%v", r.id, r.err)
	}
	if sent := waitEvent(t, events, EventCommandSent); sent.CommandID != 1 || sent.Name != "SetLED" {
		t.Fatalf("sent event: %+v", sent)
	}

	// leading garbage is skipped by the scanner
	dev.write([]byte{0x00, 0xC5, 0x11})
	dev.send(400, map[string]any{"celsius": 21.5})
	note := waitEvent(t, events, EventNotification)
	if note.Name != "Temp" || !reflect.DeepEqual(note.Value, map[string]any{"celsius": 21.5}) {
		t.Fatalf("notification: %+v", note)
	}

	dev.send(registry.CommandResultResponse, map[string]any{"id": 1, "status": "ok", "result": "done"})
	res := waitEvent(t, events, EventCommandResult)
	if res.CommandID != 1 || res.Result == nil || res.Result.Status != "ok" || res.Result.Result != "done" {
		t.Fatalf("result: %+v", res)
	}

	st := s.Status()
	if !st.Connected || !st.Registered || st.CommandsSent != 1 || st.Transport != transport.KindPipe {
		t.Fatalf("status: %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
	if _, err := s.SendCommand(context.Background(), "SetLED", map[string]any{"on": false}); !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrStopped) {
		t.Fatalf("command after stop: %v", err)
	}
}

func TestSessionReconnectsWithBackoff(t *testing.T) {
	logger := zaptest.NewLogger(t)
	link := newPipeLink()
	link.failOpens = 2
	dev := newDevice(t, link.plug())
	sink, events := eventRecorder()

	eng := engine.New(logger)
	if _, err := eng.HandleRegistration2Response(announcement); err != nil {
		t.Fatalf("preload schema: %v", err)
	}
	s := New(testConfig(), link, eng, sink, logger)
	startSession(t, s)

	dev.readFrame()
	if calls := link.calls(); calls != 3 {
		t.Fatalf("open calls=%d want 3", calls)
	}

	dev.conn.Close()
	waitEvent(t, events, EventDisconnected)
	if _, err := s.SendCommand(context.Background(), "SetLED", map[string]any{"on": true}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("command while disconnected: %v", err)
	}

	second := newDevice(t, link.plug())
	if f := second.readFrame(); f.Intent() != registry.RegistrationRequest {
		t.Fatalf("expected fresh registration request, got %v", f)
	}
	waitEvent(t, events, EventConnected)
	if st := s.Status(); st.Reconnects != 1 || st.LastError == "" {
		t.Fatalf("status: %+v", st)
	}
}

func TestSessionRepeatsRegistrationRequest(t *testing.T) {
	logger := zaptest.NewLogger(t)
	link := newPipeLink()
	dev := newDevice(t, link.plug())

	cfg := testConfig()
	cfg.RegistrationTimeout = 30 * time.Millisecond
	s := New(cfg, link, engine.New(logger), nil, logger)
	startSession(t, s)

	for i := 0; i < 2; i++ {
		if f := dev.readFrame(); f.Intent() != registry.RegistrationRequest {
			t.Fatalf("request %d: %v", i, f)
		}
	}
	go io.Copy(io.Discard, dev.conn)

	dev.send(registry.Registration2Response, announcement)
	deadline := time.Now().Add(2 * time.Second)
	for !s.Status().Registered {
		if time.Now().After(deadline) {
			t.Fatalf("never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFromConfigRejectsUnknownPolicy(t *testing.T) {
	if _, _, err := FromConfig(configWithPolicy("sometimes")); err == nil {
		t.Fatalf("expected policy error")
	}
	cfg, policy, err := FromConfig(configWithPolicy("abort"))
	if err != nil || policy != engine.AbortOnError || cfg.QueueSize != 8 {
		t.Fatalf("FromConfig=%+v,%v,%v", cfg, policy, err)
	}
}

func configWithPolicy(policy string) config.SessionConfig {
	return config.SessionConfig{
		ReadBufferSize:     512,
		QueueSize:          8,
		RegistrationPolicy: policy,
	}
}
