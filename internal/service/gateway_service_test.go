package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"device-gateway/internal/config"
	"device-gateway/internal/model"
	"device-gateway/internal/protocol/engine"
	"device-gateway/internal/repository"
	"device-gateway/internal/session"
	"device-gateway/internal/transport"
)

type offlineTransport struct{}

func (offlineTransport) Open(ctx context.Context) error { return errors.New("offline") }

func (offlineTransport) Close() error { return nil }

func (offlineTransport) IsOpen() bool { return false }

func (offlineTransport) Write(ctx context.Context, data []byte) error { return transport.ErrNotOpen }

func (offlineTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	return nil, transport.ErrNotOpen
}

func (offlineTransport) Kind() transport.Kind { return transport.KindTCP }

func (offlineTransport) Endpoint() string { return "device.test:4000" }

func (offlineTransport) Stats() transport.Stats { return transport.Stats{} }

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.GatewayEvent
}

func (p *recordingPublisher) Publish(e model.GatewayEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.EventType
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Retention: time.Hour},
		Session: config.SessionConfig{
			ReadBufferSize:     512,
			QueueSize:          4,
			RegistrationPolicy: "skip",
			Reconnect:          config.BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		},
	}
}

func newTestService(t *testing.T) (*GatewayService, repository.MessageRepository, *recordingPublisher) {
	t.Helper()
	repo := repository.NewMemoryRepository(100)
	pub := &recordingPublisher{}
	gs, err := NewGatewayService(offlineTransport{}, repo, pub, testConfig(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return gs, repo, pub
}

func TestGatewayServiceRecordsAndPublishesEvents(t *testing.T) {
	gs, repo, pub := newTestService(t)
	gs.Start(context.Background())

	now := time.Now().UTC()
	gs.HandleEvent(session.Event{Type: session.EventConnected, Time: now})
	gs.HandleEvent(session.Event{Type: session.EventCommandSent, Time: now, Intent: 300, Name: "SetLED",
		CommandID: 5, Value: map[string]any{"on": true}})
	gs.HandleEvent(session.Event{Type: session.EventCommandResult, Time: now.Add(time.Millisecond), Intent: 3,
		CommandID: 5, Result: &engine.CommandResult{ID: 5, Status: "ok", Result: "done"}})
	gs.HandleEvent(session.Event{Type: session.EventNotification, Time: now.Add(2 * time.Millisecond), Intent: 400,
		Name: "Temp", Value: map[string]any{"celsius": 21.5}})
	gs.Stop()

	want := []model.EventType{model.EventDeviceConnected, model.EventCommandSent, model.EventCommandResult, model.EventNotification}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("published=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published=%v want=%v", got, want)
		}
	}

	ctx := context.Background()
	_, total, err := repo.List(ctx, &repository.MessageFilter{})
	if err != nil || total != 3 {
		t.Fatalf("recorded=%d %v", total, err)
	}

	history, err := gs.CommandHistory(ctx, 5)
	if err != nil || len(history) != 2 {
		t.Fatalf("history: %d %v", len(history), err)
	}
	if history[0].Direction != model.DirectionOutbound || string(history[0].Payload) != `{"on":true}` {
		t.Fatalf("sent record: %+v", history[0])
	}
	if history[1].Kind != string(engine.KindCommandResult) || string(history[1].Payload) != `{"id":5,"status":"ok","result":"done"}` {
		t.Fatalf("result record: %+v payload=%s", history[1], history[1].Payload)
	}
}

func TestGatewayServiceSendCommandRequiresSchema(t *testing.T) {
	gs, _, _ := newTestService(t)
	gs.Start(context.Background())
	defer gs.Stop()

	if _, err := gs.SendCommand(context.Background(), "SetLED", nil); !errors.Is(err, engine.ErrUnknownCommand) {
		t.Fatalf("expected unknown command, got %v", err)
	}
	if gs.IsConnected() {
		t.Fatalf("offline transport reported connected")
	}
	if st := gs.Status(); st.Policy != "skip" || st.Session.Endpoint != "device.test:4000" {
		t.Fatalf("status: %+v", st)
	}
}

func TestGatewayServiceListMessagesPagination(t *testing.T) {
	gs, repo, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		repo.Create(ctx, &model.MessageRecord{Direction: model.DirectionInbound, Kind: "notification", Intent: 400})
	}

	messages, page, err := gs.ListMessages(ctx, &repository.MessageFilter{Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 2 || page.Total != 5 || page.TotalPages != 3 || page.Page != 2 {
		t.Fatalf("page=%+v len=%d", page, len(messages))
	}
}

func TestGatewayServiceCleanup(t *testing.T) {
	gs, repo, _ := newTestService(t)
	ctx := context.Background()
	repo.Create(ctx, &model.MessageRecord{Kind: "notification", CreatedAt: time.Now().Add(-2 * time.Hour)})
	repo.Create(ctx, &model.MessageRecord{Kind: "notification"})

	deleted, err := gs.CleanupMessages(ctx)
	if err != nil || deleted != 1 {
		t.Fatalf("cleanup=%d %v", deleted, err)
	}
}

func TestLinkEventsAreNotRecorded(t *testing.T) {
	for _, typ := range []session.EventType{session.EventConnected, session.EventDisconnected} {
		if r := toMessageRecord(session.Event{Type: typ}); r != nil {
			t.Fatalf("%s produced record %+v", typ, r)
		}
	}

	ev := toGatewayEvent(session.Event{Type: session.EventError, Error: "bad checksum"})
	if ev.EventType != model.EventDeviceError || ev.Severity != model.SeverityError {
		t.Fatalf("error event: %+v", ev)
	}
	ev = toGatewayEvent(session.Event{Type: session.EventRegistered, Error: "1 entry rejected"})
	if ev.EventType != model.EventDeviceRegistered || ev.Severity != model.SeverityWarning {
		t.Fatalf("partial registration event: %+v", ev)
	}
}
