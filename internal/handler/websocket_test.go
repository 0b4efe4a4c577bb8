package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"device-gateway/internal/model"
)

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)

	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()
	if bus.SubscriberCount() != 2 {
		t.Fatalf("subscribers=%d", bus.SubscriberCount())
	}

	bus.Publish(model.GatewayEvent{EventType: model.EventNotification, Name: "Temp"})
	for _, ch := range []<-chan model.GatewayEvent{a, b} {
		select {
		case e := <-ch:
			if e.Name != "Temp" {
				t.Fatalf("event=%+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscribers=%d", bus.SubscriberCount())
	}
}

func TestClientTopicFilter(t *testing.T) {
	c := &Client{}
	if !c.Wants("NOTIFICATION", "Temp") {
		t.Fatal("client without topics should receive everything")
	}

	c.Subscribe("COMMAND_RESULT")
	c.Subscribe("Temp")
	if !c.Wants("COMMAND_RESULT", "") || !c.Wants("NOTIFICATION", "Temp") {
		t.Fatal("subscribed topic filtered out")
	}
	if c.Wants("NOTIFICATION", "Humidity") {
		t.Fatal("unsubscribed name delivered")
	}

	c.Unsubscribe("Temp")
	if c.Wants("NOTIFICATION", "Temp") {
		t.Fatal("topic still active after unsubscribe")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://console.local"})

	req := httptest.NewRequest("GET", "/ws/events", nil)
	if !check(req) {
		t.Fatal("request without Origin rejected")
	}
	req.Header.Set("Origin", "http://console.local")
	if !check(req) {
		t.Fatal("allowed origin rejected")
	}
	req.Header.Set("Origin", "http://evil.local")
	if check(req) {
		t.Fatal("foreign origin accepted")
	}
	if !originChecker([]string{"*"})(req) {
		t.Fatal("wildcard rejected origin")
	}
}

func readWS(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WebSocketMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketStreamsEventsAndCommands(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gw := &fakeGateway{connected: true}
	bus := NewEventBus(zaptest.NewLogger(t))
	h := NewWebSocketHandler(gw, bus, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)
	go h.Run(ctx)
	for deadline := time.Now().Add(time.Second); bus.SubscriberCount() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed to the bus")
		}
		time.Sleep(time.Millisecond)
	}

	router := gin.New()
	h.RegisterRoutes(router.Group("/ws"))
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/events?topic=NOTIFICATION"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readWS(t, conn); msg.Type != "initial_status" {
		t.Fatalf("first message=%+v", msg)
	}

	// filtered out by the topic
	bus.Publish(model.GatewayEvent{EventType: model.EventCommandSent, Name: "SetLED"})
	bus.Publish(model.GatewayEvent{EventType: model.EventNotification, Name: "Temp", Timestamp: time.Now()})

	msg := readWS(t, conn)
	data, _ := msg.Data.(map[string]any)
	if msg.Type != "event" || data["name"] != "Temp" {
		t.Fatalf("event message=%+v", msg)
	}

	err = conn.WriteJSON(map[string]any{
		"type":       "command",
		"request_id": "r1",
		"data":       map[string]any{"name": "SetLED", "parameters": map[string]any{"level": 7}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readWS(t, conn)
	data, _ = msg.Data.(map[string]any)
	if msg.Type != "command_response" || msg.RequestID != "r1" || data["success"] != true {
		t.Fatalf("command response=%+v", msg)
	}

	gw.mu.Lock()
	params, _ := gw.sent[0].(map[string]any)
	gw.mu.Unlock()
	if n, ok := params["level"].(json.Number); !ok || n.String() != "7" {
		t.Fatalf("parameters=%#v", params)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping", "request_id": "r2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != "pong" || msg.RequestID != "r2" {
		t.Fatalf("pong=%+v", msg)
	}

	if stats := h.connections.GetStats(); stats.TotalConnections != 1 || len(stats.Clients[0].Topics) != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}
