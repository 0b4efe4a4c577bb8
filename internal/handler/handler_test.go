package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"device-gateway/internal/config"
	"device-gateway/internal/model"
	"device-gateway/internal/protocol/engine"
	"device-gateway/internal/protocol/serializer"
	"device-gateway/internal/repository"
	"device-gateway/internal/service"
	"device-gateway/internal/session"
	"device-gateway/internal/transport"
)

type fakeGateway struct {
	mu        sync.Mutex
	connected bool
	schema    session.Schema
	sendErr   error
	sent      []any
	filter    *repository.MessageFilter
	messages  map[uuid.UUID]*model.MessageRecord
}

func (g *fakeGateway) SendCommand(ctx context.Context, name string, params any) (*service.CommandReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	g.sent = append(g.sent, params)
	return &service.CommandReceipt{ID: uint32(len(g.sent)), Name: name, Intent: 300, SentAt: time.Now()}, nil
}

func (g *fakeGateway) Schema() session.Schema { return g.schema }

func (g *fakeGateway) Status() *service.GatewayStatus {
	return &service.GatewayStatus{
		Session: session.Status{Connected: g.connected, Transport: transport.KindTCP, Endpoint: "device.test:4000"},
		Policy:  "skip",
	}
}

func (g *fakeGateway) IsConnected() bool { return g.connected }

func (g *fakeGateway) ListMessages(ctx context.Context, filter *repository.MessageFilter) ([]*model.MessageRecord, *service.PaginationResult, error) {
	g.mu.Lock()
	g.filter = filter
	g.mu.Unlock()
	return []*model.MessageRecord{}, &service.PaginationResult{Page: filter.Page, PerPage: filter.PerPage}, nil
}

func (g *fakeGateway) GetMessage(ctx context.Context, id uuid.UUID) (*model.MessageRecord, error) {
	if m, ok := g.messages[id]; ok {
		return m, nil
	}
	return nil, repository.ErrMessageNotFound
}

func (g *fakeGateway) CommandHistory(ctx context.Context, id uint32) ([]*model.MessageRecord, error) {
	return []*model.MessageRecord{}, nil
}

func (g *fakeGateway) ListPorts() ([]transport.SerialPort, error) {
	return []transport.SerialPort{{Name: "/dev/ttyUSB0", IsUSB: true}}, nil
}

func (g *fakeGateway) ListUSBDevices() ([]transport.USBDevice, error) {
	return nil, errors.New("libusb unavailable")
}

func newTestRouter(t *testing.T, gw Gateway) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewGatewayHandler(gw, time.Second, zaptest.NewLogger(t)).RegisterRoutes(router.Group("/api/v1"))
	cfg := &config.Config{App: config.AppConfig{Name: "device-gateway", Version: "test"}}
	NewHealthHandler(nil, gw, cfg, zaptest.NewLogger(t)).RegisterRoutes(router.Group(""))
	return router
}

func doRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSendCommandPassesExactNumbers(t *testing.T) {
	gw := &fakeGateway{connected: true}
	router := newTestRouter(t, gw)

	rec := doRequest(router, http.MethodPost, "/api/v1/commands/SetLED", `{"level":18446744073709551615,"on":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	params, ok := gw.sent[0].(map[string]any)
	if !ok {
		t.Fatalf("params=%T", gw.sent[0])
	}
	if n, ok := params["level"].(json.Number); !ok || n.String() != "18446744073709551615" {
		t.Fatalf("level=%#v", params["level"])
	}

	var resp struct {
		Success bool                   `json:"success"`
		Data    service.CommandReceipt `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Data.Name != "SetLED" || resp.Data.ID != 1 {
		t.Fatalf("response=%+v", resp)
	}
}

func TestSendCommandEmptyBody(t *testing.T) {
	gw := &fakeGateway{connected: true}
	router := newTestRouter(t, gw)

	rec := doRequest(router, http.MethodPost, "/api/v1/commands/Reset", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	if gw.sent[0] != nil {
		t.Fatalf("params=%#v", gw.sent[0])
	}

	rec = doRequest(router, http.MethodPost, "/api/v1/commands/Reset", `{"on":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status=%d", rec.Code)
	}
}

func TestSendCommandErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: %s", engine.ErrUnknownCommand, "Nope"), http.StatusNotFound},
		{&serializer.FieldError{Path: "parameters.level", Err: serializer.ErrNumericOverflow}, http.StatusUnprocessableEntity},
		{session.ErrNotConnected, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("write failed"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		router := newTestRouter(t, &fakeGateway{sendErr: tc.err})
		rec := doRequest(router, http.MethodPost, "/api/v1/commands/SetLED", `{}`)
		if rec.Code != tc.code {
			t.Fatalf("%v: status=%d want=%d", tc.err, rec.Code, tc.code)
		}
	}
}

func TestCommandSchemaLookup(t *testing.T) {
	gw := &fakeGateway{schema: session.Schema{Commands: []engine.Schema{{Intent: 300, Name: "SetLED"}}}}
	router := newTestRouter(t, gw)

	if rec := doRequest(router, http.MethodGet, "/api/v1/schema/commands/SetLED", ""); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	} else if !strings.Contains(rec.Body.String(), `"intent":300`) {
		t.Fatalf("body=%s", rec.Body)
	}
	if rec := doRequest(router, http.MethodGet, "/api/v1/schema/commands/Nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestListMessagesFilters(t *testing.T) {
	gw := &fakeGateway{}
	router := newTestRouter(t, gw)

	rec := doRequest(router, http.MethodGet, "/api/v1/messages?page=2&per_page=1000&direction=OUT&name=SetLED&intent=300", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	f := gw.filter
	if f.Page != 2 || f.PerPage != 500 {
		t.Fatalf("paging=%d/%d", f.Page, f.PerPage)
	}
	if f.Direction == nil || *f.Direction != model.DirectionOutbound || *f.Name != "SetLED" || *f.Intent != 300 {
		t.Fatalf("filter=%+v", f)
	}

	for _, q := range []string{"direction=SIDEWAYS", "intent=70000", "page=0", "start_date=yesterday"} {
		if rec := doRequest(router, http.MethodGet, "/api/v1/messages?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", q, rec.Code)
		}
	}
}

func TestGetMessage(t *testing.T) {
	id := uuid.New()
	gw := &fakeGateway{messages: map[uuid.UUID]*model.MessageRecord{id: {ID: id, Kind: "notification"}}}
	router := newTestRouter(t, gw)

	if rec := doRequest(router, http.MethodGet, "/api/v1/messages/"+id.String(), ""); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec := doRequest(router, http.MethodGet, "/api/v1/messages/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", rec.Code)
	}
	if rec := doRequest(router, http.MethodGet, "/api/v1/messages/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", rec.Code)
	}
	if rec := doRequest(router, http.MethodGet, "/api/v1/commands/abc/history", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad command id status=%d", rec.Code)
	}
}

func TestHostDeviceListing(t *testing.T) {
	router := newTestRouter(t, &fakeGateway{})

	rec := doRequest(router, http.MethodGet, "/api/v1/ports", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/dev/ttyUSB0") {
		t.Fatalf("ports=%d %s", rec.Code, rec.Body)
	}
	if rec := doRequest(router, http.MethodGet, "/api/v1/usb-devices", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("usb-devices status=%d", rec.Code)
	}
}

func TestReadinessFollowsDeviceLink(t *testing.T) {
	gw := &fakeGateway{}
	router := newTestRouter(t, gw)

	if rec := doRequest(router, http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready while disconnected: %d", rec.Code)
	}

	rec := doRequest(router, http.MethodGet, "/health", "")
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || health.Status != "degraded" || health.Checks["database"].Status != "disabled" {
		t.Fatalf("health=%d %+v", rec.Code, health)
	}

	gw.connected = true
	if rec := doRequest(router, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready while connected: %d", rec.Code)
	}
}

func TestDecodeJSONKeepsNumbers(t *testing.T) {
	var v any
	if err := decodeJSON(bytes.NewReader([]byte(`[1.50, 9007199254740993]`)), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	arr := v.([]any)
	if arr[0].(json.Number).String() != "1.50" || arr[1].(json.Number).String() != "9007199254740993" {
		t.Fatalf("decoded=%#v", arr)
	}
}
