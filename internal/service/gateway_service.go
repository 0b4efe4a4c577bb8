// internal/service/gateway_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"device-gateway/internal/config"
	"device-gateway/internal/model"
	"device-gateway/internal/protocol/engine"
	"device-gateway/internal/repository"
	"device-gateway/internal/session"
	"device-gateway/internal/transport"
	"device-gateway/internal/utils"
)

const (
	recordQueueSize = 1024
	recordTimeout   = 5 * time.Second
	cleanupInterval = time.Hour
)

// EventPublisher fans gateway events out to subscribers
type EventPublisher interface {
	Publish(event model.GatewayEvent)
}

// GatewayService ties the device session to the message log and the event
// stream
type GatewayService struct {
	session      *session.Session
	transport    transport.Transport
	messageRepo  repository.MessageRepository
	publisher    EventPublisher
	config       *config.Config
	logger       *utils.ServiceLogger
	deviceLogger *utils.DeviceLogger

	records    chan *model.MessageRecord
	recorderWG sync.WaitGroup
	workersWG  sync.WaitGroup
	stopOnce   sync.Once

	mu      sync.Mutex
	cancel  context.CancelFunc
	started time.Time
}

// NewGatewayService builds the protocol engine and session for tr
func NewGatewayService(
	tr transport.Transport,
	messageRepo repository.MessageRepository,
	publisher EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) (*GatewayService, error) {
	sessCfg, policy, err := session.FromConfig(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	gs := &GatewayService{
		transport:    tr,
		messageRepo:  messageRepo,
		publisher:    publisher,
		config:       cfg,
		logger:       utils.NewServiceLogger(logger, "gateway-service"),
		deviceLogger: utils.NewDeviceLogger(logger, string(tr.Kind()), tr.Endpoint()),
		records:      make(chan *model.MessageRecord, recordQueueSize),
	}

	eng := engine.New(logger.Named("engine"), engine.WithPolicy(policy))
	gs.session = session.New(sessCfg, tr, eng, gs, logger.Named("session"))
	return gs, nil
}

// Start runs the session, the message recorder and retention cleanup
func (gs *GatewayService) Start(ctx context.Context) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.cancel != nil {
		return
	}

	ctx, gs.cancel = context.WithCancel(ctx)
	gs.started = time.Now()

	gs.recorderWG.Add(1)
	go gs.recordLoop()

	gs.workersWG.Add(1)
	go func() {
		defer gs.workersWG.Done()
		if err := gs.session.Run(ctx); err != nil {
			gs.logger.Error("Session stopped with error", zap.Error(err))
		}
	}()

	if gs.config.Database.Retention > 0 {
		gs.workersWG.Add(1)
		go gs.cleanupLoop(ctx)
	}

	gs.logger.Info("Gateway service started",
		zap.String("transport", string(gs.transport.Kind())),
		zap.String("endpoint", gs.transport.Endpoint()),
		zap.String("registration_policy", gs.session.Engine().Policy().String()))
}

// Stop ends the session and flushes queued records
func (gs *GatewayService) Stop() {
	gs.mu.Lock()
	cancel := gs.cancel
	gs.mu.Unlock()
	if cancel == nil {
		return
	}

	gs.stopOnce.Do(func() {
		cancel()
		gs.workersWG.Wait()
		// the session has exited, nothing sends on records anymore
		close(gs.records)
		gs.recorderWG.Wait()
		gs.logger.LogServiceStop("shutdown")
	})
}

// HandleEvent receives session events on the session goroutine
func (gs *GatewayService) HandleEvent(e session.Event) {
	switch e.Type {
	case session.EventConnected:
		gs.deviceLogger.LogConnection("open", true, nil)
	case session.EventDisconnected:
		var err error
		if e.Error != "" {
			err = errors.New(e.Error)
		}
		gs.deviceLogger.LogConnection("close", false, err)
	case session.EventRegistered:
		if e.Registration != nil {
			gs.deviceLogger.Info("Device registered",
				zap.String("device", e.Registration.Name),
				zap.String("device_id", e.Registration.ID),
				zap.Int("commands", len(e.Registration.Commands)),
				zap.Int("notifications", len(e.Registration.Notifications)))
		}
	}

	if gs.publisher != nil {
		gs.publisher.Publish(toGatewayEvent(e))
	}

	if record := toMessageRecord(e); record != nil {
		select {
		case gs.records <- record:
		default:
			gs.logger.Warn("Message log queue full, dropping record",
				zap.String("kind", record.Kind),
				zap.Int("intent", record.Intent))
		}
	}
}

// SendCommand sends a named command to the device
func (gs *GatewayService) SendCommand(ctx context.Context, name string, params any) (*CommandReceipt, error) {
	id, err := gs.session.SendCommand(ctx, name, params)
	intent, _ := gs.session.Engine().CommandIntent(name)
	gs.deviceLogger.LogCommand(name, id, intent, err)
	if err != nil {
		return nil, err
	}

	return &CommandReceipt{
		ID:     id,
		Name:   name,
		Intent: intent,
		SentAt: time.Now().UTC(),
	}, nil
}

// Schema returns the learned command and notification set
func (gs *GatewayService) Schema() session.Schema {
	return gs.session.Schema()
}

// Status returns link and service state
func (gs *GatewayService) Status() *GatewayStatus {
	gs.mu.Lock()
	started := gs.started
	gs.mu.Unlock()

	status := &GatewayStatus{
		Session: gs.session.Status(),
		Policy:  gs.session.Engine().Policy().String(),
	}
	if !started.IsZero() {
		status.Uptime = time.Since(started).Round(time.Second).String()
	}
	if reg := gs.session.Engine().Registration(); reg != nil {
		status.Device = reg
	}
	return status
}

// IsConnected reports whether the device link is up
func (gs *GatewayService) IsConnected() bool {
	return gs.session.Status().Connected
}

// ListMessages returns logged messages
func (gs *GatewayService) ListMessages(ctx context.Context, filter *repository.MessageFilter) ([]*model.MessageRecord, *PaginationResult, error) {
	filter.Normalize()
	messages, total, err := gs.messageRepo.List(ctx, filter)
	if err != nil {
		gs.logger.Error("Failed to list messages", zap.Error(err))
		return nil, nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return messages, &PaginationResult{
		Total:      total,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalPages: int(math.Ceil(float64(total) / float64(filter.PerPage))),
	}, nil
}

// GetMessage returns one logged message
func (gs *GatewayService) GetMessage(ctx context.Context, id uuid.UUID) (*model.MessageRecord, error) {
	return gs.messageRepo.GetByID(ctx, id)
}

// CommandHistory returns the sent command and the device's result
func (gs *GatewayService) CommandHistory(ctx context.Context, id uint32) ([]*model.MessageRecord, error) {
	return gs.messageRepo.ListByCommand(ctx, int64(id))
}

// ListPorts enumerates serial ports on the host
func (gs *GatewayService) ListPorts() ([]transport.SerialPort, error) {
	return transport.ListSerialPorts()
}

// ListUSBDevices enumerates USB devices on the host
func (gs *GatewayService) ListUSBDevices() ([]transport.USBDevice, error) {
	return transport.ListUSBDevices()
}

// CleanupMessages deletes records older than the retention period
func (gs *GatewayService) CleanupMessages(ctx context.Context) (int64, error) {
	if gs.config.Database.Retention <= 0 {
		return 0, nil
	}
	return gs.messageRepo.DeleteOlderThan(ctx, time.Now().Add(-gs.config.Database.Retention))
}

func (gs *GatewayService) recordLoop() {
	defer gs.recorderWG.Done()
	for record := range gs.records {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		start := time.Now()
		err := gs.messageRepo.Create(ctx, record)
		cancel()
		if err != nil {
			gs.logger.LogDatabaseQuery("insert message", time.Since(start), err)
		}
	}
}

func (gs *GatewayService) cleanupLoop(ctx context.Context) {
	defer gs.workersWG.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := gs.CleanupMessages(ctx); err != nil {
				gs.logger.Warn("Message cleanup failed", zap.Error(err))
			}
		}
	}
}

// toGatewayEvent maps a session event to the stream representation
func toGatewayEvent(e session.Event) model.GatewayEvent {
	ev := model.GatewayEvent{
		ID:        uuid.New(),
		Intent:    e.Intent,
		Name:      e.Name,
		Timestamp: e.Time,
		Source:    "session",
		Severity:  model.SeverityInfo,
	}

	switch e.Type {
	case session.EventConnected:
		ev.EventType = model.EventDeviceConnected
	case session.EventDisconnected:
		ev.EventType = model.EventDeviceDisconnected
		ev.Severity = model.SeverityWarning
		if e.Error != "" {
			ev.Data = map[string]any{"reason": e.Error}
		}
	case session.EventRegistered:
		ev.EventType = model.EventDeviceRegistered
		data := map[string]any{"registration": e.Registration}
		if e.Error != "" {
			ev.Severity = model.SeverityWarning
			data["rejected"] = e.Error
		}
		ev.Data = data
	case session.EventNotification:
		ev.EventType = model.EventNotification
		ev.Data = e.Value
	case session.EventCommandSent:
		ev.EventType = model.EventCommandSent
		ev.Data = map[string]any{"command_id": e.CommandID, "parameters": e.Value}
	case session.EventCommandResult:
		ev.EventType = model.EventCommandResult
		if e.Result != nil {
			ev.Data = model.CommandResultEventData{
				CommandID: e.Result.ID,
				Status:    e.Result.Status,
				Result:    e.Result.Result,
			}
		}
	case session.EventError:
		ev.EventType = model.EventDeviceError
		ev.Severity = model.SeverityError
		ev.Data = model.DeviceErrorEventData{ErrorMessage: e.Error, ErrorTime: e.Time}
	default:
		ev.EventType = model.EventMessage
		ev.Data = e.Value
	}
	return ev
}

// toMessageRecord returns the log entry for e, or nil for link state events
func toMessageRecord(e session.Event) *model.MessageRecord {
	record := &model.MessageRecord{
		ID:        uuid.New(),
		Direction: model.DirectionInbound,
		Intent:    int(e.Intent),
		CreatedAt: e.Time,
	}
	if e.Name != "" {
		name := e.Name
		record.Name = &name
	}
	if e.Error != "" {
		msg := e.Error
		record.Error = &msg
	}

	var payload any
	switch e.Type {
	case session.EventNotification:
		record.Kind = string(engine.KindNotification)
		payload = e.Value
	case session.EventCommandSent:
		record.Direction = model.DirectionOutbound
		record.Kind = string(engine.KindCommand)
		payload = e.Value
	case session.EventCommandResult:
		record.Kind = string(engine.KindCommandResult)
		payload = e.Result
	case session.EventRegistered:
		record.Kind = string(engine.KindRegistration)
		payload = e.Registration
	case session.EventMessage:
		record.Kind = string(engine.KindRaw)
		payload = e.Value
	case session.EventError:
		record.Kind = "error"
	default:
		return nil
	}

	if e.CommandID != 0 {
		id := int64(e.CommandID)
		record.CommandID = &id
	}

	value, err := model.NewJSONValue(payload)
	if err != nil {
		msg := err.Error()
		record.Error = &msg
	}
	record.Payload = value
	return record
}

// CommandReceipt confirms that a command was written to the device
type CommandReceipt struct {
	ID     uint32    `json:"id"`
	Name   string    `json:"name"`
	Intent uint16    `json:"intent"`
	SentAt time.Time `json:"sent_at"`
}

// GatewayStatus is the service status document
type GatewayStatus struct {
	Session session.Status       `json:"session"`
	Device  *engine.Registration `json:"device,omitempty"`
	Policy  string               `json:"registration_policy"`
	Uptime  string               `json:"uptime,omitempty"`
}

// PaginationResult represents pagination information
type PaginationResult struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}
