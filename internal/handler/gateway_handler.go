// internal/handler/gateway_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"device-gateway/internal/model"
	"device-gateway/internal/protocol/engine"
	"device-gateway/internal/protocol/serializer"
	"device-gateway/internal/repository"
	"device-gateway/internal/service"
	"device-gateway/internal/session"
	"device-gateway/internal/transport"
	"device-gateway/internal/utils"
)

// Gateway is the service surface used by the HTTP and WebSocket handlers
type Gateway interface {
	SendCommand(ctx context.Context, name string, params any) (*service.CommandReceipt, error)
	Schema() session.Schema
	Status() *service.GatewayStatus
	IsConnected() bool
	ListMessages(ctx context.Context, filter *repository.MessageFilter) ([]*model.MessageRecord, *service.PaginationResult, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*model.MessageRecord, error)
	CommandHistory(ctx context.Context, id uint32) ([]*model.MessageRecord, error)
	ListPorts() ([]transport.SerialPort, error)
	ListUSBDevices() ([]transport.USBDevice, error)
}

// GatewayHandler handles device schema, command and message log requests
type GatewayHandler struct {
	gateway        Gateway
	commandTimeout time.Duration
	logger         *utils.ServiceLogger
}

// NewGatewayHandler creates a new gateway handler
func NewGatewayHandler(gateway Gateway, commandTimeout time.Duration, logger *zap.Logger) *GatewayHandler {
	if commandTimeout <= 0 {
		commandTimeout = 10 * time.Second
	}
	return &GatewayHandler{
		gateway:        gateway,
		commandTimeout: commandTimeout,
		logger:         utils.NewServiceLogger(logger, "gateway-handler"),
	}
}

// RegisterRoutes registers gateway routes
func (h *GatewayHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/status", h.GetStatus)
	router.GET("/schema", h.GetSchema)
	router.GET("/schema/commands/:name", h.GetCommandSchema)
	router.POST("/commands/:name", h.SendCommand)
	router.GET("/commands/:id/history", h.GetCommandHistory)
	router.GET("/messages", h.ListMessages)
	router.GET("/messages/:id", h.GetMessage)
	router.GET("/ports", h.ListPorts)
	router.GET("/usb-devices", h.ListUSBDevices)
}

// GetStatus returns link and registration state
// @Summary Gateway status
// @Description Link state, transport counters and the registered device
// @Tags Gateway
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.GatewayStatus}
// @Router /api/v1/status [get]
func (h *GatewayHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Gateway status", h.gateway.Status())
}

// GetSchema returns the learned commands and notifications
// @Summary Device schema
// @Description Commands and notifications announced by the device during registration
// @Tags Gateway
// @Produce json
// @Success 200 {object} utils.APIResponse{data=session.Schema}
// @Router /api/v1/schema [get]
func (h *GatewayHandler) GetSchema(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Device schema", h.gateway.Schema())
}

// GetCommandSchema returns one command's layout
// @Summary Command schema
// @Tags Gateway
// @Produce json
// @Param name path string true "Command name"
// @Success 200 {object} utils.APIResponse{data=engine.Schema}
// @Failure 404 {object} utils.APIResponse
// @Router /api/v1/schema/commands/{name} [get]
func (h *GatewayHandler) GetCommandSchema(c *gin.Context) {
	name := c.Param("name")
	for _, cmd := range h.gateway.Schema().Commands {
		if cmd.Name == name {
			utils.SuccessResponse(c, http.StatusOK, "Command schema", cmd)
			return
		}
	}
	utils.ErrorResponse(c, http.StatusNotFound, "Command not found", fmt.Errorf("%w: %s", engine.ErrUnknownCommand, name))
}

// SendCommand sends a command to the device. The request body is the
// command's parameters value and may be empty.
// @Summary Send command
// @Tags Gateway
// @Accept json
// @Produce json
// @Param name path string true "Command name"
// @Param parameters body object false "Command parameters"
// @Success 202 {object} utils.APIResponse{data=service.CommandReceipt}
// @Failure 400 {object} utils.APIResponse
// @Failure 404 {object} utils.APIResponse
// @Failure 422 {object} utils.APIResponse
// @Failure 503 {object} utils.APIResponse
// @Router /api/v1/commands/{name} [post]
func (h *GatewayHandler) SendCommand(c *gin.Context) {
	name := c.Param("name")

	var params any
	if err := decodeJSON(c.Request.Body, &params); err != nil && !errors.Is(err, io.EOF) {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid command parameters", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.commandTimeout)
	defer cancel()

	receipt, err := h.gateway.SendCommand(ctx, name, params)
	if err != nil {
		status := commandErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to send command", zap.String("command", name), zap.Error(err))
		}
		utils.ErrorResponse(c, status, "Failed to send command", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Command sent", receipt)
}

// GetCommandHistory returns the logged command and its result
// @Summary Command history
// @Tags Gateway
// @Produce json
// @Param id path int true "Command id"
// @Success 200 {object} utils.APIResponse{data=[]model.MessageRecord}
// @Router /api/v1/commands/{id}/history [get]
func (h *GatewayHandler) GetCommandHistory(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid command id", err)
		return
	}

	messages, err := h.gateway.CommandHistory(c.Request.Context(), uint32(id))
	if err != nil {
		h.logger.Error("Failed to get command history", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get command history", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command history retrieved successfully", messages)
}

// ListMessages lists logged messages
// @Summary List messages
// @Description Message log with filtering and pagination, newest first
// @Tags Messages
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param per_page query int false "Items per page" default(50)
// @Param direction query string false "Direction" Enums(IN, OUT)
// @Param kind query string false "Message kind"
// @Param name query string false "Command or notification name"
// @Param intent query int false "Intent"
// @Param start_date query string false "Start date filter (RFC3339)"
// @Param end_date query string false "End date filter (RFC3339)"
// @Success 200 {object} utils.APIResponse{data=object{messages=[]model.MessageRecord,pagination=service.PaginationResult}}
// @Router /api/v1/messages [get]
func (h *GatewayHandler) ListMessages(c *gin.Context) {
	filter, validation := parseMessageFilter(c)
	if len(validation) > 0 {
		utils.ValidationErrorResponse(c, validation)
		return
	}

	messages, pagination, err := h.gateway.ListMessages(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list messages", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list messages", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Messages retrieved successfully", gin.H{
		"messages":   messages,
		"pagination": pagination,
	})
}

// GetMessage returns one logged message
// @Summary Get message
// @Tags Messages
// @Produce json
// @Param id path string true "Message id"
// @Success 200 {object} utils.APIResponse{data=model.MessageRecord}
// @Failure 404 {object} utils.APIResponse
// @Router /api/v1/messages/{id} [get]
func (h *GatewayHandler) GetMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid message id", err)
		return
	}

	message, err := h.gateway.GetMessage(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			utils.ErrorResponse(c, http.StatusNotFound, "Message not found", err)
			return
		}
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get message", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Message retrieved successfully", message)
}

// ListPorts enumerates serial ports
// @Summary List serial ports
// @Tags Gateway
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]transport.SerialPort}
// @Router /api/v1/ports [get]
func (h *GatewayHandler) ListPorts(c *gin.Context) {
	ports, err := h.gateway.ListPorts()
	if err != nil {
		h.logger.Error("Failed to list serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Serial ports", ports)
}

// ListUSBDevices enumerates USB devices
// @Summary List USB devices
// @Description Vendor and product ids usable in the usb transport configuration
// @Tags Gateway
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]transport.USBDevice}
// @Failure 500 {object} utils.APIResponse
// @Router /api/v1/usb-devices [get]
func (h *GatewayHandler) ListUSBDevices(c *gin.Context) {
	devices, err := h.gateway.ListUSBDevices()
	if err != nil {
		h.logger.Error("Failed to list USB devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list USB devices", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "USB devices", devices)
}

func parseMessageFilter(c *gin.Context) (*repository.MessageFilter, map[string]string) {
	filter := &repository.MessageFilter{Page: 1}
	validation := map[string]string{}

	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil && p > 0 {
			filter.Page = p
		} else {
			validation["page"] = "must be a positive integer"
		}
	}
	if perPage := c.Query("per_page"); perPage != "" {
		if pp, err := strconv.Atoi(perPage); err == nil && pp > 0 {
			filter.PerPage = pp
		} else {
			validation["per_page"] = "must be a positive integer"
		}
	}
	if direction := c.Query("direction"); direction != "" {
		d := model.Direction(direction)
		if d != model.DirectionInbound && d != model.DirectionOutbound {
			validation["direction"] = "must be IN or OUT"
		}
		filter.Direction = &d
	}
	if kind := c.Query("kind"); kind != "" {
		filter.Kind = &kind
	}
	if name := c.Query("name"); name != "" {
		filter.Name = &name
	}
	if intent := c.Query("intent"); intent != "" {
		if i, err := strconv.ParseUint(intent, 10, 16); err == nil {
			v := int(i)
			filter.Intent = &v
		} else {
			validation["intent"] = "must be an integer between 0 and 65535"
		}
	}
	if startDate := c.Query("start_date"); startDate != "" {
		if date, err := time.Parse(time.RFC3339, startDate); err == nil {
			filter.StartDate = &date
		} else {
			validation["start_date"] = "must be RFC3339"
		}
	}
	if endDate := c.Query("end_date"); endDate != "" {
		if date, err := time.Parse(time.RFC3339, endDate); err == nil {
			filter.EndDate = &date
		} else {
			validation["end_date"] = "must be RFC3339"
		}
	}

	filter.Normalize()
	return filter, validation
}

// commandErrorStatus maps send failures to HTTP status codes
func commandErrorStatus(err error) int {
	var fieldErr *serializer.FieldError
	switch {
	case errors.Is(err, engine.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.As(err, &fieldErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes one JSON value keeping numbers exact
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}
