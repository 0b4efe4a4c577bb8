// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"device-gateway/internal/model"

	"github.com/google/uuid"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines message log data access operations
type MessageRepository interface {
	Create(ctx context.Context, message *model.MessageRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.MessageRecord, error)

	// Listing and filtering, newest first
	List(ctx context.Context, filter *MessageFilter) ([]*model.MessageRecord, int, error)
	ListByCommand(ctx context.Context, commandID int64) ([]*model.MessageRecord, error)

	// Cleanup
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// MessageFilter represents message listing filters
type MessageFilter struct {
	Direction *model.Direction `json:"direction,omitempty"`
	Kind      *string          `json:"kind,omitempty"`
	Name      *string          `json:"name,omitempty"`
	Intent    *int             `json:"intent,omitempty"`
	CommandID *int64           `json:"command_id,omitempty"`
	StartDate *time.Time       `json:"start_date,omitempty"`
	EndDate   *time.Time       `json:"end_date,omitempty"`
	Page      int              `json:"page"`
	PerPage   int              `json:"per_page"`
}

const (
	defaultPerPage = 50
	maxPerPage     = 500
)

// Normalize clamps paging values
func (f *MessageFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage <= 0 {
		f.PerPage = defaultPerPage
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}
}

// Matches reports whether m passes every set filter field
func (f *MessageFilter) Matches(m *model.MessageRecord) bool {
	if f.Direction != nil && m.Direction != *f.Direction {
		return false
	}
	if f.Kind != nil && m.Kind != *f.Kind {
		return false
	}
	if f.Name != nil && (m.Name == nil || *m.Name != *f.Name) {
		return false
	}
	if f.Intent != nil && m.Intent != *f.Intent {
		return false
	}
	if f.CommandID != nil && (m.CommandID == nil || *m.CommandID != *f.CommandID) {
		return false
	}
	if f.StartDate != nil && m.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && m.CreatedAt.After(*f.EndDate) {
		return false
	}
	return true
}
