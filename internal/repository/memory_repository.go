// internal/repository/memory_repository.go
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"device-gateway/internal/model"
)

// memoryRepository keeps the most recent messages in process memory. It is
// used when the database is disabled.
type memoryRepository struct {
	mu       sync.RWMutex
	messages []*model.MessageRecord // oldest first
	capacity int
}

// NewMemoryRepository creates a bounded in-memory message log
func NewMemoryRepository(capacity int) MessageRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	return &memoryRepository{capacity: capacity}
}

func (r *memoryRepository) Create(ctx context.Context, message *model.MessageRecord) error {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	copied := *message
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, &copied)
	if over := len(r.messages) - r.capacity; over > 0 {
		r.messages = append(r.messages[:0:0], r.messages[over:]...)
	}
	return nil
}

func (r *memoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages {
		if m.ID == id {
			copied := *m
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func (r *memoryRepository) List(ctx context.Context, filter *MessageFilter) ([]*model.MessageRecord, int, error) {
	filter.Normalize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*model.MessageRecord
	for i := len(r.messages) - 1; i >= 0; i-- {
		if filter.Matches(r.messages[i]) {
			matched = append(matched, r.messages[i])
		}
	}

	total := len(matched)
	start := (filter.Page - 1) * filter.PerPage
	if start >= total {
		return []*model.MessageRecord{}, total, nil
	}
	end := start + filter.PerPage
	if end > total {
		end = total
	}

	page := make([]*model.MessageRecord, 0, end-start)
	for _, m := range matched[start:end] {
		copied := *m
		page = append(page, &copied)
	}
	return page, total, nil
}

func (r *memoryRepository) ListByCommand(ctx context.Context, commandID int64) ([]*model.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*model.MessageRecord{}
	for _, m := range r.messages {
		if m.CommandID != nil && *m.CommandID == commandID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memoryRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.messages[:0]
	var deleted int64
	for _, m := range r.messages {
		if m.CreatedAt.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(r.messages); i++ {
		r.messages[i] = nil
	}
	r.messages = kept
	return deleted, nil
}
