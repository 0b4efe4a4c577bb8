// internal/repository/message_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"device-gateway/internal/database"
	"device-gateway/internal/model"
)

const messageColumns = `id, direction, kind, intent, name, command_id, payload, error, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// messageRepository implements MessageRepository on PostgreSQL
type messageRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *database.DB, logger *zap.Logger) MessageRepository {
	return &messageRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a message record
func (r *messageRepository) Create(ctx context.Context, message *model.MessageRecord) error {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (
			id, direction, kind, intent, name, command_id, payload, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		message.ID, message.Direction, message.Kind, message.Intent,
		message.Name, message.CommandID, message.Payload, message.Error,
		message.CreatedAt,
	)

	if err != nil {
		r.logger.Error("Failed to create message", zap.Error(err))
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// GetByID retrieves a message by ID
func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	message, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return message, nil
}

// List retrieves messages with filtering and pagination
func (r *messageRepository) List(ctx context.Context, filter *MessageFilter) ([]*model.MessageRecord, int, error) {
	filter.Normalize()
	whereClause, args, argIndex := buildMessageWhere(filter)

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM messages %s", whereClause)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	offset := (filter.Page - 1) * filter.PerPage
	query := fmt.Sprintf(`
		SELECT %s
		FROM messages %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, messageColumns, whereClause, argIndex, argIndex+1)

	args = append(args, filter.PerPage, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// ListByCommand returns the sent command and its result, oldest first
func (r *messageRepository) ListByCommand(ctx context.Context, commandID int64) ([]*model.MessageRecord, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE command_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, commandID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages by command: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// DeleteOlderThan removes old message records
func (r *messageRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM messages WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("Deleted old messages",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Time("older_than", olderThan),
	)

	return rowsAffected, nil
}

func (r *messageRepository) collect(rows *sql.Rows) ([]*model.MessageRecord, error) {
	messages := []*model.MessageRecord{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			r.logger.Error("Failed to scan message row", zap.Error(err))
			continue
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (*model.MessageRecord, error) {
	message := &model.MessageRecord{}
	err := row.Scan(
		&message.ID, &message.Direction, &message.Kind, &message.Intent,
		&message.Name, &message.CommandID, &message.Payload, &message.Error,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return message, nil
}

// buildMessageWhere returns the WHERE clause, its args and the next
// placeholder index
func buildMessageWhere(filter *MessageFilter) (string, []interface{}, int) {
	whereConditions := []string{}
	args := []interface{}{}
	argIndex := 1

	add := func(column string, value interface{}) {
		whereConditions = append(whereConditions, fmt.Sprintf("%s $%d", column, argIndex))
		args = append(args, value)
		argIndex++
	}

	if filter.Direction != nil {
		add("direction =", *filter.Direction)
	}
	if filter.Kind != nil {
		add("kind =", *filter.Kind)
	}
	if filter.Name != nil {
		add("name =", *filter.Name)
	}
	if filter.Intent != nil {
		add("intent =", *filter.Intent)
	}
	if filter.CommandID != nil {
		add("command_id =", *filter.CommandID)
	}
	if filter.StartDate != nil {
		add("created_at >=", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("created_at <=", *filter.EndDate)
	}

	whereClause := ""
	if len(whereConditions) > 0 {
		whereClause = "WHERE " + strings.Join(whereConditions, " AND ")
	}
	return whereClause, args, argIndex
}
