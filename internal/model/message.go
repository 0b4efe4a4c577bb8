// internal/model/message.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message came from or went to the device
type Direction string

const (
	DirectionInbound  Direction = "IN"
	DirectionOutbound Direction = "OUT"
)

// JSONValue holds any JSON document for PostgreSQL JSONB columns
type JSONValue []byte

// NewJSONValue marshals v
func NewJSONValue(v any) (JSONValue, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return JSONValue(b), nil
}

func (j *JSONValue) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONValue(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONValue", value)
	}
	return nil
}

func (j JSONValue) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j JSONValue) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONValue) UnmarshalJSON(b []byte) error {
	*j = append((*j)[:0], b...)
	return nil
}

// MessageRecord is one logged frame exchanged with the device
type MessageRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Direction Direction `json:"direction" db:"direction"`
	Kind      string    `json:"kind" db:"kind"`
	Intent    int       `json:"intent" db:"intent"`
	Name      *string   `json:"name,omitempty" db:"name"`
	CommandID *int64    `json:"command_id,omitempty" db:"command_id"`
	Payload   JSONValue `json:"payload" db:"payload"`
	Error     *string   `json:"error,omitempty" db:"error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
