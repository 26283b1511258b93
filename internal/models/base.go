package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BaseModel contains common fields for persisted models
type BaseModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// NewBaseModel returns a BaseModel with a fresh ID
func NewBaseModel() BaseModel {
	return BaseModel{ID: uuid.New(), CreatedAt: time.Now().UTC()}
}

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("unsupported variables type %T", value)
	}
}

// SimDuration is a virtual time offset stored as integer nanoseconds and
// rendered as seconds in JSON.
type SimDuration time.Duration

// Seconds returns the duration in seconds
func (d SimDuration) Seconds() float64 {
	return time.Duration(d).Seconds()
}

// MarshalJSON implements json.Marshaler
func (d SimDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Seconds())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *SimDuration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return err
	}
	*d = SimDuration(secs * float64(time.Second))
	return nil
}
