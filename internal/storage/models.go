package storage

import (
	"encoding/json"
	"time"
)

// Credentials stores the encrypted MELCloud account login.
type Credentials struct {
	ID                int       `json:"id"`
	Email             string    `json:"email"`
	PasswordEncrypted []byte    `json:"-"`
	Language          int       `json:"language"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Session key-value names. Each session field is persisted as its own
// row; the writes are deliberately independent, matching the login
// flow's non-transactional persistence.
const (
	sessionKeyContextKey    = "context_key"
	sessionKeyExpiry        = "context_key_expiry"
	sessionKeyUseFahrenheit = "use_fahrenheit"
)

// DeviceSnapshot is the last observed state of one unit, kept so the
// web surface can answer without a round trip to the cloud.
type DeviceSnapshot struct {
	DeviceID       int       `json:"device_id"`
	BuildingID     int       `json:"building_id"`
	Name           string    `json:"name"`
	SerialNumber   string    `json:"serial_number"`
	Power          bool      `json:"power"`
	RoomTemp       float64   `json:"room_temp"`
	SetTemp        float64   `json:"set_temp"`
	OperationMode  int       `json:"operation_mode"`
	FanSpeed       int       `json:"fan_speed"`
	VaneHorizontal int       `json:"vane_horizontal"`
	VaneVertical   int       `json:"vane_vertical"`
	Offline        bool      `json:"offline"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EventSource identifies what produced a log event
type EventSource string

const (
	EventSourceMELCloud EventSource = "melcloud"
	EventSourceWeb      EventSource = "web"
	EventSourceSystem   EventSource = "system"
)

// EventType classifies a log event
type EventType string

const (
	EventTypeLogin       EventType = "login"
	EventTypeControl     EventType = "control"
	EventTypePoll        EventType = "poll"
	EventTypeCredentials EventType = "credentials"
	EventTypeError       EventType = "error"
	EventTypeInfo        EventType = "info"
)

// EventLog is one recorded event
type EventLog struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    EventSource     `json:"source"`
	EventType EventType       `json:"event_type"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// EventLogFilter narrows event queries
type EventLogFilter struct {
	Source    *EventSource
	EventType *EventType
	Since     *time.Time
	Limit     int
	Offset    int
}
