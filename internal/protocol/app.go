package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the frame format on the app transport in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with the given event name and payload.
func NewEnvelope(event string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// ParseData unmarshals the payload into the given target.
func (e Envelope) ParseData(target any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, target)
}

// App events (relay → app)
const (
	EventWelcome            = "welcome"
	EventDeviceConnected    = "device_connected"
	EventSensorData         = "sensor_data"
	EventBatteryData        = "battery_data"
	EventCommandStatus      = "command_status"
	EventHeartbeat          = "heartbeat"
	EventModeChange         = "mode_change"
	EventDeviceError        = "device_error"
	EventDeviceLog          = "device_log"
	EventDeviceDisconnected = "device_disconnected"
	EventCommandResult      = "command_result"
	EventNotification       = "notification"
	EventDeviceStatus       = "device_status"
)

// App requests (app → relay)
const (
	RequestCommand    = "command"
	RequestChangeMode = "change_mode"
	RequestBattery    = "request_battery"
)

// Disconnect reasons carried by device_disconnected.
const (
	ReasonHeartbeatTimeout = "heartbeat-timeout"
	ReasonClosed           = "closed"
	ReasonShutdown         = "shutdown"
)

// Notification kinds.
const (
	NotifyInfo    = "info"
	NotifyWarning = "warning"
	NotifyError   = "error"
)

// CommandRequest is sent by an app to issue a command.
type CommandRequest struct {
	Action string `json:"action"`
}

// ChangeModeRequest is sent by an app to switch driving mode.
type ChangeModeRequest struct {
	Mode string `json:"mode"`
}

// ═══════════════════════════════════════════════════════════════════════════
// EVENT PAYLOADS
// ═══════════════════════════════════════════════════════════════════════════

// BatteryStatus is the last-known battery report.
type BatteryStatus struct {
	Voltage       float64   `json:"voltage"`
	Percentage    float64   `json:"percentage"`
	Status        string    `json:"status"`
	PowerSaveMode bool      `json:"powerSaveMode"`
	ConnectionID  string    `json:"connection_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DeviceSummary describes one live device connection.
type DeviceSummary struct {
	ID                 string    `json:"id"`
	RemoteAddr         string    `json:"ip"`
	UserAgent          string    `json:"user_agent,omitempty"`
	ConnectedAt        time.Time `json:"connected_at"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
	Connected          bool      `json:"connected"`
	ConnectionDuration int64     `json:"connection_duration_ms"`
}

// DeviceStatus is the periodic device pool summary.
type DeviceStatus struct {
	Connected bool            `json:"connected"`
	Count     int             `json:"count"`
	Devices   []DeviceSummary `json:"devices"`
	Battery   *BatteryStatus  `json:"battery,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Welcome is sent to each app right after it connects.
type Welcome struct {
	Message      string         `json:"message"`
	ConnectionID string         `json:"connection_id"`
	DeviceStatus DeviceStatus   `json:"device_status"`
	Battery      *BatteryStatus `json:"battery"`
	ServerTime   time.Time      `json:"server_time"`
}

// CommandOutcome is the execution part of a command_result.
type CommandOutcome struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CommandResult summarizes either a dispatch (Result nil) or a reported
// execution (Result set).
type CommandResult struct {
	CommandID       string          `json:"command_id"`
	Action          string          `json:"action"`
	IssuerName      string          `json:"user_name,omitempty"`
	Accepted        bool            `json:"accepted"`
	Pushed          bool            `json:"pushed"`
	Delivered       int             `json:"delivered"`
	DeviceConnected bool            `json:"device_connected"`
	Message         string          `json:"message"`
	Result          *CommandOutcome `json:"result,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Notification is an operator-facing message.
type Notification struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DeviceDisconnected is broadcast once per removed device connection.
type DeviceDisconnected struct {
	ConnectionID   string    `json:"connection_id"`
	Reason         string    `json:"reason"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	Message        string    `json:"message"`
}
