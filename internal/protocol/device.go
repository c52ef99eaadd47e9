// Package protocol defines the wire formats of both transports: the raw JSON
// frames exchanged with the car controller and the named-event envelope
// exchanged with operator apps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedFrame is returned when an inbound device frame cannot be parsed.
var ErrMalformedFrame = errors.New("malformed device frame")

// Kind identifies the variant of an inbound device frame.
type Kind string

// Inbound frame kinds (device → relay)
const (
	KindDeviceInfo      Kind = "device_info"
	KindSensor          Kind = "sensor"
	KindBattery         Kind = "battery"
	KindExecutionStatus Kind = "command_status"
	KindHeartbeat       Kind = "heartbeat"
	KindModeChange      Kind = "mode_change"
	KindError           Kind = "error"
	KindLog             Kind = "log"
	KindUnknown         Kind = "unknown"
)

// Outbound frame types (relay → device)
const (
	TypeCommand             = "command"
	TypeConnectionConfirmed = "connection_confirmed"
	TypePing                = "ping"
)

// typeAliases maps wire tags onto kinds where the firmware uses more than one.
var typeAliases = map[string]Kind{
	"telemetry": KindSensor,
}

// Frame is one parsed inbound device frame.
type Frame interface {
	Kind() Kind
	// Fields returns the decoded JSON object as sent by the device.
	Fields() map[string]any
}

type base struct {
	fields map[string]any
}

func (b base) Fields() map[string]any { return b.fields }

// DeviceInfo is sent once by the firmware after connecting.
type DeviceInfo struct {
	base
	Device   string
	Firmware string
}

// Sensor carries periodic sensor readings (distance, mode, ...).
type Sensor struct {
	base
	Data map[string]any
}

// Battery is a battery report. Fields may be top-level or nested in data.
type Battery struct {
	base
	Voltage       float64
	Percentage    float64
	Status        string
	PowerSaveMode bool
}

// ExecutionStatus reports the outcome of a pushed command. CommandID is set
// when the firmware echoes the id of the command frame.
type ExecutionStatus struct {
	base
	CommandID string
	Command   string
	Status    string
	Message   string
}

// Succeeded reports whether the status denotes a successful execution.
func (e *ExecutionStatus) Succeeded() bool {
	switch e.Status {
	case "ok", "success", "executed", "done":
		return true
	}
	return false
}

// Heartbeat is the device liveness signal.
type Heartbeat struct {
	base
}

// ModeChange reports a switch between manual and autonomous driving.
type ModeChange struct {
	base
	Mode string
}

// ErrorReport is a device-side error.
type ErrorReport struct {
	base
	Message string
}

// LogLine is a free-form log line forwarded from the firmware.
type LogLine struct {
	base
	Level   string
	Message string
}

// Unknown is a well-formed frame whose type tag is not recognized.
type Unknown struct {
	base
	Type string
}

func (*DeviceInfo) Kind() Kind      { return KindDeviceInfo }
func (*Sensor) Kind() Kind          { return KindSensor }
func (*Battery) Kind() Kind         { return KindBattery }
func (*ExecutionStatus) Kind() Kind { return KindExecutionStatus }
func (*Heartbeat) Kind() Kind       { return KindHeartbeat }
func (*ModeChange) Kind() Kind      { return KindModeChange }
func (*ErrorReport) Kind() Kind     { return KindError }
func (*LogLine) Kind() Kind         { return KindLog }
func (*Unknown) Kind() Kind         { return KindUnknown }

// ParseFrame decodes a raw device frame into its variant. Frames that are not
// a JSON object with a string type tag yield ErrMalformedFrame; unrecognized
// tags yield *Unknown. Fields a variant does not read are never validated.
func ParseFrame(raw []byte) (Frame, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	tag, _ := fields["type"].(string)
	if tag == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	b := base{fields: fields}
	kind := Kind(tag)
	if alias, ok := typeAliases[tag]; ok {
		kind = alias
	}

	switch kind {
	case KindDeviceInfo:
		return &DeviceInfo{base: b, Device: str(fields, "device"), Firmware: str(fields, "firmware")}, nil

	case KindSensor:
		data, _ := fields["data"].(map[string]any)
		return &Sensor{base: b, Data: data}, nil

	case KindBattery:
		return parseBattery(b), nil

	case KindExecutionStatus:
		return &ExecutionStatus{
			base:      b,
			CommandID: idString(fields["id"]),
			Command:   str(fields, "command"),
			Status:    str(fields, "status"),
			Message:   str(fields, "message"),
		}, nil

	case KindHeartbeat:
		return &Heartbeat{base: b}, nil

	case KindModeChange:
		return &ModeChange{base: b, Mode: str(fields, "mode")}, nil

	case KindError:
		return &ErrorReport{base: b, Message: str(fields, "message")}, nil

	case KindLog:
		return &LogLine{base: b, Level: str(fields, "level"), Message: str(fields, "message")}, nil
	}

	return &Unknown{base: b, Type: tag}, nil
}

// parseBattery reads voltage and percentage from the top level, falling back
// to the nested data object when neither is present there.
func parseBattery(b base) *Battery {
	src := b.fields
	_, hasV := src["voltage"].(float64)
	_, hasP := src["percentage"].(float64)
	if !hasV && !hasP {
		if nested, ok := src["data"].(map[string]any); ok {
			src = nested
		}
	}

	bat := &Battery{base: b, Status: str(src, "status")}
	bat.Voltage, _ = src["voltage"].(float64)
	bat.Percentage, _ = src["percentage"].(float64)
	bat.PowerSaveMode, _ = src["powerSaveMode"].(bool)
	return bat
}

// str returns m[key] when it is a string, or "".
func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// idString normalizes a JSON id that firmware may send as string or number.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════
// OUTBOUND FRAMES
// ═══════════════════════════════════════════════════════════════════════════

// CommandFrame instructs the device to perform an action.
type CommandFrame struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"` // server time, unix millis
	ID        string `json:"id"`
}

// NewCommandFrame builds a command frame stamped with the server clock.
func NewCommandFrame(action, id string, at time.Time) CommandFrame {
	return CommandFrame{
		Type:      TypeCommand,
		Action:    action,
		Timestamp: at.UnixMilli(),
		ID:        id,
	}
}

// NetworkInfo describes the device link as seen by the relay.
type NetworkInfo struct {
	ClientIP   string `json:"clientIP"`
	ServerPort int    `json:"serverPort,omitempty"`
}

// ConnectionConfirmed is sent to the device right after accept.
type ConnectionConfirmed struct {
	Type        string      `json:"type"`
	ClientID    string      `json:"clientId"`
	ServerTime  string      `json:"serverTime"`
	NetworkInfo NetworkInfo `json:"networkInfo"`
}

// NewConnectionConfirmed builds the accept confirmation for a device.
func NewConnectionConfirmed(clientID string, info NetworkInfo, at time.Time) ConnectionConfirmed {
	return ConnectionConfirmed{
		Type:        TypeConnectionConfirmed,
		ClientID:    clientID,
		ServerTime:  at.UTC().Format(time.RFC3339Nano),
		NetworkInfo: info,
	}
}

// Ping is an application-level ping sent to devices on request.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPing builds a ping frame.
func NewPing(at time.Time) Ping {
	return Ping{Type: TypePing, Timestamp: at.UnixMilli()}
}
