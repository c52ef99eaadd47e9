// Package command defines the control vocabulary accepted by the car and the
// persisted record of each issued instruction.
//
// A Command is immutable once created except for its execution fields, which
// move from unset to set exactly once (device acknowledgment, a report on the
// pull path, or expiry).
package command

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidAction is returned for actions outside the fixed vocabulary.
var ErrInvalidAction = errors.New("invalid command action")

// Action is a single control instruction understood by the car firmware.
type Action string

const (
	Forward   Action = "forward"
	Backward  Action = "backward"
	Left      Action = "left"
	Right     Action = "right"
	Stop      Action = "stop"
	Auto      Action = "auto"
	AutoOn    Action = "auto_on"
	AutoOff   Action = "auto_off"
	Manual    Action = "manual"
	ManualOn  Action = "manual_on"
	ManualOff Action = "manual_off"
)

// vocabulary keeps declaration order for Actions().
var vocabulary = []Action{
	Forward, Backward, Left, Right, Stop,
	Auto, AutoOn, AutoOff,
	Manual, ManualOn, ManualOff,
}

var descriptions = map[Action]string{
	Forward:  "Car moving forward",
	Backward: "Car moving backward",
	Left:     "Car turning left",
	Right:    "Car turning right",
	Stop:     "Car stopped",
	Auto:     "Autonomous mode enabled",
	Manual:   "Manual mode enabled",
}

// Actions returns the full command vocabulary.
func Actions() []Action {
	out := make([]Action, len(vocabulary))
	copy(out, vocabulary)
	return out
}

// ParseAction validates s against the vocabulary. Matching is exact.
func ParseAction(s string) (Action, error) {
	for _, a := range vocabulary {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Valid reports whether a belongs to the vocabulary.
func (a Action) Valid() bool {
	_, err := ParseAction(string(a))
	return err == nil
}

// Describe returns an operator-facing description of the action.
func Describe(a Action) string {
	if d, ok := descriptions[a]; ok {
		return d
	}
	return "Operator sent command: " + string(a)
}

// Command is one control instruction issued to the device.
type Command struct {
	ID         string     `json:"id"`
	IssuerID   string     `json:"user_id"`
	IssuerName string     `json:"user_name"`
	Action     Action     `json:"action"`
	CreatedAt  time.Time  `json:"timestamp"`
	Executed   bool       `json:"executed"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	Response   string     `json:"response,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Pending reports whether the device has not yet reported execution.
func (c *Command) Pending() bool {
	return !c.Executed
}

// Report is the execution outcome reported for a command.
type Report struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Normalize drops the field that does not apply to the outcome: a successful
// report carries no error text, a failed one carries no response.
func (r Report) Normalize() Report {
	if r.Success {
		r.Error = ""
	} else {
		r.Response = ""
	}
	return r
}
