// Package legacy models the original ad hoc wire records used by the first
// generation of plugins: a tool_calls batch inbound, loose success/message
// objects outbound, no request correlation. The dispatch semantics are the
// same as the JSON-RPC protocol, so this package only translates shapes at
// the boundary; it does not duplicate the dispatch stack.
package legacy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plugwire/plugwire/protocol"
)

// Inbound msg_type values.
const (
	MsgUserInput = "user_input"
	MsgTerminate = "terminate"
)

// Kind classifies an inbound legacy record.
type Kind int

const (
	KindUnknown Kind = iota
	KindToolCalls
	KindUserInput
	KindTerminate
)

// ToolCall names one command invocation inside a batch.
type ToolCall struct {
	Func   string         `json:"func"`
	Params map[string]any `json:"params,omitempty"`
}

// Command is the inbound legacy record. Exactly one of the three shapes is
// populated: a tool_calls batch, a user_input message, or a terminate
// message.
type Command struct {
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	Messages   []protocol.ChatMessage `json:"messages,omitempty"`
	SystemInfo map[string]any         `json:"system_info,omitempty"`

	MsgType string `json:"msg_type,omitempty"`
	Content string `json:"content,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ParseCommand decodes one inbound legacy frame.
func ParseCommand(payload []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("legacy: malformed command: %w", err)
	}
	return &cmd, nil
}

// Kind classifies the record.
func (c *Command) Kind() Kind {
	switch {
	case len(c.ToolCalls) > 0:
		return KindToolCalls
	case c.MsgType == MsgUserInput:
		return KindUserInput
	case c.MsgType == MsgTerminate:
		return KindTerminate
	default:
		return KindUnknown
	}
}

// Reply is the terminal outbound record. Exactly one Reply ends each
// inbound batch's lifecycle; Success is always serialized so the host can
// tell it apart from streaming fragments.
type Reply struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	AwaitingInput bool   `json:"awaiting_input"`
}

// SuccessReply builds a terminal success.
func SuccessReply(message string, awaitingInput bool) *Reply {
	return &Reply{Success: true, Message: message, AwaitingInput: awaitingInput}
}

// FailureReply builds a terminal failure.
func FailureReply(message string) *Reply {
	return &Reply{Success: false, Message: message}
}

// Fragment is a bare streaming chunk. It carries no success member and
// must never be treated as terminal.
type Fragment struct {
	Message string `json:"message"`
}

// Progress is a non-terminal status update.
type Progress struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewProgress builds an in_progress update.
func NewProgress(message string) *Progress {
	return &Progress{Status: "in_progress", Message: message}
}

// Heartbeat is the out-of-band liveness signal.
type Heartbeat struct {
	Type      string  `json:"type"`
	State     string  `json:"state,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// NewHeartbeat builds a heartbeat record stamped with the wall clock.
func NewHeartbeat(state string) *Heartbeat {
	return &Heartbeat{
		Type:      "heartbeat",
		State:     state,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// StateChange announces a plugin state transition out of band.
type StateChange struct {
	Type     string `json:"type"`
	NewState string `json:"new_state"`
}

// NewStateChange builds a state_change record.
func NewStateChange(state string) *StateChange {
	return &StateChange{Type: "state_change", NewState: state}
}

// IsTerminal reports whether a raw outbound object would end a command's
// lifecycle: only objects carrying a success member are terminal.
func IsTerminal(payload []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	_, ok := probe["success"]
	return ok
}
