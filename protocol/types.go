// Package protocol implements the JSON-RPC 2.0 message model and the
// engine that owns one duplex channel to the host.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version reported during initialize.
const Version = "2.0"

// Request methods, host to plugin.
const (
	MethodPing       = "ping"
	MethodInitialize = "initialize"
	MethodExecute    = "execute"
	MethodInput      = "input"
	MethodShutdown   = "shutdown"
)

// Notification methods, plugin to host.
const (
	MethodStream   = "stream"
	MethodLog      = "log"
	MethodComplete = "complete"
	MethodError    = "error"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603

	CodePluginError ErrorCode = -1
	CodeTimeout     ErrorCode = -2
	CodeRateLimited ErrorCode = -3
)

// LogLevel names accepted by log notifications.
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// ChatMessage is one turn of conversation history forwarded by the host
// alongside an execute request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a JSON-RPC 2.0 request from the host. A nil ID marks a
// notification, which never receives a response.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      *int64         `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// NewRequest builds a request expecting a response.
func NewRequest(id int64, method string, params map[string]any) *Request {
	return &Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

// IsNotification reports whether no response is expected.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// StringParam returns a string-valued parameter, or "" if absent.
func (r *Request) StringParam(key string) string {
	if r.Params == nil {
		return ""
	}
	s, _ := r.Params[key].(string)
	return s
}

// ErrorObject is the error member of a failed response.
type ErrorObject struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Err is
// populated; use Success or MakeError rather than constructing directly.
type Response struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      int64        `json:"id"`
	Result  any          `json:"result,omitempty"`
	Err     *ErrorObject `json:"error,omitempty"`
}

// Success builds a successful response carrying result.
func Success(id int64, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// MakeError builds a failed response.
func MakeError(id int64, code ErrorCode, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Err: &ErrorObject{Code: code, Message: message}}
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Err != nil
}

// Notification is a JSON-RPC 2.0 notification from the plugin: streaming
// chunks, completion signals, errors and log lines.
type Notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// NewNotification builds a notification.
func NewNotification(method string, params map[string]any) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// StreamNotification reports a partial result for an in-flight request.
func StreamNotification(requestID int64, data string) *Notification {
	return NewNotification(MethodStream, map[string]any{
		"request_id": requestID,
		"data":       data,
	})
}

// CompleteNotification is the terminal success signal for a request.
// keepSession asks the host to tether subsequent user input to the plugin.
func CompleteNotification(requestID int64, success bool, data any, keepSession bool) *Notification {
	return NewNotification(MethodComplete, map[string]any{
		"request_id":   requestID,
		"success":      success,
		"data":         data,
		"keep_session": keepSession,
	})
}

// ErrorNotification is the terminal failure signal for a request.
func ErrorNotification(requestID int64, code ErrorCode, message string) *Notification {
	return NewNotification(MethodError, map[string]any{
		"request_id": requestID,
		"code":       int(code),
		"message":    message,
	})
}

// LogNotification forwards a plugin log line to the host.
func LogNotification(level, message string) *Notification {
	return NewNotification(MethodLog, map[string]any{
		"level":   level,
		"message": message,
	})
}

// ParseRequest decodes one inbound frame into a Request.
func ParseRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformed)
	}
	return &req, nil
}
