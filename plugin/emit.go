package plugin

import (
	"encoding/json"

	"github.com/plugwire/plugwire/legacy"
	"github.com/plugwire/plugwire/protocol"
)

// emitter abstracts how streaming chunks and terminal outcomes reach the
// wire, so one dispatch core serves both variants. Exactly one complete or
// fail call ends each request's lifecycle; stream and progress never do.
type emitter interface {
	stream(requestID int64, text string) error
	progress(text string) error
	complete(requestID int64, success bool, data any, keepSession bool) error
	fail(requestID int64, code protocol.ErrorCode, message string) error
}

// rpcEmitter speaks the JSON-RPC notification surface.
type rpcEmitter struct {
	conn *protocol.Conn
}

func (e *rpcEmitter) stream(requestID int64, text string) error {
	return e.conn.SendNotification(protocol.StreamNotification(requestID, text))
}

func (e *rpcEmitter) progress(text string) error {
	// V2 has no separate progress verb; status text rides the stream.
	return e.conn.SendNotification(protocol.StreamNotification(0, text))
}

func (e *rpcEmitter) complete(requestID int64, success bool, data any, keepSession bool) error {
	return e.conn.SendNotification(protocol.CompleteNotification(requestID, success, data, keepSession))
}

func (e *rpcEmitter) fail(requestID int64, code protocol.ErrorCode, message string) error {
	return e.conn.SendNotification(protocol.ErrorNotification(requestID, code, message))
}

// legacyEmitter speaks the original loose-object surface. Correlation is
// implicit, so request ids never hit the wire.
type legacyEmitter struct {
	conn *protocol.Conn
}

func (e *legacyEmitter) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.conn.SendRaw(payload)
}

func (e *legacyEmitter) stream(_ int64, text string) error {
	return e.send(&legacy.Fragment{Message: text})
}

func (e *legacyEmitter) progress(text string) error {
	return e.send(legacy.NewProgress(text))
}

func (e *legacyEmitter) complete(_ int64, success bool, data any, keepSession bool) error {
	return e.send(legacy.ReplyFromOutcome(success, data, keepSession))
}

func (e *legacyEmitter) fail(_ int64, _ protocol.ErrorCode, message string) error {
	return e.send(legacy.FailureReply(message))
}
