package legacy

import (
	"github.com/plugwire/plugwire/protocol"
)

// The adapter maps legacy records onto the internal JSON-RPC model so the
// runtime carries one dispatch stack. Correlation is implicit on the legacy
// wire, so the synthetic request ids assigned here never leave the process.

// ToRequest translates an inbound legacy record into the equivalent
// internal request. Returns nil for records with no request semantics.
func (c *Command) ToRequest(id int64) *protocol.Request {
	switch c.Kind() {
	case KindToolCalls:
		call := c.ToolCalls[0]
		params := map[string]any{
			"function":  call.Func,
			"arguments": call.Params,
		}
		if len(c.Messages) > 0 {
			ctx := make([]any, 0, len(c.Messages))
			for _, m := range c.Messages {
				ctx = append(ctx, map[string]any{"role": m.Role, "content": m.Content})
			}
			params["context"] = ctx
		}
		if len(c.SystemInfo) > 0 {
			params["system_info"] = c.SystemInfo
		}
		return protocol.NewRequest(id, protocol.MethodExecute, params)
	case KindUserInput:
		return protocol.NewRequest(id, protocol.MethodInput, map[string]any{
			"content": c.Content,
		})
	case KindTerminate:
		return protocol.NewRequest(id, protocol.MethodShutdown, map[string]any{
			"reason": c.Reason,
		})
	default:
		return nil
	}
}

// ReplyFromOutcome translates a terminal outcome into the legacy reply
// object. data is rendered with the same rules the engine applies to
// complete notifications: strings pass through, everything else is dropped
// in favor of the empty message (legacy hosts display message verbatim).
func ReplyFromOutcome(success bool, data any, keepSession bool) *Reply {
	msg, _ := data.(string)
	if !success {
		return FailureReply(msg)
	}
	return SuccessReply(msg, keepSession)
}
