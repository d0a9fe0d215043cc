package plugin

import (
	"github.com/plugwire/plugwire/logger"
	"github.com/plugwire/plugwire/protocol"
)

// Call is the invocation context handed to every handler. Handlers
// destructure only the fields they need; there is no reflective argument
// binding.
type Call struct {
	// Arguments holds the structured command parameters.
	Arguments map[string]any

	// Context is the conversation history the host chose to forward.
	Context []protocol.ChatMessage

	// SystemInfo carries host-provided metadata (game, GPU, locale...).
	SystemInfo map[string]any

	// Content is the raw user text; set only for input-handler calls.
	Content string

	requestID   int64
	emit        emitter
	keepSession bool
}

// StringArg returns a string argument by name, or "" if absent.
func (c *Call) StringArg(name string) string {
	if c.Arguments == nil {
		return ""
	}
	s, _ := c.Arguments[name].(string)
	return s
}

// Stream sends one non-terminal chunk of output immediately. Chunks are
// flushed in call order; none of them ends the command's lifecycle.
func (c *Call) Stream(text string) {
	if c.emit == nil {
		logger.Warn("stream called outside command execution")
		return
	}
	if err := c.emit.stream(c.requestID, text); err != nil {
		logger.Error("stream write failed", "err", err)
	}
}

// Progress sends a non-terminal status update ("Fetching quotes...").
func (c *Call) Progress(text string) {
	if c.emit == nil {
		return
	}
	if err := c.emit.progress(text); err != nil {
		logger.Error("progress write failed", "err", err)
	}
}

// KeepSession asks the host to tether the next user message to this plugin
// instead of re-routing it through intent classification.
func (c *Call) KeepSession(keep bool) {
	c.keepSession = keep
}
