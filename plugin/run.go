package plugin

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/plugwire/plugwire/heartbeat"
	"github.com/plugwire/plugwire/legacy"
	"github.com/plugwire/plugwire/logger"
	"github.com/plugwire/plugwire/protocol"
	"github.com/plugwire/plugwire/wire"
)

// RunStdio runs the JSON-RPC loop over the process's standard pipes with
// sentinel framing. This is how a production plugin binary starts.
func (p *Plugin) RunStdio() error {
	return p.Run(protocol.NewStdio(os.Stdin, os.Stdout))
}

// RunLegacyStdio runs the legacy-variant loop over the standard pipes with
// bare chunked framing, for hosts that predate the sentinel protocol.
func (p *Plugin) RunLegacyStdio() error {
	return p.RunLegacy(protocol.NewConn(wire.NewChunkFramer(os.Stdin, os.Stdout)))
}

// Run executes the JSON-RPC main loop until shutdown or until the read
// failure budget is exhausted. Single-threaded: requests are dispatched in
// arrival order and handlers run to completion on this goroutine; only the
// heartbeat ticks concurrently.
func (p *Plugin) Run(conn *protocol.Conn) error {
	p.start(conn, &rpcEmitter{conn: conn})
	defer p.hb.Stop()

	logger.Info("plugin starting", "plugin", p.cfg.Name, "version", p.cfg.Version, "protocol", protocol.Version)

	failures := 0
	for p.running {
		req, err := conn.ReadRequest()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				// The channel itself is fine; drop the message and move on.
				failures = 0
				continue
			}
			failures++
			logger.Error("channel read failed", "err", err, "consecutive", failures)
			if failures >= maxReadFailures {
				logger.Error("read failure budget exhausted, exiting")
				return fmt.Errorf("plugin: channel lost: %w", err)
			}
			continue
		}
		failures = 0
		p.handleRequest(req)
	}

	logger.Info("plugin stopped", "plugin", p.cfg.Name)
	return nil
}

// RunLegacy executes the legacy-variant main loop: tool_calls batches and
// user_input records in, loose success/message objects out. The dispatch
// state machine is identical to Run; only the shapes differ.
func (p *Plugin) RunLegacy(conn *protocol.Conn) error {
	p.start(conn, &legacyEmitter{conn: conn})
	defer p.hb.Stop()

	logger.Info("plugin starting", "plugin", p.cfg.Name, "version", p.cfg.Version, "protocol", "legacy")

	failures := 0
	for p.running {
		payload, err := conn.ReadRaw()
		if err != nil {
			failures++
			logger.Error("channel read failed", "err", err, "consecutive", failures)
			if failures >= maxReadFailures {
				logger.Error("read failure budget exhausted, exiting")
				return fmt.Errorf("plugin: channel lost: %w", err)
			}
			continue
		}
		failures = 0

		cmd, err := legacy.ParseCommand(payload)
		if err != nil {
			logger.Error("malformed inbound message", "err", err)
			continue
		}
		p.handleLegacy(cmd)
	}

	logger.Info("plugin stopped", "plugin", p.cfg.Name)
	return nil
}

func (p *Plugin) start(conn *protocol.Conn, emit emitter) {
	p.conn = conn
	p.emit = emit
	p.hb = heartbeat.New(conn)
	p.running = true
}

// ----------------------------------------------------------------------------
// JSON-RPC routing

func (p *Plugin) handleRequest(req *protocol.Request) {
	id := requestID(req)
	logger.Debug("request received", "method", req.Method, "id", id)

	switch req.Method {
	case protocol.MethodPing:
		// Answered immediately, before any other work, so the host can
		// tell a hung process from a busy one.
		p.respond(req, protocol.Success(id, map[string]any{
			"timestamp": req.Params["timestamp"],
		}))

	case protocol.MethodInitialize:
		p.handleInitialize(req)

	case protocol.MethodExecute:
		p.dispatchExecute(id, req.Params)

	case protocol.MethodInput:
		// Acknowledge first; the outcome follows as a terminal notification.
		p.respond(req, protocol.Success(id, map[string]any{"acknowledged": true}))
		p.handleInputContent(id, req.StringParam("content"))

	case protocol.MethodShutdown:
		logger.Info("shutdown requested", "reason", req.StringParam("reason"))
		p.hb.Stop()
		p.respond(req, protocol.Success(id, map[string]any{"stopped": true}))
		p.running = false

	default:
		if !req.IsNotification() {
			p.respond(req, protocol.MakeError(id, protocol.CodeMethodNotFound,
				"Unknown method: "+req.Method))
		}
	}
}

func (p *Plugin) handleInitialize(req *protocol.Request) {
	id := requestID(req)
	result := map[string]any{
		"name":             p.cfg.Name,
		"version":          p.cfg.Version,
		"description":      p.cfg.Description,
		"protocol_version": protocol.Version,
		"commands":         p.Commands(),
	}

	state := StateReady
	if err := p.configInvalid(); err != nil {
		if p.wizardEnabled() {
			// Not an error path: the plugin stays alive in passthrough mode
			// and walks the user through setup.
			p.wizardActive = true
			p.awaitingInput = true
			result["keep_session"] = true
			result["message"] = p.cfg.SetupInstructions(err)
			state = StateOnboarding
			logger.Info("configuration incomplete, entering setup wizard", "err", err)
		} else {
			p.hb.Start(p.heartbeatInterval(), StateReady)
			p.initialized = true
			p.respond(req, protocol.MakeError(id, protocol.CodePluginError, err.Error()))
			return
		}
	}

	p.hb.Start(p.heartbeatInterval(), state)
	p.initialized = true
	p.respond(req, protocol.Success(id, result))
	logger.Info("initialized", "state", state)
}

func (p *Plugin) respond(req *protocol.Request, resp *protocol.Response) {
	if req.IsNotification() {
		return
	}
	if err := p.conn.SendResponse(resp); err != nil {
		logger.Error("response write failed", "method", req.Method, "err", err)
	}
}

// ----------------------------------------------------------------------------
// Legacy routing

func (p *Plugin) handleLegacy(cmd *legacy.Command) {
	p.nextID++
	id := p.nextID

	switch cmd.Kind() {
	case legacy.KindToolCalls:
		req := cmd.ToRequest(id)
		fn := req.StringParam("function")
		if _, registered := p.commands[fn]; !registered && fn == "initialize" {
			p.legacyInitialize(id)
			return
		}
		p.dispatchExecute(id, req.Params)

	case legacy.KindUserInput:
		p.handleInputContent(id, cmd.Content)

	case legacy.KindTerminate:
		logger.Info("terminate received", "reason", cmd.Reason)
		p.hb.Stop()
		p.running = false

	default:
		p.terminalFail(id, protocol.CodeInvalidRequest, "Unsupported command payload.")
	}
}

func (p *Plugin) legacyInitialize(id int64) {
	if err := p.configInvalid(); err != nil {
		if p.wizardEnabled() {
			p.wizardActive = true
			p.awaitingInput = true
			p.hb.Start(p.heartbeatInterval(), StateOnboarding)
			p.initialized = true
			p.terminalOK(id, p.cfg.SetupInstructions(err), true)
			logger.Info("configuration incomplete, entering setup wizard", "err", err)
			return
		}
		p.hb.Start(p.heartbeatInterval(), StateReady)
		p.initialized = true
		p.terminalFail(id, protocol.CodePluginError, err.Error())
		return
	}

	p.hb.Start(p.heartbeatInterval(), StateReady)
	p.initialized = true
	p.terminalOK(id, p.cfg.Name+" initialized successfully.", false)
}

// ----------------------------------------------------------------------------
// Shared dispatch core

func (p *Plugin) dispatchExecute(id int64, params map[string]any) {
	fn, _ := params["function"].(string)
	cmd, ok := p.commands[fn]
	if !ok {
		p.terminalFail(id, protocol.CodeMethodNotFound, "Unknown command: "+fn)
		return
	}

	// Configuration gate: commands never run against an invalid config
	// when a wizard can fix it interactively instead.
	if err := p.configInvalid(); err != nil && p.wizardEnabled() {
		p.wizardActive = true
		p.awaitingInput = true
		p.terminalOK(id, p.cfg.SetupInstructions(err), true)
		logger.Info("command deferred to setup wizard", "command", fn, "err", err)
		return
	}

	logger.Info("executing command", "command", fn)
	call := p.newCall(id, params)
	result, err := p.invoke(cmd.handler, call)
	if err != nil {
		p.awaitingInput = false
		p.terminalFail(id, protocol.CodePluginError, err.Error())
		return
	}
	p.awaitingInput = call.keepSession
	p.terminalOK(id, result, call.keepSession)
}

func (p *Plugin) handleInputContent(id int64, content string) {
	logger.Info("user input received", "length", len(content))

	// Wizard continuation wins whenever setup is still incomplete, even if
	// the host routed input here without a tethered session.
	if p.wizardEnabled() {
		if err := p.configInvalid(); err != nil {
			p.wizardActive = true
			p.awaitingInput = true
			p.terminalOK(id, p.cfg.SetupInstructions(err), true)
			return
		}
		if p.wizardActive {
			p.wizardActive = false
			p.awaitingInput = false
			p.hb.SetState(StateReady)
			p.terminalOK(id, p.wizardCompleteMessage(), false)
			return
		}
	}

	if !p.awaitingInput {
		// Unsolicited input outside passthrough is a host routing bug, not
		// a plugin concern.
		logger.Warn("input received outside passthrough session")
		p.terminalFail(id, protocol.CodeInvalidRequest, "No passthrough session is active.")
		return
	}

	if p.onInput == nil {
		// Defined fallback: echo the input back as a terminal success.
		p.awaitingInput = false
		p.terminalOK(id, "Received: "+content, false)
		return
	}

	call := &Call{Content: content, requestID: id, emit: p.emit}
	result, err := p.invoke(p.onInput, call)
	if err != nil {
		p.awaitingInput = false
		p.terminalFail(id, protocol.CodePluginError, err.Error())
		return
	}
	p.awaitingInput = call.keepSession
	p.terminalOK(id, result, call.keepSession)
}

// invoke runs a handler with panic containment: a panicking handler yields
// a terminal failure, never a dead main loop.
func (p *Plugin) invoke(h Handler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(call)
}

func (p *Plugin) newCall(id int64, params map[string]any) *Call {
	call := &Call{requestID: id, emit: p.emit}
	if args, ok := params["arguments"].(map[string]any); ok {
		call.Arguments = args
	}
	call.Context = parseContext(params["context"])
	switch si := params["system_info"].(type) {
	case map[string]any:
		call.SystemInfo = si
	case string:
		if si != "" {
			call.SystemInfo = map[string]any{"raw": si}
		}
	}
	return call
}

func parseContext(v any) []protocol.ChatMessage {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]protocol.ChatMessage, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, protocol.ChatMessage{Role: role, Content: content})
	}
	return out
}

func (p *Plugin) terminalOK(id int64, data any, keep bool) {
	if err := p.emit.complete(id, true, data, keep); err != nil {
		logger.Error("terminal write failed", "err", err)
	}
}

func (p *Plugin) terminalFail(id int64, code protocol.ErrorCode, message string) {
	if err := p.emit.fail(id, code, message); err != nil {
		logger.Error("terminal write failed", "err", err)
	}
}

func requestID(req *protocol.Request) int64 {
	if req.ID == nil {
		return 0
	}
	return *req.ID
}
