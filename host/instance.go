package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/plugwire/plugwire/logger"
	"github.com/plugwire/plugwire/manifest"
	"github.com/plugwire/plugwire/protocol"
	"github.com/plugwire/plugwire/wire"
)

// State is a plugin instance's lifecycle state as seen by the host.
type State string

const (
	StateDiscovered  State = "discovered"
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateExecuting   State = "executing"
	StatePassthrough State = "passthrough"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

// Request timeouts, matching the engine's production values.
const (
	PingTimeout      = 1 * time.Second
	InputAckTimeout  = 2 * time.Second
	ExecuteTimeout   = 30 * time.Second
	HeartbeatTimeout = 15 * time.Second
	stopGrace        = 2 * time.Second
)

// Callbacks receive out-of-band plugin traffic. All callbacks are invoked
// from the instance's reader goroutine and must not block.
type Callbacks struct {
	OnStream func(plugin, text string)
	OnLog    func(plugin, level, message string)
}

// Instance is one plugin process under host management.
type Instance struct {
	// ID distinguishes restarts of the same plugin in logs and history.
	ID       string
	Manifest *manifest.Manifest

	cb Callbacks

	// onState, when set, observes lifecycle transitions. Invoked outside
	// the instance lock.
	onState func(from, to State)

	mu            sync.Mutex
	state         State
	awaitingInput bool
	lastHeartbeat time.Time
	initMessage   string

	cmd        *exec.Cmd
	conn       *protocol.Conn
	pending    *pendingCalls
	readerDone chan struct{}
	exited     chan struct{}
	nextID     atomic.Int64
}

// NewInstance wraps a parsed manifest. The process is not started.
func NewInstance(m *manifest.Manifest, cb Callbacks) *Instance {
	return &Instance{
		ID:       uuid.NewString(),
		Manifest: m,
		cb:       cb,
		state:    StateDiscovered,
	}
}

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	old := in.state
	in.state = s
	in.mu.Unlock()
	if old != s {
		logger.Debug("plugin state", "plugin", in.Manifest.Name, "from", string(old), "to", string(s))
		if in.onState != nil {
			in.onState(old, s)
		}
	}
}

// AwaitingInput reports whether the plugin holds a passthrough session.
func (in *Instance) AwaitingInput() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.awaitingInput
}

// InitMessage returns the message the plugin sent with its initialize
// response, typically setup-wizard instructions.
func (in *Instance) InitMessage() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.initMessage
}

// Running reports whether the plugin process is alive.
func (in *Instance) Running() bool {
	in.mu.Lock()
	exited := in.exited
	cmd := in.cmd
	in.mu.Unlock()
	if cmd == nil || exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// Start spawns the plugin process with stdio pipes and begins reading its
// output. Idempotent while the process is alive.
func (in *Instance) Start() error {
	if in.Running() {
		return nil
	}
	in.setState(StateStarting)

	cmd := exec.Command(in.Manifest.ExecutablePath)
	cmd.Dir = in.Manifest.Dir
	cmd.Env = append(os.Environ(), "PLUGWIRE_PLUGIN="+in.Manifest.Name)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		in.setState(StateFailed)
		return fmt.Errorf("host: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		in.setState(StateFailed)
		return fmt.Errorf("host: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		in.setState(StateFailed)
		return fmt.Errorf("host: start %s: %w", in.Manifest.ExecutablePath, err)
	}

	exited := make(chan struct{})
	in.mu.Lock()
	in.cmd = cmd
	in.conn = protocol.NewStdio(stdout, stdin)
	in.pending = newPendingCalls()
	in.readerDone = make(chan struct{})
	in.exited = exited
	in.lastHeartbeat = time.Now()
	in.mu.Unlock()

	go in.readerLoop()
	go func() {
		// Reap the process so Running() can see it exit.
		_ = cmd.Wait()
		close(exited)
	}()

	logger.Info("plugin started", "plugin", in.Manifest.Name, "instance", in.ID, "pid", cmd.Process.Pid)
	return nil
}

// Initialize performs the handshake and moves the instance to ready, or to
// passthrough when the plugin opens a setup-wizard session.
func (in *Instance) Initialize() (*Outcome, error) {
	outcome, err := in.call(protocol.MethodInitialize, nil, 1, ExecuteTimeout)
	if err != nil {
		in.setState(StateFailed)
		return nil, err
	}

	in.mu.Lock()
	in.initMessage = outcome.Message
	in.awaitingInput = outcome.KeepSession
	in.mu.Unlock()

	if !outcome.Success {
		in.setState(StateFailed)
		return outcome, nil
	}
	if outcome.KeepSession {
		in.setState(StatePassthrough)
	} else {
		in.setState(StateReady)
	}
	return outcome, nil
}

// Execute runs one plugin function and blocks for its terminal outcome.
// Streaming chunks arrive through the OnStream callback while this waits.
func (in *Instance) Execute(function string, args map[string]any, context []protocol.ChatMessage, systemInfo map[string]any) (*Outcome, error) {
	state := in.State()
	if state != StateReady && state != StatePassthrough {
		return nil, fmt.Errorf("host: plugin %s not ready (state %s)", in.Manifest.Name, state)
	}

	params := map[string]any{
		"function":  function,
		"arguments": args,
	}
	if len(context) > 0 {
		params["context"] = context
	}
	if len(systemInfo) > 0 {
		params["system_info"] = systemInfo
	}

	in.setState(StateExecuting)
	outcome, err := in.call(protocol.MethodExecute, params, 1, ExecuteTimeout)
	if err != nil {
		in.setState(StateFailed)
		return nil, err
	}
	in.finishRequest(outcome)
	return outcome, nil
}

// SendInput forwards user text into the plugin's passthrough session. The
// plugin acks immediately; the terminal outcome follows and is what this
// returns.
func (in *Instance) SendInput(content string) (*Outcome, error) {
	params := map[string]any{"content": content}

	id := in.nextID.Add(1)
	ch := in.pendingFor(id, 2, ExecuteTimeout)
	if ch == nil {
		return nil, fmt.Errorf("host: plugin %s not running", in.Manifest.Name)
	}
	if err := in.send(protocol.NewRequest(id, protocol.MethodInput, params)); err != nil {
		return nil, err
	}

	// First delivery is the ack; a plugin that cannot even ack within the
	// window is treated as hung.
	select {
	case <-ch:
	case <-time.After(InputAckTimeout):
		return nil, fmt.Errorf("host: plugin %s did not acknowledge input", in.Manifest.Name)
	}

	outcome := <-ch
	in.finishRequest(outcome)
	return outcome, nil
}

// Ping checks liveness. Failure means the loop is hung or the process is
// gone; the caller decides whether to restart.
func (in *Instance) Ping() bool {
	params := map[string]any{"timestamp": time.Now().UnixMilli()}
	outcome, err := in.call(protocol.MethodPing, params, 1, PingTimeout)
	return err == nil && outcome.Success
}

// HeartbeatExpired reports whether the plugin has gone silent past the
// heartbeat window.
func (in *Instance) HeartbeatExpired() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return time.Since(in.lastHeartbeat) > HeartbeatTimeout
}

// Stop asks the plugin to shut down and kills it after a bounded wait.
func (in *Instance) Stop() {
	in.mu.Lock()
	cmd := in.cmd
	pending := in.pending
	readerDone := in.readerDone
	exited := in.exited
	in.mu.Unlock()

	if cmd == nil {
		in.setState(StateStopped)
		return
	}

	_, _ = in.call(protocol.MethodShutdown, map[string]any{"reason": "host_shutdown"}, 1, stopGrace)

	select {
	case <-exited:
	case <-time.After(stopGrace):
		logger.Warn("plugin did not exit, killing", "plugin", in.Manifest.Name)
		_ = cmd.Process.Kill()
		<-exited
	}

	if readerDone != nil {
		select {
		case <-readerDone:
		case <-time.After(stopGrace):
		}
	}
	if pending != nil {
		pending.close()
	}

	in.mu.Lock()
	in.cmd = nil
	in.conn = nil
	in.awaitingInput = false
	in.mu.Unlock()
	in.setState(StateStopped)
	logger.Info("plugin stopped", "plugin", in.Manifest.Name, "instance", in.ID)
}

// finishRequest folds a terminal outcome back into session state.
func (in *Instance) finishRequest(outcome *Outcome) {
	in.mu.Lock()
	in.awaitingInput = outcome.KeepSession
	in.mu.Unlock()
	if outcome.KeepSession {
		in.setState(StatePassthrough)
	} else {
		in.setState(StateReady)
	}
}

// call sends one request and blocks for its outcome. The pending table's
// TTL converts a silent plugin into a timeout outcome.
func (in *Instance) call(method string, params map[string]any, expect int, ttl time.Duration) (*Outcome, error) {
	id := in.nextID.Add(1)
	ch := in.pendingFor(id, expect, ttl)
	if ch == nil {
		return nil, fmt.Errorf("host: plugin %s not running", in.Manifest.Name)
	}
	if err := in.send(protocol.NewRequest(id, method, params)); err != nil {
		return nil, err
	}
	select {
	case outcome := <-ch:
		return outcome, nil
	case <-time.After(ttl + 5*time.Second):
		// The TTL eviction should have fired long before this.
		return nil, fmt.Errorf("host: plugin %s unresponsive on %s", in.Manifest.Name, method)
	}
}

func (in *Instance) pendingFor(id int64, expect int, ttl time.Duration) <-chan *Outcome {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pending == nil {
		return nil
	}
	return in.pending.add(id, expect, ttl)
}

func (in *Instance) send(req *protocol.Request) error {
	in.mu.Lock()
	conn := in.conn
	in.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("host: plugin %s not running", in.Manifest.Name)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("host: marshal request: %w", err)
	}
	return conn.SendRaw(payload)
}

// readerLoop drains the plugin's output channel, routing responses and
// terminal notifications to waiting callers and out-of-band traffic to the
// callbacks.
func (in *Instance) readerLoop() {
	in.mu.Lock()
	conn := in.conn
	done := in.readerDone
	in.mu.Unlock()
	defer close(done)

	for {
		payload, err := conn.ReadRaw()
		if err != nil {
			if !errors.Is(err, wire.ErrClosed) {
				logger.Error("plugin read failed", "plugin", in.Manifest.Name, "err", err)
			}
			return
		}
		in.route(payload)
	}
}

func (in *Instance) route(payload []byte) {
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Error("unparseable plugin message", "plugin", in.Manifest.Name, "err", err)
		return
	}

	// Out-of-band signals carry a type member.
	switch msg["type"] {
	case "heartbeat":
		in.mu.Lock()
		in.lastHeartbeat = time.Now()
		in.mu.Unlock()
		return
	case "state_change":
		logger.Debug("plugin state change", "plugin", in.Manifest.Name, "new_state", msg["new_state"])
		return
	}

	if _, hasID := msg["id"]; hasID {
		in.routeResponse(msg)
		return
	}
	if method, ok := msg["method"].(string); ok {
		in.routeNotification(method, msg)
		return
	}
	logger.Warn("unroutable plugin message", "plugin", in.Manifest.Name)
}

func (in *Instance) routeResponse(msg map[string]any) {
	id := int64(asFloat(msg["id"]))
	outcome := &Outcome{Success: true}

	if errObj, ok := msg["error"].(map[string]any); ok {
		outcome.Success = false
		outcome.Message, _ = errObj["message"].(string)
		outcome.Code = protocol.ErrorCode(asFloat(errObj["code"]))
		in.deliver(id, outcome, true)
		return
	}

	if result, ok := msg["result"].(map[string]any); ok {
		outcome.Data = result
		outcome.Message, _ = result["message"].(string)
		outcome.KeepSession, _ = result["keep_session"].(bool)
		// An acknowledgement is not this request's terminal outcome.
		if ack, _ := result["acknowledged"].(bool); ack {
			in.deliver(id, outcome, false)
			return
		}
	}
	in.deliver(id, outcome, true)
}

func (in *Instance) routeNotification(method string, msg map[string]any) {
	params, _ := msg["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	switch method {
	case protocol.MethodStream:
		if text, ok := params["data"].(string); ok && in.cb.OnStream != nil {
			in.cb.OnStream(in.Manifest.Name, text)
		}

	case protocol.MethodComplete:
		id := int64(asFloat(params["request_id"]))
		success, _ := params["success"].(bool)
		keep, _ := params["keep_session"].(bool)
		outcome := &Outcome{Success: success, Data: params["data"], KeepSession: keep}
		if s, ok := params["data"].(string); ok {
			outcome.Message = s
		}
		in.deliver(id, outcome, true)

	case protocol.MethodError:
		id := int64(asFloat(params["request_id"]))
		message, _ := params["message"].(string)
		outcome := &Outcome{
			Success: false,
			Message: message,
			Code:    protocol.ErrorCode(asFloat(params["code"])),
		}
		in.deliver(id, outcome, true)

	case protocol.MethodLog:
		if in.cb.OnLog != nil {
			level, _ := params["level"].(string)
			message, _ := params["message"].(string)
			in.cb.OnLog(in.Manifest.Name, level, message)
		}

	default:
		logger.Debug("unknown plugin notification", "plugin", in.Manifest.Name, "method", method)
	}
}

func (in *Instance) deliver(id int64, outcome *Outcome, terminal bool) {
	in.mu.Lock()
	pending := in.pending
	in.mu.Unlock()
	if pending != nil {
		pending.deliver(id, outcome, terminal)
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
