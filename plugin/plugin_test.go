package plugin

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plugwire/plugwire/protocol"
	"github.com/plugwire/plugwire/wire"
)

// step scripts one inbound read: an optional side effect first, then
// either a payload or an error.
type step struct {
	payload string
	err     error
	before  func()
}

// scriptFramer feeds scripted frames to the run loop and records every
// outbound frame. Once the script runs out it reports a closed channel,
// which exhausts the read failure budget and ends the loop.
type scriptFramer struct {
	mu     sync.Mutex
	steps  []step
	idx    int
	frames [][]byte
}

func (f *scriptFramer) ReadMessage() ([]byte, error) {
	f.mu.Lock()
	if f.idx >= len(f.steps) {
		f.mu.Unlock()
		return nil, wire.ErrClosed
	}
	st := f.steps[f.idx]
	f.idx++
	f.mu.Unlock()

	if st.before != nil {
		st.before()
	}
	if st.err != nil {
		return nil, st.err
	}
	return []byte(st.payload), nil
}

func (f *scriptFramer) WriteMessage(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *scriptFramer) outbound(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("outbound frame not JSON: %q", frame)
		}
		out = append(out, m)
	}
	return out
}

// terminals filters outbound objects down to those carrying a success
// member; everything else is advisory.
func terminals(frames []map[string]any) []map[string]any {
	var out []map[string]any
	for _, m := range frames {
		if _, ok := m["success"]; ok {
			out = append(out, m)
		}
	}
	return out
}

func runLegacyScript(t *testing.T, p *Plugin, steps ...step) *scriptFramer {
	t.Helper()
	f := &scriptFramer{steps: steps}
	// The script ends with terminate, so the loop exits cleanly.
	_ = p.RunLegacy(protocol.NewConn(f))
	return f
}

const terminateMsg = `{"msg_type":"terminate","reason":"test_done"}`

func TestLegacyInitializeValidConfig(t *testing.T) {
	p := New(Config{
		Name:              "stock",
		ValidateConfig:    func() error { return nil },
		HeartbeatInterval: time.Hour,
	})

	f := runLegacyScript(t, p,
		step{payload: `{"tool_calls":[{"func":"initialize"}]}`},
		step{payload: terminateMsg},
	)

	term := terminals(f.outbound(t))
	if len(term) != 1 {
		t.Fatalf("expected exactly 1 terminal reply, got %d", len(term))
	}
	if term[0]["success"] != true {
		t.Fatalf("initialize failed: %+v", term[0])
	}
	if term[0]["message"] != "stock initialized successfully." {
		t.Fatalf("message mismatch: %v", term[0]["message"])
	}

	var sawHeartbeat bool
	for _, m := range f.outbound(t) {
		if m["type"] == "heartbeat" {
			sawHeartbeat = true
			if m["state"] != StateReady {
				t.Fatalf("heartbeat state mismatch: %v", m["state"])
			}
		}
	}
	if !sawHeartbeat {
		t.Fatalf("heartbeat never became active")
	}
}

func TestLegacySetupWizardFlow(t *testing.T) {
	credential := ""
	instructions := "Open config.json and paste your API key, then say done."

	p := New(Config{
		Name: "stock",
		ValidateConfig: func() error {
			if len(credential) < 11 {
				return errors.New("api_key missing or too short")
			}
			return nil
		},
		SetupInstructions: func(error) string { return instructions },
		WizardComplete:    "API key configured! Ask about stock prices.",
		HeartbeatInterval: time.Hour,
	})

	f := runLegacyScript(t, p,
		step{payload: `{"tool_calls":[{"func":"initialize"}]}`},
		step{
			payload: `{"msg_type":"user_input","content":"done"}`,
			before:  func() { credential = "abcde12345abcde12345abcde" },
		},
		step{payload: terminateMsg},
	)

	term := terminals(f.outbound(t))
	if len(term) != 2 {
		t.Fatalf("expected 2 terminal replies, got %d: %+v", len(term), term)
	}

	// Scenario: empty credential -> wizard instructions, session tethered.
	if term[0]["success"] != true || term[0]["awaiting_input"] != true {
		t.Fatalf("wizard reply malformed: %+v", term[0])
	}
	if term[0]["message"] != instructions {
		t.Fatalf("instructions not surfaced: %v", term[0]["message"])
	}

	// Scenario: user fixed the file and typed done -> session released.
	if term[1]["success"] != true || term[1]["awaiting_input"] != false {
		t.Fatalf("wizard completion malformed: %+v", term[1])
	}
	if term[1]["message"] != "API key configured! Ask about stock prices." {
		t.Fatalf("completion message mismatch: %v", term[1]["message"])
	}
	if p.AwaitingInput() {
		t.Fatalf("awaiting_input not reset after wizard completion")
	}
}

func TestLegacyUnknownCommand(t *testing.T) {
	p := New(Config{Name: "stock", HeartbeatInterval: time.Hour})
	p.Command("get_stock_price", "quote lookup", func(call *Call) (any, error) {
		return "ok", nil
	})

	f := runLegacyScript(t, p,
		step{payload: `{"tool_calls":[{"func":"nonexistent_command"}]}`},
		step{payload: terminateMsg},
	)

	term := terminals(f.outbound(t))
	if len(term) != 1 {
		t.Fatalf("expected 1 terminal reply, got %d", len(term))
	}
	if term[0]["success"] != false {
		t.Fatalf("unknown command must fail: %+v", term[0])
	}
	if term[0]["message"] != "Unknown command: nonexistent_command" {
		t.Fatalf("message mismatch: %v", term[0]["message"])
	}
	if p.AwaitingInput() {
		t.Fatalf("state must not change on unknown command")
	}
}

func TestLegacyStreamingOrder(t *testing.T) {
	p := New(Config{Name: "weather", HeartbeatInterval: time.Hour})
	p.Command("narrate", "", func(call *Call) (any, error) {
		call.Stream("a")
		call.Stream("b")
		return "", nil
	})

	f := runLegacyScript(t, p,
		step{payload: `{"tool_calls":[{"func":"narrate"}]}`},
		step{payload: terminateMsg},
	)

	frames := f.outbound(t)
	if len(frames) != 3 {
		t.Fatalf("expected fragment, fragment, terminal; got %d frames: %+v", len(frames), frames)
	}
	if frames[0]["message"] != "a" || frames[1]["message"] != "b" {
		t.Fatalf("stream order violated: %+v", frames[:2])
	}
	if _, terminal := frames[0]["success"]; terminal {
		t.Fatalf("fragment mistaken for terminal: %+v", frames[0])
	}
	if frames[2]["success"] != true {
		t.Fatalf("terminal missing: %+v", frames[2])
	}
}

func TestLegacyHandlerErrorSurvivesLoop(t *testing.T) {
	p := New(Config{Name: "stock", HeartbeatInterval: time.Hour})
	p.Command("explode", "", func(call *Call) (any, error) {
		panic("kaboom")
	})
	p.Command("ok", "", func(call *Call) (any, error) {
		return "still alive", nil
	})

	f := runLegacyScript(t, p,
		step{payload: `{"tool_calls":[{"func":"explode"}]}`},
		step{payload: `{"tool_calls":[{"func":"ok"}]}`},
		step{payload: terminateMsg},
	)

	term := terminals(f.outbound(t))
	if len(term) != 2 {
		t.Fatalf("expected 2 terminal replies, got %d", len(term))
	}
	if term[0]["success"] != false {
		t.Fatalf("panic must yield terminal failure: %+v", term[0])
	}
	if term[1]["success"] != true || term[1]["message"] != "still alive" {
		t.Fatalf("loop did not survive handler panic: %+v", term[1])
	}
}

func TestPassthroughRouting(t *testing.T) {
	var inputSeen string
	p := New(Config{Name: "chat", HeartbeatInterval: time.Hour})
	p.Command("tether", "", func(call *Call) (any, error) {
		call.KeepSession(true)
		return "listening", nil
	})
	p.OnInput(func(call *Call) (any, error) {
		inputSeen = call.Content
		return "heard you", nil
	})

	f := runLegacyScript(t, p,
		step{payload: `{"tool_calls":[{"func":"tether"}]}`},
		step{payload: `{"msg_type":"user_input","content":"hello there"}`},
		step{payload: `{"msg_type":"user_input","content":"stale"}`},
		step{payload: terminateMsg},
	)

	if inputSeen != "hello there" {
		t.Fatalf("input not routed to input handler: %q", inputSeen)
	}

	term := terminals(f.outbound(t))
	if len(term) != 3 {
		t.Fatalf("expected 3 terminal replies, got %d", len(term))
	}
	if term[0]["awaiting_input"] != true {
		t.Fatalf("session not tethered: %+v", term[0])
	}
	// Input handler returned without keeping the session.
	if term[1]["awaiting_input"] != false {
		t.Fatalf("session not released: %+v", term[1])
	}
	// Unsolicited input after release is rejected, not re-dispatched.
	if term[2]["success"] != false {
		t.Fatalf("stale passthrough accepted: %+v", term[2])
	}
}

func TestInputEchoFallback(t *testing.T) {
	p := New(Config{Name: "chat", HeartbeatInterval: time.Hour})
	p.Command("tether", "", func(call *Call) (any, error) {
		call.KeepSession(true)
		return "", nil
	})

	f := runLegacyScript(t, p,
		step{payload: `{"tool_calls":[{"func":"tether"}]}`},
		step{payload: `{"msg_type":"user_input","content":"ping me back"}`},
		step{payload: terminateMsg},
	)

	term := terminals(f.outbound(t))
	if len(term) != 2 {
		t.Fatalf("expected 2 terminal replies, got %d", len(term))
	}
	if term[1]["message"] != "Received: ping me back" {
		t.Fatalf("echo fallback mismatch: %+v", term[1])
	}
}

func TestMalformedMessageSkipped(t *testing.T) {
	p := New(Config{Name: "stock", HeartbeatInterval: time.Hour})
	p.Command("ok", "", func(call *Call) (any, error) { return "fine", nil })

	f := runLegacyScript(t, p,
		step{payload: `{broken json!!`},
		step{payload: `{"tool_calls":[{"func":"ok"}]}`},
		step{payload: terminateMsg},
	)

	term := terminals(f.outbound(t))
	if len(term) != 1 || term[0]["success"] != true {
		t.Fatalf("loop did not survive malformed frame: %+v", term)
	}
}
