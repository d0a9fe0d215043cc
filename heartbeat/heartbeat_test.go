package heartbeat

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *captureSink) SendRaw(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *captureSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func TestEmitterTickShape(t *testing.T) {
	sink := &captureSink{}
	e := New(sink)
	e.Start(time.Hour, "ready")
	defer e.Stop()

	// Start emits one immediate tick.
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() == 0 {
		t.Fatalf("no heartbeat emitted")
	}

	var hb map[string]any
	if err := json.Unmarshal(sink.last(), &hb); err != nil {
		t.Fatalf("heartbeat not valid JSON: %v", err)
	}
	if hb["type"] != "heartbeat" {
		t.Fatalf("type mismatch: %v", hb["type"])
	}
	if hb["state"] != "ready" {
		t.Fatalf("state mismatch: %v", hb["state"])
	}
	if _, ok := hb["timestamp"].(float64); !ok {
		t.Fatalf("timestamp missing: %v", hb)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	sink := &captureSink{}
	e := New(sink)
	e.Start(30*time.Millisecond, "ready")
	e.Start(30*time.Millisecond, "ready")
	defer e.Stop()

	time.Sleep(200 * time.Millisecond)
	e.Stop()

	// Two live tickers at 30ms over 200ms would produce roughly twice the
	// single-ticker count (~7 ticks plus the two immediate ones).
	got := sink.count()
	if got > 10 {
		t.Fatalf("duplicate ticker suspected: %d ticks", got)
	}
	if got < 3 {
		t.Fatalf("too few ticks: %d", got)
	}
}

func TestStopIsBoundedAndRepeatable(t *testing.T) {
	sink := &captureSink{}
	e := New(sink)
	e.Start(10*time.Millisecond, "ready")

	start := time.Now()
	e.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stop took too long: %v", elapsed)
	}
	if e.Active() {
		t.Fatalf("emitter still active after stop")
	}

	// Stop on a stopped emitter is a no-op.
	e.Stop()

	n := sink.count()
	time.Sleep(50 * time.Millisecond)
	if sink.count() != n {
		t.Fatalf("ticks continued after stop")
	}
}

func TestSetStateEmitsStateChange(t *testing.T) {
	sink := &captureSink{}
	e := New(sink)
	e.Start(time.Hour, "onboarding")
	defer e.Stop()

	e.SetState("ready")

	var found bool
	sink.mu.Lock()
	for _, f := range sink.frames {
		var m map[string]any
		if json.Unmarshal(f, &m) == nil && m["type"] == "state_change" {
			if m["new_state"] != "ready" {
				t.Fatalf("new_state mismatch: %v", m["new_state"])
			}
			found = true
		}
	}
	sink.mu.Unlock()
	if !found {
		t.Fatalf("no state_change signal emitted")
	}

	if e.State() != "ready" {
		t.Fatalf("state not updated: %q", e.State())
	}
}
