// Package heartbeat emits periodic liveness signals on the plugin's output
// channel, independent of command traffic, so the host can tell a busy
// plugin from a dead one.
package heartbeat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/plugwire/plugwire/legacy"
	"github.com/plugwire/plugwire/logger"
)

// DefaultInterval is the observed production tick rate.
const DefaultInterval = 5 * time.Second

// stopTimeout bounds how long Stop waits for the ticker goroutine. A slow
// emitter must never hang process shutdown.
const stopTimeout = time.Second

// Sink writes one complete out-of-band frame. The plugin's protocol
// connection satisfies this; its write mutex keeps heartbeat frames from
// interleaving with responses.
type Sink interface {
	SendRaw(payload []byte) error
}

// Emitter owns the single heartbeat goroutine of a plugin process.
type Emitter struct {
	sink Sink

	mu      sync.Mutex
	state   string
	done    chan struct{}
	stopped chan struct{}
	active  bool

	// Progress, when set, is invoked each tick and its non-empty result is
	// sent as a bare message fragment alongside the heartbeat. Used by
	// onboarding flows to push visible status dots; policy, not mechanism.
	Progress func() string
}

// New returns an emitter writing through sink.
func New(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

// Start begins ticking at the given interval with the given state string.
// Idempotent: an already-running emitter is stopped first, so a process
// never carries two tickers.
func (e *Emitter) Start(interval time.Duration, state string) {
	e.Stop()

	if interval <= 0 {
		interval = DefaultInterval
	}

	e.mu.Lock()
	e.state = state
	e.done = make(chan struct{})
	e.stopped = make(chan struct{})
	e.active = true
	done, stopped := e.done, e.stopped
	e.mu.Unlock()

	go e.run(interval, done, stopped)
	logger.Info("heartbeat started", "interval", interval, "state", state)
}

// Stop signals the ticker to exit and waits for it with a bounded timeout.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	close(e.done)
	stopped := e.stopped
	e.mu.Unlock()

	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		logger.Warn("heartbeat goroutine slow to stop, abandoning")
	}
	logger.Info("heartbeat stopped")
}

// Active reports whether the emitter is currently ticking.
func (e *Emitter) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SetState updates the advertised state and pushes a state_change signal so
// the host can adjust its UI without waiting for the next tick.
func (e *Emitter) SetState(state string) {
	e.mu.Lock()
	changed := e.state != state
	e.state = state
	e.mu.Unlock()

	if changed {
		e.send(legacy.NewStateChange(state))
	}
}

// State returns the currently advertised state string.
func (e *Emitter) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Emitter) run(interval time.Duration, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Emitter) tick() {
	e.mu.Lock()
	state := e.state
	progress := e.Progress
	e.mu.Unlock()

	e.send(legacy.NewHeartbeat(state))

	if progress != nil {
		if text := progress(); text != "" {
			e.send(&legacy.Fragment{Message: text})
		}
	}
}

func (e *Emitter) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("heartbeat marshal failed", "err", err)
		return
	}
	if err := e.sink.SendRaw(payload); err != nil {
		logger.Error("heartbeat write failed", "err", err)
	}
}
