// Package plugin implements the plugin-side runtime: a command registry,
// the request dispatch loop, per-request streaming, and the passthrough
// ("awaiting input") conversation state machine shared by both wire
// variants.
package plugin

import (
	"time"

	"github.com/plugwire/plugwire/heartbeat"
	"github.com/plugwire/plugwire/logger"
	"github.com/plugwire/plugwire/protocol"
)

// maxReadFailures is the consecutive channel read failure budget before
// the main loop gives up and exits.
const maxReadFailures = 3

// Heartbeat state strings advertised to the host.
const (
	StateOnboarding = "onboarding"
	StateReady      = "ready"
)

// Handler executes one command invocation. Returning an error produces a
// terminal failure response carrying the error's message; the process
// survives either way.
type Handler func(call *Call) (any, error)

// CommandInfo describes one registered command for manifests and the
// initialize response.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type command struct {
	info    CommandInfo
	handler Handler
}

// Config configures a plugin runtime.
type Config struct {
	Name        string
	Version     string
	Description string

	// ValidateConfig is consulted at initialize and before every command.
	// A nil func means the plugin needs no configuration.
	ValidateConfig func() error

	// SetupInstructions renders the setup wizard text for a validation
	// error. A non-nil func enables the wizard flow: instead of failing on
	// invalid configuration, the plugin tethers the session and walks the
	// user through fixing it.
	SetupInstructions func(err error) string

	// WizardComplete is the message sent once the wizard detects a valid
	// configuration. Empty selects a generic confirmation.
	WizardComplete string

	// HeartbeatInterval overrides the default 5s tick.
	HeartbeatInterval time.Duration
}

// Plugin is one plugin process's runtime. Create it with New, register
// commands, then call Run (or RunLegacy); registration after Run starts is
// not supported.
type Plugin struct {
	cfg Config

	commands map[string]*command
	order    []string
	onInput  Handler

	conn *protocol.Conn
	emit emitter
	hb   *heartbeat.Emitter

	running       bool
	initialized   bool
	awaitingInput bool
	wizardActive  bool
	nextID        int64
}

// New creates a plugin runtime.
func New(cfg Config) *Plugin {
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	return &Plugin{
		cfg:      cfg,
		commands: make(map[string]*command),
	}
}

// Name returns the plugin name.
func (p *Plugin) Name() string { return p.cfg.Name }

// Command registers a named handler. Later registrations under the same
// name replace earlier ones; nothing is ever removed at runtime.
func (p *Plugin) Command(name, description string, h Handler) {
	if _, exists := p.commands[name]; !exists {
		p.order = append(p.order, name)
	}
	p.commands[name] = &command{
		info:    CommandInfo{Name: name, Description: description},
		handler: h,
	}
	logger.Debug("command registered", "command", name)
}

// OnInput registers the distinguished passthrough input handler. Without
// one, user input is echoed back (after the built-in wizard continuation,
// which always takes precedence while the wizard is active).
func (p *Plugin) OnInput(h Handler) {
	p.onInput = h
}

// Commands lists registered commands in registration order.
func (p *Plugin) Commands() []CommandInfo {
	out := make([]CommandInfo, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.commands[name].info)
	}
	return out
}

// AwaitingInput reports whether the plugin holds a tethered session.
func (p *Plugin) AwaitingInput() bool { return p.awaitingInput }

// Heartbeat exposes the emitter, once a run loop has started.
func (p *Plugin) Heartbeat() *heartbeat.Emitter { return p.hb }

func (p *Plugin) configInvalid() error {
	if p.cfg.ValidateConfig == nil {
		return nil
	}
	return p.cfg.ValidateConfig()
}

func (p *Plugin) wizardEnabled() bool {
	return p.cfg.SetupInstructions != nil
}

func (p *Plugin) wizardCompleteMessage() string {
	if p.cfg.WizardComplete != "" {
		return p.cfg.WizardComplete
	}
	return "Configuration detected successfully! The " + p.cfg.Name + " plugin is ready to use."
}

func (p *Plugin) heartbeatInterval() time.Duration {
	if p.cfg.HeartbeatInterval > 0 {
		return p.cfg.HeartbeatInterval
	}
	return heartbeat.DefaultInterval
}
