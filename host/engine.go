// Package host runs plugin processes: discovery by manifest, stdio
// handshakes, request correlation, passthrough routing and liveness.
package host

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/plugwire/plugwire/events"
	"github.com/plugwire/plugwire/logger"
	"github.com/plugwire/plugwire/manifest"
	"github.com/plugwire/plugwire/protocol"
)

// Engine manages every plugin under one plugins directory.
type Engine struct {
	root string
	cb   Callbacks
	bus  *events.Bus

	mu          sync.Mutex
	plugins     map[string]*Instance
	passthrough string
}

// NewEngine builds an engine over a plugins directory. Call Load before
// anything else.
func NewEngine(root string, cb Callbacks) *Engine {
	return &Engine{
		root:    root,
		cb:      cb,
		bus:     events.NewBus(0),
		plugins: make(map[string]*Instance),
	}
}

// Events exposes the engine's lifecycle bus for subscribers (UIs, tests).
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Load discovers plugin directories and parses their manifests. Plugins
// with broken manifests are logged and skipped; processes are not started
// until first use.
func (e *Engine) Load() error {
	names := manifest.Discover(e.root)
	if len(names) == 0 {
		return fmt.Errorf("host: no plugins found under %s", e.root)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range names {
		m, err := manifest.ParseDir(filepath.Join(e.root, name))
		if err != nil {
			logger.Warn("skipping plugin", "plugin", name, "err", err)
			continue
		}
		in := NewInstance(m, e.cb)
		in.onState = func(from, to State) {
			e.bus.Publish(events.New(events.TypeStateChanged, m.Name, map[string]any{
				"from": string(from), "to": string(to),
			}))
		}
		e.plugins[name] = in
		e.bus.Publish(events.New(events.TypeDiscovered, name, map[string]any{
			"functions": m.FunctionNames(),
		}))
		logger.Info("plugin discovered", "plugin", name, "functions", m.FunctionNames())
	}
	if len(e.plugins) == 0 {
		return fmt.Errorf("host: no valid plugins under %s", e.root)
	}
	return nil
}

// Plugin returns the named instance, or nil.
func (e *Engine) Plugin(name string) *Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plugins[name]
}

// Plugins lists managed plugin names, sorted.
func (e *Engine) Plugins() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.plugins))
	for name := range e.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog aggregates every plugin's function definitions in the schema
// form handed to the language model.
func (e *Engine) Catalog() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var defs []map[string]any
	for _, name := range e.pluginNamesLocked() {
		defs = append(defs, e.plugins[name].Manifest.Definitions()...)
	}
	return defs
}

func (e *Engine) pluginNamesLocked() []string {
	names := make([]string, 0, len(e.plugins))
	for name := range e.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve finds which plugin serves a function name.
func (e *Engine) Resolve(function string) *Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, in := range e.plugins {
		if in.Manifest.Function(function) != nil {
			return in
		}
	}
	return nil
}

// Execute routes a function call to its plugin, starting and initializing
// the process on first use. A keep-session outcome tethers subsequent user
// input to this plugin.
func (e *Engine) Execute(function string, args map[string]any, context []protocol.ChatMessage, systemInfo map[string]any) (*Outcome, error) {
	in := e.Resolve(function)
	if in == nil {
		return nil, fmt.Errorf("host: no plugin serves function %q", function)
	}
	if err := e.ensureReady(in); err != nil {
		return nil, err
	}

	outcome, err := in.Execute(function, args, context, systemInfo)
	if err != nil {
		return nil, err
	}
	e.trackPassthrough(in, outcome)
	return outcome, nil
}

// SendInput routes user text to the tethered plugin. Fails when no
// passthrough session is open.
func (e *Engine) SendInput(content string) (*Outcome, error) {
	e.mu.Lock()
	name := e.passthrough
	in := e.plugins[name]
	e.mu.Unlock()
	if in == nil {
		return nil, fmt.Errorf("host: no passthrough session is active")
	}

	outcome, err := in.SendInput(content)
	if err != nil {
		return nil, err
	}
	e.trackPassthrough(in, outcome)
	return outcome, nil
}

// InPassthrough reports whether user input is currently tethered, and to
// which plugin.
func (e *Engine) InPassthrough() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.passthrough, e.passthrough != ""
}

// ExitPassthrough force-drops the tether, returning input routing to
// intent classification. The plugin keeps running.
func (e *Engine) ExitPassthrough() {
	e.mu.Lock()
	name := e.passthrough
	e.passthrough = ""
	in := e.plugins[name]
	e.mu.Unlock()
	if in != nil {
		in.mu.Lock()
		in.awaitingInput = false
		in.mu.Unlock()
		if in.State() == StatePassthrough {
			in.setState(StateReady)
		}
		logger.Info("passthrough session closed", "plugin", name)
	}
}

// Shutdown stops every running plugin.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	instances := make([]*Instance, 0, len(e.plugins))
	for _, in := range e.plugins {
		instances = append(instances, in)
	}
	e.passthrough = ""
	e.mu.Unlock()

	for _, in := range instances {
		if in.Running() {
			in.Stop()
			e.bus.Publish(events.New(events.TypeStopped, in.Manifest.Name, nil))
		}
	}
	e.bus.Close()
}

func (e *Engine) ensureReady(in *Instance) error {
	switch in.State() {
	case StateReady, StatePassthrough, StateExecuting:
		return nil
	}
	if err := in.Start(); err != nil {
		return err
	}
	outcome, err := in.Initialize()
	if err != nil {
		return err
	}
	if !outcome.Success {
		return fmt.Errorf("host: plugin %s failed to initialize: %s", in.Manifest.Name, outcome.Message)
	}
	e.trackPassthrough(in, outcome)
	return nil
}

func (e *Engine) trackPassthrough(in *Instance, outcome *Outcome) {
	name := in.Manifest.Name
	e.mu.Lock()
	opened := outcome.KeepSession && e.passthrough != name
	closed := !outcome.KeepSession && e.passthrough == name
	if outcome.KeepSession {
		e.passthrough = name
	} else if e.passthrough == name {
		e.passthrough = ""
	}
	e.mu.Unlock()

	if opened {
		e.bus.Publish(events.New(events.TypePassthroughOpened, name, nil))
	}
	if closed {
		e.bus.Publish(events.New(events.TypePassthroughClosed, name, nil))
	}
}
