// Package manifest parses and validates plugin manifest.json files: plugin
// metadata, the executable to spawn, and the function definitions the host
// advertises to its language model.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// SupportedVersion is the manifest schema version this host understands.
const SupportedVersion = 1

// SupportedProtocol is the only protocol version accepted from a manifest.
const SupportedProtocol = "2.0"

// reservedPrefix is claimed by the host for its own function names.
const reservedPrefix = "host_"

// Parameter describes one function parameter, lifted out of the JSON-Schema
// properties block.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// Function is one callable command a plugin exposes.
type Function struct {
	Name        string
	Description string
	Parameters  []Parameter
	Tags        []string
}

// Definition renders the function back into the schema form the engine
// forwards to the model: name, description, and a JSON-Schema object for
// the parameters.
func (f *Function) Definition() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range f.Parameters {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	def := map[string]any{
		"name":        f.Name,
		"description": f.Description,
		"parameters": map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
	if len(f.Tags) > 0 {
		def["tags"] = f.Tags
	}
	return def
}

// Manifest is a parsed plugin manifest. The plugin's name is its directory
// name, not a manifest field.
type Manifest struct {
	Name            string
	Description     string
	Dir             string
	Executable      string
	ExecutablePath  string
	ManifestVersion int
	ProtocolVersion string
	Persistent      bool
	Passthrough     bool
	Functions       []Function
	Tags            []string
}

// Function returns a function definition by name, or nil.
func (m *Manifest) Function(name string) *Function {
	for i := range m.Functions {
		if m.Functions[i].Name == name {
			return &m.Functions[i]
		}
	}
	return nil
}

// FunctionNames lists all function names in manifest order.
func (m *Manifest) FunctionNames() []string {
	names := make([]string, 0, len(m.Functions))
	for _, f := range m.Functions {
		names = append(names, f.Name)
	}
	return names
}

// Definitions renders every function into the engine's schema form.
func (m *Manifest) Definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(m.Functions))
	for i := range m.Functions {
		defs = append(defs, m.Functions[i].Definition())
	}
	return defs
}

// rawManifest is the on-disk shape.
type rawManifest struct {
	ManifestVersion *int          `json:"manifestVersion"`
	ProtocolVersion string        `json:"protocol_version"`
	Description     string        `json:"description"`
	Executable      string        `json:"executable"`
	Persistent      *bool         `json:"persistent"`
	Passthrough     bool          `json:"passthrough"`
	Functions       []rawFunction `json:"functions"`
	Tags            []string      `json:"tags"`
}

type rawFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Tags        []string       `json:"tags"`
}

// Parse reads and validates the manifest.json at path. The plugin name is
// taken from the enclosing directory.
func Parse(path string) (*Manifest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	// Some Windows editors prepend a UTF-8 BOM.
	payload = []byte(strings.TrimPrefix(string(payload), "\ufeff"))

	if err := ValidateDocument(payload); err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}

	var raw rawManifest
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	return build(&raw, dir)
}

// ParseDir parses the manifest.json inside a plugin directory.
func ParseDir(dir string) (*Manifest, error) {
	return Parse(filepath.Join(dir, "manifest.json"))
}

func build(raw *rawManifest, dir string) (*Manifest, error) {
	name := filepath.Base(dir)
	if !ValidName(name) {
		return nil, fmt.Errorf("manifest: invalid plugin name %q", name)
	}
	if raw.ManifestVersion == nil || raw.Executable == "" || raw.Persistent == nil {
		return nil, fmt.Errorf("manifest: missing required field (manifestVersion, executable, persistent)")
	}
	if *raw.ManifestVersion != SupportedVersion {
		return nil, fmt.Errorf("manifest: unsupported manifest version %d (expected %d)",
			*raw.ManifestVersion, SupportedVersion)
	}
	if raw.ProtocolVersion != SupportedProtocol {
		return nil, fmt.Errorf("manifest: unsupported protocol_version %q (expected %q)",
			raw.ProtocolVersion, SupportedProtocol)
	}
	if len(raw.Functions) == 0 {
		return nil, fmt.Errorf("manifest: no functions declared")
	}

	functions := make([]Function, 0, len(raw.Functions))
	for _, rf := range raw.Functions {
		if rf.Name == "" {
			return nil, fmt.Errorf("manifest: function entry missing name")
		}
		if rf.Description == "" {
			return nil, fmt.Errorf("manifest: function %q missing description", rf.Name)
		}
		if strings.HasPrefix(rf.Name, reservedPrefix) {
			return nil, fmt.Errorf("manifest: function %q uses reserved %q prefix", rf.Name, reservedPrefix)
		}
		functions = append(functions, Function{
			Name:        rf.Name,
			Description: rf.Description,
			Parameters:  parseParameters(rf.Parameters),
			Tags:        rf.Tags,
		})
	}

	// Passthrough only makes sense for a single-function plugin: the host
	// could not tell which function a tethered session belongs to.
	passthrough := raw.Passthrough && len(functions) == 1

	description := raw.Description
	if description == "" {
		description = "No description provided."
	}

	return &Manifest{
		Name:            name,
		Description:     description,
		Dir:             dir,
		Executable:      raw.Executable,
		ExecutablePath:  filepath.Join(dir, raw.Executable),
		ManifestVersion: *raw.ManifestVersion,
		ProtocolVersion: raw.ProtocolVersion,
		Persistent:      *raw.Persistent,
		Passthrough:     passthrough,
		Functions:       functions,
		Tags:            raw.Tags,
	}, nil
}

func parseParameters(schema map[string]any) []Parameter {
	properties, _ := schema["properties"].(map[string]any)
	if len(properties) == 0 {
		return nil
	}

	requiredSet := map[string]bool{}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				requiredSet[s] = true
			}
		}
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]Parameter, 0, len(names))
	for _, name := range names {
		prop, _ := properties[name].(map[string]any)
		p := Parameter{Name: name, Required: requiredSet[name]}
		p.Type, _ = prop["type"].(string)
		if p.Type == "" {
			p.Type = "string"
		}
		p.Description, _ = prop["description"].(string)
		if enum, ok := prop["enum"].([]any); ok {
			for _, e := range enum {
				if s, ok := e.(string); ok {
					p.Enum = append(p.Enum, s)
				}
			}
		}
		p.Default = prop["default"]
		params = append(params, p)
	}
	return params
}

// Discover lists the plugin directories under root that carry a
// manifest.json, sorted by name. Parse failures do not abort discovery.
func Discover(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var found []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, entry.Name(), "manifest.json")); err == nil {
			found = append(found, entry.Name())
		}
	}
	sort.Strings(found)
	return found
}

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidName reports whether a plugin name is safe to use as a directory
// name and process identifier. Rejects path traversal and Windows reserved
// device names.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	switch strings.ToLower(name) {
	case "con", "prn", "aux", "nul", "com1", "com2", "lpt1", "lpt2":
		return false
	}
	return namePattern.MatchString(name)
}
