package manifest

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema validates the structural shape of a manifest.json before
// field-level checks run. Structural failures produce one error naming every
// violation; semantic rules (version values, reserved prefixes, passthrough
// arity) live in build.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["manifestVersion", "protocol_version", "executable", "persistent", "functions"],
  "properties": {
    "manifestVersion": {"type": "integer"},
    "protocol_version": {"type": "string"},
    "description": {"type": "string"},
    "executable": {"type": "string", "minLength": 1},
    "persistent": {"type": "boolean"},
    "passthrough": {"type": "boolean"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "functions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "description"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "parameters": {
            "type": "object",
            "properties": {
              "type": {"type": "string"},
              "properties": {"type": "object"},
              "required": {"type": "array", "items": {"type": "string"}}
            }
          },
          "tags": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// ValidateDocument checks a raw manifest document against the manifest
// schema and reports every violation in one error.
func ValidateDocument(payload []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(details, "; "))
}
