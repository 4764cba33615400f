package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stagehand/pkg/schema"
)

const definitionSchemaURL = "https://stagehand.dev/schemas/graph.json"

// definitionSchemaJSON is the JSON Schema every graph definition document
// must satisfy before Build sees it.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagehand.dev/schemas/graph.json",
  "$ref": "#/$defs/graph",
  "$defs": {
    "graph": {
      "type": "object",
      "required": ["nodes"],
      "properties": {
        "id": { "type": "string" },
        "name": { "type": "string" },
        "nodes": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/node" }
        },
        "edges": {
          "type": "array",
          "items": { "$ref": "#/$defs/edge" }
        },
        "child_graphs": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/graph" }
        }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "origin": { "type": "boolean" },
        "rollback": { "type": "boolean" },
        "timeout_millis": { "type": "integer", "minimum": -1 },
        "wait_interval_seconds": { "type": "integer", "minimum": 0 },
        "required_context_element_type": { "type": "string" },
        "child_graph_id": { "type": "string" },
        "skip_condition": { "type": "string" },
        "properties": { "type": "object" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to", "kind"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "kind": { "enum": ["SUCCESS", "FAILURE", "FORK", "REPEAT", "CONDITIONAL"] },
        "from_rollback": { "type": "boolean" },
        "to_rollback": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

var (
	definitionSchemaOnce sync.Once
	definitionSchema     *jsonschema.Schema
	definitionSchemaErr  error
)

func compiledDefinitionSchema() (*jsonschema.Schema, error) {
	definitionSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
		if err != nil {
			definitionSchemaErr = fmt.Errorf("unmarshal graph schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(definitionSchemaURL, doc); err != nil {
			definitionSchemaErr = fmt.Errorf("add graph schema resource: %w", err)
			return
		}
		definitionSchema, definitionSchemaErr = c.Compile(definitionSchemaURL)
	})
	return definitionSchema, definitionSchemaErr
}

// ValidateDefinition checks a raw JSON definition document against the graph
// schema and reports every violation found.
func ValidateDefinition(raw []byte) *schema.DefinitionReport {
	report := &schema.DefinitionReport{}
	sch, err := compiledDefinitionSchema()
	if err != nil {
		report.Add("/", "%v", err)
		return report
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		report.Add("/", "invalid JSON: %v", err)
		return report
	}
	if m, ok := doc.(map[string]any); ok {
		report.GraphID, _ = m["id"].(string)
	}
	if err := sch.Validate(doc); err != nil {
		collectViolations(report, err)
	}
	return report
}

func collectViolations(report *schema.DefinitionReport, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		report.Add("/", "%v", err)
		return
	}
	if len(verr.Causes) == 0 {
		report.Add("/"+strings.Join(verr.InstanceLocation, "/"), "%s", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(report, cause)
	}
}

// ParseDefinition decodes a JSON or YAML definition, validates it against the
// schema and returns it. format is "json", "yaml" or "yml".
func ParseDefinition(data []byte, format string) (*schema.GraphDefinition, error) {
	raw := data
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewGraphBuildError(schema.ReasonInvalidDefinition, "parse yaml: %v", err).WithCause(err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, schema.NewGraphBuildError(schema.ReasonInvalidDefinition, "convert yaml: %v", err).WithCause(err)
		}
		raw = converted
	case "json", "":
	default:
		return nil, schema.NewGraphBuildError(schema.ReasonInvalidDefinition, "unsupported definition format %q", format)
	}

	if report := ValidateDefinition(raw); !report.Valid() {
		return nil, report.Err()
	}
	def := &schema.GraphDefinition{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, schema.NewGraphBuildError(schema.ReasonInvalidDefinition, "decode definition: %v", err).WithCause(err)
	}
	return def, nil
}

// LoadDefinitionFile reads a definition from disk, picking the format from
// the file extension. A definition without an id takes the file base name.
func LoadDefinitionFile(path string) (*schema.GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	ext := filepath.Ext(path)
	def, err := ParseDefinition(data, ext)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), ext)
	}
	return def, nil
}
