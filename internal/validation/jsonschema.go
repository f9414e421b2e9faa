package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/opflow/pkg/schema"
)

const workflowSchemaURL = "https://opflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes the shape of a definition. Kind-specific
// required fields are expressed with if/then on the type discriminator.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "start", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "start": { "type": "string", "minLength": 1 },
    "execution": { "enum": ["local", "remote"] },
    "nodes": { "$ref": "#/$defs/steps", "minItems": 1 },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": { "type": "string", "minLength": 1 },
          "to": { "type": "string", "minLength": 1 },
          "condition": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": { "type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" },
    "steps": { "type": "array", "items": { "$ref": "#/$defs/step" } },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "enum": ["code", "llm", "question", "conditional", "loop", "nested"] },
        "name": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "retry": {
          "type": "object",
          "properties": {
            "maxAttempts": { "type": "integer", "minimum": 0 },
            "backoff": { "enum": ["constant", "linear", "exponential"] },
            "delay": { "$ref": "#/$defs/duration" },
            "maxDelay": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false
        },
        "onError": {
          "type": "object",
          "required": ["strategy"],
          "properties": {
            "strategy": { "enum": ["fail", "ignore", "route"] },
            "target": { "type": "string" }
          },
          "additionalProperties": false
        },
        "language": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "model": { "type": "string" },
        "system": { "type": "string" },
        "prompt": { "type": "string", "minLength": 1 },
        "outputKey": { "type": "string", "minLength": 1 },
        "temperature": { "type": "number", "minimum": 0 },
        "maxTokens": { "type": "integer", "minimum": 0 },
        "variable": { "type": "string", "minLength": 1 },
        "options": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": { "type": "string", "minLength": 1 },
              "label": { "type": "string" }
            },
            "additionalProperties": false
          }
        },
        "expression": { "type": "string", "minLength": 1 },
        "branches": { "type": "object", "additionalProperties": { "$ref": "#/$defs/steps" } },
        "default": { "$ref": "#/$defs/steps" },
        "collection": { "type": "string", "minLength": 1 },
        "itemVariable": { "type": "string", "minLength": 1 },
        "maxIterations": { "type": "integer", "minimum": 0 },
        "steps": { "$ref": "#/$defs/steps" },
        "continueOnError": { "type": "boolean" },
        "workflowId": { "type": "string", "minLength": 1 },
        "workflow": { "$ref": "#" },
        "maxDepth": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "type": { "const": "code" } } }, "then": { "required": ["source"] } },
        { "if": { "properties": { "type": { "const": "llm" } } }, "then": { "required": ["prompt"] } },
        { "if": { "properties": { "type": { "const": "question" } } }, "then": { "required": ["prompt"] } },
        { "if": { "properties": { "type": { "const": "conditional" } } }, "then": { "required": ["expression"] } },
        { "if": { "properties": { "type": { "const": "loop" } } }, "then": { "required": ["collection", "steps"] } },
        { "if": { "properties": { "type": { "const": "nested" } } },
          "then": { "oneOf": [ { "required": ["workflowId"] }, { "required": ["workflow"] } ] } }
      ]
    }
  }
}`

// StructuralValidator checks definitions against the workflow JSON Schema.
// It is safe for concurrent use.
type StructuralValidator struct {
	schema *jsonschema.Schema
}

func NewStructuralValidator() (*StructuralValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &StructuralValidator{schema: compiled}, nil
}

// ValidateDocument validates a raw JSON definition.
func (v *StructuralValidator) ValidateDocument(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition is not valid JSON: "+err.Error())
		return result
	}
	v.check(doc, result)
	return result
}

// Validate validates a decoded definition by re-encoding it.
func (v *StructuralValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	raw, err := json.Marshal(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition cannot be encoded: "+err.Error())
		return result
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	v.check(doc, result)
	return result
}

func (v *StructuralValidator) check(doc any, result *schema.ValidationResult) {
	err := v.schema.Validate(doc)
	if err == nil {
		return
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	violations := collectViolations(verr)
	sort.Slice(violations, func(i, j int) bool { return violations[i].path < violations[j].path })
	for _, vi := range violations {
		result.AddError(vi.path, schema.ErrCodeValidation, vi.message)
	}
}

type violation struct {
	path, message string
}

// collectViolations flattens the leaves of a validation error tree.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		return []violation{{
			path:    "/" + strings.Join(verr.InstanceLocation, "/"),
			message: verr.Error(),
		}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
