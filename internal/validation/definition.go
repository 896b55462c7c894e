package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for workflow definitions as
// submitted by callers. Embedded as a constant to avoid filesystem
// dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/definition.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step_number", "name"],
      "properties": {
        "step_number": {
          "type": "integer",
          "minimum": 1
        },
        "name": {
          "type": "string",
          "minLength": 1
        },
        "assigned_worker_id": {
          "type": "string"
        },
        "program": {
          "type": "string"
        }
      },
      "additionalProperties": false
    }
  }
}`

// Definition is the caller-facing shape of a workflow before it is stored.
type Definition struct {
	Name  string           `json:"name"`
	Steps []StepDefinition `json:"steps"`
}

// StepDefinition describes one step of a Definition.
type StepDefinition struct {
	StepNumber       int    `json:"step_number"`
	Name             string `json:"name"`
	AssignedWorkerID string `json:"assigned_worker_id,omitempty"`
	Program          string `json:"program,omitempty"`
}

// DefinitionValidator checks workflow definitions against the embedded
// JSON Schema plus structural rules the schema cannot express. Safe for
// concurrent use.
type DefinitionValidator struct {
	compiled *jsonschema.Schema
}

// NewDefinitionValidator pre-compiles the definition schema.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/definition.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile("https://loomworks.dev/schemas/definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &DefinitionValidator{compiled: compiled}, nil
}

// ValidateDefinition checks raw JSON against the definition schema, then the
// step-number rules: numbers must form the dense sequence 1..N with no gaps
// or duplicates (any order of appearance is accepted).
func (v *DefinitionValidator) ValidateDefinition(raw []byte) (*Definition, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is not valid JSON").WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return nil, toLoomError(err)
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode definition").WithCause(err)
	}

	seen := make(map[int]struct{}, len(def.Steps))
	for _, st := range def.Steps {
		if _, dup := seen[st.StepNumber]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidSequence,
				"duplicate step number %d", st.StepNumber)
		}
		seen[st.StepNumber] = struct{}{}
	}
	for n := 1; n <= len(def.Steps); n++ {
		if _, ok := seen[n]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidSequence,
				"step numbers must form 1..%d, missing %d", len(def.Steps), n)
		}
	}

	return &def, nil
}

// Materialize converts a validated definition into store rows with fresh IDs.
// The workflow starts pending with all steps pending.
func Materialize(def *Definition) (*store.Workflow, []*store.Step) {
	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:        uuid.NewString(),
		Name:      def.Name,
		Status:    schema.WorkflowStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	steps := make([]*store.Step, 0, len(def.Steps))
	for _, sd := range def.Steps {
		steps = append(steps, &store.Step{
			ID:               uuid.NewString(),
			WorkflowID:       wf.ID,
			StepNumber:       sd.StepNumber,
			Name:             sd.Name,
			AssignedWorkerID: sd.AssignedWorkerID,
			Program:          sd.Program,
			Status:           schema.StepStatusPending,
		})
	}
	return wf, steps
}

// toLoomError converts a jsonschema.ValidationError into a LoomError with
// the leaf violations listed in the details.
func toLoomError(err error) *schema.LoomError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"definition failed validation with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
