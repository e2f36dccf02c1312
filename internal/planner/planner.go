// Package planner turns a normalized operator command into a
// structured execution plan. It defines the pluggable
// `Plan(cmd) (Output, error)` boundary an external LLM collaborator
// implements via the Planner interface, and ships a deterministic,
// network-free TemplatePlanner that reads `/template` definitions.
// Planner output is a three-variant sum type (NeedInput |
// ValidatedCommand | ExecutionPlan) validated against a JSON Schema
// before acceptance.
package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sintraprime/ger/internal/gerr"
	"github.com/sintraprime/ger/internal/model"
)

// Kind tags which PlannerOutput variant was produced.
type Kind string

const (
	KindNeedInput        Kind = "NEED_INPUT"
	KindValidatedCommand Kind = "VALIDATED_COMMAND"
	KindExecutionPlan    Kind = "EXECUTION_PLAN"
)

// Output is the sum-typed result of planning a command. Exactly one
// of the Kind-matching fields is populated.
type Output struct {
	Kind Kind `json:"kind"`

	// NEED_INPUT
	Prompt        string   `json:"prompt,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`

	// VALIDATED_COMMAND
	NormalizedCommand string `json:"normalized_command,omitempty"`

	// EXECUTION_PLAN
	Plan *model.Plan `json:"plan,omitempty"`
}

// Planner maps a normalized command to an Output. Implementations may
// call out to an external collaborator (an LLM agent); planner itself
// never executes anything.
type Planner interface {
	Plan(cmd model.Command) (Output, error)
}

// outputSchema is the JSON Schema every PlannerOutput must validate
// against before acceptance.
const outputSchema = `{
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {"type": "string", "enum": ["NEED_INPUT", "VALIDATED_COMMAND", "EXECUTION_PLAN"]},
    "prompt": {"type": "string"},
    "missing_fields": {"type": "array", "items": {"type": "string"}},
    "normalized_command": {"type": "string"},
    "plan": {
      "type": "object",
      "required": ["execution_id"],
      "properties": {
        "execution_id": {"type": "string"},
        "thread_id": {"type": "string"},
        "goal": {"type": "string"}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"kind": {"const": "NEED_INPUT"}}},
      "then": {"required": ["kind", "prompt"]}
    },
    {
      "if": {"properties": {"kind": {"const": "VALIDATED_COMMAND"}}},
      "then": {"required": ["kind", "normalized_command"]}
    },
    {
      "if": {"properties": {"kind": {"const": "EXECUTION_PLAN"}}},
      "then": {"required": ["kind", "plan"]}
    }
  ]
}`

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("planner_output.json", strings.NewReader(outputSchema)); err != nil {
		panic(fmt.Sprintf("planner: compile schema resource: %v", err))
	}
	s, err := c.Compile("planner_output.json")
	if err != nil {
		panic(fmt.Sprintf("planner: compile schema: %v", err))
	}
	return s
}

// Validate checks raw planner-agent output against the PlannerOutput
// schema and decodes it. On schema failure it returns a
// PLANNER_SCHEMA_ERROR-coded error.
func Validate(raw []byte) (Output, error) {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Output{}, gerr.New(gerr.PlannerSchemaError, "malformed JSON from planner").WithDetails(err.Error())
	}
	if err := schema.Validate(decoded); err != nil {
		return Output{}, gerr.New(gerr.PlannerSchemaError, "planner output failed schema validation").WithDetails(err.Error())
	}
	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return Output{}, gerr.New(gerr.PlannerSchemaError, "planner output did not decode to Output").WithDetails(err.Error())
	}
	return out, nil
}

// PlanWithRetry calls fn once, and on a PLANNER_SCHEMA_ERROR retries
// exactly once unless strict is set.
func PlanWithRetry(strict bool, fn func() ([]byte, error)) (Output, error) {
	raw, err := fn()
	if err != nil {
		return Output{}, err
	}
	out, verr := Validate(raw)
	if verr == nil {
		return out, nil
	}
	if strict {
		return Output{}, verr
	}

	raw2, err := fn()
	if err != nil {
		return Output{}, err
	}
	return Validate(raw2)
}

// Template is a pre-authored plan definition loaded from
// templates/<name>.json: a plan skeleton with `{{placeholders}}`
// substituted from the caller-supplied params map.
type Template struct {
	Name string          `json:"name"`
	Plan json.RawMessage `json:"plan"`
}

// TemplateStore loads named templates from a directory, backing the
// `template list | show <name> | run <name> <json>` commands.
type TemplateStore struct {
	dir string
}

// NewTemplateStore constructs a TemplateStore rooted at dir.
func NewTemplateStore(dir string) *TemplateStore {
	return &TemplateStore{dir: dir}
}

// List returns the names of every template in the store.
func (t *TemplateStore) List() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("planner: list templates: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name()[:len(e.Name())-len(".json")])
		}
	}
	return names, nil
}

// Show loads and returns the raw template definition by name.
func (t *TemplateStore) Show(name string) (Template, error) {
	data, err := os.ReadFile(filepath.Join(t.dir, name+".json"))
	if err != nil {
		return Template{}, fmt.Errorf("planner: read template %s: %w", name, err)
	}
	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return Template{}, fmt.Errorf("planner: decode template %s: %w", name, err)
	}
	return tpl, nil
}

// TemplatePlanner turns `/template run <name> <json>` invocations into
// an ExecutionPlan by substituting params into the named template's
// plan skeleton. It performs no network I/O and is fully deterministic.
type TemplatePlanner struct {
	store *TemplateStore
}

// NewTemplatePlanner constructs a TemplatePlanner backed by store.
func NewTemplatePlanner(store *TemplateStore) *TemplatePlanner {
	return &TemplatePlanner{store: store}
}

// Run substitutes params into template name's plan skeleton and
// validates the result as an EXECUTION_PLAN PlannerOutput.
func (p *TemplatePlanner) Run(name string, params map[string]interface{}) (Output, error) {
	tpl, err := p.store.Show(name)
	if err != nil {
		return Output{}, err
	}

	substituted, err := substitute(tpl.Plan, params)
	if err != nil {
		return Output{}, fmt.Errorf("planner: substitute template %s: %w", name, err)
	}

	wrapped, err := json.Marshal(map[string]interface{}{
		"kind": KindExecutionPlan,
		"plan": json.RawMessage(substituted),
	})
	if err != nil {
		return Output{}, fmt.Errorf("planner: wrap template %s: %w", name, err)
	}
	return Validate(wrapped)
}

// substitute replaces every "{{key}}" string leaf in raw with the
// JSON-encoded value of params[key], leaving non-placeholder content
// untouched.
func substitute(raw json.RawMessage, params map[string]interface{}) (json.RawMessage, error) {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	replaced := substituteValue(decoded, params)
	return json.Marshal(replaced)
}

func substituteValue(v interface{}, params map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if len(t) > 4 && t[:2] == "{{" && t[len(t)-2:] == "}}" {
			key := t[2 : len(t)-2]
			if val, ok := params[key]; ok {
				return val
			}
		}
		return t
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = substituteValue(e, params)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = substituteValue(e, params)
		}
		return out
	default:
		return t
	}
}
