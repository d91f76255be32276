package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/descartes-run/descartes/internal/errkind"
)

// definitionSchema constrains the shape workflow YAML documents must
// take, catching malformed documents (missing name, unknown gate type)
// before a run is ever started rather than failing mid-flight inside
// driveStage; ParseDefinition adds the stage-graph checks (dangling or
// self-referential next) that the schema cannot express.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "stages"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "category"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "category": {"type": "string", "minLength": 1},
          "next": {"type": "string"},
          "handoff_template": {"type": "string"},
          "gate": {
            "type": "object",
            "properties": {
              "type": {"enum": ["", "auto", "manual", "notify"]},
              "timeout_seconds": {"type": "integer", "minimum": 0},
              "timeout_action": {"enum": ["", "continue", "pause"]},
              "notify_url": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var compiledDefinitionSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workflow-definition.json", mustUnmarshalSchema(definitionSchema)); err != nil {
		panic(fmt.Errorf("workflow: compile definition schema: %w", err))
	}
	sch, err := c.Compile("workflow-definition.json")
	if err != nil {
		panic(fmt.Errorf("workflow: compile definition schema: %w", err))
	}
	compiledDefinitionSchema = sch
}

func mustUnmarshalSchema(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		panic(err)
	}
	return v
}

// ParseDefinition validates raw YAML against the workflow schema and
// decodes it into a Definition. Validation runs against the decoded
// JSON-shaped value (yaml.v3 -> yaml.Node -> generic map) rather than
// the raw bytes, since jsonschema/v6 validates Go values, not YAML
// text directly.
func ParseDefinition(raw []byte) (Definition, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return Definition{}, errkind.New(errkind.Validation, "workflow.ParseDefinition", fmt.Errorf("parse yaml: %w", err))
	}
	normalized, err := toJSONCompatible(generic)
	if err != nil {
		return Definition{}, errkind.New(errkind.Validation, "workflow.ParseDefinition", err)
	}
	if err := compiledDefinitionSchema.Validate(normalized); err != nil {
		return Definition{}, errkind.New(errkind.Validation, "workflow.ParseDefinition", fmt.Errorf("schema validation: %w", err))
	}

	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return Definition{}, errkind.New(errkind.Validation, "workflow.ParseDefinition", fmt.Errorf("decode: %w", err))
	}
	if _, ok := def.stageByName(def.Stages[0].Name); !ok {
		return Definition{}, errkind.New(errkind.Validation, "workflow.ParseDefinition", fmt.Errorf("first stage %q missing from stage list", def.Stages[0].Name))
	}
	for _, s := range def.Stages {
		if s.Next == s.Name {
			return Definition{}, errkind.New(errkind.Validation, "workflow.ParseDefinition", fmt.Errorf("stage %q: next names the stage itself", s.Name))
		}
		if s.Next != "" {
			if _, ok := def.stageByName(s.Next); !ok {
				return Definition{}, errkind.New(errkind.Validation, "workflow.ParseDefinition", fmt.Errorf("stage %q: next %q does not name a known stage", s.Name, s.Next))
			}
		}
	}
	return def, nil
}

// toJSONCompatible converts a yaml.v3-decoded value into the plain
// map[string]interface{}/[]interface{}/float64 shape jsonschema/v6
// expects, via an encoding/json round-trip.
func toJSONCompatible(v any) (any, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, err
	}
	return out, nil
}
