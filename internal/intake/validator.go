// Package intake normalizes raw remediation payloads into validated commands.
// Validation is two-phase in the style of a schema-then-domain pipeline:
// JSON Schema for structure, Go rules for per-kind parameter shape. All
// failures for a payload are reported together, not just the first.
package intake

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/isc-ryoung/remedyd/internal/model"
)

//go:embed schema.json
var schemaJSON []byte

// FieldError names one missing or malformed field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field problem found in one payload.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		if f.Field == "" {
			msgs[i] = f.Message
		} else {
			msgs[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
		}
	}
	return "invalid intake payload: " + strings.Join(msgs, "; ")
}

// Validator turns raw payloads into Commands, assigning id and arrival order.
type Validator struct {
	schema *sjsonschema.Schema
	seq    atomic.Uint64
	now    func() time.Time
}

func NewValidator() (*Validator, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal intake schema: %w", err)
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("intake.json", doc); err != nil {
		return nil, fmt.Errorf("add intake schema resource: %w", err)
	}
	sch, err := c.Compile("intake.json")
	if err != nil {
		return nil, fmt.Errorf("compile intake schema: %w", err)
	}

	return &Validator{
		schema: sch,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// ValidateJSON parses and validates a JSON payload.
func (v *Validator) ValidateJSON(data []byte) (model.Command, *model.Advisory, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Command{}, nil, &ValidationError{Fields: []FieldError{
			{Field: "", Message: fmt.Sprintf("payload is not valid JSON: %v", err)},
		}}
	}
	raw, ok := doc.(map[string]any)
	if !ok {
		return model.Command{}, nil, &ValidationError{Fields: []FieldError{
			{Field: "", Message: "payload must be a JSON object"},
		}}
	}
	return v.Validate(raw)
}

// Validate checks a decoded payload and, when well-formed, returns the
// Command with id and received_at assigned. The command is not enqueued.
func (v *Validator) Validate(raw map[string]any) (model.Command, *model.Advisory, error) {
	var fields []FieldError

	if err := v.schema.Validate(any(raw)); err != nil {
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flatten(ve) {
				fields = append(fields, FieldError{
					Field:   strings.Join(cause.InstanceLocation, "/"),
					Message: fmt.Sprintf("%v", cause.ErrorKind),
				})
			}
		} else {
			fields = append(fields, FieldError{Message: err.Error()})
		}
	}

	kind := model.ActionKind(asString(raw["action_kind"]))
	if params, ok := raw["parameters"].(map[string]any); ok {
		fields = append(fields, checkParameters(kind, params)...)
	}

	if len(fields) > 0 {
		return model.Command{}, nil, &ValidationError{Fields: fields}
	}

	cmd := model.Command{
		ID:             uuid.NewString(),
		Kind:           kind,
		TargetResource: asString(raw["target_resource"]),
		Parameters:     raw["parameters"].(map[string]any),
		Priority:       model.PriorityNormal,
		ReceivedAt:     v.now(),
		Seq:            v.seq.Add(1),
	}
	if p, ok := raw["priority"].(string); ok {
		cmd.Priority = model.Priority(p)
	}
	if a, ok := raw["approved"].(bool); ok {
		cmd.Approved = a
	}
	if r, ok := raw["requester"].(string); ok {
		cmd.Requester = r
	}
	if deps, ok := raw["dependencies"].([]any); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok {
				cmd.Dependencies = append(cmd.Dependencies, s)
			}
		}
	}

	var advisory *model.Advisory
	if adv, ok := raw["advisory"].(map[string]any); ok {
		advisory = &model.Advisory{
			SuggestedHandler: asString(adv["suggested_handler"]),
			Rationale:        asString(adv["rationale"]),
			EstimatedRisk:    model.Risk(asString(adv["estimated_risk"])),
		}
	}
	cmd.Advisory = advisory

	return cmd, advisory, nil
}

// checkParameters enforces the minimal per-kind parameter shape. Handler
// validation goes deeper; this only rejects payloads that could never route.
func checkParameters(kind model.ActionKind, params map[string]any) []FieldError {
	var fields []FieldError

	requireString := func(name string) {
		v, ok := params[name]
		if !ok {
			fields = append(fields, FieldError{
				Field:   "parameters/" + name,
				Message: "required for " + string(kind),
			})
			return
		}
		if s, isStr := v.(string); !isStr || s == "" {
			fields = append(fields, FieldError{
				Field:   "parameters/" + name,
				Message: "must be a non-empty string",
			})
		}
	}

	switch kind {
	case model.ActionConfigChange:
		requireString("section")
		requireString("key")
		requireString("value")
	case model.ActionOSReconfig:
		requireString("resource")
		if _, ok := params["value"]; !ok {
			fields = append(fields, FieldError{
				Field:   "parameters/value",
				Message: "required for " + string(kind),
			})
		}
	case model.ActionRestart:
		mode, ok := params["mode"].(string)
		if !ok || mode == "" {
			fields = append(fields, FieldError{
				Field:   "parameters/mode",
				Message: "required for " + string(kind),
			})
		} else if mode != "graceful" && mode != "forced" {
			fields = append(fields, FieldError{
				Field:   "parameters/mode",
				Message: "must be graceful or forced",
			})
		}
	}

	return fields
}

func flatten(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flatten(cause)...)
	}
	return flat
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
