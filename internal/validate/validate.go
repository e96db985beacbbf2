// Package validate checks the shape of gateway requests against JSON schemas
// compiled once per (op, level) pair.
package validate

import (
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
)

var ErrInvalid = errors.New("invalid request")

type key struct {
	op    string
	level string
}

type Validator struct {
	schemas  map[key]*jsonschema.Resolved
	fallback *jsonschema.Resolved
}

func New() (*Validator, error) {
	v := &Validator{schemas: make(map[key]*jsonschema.Resolved)}
	for k, s := range definitions() {
		rs, err := s.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s %s schema: %w", k.op, k.level, err)
		}
		v.schemas[k] = rs
	}
	rs, err := object().Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fallback schema: %w", err)
	}
	v.fallback = rs
	return v, nil
}

// Validate checks req for the given op and level. Pairs without a dedicated
// schema only need to be an object. The returned error wraps ErrInvalid and
// carries the schema diagnostics in its message.
func (v *Validator) Validate(op, level string, req map[string]any) error {
	if req == nil {
		req = map[string]any{}
	}
	rs, ok := v.schemas[key{op: op, level: level}]
	if !ok {
		rs = v.fallback
	}
	if err := rs.Validate(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Diagnostics strips the ErrInvalid prefix from a Validate error.
func Diagnostics(err error) string {
	if err == nil {
		return ""
	}
	var u interface{ Unwrap() []error }
	if errors.As(err, &u) {
		for _, e := range u.Unwrap() {
			if !errors.Is(e, ErrInvalid) {
				return e.Error()
			}
		}
	}
	return err.Error()
}

func object() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

func timestamp() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Pattern: schema.TimestampPattern}
}

func detailsRequest(field string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{field: object()},
		Required:   []string{field},
	}
}

func pointsDetails() *jsonschema.Schema {
	tags := make([]any, 0, len(schema.Tags()))
	for _, t := range schema.Tags() {
		tags = append(tags, t)
	}
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"points-type":   {Type: "string", Enum: tags},
			"points-length": {Type: "integer", Minimum: jsonschema.Ptr(0.0), Maximum: jsonschema.Ptr(float64(schema.MaxPointsLength))},
		},
		Required: []string{"points-type", "points-length"},
	}
}

func definitions() map[key]*jsonschema.Schema {
	defs := map[key]*jsonschema.Schema{
		{"create", "network"}: detailsRequest("network-details"),
		{"create", "object"}:  detailsRequest("object-details"),
		{"create", "stream"}: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"stream-details": object(),
				"points-details": pointsDetails(),
			},
			Required: []string{"stream-details", "points-details"},
		},
		{"update", "network"}: detailsRequest("network-details"),
		{"update", "object"}:  detailsRequest("object-details"),
		{"update", "stream"}:  detailsRequest("stream-details"),
		{"update", "points"}: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"points": {
					Type:     "array",
					MinItems: jsonschema.Ptr(1),
					Items: &jsonschema.Schema{
						Type: "object",
						Properties: map[string]*jsonschema.Schema{
							"at": timestamp(),
						},
						Required: []string{"value"},
					},
				},
			},
			Required: []string{"points"},
		},
		{"search", "points"}: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"points": {
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"start": timestamp(),
						"end":   timestamp(),
						"limit": {Type: "integer", Minimum: jsonschema.Ptr(1.0)},
					},
				},
			},
		},
		{"delete", "points"}: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"points": {
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"before": timestamp(),
						"after":  timestamp(),
						"except": {Type: "integer", Minimum: jsonschema.Ptr(0.0)},
					},
				},
			},
		},
	}
	for _, level := range []string{"network", "object", "stream", "points"} {
		defs[key{"read", level}] = object()
		if _, ok := defs[key{"delete", level}]; !ok {
			defs[key{"delete", level}] = object()
		}
	}
	return defs
}
