// Package validate checks and normalizes untrusted entity input before it
// reaches a service. Each entity has a base schema; create schemas add
// cross-field refinements, update schemas make every field optional.
package validate

import (
	"errors"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Input is normalized input keyed by column. A missing key leaves the
// column unchanged; a key holding nil clears it.
type Input map[string]any

// Clone returns a shallow copy so callers can add store-managed columns.
func (in Input) Clone() Input {
	out := make(Input, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error lists every violated field. Violations are sorted by field, then
// message, so the same input always renders the same text.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Message
	}
	return "Invalid input: " + strings.Join(parts, "; ")
}

// Fields maps each violated field to its messages.
func (e *Error) Fields() map[string][]string {
	out := make(map[string][]string, len(e.Violations))
	for _, v := range e.Violations {
		out[v.Field] = append(out[v.Field], v.Message)
	}
	return out
}

// Invalid reports a single violation outside any schema, for example an
// argument of the wrong shape.
func Invalid(field, message string) *Error {
	return newError([]Violation{{Field: field, Message: message}})
}

func newError(violations []Violation) *Error {
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Field != violations[j].Field {
			return violations[i].Field < violations[j].Field
		}
		return violations[i].Message < violations[j].Message
	})
	return &Error{Violations: violations}
}

// Refinement is a cross-field rule. It sees only field-valid input and
// returns nil when the rule holds.
type Refinement func(Input) *Violation

type Schema struct {
	name    string
	fields  []field
	partial bool
	refine  Refinement
}

func newSchema(name string, fields []field, refine Refinement) *Schema {
	return &Schema{name: name, fields: fields, refine: refine}
}

// Partial returns the update variant: every field optional, explicit null
// accepted for optional fields, and no refinement.
func (s *Schema) Partial() *Schema {
	return &Schema{name: s.name, fields: s.fields, partial: true}
}

func (s *Schema) Name() string { return s.name }

// Fields lists the column names the schema accepts.
func (s *Schema) Fields() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.name
	}
	return names
}

// Required reports whether the create variant demands name.
func (s *Schema) Required(name string) bool {
	for _, f := range s.fields {
		if f.name == name {
			return f.required
		}
	}
	return false
}

// Validate returns the normalized subset of raw that the schema declares.
// Undeclared keys, including owner and id columns, are dropped.
func (s *Schema) Validate(raw map[string]any) (Input, error) {
	out := make(Input, len(s.fields))
	checked := make(map[string]any, len(s.fields))
	var violations []Violation
	keys := make([]*validation.KeyRules, 0, len(s.fields))

	for _, f := range s.fields {
		value, present := raw[f.name]
		if present {
			normalized, err := f.normalize(value)
			if err != nil {
				violations = append(violations, Violation{Field: f.name, Message: err.Error()})
				continue
			}
			out[f.name] = normalized
			checked[f.name] = normalized
		} else if f.required && !s.partial {
			checked[f.name] = nil
		}
		keys = append(keys, validation.Key(f.name, f.rules()...).Optional())
	}

	if err := validation.Map(keys...).AllowExtraKeys().Validate(checked); err != nil {
		var fieldErrs validation.Errors
		if !errors.As(err, &fieldErrs) {
			return nil, err
		}
		for name, fieldErr := range fieldErrs {
			violations = append(violations, Violation{Field: name, Message: fieldErr.Error()})
		}
	}
	if len(violations) > 0 {
		return nil, newError(violations)
	}

	if s.refine != nil && !s.partial {
		if v := s.refine(out); v != nil {
			return nil, newError([]Violation{*v})
		}
	}
	return out, nil
}

// atLeastOne holds when any of fields carries a non-nil value. The
// violation is attributed to the first field.
func atLeastOne(fields ...string) Refinement {
	message := "at least one of " + strings.Join(fields[:len(fields)-1], ", ") + " or " + fields[len(fields)-1] + " is required"
	return func(in Input) *Violation {
		for _, f := range fields {
			if in[f] != nil {
				return nil
			}
		}
		return &Violation{Field: fields[0], Message: message}
	}
}

// ID checks a record id argument and returns it in canonical form:
// trimmed and lower-cased, the way Postgres prints a uuid.
func ID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := validation.Validate(normalized, validation.Required, is.UUID); err != nil {
		return "", newError([]Violation{{Field: "id", Message: err.Error()}})
	}
	return normalized, nil
}
