// ABOUTME: Parameter schema reflection and validation for tool calls
// ABOUTME: Collects every type, required-field, and constraint violation in one pass

package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// Violation describes one invalid parameter.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError aggregates every violation found in a parameter payload.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		if v.Field == "" {
			parts[i] = v.Reason
			continue
		}
		parts[i] = v.Field + ": " + v.Reason
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

// Defaulter is implemented by parameter structs that carry default values.
// SetDefaults runs before the payload is decoded over the struct.
type Defaulter interface {
	SetDefaults()
}

var reflector = jsonschema.Reflector{
	Anonymous:      true,
	ExpandedStruct: true,
	DoNotReference: true,
}

func reflectSchema(t reflect.Type) *jsonschema.Schema {
	s := reflector.ReflectFromType(t)
	s.Version = ""
	return s
}

// validate is shared; validator caches struct metadata per type.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}()

// Validate checks raw against the descriptor's schema and returns a pointer
// to the decoded parameter struct. On failure the error is a
// *ValidationError listing every violation.
func (d *Descriptor) Validate(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}

	var args map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, &ValidationError{Violations: []Violation{{Reason: "parameters must be a JSON object"}}}
	}

	violations := d.checkShape(args)

	// Fields that failed the shape checks are dropped before decoding so
	// the remaining fields still get their constraint checks.
	flagged := make(map[string]bool, len(violations))
	for _, v := range violations {
		flagged[v.Field] = true
		delete(args, v.Field)
	}
	clean, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("re-encoding %s parameters: %w", d.Name, err)
	}

	ptr := reflect.New(d.params)
	if def, ok := ptr.Interface().(Defaulter); ok {
		def.SetDefaults()
	}
	if err := json.Unmarshal(clean, ptr.Interface()); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, &ValidationError{Violations: append(violations, Violation{Reason: err.Error()})}
		}
		violations = append(violations, Violation{Field: typeErr.Field, Reason: "value out of range for type " + typeErr.Type.String()})
		flagged[typeErr.Field] = true
	}

	if err := validate.Struct(ptr.Interface()); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("validating %s parameters: %w", d.Name, err)
		}
		for _, fe := range fieldErrs {
			field := fieldPath(fe)
			if flagged[field] {
				continue
			}
			violations = append(violations, Violation{Field: field, Reason: describe(fe)})
		}
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return ptr.Interface(), nil
}

// checkShape performs the schema-level checks: required fields present,
// no unknown fields, and JSON types matching the declared types.
func (d *Descriptor) checkShape(args map[string]any) []Violation {
	var out []Violation

	for _, name := range d.schema.Required {
		if v, ok := args[name]; !ok || v == nil {
			out = append(out, Violation{Field: name, Reason: "is required"})
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := args[key]
		prop, ok := d.property(key)
		if !ok {
			out = append(out, Violation{Field: key, Reason: "is not a recognized parameter"})
			continue
		}
		if v == nil {
			continue
		}
		if !matchesType(prop.Type, v) {
			out = append(out, Violation{Field: key, Reason: "must be of type " + prop.Type})
		}
	}
	return out
}

func (d *Descriptor) property(name string) (*jsonschema.Schema, bool) {
	if d.schema.Properties == nil {
		return nil, false
	}
	return d.schema.Properties.Get(name)
}

func matchesType(schemaType string, v any) bool {
	switch schemaType {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		n, ok := v.(json.Number)
		if !ok {
			return false
		}
		_, err := n.Int64()
		return err == nil
	case "number":
		_, ok := v.(json.Number)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

// fieldPath returns the dotted JSON path of fe without the root struct name.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	isString := fe.Kind() == reflect.String
	switch fe.Tag() {
	case "required":
		if isString {
			return "must not be empty"
		}
		return "is required"
	case "min":
		if isString {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return "must be >= " + fe.Param()
	case "max":
		if isString {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return "must be <= " + fe.Param()
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
