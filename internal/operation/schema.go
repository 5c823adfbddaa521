package operation

import (
	"fmt"
)

// ParamType constrains the value of a parameter.
type ParamType int

// Parameter types.
const (
	TypeAny ParamType = iota
	TypeString
	TypeNumber
	TypeBool
)

// String returns the type name used in error messages.
func (t ParamType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	default:
		return "any"
	}
}

// Param describes one named parameter an operation accepts.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
}

// ParamSchema is the full set of parameters an operation accepts.
// Parameters not listed are rejected.
type ParamSchema []Param

// Required is shorthand for a required parameter.
func Required(name string, t ParamType) Param {
	return Param{Name: name, Type: t, Required: true}
}

// Optional is shorthand for an optional parameter.
func Optional(name string, t ParamType) Param {
	return Param{Name: name, Type: t}
}

// Validate checks params against the schema. It fails with
// ErrIncorrectArguments when a required parameter is missing, an unknown
// parameter is present, or a value has the wrong type.
func (s ParamSchema) Validate(params map[string]any) error {
	known := make(map[string]Param, len(s))
	for _, p := range s {
		known[p.Name] = p
	}

	for name, value := range params {
		p, ok := known[name]
		if !ok {
			return fmt.Errorf("%w: unexpected parameter %q", ErrIncorrectArguments, name)
		}
		if !p.Type.accepts(value) {
			return fmt.Errorf("%w: parameter %q must be %s", ErrIncorrectArguments, name, p.Type)
		}
	}

	for _, p := range s {
		if !p.Required {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			return fmt.Errorf("%w: missing parameter %q", ErrIncorrectArguments, p.Name)
		}
	}

	return nil
}

func (t ParamType) accepts(v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := AsFloat(v)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

// AsFloat converts the numeric types produced by the JSON and CBOR codecs
// to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}

// String returns the string parameter name, or "" if absent or not a string.
func String(params map[string]any, name string) string {
	s, _ := params[name].(string) //nolint:errcheck // absent or mistyped reads as ""
	return s
}
