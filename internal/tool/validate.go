package tool

import (
	"fmt"
	"reflect"
)

// ValidateArgs checks call arguments against the definition's parameter
// schema before the handler runs. It returns a copy of the arguments with
// defaults applied, or an error describing the first violation. Unknown
// parameters pass through untouched.
func ValidateArgs(def Definition, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	for name, spec := range def.Params {
		value, present := out[name]
		if !present {
			if spec.Required {
				return nil, fmt.Errorf("missing required parameter %q", name)
			}
			if spec.Default != nil {
				out[name] = spec.Default
			}
			continue
		}

		if !typeMatches(spec.Type, value) {
			return nil, fmt.Errorf("parameter %q: expected %s, got %T", name, spec.Type, value)
		}

		if len(spec.Enum) > 0 && !enumContains(spec.Enum, value) {
			return nil, fmt.Errorf("parameter %q: value %v not in enum %v", name, value, spec.Enum)
		}
	}

	return out, nil
}

// typeMatches checks a decoded JSON value against a schema type name.
// JSON numbers decode as float64, so integer accepts whole floats.
func typeMatches(schemaType string, value any) bool {
	switch schemaType {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		switch n := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		default:
			return false
		}
	case "array":
		kind := reflect.ValueOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func enumContains(enum []any, value any) bool {
	for _, candidate := range enum {
		if reflect.DeepEqual(candidate, value) {
			return true
		}
		// Numeric enum entries written as ints must match decoded floats.
		if isNumber(candidate) && isNumber(value) &&
			fmt.Sprintf("%v", candidate) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}
