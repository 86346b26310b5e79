// Package param validates plugin parameter schemas and resolves
// caller-provided values against them.
//
// Grounded on original_source/src/services/plugin_service.rs
// (validate_parameters) and src/services/execution_service.rs
// (resolve_parameters), generalized per spec.md §4.3.
package param

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/models"
)

// ValidateSchema checks a declared parameter schema: names are trimmed,
// non-empty, carry no surrounding whitespace, and are unique; a present
// default must match the declared type and (if choices are set) must be
// among them.
func ValidateSchema(schema []models.Parameter) error {
	seen := make(map[string]struct{}, len(schema))

	for _, p := range schema {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return apperr.Validation("parameter name cannot be empty")
		}
		if name != p.Name {
			return apperr.Validation("parameter name has leading/trailing whitespace: %q", p.Name)
		}
		if _, dup := seen[name]; dup {
			return apperr.Validation("duplicate parameter name: %s", name)
		}
		seen[name] = struct{}{}

		if p.Default != nil {
			if !matchesType(p.Type, p.Default) {
				return apperr.Validation("default value for parameter %q does not match type %s", name, p.Type)
			}
			if len(p.Choices) > 0 && !inChoices(p.Default, p.Choices) {
				return apperr.Validation("default value for parameter %q is not among its choices", name)
			}
		}
	}

	return nil
}

// Resolve validates provided values against schema and fills in
// defaults for parameters the caller omitted.
//
//   - empty schema, empty provided -> empty map
//   - empty schema, non-empty provided -> UnknownParameter (ValidationError)
//   - provided name not in schema -> UnknownParameter
//   - provided value type mismatch, or not in choices -> ValidationError
//   - schema param missing from provided with no default -> MissingParameter
func Resolve(schema []models.Parameter, provided map[string]interface{}) (map[string]interface{}, error) {
	if len(schema) == 0 {
		if len(provided) == 0 {
			return map[string]interface{}{}, nil
		}
		return nil, apperr.Validation("plugin does not declare any parameters")
	}

	byName := make(map[string]models.Parameter, len(schema))
	for _, p := range schema {
		byName[p.Name] = p
	}

	resolved := make(map[string]interface{}, len(schema))

	for name, value := range provided {
		p, ok := byName[name]
		if !ok {
			return nil, apperr.Validation("unknown parameter: %s", name)
		}
		if !matchesType(p.Type, value) {
			return nil, apperr.Validation("parameter %q does not match type %s", name, p.Type)
		}
		if len(p.Choices) > 0 && !inChoices(value, p.Choices) {
			return nil, apperr.Validation("parameter %q is not among its allowed choices", name)
		}
		resolved[name] = value
	}

	for _, p := range schema {
		if _, ok := resolved[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			if len(p.Choices) > 0 && !inChoices(p.Default, p.Choices) {
				return nil, apperr.Validation("default value for parameter %q is not among its choices", p.Name)
			}
			resolved[p.Name] = p.Default
			continue
		}
		return nil, apperr.Validation("missing required parameter: %s", p.Name)
	}

	return resolved, nil
}

func matchesType(t models.ParamType, value interface{}) bool {
	switch t {
	case models.ParamString:
		_, ok := value.(string)
		return ok
	case models.ParamNumber:
		return isJSONNumber(value)
	case models.ParamInteger:
		return isJSONInteger(value)
	case models.ParamBoolean:
		_, ok := value.(bool)
		return ok
	case models.ParamJSON:
		return true
	default:
		return false
	}
}

// isJSONNumber matches any value decoded from JSON as a number; values
// decoded with encoding/json default settings arrive as float64.
func isJSONNumber(value interface{}) bool {
	switch value.(type) {
	case float64, float32, int, int64, json.Number:
		return true
	default:
		return false
	}
}

// isJSONInteger matches any JSON number with no fractional part.
func isJSONInteger(value interface{}) bool {
	switch v := value.(type) {
	case float64:
		return v == float64(int64(v))
	case float32:
		return v == float32(int64(v))
	case int, int64:
		return true
	case json.Number:
		_, err := v.Int64()
		return err == nil
	default:
		return false
	}
}

func inChoices(value interface{}, choices []interface{}) bool {
	for _, c := range choices {
		if reflect.DeepEqual(value, c) {
			return true
		}
	}
	return false
}
