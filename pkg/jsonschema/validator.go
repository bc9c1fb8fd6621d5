// Package jsonschema validates response bodies against JSON schemas that
// are compiled once and shared by every session.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrors represents a collection of validation errors
type ValidationErrors []error

// Error implements the error interface for ValidationErrors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Schema is a compiled JSON schema. It is safe for concurrent use.
type Schema struct {
	compiled *jsonschema.Schema
}

var resourceSeq atomic.Uint64

// Compile compiles a schema given as a JSON string, raw bytes, or a decoded
// value such as a map read from a YAML test file.
func Compile(schema any) (*Schema, error) {
	var raw []byte
	switch s := schema.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		b, err := json.Marshal(normalize(schema))
		if err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		raw = b
	}

	compiler := jsonschema.NewCompiler()
	name := fmt.Sprintf("schema-%d.json", resourceSeq.Add(1))
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks body against the schema. It returns nil when the body
// is valid and ValidationErrors otherwise.
func (s *Schema) Validate(body []byte) error {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return ValidationErrors{fmt.Errorf("invalid JSON: %w", err)}
	}

	if err := s.compiled.Validate(data); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			if errs := extractValidationErrors(validationErr); len(errs) > 0 {
				return errs
			}
		}
		return ValidationErrors{err}
	}
	return nil
}

// Validate validates a JSON string against a JSON Schema string.
func Validate(jsonStr, schemaStr string) error {
	s, err := Compile(schemaStr)
	if err != nil {
		return err
	}
	return s.Validate([]byte(jsonStr))
}

// extractValidationErrors flattens the leaf causes of a validation error.
func extractValidationErrors(err *jsonschema.ValidationError) ValidationErrors {
	if len(err.Causes) == 0 {
		if err.Message == "" {
			return nil
		}
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return ValidationErrors{fmt.Errorf("%s: %s", loc, err.Message)}
	}

	var errors ValidationErrors
	for _, childErr := range err.Causes {
		errors = append(errors, extractValidationErrors(childErr)...)
	}
	return errors
}

// normalize converts map[interface{}]interface{} values, which some YAML
// decoders produce, into JSON-encodable maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
