package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema builds a JSON schema from a Go struct's tags.
//
// Supported tags:
//   - json:"name" - parameter name
//   - jsonschema:"required" - mark as required
//   - jsonschema:"description=..." - parameter description
//
// Example:
//
//	type searchArgs struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	}
func GenerateSchema[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	// Strip the $schema keyword; providers expect a bare object schema.
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "$schema")
	delete(m, "$id")
	return json.Marshal(m)
}

// MustSchema is GenerateSchema for compile-time-known types; it panics on
// reflection failure.
func MustSchema[T any]() json.RawMessage {
	schema, err := GenerateSchema[T]()
	if err != nil {
		panic(err)
	}
	return schema
}
