// Package jsonval validates dynamic JSON payloads at the storage boundary.
// The stores treat session state, event content, memory values, and metadata
// as opaque blobs; this package rejects malformed input before anything is
// written.
package jsonval

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

var objectSchema = gojsonschema.NewStringLoader(`{"type": "object"}`)

// ValidateObject checks that raw is a well-formed JSON object. Session state
// deltas, event content, and metadata documents must be objects so shallow
// merges are well-defined.
func ValidateObject(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty JSON document")
	}
	result, err := gojsonschema.Validate(objectSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("expected a JSON object, got: %s", firstError(result))
	}
	return nil
}

// ValidateValue checks that raw is any well-formed JSON value.
func ValidateValue(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty JSON value")
	}
	if !json.Valid(raw) {
		return fmt.Errorf("malformed JSON value")
	}
	return nil
}

func firstError(result *gojsonschema.Result) string {
	for _, e := range result.Errors() {
		return e.String()
	}
	return "invalid"
}
