// internal/schema/validator.go
// Package schema validates JSON request bodies before they reach the service.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Names of the request schemas.
const (
	UploadMetadata = "upload.metadata"
	BatchDelete    = "files.batchDelete"
	CopyFile       = "files.copy"
	SwitchStrategy = "storage.switch"
)

// definitions are the request schemas by name.
var definitions = map[string]string{
	UploadMetadata: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"originalName": {"type": "string", "minLength": 1, "maxLength": 255},
			"mimeType": {"type": "string", "pattern": "^[a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+$"},
			"bucket": {"type": "string", "pattern": "^[a-z0-9][a-z0-9._-]{0,62}$"},
			"isPublic": {"type": "boolean"},
			"overwrite": {"type": "boolean"},
			"size": {"type": "integer", "minimum": 0}
		}
	}`,
	BatchDelete: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["fileIds"],
		"properties": {
			"fileIds": {
				"type": "array",
				"minItems": 1,
				"maxItems": 500,
				"uniqueItems": true,
				"items": {"type": "string", "minLength": 1}
			}
		}
	}`,
	CopyFile: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["targetBucket"],
		"properties": {
			"targetBucket": {"type": "string", "pattern": "^[a-z0-9][a-z0-9._-]{0,62}$"}
		}
	}`,
	SwitchStrategy: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["strategy"],
		"properties": {
			"strategy": {"type": "string", "minLength": 1}
		}
	}`,
}

// ValidationError lists every schema violation of one document.
type ValidationError struct {
	Schema string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, strings.Join(e.Issues, "; "))
}

// Validator validates request bodies against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles all request schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(definitions))}
	for name, def := range definitions {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Validate checks body against the named schema. Violations are returned as
// *ValidationError, malformed JSON as a plain error.
func (v *Validator) Validate(name string, body []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("schema not found: %s", name)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{Schema: name}
	for _, desc := range result.Errors() {
		verr.Issues = append(verr.Issues, desc.String())
	}
	return verr
}
