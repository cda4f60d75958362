package aadsync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const directoryUserSchemaURL = "https://invent.unicef.org/schemas/directory-user.json"

const directoryUserSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"mail": {"type": ["string", "null"]},
		"givenName": {"type": ["string", "null"]},
		"surname": {"type": ["string", "null"]},
		"displayName": {"type": ["string", "null"]},
		"jobTitle": {"type": ["string", "null"]},
		"department": {"type": ["string", "null"]},
		"country": {"type": ["string", "null"]},
		"userPrincipalName": {"type": ["string", "null"]},
		"@removed": {"type": "object"}
	}
}`

// recordValidator checks raw directory records before they are decoded.
type recordValidator struct {
	schema *jsonschema.Schema
}

func newRecordValidator() (*recordValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(directoryUserSchema))
	if err != nil {
		return nil, fmt.Errorf("parse directory user schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(directoryUserSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add directory user schema: %w", err)
	}
	schema, err := compiler.Compile(directoryUserSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile directory user schema: %w", err)
	}
	return &recordValidator{schema: schema}, nil
}

func (v *recordValidator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return v.schema.Validate(inst)
}
