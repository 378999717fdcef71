// Package schema validates configuration documents against a JSON Schema.
package schema

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/grovetools/tabsync/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceName = "tabsync.json"

// Validator checks decoded documents against one compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaData. A schema that does not compile is an
// internal error, not a configuration problem.
func NewValidator(schemaData []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceName, bytes.NewReader(schemaData)); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to add schema resource")
	}

	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compile schema")
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks doc, which may be any JSON-marshalable value. Violations
// come back as one CONFIG_VALIDATION error listing each offending location in
// its "violations" detail.
func (v *Validator) Validate(doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "document is not JSON-marshalable")
	}
	var plain interface{}
	if err := json.Unmarshal(data, &plain); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "document is not JSON-marshalable")
	}

	err = v.schema.Validate(plain)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "schema validation failed")
	}

	var violations []string
	collect(verr, &violations)
	return errors.New(errors.ErrCodeConfigValidation,
		"schema validation failed:\n"+strings.Join(violations, "\n")).
		WithDetail("violations", violations)
}

// collect flattens the cause tree into its leaves.
func collect(err *jsonschema.ValidationError, out *[]string) {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, "- "+loc+": "+err.Message)
	}
	for _, cause := range err.Causes {
		collect(cause, out)
	}
}
