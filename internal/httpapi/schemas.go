package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var requestSchemas = map[string]string{
	"create.json": `{
		"type": "object",
		"required": ["service_name"],
		"properties": {"service_name": {"type": "string", "minLength": 1}}
	}`,
	"transition.json": `{
		"type": "object",
		"required": ["field", "value"],
		"properties": {
			"field": {"type": "string", "minLength": 1},
			"value": {"type": "string"}
		}
	}`,
	"transition_value.json": `{
		"type": "object",
		"required": ["value"],
		"properties": {"value": {"type": "string"}}
	}`,
	"backfill.json": `{
		"type": "object",
		"properties": {"incremental": {"type": "boolean"}}
	}`,
}

var errInvalidJSON = errors.New("invalid json body")

type schemaSet map[string]*jsonschema.Schema

func compileRequestSchemas() (schemaSet, error) {
	c := jsonschema.NewCompiler()
	for name, src := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := schemaSet{}
	for name := range requestSchemas {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

// validate checks body against the named schema. An empty body counts as {}.
func (s schemaSet) validate(name string, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errInvalidJSON
	}
	if err := s[name].Validate(inst); err != nil {
		return err
	}
	return nil
}
