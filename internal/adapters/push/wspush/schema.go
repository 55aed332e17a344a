package wspush

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const eventSchemaURL = "https://tasksync.local/schema/push-event.json"

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventName"],
  "properties": {
    "eventName": {"type": "string", "minLength": 1},
    "room": {"type": "string"},
    "data": {}
  }
}`

func compileEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse push event schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add push event schema: %w", err)
	}
	schema, err := compiler.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile push event schema: %w", err)
	}
	return schema, nil
}

func validateEvent(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode push event: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid push event: %w", err)
	}
	return nil
}
