package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/amurg-ai/conduit/pkg/protocol"
)

const envelopeSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"thread_id": {"type": "string"},
		"run_id": {"type": "string"},
		"payload": {"type": ["object", "null"]}
	}
}`

func compileEnvelope() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("envelope.json", envelopeSchema)
}

// decode parses and validates one inbound frame.
func decode(schema *jsonschema.Schema, raw []byte) (protocol.Message, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return protocol.Message{}, fmt.Errorf("malformed JSON: %w", err)
	}
	if dec.More() {
		return protocol.Message{}, errors.New("trailing data after JSON value")
	}
	if err := schema.Validate(doc); err != nil {
		return protocol.Message{}, errors.New(describe(err))
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.Message{}, fmt.Errorf("malformed envelope: %w", err)
	}
	return msg, nil
}

// describe reduces a schema error to its most specific cause.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
