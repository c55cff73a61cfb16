package handler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/pickup-go-api/internal/dto"
)

const liveCommandSchemaURL = "pickup://schemas/live_command.json"

const liveCommandSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "additionalProperties": false,
  "properties": {
    "action": {"enum": ["request", "call", "complete", "cancel", "refresh"]},
    "request_id": {"type": "integer", "minimum": 1},
    "student_id": {"type": "integer", "minimum": 1},
    "ref": {"type": "string", "maxLength": 64}
  },
  "allOf": [
    {
      "if": {"properties": {"action": {"enum": ["call", "complete", "cancel"]}}},
      "then": {"required": ["request_id"]}
    },
    {
      "if": {"properties": {"action": {"const": "request"}}},
      "then": {"required": ["student_id"]}
    }
  ]
}`

var liveCommandValidator = jsonschema.MustCompileString(liveCommandSchemaURL, liveCommandSchema)

// decodeLiveCommand validates a client frame against the command schema
// before decoding it.
func decodeLiveCommand(raw []byte) (dto.LiveCommand, error) {
	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return dto.LiveCommand{}, fmt.Errorf("malformed frame: %w", err)
	}
	if err := liveCommandValidator.Validate(document); err != nil {
		return dto.LiveCommand{}, fmt.Errorf("invalid command: %s", schemaMessage(err))
	}

	var command dto.LiveCommand
	if err := json.Unmarshal(raw, &command); err != nil {
		return dto.LiveCommand{}, fmt.Errorf("malformed frame: %w", err)
	}
	command.Ref = strings.TrimSpace(command.Ref)
	return command, nil
}

func schemaMessage(err error) string {
	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := validationErr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	location := leaf.InstanceLocation
	if location == "" {
		location = "/"
	}
	return location + ": " + leaf.Message
}
