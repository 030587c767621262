package agentapi

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// messageSchemaJSON is the JSON Schema an inbound run() request's
// input.messages must satisfy before the coordinator ever sees them. It
// encodes the closed Message shape from §3: every message needs an id and a
// role drawn from the roles MessageInjector understands.
const messageSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "role"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "role": {"type": "string", "enum": ["user", "assistant", "system", "developer", "tool"]},
      "content": {"type": "string"},
      "toolCallId": {"type": "string"},
      "toolCalls": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["id", "function"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "function": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "arguments": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	messageSchemaOnce sync.Once
	messageSchema     *jsonschema.Schema
	messageSchemaErr  error
)

func compiledMessageSchema() (*jsonschema.Schema, error) {
	messageSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(messageSchemaJSON), &doc); err != nil {
			messageSchemaErr = fmt.Errorf("agentapi: unmarshal message schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("message.json", doc); err != nil {
			messageSchemaErr = fmt.Errorf("agentapi: add message schema resource: %w", err)
			return
		}
		schema, err := c.Compile("message.json")
		if err != nil {
			messageSchemaErr = fmt.Errorf("agentapi: compile message schema: %w", err)
			return
		}
		messageSchema = schema
	})
	return messageSchema, messageSchemaErr
}

// ValidateMessagesJSON validates the raw JSON array of an inbound run()
// request's input.messages field against the Message schema, returning a
// descriptive error the HTTP layer maps to InvalidInput (§7) rather than
// letting a malformed body reach deep into the coordinator.
func ValidateMessagesJSON(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	schema, err := compiledMessageSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("agentapi: unmarshal messages: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("agentapi: messages failed validation: %w", err)
	}
	return nil
}
