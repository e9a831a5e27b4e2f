package voltaic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// nodeResponseSchemaSrc describes the NodeResponse wire contract: prediction
// is required and must be either an integer 0/1 or a string (which strings
// map to a class is decided later by normalizePrediction); confidence, when
// present, is bounded to [0,1]; windows, when
// present, carry a numeric justification.
const nodeResponseSchemaSrc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["prediction"],
  "properties": {
    "prediction": {
      "anyOf": [
        {"type": "integer", "enum": [0, 1]},
        {"type": "string"}
      ]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "justification": {"type": "number"},
    "windows": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "justification": {"type": "number"}
        }
      }
    },
    "executionTimeMs": {"type": "number"},
    "model": {"type": "string"}
  }
}`

var (
	nodeResponseSchemaOnce sync.Once
	nodeResponseSchema     *jsonschema.Schema
	nodeResponseSchemaErr  error
)

func compiledNodeResponseSchema() (*jsonschema.Schema, error) {
	nodeResponseSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("node_response.json", bytes.NewReader([]byte(nodeResponseSchemaSrc))); err != nil {
			nodeResponseSchemaErr = err
			return
		}
		nodeResponseSchema, nodeResponseSchemaErr = c.Compile("node_response.json")
	})
	return nodeResponseSchema, nodeResponseSchemaErr
}

// validateNodeResponse is the Protocol Schema Guard (component O). It
// decodes raw into a generic value, validates it against the NodeResponse
// schema, and only then unmarshals it into a typed NodeResponse. A schema
// violation is reported via *ErrSchema so callers never mistake it for a
// transport failure that warrants indefinite retry.
func validateNodeResponse(nodeKey string, raw []byte) (NodeResponse, error) {
	schema, err := compiledNodeResponseSchema()
	if err != nil {
		return NodeResponse{}, fmt.Errorf("compile node response schema: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return NodeResponse{}, &ErrSchema{NodeKey: nodeKey, Cause: err}
	}
	if err := schema.Validate(generic); err != nil {
		return NodeResponse{}, &ErrSchema{NodeKey: nodeKey, Cause: err}
	}

	var resp NodeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return NodeResponse{}, &ErrSchema{NodeKey: nodeKey, Cause: err}
	}
	return resp, nil
}
