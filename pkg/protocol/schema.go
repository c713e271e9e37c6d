package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	types    map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		env, err := jsonschema.CompileString("frame", envelopeSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.envelope = env

		byType := map[string]string{
			TypeRegister:         registerSchema,
			TypeRegisterResponse: registerResponseSchema,
			TypeInferenceRequest: inferenceRequestSchema,
			TypeInferenceResult:  inferenceResultSchema,
			TypeError:            errorSchema,
		}
		schemas.types = make(map[string]*jsonschema.Schema, len(byType))
		for name, src := range byType {
			compiled, err := jsonschema.CompileString("frame_"+name, src)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.types[name] = compiled
		}
	})
	return schemas.initErr
}

// Validate checks raw against the envelope schema and the schema for its
// type, returning the type.
func Validate(raw []byte) (string, error) {
	if err := initSchemas(); err != nil {
		return "", err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	if err := schemas.envelope.Validate(doc); err != nil {
		return "", err
	}
	typ, _ := doc.(map[string]any)["type"].(string)
	if schema := schemas.types[typ]; schema != nil {
		if err := schema.Validate(doc); err != nil {
			return "", err
		}
	}
	return typ, nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": ["register", "register_response", "inference_request", "inference_result", "error", "ping", "pong"]
    }
  },
  "additionalProperties": true
}`

const registerSchema = `{
  "type": "object",
  "required": ["type", "channel_name"],
  "properties": {
    "type": { "const": "register" },
    "channel_name": { "type": "string", "minLength": 1, "maxLength": 128 }
  },
  "additionalProperties": true
}`

const registerResponseSchema = `{
  "type": "object",
  "required": ["type", "success"],
  "properties": {
    "type": { "const": "register_response" },
    "success": { "type": "boolean" },
    "connection_id": { "type": "string" },
    "channel_id": { "type": "string" },
    "message": { "type": "string" }
  },
  "additionalProperties": true
}`

const inferenceRequestSchema = `{
  "type": "object",
  "required": ["type", "request_id", "payload"],
  "properties": {
    "type": { "const": "inference_request" },
    "request_id": { "type": "string", "minLength": 1 },
    "requester_id": { "type": "string" },
    "payload": {},
    "upload": {
      "type": "object",
      "properties": {
        "put_url": { "type": "string" },
        "final_url": { "type": "string" },
        "content_type": { "type": "string" },
        "expires_at": { "type": "string" },
        "upload_token": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const inferenceResultSchema = `{
  "type": "object",
  "required": ["type", "request_id", "status"],
  "properties": {
    "type": { "const": "inference_result" },
    "request_id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "status": { "type": "string", "minLength": 1 },
    "result": {}
  },
  "additionalProperties": true
}`

const errorSchema = `{
  "type": "object",
  "required": ["type", "code"],
  "properties": {
    "type": { "const": "error" },
    "code": { "type": "string", "minLength": 1 },
    "message": { "type": "string" }
  },
  "additionalProperties": true
}`
