package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaV1 = `{
  "type": "object",
  "required": ["task_id", "status"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "minLength": 1},
    "error": {"type": ["string", "null"]},
    "result": {
      "type": ["object", "null"],
      "properties": {
        "text": {"type": "string"},
        "processing_time": {"type": "number"},
        "audio_info": {"type": ["object", "null"]}
      }
    }
  }
}`

const schemaV2 = `{
  "type": "object",
  "required": ["id", "event", "data"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "event": {"type": "string", "minLength": 1},
    "data": {
      "type": "object",
      "properties": {
        "status": {"type": "string"},
        "transcript": {"type": "string"},
        "processing_time_ms": {"type": "number"},
        "audio_info": {"type": ["object", "null"]},
        "error": {"type": ["string", "null"]}
      }
    }
  }
}`

// Parser classifies raw deliveries against the compiled payload schemas.
type Parser struct {
	v1 *jsonschema.Schema
	v2 *jsonschema.Schema
}

func compile(name, doc string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

func NewParser() (*Parser, error) {
	v1, err := compile("webhook_v1.json", schemaV1)
	if err != nil {
		return nil, err
	}
	v2, err := compile("webhook_v2.json", schemaV2)
	if err != nil {
		return nil, err
	}
	return &Parser{v1: v1, v2: v2}, nil
}

// MustParser panics if the embedded schemas do not compile.
func MustParser() *Parser {
	p, err := NewParser()
	if err != nil {
		panic(err)
	}
	return p
}

// Classify decodes body into the matching payload variant.
func (p *Parser) Classify(body []byte) (Payload, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}
	switch {
	case p.v2.Validate(doc) == nil:
		var v PayloadV2
		if err := decode(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	case p.v1.Validate(doc) == nil:
		var v PayloadV1
		if err := decode(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, ErrUnknownShape
}

// Parse classifies and normalizes one delivery.
func (p *Parser) Parse(body []byte) (Event, error) {
	payload, err := p.Classify(body)
	if err != nil {
		return Event{}, err
	}
	return payload.Normalize()
}

func decode(body []byte, v any) error {
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}
	return nil
}
