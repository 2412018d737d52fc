package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrGraphSchema indicates the submitted graph document does not match the
// authoring schema.
var ErrGraphSchema = errors.New("graph document does not match schema")

// graphSchema is the JSON Schema every submitted graph document must
// satisfy before structural validation runs. It catches shape errors early
// with field-level messages the authoring tool can surface.
const graphSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["nodes", "edges"],
	"properties": {
		"nodes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"kind": {"enum": ["trigger", "condition", "delay", "branch", "action"]},
					"name": {"type": "string"},
					"data": {"type": "object"}
				}
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source", "target"],
				"properties": {
					"source": {"type": "string", "minLength": 1},
					"target": {"type": "string", "minLength": 1},
					"label": {"type": "string"}
				}
			}
		}
	}
}`

// ValidateGraphDocument checks a raw graph document against the authoring
// schema. Structural rules (trigger uniqueness, fan-out, reachability) are
// checked separately by Graph.Validate after decoding.
func ValidateGraphDocument(document []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(graphSchema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGraphSchema, err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return fmt.Errorf("%w: %s", ErrGraphSchema, strings.Join(details, "; "))
}
