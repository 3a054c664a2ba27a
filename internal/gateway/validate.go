package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var errInvalidBody = errors.New("invalid request body")

const turnRequestSchema = `{
	"type": "object",
	"required": ["input"],
	"properties": {
		"input": {"type": "string", "minLength": 1, "maxLength": 65536}
	},
	"additionalProperties": false
}`

const decisionRequestSchema = `{
	"type": "object",
	"required": ["decision"],
	"properties": {
		"decision": {"type": "string", "enum": ["approve", "approved", "allow", "deny", "denied", "reject"]}
	},
	"additionalProperties": false
}`

type turnRequest struct {
	Input string `json:"input"`
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

// bodySchemas holds the compiled request schemas.
type bodySchemas struct {
	turn     *jsonschema.Schema
	decision *jsonschema.Schema
}

func compileSchemas() (*bodySchemas, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		"turn.json":     turnRequestSchema,
		"decision.json": decisionRequestSchema,
	}
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	turn, err := c.Compile("turn.json")
	if err != nil {
		return nil, fmt.Errorf("compile turn schema: %w", err)
	}
	decision, err := c.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return &bodySchemas{turn: turn, decision: decision}, nil
}

// decodeValid validates the body against schema and then decodes it into dst.
func decodeValid(body io.Reader, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}
