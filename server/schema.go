package server

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requestSchema is a compiled JSON schema for a request body.
type requestSchema struct {
	*jsonschema.Schema
}

func mustCompile(name, schema string) requestSchema {
	return requestSchema{jsonschema.MustCompileString(name, schema)}
}

func (s requestSchema) validate(body []byte) error {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	return s.Validate(v)
}

var featuresSchema = mustCompile("features.json", `{
	"type": "object",
	"properties": {
		"features": {
			"type": "array",
			"items": {"type": "string", "pattern": "^(edge|sp)_[A-Za-z0-9_]+$"},
			"uniqueItems": true
		}
	},
	"additionalProperties": false
}`)

var labelsSchema = mustCompile("labels.json", `{
	"type": "object",
	"properties": {
		"volume": {"type": "string", "minLength": 1},
		"dtype": {"enum": ["uint8", "uint16", "uint32", "uint64", "int32", "int64"]}
	},
	"required": ["volume"],
	"additionalProperties": false
}`)

var freezeSchema = mustCompile("freeze.json", `{
	"type": "object",
	"properties": {
		"frozen": {"type": "boolean"}
	},
	"required": ["frozen"],
	"additionalProperties": false
}`)
