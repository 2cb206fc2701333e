package toolspec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var allowedTypes = map[string]bool{
	"null": true, "boolean": true, "object": true,
	"array": true, "number": true, "integer": true, "string": true,
}

var allowedKeywords = map[string]bool{
	"type": true, "properties": true, "required": true, "items": true,
	"enum": true, "additionalProperties": true, "description": true,
	"title": true, "$schema": true, "$id": true,
}

// ValidateSchemaSubset recursively checks that doc only uses the JSON-Schema
// subset named in spec.md §3: the keywords {type, properties, required,
// items, enum, additionalProperties} (plus description/title/$schema/$id
// for documentation) and the type set {null, boolean, object, array,
// number, integer, string}. It rejects $ref and any other keyword so the
// registry never has to reason about cross-document schema resolution.
func ValidateSchemaSubset(doc json.RawMessage) error {
	if len(doc) == 0 {
		return nil
	}
	var node any
	if err := json.Unmarshal(doc, &node); err != nil {
		return fmt.Errorf("toolspec: malformed schema json: %w", err)
	}
	return validateNode(node, "$")
}

func validateNode(node any, path string) error {
	switch v := node.(type) {
	case nil:
		return nil
	case map[string]any:
		for key, val := range v {
			if !allowedKeywords[key] {
				return fmt.Errorf("toolspec: schema at %s: unsupported keyword %q", path, key)
			}
			switch key {
			case "type":
				if err := validateType(val, path); err != nil {
					return err
				}
			case "properties":
				props, ok := val.(map[string]any)
				if !ok {
					return fmt.Errorf("toolspec: schema at %s: properties must be an object", path)
				}
				for name, sub := range props {
					if err := validateNode(sub, path+".properties."+name); err != nil {
						return err
					}
				}
			case "items":
				if err := validateNode(val, path+".items"); err != nil {
					return err
				}
			case "additionalProperties":
				switch val.(type) {
				case bool:
				case map[string]any:
					if err := validateNode(val, path+".additionalProperties"); err != nil {
						return err
					}
				default:
					return fmt.Errorf("toolspec: schema at %s: additionalProperties must be a bool or schema object", path)
				}
			case "required":
				arr, ok := val.([]any)
				if !ok {
					return fmt.Errorf("toolspec: schema at %s: required must be an array", path)
				}
				for _, item := range arr {
					if _, ok := item.(string); !ok {
						return fmt.Errorf("toolspec: schema at %s: required entries must be strings", path)
					}
				}
			}
		}
		return nil
	default:
		return nil
	}
}

func validateType(val any, path string) error {
	switch t := val.(type) {
	case string:
		if !allowedTypes[t] {
			return fmt.Errorf("toolspec: schema at %s: unsupported type %q", path, t)
		}
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok || !allowedTypes[s] {
				return fmt.Errorf("toolspec: schema at %s: unsupported type in union", path)
			}
		}
	default:
		return fmt.Errorf("toolspec: schema at %s: type must be a string or array of strings", path)
	}
	return nil
}

// Compile validates the subset restriction and then compiles doc with
// santhosh-tekuri/jsonschema/v6, giving the registry a concrete
// well-formedness check (spec.md §4.2: "Unknown or malformed schemas abort
// startup"). id is used only as the compiler's internal resource URL and
// need not be resolvable.
func Compile(id string, doc json.RawMessage) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	if err := ValidateSchemaSubset(doc); err != nil {
		return nil, err
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("toolspec: decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, decoded); err != nil {
		return nil, fmt.Errorf("toolspec: add schema resource: %w", err)
	}
	schema, err := c.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("toolspec: compile schema: %w", err)
	}
	return schema, nil
}
