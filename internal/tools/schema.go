package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate checks args against def's declared JSON-schema-like
// Parameters (spec.md §4.3, §6.2). A tool with no declared schema
// always validates.
func Validate(def Definition, args map[string]any) error {
	if len(def.Parameters) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %q: %w", def.Name, err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fmt.Errorf("tools: decode schema for %q: %w", def.Name, err)
	}

	c := jsonschema.NewCompiler()
	resource := def.Name + ".json"
	if err := c.AddResource(resource, schemaDoc); err != nil {
		return fmt.Errorf("tools: add schema resource for %q: %w", def.Name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", def.Name, err)
	}

	payloadJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tools: marshal arguments for %q: %w", def.Name, err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payloadJSON, &payloadDoc); err != nil {
		return fmt.Errorf("tools: decode arguments for %q: %w", def.Name, err)
	}

	if err := schema.Validate(payloadDoc); err != nil {
		return err
	}
	return nil
}

// Canonicalize folds args' keys to the canonical form declared in
// def's parameter schema (spec.md §4.3: "the core normalizes keys to
// the canonical form declared in the schema before invoking execute").
// The LLM sometimes produces a parameter name in the wrong case; a key
// that matches a declared property case-insensitively is rewritten to
// that property's declared spelling. Keys with no declared property at
// all are passed through unchanged.
func Canonicalize(def Definition, args map[string]any) map[string]any {
	properties, _ := def.Parameters["properties"].(map[string]any)
	if len(properties) == 0 || len(args) == 0 {
		return args
	}

	byFold := make(map[string]string, len(properties))
	for name := range properties {
		byFold[strings.ToLower(name)] = name
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		if _, ok := properties[k]; ok {
			out[k] = v
			continue
		}
		if canonical, ok := byFold[strings.ToLower(k)]; ok {
			out[canonical] = v
			continue
		}
		out[k] = v
	}
	return out
}
