package config

import (
	"encoding/json"
	"fmt"

	"github.com/swaggest/jsonschema-go"
)

// Schema returns the JSON Schema describing the config file, generated
// from the Config struct so schema and struct cannot drift apart. Used
// by the `tmuxmobile schema` subcommand for editor validation.
func Schema() (string, error) {
	r := jsonschema.Reflector{}
	schema, err := r.Reflect(Config{}, jsonschema.InlineRefs)
	if err != nil {
		return "", fmt.Errorf("failed to reflect config schema: %w", err)
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal config schema: %w", err)
	}
	return string(data), nil
}
