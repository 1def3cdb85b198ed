package provider

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var requestSchemas = map[string]*gojsonschema.Schema{}

func init() {
	for _, name := range []string{"imagegen", "videogen", "audiogen"} {
		data, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			panic(fmt.Sprintf("embedded schema %s: %v", name, err))
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			panic(fmt.Sprintf("compile schema %s: %v", name, err))
		}
		requestSchemas[name] = schema
	}
}

// ValidatePayload checks a request payload against the provider's request
// schema before any tokens are held or remote call made.
func ValidatePayload(providerName string, payload []byte) error {
	schema, ok := requestSchemas[providerName]
	if !ok {
		return fmt.Errorf("no request schema for provider %q", providerName)
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("invalid payload JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("payload failed validation: %s", strings.Join(msgs, "; "))
}
