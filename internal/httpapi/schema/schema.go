// Package schema embeds the JSON Schema documents that guard every
// mutating HTTP endpoint, grounded on
// relabs-tech-kurbisio/core/schema/schema.go's embed.FS-backed
// Validator, simplified to a flat name->schema map since this
// module's schemas never cross-reference each other.
package schema

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed files/*.json
var files embed.FS

type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// New compiles every embedded schema, keyed by its filename without
// the .json extension (e.g. files/register.json -> "register").
func New() (*Validator, error) {
	entries, err := files.ReadDir("files")
	if err != nil {
		return nil, fmt.Errorf("schema: read embedded dir: %w", err)
	}

	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(entries))}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := files.ReadFile("files/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", entry.Name(), err)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		v.schemas[name] = compiled
	}
	return v, nil
}

// Validate checks body against the named schema. A missing schema
// name is a programmer error (it means a handler referenced a schema
// that was never embedded), not a client-facing validation failure.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("schema: unknown schema %q", name)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema: validate against %q: %w", name, err)
	}
	if !result.Valid() {
		var msg strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				msg.WriteString("; ")
			}
			msg.WriteString(e.String())
		}
		return fmt.Errorf("%s", msg.String())
	}
	return nil
}
