package audit

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://exoarmur.schemas.local/audit/"

var (
	schemaOnce sync.Once
	schemas    map[Kind]*jsonschema.Schema
	schemaErr  error
)

func loadSchemas() (map[Kind]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020

		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemaErr = fmt.Errorf("audit schema listing failed: %w", err)
			return
		}
		for _, e := range entries {
			data, err := schemaFS.ReadFile("schemas/" + e.Name())
			if err != nil {
				schemaErr = fmt.Errorf("audit schema read %s: %w", e.Name(), err)
				return
			}
			if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
				schemaErr = fmt.Errorf("audit schema load %s: %w", e.Name(), err)
				return
			}
		}

		compiled := make(map[Kind]*jsonschema.Schema, len(kindPriority))
		for _, k := range Kinds() {
			s, err := c.Compile(schemaBaseURL + string(k) + ".schema.json")
			if err != nil {
				schemaErr = fmt.Errorf("audit schema compile %s: %w", k, err)
				return
			}
			compiled[k] = s
		}
		schemas = compiled
	})
	return schemas, schemaErr
}

func validatePayload(kind Kind, payload json.RawMessage) error {
	compiled, err := loadSchemas()
	if err != nil {
		return err
	}
	s, ok := compiled[kind]
	if !ok {
		return fmt.Errorf("%w: no schema for kind %q", ErrSchemaViolation, kind)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %s payload is not JSON: %v", ErrSchemaViolation, kind, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaViolation, kind, err)
	}
	return nil
}
