package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed run_config_schema_v1.json
var schemaV1Bytes []byte

var (
	schemaV1   *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = runerrors.NewConfigError("embedded run file schema is empty", nil)
			return
		}
		schemaV1, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaV1Bytes))
		if schemaErr != nil {
			schemaErr = runerrors.NewConfigError("failed to compile embedded run file schema", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateWithSchema checks a YAML run file against the embedded schema.
func ValidateWithSchema(documentYAML []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := yaml.Unmarshal(documentYAML, &doc); err != nil {
		return runerrors.NewConfigError("failed to parse run file YAML for schema validation", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return runerrors.NewConfigError("schema validation process failed", err)
	}
	if result.Valid() {
		return nil
	}
	var b strings.Builder
	b.WriteString("run file failed JSON schema validation:")
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		fmt.Fprintf(&b, "\n  - Field '%s': %s", field, desc.Description())
	}
	return runerrors.NewValidationError(b.String(), nil)
}
