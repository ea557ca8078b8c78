package normalize

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed event_schema_v1.json
var eventSchemaBytes []byte

var (
	eventSchema     *gojsonschema.Schema
	eventSchemaOnce sync.Once
	eventSchemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		if len(eventSchemaBytes) == 0 {
			eventSchemaErr = runerrors.NewConfigError("embedded event schema is empty", nil)
			return
		}
		eventSchema, eventSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(eventSchemaBytes))
		if eventSchemaErr != nil {
			eventSchemaErr = runerrors.NewConfigError("failed to compile embedded event schema", eventSchemaErr)
		}
	})
	return eventSchema, eventSchemaErr
}

// ValidateRaw checks one raw record against the event schema.
func ValidateRaw(raw []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return runerrors.NewValidationError("event schema validation failed", err)
	}
	if result.Valid() {
		return nil
	}
	var b strings.Builder
	b.WriteString("record does not match the event schema:")
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		fmt.Fprintf(&b, "\n  - Field '%s': %s", field, desc.Description())
	}
	return runerrors.NewValidationError(b.String(), nil)
}
