// Package schema provides JSON schema validation for OneMedia request bodies.
// Every JSON body is checked against its schema before it reaches domain code,
// so malformed input is rejected before any remote call is attempted.
package schema

import (
	"fmt"
	"strings"

	"github.com/RegistryAccord/onemedia-go/internal/metrics"
	"github.com/xeipuuv/gojsonschema"
)

// Request schema names
const (
	AddMedia                 = "add-media"
	UpdateAttachment         = "update-attachment"
	AttachmentID             = "attachment-id"
	SharedSites              = "shared-sites"
	SyncMedia                = "sync-media"
	UpdateExistingAttachment = "update-existing-attachment"
	Unshare                  = "unshare"
	MetadataEdit             = "metadata-edit"
)

// Reusable fragments
const (
	attachmentIDProp = `{"type":"integer","minimum":1}`
	syncOptionProp   = `{"type":"string","enum":["sync","no_sync"]}`
	siteURLProp      = `{"type":"string","minLength":1,"maxLength":2048}`
	termsProp        = `{"type":"array","items":{"type":"string","maxLength":200}}`
	textProps        = `"title":{"type":"string","maxLength":1024},` +
		`"alt_text":{"type":"string","maxLength":4096},` +
		`"caption":{"type":"string","maxLength":8192},` +
		`"description":{"type":"string","maxLength":65536},` +
		`"terms":` + termsProp
)

// definitions maps each schema name to its JSON schema.
var definitions = map[string]string{
	AddMedia: `{"type":"object","required":["sync_option","media_files"],"properties":{` +
		`"sync_option":` + syncOptionProp + `,` +
		`"media_files":{"type":"array","minItems":1,"maxItems":100,"items":{"type":"object","required":["id","url","mime_type"],"properties":{` +
		`"id":` + attachmentIDProp + `,` +
		`"url":` + siteURLProp + `,` +
		`"mime_type":{"type":"string","minLength":1},` +
		`"child_id":{"type":"integer","minimum":0},` +
		`"size":{"type":"integer","minimum":0},` +
		textProps + `}}}}}`,

	UpdateAttachment: `{"type":"object","required":["attachment_id","attachment_data"],"properties":{` +
		`"attachment_id":` + attachmentIDProp + `,` +
		`"attachment_url":{"type":"string","maxLength":2048},` +
		`"attachment_data":{"type":"object","properties":{"mime_type":{"type":"string"},` + textProps + `}}}}`,

	AttachmentID: `{"type":"object","required":["attachment_id"],"properties":{"attachment_id":` + attachmentIDProp + `}}`,

	SharedSites: `{"type":"object","required":["shared_sites"],"properties":{` +
		`"shared_sites":{"type":"array","items":{"type":"object","required":["name","url"],"properties":{` +
		`"id":{"type":"string"},` +
		`"name":{"type":"string","minLength":1},` +
		`"url":` + siteURLProp + `,` +
		`"api_key":{"type":"string"}}}}}}`,

	SyncMedia: `{"type":"object","required":["sync_option","brand_sites","media_details"],"properties":{` +
		`"sync_option":` + syncOptionProp + `,` +
		`"brand_sites":{"type":"array","minItems":1,"items":` + siteURLProp + `},` +
		`"media_details":{"type":"array","minItems":1,"items":{"type":"object","required":["id"],"properties":{"id":` + attachmentIDProp + `}}}}}`,

	UpdateExistingAttachment: `{"type":"object","required":["attachment_id","sync_option"],"properties":{` +
		`"attachment_id":` + attachmentIDProp + `,` +
		`"sync_option":` + syncOptionProp + `}}`,

	Unshare: `{"type":"object","required":["attachment_id"],"properties":{` +
		`"attachment_id":` + attachmentIDProp + `,` +
		`"brand_sites":{"type":"array","items":` + siteURLProp + `}}}`,

	MetadataEdit: `{"type":"object","minProperties":1,"properties":{` + textProps + `}}`,
}

// ValidationError carries every schema violation of one body.
type ValidationError struct {
	Schema string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

// Validator validates request bodies against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of schema names to compiled schemas
	metrics *metrics.Metrics
}

// NewValidator creates a new schema validator.
// It compiles every request schema once so that validation is cheap per request.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any error that occurred while compiling a schema
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema, len(definitions)),
		metrics: metrics.NewMetrics(),
	}
	for name, def := range definitions {
		if err := v.loadSchema(name, def); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

// loadSchema parses and compiles one JSON schema.
// Parameters:
//   - name: The schema name (e.g., "add-media")
//   - schemaJSON: The JSON schema as a string
// Returns:
//   - error: Any error that occurred during schema loading
func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks a raw JSON body against the named schema.
// Parameters:
//   - name: The schema name
//   - body: The request body
// Returns:
//   - error: nil if valid, *ValidationError listing every violation if invalid,
//     or a plain error when the body is not JSON or the schema is unknown
func (v *Validator) Validate(name string, body []byte) (err error) {
	defer func() {
		v.metrics.SchemaValidationTotal.WithLabelValues(name, metrics.StatusLabel(err)).Inc()
	}()

	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &ValidationError{Schema: name, Errors: []string{"body is not valid JSON"}}
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return &ValidationError{Schema: name, Errors: errs}
	}
	return nil
}
