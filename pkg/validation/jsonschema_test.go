package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const navigateSchema = `{
	"type": "object",
	"properties": { "url": {"type": "string", "minLength": 1} },
	"required": ["url"],
	"additionalProperties": false
}`

func TestValidatorAcceptsMatchingDocument(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate("navigate", navigateSchema, []byte(`{"url": "https://example.com"}`)))
}

func TestValidatorRejectsMissingRequiredField(t *testing.T) {
	v := NewValidator()
	err := v.Validate("navigate", navigateSchema, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing properties: 'url'")
}

func TestValidatorRejectsWrongType(t *testing.T) {
	v := NewValidator()
	err := v.Validate("navigate", navigateSchema, []byte(`{"url": 42}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected string, but got number")
}

func TestValidatorRejectsUnknownProperty(t *testing.T) {
	v := NewValidator()
	err := v.Validate("navigate", navigateSchema, []byte(`{"url": "https://example.com", "extra": true}`))
	assert.Error(t, err)
}

func TestValidatorCachesCompiledSchemas(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Validate("navigate", navigateSchema, []byte(`{"url": "a"}`)))
	require.Len(t, v.compiled, 1)
	require.NoError(t, v.Validate("navigate", navigateSchema, []byte(`{"url": "b"}`)))
	assert.Len(t, v.compiled, 1)
}

func TestValidatorEmptySchemaAcceptsAnything(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate("anything", "", []byte(`{"whatever": [1, 2, 3]}`)))
}

func TestValidatorEmptyDataTreatedAsEmptyObject(t *testing.T) {
	v := NewValidator()
	err := v.Validate("navigate", navigateSchema, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing properties: 'url'")
}

func TestValidatorInvalidSchema(t *testing.T) {
	v := NewValidator()
	err := v.Validate("bad", `{"type": "str"}`, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile schema")
}

func TestValidatorMalformedDocument(t *testing.T) {
	v := NewValidator()
	err := v.Validate("navigate", navigateSchema, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON document")
}

func TestValidateJSONWithSchema(t *testing.T) {
	assert.NoError(t, ValidateJSONWithSchema(navigateSchema, `{"url": "https://example.com"}`))
	assert.Error(t, ValidateJSONWithSchema(navigateSchema, `{}`))
}
