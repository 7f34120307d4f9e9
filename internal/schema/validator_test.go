package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name   string
		schema string
		body   string
		valid  bool
	}{
		{"sync media", SyncMedia, `{"sync_option":"sync","brand_sites":["https://a.example/"],"media_details":[{"id":3}]}`, true},
		{"sync media bad option", SyncMedia, `{"sync_option":"always","brand_sites":["https://a.example/"],"media_details":[{"id":3}]}`, false},
		{"sync media no sites", SyncMedia, `{"sync_option":"sync","brand_sites":[],"media_details":[{"id":3}]}`, false},
		{"attachment id zero", AttachmentID, `{"attachment_id":0}`, false},
		{"attachment id", AttachmentID, `{"attachment_id":12}`, true},
		{"add media missing url", AddMedia, `{"sync_option":"no_sync","media_files":[{"id":1,"mime_type":"image/png"}]}`, false},
		{"shared sites empty list", SharedSites, `{"shared_sites":[]}`, true},
		{"shared sites missing name", SharedSites, `{"shared_sites":[{"url":"https://a.example/"}]}`, false},
		{"empty edit", MetadataEdit, `{}`, false},
		{"title edit", MetadataEdit, `{"title":"Logo"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema, []byte(tt.body))
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.schema, verr.Schema)
			assert.NotEmpty(t, verr.Errors)
		})
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	var verr *ValidationError
	require.ErrorAs(t, v.Validate(AttachmentID, []byte(`{"attachment_id":`)), &verr)
	assert.Equal(t, []string{"body is not valid JSON"}, verr.Errors)
}

func TestValidateUnknownSchema(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.Validate("nope", []byte(`{}`))
	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}
