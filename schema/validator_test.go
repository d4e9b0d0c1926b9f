package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "count": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

func TestValidator(t *testing.T) {
	v, err := NewValidator("record.json", []byte(recordSchema))
	require.NoError(t, err)

	type record struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}

	tests := []struct {
		name    string
		doc     interface{}
		wantErr string
	}{
		{name: "valid struct", doc: record{ID: "a", Count: 2}},
		{name: "valid map", doc: map[string]interface{}{"id": "b"}},
		{name: "missing id", doc: map[string]interface{}{"count": 1}, wantErr: "missing properties"},
		{name: "negative count", doc: record{ID: "a", Count: -1}, wantErr: "/count"},
		{name: "unknown field", doc: map[string]interface{}{"id": "a", "extra": true}, wantErr: "additionalProperties"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.doc)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "record.json validation failed")
		})
	}
}

func TestValidateJSON_Malformed(t *testing.T) {
	v, err := NewValidator("record.json", []byte(recordSchema))
	require.NoError(t, err)

	err = v.ValidateJSON([]byte(`{"id":`))
	assert.Error(t, err)
}

func TestNewValidator_BadSchema(t *testing.T) {
	_, err := NewValidator("bad.json", []byte(`{"type": 12}`))
	assert.Error(t, err)
}
