package config

import (
	"encoding/json"
	"testing"

	"github.com/grovetools/preview/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "Grove Preview Configuration", doc["title"])

	props, ok := doc["properties"].(map[string]interface{})
	require.True(t, ok)
	for _, key := range []string{"version", "backend", "batch", "generation", "provider", "logging"} {
		assert.Contains(t, props, key)
	}
}

func TestValidateDocument(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		isTOML bool
		ok     bool
	}{
		{"minimal yaml", "version: \"1.0\"\n", false, true},
		{"full yaml", `
version: "1.0"
backend:
  kind: desktop
  options:
    socket: /tmp/x.sock
batch:
  window_ms: 100
`, false, true},
		{"unknown top-level key", "version: \"1.0\"\nplugins: []\n", false, false},
		{"bad enum", "version: \"1.0\"\nbackend:\n  kind: vm\n", false, false},
		{"wrong type", "version: \"1.0\"\nbatch:\n  window_ms: soon\n", false, false},
		{"toml", "version = \"1.0\"\n[reload]\ndefault_kit = \"x\"\n", true, true},
		{"toml unknown key", "version = \"1.0\"\n[reload]\nkit = \"x\"\n", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDocument([]byte(tt.data), tt.isTOML)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))
		})
	}
}
