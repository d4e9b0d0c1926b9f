package factory

import (
	"testing"

	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/backend/companion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Setenv("GROVE_PREVIEW_HOME", t.TempDir())
	t.Setenv(backend.EnvCompanionURL, "")
	t.Setenv(backend.EnvDesktop, "")

	tests := []struct {
		name string
		cfg  config.BackendConfig
		kind string
	}{
		{"auto falls back to sandbox", config.BackendConfig{Kind: config.BackendAuto}, backend.KindSandbox},
		{"sandbox with options", config.BackendConfig{Kind: "sandbox", Options: map[string]interface{}{"dev_script": "start"}}, backend.KindSandbox},
		{"companion", config.BackendConfig{Kind: "companion", Options: map[string]interface{}{"url": "http://127.0.0.1:9999"}}, backend.KindCompanion},
		{"auto picks companion from url", config.BackendConfig{Options: map[string]interface{}{"url": "http://127.0.0.1:9999"}}, backend.KindCompanion},
		{"desktop", config.BackendConfig{Kind: "desktop", Options: map[string]interface{}{"socket": "/tmp/x.sock"}}, backend.KindDesktop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, b.Kind())
			assert.Equal(t, backend.StateIdle, b.Status().State)
		})
	}
}

func TestNewCompanionURL(t *testing.T) {
	t.Setenv(backend.EnvCompanionURL, "http://10.0.0.2:4388/")
	b, err := New(config.BackendConfig{Kind: "companion"})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:4388", b.(*companion.Backend).BaseURL())
}

func TestNewErrors(t *testing.T) {
	_, err := New(config.BackendConfig{Kind: "sandbox", Options: map[string]interface{}{"bogus": 1}})
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))

	_, err = New(config.BackendConfig{Kind: "vm"})
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
}
