package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProjectID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid id", "proj-123", false},
		{"valid with underscore", "my_project", false},
		{"uuid", "0b6c2d5e-8f0a-4f53-9d6e-0d1f3b9b2a11", false},
		{"empty id", "", true},
		{"slash", "a/b", true},
		{"dot dot", "..", true},
		{"starts with hyphen", "-project", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateProjectID(tt.input)
			assert.Equal(t, tt.wantErr, err != nil, "validateProjectID(%q) = %v", tt.input, err)
		})
	}
}

func TestValidateFileName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "src/App.tsx", false},
		{"dotfile", ".env.local", false},
		{"double dot in name", "a..b.txt", false},
		{"empty", "", true},
		{"traversal", "../etc/passwd", true},
		{"nested traversal", "src/../../x", true},
		{"shell metachar", "a;rm -rf", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFileName(tt.input)
			assert.Equal(t, tt.wantErr, err != nil, "validateFileName(%q) = %v", tt.input, err)
		})
	}
}

func TestSafeBuilder_Build(t *testing.T) {
	sb := NewSafeBuilder()

	cmd, err := sb.Build(context.Background(), "npm", "install")
	require.NoError(t, err)
	assert.Equal(t, "npm install", cmd.String())
	cmd.Cancel()

	_, err = sb.Build(context.Background(), "")
	assert.Error(t, err)

	_, err = sb.Build(context.Background(), "/bin/sh")
	assert.Error(t, err)

	sb.Allow("pnpm")
	_, err = sb.Build(context.Background(), "npm")
	assert.Error(t, err)
	cmd, err = sb.Build(context.Background(), "pnpm")
	require.NoError(t, err)
	cmd.Cancel()
}

func TestSafeBuilder_Validate(t *testing.T) {
	sb := NewSafeBuilder()

	assert.NoError(t, sb.Validate("script", "build:prod"))
	assert.Error(t, sb.Validate("script", "dev && rm"))
	assert.NoError(t, sb.Validate("program", "node"))
	assert.Error(t, sb.Validate("unknown", "value"))
}

func TestCommand_WithTimeout(t *testing.T) {
	sb := NewSafeBuilder()
	cmd, err := sb.Build(context.Background(), "echo", "test")
	require.NoError(t, err)
	defer cmd.Cancel()

	cmd.WithTimeout(context.Background(), 30*time.Second)
	assert.Equal(t, 30*time.Second, cmd.timeout)
	deadline, ok := cmd.ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), deadline, time.Second)

	cmd.WithTimeout(context.Background(), 2*MaxTimeout)
	assert.Equal(t, MaxTimeout, cmd.timeout)

	cmd.WithTimeout(context.Background(), 0)
	_, ok = cmd.ctx.Deadline()
	assert.False(t, ok)
}
