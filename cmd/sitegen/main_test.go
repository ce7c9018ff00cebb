package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"generate", "validate", "analyze", "extract-media", "images", "agent-status"}, names)
}

func TestArgumentValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"generate needs a client name", []string{"generate", "https://acme.test"}, "accepts 2 arg(s)"},
		{"generate rejects unusable names", []string{"generate", "https://acme.test", "!!!"}, "invalid client name"},
		{"validate needs a dir", []string{"validate"}, "accepts 1 arg(s)"},
		{"analyze takes at most two", []string{"analyze", "a", "b", "c"}, "accepts between 1 and 2 arg(s)"},
		{"agent-status takes none", []string{"agent-status", "x"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := rootCmd()
			root.SetArgs(tt.args)
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			err := root.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGenerateFlags(t *testing.T) {
	cmd := generateCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-y", "--max-fix-cycles", "2", "--no-fix"}))
	force, err := cmd.Flags().GetBool("yes")
	require.NoError(t, err)
	assert.True(t, force)
	assert.True(t, cmd.Flags().Changed("max-fix-cycles"))
	assert.False(t, cmd.Flags().Changed("creative"))
}

func TestDirArg(t *testing.T) {
	assert.Equal(t, ".", dirArg([]string{"url"}, 1))
	assert.Equal(t, "out", dirArg([]string{"url", "out"}, 1))
	assert.Equal(t, ".", dirArg([]string{"url", ""}, 1))
}
