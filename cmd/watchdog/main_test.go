package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasm-watchdog/pkg/health"
)

func TestRunHealthcheck(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	assert.Error(t, runHealthcheck())

	lock := health.NewLock(health.LockPath(""), false)
	require.NoError(t, lock.MarkHealthy())
	assert.NoError(t, runHealthcheck())

	require.NoError(t, lock.MarkUnhealthy())
	assert.Error(t, runHealthcheck())
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "compile", "healthcheck", "version"} {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, cmd.Name())
		})
	}
}

func TestCompileRequiresOut(t *testing.T) {
	flag := compileCmd.Flags().Lookup("out")
	require.NotNil(t, flag)
	assert.Equal(t, "o", flag.Shorthand)
	assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag])
}
