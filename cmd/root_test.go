package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subcommand(t *testing.T, parent *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, c := range parent.Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("command %q not found under %q", name, parent.Name())
	return nil
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 2, exitCode(fmt.Errorf("%w: task interrupted", errCancelled)))
	assert.Equal(t, 64, exitCode(fmt.Errorf("%w: unknown flag", errUsage)))
	assert.Equal(t, 1, exitCode(errors.New("workflow failed")))
}

func TestSelfCommandSurface(t *testing.T) {
	self := subcommand(t, rootCmd, "self")
	subcommand(t, self, "check")
	subcommand(t, self, "evolve")
	subcommand(t, self, "drive")
}

func TestStartHasDetachFlag(t *testing.T) {
	start := subcommand(t, rootCmd, "start")
	f := start.Flags().Lookup("detach")
	require.NotNil(t, f)
	assert.Equal(t, "D", f.Shorthand)
}
