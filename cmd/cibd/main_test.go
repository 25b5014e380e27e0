package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "cibd dev")
}

func TestExitCodes(t *testing.T) {
	_, err := execute(t, "version", "--bogus")
	require.Equal(t, exitUsage, exitCode(err))

	_, err = execute(t, "query", "extra-arg")
	require.Equal(t, exitUsage, exitCode(err))

	_, err = execute(t, "ping", "--socket-dir", t.TempDir(), "--timeout", "1s")
	require.Equal(t, exitUnavailable, exitCode(err), "nothing listens on the socket")

	require.Equal(t, exitOK, exitCode(nil))
	require.Equal(t, exitTimeout, exitCode(&ierrors.Error{Code: ierrors.ETimeout}))
	require.Equal(t, exitError, exitCode(errors.New("boom")))
}
