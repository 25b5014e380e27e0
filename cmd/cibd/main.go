package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clusterlabs/cibd/cmd/cibd/launcher"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 64
	exitUnavailable = 69
	exitTimeout     = 124
)

func main() {
	cmd := rootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func rootCommand() *cobra.Command {
	info := launcher.BuildInfo{Version: version, Commit: commit}

	root := launcher.NewCommand("cibd", info)
	root.Short = "Cluster information base daemon"
	root.Long = `cibd keeps the cluster information base consistent across the nodes of a
cluster and serves it to local clients.

Running cibd without a subcommand starts the server.`
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	root.Args = usageArgs(root.Args)

	root.AddCommand(
		launcher.NewCommand("run", info),
		queryCommand(),
		pingCommand(),
		upgradeCommand(),
		versionCommand(info),
	)
	for _, c := range root.Commands() {
		c.SilenceUsage = true
		c.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
		c.Args = usageArgs(c.Args)
	}
	return root
}

// usageError marks errors caused by bad command lines.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	if check == nil {
		check = cobra.NoArgs
	}
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ue usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	switch ierrors.ErrorCode(err) {
	case ierrors.EUnavailable:
		return exitUnavailable
	case ierrors.ETimeout:
		return exitTimeout
	}
	return exitError
}
