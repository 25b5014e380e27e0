package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/cmd/cibd/launcher"
	"github.com/clusterlabs/cibd/ipc"
	"github.com/clusterlabs/cibd/kit/cli"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

const clientName = "cibd-cli"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CIBD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

// clientFlags are shared by the commands talking to a running daemon.
type clientFlags struct {
	timeout   time.Duration
	ipcName   string
	socketDir string
	quiet     bool
}

func (f *clientFlags) opts() []cli.Opt {
	return []cli.Opt{
		{DestP: &f.timeout, Flag: "timeout", Default: 30 * time.Second, Desc: "time to wait for the daemon"},
		{DestP: &f.ipcName, Flag: "ipc-name", Default: ipc.DefaultName, Desc: "name of the daemon's local socket"},
		{DestP: &f.socketDir, Flag: "socket-dir", Default: ipc.DefaultSocketDir, Desc: "directory of the daemon's local sockets"},
		{DestP: &f.quiet, Flag: "quiet", Desc: "print nothing, report through the exit code only"},
	}
}

type clientRun func(ctx context.Context, c *ipc.Client, out io.Writer) error

// clientCommand builds a command that connects to the daemon and runs fn.
func clientCommand(use, short string, extra []cli.Opt, fn clientRun) *cobra.Command {
	f := new(clientFlags)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			c, err := ipc.Dial(ctx, ipc.SocketPath(f.socketDir, f.ipcName), clientName)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			if f.quiet {
				out = io.Discard
			}
			return fn(ctx, c, out)
		},
	}
	if err := cli.BindOptions(newViper(), cmd, append(f.opts(), extra...)); err != nil {
		panic(fmt.Errorf("failed to build the %s command: %v", use, err))
	}
	return cmd
}

func queryCommand() *cobra.Command {
	var (
		section    string
		xpath      string
		noChildren bool
		local      bool
	)
	extra := []cli.Opt{
		{DestP: &section, Flag: "section", Desc: "section to read, the whole document by default"},
		{DestP: &xpath, Flag: "xpath", Desc: "read the elements matching an xpath expression"},
		{DestP: &noChildren, Flag: "no-children", Desc: "leave out the children of matched elements"},
		{DestP: &local, Flag: "local", Desc: "read this node's copy instead of asking the primary"},
	}
	return clientCommand("query", "Print the cluster information base", extra,
		func(ctx context.Context, c *ipc.Client, out io.Writer) error {
			if section != "" && xpath != "" {
				return usageError{fmt.Errorf("--section and --xpath are mutually exclusive")}
			}
			opts := cib.CallNone
			target := section
			if xpath != "" {
				opts |= cib.CallXPath
				target = xpath
			}
			if noChildren {
				opts |= cib.CallNoChildren
			}
			if local {
				opts |= cib.CallScopeLocal
			}
			r, err := c.Call(ctx, cib.OpQuery, target, opts, tree.Node{})
			if err != nil {
				return err
			}
			_, err = out.Write(tree.Serialize(r.Data(), tree.Indented()))
			return err
		})
}

func pingCommand() *cobra.Command {
	return clientCommand("ping", "Check that the daemon answers", nil,
		func(ctx context.Context, c *ipc.Client, out io.Writer) error {
			r, err := c.Call(ctx, cib.OpPing, "", cib.CallNone, tree.Node{})
			if err != nil {
				return err
			}
			answer := r.Data()
			doc := answer.FirstChild("cib")
			_, err = fmt.Fprintf(out, "version %s schema %s digest %s\n",
				cib.VersionOf(doc),
				doc.Attr(cib.AttrValidateWith),
				answer.Attr(cib.FieldDigest))
			return err
		})
}

func upgradeCommand() *cobra.Command {
	return clientCommand("upgrade", "Upgrade the document to the latest schema", nil,
		func(ctx context.Context, c *ipc.Client, out io.Writer) error {
			_, err := c.Call(ctx, cib.OpUpgrade, "", cib.CallNone, tree.Node{})
			switch {
			case ierrors.ErrorCode(err) == ierrors.ESchemaUnchanged:
				_, err = fmt.Fprintln(out, "The document already uses the latest schema")
				return err
			case err != nil:
				return err
			}
			r, err := c.Call(ctx, cib.OpQuery, "", cib.CallNoChildren|cib.CallScopeLocal, tree.Node{})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "Upgraded to %s\n", r.Data().Attr(cib.AttrValidateWith))
			return err
		})
}

func versionCommand(info launcher.BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cibd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cibd %s (commit %s, feature set %s)\n", info.Version, info.Commit, cib.FeatureSet)
		},
	}
}
