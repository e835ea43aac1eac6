// Command comfy-node-install installs ComfyUI custom nodes through the comfy
// CLI and fails the build when any node could not be installed.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/livepeer/comfy-pod/nodeinstall"
	"github.com/spf13/cobra"
)

const usage = "Usage: comfy-node-install <node1> [<node2> …]"

// exitError carries a process exit code out of cobra's RunE.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newCommand(runner nodeinstall.Runner, stdout, stderr io.Writer) *cobra.Command {
	var cli, mode string

	cmd := &cobra.Command{
		Use:           "comfy-node-install <node1> [<node2> …]",
		Short:         "Install ComfyUI custom nodes and fail on any install error",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Fprintln(stderr, usage)
				return &exitError{code: nodeinstall.ExitUsage}
			}

			inst := nodeinstall.NewInstaller(nodeinstall.Config{
				CLI:    cli,
				Mode:   mode,
				Output: stdout,
				Runner: runner,
			})

			res, err := inst.Install(cmd.Context(), args)
			if err != nil {
				return err
			}

			if code := res.Report(stderr); code != nodeinstall.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cli, "cli", "comfy", "comfy CLI binary")
	cmd.Flags().StringVar(&mode, "mode", "remote", "node registry mode passed to the comfy CLI")
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	return cmd
}

// run executes the command and maps its outcome to an exit code.
func run(ctx context.Context, args []string, runner nodeinstall.Runner, stdout, stderr io.Writer) int {
	cmd := newCommand(runner, stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nodeinstall.ExitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	return nodeinstall.ExitFailure
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], nodeinstall.ExecRunner{}, os.Stdout, os.Stderr))
}
