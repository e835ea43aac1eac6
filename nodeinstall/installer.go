// Package nodeinstall wraps the vendor plugin installer and decides success
// by scraping its output, since the installer's own exit status can not be
// trusted.
package nodeinstall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitUsage follows sysexits.h EX_USAGE.
	ExitUsage = 64
)

const (
	defaultCLI  = "comfy"
	defaultMode = "remote"
)

const registryURL = "https://registry.comfy.org/"

var ErrNoNodes = errors.New("no nodes to install")

// Runner runs a command with combined stdout and stderr written to out. A
// command that starts but exits non-zero is reported through exitCode, not
// err.
type Runner interface {
	Run(ctx context.Context, name string, args []string, out io.Writer) (exitCode int, err error)
}

// ExecRunner runs commands on the local machine.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

type Config struct {
	// CLI is the vendor binary, "comfy" when empty.
	CLI string
	// Mode is passed as --mode, "remote" when empty.
	Mode string
	// Output receives the live installer output. Defaults to os.Stdout.
	Output io.Writer
	// TempDir holds the transient log file. Defaults to os.TempDir().
	TempDir string
	Runner  Runner
}

type Installer struct {
	cli     string
	mode    string
	output  io.Writer
	tempDir string
	runner  Runner
}

func NewInstaller(cfg Config) *Installer {
	inst := &Installer{
		cli:     cfg.CLI,
		mode:    cfg.Mode,
		output:  cfg.Output,
		tempDir: cfg.TempDir,
		runner:  cfg.Runner,
	}
	if inst.cli == "" {
		inst.cli = defaultCLI
	}
	if inst.mode == "" {
		inst.mode = defaultMode
	}
	if inst.output == nil {
		inst.output = os.Stdout
	}
	if inst.runner == nil {
		inst.runner = ExecRunner{}
	}
	return inst
}

// Result is the outcome of one install run.
type Result struct {
	Nodes []string
	// Failed holds the sorted, deduplicated names found in the output.
	Failed []string
	// ExitCode is the vendor CLI's own exit status.
	ExitCode int
	Log      string
}

// Install runs the vendor installer for nodes, tees its output to a
// temporary log and scans that log for failures.
func (i *Installer) Install(ctx context.Context, nodes []string) (*Result, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	logFile, err := os.CreateTemp(i.tempDir, "comfy-node-install-*.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create install log: %w", err)
	}
	defer func() {
		logFile.Close()
		os.Remove(logFile.Name())
	}()

	args := append([]string{"node", "install", "--mode=" + i.mode}, nodes...)
	slog.Debug("Running node installer", slog.String("cli", i.cli), slog.Any("nodes", nodes))

	exitCode, err := i.runner.Run(ctx, i.cli, args, io.MultiWriter(i.output, logFile))
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", i.cli, err)
	}

	log, err := os.ReadFile(logFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read install log: %w", err)
	}

	return &Result{
		Nodes:    nodes,
		Failed:   ScanFailures(string(log)),
		ExitCode: exitCode,
		Log:      string(log),
	}, nil
}

// Report writes the failure report or warning for r to w and returns the
// process exit code. A non-zero vendor exit status without any recognised
// failure text is only a warning.
func (r *Result) Report(w io.Writer) int {
	if len(r.Failed) > 0 {
		fmt.Fprintln(w, "Comfy node installation failed for the following nodes:")
		for _, name := range r.Failed {
			fmt.Fprintf(w, "  %s\n", name)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Please verify the node names at %s and try again.\n", registryURL)
		return ExitFailure
	}

	if r.ExitCode != 0 {
		fmt.Fprintf(w, "Warning: comfy node install exited with status %d but no errors were detected in the log, continuing.\n", r.ExitCode)
	}
	return ExitOK
}
