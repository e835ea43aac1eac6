package nodeinstall

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunner replays canned installer output.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args []string, out io.Writer) (int, error) {
	a := m.Called(ctx, name, args)
	io.WriteString(out, a.String(0))
	return a.Int(1), a.Error(2)
}

func newTestInstaller(t *testing.T, runner Runner, out io.Writer) *Installer {
	return NewInstaller(Config{
		Output:  out,
		TempDir: t.TempDir(),
		Runner:  runner,
	})
}

func TestScanFailures(t *testing.T) {
	tests := []struct {
		name     string
		log      string
		expected []string
	}{
		{
			name:     "explicit install error",
			log:      "Installing foo\nAn error occurred while installing 'foo'\n",
			expected: []string{"foo"},
		},
		{
			name:     "fallback to node pattern",
			log:      "Node 'bar' not found in registry\n",
			expected: []string{"bar"},
		},
		{
			name:     "fallback strips version",
			log:      "Node 'bar@1.2.0' not found\n",
			expected: []string{"bar"},
		},
		{
			name:     "explicit wins over fallback",
			log:      "Node 'bar' resolved\nAn error occurred while installing 'foo'\n",
			expected: []string{"foo"},
		},
		{
			name: "deduplicated and sorted",
			log: "An error occurred while installing 'zeta'\n" +
				"An error occurred while installing 'alpha'\n" +
				"An error occurred while installing 'zeta'\n",
			expected: []string{"alpha", "zeta"},
		},
		{
			name:     "clean output",
			log:      "Installed comfyui-kjnodes\nDone.\n",
			expected: nil,
		},
		{
			name:     "unterminated node quote",
			log:      "Node 'foo is missing a closing quote\nInstalled bar's deps\n",
			expected: nil,
		},
		{
			name:     "unterminated install quote",
			log:      "An error occurred while installing 'foo\nbar' later\n",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, ScanFailures(tt.log))
		})
	}
}

func TestInstallNoNodes(t *testing.T) {
	runner := new(MockRunner)
	inst := newTestInstaller(t, runner, io.Discard)

	_, err := inst.Install(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoNodes)
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestInstallInvokesVendorCLI(t *testing.T) {
	runner := new(MockRunner)
	ctx := context.Background()
	nodes := []string{"comfyui-kjnodes", "was-node-suite"}
	runner.On("Run", ctx, "comfy", []string{"node", "install", "--mode=remote", "comfyui-kjnodes", "was-node-suite"}).
		Return("All nodes installed\n", 0, nil)

	var out bytes.Buffer
	inst := newTestInstaller(t, runner, &out)

	res, err := inst.Install(ctx, nodes)
	require.NoError(t, err)
	runner.AssertExpectations(t)

	require.Equal(t, "All nodes installed\n", out.String())
	require.Equal(t, out.String(), res.Log)
	require.Empty(t, res.Failed)
	require.Equal(t, 0, res.ExitCode)
}

func TestInstallRemovesLog(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).Return("ok\n", 0, nil)

	dir := t.TempDir()
	inst := NewInstaller(Config{Output: io.Discard, TempDir: dir, Runner: runner})

	_, err := inst.Install(context.Background(), []string{"foo"})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestInstallRunnerError(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).Return("", -1, errors.New("executable file not found"))

	inst := newTestInstaller(t, runner, io.Discard)
	_, err := inst.Install(context.Background(), []string{"foo"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "executable file not found")
}

func TestResultReport(t *testing.T) {
	tests := []struct {
		name     string
		log      string
		exitCode int
		expected int
		contains []string
		empty    bool
	}{
		{
			name:     "explicit failure",
			log:      "An error occurred while installing 'foo'\n",
			expected: ExitFailure,
			contains: []string{"  foo\n", "registry.comfy.org"},
		},
		{
			name:     "fallback failure",
			log:      "Node 'bar' not found\n",
			exitCode: 1,
			expected: ExitFailure,
			contains: []string{"  bar\n"},
		},
		{
			name:     "clean success",
			log:      "done\n",
			expected: ExitOK,
			empty:    true,
		},
		{
			name:     "ambiguous non-zero exit",
			log:      "something odd happened\n",
			exitCode: 2,
			expected: ExitOK,
			contains: []string{"Warning", "status 2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := new(MockRunner)
			runner.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(tt.log, tt.exitCode, nil)

			res, err := newTestInstaller(t, runner, io.Discard).Install(context.Background(), []string{"foo", "bar"})
			require.NoError(t, err)

			var stderr bytes.Buffer
			require.Equal(t, tt.expected, res.Report(&stderr))
			if tt.empty {
				require.Empty(t, stderr.String())
			}
			for _, s := range tt.contains {
				require.Contains(t, stderr.String(), s)
			}
		})
	}
}

func TestReportOnePerLineSorted(t *testing.T) {
	res := &Result{Failed: ScanFailures("Node 'b'\nNode 'a'\nNode 'b'\n")}

	var stderr bytes.Buffer
	require.Equal(t, ExitFailure, res.Report(&stderr))

	lines := strings.Split(stderr.String(), "\n")
	require.Equal(t, "  a", lines[1])
	require.Equal(t, "  b", lines[2])
}

func TestExecRunnerExitCode(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	var out bytes.Buffer
	code, err := ExecRunner{}.Run(context.Background(), sh, []string{"-c", "echo hi; echo err >&2; exit 3"}, &out)
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Contains(t, out.String(), "hi")
	require.Contains(t, out.String(), "err")

	_, err = ExecRunner{}.Run(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, &out)
	require.Error(t, err)
}
