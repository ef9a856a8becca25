package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consolevm/internal/config"
	"consolevm/internal/jsvm"
	"consolevm/internal/terminal"
	"consolevm/internal/vfs"
	"consolevm/pkg/logger"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "log:\n  level: error\nstorage:\n  path: " + filepath.Join(dir, "data.db") + "\nhost:\n  hostname: alpha\n  owner: alice\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	config.Reset()
	t.Cleanup(config.Reset)
	return path
}

func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestCommandLine(t *testing.T) {
	assert.Equal(t, `echo "a b" c`, commandLine([]string{"echo", "a b", "c"}))
	assert.Equal(t, `write x ""`, commandLine([]string{"write", "x", ""}))
}

func TestExitCode(t *testing.T) {
	code, report := ExitCode(nil)
	assert.Equal(t, 0, code)
	assert.False(t, report)

	code, report = ExitCode(&ExitStatus{Code: 3})
	assert.Equal(t, 3, code)
	assert.False(t, report)

	code, report = ExitCode(errors.New("boom"))
	assert.Equal(t, 1, code)
	assert.True(t, report)
}

func TestVersionJSON(t *testing.T) {
	out, _, err := execute(t, "", "version", "--json")
	require.NoError(t, err)
	var info BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.SnapshotFormat)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	config.Reset()
	t.Cleanup(config.Reset)

	out, _, err := execute(t, "", "-c", path, "-q", "config", "init")
	require.NoError(t, err)
	assert.Equal(t, "Wrote "+path+"\n", out)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_time_without_interrupt")

	_, _, err = execute(t, "", "-c", path, "-q", "config", "init")
	assert.ErrorContains(t, err, "already exists")
}

func TestExecPersistsBetweenRuns(t *testing.T) {
	path := writeConfig(t)

	out, _, err := execute(t, "hello\nworld\n", "-c", path, "exec", "write", "/tmp/greeting")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, _, err = execute(t, "", "-c", path, "exec", "cat", "/tmp/greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", out)

	out, _, err = execute(t, "", "-c", path, "exec", "echo", "a b", "c")
	require.NoError(t, err)
	assert.Equal(t, "a b c\n", out)

	out, _, err = execute(t, "", "-c", path, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "alice")
}

func TestExecNoSave(t *testing.T) {
	path := writeConfig(t)

	_, _, err := execute(t, "", "-c", path, "exec", "--no-save", "touch", "/tmp/scratch")
	require.NoError(t, err)
	out, _, err := execute(t, "", "-c", path, "exec", "ls", "/tmp")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExecExitStatus(t *testing.T) {
	path := writeConfig(t)

	_, stderr, err := execute(t, "", "-c", path, "exec", "nope")
	var st *ExitStatus
	require.ErrorAs(t, err, &st)
	assert.Equal(t, 127, st.Code)
	assert.Equal(t, "nope: program not found\n", stderr)

	_, _, err = execute(t, "exit(4)\n", "-c", path, "exec", "write", "/tmp/quit")
	require.NoError(t, err)
	_, _, err = execute(t, "", "-c", path, "exec", "/tmp/quit")
	require.ErrorAs(t, err, &st)
	assert.Equal(t, 4, st.Code)
}

func TestMachineStopKillsScripts(t *testing.T) {
	path := writeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cliCtx := NewCLIContext(cfg, path, logger.Get(), cfg.Storage.Path, false, true)
	t.Cleanup(func() { _ = cliCtx.Close() })
	t.Cleanup(jsvm.ResetKillSwitch)
	ctx := context.Background()

	m, err := startMachine(ctx, cliCtx, machineOptions{})
	require.NoError(t, err)
	assert.False(t, jsvm.Killed())

	session := terminal.New(m.computer, vfs.Actor{User: "alice"}, "/home/alice", io.Discard)
	require.NoError(t, session.Run(ctx, `write spin "while (true) {}"`))
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx, "spin") }()
	require.Eventually(t, func() bool { return session.Running() != nil }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.stop(ctx))
	assert.True(t, jsvm.Killed())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("script outlived the machine")
	}

	// The next machine in the process runs scripts again.
	m, err = startMachine(ctx, cliCtx, machineOptions{})
	require.NoError(t, err)
	assert.False(t, jsvm.Killed())
	var out bytes.Buffer
	session = terminal.New(m.computer, vfs.Actor{User: "alice"}, "/home/alice", &out)
	require.NoError(t, session.Run(ctx, "echo alive"))
	assert.Equal(t, "alive\n", out.String())
	require.NoError(t, m.stop(ctx))
}
