package jsvm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consolevm/internal/config"
	"consolevm/internal/program"
	"consolevm/internal/stream"
	"consolevm/internal/vfs"
	"consolevm/internal/vmerr"
)

type testSystem struct {
	root  *vfs.Folder
	store *vfs.MemStore
}

func newTestSystem(t *testing.T) *testSystem {
	t.Helper()
	root := vfs.NewFolder("admin")
	for _, dir := range []string{"home/alice", "lib"} {
		if _, err := root.Mkdir(dir, "admin"); err != nil {
			t.Fatal(err)
		}
	}
	return &testSystem{root: root, store: vfs.NewMemStore()}
}

func (s *testSystem) put(t *testing.T, path, src string) {
	t.Helper()
	view := vfs.View{Root: s.root, Store: s.store, Actor: vfs.Actor{User: "admin"}, Dir: "/"}
	require.NoError(t, view.WriteFile(context.Background(), path, []byte(src), false))
}

func (s *testSystem) Hostname() string                                  { return "alpha" }
func (s *testSystem) SetHostname(context.Context, string) error         { return nil }
func (s *testSystem) Owner() string                                     { return "alice" }
func (s *testSystem) Root() *vfs.Folder                                 { return s.root }
func (s *testSystem) Store() vfs.BlobStore                              { return s.store }
func (s *testSystem) Programs() []program.Definition                    { return nil }
func (s *testSystem) TerminateAll(*program.Instance) int                { return 0 }
func (s *testSystem) Notify(string)                                     {}
func (s *testSystem) CallMain(_ context.Context, fn func() error) error { return fn() }

func (s *testSystem) Spawn(string, program.Shell, vfs.Actor) (*program.Instance, error) {
	return nil, errors.New("not supported")
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := DefaultRuntimeConfig()
	cfg.KillSwitch = new(atomic.Bool)
	rt := NewRuntime(cfg, nil, zerolog.Nop())
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// runScript runs src as a script program and returns its output and exit
// error.
func runScript(t *testing.T, rt *Runtime, sys *testSystem, arg, src string) (string, error) {
	t.Helper()
	p, err := program.New(program.Spec{
		Name:   "main.js",
		Arg:    arg,
		System: sys,
		Shell:  program.NewFixedShell("/home/alice"),
		Actor:  vfs.Actor{User: "alice"},
		Script: &program.Script{Name: "main.js", Source: src},
		Runner: rt,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var sb strings.Builder
	for {
		c, err := p.Stdout().ReadByteOrSentinel(ctx)
		require.NoError(t, err)
		if c == stream.Sentinel {
			break
		}
		sb.WriteByte(byte(c))
	}
	return sb.String(), p.Wait(ctx)
}

func TestRunScriptCallsMain(t *testing.T) {
	rt := newTestRuntime(t)
	out, err := runScript(t, rt, newTestSystem(t), `one "two three"`, `
		println("loaded");
		function main(argv) { println(argv.length, argv[1], argv[2]) }
	`)
	require.NoError(t, err)
	assert.Equal(t, "loaded\n3 one two three\n", out)
}

func TestRunScriptExit(t *testing.T) {
	rt := newTestRuntime(t)
	sys := newTestSystem(t)

	out, err := runScript(t, rt, sys, "", `println("a"); try { exit(0) } catch (e) {}; println("b")`)
	require.NoError(t, err)
	assert.Equal(t, "a\n", out)

	_, err = runScript(t, rt, sys, "", `function main() { exit(2) }`)
	var ee *vmerr.ExitError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, 2, ee.Code)
}

func TestRunScriptErrorDiagnostic(t *testing.T) {
	rt := newTestRuntime(t)
	out, err := runScript(t, rt, newTestSystem(t), "", `undefinedFunction()`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vmerr.ErrScriptRuntime))
	assert.Contains(t, out, "undefinedFunction is not defined")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestRunScriptRequire(t *testing.T) {
	rt := newTestRuntime(t)
	sys := newTestSystem(t)
	sys.put(t, "/lib/greet.js", `module.exports = function (n) { return "hello " + n }`)
	sys.put(t, "/home/alice/util.js", `exports.twice = function (x) { return x * 2 }`)
	sys.put(t, "/lib/a.js", `exports.name = "a"; var b = require("b"); exports.fromB = b.name;`)
	sys.put(t, "/lib/b.js", `var a = require("a"); exports.name = "b"; exports.sawA = a.name;`)

	out, err := runScript(t, rt, sys, "", `
		var greet = require("greet");
		var util = require("./util");
		println(greet("bob"), util.twice(21));
		println(require("a").fromB, require("b").sawA);
		println(require("greet") === greet);
		try { require("nope") } catch (e) { println(e.message) }
	`)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "hello bob 42", lines[0])
	assert.Equal(t, "b a", lines[1])
	assert.Equal(t, "true", lines[2])
	assert.Contains(t, lines[3], "module not found: nope")
}

func TestRunScriptSandboxesAreIsolated(t *testing.T) {
	rt := newTestRuntime(t)
	sys := newTestSystem(t)

	_, err := runScript(t, rt, sys, "", `var leaked = 1`)
	require.NoError(t, err)
	out, err := runScript(t, rt, sys, "", `println(typeof leaked)`)
	require.NoError(t, err)
	assert.Equal(t, "undefined\n", out)
}

func TestEval(t *testing.T) {
	rt := newTestRuntime(t)

	v, err := rt.Eval(context.Background(), "eval.js", `[1, 2].map(function (x) { return x + 1 })`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(3)}, v)

	_, err = rt.Eval(context.Background(), "eval.js", `var x = ;`)
	assert.True(t, errors.Is(err, vmerr.ErrScriptSyntax))
}

func TestRuntimeClose(t *testing.T) {
	rt := NewRuntime(DefaultRuntimeConfig(), nil, zerolog.Nop())
	require.NoError(t, rt.Close())
	_, err := rt.Eval(context.Background(), "eval.js", `1`)
	assert.Error(t, err)
}

func TestRuntimeConfigFrom(t *testing.T) {
	cfg := RuntimeConfigFrom(config.SandboxConfig{
		MaxTimeWithoutInterrupt: time.Second,
		CheckInterval:           5,
		MaxPrograms:             4,
		AcquireTimeout:          time.Second,
	})
	assert.Equal(t, time.Second, cfg.SandboxConfig.MaxTimeWithoutInterrupt)
	assert.Equal(t, 5, cfg.SandboxConfig.CheckInterval)
	assert.Equal(t, 4, cfg.PoolConfig.MaxSize)
	assert.Equal(t, int64(1<<20), cfg.SandboxConfig.MaxWriteSize)
}
