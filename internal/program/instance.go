package program

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"consolevm/internal/stream"
	"consolevm/internal/vfs"
	"consolevm/internal/vmerr"
	"consolevm/pkg/logger"
)

// State is the lifecycle state of an instance.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned by Start on an instance that is not new.
	ErrAlreadyStarted = errors.New("program: already started")
	// ErrNoBody is returned by New without a native or a script.
	ErrNoBody = errors.New("program: exactly one of native or script required")
)

// exitWriteTimeout bounds how long the exit path waits for room in the
// output stream before giving up on the diagnostic line.
const exitWriteTimeout = time.Second

// Spec describes the instance to create.
type Spec struct {
	Name   string
	Arg    string
	System System
	Shell  Shell
	Actor  vfs.Actor

	Native Native
	Script *Script
	Runner ScriptRunner

	// MaxBuffered bounds both streams; 0 means unbounded.
	MaxBuffered int
}

// Instance is one invocation of a program. It is never reused.
type Instance struct {
	id    string
	name  string
	arg   string
	argv  []string
	sys   System
	shell Shell
	actor vfs.Actor

	native Native
	script *Script
	runner ScriptRunner

	stdin   *stream.Pipe
	stdout  *stream.Pipe
	readMu  sync.Mutex
	in      *bufio.Reader
	readCtx context.Context

	state      atomic.Int32
	terminated atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	err        error

	exitMu sync.Mutex
	onExit []func(*Instance)

	log zerolog.Logger
}

// New creates an instance in the Created state.
func New(spec Spec) (*Instance, error) {
	if (spec.Native == nil) == (spec.Script == nil) {
		return nil, ErrNoBody
	}
	if spec.Script != nil && spec.Runner == nil {
		return nil, errors.New("program: script without runner")
	}
	shell := spec.Shell
	if shell == nil {
		shell = NewFixedShell("/")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Instance{
		id:     uuid.NewString(),
		name:   spec.Name,
		arg:    spec.Arg,
		argv:   SplitArgs(spec.Arg),
		sys:    spec.System,
		shell:  shell,
		actor:  spec.Actor,
		native: spec.Native,
		script: spec.Script,
		runner: spec.Runner,
		stdin:  stream.New(spec.MaxBuffered),
		stdout: stream.New(spec.MaxBuffered),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.readCtx = ctx
	p.in = bufio.NewReader(inputReader{p})
	p.log = logger.Component("program").With().
		Str("program", p.id).
		Str("name", p.name).
		Str("user", p.actor.User).
		Logger()
	// Closing the output means nobody is listening any more.
	p.stdout.OnClose(p.Terminate)
	return p, nil
}

func (p *Instance) ID() string       { return p.id }
func (p *Instance) Name() string     { return p.name }
func (p *Instance) Arg() string      { return p.arg }
func (p *Instance) System() System   { return p.sys }
func (p *Instance) Shell() Shell     { return p.shell }
func (p *Instance) Actor() vfs.Actor { return p.actor }

// Logger is tagged with the instance id, program name and user.
func (p *Instance) Logger() *zerolog.Logger { return &p.log }

// Argv returns a copy of the argument vector.
func (p *Instance) Argv() []string {
	return append([]string(nil), p.argv...)
}

// Dir is the current directory of the invoking shell.
func (p *Instance) Dir() string { return p.shell.Dir() }

// Stdin is written by the consumer and read by the program.
func (p *Instance) Stdin() *stream.Pipe { return p.stdin }

// Stdout is written by the program and read by the consumer.
func (p *Instance) Stdout() *stream.Pipe { return p.stdout }

// Context is cancelled when the instance is terminated or exits.
func (p *Instance) Context() context.Context { return p.ctx }

// State returns the lifecycle state.
func (p *Instance) State() State { return State(p.state.Load()) }

// Done is closed once the instance has exited and written its sentinel.
func (p *Instance) Done() <-chan struct{} { return p.done }

// Err returns the failure the program exited with. Valid after Done.
func (p *Instance) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Start runs the program on its own goroutine.
func (p *Instance) Start() error {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	go p.run()
	return nil
}

// Wait blocks until the instance exits or ctx ends.
func (p *Instance) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate asks the program to stop. Scripts are interrupted by their
// governor; natives are expected to poll Terminated or block on Context.
func (p *Instance) Terminate() {
	if p.terminated.CompareAndSwap(false, true) {
		p.log.Debug().Msg("terminate requested")
	}
	p.cancel()
}

// Terminated reports whether Terminate was called.
func (p *Instance) Terminated() bool { return p.terminated.Load() }

// OnExit registers fn to run after the sentinel has been written.
func (p *Instance) OnExit(fn func(*Instance)) {
	p.exitMu.Lock()
	select {
	case <-p.done:
		p.exitMu.Unlock()
		fn(p)
		return
	default:
	}
	p.onExit = append(p.onExit, fn)
	p.exitMu.Unlock()
}

func (p *Instance) run() {
	start := time.Now()
	err := p.body()

	if err != nil {
		line := vmerr.Diagnostic(err) + "\n"
		ctx, cancel := context.WithTimeout(context.Background(), exitWriteTimeout)
		if _, werr := p.stdout.WriteContext(ctx, []byte(line)); werr != nil {
			p.log.Debug().Err(werr).Msg("diagnostic not delivered")
		}
		cancel()

		ev := p.log.Warn().Err(err)
		var sig *vmerr.InterruptSignal
		if errors.As(err, &sig) {
			ev = p.log.Info().Str("reason", sig.Reason)
		}
		var pe *vmerr.PanicError
		if logger.TracesEnabled() && errors.As(err, &pe) {
			ev = ev.Str("stack", string(pe.Stack))
		}
		ev.Dur("elapsed", time.Since(start)).Msg("program failed")
	} else {
		p.log.Debug().Dur("elapsed", time.Since(start)).Msg("program exited")
	}

	if werr := p.stdout.WriteEOF(); werr != nil {
		p.log.Debug().Err(werr).Msg("sentinel already written")
	}

	p.exitMu.Lock()
	p.err = err
	p.state.Store(int32(StateExited))
	p.cancel()
	close(p.done)
	hooks := p.onExit
	p.onExit = nil
	p.exitMu.Unlock()

	for _, fn := range hooks {
		fn(p)
	}
}

func (p *Instance) body() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &vmerr.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if p.native != nil {
		return p.native.Run(p)
	}
	return p.runner.RunScript(p, p.script.Name, p.script.Source)
}

// Write implements io.Writer on the output stream; it gives up when the
// instance is terminated.
func (p *Instance) Write(b []byte) (int, error) {
	return p.stdout.WriteContext(p.ctx, b)
}

// Print writes the operands formatted as by fmt.Sprint.
func (p *Instance) Print(a ...any) error {
	_, err := io.WriteString(p, fmt.Sprint(a...))
	return err
}

// Println writes the operands separated by spaces and a newline.
func (p *Instance) Println(a ...any) error {
	_, err := io.WriteString(p, fmt.Sprintln(a...))
	return err
}

// Printf writes according to a format specifier.
func (p *Instance) Printf(format string, a ...any) error {
	_, err := fmt.Fprintf(p, format, a...)
	return err
}

type inputReader struct{ p *Instance }

func (r inputReader) Read(b []byte) (int, error) {
	return r.p.stdin.ReadContext(r.p.readCtx, b)
}

// ReadLine blocks for the next input line, without its terminator. It returns
// io.EOF once the consumer ended the input and an InterruptSignal when the
// instance is terminated while waiting.
func (p *Instance) ReadLine() (string, error) {
	return p.ReadLineContext(p.ctx)
}

// ReadLineContext is ReadLine that also gives up when ctx ends. Any goroutine
// may read; concurrent readers are served one line at a time.
func (p *Instance) ReadLineContext(ctx context.Context) (string, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	if ctx != p.ctx {
		merged, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()
		ctx = merged
	}
	p.readCtx = ctx
	line, err := p.in.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return "", &vmerr.InterruptSignal{Reason: vmerr.ReasonTerminated}
		}
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
