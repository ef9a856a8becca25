// Package terminal is a line-oriented consumer of program instances: it
// runs command lines, relays program output and forwards typed input.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"consolevm/internal/program"
	"consolevm/internal/vfs"
)

// ErrNoProgram is returned by Input when nothing is running.
var ErrNoProgram = errors.New("terminal: no program running")

// InvokeError is a command line that could not start a program. Unlike a
// program failure, nothing has been written to the session output.
type InvokeError struct {
	Cmdline string
	Err     error
}

func (e *InvokeError) Error() string { return e.Err.Error() }
func (e *InvokeError) Unwrap() error { return e.Err }

// Invoker starts programs, usually a *computer.Computer.
type Invoker interface {
	Invoke(cmdline string, shell program.Shell, actor vfs.Actor) (*program.Instance, error)
}

// Session is one user's terminal. It implements program.Shell, so cd in a
// program run from the session moves the session.
type Session struct {
	inv   Invoker
	actor vfs.Actor
	out   io.Writer

	mu  sync.Mutex
	dir string

	current atomic.Pointer[program.Instance]
}

// New creates a session for actor positioned at dir, writing program output
// to out.
func New(inv Invoker, actor vfs.Actor, dir string, out io.Writer) *Session {
	if dir == "" {
		dir = "/"
	}
	return &Session{inv: inv, actor: actor, out: out, dir: dir}
}

func (s *Session) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *Session) SetDir(dir string) {
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
}

// Actor returns the identity programs run as.
func (s *Session) Actor() vfs.Actor { return s.actor }

// Prompt renders the shell prompt for host.
func (s *Session) Prompt(host string) string {
	return s.actor.User + "@" + host + ":" + s.Dir() + "$ "
}

// Running returns the program in the foreground, if any.
func (s *Session) Running() *program.Instance { return s.current.Load() }

// Run invokes cmdline and relays its output until the end-of-stream
// sentinel. When ctx ends the program is terminated and its remaining
// output is still relayed. The returned error is an *InvokeError or the
// error the program exited with.
func (s *Session) Run(ctx context.Context, cmdline string) error {
	return s.run(ctx, cmdline, nil)
}

// Pipe is Run with the program's input read from in. The input is closed
// once in is exhausted.
func (s *Session) Pipe(ctx context.Context, cmdline string, in io.Reader) error {
	return s.run(ctx, cmdline, in)
}

func (s *Session) run(ctx context.Context, cmdline string, in io.Reader) error {
	p, err := s.inv.Invoke(cmdline, s, s.actor)
	if err != nil {
		return &InvokeError{Cmdline: cmdline, Err: err}
	}
	s.current.Store(p)
	defer s.current.CompareAndSwap(p, nil)

	if in != nil {
		go feed(p, in)
	}

	stop := context.AfterFunc(ctx, p.Terminate)
	defer stop()

	out := p.Stdout()
	buf := make([]byte, 1024)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if _, werr := s.out.Write(buf[:n]); werr != nil {
				// Nobody is listening any more.
				_ = out.Close()
				break
			}
		}
		if err != nil {
			break
		}
	}
	<-p.Done()
	return p.Err()
}

func feed(p *program.Instance, in io.Reader) {
	stdin := p.Stdin()
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if _, err := stdin.WriteString(sc.Text() + "\n"); err != nil {
			return
		}
	}
	_ = stdin.WriteEOF()
}

// Input sends one line to the foreground program.
func (s *Session) Input(line string) error {
	p := s.current.Load()
	if p == nil {
		return ErrNoProgram
	}
	_, err := p.Stdin().WriteString(line + "\n")
	return err
}

// CloseInput ends the foreground program's input.
func (s *Session) CloseInput() error {
	p := s.current.Load()
	if p == nil {
		return ErrNoProgram
	}
	return p.Stdin().WriteEOF()
}

// Interrupt terminates the foreground program.
func (s *Session) Interrupt() bool {
	p := s.current.Load()
	if p == nil {
		return false
	}
	p.Terminate()
	return true
}
