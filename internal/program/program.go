// Package program runs provided (native) programs and scripts as instances,
// each on its own goroutine with linked input and output streams.
package program

import (
	"context"
	"strings"

	"consolevm/internal/vfs"
)

// Native is a program implemented in Go.
type Native interface {
	Run(p *Instance) error
}

// NativeFunc adapts a function to Native.
type NativeFunc func(p *Instance) error

func (f NativeFunc) Run(p *Instance) error { return f(p) }

// Definition describes a provided program. IDs are persisted in filesystem
// snapshots and must stay stable.
type Definition struct {
	ID      uint8
	Name    string
	Aliases []string
	Usage   string
	Native  Native
}

// Script is source code run by a ScriptRunner.
type Script struct {
	Name   string
	Source string
}

// ScriptRunner executes a script on behalf of an instance. It returns when
// the script finishes or is interrupted.
type ScriptRunner interface {
	RunScript(p *Instance, name, src string) error
}

// Shell is the invoking session's view of the working directory.
type Shell interface {
	Dir() string
	SetDir(dir string)
}

// FixedShell is a Shell whose directory only changes through SetDir.
type FixedShell struct {
	dir string
}

// NewFixedShell creates a shell positioned at dir.
func NewFixedShell(dir string) *FixedShell {
	return &FixedShell{dir: dir}
}

func (s *FixedShell) Dir() string       { return s.dir }
func (s *FixedShell) SetDir(dir string) { s.dir = dir }

// System is the execution context programs run in: one computer.
type System interface {
	Hostname() string
	// SetHostname renames the computer; it runs on the host thread.
	SetHostname(ctx context.Context, name string) error
	Owner() string
	Root() *vfs.Folder
	Store() vfs.BlobStore
	// Spawn resolves and starts another program.
	Spawn(cmdline string, shell Shell, actor vfs.Actor) (*Instance, error)
	Programs() []Definition
	// TerminateAll flags every running program except one and returns how
	// many were flagged.
	TerminateAll(except *Instance) int
	// Notify sends a message to the computer's owner through the host.
	Notify(msg string)
	// CallMain runs fn on the host thread and waits for it.
	CallMain(ctx context.Context, fn func() error) error
}

// SplitArgs splits an argument string on whitespace; double quotes group
// words and are removed.
func SplitArgs(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
		inWord bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			inWord = true
		case !quoted && (r == ' ' || r == '\t'):
			if inWord {
				out = append(out, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		out = append(out, cur.String())
	}
	return out
}

// SplitCommand separates the program path from the argument string. A path
// starting with a double quote extends to the closing quote.
func SplitCommand(cmdline string) (path, arg string) {
	cmdline = strings.TrimSpace(cmdline)
	if strings.HasPrefix(cmdline, `"`) {
		if end := strings.IndexByte(cmdline[1:], '"'); end >= 0 {
			return cmdline[1 : end+1], strings.TrimSpace(cmdline[end+2:])
		}
		return cmdline[1:], ""
	}
	path, arg, _ = strings.Cut(cmdline, " ")
	return path, strings.TrimSpace(arg)
}
