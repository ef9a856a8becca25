// Package bin holds the provided programs flashed into /bin. Failures are
// reported to the program's output as user-facing messages; they never
// escape the instance.
package bin

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/pflag"

	"consolevm/internal/program"
	"consolevm/internal/vfs"
)

// Program ids are persisted in filesystem snapshots. Never renumber them.
const (
	IDChdir    uint8 = 0x01
	IDList     uint8 = 0x02
	IDWrite    uint8 = 0x03
	IDCat      uint8 = 0x04
	IDHostname uint8 = 0x06
	IDTouch    uint8 = 0x0B
	IDRemove   uint8 = 0x0C
	IDHelp     uint8 = 0x0D
	IDMkdir    uint8 = 0x0E
	IDChown    uint8 = 0x0F
	IDCopy     uint8 = 0x12
	IDExec     uint8 = 0x16
	IDChmod    uint8 = 0x19
	IDKill     uint8 = 0x1A
)

// Definitions returns every provided program.
func Definitions() []program.Definition {
	return []program.Definition{
		{ID: IDChdir, Name: "cd", Usage: "cd [folder]", Native: program.NativeFunc(chdir)},
		{ID: IDList, Name: "ls", Aliases: []string{"dir"}, Usage: "ls [-l] [folder]", Native: program.NativeFunc(list)},
		{ID: IDWrite, Name: "write", Usage: "write [-a] <file> [text]", Native: program.NativeFunc(write)},
		{ID: IDCat, Name: "cat", Usage: "cat <file>...", Native: program.NativeFunc(cat)},
		{ID: IDHostname, Name: "hostname", Usage: "hostname [name]", Native: program.NativeFunc(hostname)},
		{ID: IDTouch, Name: "touch", Usage: "touch <file>...", Native: program.NativeFunc(touch)},
		{ID: IDRemove, Name: "rm", Usage: "rm [-r] <path>...", Native: program.NativeFunc(remove)},
		{ID: IDHelp, Name: "help", Usage: "help", Native: program.NativeFunc(help)},
		{ID: IDMkdir, Name: "mkdir", Usage: "mkdir [-p] <folder>...", Native: program.NativeFunc(mkdir)},
		{ID: IDChown, Name: "chown", Usage: "chown <owner>[:group] <path>", Native: program.NativeFunc(chown)},
		{ID: IDCopy, Name: "cp", Usage: "cp <source> <target>", Native: program.NativeFunc(copyBlock)},
		{ID: IDExec, Name: "exec", Usage: "exec <program> [args]", Native: program.NativeFunc(execute)},
		{ID: IDChmod, Name: "chmod", Usage: "chmod <mode> <path>", Native: program.NativeFunc(chmod)},
		{ID: IDKill, Name: "kill", Usage: "kill", Native: program.NativeFunc(kill)},
	}
}

func view(p *program.Instance) vfs.View {
	sys := p.System()
	return vfs.View{Root: sys.Root(), Store: sys.Store(), Actor: p.Actor(), Dir: p.Dir()}
}

// flags parses the instance arguments. ok is false when parsing failed or
// help was requested; the message has already been printed.
func flags(p *program.Instance, usage string, define func(fs *pflag.FlagSet)) (args []string, ok bool) {
	fs := pflag.NewFlagSet(p.Name(), pflag.ContinueOnError)
	fs.SetOutput(p)
	fs.Usage = func() {
		_ = p.Println("usage: " + usage)
		fs.PrintDefaults()
	}
	if define != nil {
		define(fs)
	}
	if err := fs.Parse(program.SplitArgs(p.Arg())); err != nil {
		return nil, false
	}
	return fs.Args(), true
}

// report prints err as "<op>: <path>: <reason>" and returns nil so the
// failure stays inside the program.
func report(p *program.Instance, op string, err error) error {
	var pe *vfs.PathError
	if errors.As(err, &pe) {
		return p.Println(vfs.Wrap(op, "", err).Error())
	}
	return p.Println(op + ": " + err.Error())
}

func usage(p *program.Instance, u string) error {
	return p.Println("usage: " + u)
}

func chdir(p *program.Instance) error {
	args, ok := flags(p, "cd [folder]", nil)
	if !ok {
		return nil
	}
	target := "/home/" + p.Actor().User
	if len(args) > 0 {
		target = args[0]
	}
	v := view(p)
	b, err := v.Stat(target)
	if err != nil {
		return report(p, "cd", err)
	}
	if _, ok := b.(*vfs.Folder); !ok {
		return report(p, "cd", &vfs.PathError{Path: v.Abs(target), Err: vfs.ErrNotFolder})
	}
	if !vfs.CanAccess(b, p.Actor(), vfs.Execute) {
		return report(p, "cd", &vfs.PathError{Path: v.Abs(target), Err: vfs.ErrPermission})
	}
	p.Shell().SetDir(v.Abs(target))
	return nil
}

func list(p *program.Instance) error {
	var long *bool
	args, ok := flags(p, "ls [-l] [folder]", func(fs *pflag.FlagSet) {
		long = fs.BoolP("long", "l", false, "show kind, mode and owner")
	})
	if !ok {
		return nil
	}
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	entries, err := view(p).List(target)
	if err != nil {
		return report(p, "ls", err)
	}
	for _, e := range entries {
		name := e.Name
		if e.Block.Kind() == vfs.KindFolder {
			name += "/"
		}
		if *long {
			err = p.Printf("%-8s %s %-10s %s\n", e.Block.Kind(), e.Block.Mode(), e.Block.Owner(), name)
		} else {
			err = p.Println(name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func write(p *program.Instance) error {
	var appendMode *bool
	args, ok := flags(p, "write [-a] <file> [text]", func(fs *pflag.FlagSet) {
		appendMode = fs.BoolP("append", "a", false, "append instead of truncating")
	})
	if !ok {
		return nil
	}
	if len(args) == 0 {
		return usage(p, "write [-a] <file> [text]")
	}

	var data string
	if len(args) > 1 {
		data = strings.Join(args[1:], " ") + "\n"
	} else {
		var sb strings.Builder
		for {
			line, err := p.ReadLine()
			if err != nil {
				break
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		if p.Terminated() {
			return nil
		}
		data = sb.String()
	}
	if err := view(p).WriteFile(p.Context(), args[0], []byte(data), *appendMode); err != nil {
		return report(p, "write", err)
	}
	return nil
}

func cat(p *program.Instance) error {
	args, ok := flags(p, "cat <file>...", nil)
	if !ok {
		return nil
	}
	if len(args) == 0 {
		return usage(p, "cat <file>...")
	}
	v := view(p)
	for _, name := range args {
		b, err := v.Stat(name)
		if err != nil {
			_ = report(p, "cat", err)
			continue
		}
		if dev, ok := b.(*vfs.Device); ok {
			if !vfs.CanAccess(dev, p.Actor(), vfs.Read) {
				_ = report(p, "cat", &vfs.PathError{Path: v.Abs(name), Err: vfs.ErrPermission})
				continue
			}
			if err := follow(p, dev); err != nil {
				return err
			}
			continue
		}
		data, err := v.ReadFile(p.Context(), name)
		if err != nil {
			_ = report(p, "cat", err)
			continue
		}
		if _, err := p.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// follow copies a device's output until it stops or the program is
// terminated.
func follow(p *program.Instance, dev *vfs.Device) error {
	r := dev.OpenReader()
	defer r.Close()
	buf := make([]byte, 512)
	for {
		n, err := r.ReadContext(p.Context(), buf)
		if n > 0 {
			if _, werr := p.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return nil
		}
	}
}

func hostname(p *program.Instance) error {
	args, ok := flags(p, "hostname [name]", nil)
	if !ok {
		return nil
	}
	sys := p.System()
	if len(args) == 0 {
		return p.Println(sys.Hostname())
	}
	if p.Actor().User != sys.Owner() {
		return p.Println("hostname: " + vfs.ErrPermission.Error())
	}
	if err := sys.SetHostname(p.Context(), args[0]); err != nil {
		return report(p, "hostname", err)
	}
	return nil
}

func touch(p *program.Instance) error {
	args, ok := flags(p, "touch <file>...", nil)
	if !ok {
		return nil
	}
	if len(args) == 0 {
		return usage(p, "touch <file>...")
	}
	v := view(p)
	for _, name := range args {
		if err := v.Touch(name); err != nil {
			_ = report(p, "touch", err)
		}
	}
	return nil
}

func remove(p *program.Instance) error {
	var recursive *bool
	args, ok := flags(p, "rm [-r] <path>...", func(fs *pflag.FlagSet) {
		recursive = fs.BoolP("recursive", "r", false, "remove folders and their contents")
	})
	if !ok {
		return nil
	}
	if len(args) == 0 {
		return usage(p, "rm [-r] <path>...")
	}
	v := view(p)
	for _, name := range args {
		if err := v.Remove(p.Context(), name, *recursive); err != nil {
			_ = report(p, "rm", err)
		}
	}
	return nil
}

func help(p *program.Instance) error {
	if err := p.Println("Provided programs:"); err != nil {
		return err
	}
	for _, d := range p.System().Programs() {
		line := "  " + d.Usage
		if len(d.Aliases) > 0 {
			line += " (also " + strings.Join(d.Aliases, ", ") + ")"
		}
		if err := p.Println(line); err != nil {
			return err
		}
	}
	return p.Println("Scripts in /bin run by name; exec runs any program by path.")
}

func mkdir(p *program.Instance) error {
	var parents *bool
	args, ok := flags(p, "mkdir [-p] <folder>...", func(fs *pflag.FlagSet) {
		parents = fs.BoolP("parents", "p", false, "create missing parent folders")
	})
	if !ok {
		return nil
	}
	if len(args) == 0 {
		return usage(p, "mkdir [-p] <folder>...")
	}
	v := view(p)
	for _, name := range args {
		if _, err := v.Mkdir(name, *parents); err != nil {
			_ = report(p, "mkdir", err)
		}
	}
	return nil
}

func chown(p *program.Instance) error {
	args, ok := flags(p, "chown <owner>[:group] <path>", nil)
	if !ok {
		return nil
	}
	if len(args) != 2 {
		return usage(p, "chown <owner>[:group] <path>")
	}
	owner, group, _ := strings.Cut(args[0], ":")
	if err := view(p).Chown(args[1], owner, group); err != nil {
		return report(p, "chown", err)
	}
	return nil
}

func copyBlock(p *program.Instance) error {
	args, ok := flags(p, "cp <source> <target>", nil)
	if !ok {
		return nil
	}
	if len(args) != 2 {
		return usage(p, "cp <source> <target>")
	}
	if err := view(p).Copy(p.Context(), args[0], args[1]); err != nil {
		return report(p, "cp", err)
	}
	return nil
}

func chmod(p *program.Instance) error {
	args, ok := flags(p, "chmod <mode> <path>", nil)
	if !ok {
		return nil
	}
	if len(args) != 2 {
		return usage(p, "chmod <mode> <path>")
	}
	mode, err := vfs.ParseMode(args[0])
	if err != nil {
		return report(p, "chmod", err)
	}
	if err := view(p).Chmod(args[1], mode); err != nil {
		return report(p, "chmod", err)
	}
	return nil
}

// execute runs another program in the same shell, feeding it this
// program's input and relaying its output until it ends. Terminating exec
// terminates the child.
func execute(p *program.Instance) error {
	if strings.TrimSpace(p.Arg()) == "" {
		return usage(p, "exec <program> [args]")
	}
	child, err := p.System().Spawn(p.Arg(), p.Shell(), p.Actor())
	if err != nil {
		return p.Println(err.Error())
	}
	stop := context.AfterFunc(p.Context(), child.Terminate)
	defer stop()

	go func() {
		in := child.Stdin()
		for {
			line, err := p.ReadLineContext(child.Context())
			if err != nil {
				_ = in.WriteEOF()
				return
			}
			if _, err := in.WriteString(line + "\n"); err != nil {
				return
			}
		}
	}()

	out := child.Stdout()
	buf := make([]byte, 512)
	for {
		n, err := out.ReadContext(p.Context(), buf)
		if n > 0 {
			if _, werr := p.Write(buf[:n]); werr != nil {
				child.Terminate()
				return werr
			}
		}
		if err != nil {
			break
		}
	}
	_ = out.Close()
	<-child.Done()
	return nil
}

func kill(p *program.Instance) error {
	n := p.System().TerminateAll(p)
	return p.Printf("terminated %d %s\n", n, plural(n, "program", "programs"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
