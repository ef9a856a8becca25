// Package computer is one virtual computer: its filesystem, kernel, running
// programs and the program invocation entry point used by terminals and
// the host.
package computer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"consolevm/internal/bin"
	"consolevm/internal/kernel"
	"consolevm/internal/program"
	"consolevm/internal/scheduler"
	"consolevm/internal/storage"
	"consolevm/internal/vfs"
	"consolevm/pkg/logger"
)

// Invocation failures. Their text is shown to the user.
var (
	ErrProgramNotFound = errors.New("program not found")
	ErrInvalidProgram  = errors.New("invalid path: must be a file or provided program")
	ErrBadHostname     = errors.New("invalid hostname")
)

// Notifier delivers kernel and program messages to a computer's owner.
type Notifier interface {
	Notify(hostname, msg string)
}

// SnapshotStore persists encoded filesystems by hostname.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, hostname, owner string, data []byte) error
	LoadSnapshot(ctx context.Context, hostname string) (data []byte, owner string, err error)
}

// Options configure a Computer.
type Options struct {
	Hostname string
	Owner    string
	// Store backs stored files. Defaults to an in-memory store.
	Store vfs.BlobStore
	// Runner executes script files. Without one, scripts cannot be invoked.
	Runner program.ScriptRunner
	// Queue reaches the host thread. Without one, CallMain runs the
	// function on the caller's goroutine under a lock.
	Queue       *scheduler.MainQueue
	Kernel      kernel.Config
	Programs    []program.Definition
	MaxBuffered int
	Notifier    Notifier
	CommandSink kernel.CommandSink
	Logger      *zerolog.Logger
}

// Computer implements program.System.
type Computer struct {
	store    vfs.BlobStore
	runner   program.ScriptRunner
	queue    *scheduler.MainQueue
	kernel   *kernel.Kernel
	notifier Notifier
	maxBuf   int
	log      zerolog.Logger

	mu       sync.RWMutex
	hostname string
	owner    string
	root     *vfs.Folder

	mainMu sync.Mutex
	procs  *xsync.Map[string, *program.Instance]
}

var _ program.System = (*Computer)(nil)

// New creates a computer with an empty root folder. Call Boot before use.
func New(opts Options) (*Computer, error) {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Owner == "" {
		opts.Owner = "admin"
	}
	if err := validHostname(opts.Hostname); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		opts.Store = vfs.NewMemStore()
	}
	if opts.Programs == nil {
		opts.Programs = bin.Definitions()
	}
	log := logger.Component("computer")
	if opts.Logger != nil {
		log = *opts.Logger
	}

	c := &Computer{
		store:    opts.Store,
		runner:   opts.Runner,
		queue:    opts.Queue,
		notifier: opts.Notifier,
		maxBuf:   opts.MaxBuffered,
		log:      log.With().Str("host", opts.Hostname).Logger(),
		hostname: opts.Hostname,
		owner:    opts.Owner,
		root:     vfs.NewFolder(opts.Owner),
		procs:    xsync.NewMap[string, *program.Instance](),
	}

	table, err := kernel.NewTable(opts.Owner, opts.Programs)
	if err != nil {
		return nil, err
	}
	kopts := []kernel.Option{kernel.WithLogger(log.With().Str("component", "kernel").Str("host", opts.Hostname).Logger())}
	if opts.CommandSink != nil {
		kopts = append(kopts, kernel.WithCommandSink(opts.CommandSink))
	}
	c.kernel = kernel.New(c, opts.Kernel, table, kopts...)
	return c, nil
}

func validHostname(name string) error {
	if name == "" || len(name) > vfs.MaxNameLen || strings.ContainsAny(name, " \t\r\n/\\:\"") {
		return fmt.Errorf("%w %q", ErrBadHostname, name)
	}
	return nil
}

func (c *Computer) Hostname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostname
}

// SetHostname renames the computer on the host thread.
func (c *Computer) SetHostname(ctx context.Context, name string) error {
	if err := validHostname(name); err != nil {
		return err
	}
	return c.CallMain(ctx, func() error {
		c.mu.Lock()
		old := c.hostname
		c.hostname = name
		c.mu.Unlock()
		c.log.Info().Str("from", old).Str("to", name).Msg("hostname changed")
		return nil
	})
}

func (c *Computer) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

func (c *Computer) Root() *vfs.Folder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.root
}

func (c *Computer) Store() vfs.BlobStore    { return c.store }
func (c *Computer) Kernel() *kernel.Kernel  { return c.kernel }
func (c *Computer) Logger() *zerolog.Logger { return &c.log }

func (c *Computer) Programs() []program.Definition {
	return c.kernel.Table().Definitions()
}

// Notify sends msg to the owner through the host, or logs it when no
// notifier is set.
func (c *Computer) Notify(msg string) {
	if c.notifier != nil {
		c.notifier.Notify(c.Hostname(), msg)
		return
	}
	c.log.Info().Str("message", msg).Msg("notification")
}

// CallMain runs fn on the host thread and waits for it.
func (c *Computer) CallMain(ctx context.Context, fn func() error) error {
	if c.queue != nil {
		return c.queue.Call(ctx, fn)
	}
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	return fn()
}

// Boot loads the computer's snapshot from store, or installs a fresh
// filesystem when there is none, then attaches devices. installed reports
// whether a fresh filesystem was installed. store may be nil.
func (c *Computer) Boot(ctx context.Context, store SnapshotStore) (installed bool, err error) {
	if store != nil {
		err := c.Load(ctx, store)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
	}
	if err := c.kernel.Install(ctx); err != nil {
		return false, err
	}
	c.kernel.Boot()
	return true, nil
}

// Save writes a snapshot of the filesystem to store.
func (c *Computer) Save(ctx context.Context, store SnapshotStore) error {
	data, err := vfs.Encode(c.Root())
	if err != nil {
		return fmt.Errorf("computer: encode %s: %w", c.Hostname(), err)
	}
	if err := store.SaveSnapshot(ctx, c.Hostname(), c.Owner(), data); err != nil {
		return fmt.Errorf("computer: save %s: %w", c.Hostname(), err)
	}
	c.log.Debug().Int("bytes", len(data)).Msg("saved snapshot")
	return nil
}

// Load replaces the filesystem with the saved snapshot and re-attaches
// devices. Provided programs are re-flashed into /bin.
func (c *Computer) Load(ctx context.Context, store SnapshotStore) error {
	data, owner, err := store.LoadSnapshot(ctx, c.Hostname())
	if err != nil {
		return err
	}
	root, err := vfs.Decode(data, c.kernel.Resolver())
	if err != nil {
		return fmt.Errorf("computer: load %s: %w", c.Hostname(), err)
	}
	c.kernel.Shutdown()
	c.mu.Lock()
	c.root = root
	if owner != "" {
		c.owner = owner
	}
	c.mu.Unlock()

	if _, ok := root.Get("bin"); ok {
		if err := c.kernel.FlashPrograms(); err != nil {
			c.log.Warn().Err(err).Msg("failed to refresh provided programs")
		}
	}
	c.kernel.Boot()
	c.log.Info().Int("bytes", len(data)).Msg("loaded snapshot")
	return nil
}

// resolve finds the block named by path: absolute paths from root, then
// relative to cwd, then inside each system path folder.
func (c *Computer) resolve(path, cwd string) (vfs.Block, string, bool) {
	root := c.Root()
	if b, err := vfs.Resolve(root, path, cwd); err == nil {
		return b, vfs.Clean(path, cwd), true
	}
	if strings.HasPrefix(path, "/") {
		return nil, "", false
	}
	for _, dir := range c.kernel.SystemPath() {
		abs := vfs.Clean(path, "/"+dir)
		if b, err := vfs.Resolve(root, abs, "/"); err == nil {
			return b, abs, true
		}
	}
	return nil, "", false
}

// Invoke resolves the program named at the start of cmdline, checks that
// actor may execute it and starts it. The rest of cmdline is the program's
// argument string. The returned error is meant for the user.
func (c *Computer) Invoke(cmdline string, shell program.Shell, actor vfs.Actor) (*program.Instance, error) {
	if shell == nil {
		shell = program.NewFixedShell("/home/" + actor.User)
	}
	path, arg := program.SplitCommand(cmdline)
	if path == "" {
		return nil, ErrProgramNotFound
	}
	b, abs, ok := c.resolve(path, shell.Dir())
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrProgramNotFound)
	}
	if !vfs.CanAccess(b, actor, vfs.Execute) {
		return nil, &vfs.PathError{Err: vfs.ErrPermission}
	}

	spec := program.Spec{
		Arg:         arg,
		System:      c,
		Shell:       shell,
		Actor:       actor,
		MaxBuffered: c.maxBuf,
	}
	switch t := b.(type) {
	case *vfs.Provided:
		def, ok := c.kernel.Table().Definition(t.ID())
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, ErrProgramNotFound)
		}
		spec.Name = def.Name
		spec.Native = def.Native
	case *vfs.StoredFile:
		if c.runner == nil {
			return nil, fmt.Errorf("%s: scripts are not supported on this computer", path)
		}
		src, err := t.ReadAll(context.Background())
		if err != nil {
			return nil, vfs.Wrap("", abs, err)
		}
		spec.Name = abs
		spec.Script = &program.Script{Name: abs, Source: string(src)}
		spec.Runner = c.runner
	default:
		return nil, ErrInvalidProgram
	}

	p, err := program.New(spec)
	if err != nil {
		return nil, err
	}
	c.procs.Store(p.ID(), p)
	p.OnExit(func(p *program.Instance) { c.procs.Delete(p.ID()) })
	if err := p.Start(); err != nil {
		c.procs.Delete(p.ID())
		return nil, err
	}
	c.log.Debug().Str("program", p.ID()).Str("name", spec.Name).Str("user", actor.User).Msg("started program")
	return p, nil
}

// Spawn implements program.System.
func (c *Computer) Spawn(cmdline string, shell program.Shell, actor vfs.Actor) (*program.Instance, error) {
	return c.Invoke(cmdline, shell, actor)
}

// Running returns the instances that have not exited yet.
func (c *Computer) Running() []*program.Instance {
	var out []*program.Instance
	c.procs.Range(func(_ string, p *program.Instance) bool {
		out = append(out, p)
		return true
	})
	return out
}

// TerminateAll flags every running program except one and returns how many
// were flagged.
func (c *Computer) TerminateAll(except *program.Instance) int {
	n := 0
	c.procs.Range(func(_ string, p *program.Instance) bool {
		if p != except && !p.Terminated() && p.State() != program.StateExited {
			p.Terminate()
			n++
		}
		return true
	})
	return n
}

// Tick runs one host tick: the kernel's device work, then reaping of
// instances that exited.
func (c *Computer) Tick() {
	c.kernel.Tick()
	c.procs.Range(func(id string, p *program.Instance) bool {
		if p.State() == program.StateExited {
			c.procs.Delete(id)
		}
		return true
	})
}

// PlayerCommand forwards a player's command to the computer's player
// devices.
func (c *Computer) PlayerCommand(player, command string) {
	c.kernel.PlayerCommand(player, command)
}

// Shutdown terminates every program and stops every driver.
func (c *Computer) Shutdown() {
	c.TerminateAll(nil)
	c.kernel.Shutdown()
}
