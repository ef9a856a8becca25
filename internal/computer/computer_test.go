package computer_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consolevm/internal/computer"
	"consolevm/internal/jsvm"
	"consolevm/internal/kernel"
	"consolevm/internal/program"
	"consolevm/internal/scheduler"
	"consolevm/internal/storage"
	"consolevm/internal/terminal"
	"consolevm/internal/vfs"
	"consolevm/internal/vmerr"
)

var (
	alice = vfs.Actor{User: "alice"}
	bob   = vfs.Actor{User: "bob"}
)

func newComputer(t *testing.T, configure ...func(*computer.Options)) *computer.Computer {
	t.Helper()
	cfg := jsvm.DefaultRuntimeConfig()
	cfg.KillSwitch = new(atomic.Bool)
	rt := jsvm.NewRuntime(cfg, nil, zerolog.Nop())
	t.Cleanup(func() { _ = rt.Close() })

	nop := zerolog.Nop()
	opts := computer.Options{
		Hostname: "alpha",
		Owner:    "alice",
		Runner:   rt,
		Kernel:   kernel.Config{DeviceScanInterval: 1},
		Logger:   &nop,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	c, err := computer.New(opts)
	require.NoError(t, err)
	installed, err := c.Boot(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, installed)
	t.Cleanup(c.Shutdown)
	return c
}

func run(t *testing.T, c *computer.Computer, actor vfs.Actor, cmdline string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	s := terminal.New(c, actor, "/home/alice", &out)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx, cmdline)
	return out.String(), err
}

func writeFile(t *testing.T, c *computer.Computer, actor vfs.Actor, path, content string) {
	t.Helper()
	v := vfs.View{Root: c.Root(), Store: c.Store(), Actor: actor, Dir: "/"}
	dir, _ := vfs.Split(path, "/")
	_, err := v.Mkdir(dir, true)
	require.NoError(t, err)
	require.NoError(t, v.WriteFile(context.Background(), path, []byte(content), false))
}

func TestInvokeErrors(t *testing.T) {
	c := newComputer(t)

	_, err := c.Invoke("nope arg", nil, alice)
	assert.EqualError(t, err, "nope: program not found")
	assert.True(t, errors.Is(err, computer.ErrProgramNotFound))

	_, err = c.Invoke("/bin", nil, alice)
	assert.EqualError(t, err, "invalid path: must be a file or provided program")

	_, err = c.Invoke("   ", nil, alice)
	assert.True(t, errors.Is(err, computer.ErrProgramNotFound))
}

func TestInvokeDeniesWithoutExecuteBits(t *testing.T) {
	c := newComputer(t)
	writeFile(t, c, alice, "/home/alice/script", `println("ran")`)

	f, err := vfs.Resolve(c.Root(), "/home/alice/script", "/")
	require.NoError(t, err)

	// OWNER-x and ALL-x cleared: nobody may run it, not even the owner.
	f.SetMode(0o674)
	_, err = c.Invoke("/home/alice/script", nil, alice)
	assert.EqualError(t, err, "permission denied")
	assert.True(t, errors.Is(err, vfs.ErrPermission))
	_, err = c.Invoke("/home/alice/script", nil, bob)
	assert.True(t, errors.Is(err, vfs.ErrPermission))

	// Owner only.
	f.SetMode(0o700)
	out, err := run(t, c, alice, "script")
	require.NoError(t, err)
	assert.Equal(t, "ran\n", out)
	_, err = c.Invoke("/home/alice/script", nil, bob)
	assert.True(t, errors.Is(err, vfs.ErrPermission))

	// GROUP-x does not make a script executable for group members.
	f.SetMode(0o710)
	f.SetGroup("staff")
	_, err = c.Invoke("/home/alice/script", nil, vfs.Actor{User: "carol", Groups: []string{"staff"}})
	assert.True(t, errors.Is(err, vfs.ErrPermission))
}

func TestInvokeResolution(t *testing.T) {
	c := newComputer(t)

	out, err := run(t, c, alice, "ls /")
	require.NoError(t, err)
	assert.Contains(t, out, "bin/\n")

	out, err = run(t, c, alice, `"/bin/echo" hello world`)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)

	writeFile(t, c, alice, "/home/alice/my tools/greet", `function main(argv) { println("hi " + argv[1]) }`)
	out, err = run(t, c, alice, `"my tools/greet" bob`)
	require.NoError(t, err)
	assert.Equal(t, "hi bob\n", out)

	// The working directory wins over the system path.
	writeFile(t, c, alice, "/home/alice/echo", `println("local echo")`)
	out, err = run(t, c, alice, "echo x")
	require.NoError(t, err)
	assert.Equal(t, "local echo\n", out)
}

func TestScriptFailureWritesDiagnostic(t *testing.T) {
	c := newComputer(t)
	writeFile(t, c, alice, "/home/alice/bad", `null.x`)

	out, err := run(t, c, alice, "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vmerr.ErrScriptRuntime))
	assert.True(t, strings.HasPrefix(out, "ScriptRuntimeError: /home/alice/bad: TypeError"), out)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestTerminateAll(t *testing.T) {
	c := newComputer(t)
	writeFile(t, c, alice, "/home/alice/spin", `while (true) {}`)

	var procs []*program.Instance
	for i := 0; i < 2; i++ {
		p, err := c.Invoke("/home/alice/spin", nil, alice)
		require.NoError(t, err)
		procs = append(procs, p)
	}
	assert.Len(t, c.Running(), 2)
	assert.Equal(t, 2, c.TerminateAll(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range procs {
		err := p.Wait(ctx)
		var sig *vmerr.InterruptSignal
		require.True(t, errors.As(err, &sig), "got %v", err)
	}
	c.Tick()
	assert.Empty(t, c.Running())
}

func TestSaveAndLoad(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	c := newComputer(t, func(o *computer.Options) { o.Store = db })
	writeFile(t, c, alice, "/home/alice/notes", "remember\n")
	require.NoError(t, c.Save(ctx, db))

	restored, err := computer.New(computer.Options{Hostname: "alpha", Store: db})
	require.NoError(t, err)
	t.Cleanup(restored.Shutdown)
	installed, err := restored.Boot(ctx, db)
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Equal(t, "alice", restored.Owner())

	b, err := vfs.Resolve(restored.Root(), "/home/alice/notes", "/")
	require.NoError(t, err)
	data, err := b.(*vfs.StoredFile).ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remember\n", string(data))

	_, err = vfs.Resolve(restored.Root(), "/bin/ls", "/")
	assert.NoError(t, err)
	dev, err := vfs.Resolve(restored.Root(), "/dev/pcmd0", "/")
	require.NoError(t, err)
	assert.Equal(t, kernel.DevicePlayer, dev.(*vfs.Device).Type())
}

func TestSetHostnameRunsOnHostThread(t *testing.T) {
	q := scheduler.NewMainQueue()
	c := newComputer(t, func(o *computer.Options) { o.Queue = q })

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-q.Ready():
				q.Drain()
			}
		}
	}()

	out, err := run(t, c, alice, "hostname beta")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, "beta", c.Hostname())

	out, err = run(t, c, bob, "/bin/hostname gamma")
	require.NoError(t, err)
	assert.Equal(t, "hostname: permission denied\n", out)

	out, err = run(t, c, alice, `hostname "bad name"`)
	require.NoError(t, err)
	assert.Contains(t, out, "invalid hostname")
	assert.Equal(t, "beta", c.Hostname())
}

func TestPlayerCommandReachesDeviceReaders(t *testing.T) {
	c := newComputer(t)
	c.Tick()

	p, err := c.Invoke("cat /dev/pcmd0", nil, alice)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for p.Stdout().Buffered() == 0 {
		require.True(t, time.Now().Before(deadline), "no player command arrived")
		c.PlayerCommand("bob", "jump")
		c.Tick()
		time.Sleep(5 * time.Millisecond)
	}
	p.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var sb strings.Builder
	for {
		ch, err := p.Stdout().ReadByteOrSentinel(ctx)
		require.NoError(t, err)
		if ch < 0 {
			break
		}
		sb.WriteByte(byte(ch))
	}
	assert.True(t, strings.HasPrefix(sb.String(), "bob jump\n"), sb.String())
}

func TestNewRejectsBadHostname(t *testing.T) {
	_, err := computer.New(computer.Options{Hostname: "a b"})
	assert.True(t, errors.Is(err, computer.ErrBadHostname))
}
