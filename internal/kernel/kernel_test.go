package kernel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consolevm/internal/program"
	"consolevm/internal/stream"
	"consolevm/internal/vfs"
)

type machine struct {
	root  *vfs.Folder
	store *vfs.MemStore

	mu       sync.Mutex
	notified []string
}

func newMachine() *machine {
	return &machine{root: vfs.NewFolder("alice"), store: vfs.NewMemStore()}
}

func (m *machine) Root() *vfs.Folder    { return m.root }
func (m *machine) Store() vfs.BlobStore { return m.store }
func (m *machine) Owner() string        { return "alice" }

func (m *machine) Notify(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, msg)
}

func nop(*program.Instance) error { return nil }

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable("alice", []program.Definition{
		{ID: 0x02, Name: "ls", Aliases: []string{"dir"}, Native: program.NativeFunc(nop)},
		{ID: 0x01, Name: "cd", Native: program.NativeFunc(nop)},
	})
	require.NoError(t, err)
	return table
}

func newTestKernel(t *testing.T, m *machine, log *bytes.Buffer, opts ...Option) *Kernel {
	t.Helper()
	l := zerolog.Nop()
	if log != nil {
		l = zerolog.New(log)
	}
	opts = append([]Option{WithLogger(l)}, opts...)
	return New(m, Config{DeviceScanInterval: 1}, testTable(t), opts...)
}

func readLine(t *testing.T, p *stream.Pipe) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var sb strings.Builder
	for {
		c, err := p.ReadByteOrSentinel(ctx)
		require.NoError(t, err)
		if c == stream.Sentinel || c == '\n' {
			return sb.String()
		}
		sb.WriteByte(byte(c))
	}
}

func TestNewTable(t *testing.T) {
	table := testTable(t)
	defs := table.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "cd", defs[0].Name)

	b, ok := table.Block(0x02)
	require.True(t, ok)
	assert.Equal(t, "ls", b.Name())
	_, ok = table.Block(0x7f)
	assert.False(t, ok)

	_, err := NewTable("alice", []program.Definition{
		{ID: 1, Name: "a", Native: program.NativeFunc(nop)},
		{ID: 1, Name: "b", Native: program.NativeFunc(nop)},
	})
	assert.Error(t, err)
	_, err = NewTable("alice", []program.Definition{{ID: 0, Name: "a", Native: program.NativeFunc(nop)}})
	assert.Error(t, err)
}

func TestInstall(t *testing.T) {
	m := newMachine()
	k := newTestKernel(t, m, nil)
	require.NoError(t, k.Install(context.Background()))

	for _, dir := range []string{"/home/alice", "/bin", "/dev", "/tmp", "/etc", "/lib", "/boot"} {
		_, err := vfs.ResolveFolder(m.root, dir, "/")
		assert.NoError(t, err, dir)
	}

	ls, err := vfs.Resolve(m.root, "/bin/ls", "/")
	require.NoError(t, err)
	dir, err := vfs.Resolve(m.root, "/bin/dir", "/")
	require.NoError(t, err)
	assert.Same(t, ls, dir)

	echo, err := vfs.Resolve(m.root, "/bin/echo", "/")
	require.NoError(t, err)
	f, ok := echo.(*vfs.StoredFile)
	require.True(t, ok)
	src, err := f.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(src), "function main")

	_, err = vfs.Resolve(m.root, "/lib/text.js", "/")
	assert.NoError(t, err)
	_, err = vfs.Resolve(m.root, "/etc/motd", "/")
	assert.NoError(t, err)
}

func TestBootCreatesDevices(t *testing.T) {
	m := newMachine()
	k := newTestKernel(t, m, nil)
	require.NoError(t, k.Install(context.Background()))
	k.Boot()

	null, err := vfs.Resolve(m.root, "/dev/null", "/")
	require.NoError(t, err)
	assert.Equal(t, DeviceNull, null.(*vfs.Device).Type())
	_, err = vfs.Resolve(m.root, "/dev/pcmd0", "/")
	assert.NoError(t, err)
	_, err = vfs.Resolve(m.root, "/dev/cmd0", "/")
	assert.Error(t, err, "cmd0 needs a command sink")

	// Booting again keeps the existing devices.
	k.Boot()
	again, _ := vfs.Resolve(m.root, "/dev/null", "/")
	assert.Same(t, null, again)
}

func TestTickAttachesDriversAndForwardsPlayerCommands(t *testing.T) {
	m := newMachine()
	k := newTestKernel(t, m, nil)
	require.NoError(t, k.Install(context.Background()))
	k.Boot()

	k.Tick()
	drivers := k.Drivers()
	require.Len(t, drivers, 1, "only pcmd0 has a driver")
	dev := drivers[0].Device()
	assert.Equal(t, DevicePlayer, dev.Type())

	reader := dev.OpenReader()
	k.PlayerCommand("bob", "open door")
	k.Tick()
	assert.Equal(t, "bob open door", readLine(t, reader))

	// Scanning again does not attach a second driver.
	k.Tick()
	assert.Len(t, k.Drivers(), 1)
}

type sink struct{ got []string }

func (s *sink) ExecuteCommand(cmdline string) (string, error) {
	s.got = append(s.got, cmdline)
	if cmdline == "fail" {
		return "", errors.New("unknown command")
	}
	return "ok " + cmdline, nil
}

func TestCommandDriver(t *testing.T) {
	m := newMachine()
	s := &sink{}
	k := newTestKernel(t, m, nil, WithCommandSink(s))
	require.NoError(t, k.Install(context.Background()))
	k.Boot()
	k.Tick()

	b, err := vfs.Resolve(m.root, "/dev/cmd0", "/")
	require.NoError(t, err)
	dev := b.(*vfs.Device)
	reader := dev.OpenReader()

	w := dev.OpenWriter()
	_, err = w.Write([]byte("say hi\nfa"))
	require.NoError(t, err)
	k.Tick()
	assert.Equal(t, "ok say hi", readLine(t, reader))
	assert.Equal(t, []string{"say hi"}, s.got)

	_, err = w.Write([]byte("il\n"))
	require.NoError(t, err)
	k.Tick()
	assert.Equal(t, "error: unknown command", readLine(t, reader))
}

func TestMissingDevLoggedOnceUntilItReappears(t *testing.T) {
	m := newMachine()
	var log bytes.Buffer
	k := newTestKernel(t, m, &log)
	require.NoError(t, k.Install(context.Background()))
	k.Boot()
	k.Tick()

	dev, err := m.root.Unlink("dev")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		k.Tick()
	}
	assert.Equal(t, 1, strings.Count(log.String(), "/dev folder missing"))
	assert.Len(t, m.notified, 1)
	assert.Len(t, k.Drivers(), 1, "drivers are kept while /dev is missing")

	require.NoError(t, m.root.Put("dev", dev))
	k.Tick()
	assert.Contains(t, log.String(), "device scan resumed")
	assert.Len(t, k.Drivers(), 1)

	_, err = m.root.Unlink("dev")
	require.NoError(t, err)
	k.Tick()
	k.Tick()
	assert.Equal(t, 2, strings.Count(log.String(), "/dev folder missing"))
}

func TestFailingFactoryUninstallsDriverType(t *testing.T) {
	m := newMachine()
	k := newTestKernel(t, m, nil)
	require.NoError(t, k.Install(context.Background()))
	k.Boot()

	var attempts int
	k.RegisterDriver("bad", func(*vfs.Device, *Kernel) (Driver, error) {
		attempts++
		return nil, errors.New("broken")
	})
	dev, _ := vfs.ResolveFolder(m.root, "/dev", "/")
	require.NoError(t, dev.Put("bad0", vfs.NewDevice("bad", "alice")))

	k.Tick()
	k.Tick()
	assert.Equal(t, 1, attempts)
	assert.NotContains(t, k.DriverTypes(), "bad")
	assert.Contains(t, k.DriverTypes(), DevicePlayer)
}

func TestRemovedDeviceStopsDriver(t *testing.T) {
	m := newMachine()
	k := newTestKernel(t, m, nil)
	require.NoError(t, k.Install(context.Background()))
	k.Boot()
	k.Tick()
	require.Len(t, k.Drivers(), 1)
	pcmd := k.Drivers()[0].Device()

	dev, _ := vfs.ResolveFolder(m.root, "/dev", "/")
	_, err := dev.Unlink("pcmd0")
	require.NoError(t, err)
	k.Tick()
	assert.Empty(t, k.Drivers())
	assert.True(t, pcmd.Stopped())
}

func TestUnmount(t *testing.T) {
	m := newMachine()
	k := newTestKernel(t, m, nil)
	require.NoError(t, k.Install(context.Background()))
	k.Boot()
	k.Tick()

	assert.Equal(t, -1, k.Unmount("/bin"))
	assert.Equal(t, -1, k.Unmount("/nope"))
	assert.Equal(t, 0, k.Unmount("/dev/null"))
	assert.Equal(t, 1, k.Unmount("/dev/pcmd0"))
	assert.Empty(t, k.Drivers())
}

func TestResolverRestoresDevicesAndPrograms(t *testing.T) {
	m := newMachine()
	k := newTestKernel(t, m, nil)
	require.NoError(t, k.Install(context.Background()))
	k.Boot()

	data, err := vfs.Encode(m.root)
	require.NoError(t, err)
	root, err := vfs.Decode(data, k.Resolver())
	require.NoError(t, err)

	ls, err := vfs.Resolve(root, "/bin/ls", "/")
	require.NoError(t, err)
	want, _ := k.Table().Block(0x02)
	assert.Same(t, want, ls)

	b, err := vfs.Resolve(root, "/dev/pcmd0", "/")
	require.NoError(t, err)
	assert.Equal(t, DevicePlayer, b.(*vfs.Device).Type())
}
