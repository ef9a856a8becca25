// Package kernel installs and boots a computer's filesystem, maps provided
// program ids to their implementations and drives device drivers from the
// host tick.
package kernel

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"consolevm/internal/config"
	"consolevm/internal/vfs"
	"consolevm/pkg/logger"
)

//go:embed scripts
var scripts embed.FS

var errNoSink = errors.New("no command sink configured")

// Device types with built-in drivers.
const (
	DeviceNull    = "null"
	DeviceCommand = "cmd"
	DevicePlayer  = "pcmd"
)

// Machine is the computer a kernel runs on.
type Machine interface {
	Root() *vfs.Folder
	Store() vfs.BlobStore
	Owner() string
	// Notify sends a kernel message to the owner.
	Notify(msg string)
}

// Config tunes the kernel.
type Config struct {
	// DeviceScanInterval is how many ticks pass between /dev scans.
	DeviceScanInterval int
	// SystemPath lists the folders searched for programs, relative to root.
	SystemPath []string
}

// DefaultConfig returns the default kernel configuration.
func DefaultConfig() Config {
	return Config{
		DeviceScanInterval: config.DefaultDeviceScanInterval,
		SystemPath:         []string{"bin"},
	}
}

// Option customizes a Kernel.
type Option func(*Kernel)

// WithCommandSink enables cmd devices.
func WithCommandSink(s CommandSink) Option {
	return func(k *Kernel) { k.sink = s }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// Kernel owns the driver table of one computer. Tick, Install and Boot run
// on the host thread.
type Kernel struct {
	m     Machine
	cfg   Config
	table *Table
	sink  CommandSink
	log   zerolog.Logger

	factories *xsync.Map[string, Factory]

	mu         sync.Mutex
	drivers    []Driver
	tick       int
	missingDev bool
}

// New creates a kernel for m with the built-in cmd and pcmd drivers
// registered.
func New(m Machine, cfg Config, table *Table, opts ...Option) *Kernel {
	if cfg.DeviceScanInterval < 1 {
		cfg.DeviceScanInterval = config.DefaultDeviceScanInterval
	}
	if len(cfg.SystemPath) == 0 {
		cfg.SystemPath = []string{"bin"}
	}
	k := &Kernel{
		m:         m,
		cfg:       cfg,
		table:     table,
		log:       logger.Component("kernel"),
		factories: xsync.NewMap[string, Factory](),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.RegisterDriver(DeviceCommand, newCommandDriver)
	k.RegisterDriver(DevicePlayer, newEventDriver)
	return k
}

// Table returns the provided program table.
func (k *Kernel) Table() *Table { return k.table }

// SystemPath returns the folders searched for programs.
func (k *Kernel) SystemPath() []string {
	return append([]string(nil), k.cfg.SystemPath...)
}

// RegisterDriver maps a device name prefix to a driver factory, replacing
// any previous factory for the prefix.
func (k *Kernel) RegisterDriver(prefix string, f Factory) {
	k.factories.Store(prefix, f)
}

// UnregisterDriver removes the factory for prefix. Running drivers are kept.
func (k *Kernel) UnregisterDriver(prefix string) {
	k.factories.Delete(prefix)
}

// match returns the longest registered prefix of name.
func (k *Kernel) match(name string) (string, Factory, bool) {
	var (
		best    string
		factory Factory
	)
	k.factories.Range(func(prefix string, f Factory) bool {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best, factory = prefix, f
		}
		return true
	})
	return best, factory, factory != nil
}

// NewDevice creates a device of a known type. It is used to re-attach
// devices when a snapshot is loaded.
func (k *Kernel) NewDevice(typ string) (*vfs.Device, bool) {
	switch typ {
	case DeviceNull:
		return vfs.NewNullDevice(k.m.Owner()), true
	case DeviceCommand, DevicePlayer:
		return vfs.NewDevice(typ, k.m.Owner()), true
	}
	return nil, false
}

// Resolver returns what snapshot decoding needs to rebuild this computer.
func (k *Kernel) Resolver() vfs.Resolver {
	return vfs.Resolver{
		Store:   k.m.Store(),
		Program: k.table.Block,
		Device:  k.NewDevice,
	}
}

// Install lays out a fresh filesystem: the standard folders, every provided
// program in /bin under its names, and the bundled scripts.
func (k *Kernel) Install(ctx context.Context) error {
	root := k.m.Root()
	owner := k.m.Owner()
	for _, dir := range []string{"home/" + owner, "bin", "dev", "tmp", "etc", "lib", "boot"} {
		if _, err := root.Mkdir(dir, owner); err != nil {
			return fmt.Errorf("kernel: install %s: %w", dir, err)
		}
	}
	if err := k.FlashPrograms(); err != nil {
		return err
	}
	if err := k.flashScripts(ctx); err != nil {
		return err
	}
	k.log.Info().Str("owner", owner).Msg("installed filesystem")
	return nil
}

// FlashPrograms links every provided program into /bin under its name and
// aliases, replacing existing entries.
func (k *Kernel) FlashPrograms() error {
	bin, err := k.m.Root().Mkdir("bin", k.m.Owner())
	if err != nil {
		return fmt.Errorf("kernel: flash programs: %w", err)
	}
	for _, d := range k.table.Definitions() {
		block, _ := k.table.Block(d.ID)
		for _, name := range append([]string{d.Name}, d.Aliases...) {
			if _, err := bin.Replace(name, block); err != nil {
				return fmt.Errorf("kernel: flash %s: %w", name, err)
			}
		}
	}
	return nil
}

// flashScripts copies the bundled scripts tree into the filesystem. Scripts
// lose their .js suffix under /bin so they run by name.
func (k *Kernel) flashScripts(ctx context.Context) error {
	root := k.m.Root()
	owner := k.m.Owner()
	return fs.WalkDir(scripts, "scripts", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := scripts.ReadFile(p)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(p, "scripts/")
		dir, name := path.Split(rel)
		if dir == "bin/" {
			name = strings.TrimSuffix(name, ".js")
		}
		folder, err := root.Mkdir(strings.TrimSuffix(dir, "/"), owner)
		if err != nil {
			return err
		}
		f := vfs.NewStoredFile(owner, k.m.Store())
		if err := f.WriteAll(ctx, data); err != nil {
			return fmt.Errorf("kernel: write %s: %w", rel, err)
		}
		if _, err := folder.Replace(name, f); err != nil {
			return fmt.Errorf("kernel: flash %s: %w", rel, err)
		}
		return nil
	})
}

// Boot attaches the standard devices to /dev when it exists.
func (k *Kernel) Boot() {
	dev, ok := k.devFolder()
	if !ok {
		k.log.Warn().Msg("/dev is missing, no devices attached")
		return
	}
	want := []struct{ name, typ string }{
		{"null", DeviceNull},
		{"pcmd0", DevicePlayer},
	}
	if k.sink != nil {
		want = append(want, struct{ name, typ string }{"cmd0", DeviceCommand})
	}
	for _, w := range want {
		if _, exists := dev.Get(w.name); exists {
			continue
		}
		d, _ := k.NewDevice(w.typ)
		if err := dev.Put(w.name, d); err != nil {
			k.log.Warn().Err(err).Str("device", w.name).Msg("failed to create device")
		}
	}
	k.log.Debug().Strs("path", k.cfg.SystemPath).Msg("booted")
}

func (k *Kernel) devFolder() (*vfs.Folder, bool) {
	b, ok := k.m.Root().Get("dev")
	if !ok {
		return nil, false
	}
	f, ok := b.(*vfs.Folder)
	return f, ok
}

// Tick scans /dev every DeviceScanInterval ticks and then ticks every
// driver.
func (k *Kernel) Tick() {
	k.mu.Lock()
	scan := k.tick%k.cfg.DeviceScanInterval == 0
	k.tick++
	k.mu.Unlock()

	if scan {
		k.scan()
	}
	for _, d := range k.Drivers() {
		d.Tick()
	}
}

// scan attaches drivers to unmatched devices in listing order and stops
// drivers whose device left /dev.
func (k *Kernel) scan() {
	dev, ok := k.devFolder()

	k.mu.Lock()
	if !ok {
		first := !k.missingDev
		k.missingDev = true
		k.mu.Unlock()
		if first {
			k.log.Warn().Msg("/dev folder missing, device scan suspended until it reappears")
			k.m.Notify("kernel: /dev folder missing")
		}
		return
	}
	if k.missingDev {
		k.missingDev = false
		k.log.Info().Msg("/dev folder is back, device scan resumed")
	}

	present := make(map[*vfs.Device]string)
	var order []*vfs.Device
	for _, e := range dev.Entries() {
		if d, ok := e.Block.(*vfs.Device); ok {
			if _, seen := present[d]; !seen {
				order = append(order, d)
			}
			present[d] = e.Name
		}
	}

	attached := make(map[*vfs.Device]bool)
	kept := k.drivers[:0]
	var gone []Driver
	for _, drv := range k.drivers {
		if _, ok := present[drv.Device()]; ok {
			kept = append(kept, drv)
			attached[drv.Device()] = true
		} else {
			gone = append(gone, drv)
		}
	}
	k.drivers = kept
	k.mu.Unlock()

	for _, drv := range gone {
		drv.Stop()
		k.log.Debug().Str("type", drv.Device().Type()).Msg("stopped driver for removed device")
	}

	for _, d := range order {
		if attached[d] {
			continue
		}
		name := present[d]
		prefix, factory, ok := k.match(name)
		if !ok {
			continue
		}
		drv, err := factory(d, k)
		if err != nil {
			k.log.Error().Err(err).Str("device", "/dev/"+name).Msg("failed to load driver, uninstalling driver type")
			k.m.Notify(fmt.Sprintf("kernel: failed to load driver for /dev/%s", name))
			k.UnregisterDriver(prefix)
			continue
		}
		k.mu.Lock()
		k.drivers = append(k.drivers, drv)
		k.mu.Unlock()
		k.log.Info().Str("device", "/dev/"+name).Msg("loaded driver")
	}
}

// Drivers returns the attached drivers in attach order.
func (k *Kernel) Drivers() []Driver {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Driver(nil), k.drivers...)
}

// Unmount stops every driver bound to the device at p and returns how many
// were stopped, or -1 when p is not a device.
func (k *Kernel) Unmount(p string) int {
	b, err := vfs.Resolve(k.m.Root(), p, "/")
	if err != nil {
		return -1
	}
	d, ok := b.(*vfs.Device)
	if !ok {
		return -1
	}

	k.mu.Lock()
	kept := k.drivers[:0]
	var stopped []Driver
	for _, drv := range k.drivers {
		if drv.Device() == d {
			stopped = append(stopped, drv)
		} else {
			kept = append(kept, drv)
		}
	}
	k.drivers = kept
	k.mu.Unlock()

	for _, drv := range stopped {
		drv.Stop()
	}
	return len(stopped)
}

// PlayerCommand forwards a player's command to every pcmd driver.
func (k *Kernel) PlayerCommand(player, command string) {
	for _, d := range k.Drivers() {
		if ev, ok := d.(*eventDriver); ok {
			ev.event(player, command)
		}
	}
}

// Shutdown stops every driver.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	drivers := k.drivers
	k.drivers = nil
	k.mu.Unlock()
	for _, d := range drivers {
		d.Stop()
	}
}

// DriverTypes returns the registered device name prefixes, sorted.
func (k *Kernel) DriverTypes() []string {
	var out []string
	k.factories.Range(func(prefix string, _ Factory) bool {
		out = append(out, prefix)
		return true
	})
	sort.Strings(out)
	return out
}
