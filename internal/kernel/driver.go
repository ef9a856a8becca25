package kernel

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"consolevm/internal/vfs"
)

// Driver services one device. Tick runs on the host thread every cycle and
// must not block; Stop runs when the device is unmounted or removed.
type Driver interface {
	Device() *vfs.Device
	Tick()
	Stop()
}

// Factory creates the driver for a device whose name matched the factory's
// prefix.
type Factory func(dev *vfs.Device, k *Kernel) (Driver, error)

// CommandSink executes host commands written to a cmd device.
type CommandSink interface {
	ExecuteCommand(cmdline string) (reply string, err error)
}

// commandDriver runs every complete line written to a cmd device as a host
// command and publishes the reply to the device's readers.
type commandDriver struct {
	dev     *vfs.Device
	sink    CommandSink
	log     zerolog.Logger
	partial []byte
}

func newCommandDriver(dev *vfs.Device, k *Kernel) (Driver, error) {
	if k.sink == nil {
		return nil, errNoSink
	}
	return &commandDriver{dev: dev, sink: k.sink, log: k.log}, nil
}

func (d *commandDriver) Device() *vfs.Device { return d.dev }

func (d *commandDriver) Tick() {
	d.partial = append(d.partial, d.dev.Drain()...)
	for {
		i := bytes.IndexByte(d.partial, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimSpace(string(d.partial[:i]))
		d.partial = d.partial[i+1:]
		if line == "" {
			continue
		}
		reply, err := d.sink.ExecuteCommand(line)
		if err != nil {
			d.log.Debug().Err(err).Str("command", line).Msg("device command failed")
			reply = "error: " + err.Error()
		}
		if reply != "" && !strings.HasSuffix(reply, "\n") {
			reply += "\n"
		}
		d.dev.Publish([]byte(reply))
	}
}

func (d *commandDriver) Stop() { d.dev.Stop() }

// eventDriver forwards player commands to a pcmd device. Each event is
// published as one line: the player name, a space, then the command.
type eventDriver struct {
	dev *vfs.Device

	mu      sync.Mutex
	pending []string
}

func newEventDriver(dev *vfs.Device, _ *Kernel) (Driver, error) {
	return &eventDriver{dev: dev}, nil
}

func (d *eventDriver) Device() *vfs.Device { return d.dev }

func (d *eventDriver) event(player, command string) {
	d.mu.Lock()
	d.pending = append(d.pending, player+" "+command+"\n")
	d.mu.Unlock()
}

func (d *eventDriver) Tick() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, line := range pending {
		d.dev.Publish([]byte(line))
	}
	// Nothing can be written to a player device.
	d.dev.Drain()
}

func (d *eventDriver) Stop() { d.dev.Stop() }
