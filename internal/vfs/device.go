package vfs

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"consolevm/internal/stream"
)

// Device is a typed block backed by a live host source instead of stored
// bytes. Every reader gets its own linked stream; writes land in an inbox
// that the device's driver drains on the host thread.
type Device struct {
	header

	typ  string
	sink bool

	// links counts the folder entries naming this device.
	links atomic.Int32

	mu      sync.Mutex
	readers map[*stream.Pipe]struct{}
	inbox   *stream.Pipe
	stopped bool
}

// NewDevice creates a device of the given type, e.g. "cmd" or "pcmd".
func NewDevice(typ, owner string) *Device {
	d := &Device{
		typ:     typ,
		readers: make(map[*stream.Pipe]struct{}),
		inbox:   stream.New(0),
	}
	d.init(owner, DeviceMode)
	return d
}

// NewNullDevice creates a device whose readers see end of stream at once and
// whose writes are discarded.
func NewNullDevice(owner string) *Device {
	d := NewDevice("null", owner)
	d.sink = true
	return d
}

func (d *Device) Kind() Kind { return KindDevice }

// Type returns the device type used to match drivers.
func (d *Device) Type() string { return d.typ }

// Locked is always false: devices multiplex readers.
func (d *Device) Locked() bool { return false }

// OpenReader attaches a new output stream to the device. The stream detaches
// itself when the consumer closes it.
func (d *Device) OpenReader() *stream.Pipe {
	p := stream.New(0)
	d.mu.Lock()
	if d.stopped || d.sink {
		d.mu.Unlock()
		_ = p.WriteEOF()
		return p
	}
	d.readers[p] = struct{}{}
	d.mu.Unlock()

	p.OnClose(func() {
		d.mu.Lock()
		delete(d.readers, p)
		d.mu.Unlock()
	})
	return p
}

// OpenWriter returns a writer feeding the device inbox.
func (d *Device) OpenWriter() io.Writer {
	if d.sink {
		return io.Discard
	}
	return deviceWriter{d}
}

type deviceWriter struct{ d *Device }

func (w deviceWriter) Write(p []byte) (int, error) {
	w.d.mu.Lock()
	stopped := w.d.stopped
	w.d.mu.Unlock()
	if stopped {
		return 0, ErrStopped
	}
	return w.d.inbox.Write(p)
}

// Drain returns whatever is waiting in the inbox without blocking.
func (d *Device) Drain() []byte {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := d.inbox.TryRead(buf)
		if n == 0 || err != nil {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

// Publish sends b to every attached reader.
func (d *Device) Publish(b []byte) {
	d.mu.Lock()
	readers := make([]*stream.Pipe, 0, len(d.readers))
	for p := range d.readers {
		readers = append(readers, p)
	}
	d.mu.Unlock()

	for _, p := range readers {
		// A reader closed concurrently simply misses the message.
		_, _ = p.Write(b)
	}
}

// Readers returns the number of attached readers.
func (d *Device) Readers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.readers)
}

// Stop ends every reader's stream and rejects further writes.
func (d *Device) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	readers := d.readers
	d.readers = make(map[*stream.Pipe]struct{})
	d.mu.Unlock()

	for p := range readers {
		_ = p.WriteEOF()
	}
}

// Stopped reports whether Stop was called.
func (d *Device) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Links returns how many folder entries name the device.
func (d *Device) Links() int { return int(d.links.Load()) }

// unlinked drops one link and stops the device once none are left.
func (d *Device) unlinked() {
	if d.links.Add(-1) <= 0 {
		d.Stop()
	}
}

// destroy runs after the removed entry was unlinked. The device only stops
// when that was its last link; kernel.Unmount stops it regardless.
func (d *Device) destroy(context.Context) error {
	if d.links.Load() <= 0 {
		d.Stop()
	}
	return nil
}
