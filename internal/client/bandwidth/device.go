package bandwidth

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var ErrDeviceClosed = errors.New("bandwidth: device closed")

type direction int

const (
	directionUpload direction = iota
	directionDownload
)

func (d direction) String() string {
	if d == directionUpload {
		return "upload"
	}
	return "download"
}

// Device is a throttled byte stream. While limited it only produces as many bytes
// as the manager granted in the current tick; while choked it produces none.
type Device struct {
	mgr    *Manager
	dir    direction
	r      io.Reader
	closer io.Closer
	size   int64

	mu         sync.Mutex
	cond       *sync.Cond
	quota      int64
	limited    bool
	choked     bool
	closed     bool
	registered bool
	bytesRead  int64
}

func newDevice(m *Manager, dir direction, r io.Reader, closer io.Closer, size int64) *Device {
	d := &Device{mgr: m, dir: dir, r: r, closer: closer, size: size}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// OpenUploadDevice opens size bytes of the file at path starting at offset and
// registers the stream as an upload device.
func OpenUploadDevice(m *Manager, path string, offset, size int64) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		f.Close()
		return nil, fmt.Errorf("invalid upload range %d+%d", offset, size)
	}
	d := newDevice(m, directionUpload, io.NewSectionReader(f, offset, size), f, size)
	m.RegisterUploadDevice(d)
	return d, nil
}

// NewDownloadDevice wraps a response body and registers it as a download device.
// size is -1 when unknown.
func NewDownloadDevice(m *Manager, body io.ReadCloser, size int64) *Device {
	d := newDevice(m, directionDownload, body, body, size)
	m.RegisterDownloadDevice(d)
	return d
}

// Size is the number of bytes the device will produce, -1 if unknown.
func (d *Device) Size() int64 {
	return d.size
}

func (d *Device) BytesRead() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesRead
}

func (d *Device) Quota() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quota
}

func (d *Device) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	for !d.closed && (d.choked || (d.limited && d.quota <= 0)) {
		d.cond.Wait()
	}
	if d.closed {
		d.mu.Unlock()
		return 0, ErrDeviceClosed
	}
	want := int64(len(p))
	if d.limited && d.quota < want {
		want = d.quota
	}
	d.mu.Unlock()

	n, err := d.r.Read(p[:want])

	d.mu.Lock()
	d.bytesRead += int64(n)
	if d.limited {
		d.quota -= int64(n)
	}
	d.mu.Unlock()

	if errors.Is(err, io.EOF) {
		d.unregister()
	}
	return n, err
}

// Close releases the underlying stream and unregisters the device. Safe to call twice.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.unregister()
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// GiveBandwidthQuota replaces the allowance for the current tick.
func (d *Device) GiveBandwidthQuota(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quota = n
	d.cond.Broadcast()
}

func (d *Device) SetChoked(choked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.choked = choked
	d.cond.Broadcast()
}

func (d *Device) SetBandwidthLimited(limited bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limited = limited
	d.cond.Broadcast()
}

func (d *Device) unregister() {
	d.mu.Lock()
	registered := d.registered
	d.registered = false
	d.mu.Unlock()
	if !registered || d.mgr == nil {
		return
	}

	if d.dir == directionUpload {
		d.mgr.UnregisterUploadDevice(d)
	} else {
		d.mgr.UnregisterDownloadDevice(d)
	}
}

func (d *Device) markRegistered() {
	d.mu.Lock()
	d.registered = true
	d.mu.Unlock()
}
