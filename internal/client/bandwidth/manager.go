// Package bandwidth throttles concurrent transfers against a shared per-direction limit.
package bandwidth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
)

const DefaultInterval = time.Second

// Manager hands out a per-tick byte quota to every registered device.
//
// With an absolute limit L (bytes per second) each of the n devices of a direction
// receives L*interval/n per tick. A zero limit leaves devices unthrottled.
// Misconfigured tiny limits starve transfers; that is not guarded against.
type Manager struct {
	clock    clockwork.Clock
	interval time.Duration

	mu            sync.Mutex
	uploadLimit   int64
	downloadLimit int64
	uploads       mapset.Set[*Device]
	downloads     mapset.Set[*Device]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithUploadLimit sets the upload limit in bytes per second, 0 for unlimited.
func WithUploadLimit(limit int64) Option {
	return func(m *Manager) { m.uploadLimit = limit }
}

// WithDownloadLimit sets the download limit in bytes per second, 0 for unlimited.
func WithDownloadLimit(limit int64) Option {
	return func(m *Manager) { m.downloadLimit = limit }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:     clockwork.NewRealClock(),
		interval:  DefaultInterval,
		uploads:   mapset.NewThreadUnsafeSet[*Device](),
		downloads: mapset.NewThreadUnsafeSet[*Device](),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	return m
}

// Start runs the quota ticker until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.NewTicker(m.interval)
		defer ticker.Stop()

		slog.Debug("bandwidth manager started",
			"upload", m.describeLimit(m.UploadLimit()),
			"download", m.describeLimit(m.DownloadLimit()))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.tick()
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

func (m *Manager) UploadLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadLimit
}

func (m *Manager) DownloadLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloadLimit
}

// SetUploadLimit changes the limit at runtime and re-flags registered upload devices.
func (m *Manager) SetUploadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadLimit = limit
	m.reflag(m.uploads, limit)
}

// SetDownloadLimit changes the limit at runtime and re-flags registered download devices.
func (m *Manager) SetDownloadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadLimit = limit
	m.reflag(m.downloads, limit)
}

func (m *Manager) RegisterUploadDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.register(m.uploads, d, m.uploadLimit)
}

func (m *Manager) UnregisterUploadDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads.Remove(d)
}

func (m *Manager) RegisterDownloadDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.register(m.downloads, d, m.downloadLimit)
}

func (m *Manager) UnregisterDownloadDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads.Remove(d)
}

// UploadDevices is the number of registered upload devices.
func (m *Manager) UploadDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads.Cardinality()
}

func (m *Manager) DownloadDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads.Cardinality()
}

func (m *Manager) register(set mapset.Set[*Device], d *Device, limit int64) {
	set.Add(d)
	d.markRegistered()
	d.SetBandwidthLimited(limit != 0)
	d.SetChoked(false)
	if limit != 0 {
		// first share right away, the ticker takes over from the next tick
		d.GiveBandwidthQuota(m.share(limit, set.Cardinality()))
	}
}

func (m *Manager) reflag(set mapset.Set[*Device], limit int64) {
	share := m.share(limit, set.Cardinality())
	set.Each(func(d *Device) bool {
		d.SetBandwidthLimited(limit != 0)
		if limit != 0 {
			d.GiveBandwidthQuota(share)
		}
		return false
	})
}

func (m *Manager) share(limit int64, devices int) int64 {
	if devices < 1 {
		devices = 1
	}
	perTick := limit * int64(m.interval) / int64(time.Second)
	return perTick / int64(devices)
}

func (m *Manager) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distribute("upload", m.uploads, m.uploadLimit)
	m.distribute("download", m.downloads, m.downloadLimit)
}

func (m *Manager) distribute(kind string, set mapset.Set[*Device], limit int64) {
	n := set.Cardinality()
	if limit == 0 || n == 0 {
		return
	}
	quota := m.share(limit, n)
	set.Each(func(d *Device) bool {
		d.GiveBandwidthQuota(quota)
		return false
	})
	slog.Debug("bandwidth quota", "direction", kind, "devices", n, "quota", humanize.Bytes(uint64(quota)))
}

func (m *Manager) describeLimit(limit int64) string {
	if limit == 0 {
		return "unlimited"
	}
	return humanize.Bytes(uint64(limit)) + "/s"
}
