// Package capture implements the Discoverer Facade: a single object
// presenting the "device discoverer" surface a recorder-facing
// controller drives — enable/disable, start/stop, enumerate, fetch by
// ID, and load a capture device that can start and switch recordings.
// It owns the process-wide OptionStore and metrics Registry and
// constructs the Discovery Engine and Device Registry from them.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hdhrbridge/hdhrbridge/internal/consumer"
	"github.com/hdhrbridge/hdhrbridge/internal/hdhomerun"
	"github.com/hdhrbridge/hdhrbridge/internal/metrics"
	"github.com/hdhrbridge/hdhrbridge/internal/optstore"
	"github.com/hdhrbridge/hdhrbridge/internal/registry"
	"github.com/hdhrbridge/hdhrbridge/internal/ringbuf"
)

// Option keys persisted by the facade's OptionStore.
const (
	OptBroadcastSeconds  = "hdhr.broadcast_s"
	OptSmartBroadcast    = "hdhr.smart_broadcast"
	OptStaticAddresses   = "hdhr.static_addresses"
	OptFriendlyName      = "hdhr.friendly_name"
	OptDiscoveryPort     = "hdhr.discovery_port"
	OptIgnoreModels      = "hdhr.ignore_models"
	OptIgnoreDeviceIDs   = "hdhr.ignore_device_ids"
	OptRetunePollSeconds = "hdhr.retune_poll_s"
	OptLocking           = "hdhr.locking"
	OptRetryCount        = "hdhr.retry_count"
	OptStreamBufferSize  = "consumer.raw.stream_buffer_size"
)

// defaultStreamBufferSize is used when OptStreamBufferSize is zero or
// unset.
const defaultStreamBufferSize = 4 << 20

// DefaultOptions returns the option set a fresh OptionStore should be
// seeded with. Callers pass this (or a customized copy) to
// optstore.LoadOrDefault.
func DefaultOptions() []optstore.Option {
	return []optstore.Option{
		{Key: OptBroadcastSeconds, Kind: optstore.KindInt, IntVal: 60, IntMin: 0, IntMax: 3600},
		{Key: OptSmartBroadcast, Kind: optstore.KindBool, BoolVal: true},
		{Key: OptStaticAddresses, Kind: optstore.KindStringArray},
		{Key: OptFriendlyName, Kind: optstore.KindString, StringVal: "hdhrbridge"},
		{Key: OptDiscoveryPort, Kind: optstore.KindInt, IntVal: hdhomerun.DiscoverPort, IntMin: 0, IntMax: 65535},
		{Key: OptIgnoreModels, Kind: optstore.KindStringArray},
		{Key: OptIgnoreDeviceIDs, Kind: optstore.KindStringArray},
		{Key: OptRetunePollSeconds, Kind: optstore.KindInt, IntVal: 2, IntMin: 0, IntMax: 60},
		{Key: OptLocking, Kind: optstore.KindBool, BoolVal: true},
		{Key: OptRetryCount, Kind: optstore.KindInt, IntVal: 1, IntMin: 0, IntMax: 10},
		{Key: OptStreamBufferSize, Kind: optstore.KindLong, LongVal: defaultStreamBufferSize},
	}
}

// ErrDiscoveryDisabled is returned by operations that require an
// enabled Facade (LoadCaptureDevice, Enumerate, DeviceByID).
var ErrDiscoveryDisabled = errors.New("capture: discovery is disabled")

// reconnectEvery bounds how often any recording under this facade may
// attempt a fresh upload-sink OPEN from cold, across all recordings
// sharing this facade's limiter.
const reconnectEvery = 2 * time.Second

// Facade is the Discoverer Facade. It owns an OptionStore and a
// metrics.Registry, and — while enabled — a Discovery Engine and
// Device Registry built from the current option values. It does not
// own any threads of its own beyond what the Discovery Engine starts.
type Facade struct {
	opts       *optstore.Store
	metricsReg *metrics.Registry
	// reconnectLimiter is shared by every Recording's upload.Client so a
	// recorder-side outage paces reconnects across simultaneous
	// recordings instead of each one hammering the socket independently.
	reconnectLimiter *rate.Limiter

	mu         sync.Mutex
	enabled    bool
	reg        *registry.Registry
	engine     *hdhomerun.Engine
	recordings map[uuid.UUID]*Recording
}

// New constructs a Facade over an already-loaded OptionStore and
// metrics Registry. It starts disabled.
func New(opts *optstore.Store, metricsReg *metrics.Registry) *Facade {
	return &Facade{
		opts:             opts,
		metricsReg:       metricsReg,
		reconnectLimiter: rate.NewLimiter(rate.Every(reconnectEvery), 1),
		recordings:       make(map[uuid.UUID]*Recording),
	}
}

// IsEnabled reports whether the Discovery Engine is currently running.
func (f *Facade) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// SetEnabled brings the facade up or down to match enabled, doing
// nothing if it is already in that state.
func (f *Facade) SetEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		return f.Enable(ctx)
	}
	f.Disable()
	return nil
}

// Enable builds a fresh Device Registry and Discovery Engine from the
// current option values and starts the engine. It is a no-op if
// already enabled.
func (f *Facade) Enable(ctx context.Context) error {
	f.mu.Lock()
	if f.enabled {
		f.mu.Unlock()
		return nil
	}

	ignoreModels, _ := f.opts.GetStringArray(OptIgnoreModels)
	ignoreIDs, _ := f.opts.GetStringArray(OptIgnoreDeviceIDs)
	reg, err := registry.New(ignoreModels, ignoreIDs, nil)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("capture: building registry: %w", err)
	}

	broadcastSeconds, _ := f.opts.GetInt(OptBroadcastSeconds)
	smart, _ := f.opts.GetBool(OptSmartBroadcast)
	port, _ := f.opts.GetInt(OptDiscoveryPort)
	engine := hdhomerun.NewEngine(port, time.Duration(broadcastSeconds)*time.Second, smart, func(r hdhomerun.Reply) {
		reg.HandleDiscovery(toDiscoveredDevice(r))
	})
	staticAddrs, _ := f.opts.GetStringArray(OptStaticAddresses)
	engine.SetStaticAddresses(staticAddrs)

	if err := engine.Start(ctx); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("capture: starting discovery engine: %w", err)
	}

	f.reg = reg
	f.engine = engine
	f.enabled = true
	f.mu.Unlock()

	log.Printf("capture: discovery enabled on port %d", port)
	return nil
}

// Disable stops the Discovery Engine and drops the Device Registry. Any
// recordings already in progress are unaffected: they keep streaming
// against the tuner information captured at LoadCaptureDevice time.
func (f *Facade) Disable() {
	f.mu.Lock()
	if !f.enabled {
		f.mu.Unlock()
		return
	}
	engine := f.engine
	f.enabled = false
	f.engine = nil
	f.reg = nil
	f.mu.Unlock()

	engine.Stop()
	engine.WaitForStop()
	log.Printf("capture: discovery disabled")
}

// SetStaticAddresses persists the static-address list and, if the
// engine is running, requests an immediate broadcast to them.
func (f *Facade) SetStaticAddresses(addrs []string) error {
	if err := f.opts.SetStringArray(OptStaticAddresses, addrs); err != nil {
		return err
	}
	f.mu.Lock()
	engine := f.engine
	f.mu.Unlock()
	if engine != nil {
		engine.SetStaticAddresses(addrs)
	}
	return nil
}

func (f *Facade) registrySnapshot() *registry.Registry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reg
}

// Enumerate returns every device the registry currently knows about.
func (f *Facade) Enumerate() ([]registry.PhysicalDevice, error) {
	reg := f.registrySnapshot()
	if reg == nil {
		return nil, ErrDiscoveryDisabled
	}
	return reg.Devices(), nil
}

// DeviceByID fetches one device by its DeviceID. A miss also requests a
// discovery broadcast from the running engine.
func (f *Facade) DeviceByID(id uint32) (registry.PhysicalDevice, error) {
	reg := f.registrySnapshot()
	if reg == nil {
		return registry.PhysicalDevice{}, ErrDiscoveryDisabled
	}
	d, ok := reg.Device(id)
	if !ok {
		f.mu.Lock()
		engine := f.engine
		f.mu.Unlock()
		if engine != nil {
			engine.RequestBroadcast()
		}
		return registry.PhysicalDevice{}, fmt.Errorf("capture: device 0x%08x not found", id)
	}
	return d, nil
}

// LoadCaptureDevice resolves deviceID/tunerIndex against the current
// registry and returns a CaptureDevice bound to that tuner — the seam
// where a recorder-facing control socket attaches to start recordings.
func (f *Facade) LoadCaptureDevice(deviceID uint32, tunerIndex int) (CaptureDevice, error) {
	reg := f.registrySnapshot()
	if reg == nil {
		return nil, ErrDiscoveryDisabled
	}
	dev, ok := reg.Device(deviceID)
	if !ok {
		return nil, fmt.Errorf("capture: device 0x%08x not found", deviceID)
	}
	tuner, ok := reg.TunerAt(deviceID, tunerIndex)
	if !ok {
		return nil, fmt.Errorf("capture: tuner %d not found on device 0x%08x", tunerIndex, deviceID)
	}
	return &captureDevice{facade: f, device: dev, tuner: tuner}, nil
}

// newRecording acquires the tuner's busy marker, builds a ring buffer
// and Consumer Engine for it, and registers the Recording for
// bookkeeping. The caller is responsible for starting the engine's
// stream and, on failure to do so, calling forgetRecording.
func (f *Facade) newRecording(tuner registry.TunerRecord, channel string, programNumber int, quality string) (*Recording, error) {
	reg := f.registrySnapshot()
	if reg == nil {
		return nil, ErrDiscoveryDisabled
	}
	if err := reg.AcquireTuner(tuner.TunerID); err != nil {
		return nil, err
	}

	bufSize, err := f.opts.GetLong(OptStreamBufferSize)
	if err != nil || bufSize <= 0 {
		bufSize = defaultStreamBufferSize
	}
	rb := ringbuf.New(int(bufSize))

	id := uuid.New()
	engine, err := consumer.New(consumer.ConsumerRaw, rb, consumer.Options{
		RecordingID:      id.String(),
		Metrics:          f.metricsReg,
		ReconnectLimiter: f.reconnectLimiter,
	})
	if err != nil {
		reg.ReleaseTuner(tuner.TunerID)
		return nil, err
	}

	rec := &Recording{
		ID:            id,
		Channel:       channel,
		ProgramNumber: programNumber,
		Quality:       quality,
		TunerID:       tuner.TunerID,
		engine:        engine,
		rb:            rb,
	}

	f.mu.Lock()
	f.recordings[id] = rec
	f.mu.Unlock()

	return rec, nil
}

// forgetRecording releases rec.TunerID's busy marker and drops the
// Recording from the facade's bookkeeping map. It is used both when a
// recording fails to start and, via watchRecording, when one stops.
func (f *Facade) forgetRecording(rec *Recording) {
	reg := f.registrySnapshot()
	if reg != nil {
		reg.ReleaseTuner(rec.TunerID)
	}
	f.mu.Lock()
	delete(f.recordings, rec.ID)
	f.mu.Unlock()
}

// watchRecording polls rec's engine state and releases its bookkeeping
// once the engine stops, matching the 500ms poll cadence switch callers
// use elsewhere in this bridge.
func (f *Facade) watchRecording(rec *Recording) {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if rec.engine.State() == consumer.StateStopped {
				f.forgetRecording(rec)
				return
			}
		}
	}()
}

// Recordings returns a snapshot of every recording currently tracked
// by the facade.
func (f *Facade) Recordings() []*Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Recording, 0, len(f.recordings))
	for _, r := range f.recordings {
		out = append(out, r)
	}
	return out
}

// toDiscoveredDevice adapts a raw discovery reply into the shape the
// registry reconciles. The discovery wire format carries no model or
// unique-name TLV, so both are left empty: the registry derives a
// UniqueName from the DeviceID, and Model stays empty.
func toDiscoveredDevice(r hdhomerun.Reply) registry.DiscoveredDevice {
	var ip net.IP
	if r.From != nil {
		ip = r.From.IP
	}
	return registry.DiscoveredDevice{
		DeviceID:   r.Reply.DeviceID,
		TunerCount: r.Reply.TunerCount,
		IPAddress:  ip,
		BaseURL:    r.Reply.BaseURL,
		IfIndex:    r.IfIndex,
	}
}

// CaptureDevice is one tuner on one discovered device, ready to start
// recordings. It is returned by Facade.LoadCaptureDevice.
type CaptureDevice interface {
	TunerIndex() int
	BaseURL() string
	ConsumeToFilename(ctx context.Context, channel string, programNumber int, quality, filename string, bufferCap int64) (*Recording, error)
	ConsumeToUploadID(ctx context.Context, channel string, programNumber int, quality, addr, filename string, uploadID int64, bufferCap int64) (*Recording, error)
}

type captureDevice struct {
	facade *Facade
	device registry.PhysicalDevice
	tuner  registry.TunerRecord
}

func (c *captureDevice) TunerIndex() int { return c.tuner.Index }
func (c *captureDevice) BaseURL() string { return c.device.BaseURL }

// ConsumeToFilename acquires the tuner, builds a Consumer Engine, and
// starts it writing to a file sink.
func (c *captureDevice) ConsumeToFilename(ctx context.Context, channel string, programNumber int, quality, filename string, bufferCap int64) (*Recording, error) {
	rec, err := c.facade.newRecording(c.tuner, channel, programNumber, quality)
	if err != nil {
		return nil, err
	}
	if err := rec.engine.ConsumeToFilename(ctx, filename, bufferCap); err != nil {
		c.facade.forgetRecording(rec)
		return nil, err
	}
	c.facade.watchRecording(rec)
	return rec, nil
}

// ConsumeToUploadID acquires the tuner, builds a Consumer Engine, and
// starts it streaming to an upload destination. If uploadID is <= 0 a
// fresh one is generated from a random UUID.
func (c *captureDevice) ConsumeToUploadID(ctx context.Context, channel string, programNumber int, quality, addr, filename string, uploadID int64, bufferCap int64) (*Recording, error) {
	if uploadID <= 0 {
		uploadID = generateUploadID()
	}
	rec, err := c.facade.newRecording(c.tuner, channel, programNumber, quality)
	if err != nil {
		return nil, err
	}
	if err := rec.engine.ConsumeToUploadID(ctx, addr, filename, uploadID, bufferCap); err != nil {
		c.facade.forgetRecording(rec)
		return nil, err
	}
	c.facade.watchRecording(rec)
	return rec, nil
}

// generateUploadID derives a positive int64 from a random UUID, for
// callers that don't already have a recorder-assigned upload ID.
func generateUploadID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) & 0x7FFFFFFFFFFFFFFF)
}

// Recording is one active capture session: a Consumer Engine plus the
// bookkeeping metadata (channel, program, quality) the spec's data
// model attaches to it.
type Recording struct {
	ID            uuid.UUID
	Channel       string
	ProgramNumber int
	Quality       string
	TunerID       uint64

	engine *consumer.Engine
	rb     *ringbuf.RingBuffer
}

// Write pushes tuner bytes into the recording's ring buffer. The
// producer reading from the tuner's network connection is external to
// this bridge; Write is the seam it pushes bytes through.
func (r *Recording) Write(p []byte) (int, error) {
	return r.rb.Write(p)
}

// IsRunning reports whether the recording's engine has not yet stopped.
func (r *Recording) IsRunning() bool {
	return r.engine.State() != consumer.StateStopped
}

// State returns the recording's Consumer Engine state.
func (r *Recording) State() consumer.State {
	return r.engine.State()
}

// BytesStreamed returns the number of bytes streamed to the current
// sink since the last switch (or since start, if none).
func (r *Recording) BytesStreamed() int64 {
	return r.engine.BytesStreamed()
}

// SwitchToFilename requests a mid-recording cutover to a new file.
func (r *Recording) SwitchToFilename(filename string, bufferCap int64) error {
	return r.engine.SwitchToFilename(filename, bufferCap)
}

// SwitchToUploadID requests a mid-recording cutover to a new upload
// destination.
func (r *Recording) SwitchToUploadID(addr, filename string, uploadID int64, bufferCap int64) error {
	return r.engine.SwitchToUploadID(addr, filename, uploadID, bufferCap)
}

// Stop ends the recording immediately.
func (r *Recording) Stop() {
	r.engine.Stop()
}
