// Package consumer implements the Consumer Engine: it pulls bytes off
// a ring buffer, locks onto a video PES boundary, streams to a sink
// (file or upload), and handles mid-recording switchover without
// losing or duplicating a byte.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hdhrbridge/hdhrbridge/internal/filesink"
	"github.com/hdhrbridge/hdhrbridge/internal/metrics"
	"github.com/hdhrbridge/hdhrbridge/internal/ringbuf"
	"github.com/hdhrbridge/hdhrbridge/internal/tsalign"
	"github.com/hdhrbridge/hdhrbridge/internal/upload"
)

// ConsumerKind tags which concrete engine variant handles a recording.
type ConsumerKind int

const (
	ConsumerRaw ConsumerKind = iota
	ConsumerFfmpegTrans
	ConsumerMediaServer
)

// ErrVariantNotImplemented is returned by New for variants whose
// functionality (re-encoding, media-server hand-off) is out of scope.
var ErrVariantNotImplemented = errors.New("consumer: variant not implemented")

// ErrEngineStopped is returned to SwitchRequest callers and to
// ConsumeTo* callers when the engine terminates before satisfying them.
var ErrEngineStopped = errors.New("consumer: engine stopped")

// ChannelRouting maps a channel identifier to the ConsumerKind that
// should handle it, resolved through New's switch rather than a
// string-keyed constructor registry.
type ChannelRouting map[string]ConsumerKind

// Resolve returns the routed kind for channel, defaulting to Raw.
func (t ChannelRouting) Resolve(channel string) ConsumerKind {
	if k, ok := t[channel]; ok {
		return k
	}
	return ConsumerRaw
}

// State is one of the Consumer Engine's lifecycle states.
type State int

const (
	StateIdle State = iota
	StateLockingOn
	StateStreaming
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLockingOn:
		return "locking-on"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// destKind distinguishes the two sink types a Destination can name.
type destKind int

const (
	destFile destKind = iota
	destUpload
)

// Destination names where a recording's bytes should land, either a
// file path or an (address, filename, uploadID) upload target.
type Destination struct {
	kind destKind

	Filename string

	UploadAddr     string
	UploadFilename string
	UploadID       int64

	// BufferCap, if > 0, makes the sink a circular window of that size.
	BufferCap int64
}

// FileDestination builds a file-sink Destination.
func FileDestination(filename string, bufferCap int64) Destination {
	return Destination{kind: destFile, Filename: filename, BufferCap: bufferCap}
}

// UploadDestination builds an upload-sink Destination.
func UploadDestination(addr, filename string, uploadID int64, bufferCap int64) Destination {
	return Destination{kind: destUpload, UploadAddr: addr, UploadFilename: filename, UploadID: uploadID, BufferCap: bufferCap}
}

// sink is the minimal surface the engine needs from either concrete
// sink type; switchover's sink-specific behavior (END/OPEN vs
// close/reopen) lives in openSink, not in this interface.
type sink interface {
	write(ctx context.Context, p []byte) error
	close() error
}

type fileSinkAdapter struct{ s *filesink.Sink }

func (f *fileSinkAdapter) write(_ context.Context, p []byte) error { _, err := f.s.Write(p); return err }
func (f *fileSinkAdapter) close() error                            { return f.s.Close() }

type uploadSinkAdapter struct {
	c         *upload.Client
	bufferCap int64
}

func (u *uploadSinkAdapter) write(ctx context.Context, p []byte) error {
	if u.bufferCap > 0 {
		return u.c.WriteAtBuffered(ctx, p, u.bufferCap)
	}
	return u.c.WriteAuto(ctx, p)
}
func (u *uploadSinkAdapter) close() error { return u.c.Close() }

func (e *Engine) openSink(ctx context.Context, dest Destination) (sink, error) {
	switch dest.kind {
	case destFile:
		s, err := filesink.Open(dest.Filename, dest.BufferCap)
		if err != nil {
			return nil, err
		}
		return &fileSinkAdapter{s: s}, nil
	case destUpload:
		c := upload.NewClient(dest.UploadAddr, e.opts.ReconnectLimiter)
		if err := c.Open(ctx, dest.UploadFilename, dest.UploadID, 0); err != nil {
			return nil, err
		}
		return &uploadSinkAdapter{c: c, bufferCap: dest.BufferCap}, nil
	default:
		return nil, fmt.Errorf("consumer: unknown destination kind %d", dest.kind)
	}
}

// raiSearchPackets bounds the random-access search to the first 100 TS
// packets of the window before falling back to any PES start.
const raiSearchPackets = 100

// findCutover locates the switchover point for dest's kind: a
// random-access indicator (bounded search, falling back to any PES
// start) for upload sinks, or a PAT start for file sinks.
func findCutover(dest Destination, window []byte, videoPID int) int {
	switch dest.kind {
	case destUpload:
		limit := raiSearchPackets * 188
		if limit > len(window) {
			limit = len(window)
		}
		if off := tsalign.RandomAccessStart(window[:limit]); off != -1 {
			return off
		}
		return tsalign.VideoPESStart(window, videoPID)
	case destFile:
		return tsalign.PATStart(window)
	default:
		return -1
	}
}

// switchRequest is an in-flight request to cut a recording over to a
// new Destination. At most one is outstanding at a time.
type switchRequest struct {
	dest Destination
	done chan error
}

// Options configures an Engine at construction.
type Options struct {
	// MaxTransferSize bounds a single scratch window. Defaults to 188 KiB.
	MaxTransferSize int
	// MinTransferSize is the engine's preferred batching floor.
	// Defaults to 32 KiB.
	MinTransferSize int
	// RecordingID labels this engine's metrics.
	RecordingID string
	// Metrics is optional; if nil, metrics are not recorded.
	Metrics *metrics.Registry
	// ReconnectLimiter throttles fresh upload-sink OPENs from cold. It is
	// shared across every Engine an owner constructs, so a recorder-side
	// outage paces reconnects across all of that owner's recordings
	// instead of each one retrying independently. Nil disables throttling.
	ReconnectLimiter *rate.Limiter
}

func (o Options) withDefaults() Options {
	if o.MaxTransferSize <= 0 {
		o.MaxTransferSize = 188 * 1024
	}
	if o.MinTransferSize <= 0 {
		o.MinTransferSize = 32 * 1024
	}
	if o.MinTransferSize > o.MaxTransferSize {
		o.MinTransferSize = o.MaxTransferSize
	}
	return o
}

// Engine drives one recording from ring buffer to sink. It is created
// via New and started with ConsumeToFilename or ConsumeToUploadID.
type Engine struct {
	rb   *ringbuf.RingBuffer
	opts Options

	videoPID int32 // atomic: tsalign.AnyVideoPID until locked, then the locked PID

	mu            sync.Mutex
	state         State
	sinkObj       sink
	dest          Destination
	pendingSwitch *switchRequest

	bytesStreamed int64 // atomic
}

// New constructs a Consumer Engine of the given kind. Only
// ConsumerRaw is implemented; the other variants return
// ErrVariantNotImplemented so the routing surface exists without
// pretending to support re-encoding or media-server hand-off.
func New(kind ConsumerKind, rb *ringbuf.RingBuffer, opts Options) (*Engine, error) {
	switch kind {
	case ConsumerRaw:
		return newRawEngine(rb, opts), nil
	case ConsumerFfmpegTrans, ConsumerMediaServer:
		return nil, ErrVariantNotImplemented
	default:
		return nil, fmt.Errorf("consumer: unknown consumer kind %d", kind)
	}
}

func newRawEngine(rb *ringbuf.RingBuffer, opts Options) *Engine {
	e := &Engine{
		rb:       rb,
		opts:     opts.withDefaults(),
		videoPID: int32(tsalign.AnyVideoPID),
		state:    StateIdle,
	}
	return e
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// BytesStreamed returns the number of bytes delivered to the current
// sink since the last switch (or since streaming began).
func (e *Engine) BytesStreamed() int64 {
	return atomic.LoadInt64(&e.bytesStreamed)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) addBytesStreamed(n int64) {
	atomic.AddInt64(&e.bytesStreamed, n)
	if e.opts.Metrics != nil {
		e.opts.Metrics.Counter("bytes_streamed_total", "bytes delivered to a recording's sink", "recording_id").
			WithLabelValues(e.opts.RecordingID).Add(float64(n))
	}
}

func (e *Engine) resetBytesStreamed() {
	atomic.StoreInt64(&e.bytesStreamed, 0)
}

// ConsumeToFilename opens a file sink synchronously, so an open/rename
// failure is reported before Streaming begins, and launches the
// lock-on/streaming loop in the background.
func (e *Engine) ConsumeToFilename(ctx context.Context, filename string, bufferCap int64) error {
	return e.start(ctx, FileDestination(filename, bufferCap))
}

// ConsumeToUploadID performs the upload OPEN handshake synchronously
// and launches the lock-on/streaming loop in the background.
func (e *Engine) ConsumeToUploadID(ctx context.Context, addr, filename string, uploadID int64, bufferCap int64) error {
	return e.start(ctx, UploadDestination(addr, filename, uploadID, bufferCap))
}

func (e *Engine) start(ctx context.Context, dest Destination) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("consumer: engine already started (state=%s)", e.state)
	}
	e.mu.Unlock()

	sinkObj, err := e.openSink(ctx, dest)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sinkObj = sinkObj
	e.dest = dest
	e.state = StateLockingOn
	e.mu.Unlock()

	go e.run(ctx)
	return nil
}

// SwitchToFilename submits a switch to a new file destination and
// blocks until the engine acknowledges cutover, fails, or stops.
func (e *Engine) SwitchToFilename(filename string, bufferCap int64) error {
	return e.submitSwitch(FileDestination(filename, bufferCap))
}

// SwitchToUploadID submits a switch to a new upload destination and
// blocks until the engine acknowledges cutover, fails, or stops.
func (e *Engine) SwitchToUploadID(addr, filename string, uploadID int64, bufferCap int64) error {
	return e.submitSwitch(UploadDestination(addr, filename, uploadID, bufferCap))
}

// submitSwitch places a switch request and blocks on a buffered
// channel until the engine resolves it. There is no hard timeout; the
// caller re-checks engine liveness every 500ms as a guard in case a
// signal is missed.
func (e *Engine) submitSwitch(dest Destination) error {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateDraining {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	req := &switchRequest{dest: dest, done: make(chan error, 1)}
	e.pendingSwitch = req
	e.mu.Unlock()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-req.done:
			return err
		case <-ticker.C:
			if e.State() == StateStopped {
				return ErrEngineStopped
			}
		}
	}
}

// Stop requests shutdown by closing the ring buffer, which wakes any
// blocked read; the run loop notices on its next iteration and drains.
func (e *Engine) Stop() {
	e.rb.Close()
}

// run is the engine's single goroutine: lock-on, then repeated
// fill/process cycles until the ring buffer closes.
func (e *Engine) run(ctx context.Context) {
	lockOnStart := timeNow()
	window, err := e.lockOn(ctx)
	if err != nil {
		e.setState(StateStopped)
		if cerr := e.sinkObj.close(); cerr != nil {
			log.Printf("consumer: closing sink after failed lock-on: %v", cerr)
		}
		e.failPending(ErrEngineStopped)
		return
	}
	e.recordLockOnDuration(timeNow().Sub(lockOnStart))
	e.setState(StateStreaming)

	// pending accumulates bytes not yet committed to a sink. Only whole
	// TS packets are committed on each pass; any trailing partial packet
	// is carried into the next pass so a boundary split across two reads
	// is never missed (tsalign's search requires a packet's full 188
	// bytes to recognize it).
	pending := window
	for {
		buf := make([]byte, e.opts.MaxTransferSize)
		n, rerr := e.fillWindow(ctx, buf)
		pending = append(pending, buf[:n]...)

		final := rerr != nil
		consumed, werr := e.step(ctx, pending, final)
		if consumed > 0 {
			pending = append([]byte(nil), pending[consumed:]...)
		}
		if werr != nil {
			break
		}
		if final {
			break
		}
	}

	e.setState(StateDraining)
	if err := e.sinkObj.close(); err != nil {
		log.Printf("consumer: closing sink at shutdown: %v", err)
	}
	e.setState(StateStopped)
	e.failPending(ErrEngineStopped)
}

// lockOn reads into a scratch window until a video PES start is found
// (locked-PID if known, any-video-PID otherwise), dropping and
// restarting the window whenever it fills without a match.
func (e *Engine) lockOn(ctx context.Context) ([]byte, error) {
	window := make([]byte, 0, e.opts.MaxTransferSize)
	for {
		room := e.opts.MaxTransferSize - len(window)
		if room == 0 {
			window = window[:0]
			room = e.opts.MaxTransferSize
		}
		tmp := make([]byte, room)
		n, err := e.rb.Read(ctx, tmp)
		window = append(window, tmp[:n]...)

		pid := int(atomic.LoadInt32(&e.videoPID))
		if off := tsalign.VideoPESStart(window, pid); off != -1 {
			if locked := tsalign.PacketPID(window, off); locked != -1 {
				atomic.StoreInt32(&e.videoPID, int32(locked))
			}
			return window[off:], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// fillWindow performs at least one blocking read, then keeps reading
// until MinTransferSize is reached, MaxTransferSize fills the buffer,
// or a switch is pending (processed immediately rather than padded
// out to the batching floor).
func (e *Engine) fillWindow(ctx context.Context, buf []byte) (int, error) {
	n := 0
	for {
		read, err := e.rb.Read(ctx, buf[n:])
		n += read
		if err != nil {
			return n, err
		}
		if n >= e.opts.MinTransferSize {
			return n, nil
		}
		if e.hasPendingSwitch() {
			return n, nil
		}
		if n >= len(buf) {
			return n, nil
		}
	}
}

func (e *Engine) hasPendingSwitch() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingSwitch != nil
}

// tsPacketSize mirrors tsalign's fixed TS packet size; step uses it to
// avoid committing a partial trailing packet that a later read would
// complete, since a boundary search needs a packet's full bytes to see it.
const tsPacketSize = 188

// step routes as much of pending as can be committed to the current
// sink, or — if a switch is pending — searches for a cutover point and
// performs the switch when one is found. It returns how many leading
// bytes of pending were
// consumed; the remainder is the caller's next carry. When final is
// true (the producer closed or the context ended), the entire pending
// slice is flushed regardless of packet alignment, since no more bytes
// are coming to complete a trailing partial packet.
func (e *Engine) step(ctx context.Context, pending []byte, final bool) (int, error) {
	e.mu.Lock()
	req := e.pendingSwitch
	sinkObj := e.sinkObj
	videoPID := int(atomic.LoadInt32(&e.videoPID))
	e.mu.Unlock()

	region := pending
	if !final {
		region = pending[:len(pending)-len(pending)%tsPacketSize]
	}
	if len(region) == 0 {
		return 0, nil
	}

	if req == nil {
		if err := sinkObj.write(ctx, region); err != nil {
			log.Printf("consumer: sink write failed: %v", err)
			return 0, err
		}
		e.addBytesStreamed(int64(len(region)))
		return len(region), nil
	}

	cutover := findCutover(req.dest, region, videoPID)
	if cutover == -1 {
		if err := sinkObj.write(ctx, region); err != nil {
			log.Printf("consumer: sink write failed while switch pending: %v", err)
			return 0, err
		}
		e.addBytesStreamed(int64(len(region)))
		return len(region), nil // switch stays pending; caller remains blocked
	}

	if cutover > 0 {
		if err := sinkObj.write(ctx, region[:cutover]); err != nil {
			e.failOne(req, err)
			return 0, err
		}
		e.addBytesStreamed(int64(cutover))
	}

	newSink, err := e.openSink(ctx, req.dest)
	if err != nil {
		e.failOne(req, err)
		// The switch failed; the old sink keeps streaming the rest of
		// this region since it was already committed past the cutover.
		if cutover < len(region) {
			if werr := sinkObj.write(ctx, region[cutover:]); werr != nil {
				log.Printf("consumer: sink write failed after aborted switch: %v", werr)
				return cutover, werr
			}
			e.addBytesStreamed(int64(len(region) - cutover))
		}
		return len(region), nil
	}
	if err := sinkObj.close(); err != nil {
		log.Printf("consumer: closing old sink after switch: %v", err)
	}

	e.mu.Lock()
	e.sinkObj = newSink
	e.dest = req.dest
	e.pendingSwitch = nil
	e.mu.Unlock()
	e.resetBytesStreamed()
	e.recordSwitchCompleted()

	if cutover < len(region) {
		tail := region[cutover:]
		if err := newSink.write(ctx, tail); err != nil {
			req.done <- err
			return cutover, err
		}
		e.addBytesStreamed(int64(len(tail)))
	}

	req.done <- nil
	return len(region), nil
}

func (e *Engine) failOne(req *switchRequest, err error) {
	e.mu.Lock()
	if e.pendingSwitch == req {
		e.pendingSwitch = nil
	}
	e.mu.Unlock()
	req.done <- err
}

func (e *Engine) failPending(err error) {
	e.mu.Lock()
	req := e.pendingSwitch
	e.pendingSwitch = nil
	e.mu.Unlock()
	if req != nil {
		req.done <- err
	}
}

func (e *Engine) recordSwitchCompleted() {
	if e.opts.Metrics == nil {
		return
	}
	e.opts.Metrics.Counter("switches_completed_total", "completed mid-recording switchovers", "recording_id").
		WithLabelValues(e.opts.RecordingID).Add(1)
}

func (e *Engine) recordLockOnDuration(d time.Duration) {
	if e.opts.Metrics == nil {
		return
	}
	e.opts.Metrics.Gauge("lock_on_duration_seconds", "time from start to video PES lock-on", "recording_id").
		WithLabelValues(e.opts.RecordingID).Set(d.Seconds())
}

// timeNow is a seam so lock-on duration measurement can be replaced in
// tests without relying on wall-clock time.
var timeNow = time.Now
