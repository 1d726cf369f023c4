// coordinator.go: the Multi Coordinator — owns the mix buffer, the client
// set, the worker goroutine and the wake signal for one PCM direction.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// Grounded on original_source/src/bluealsa-pcm-multi.c
// (bluealsa_pcm_multi_create/init/add_client/read/write/reset/free) and on
// the teacher's lethe.go constructor family (New/NewWithDefaults/
// NewWithConfig) and lifecycle style (Close is idempotent, guarded by a
// state field rather than relying on the caller never double-closing).

package confluence

import (
	"fmt"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"golang.org/x/sys/unix"
)

// Tunables matching the reference implementation's compile-time constants,
// used by NewCoordinatorWithDefaults.
const (
	maxClients             = 32
	defaultBufferPeriods   = 16
	defaultMixThreshold    = 2
	defaultClientThreshold = 2
	defaultDrainTimeout    = 300 * time.Millisecond
)

// stopSentinel is written to a coordinator's wake eventfd to ask its
// worker to terminate cooperatively. It is never a legitimate wake count,
// since each Read adds only 1 to the counter and the worker drains it on
// every wake.
const stopSentinel uint64 = 0xDEAD0000

// Direction says which way samples flow through a Coordinator.
type Direction uint8

const (
	// DirectionPlayback mixes many clients' writes into one transport read.
	DirectionPlayback Direction = iota
	// DirectionCapture fans one transport write out to many clients.
	DirectionCapture
)

func (d Direction) String() string {
	if d == DirectionCapture {
		return "capture"
	}
	return "playback"
}

// CoordinatorState is the lifecycle of a Coordinator, independent of any
// single client's state (spec §4.3).
type CoordinatorState uint8

const (
	CoordinatorInit CoordinatorState = iota
	CoordinatorRunning
	CoordinatorPaused
	CoordinatorFinished
)

func (s CoordinatorState) String() string {
	switch s {
	case CoordinatorInit:
		return "init"
	case CoordinatorRunning:
		return "running"
	case CoordinatorPaused:
		return "paused"
	case CoordinatorFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Config carries every tunable a Coordinator accepts, following the
// teacher's LoggerConfig: a plain struct rather than functional options,
// with an ErrorCallback hook for observability.
type Config struct {
	// MaxClients caps concurrently attached clients. Zero means
	// defaultBufferPeriods's companion maxClients (32).
	MaxClients int
	// BufferPeriods sizes the playback ring-mix buffer, in periods.
	BufferPeriods int
	// MixThreshold is how many periods must accumulate before the mix
	// buffer starts serving the transport.
	MixThreshold int
	// ClientThreshold is how many periods a playback client must stage
	// before it is promoted from Idle to Running.
	ClientThreshold int
	// DrainTimeout bounds how long a draining client's remaining mix
	// samples are waited out before forcing completion.
	DrainTimeout time.Duration
	// ErrorCallback, if set, is invoked for every reportable error the
	// coordinator or its clients encounter. It is never invoked
	// concurrently with itself.
	ErrorCallback func(operation string, err error)
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.MaxClients <= 0 {
		out.MaxClients = maxClients
	}
	if out.BufferPeriods <= 0 {
		out.BufferPeriods = defaultBufferPeriods
	}
	if out.MixThreshold <= 0 {
		out.MixThreshold = defaultMixThreshold
	}
	if out.ClientThreshold <= 0 {
		out.ClientThreshold = defaultClientThreshold
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = defaultDrainTimeout
	}
	return &out
}

// PCMHandle is the transport-side description of the PCM this Coordinator
// mixes for: its direction, wire format and channel count. The transport
// owns the actual Bluetooth socket; the Coordinator only needs to know how
// to interpret and produce bytes for it.
type PCMHandle struct {
	Direction Direction
	Format    Format
	Channels  int
	RateHz    int
	// WakeFD, if non-zero, is written to every time new mixed samples
	// become available (playback) so the transport's own poll loop can
	// wake without busy-waiting. It mirrors bluealsa_pcm_multi_wake_transport.
	WakeFD int

	// SoftVolume, if true, applies Volume per-channel in software on every
	// Read instead of relying on the transport's hardware mixer. Mirrors
	// the soft-volume flag bluealsa_pcm_multi_read consults before
	// building its scale vector.
	SoftVolume bool
	// Volume holds one gain per channel, applied by Read when SoftVolume
	// is set. A nil or short Volume is treated as unity gain on the
	// missing channels.
	Volume []float64
	// Muted gates every channel to silence when volume is controlled by
	// transport hardware rather than SoftVolume; it has no effect when
	// SoftVolume is set, since Volume already carries the real gain.
	Muted bool
}

// scaleVector builds the per-channel gain Read applies to the mix: the
// configured Volume under soft-volume, or a 0/1 gate under hardware
// volume, mirroring bluealsa_pcm_multi_read's scale selection.
func (p PCMHandle) scaleVector() []float64 {
	scale := make([]float64, p.Channels)
	for ch := range scale {
		switch {
		case p.SoftVolume:
			if ch < len(p.Volume) {
				scale[ch] = p.Volume[ch]
			} else {
				scale[ch] = 1.0
			}
		case p.Muted:
			scale[ch] = 0.0
		default:
			scale[ch] = 1.0
		}
	}
	return scale
}

// Coordinator is the Multi Coordinator of spec §4.3: it owns the
// ring-mix buffer (playback only), the attached client set, one worker
// goroutine, and the epoll multiplexer and wake eventfd that drive it.
type Coordinator struct {
	pcm PCMHandle
	cfg *Config

	mu    sync.Mutex // serializes state, client set and buffer_ready handoff
	state CoordinatorState

	periodFrames int
	periodBytes  int

	buffer *RingMixBuffer // nil for capture coordinators

	clients   map[uint32]*Client
	nextID    uint32
	activeCnt int

	bufferReady bool
	cond        *sync.Cond

	poller    *eventPoller
	wake      *eventFD // worker's own wake/stop signal
	worker    *worker
	delayHns  uint64 // estimated delay, tenths of a millisecond
	timeCache *timecache.TimeCache

	lastClientAt time.Time // timestamp of the most recent successful AddClient
	lastFatalAt  time.Time // timestamp of the most recent Fatal transition
}

// now returns the coordinator's cached clock reading, avoiding a
// time.Now() syscall on every admission/drain/fatal event.
func (c *Coordinator) now() time.Time {
	return c.timeCache.CachedTime()
}

// NewCoordinator constructs a Coordinator for pcm using cfg verbatim
// (zero fields are NOT defaulted — use NewCoordinatorFromConfig for that).
func NewCoordinator(pcm PCMHandle, cfg *Config) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("confluence: nil Config")
	}
	if pcm.Channels < 1 {
		return nil, fmt.Errorf("confluence: PCMHandle.Channels must be >= 1")
	}

	poller, err := newEventPoller()
	if err != nil {
		return nil, err
	}
	wake, err := newEventFD()
	if err != nil {
		poller.close()
		return nil, err
	}

	c := &Coordinator{
		pcm:       pcm,
		cfg:       cfg,
		state:     CoordinatorInit,
		clients:   make(map[uint32]*Client),
		poller:    poller,
		wake:      wake,
		timeCache: timecache.NewWithResolution(time.Millisecond),
	}
	c.cond = sync.NewCond(&c.mu)

	if err := c.poller.add(wake.fd, readEvents, pollToken{kind: eventKindWake}); err != nil {
		poller.close()
		wake.close()
		return nil, err
	}

	return c, nil
}

// NewCoordinatorWithDefaults constructs a Coordinator using the tunables
// of the reference implementation (MaxClients=32, BufferPeriods=16,
// MixThreshold=2, ClientThreshold=2, DrainTimeout=300ms).
func NewCoordinatorWithDefaults(pcm PCMHandle) *Coordinator {
	c, err := NewCoordinator(pcm, (&Config{}).withDefaults())
	if err != nil {
		// Construction with known-good defaults cannot fail except on
		// resource exhaustion, which the caller cannot recover from
		// differently than a later AddClient failure would report.
		panic(err)
	}
	return c
}

// NewCoordinatorFromConfig constructs a Coordinator, filling any zero
// field of cfg with the reference implementation's defaults.
func NewCoordinatorFromConfig(pcm PCMHandle, cfg *Config) (*Coordinator, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	return NewCoordinator(pcm, cfg.withDefaults())
}

const readEvents = uint32(unix.EPOLLIN)

// Init transitions the coordinator from freshly constructed to ready to
// accept clients, sizing the period and (for playback) the mix buffer.
// transferSamples is the total sample count (frames*channels) the
// transport will request per Read/Write call.
func (c *Coordinator) Init(transferSamples int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if transferSamples <= 0 || transferSamples%c.pcm.Channels != 0 {
		return fmt.Errorf("confluence: transferSamples must be a positive multiple of channel count")
	}

	c.periodFrames = transferSamples / c.pcm.Channels
	c.periodBytes = c.periodFrames * c.pcm.Channels * c.pcm.Format.BytesPerSample()

	if c.pcm.Direction == DirectionPlayback {
		buf, err := NewRingMixBuffer(c.pcm.Format, c.pcm.Channels,
			uint64(c.cfg.BufferPeriods*c.periodFrames), uint64(c.periodFrames))
		if err != nil {
			return err
		}
		c.buffer = buf
		c.bufferReady = false
	}

	if c.pcm.RateHz > 0 {
		c.delayHns = uint64(c.periodFrames) * uint64(c.cfg.MixThreshold+c.cfg.ClientThreshold) *
			10000 / uint64(c.pcm.RateHz)
	}

	for _, cl := range c.clients {
		if cl.state == ClientInit {
			cl.init()
		}
	}

	c.state = CoordinatorInit

	if c.pcm.Direction == DirectionCapture && len(c.clients) > 0 {
		return c.startWorkerLocked()
	}
	return nil
}

// Delay returns the estimated end-to-end delay this coordinator
// contributes, in tenths of a millisecond, the Go analogue of
// bluealsa_pcm_multi_delay_get. It is computed once in Init from
// PCMHandle.RateHz and the mix/client threshold tunables.
func (c *Coordinator) Delay() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayHns
}

// Enabled reports whether multi support applies to pcm at all: true iff
// its format is one of the four formats the mix buffer can accumulate.
// The three-byte-packed S24_3LE format is deliberately excluded, since
// it is not word-aligned and the mix buffer never accumulates it.
// Mirrors bluealsa_pcm_multi_enabled.
func Enabled(pcm PCMHandle) bool {
	switch pcm.Format {
	case FormatU8, FormatS16LE, FormatS24LE, FormatS32LE:
		return true
	default:
		return false
	}
}

// State reports the coordinator's current lifecycle state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddClient registers a new client endpoint identified by its PCM data fd
// and control fd, returning false if the client cap has been reached.
// For capture coordinators, a client arriving after the previous worker
// finished resurrects the coordinator back to Init before admitting the
// new client (original_source's add_client FINISHED-recovery behavior,
// see SUPPLEMENTED FEATURES).
func (c *Coordinator) AddClient(pcmFD, controlFD int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.clients) >= c.cfg.MaxClients {
		err := ErrResourceExhausted
		c.reportErrorLocked("add_client", err)
		return false, err
	}

	if c.pcm.Direction == DirectionCapture && c.state == CoordinatorFinished {
		c.resetLocked()
	}

	cl, err := newClient(c, c.nextID, pcmFD, controlFD)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		c.reportErrorLocked("add_client", err)
		return false, err
	}
	c.nextID++
	c.clients[cl.id] = cl
	c.lastClientAt = c.now()

	if c.periodBytes > 0 {
		cl.init()
	}

	switch c.pcm.Direction {
	case DirectionPlayback:
		if c.state == CoordinatorFinished {
			c.state = CoordinatorInit
		}
	case DirectionCapture:
		if c.state == CoordinatorInit {
			c.state = CoordinatorRunning
		}
	}

	if err := c.startWorkerLocked(); err != nil {
		c.reportErrorLocked("add_client", err)
		return false, err
	}

	return true, nil
}

func (c *Coordinator) startWorkerLocked() error {
	if c.worker != nil && c.worker.running() {
		return nil
	}
	w := newWorker(c)
	c.worker = w
	w.start()
	return nil
}

// Read services a playback transport's request for up to samples worth
// of mixed audio, waking the mix worker and waiting for it to publish a
// fresh batch. It mirrors bluealsa_pcm_multi_read.
func (c *Coordinator) Read(dst []byte, samples int) (int, error) {
	if c.pcm.Direction != DirectionPlayback {
		return 0, fmt.Errorf("confluence: Read called on a %s coordinator", c.pcm.Direction)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.wake.signal(1); err != nil {
		return 0, err
	}

	for c.state == CoordinatorRunning && !c.bufferReady {
		c.cond.Wait()
	}
	c.bufferReady = false

	switch c.state {
	case CoordinatorRunning:
		n := c.buffer.Read(dst, samples, c.pcm.scaleVector())
		if n == 0 {
			return 0, unix.EAGAIN
		}
		return n, nil
	case CoordinatorFinished:
		return 0, nil
	case CoordinatorInit:
		return 0, unix.EAGAIN
	default:
		return 0, unix.EIO
	}
}

// Write services a capture transport's delivery of one period of audio,
// fanning it out to every running client. It mirrors
// bluealsa_pcm_multi_write and never blocks on a slow client.
func (c *Coordinator) Write(data []byte, samples int) (int, error) {
	if c.pcm.Direction != DirectionCapture {
		return 0, fmt.Errorf("confluence: Write called on a %s coordinator", c.pcm.Direction)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == CoordinatorFinished {
		return 0, nil
	}

	var reap []uint32
	for id, cl := range c.clients {
		if cl.state == ClientRunning {
			cl.write(data)
		}
		if cl.state == ClientFinished {
			reap = append(reap, id)
		}
	}
	for _, id := range reap {
		c.removeClientLocked(id)
	}

	return samples, nil
}

func (c *Coordinator) removeClientLocked(id uint32) {
	if cl, ok := c.clients[id]; ok {
		cl.release()
		delete(c.clients, id)
	}
}

func (c *Coordinator) reportErrorLocked(operation string, err error) {
	if c.cfg.ErrorCallback != nil {
		c.cfg.ErrorCallback(operation, err)
	}
}

// reportError is the name client.go uses for reportErrorLocked; every one
// of its call sites runs with c.mu already held.
func (c *Coordinator) reportError(operation string, err error) {
	c.reportErrorLocked(operation, err)
}

// resetLocked clears a Finished coordinator back to Init, reaping all
// clients and, for playback, the mix buffer contents.
func (c *Coordinator) resetLocked() {
	for id := range c.clients {
		c.removeClientLocked(id)
	}
	if c.buffer != nil {
		c.buffer.Clear()
	}
	c.bufferReady = false
	c.state = CoordinatorInit
}

// Reset stops the worker, reaps every client and returns the coordinator
// to Init, ready to accept clients again.
func (c *Coordinator) Reset() error {
	c.stopWorker()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

// Free permanently tears the coordinator down: the worker is stopped,
// every client reaped, and the multiplexer and wake eventfd closed. Free
// is idempotent.
func (c *Coordinator) Free() error {
	c.stopWorker()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.clients {
		c.removeClientLocked(id)
	}
	if c.buffer != nil {
		c.buffer.Release()
		c.buffer = nil
	}
	c.state = CoordinatorFinished

	if c.poller != nil {
		c.poller.close()
	}
	if c.wake != nil {
		c.wake.close()
	}
	if c.timeCache != nil {
		c.timeCache.Stop()
	}
	return nil
}

// markFatalLocked transitions the coordinator to Finished in response to
// an unrecoverable multiplexer or worker failure, recording when it
// happened and notifying ErrorCallback. Caller must hold c.mu.
func (c *Coordinator) markFatalLocked(err error) {
	c.state = CoordinatorFinished
	c.lastFatalAt = c.now()
	c.reportErrorLocked("worker", fmt.Errorf("%w: %v", ErrFatal, err))
}

func (c *Coordinator) stopWorker() {
	c.mu.Lock()
	w := c.worker
	wake := c.wake
	c.mu.Unlock()

	if w == nil || !w.running() {
		return
	}
	if wake != nil {
		_ = wake.signal(stopSentinel)
	}
	w.join()
}

// wakeTransport writes to the transport's wake fd, if one was configured,
// mirroring bluealsa_pcm_multi_wake_transport.
func (c *Coordinator) wakeTransport() {
	if c.pcm.WakeFD <= 0 {
		return
	}
	buf := make([]byte, 8)
	leUint64(buf, 1)
	_, _ = retryEINTR(func() (int, error) { return unix.Write(c.pcm.WakeFD, buf) })
}
