package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/eventbus"
	"github.com/e7canasta/birdbath-sensor/motion"
)

var (
	// ErrStallDetected means frames stopped while the link looked healthy.
	ErrStallDetected = errors.New("capture: frame flow stalled")
	// ErrNotRunning is returned by commands sent to a stopped thread.
	ErrNotRunning = errors.New("capture: thread not running")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture: thread already started")
)

// State of the capture loop.
type State int

const (
	Idle State = iota
	Connecting
	Running
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config tunes the capture loop. Zero values fall back to DefaultConfig.
type Config struct {
	FrameTimeout         time.Duration // Bounded wait per GetFrame (default: 500ms)
	Debounce             time.Duration // Minimum gap between accepted triggers (default: 5s)
	StallTimeout         time.Duration // No frames for this long forces a reconnect (default: 15s)
	HeartbeatInterval    time.Duration // Liveness event period (default: 30s)
	RetryInterval        time.Duration // Wait after a failed (re)connect (default: 5s)
	FailureWarnThreshold int           // Consecutive frame failures before a warning (default: 5)
	FrameDelay           time.Duration // Pause after a good frame (default: 66ms)
	ErrorDelay           time.Duration // Pause after a failed frame (default: 200ms)
	DisconnectedDelay    time.Duration // Pause while a reconnect is running elsewhere (default: 1s)
	ReconnectAttempts    int           // Attempts per Reconnect (default: 3)
	ReconnectDelay       time.Duration // Wait before each attempt (default: 2s)
	FPSWindow            int           // Frames kept for FPS stats (default: 60)
	Motion               motion.Settings
	ROI                  motion.ROI
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		FrameTimeout:         500 * time.Millisecond,
		Debounce:             5 * time.Second,
		StallTimeout:         15 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		RetryInterval:        5 * time.Second,
		FailureWarnThreshold: 5,
		FrameDelay:           66 * time.Millisecond,
		ErrorDelay:           200 * time.Millisecond,
		DisconnectedDelay:    time.Second,
		ReconnectAttempts:    3,
		ReconnectDelay:       2 * time.Second,
		FPSWindow:            60,
		Motion:               motion.DefaultSettings(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	durations := []struct {
		v *time.Duration
		d time.Duration
	}{
		{&c.FrameTimeout, def.FrameTimeout},
		{&c.Debounce, def.Debounce},
		{&c.StallTimeout, def.StallTimeout},
		{&c.HeartbeatInterval, def.HeartbeatInterval},
		{&c.RetryInterval, def.RetryInterval},
		{&c.FrameDelay, def.FrameDelay},
		{&c.ErrorDelay, def.ErrorDelay},
		{&c.DisconnectedDelay, def.DisconnectedDelay},
		{&c.ReconnectDelay, def.ReconnectDelay},
	}
	for _, f := range durations {
		if *f.v <= 0 {
			*f.v = f.d
		}
	}
	if c.FailureWarnThreshold <= 0 {
		c.FailureWarnThreshold = def.FailureWarnThreshold
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.FPSWindow <= 1 {
		c.FPSWindow = def.FPSWindow
	}
	if c.Motion == (motion.Settings{}) {
		c.Motion = def.Motion
	}
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	State               State
	Connection          camera.ConnectionState
	Frames              uint64
	Stills              uint64
	Triggers            uint64 // Accepted motion triggers
	Debounced           uint64 // Triggers dropped inside the debounce window
	Stalls              uint64
	ConsecutiveFailures int
	LastFrame           time.Time
	SinceLastFrame      time.Duration
	FPS                 FPSStats
	ROI                 motion.ROI
	Link                camera.LinkStats
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

// Option configures a Thread.
type Option func(*Thread)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(t *Thread) { t.clock = c }
}

// Thread is the capture loop. It is the only goroutine that calls into the
// camera Link; setting changes are posted to it and applied between
// iterations.
type Thread struct {
	link  *camera.Link
	bus   *eventbus.Bus
	det   *motion.Detector
	cfg   Config
	clock Clock

	cmds chan command
	wake chan struct{}

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu                  sync.Mutex
	state               State
	roi                 motion.ROI
	everConnected       bool
	lastFrame           time.Time
	lastTrigger         time.Time
	lastHeartbeat       time.Time
	consecutiveFailures int
	pendingMotion       motion.Event
	window              *frameWindow
	frameWidth          int
	frameHeight         int

	frames    atomic.Uint64
	stills    atomic.Uint64
	triggers  atomic.Uint64
	debounced atomic.Uint64
	stalls    atomic.Uint64
}

// New wires a capture loop around link. Events are published on bus.
func New(link *camera.Link, bus *eventbus.Bus, cfg Config, opts ...Option) (*Thread, error) {
	if link == nil {
		return nil, fmt.Errorf("capture: link is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("capture: event bus is required")
	}
	cfg.applyDefaults()

	t := &Thread{
		link:   link,
		bus:    bus,
		det:    motion.NewDetector(cfg.Motion),
		cfg:    cfg,
		clock:  RealClock(),
		cmds:   make(chan command, 16),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		roi:    cfg.ROI,
		window: newFrameWindow(cfg.FPSWindow),
	}
	for _, opt := range opts {
		opt(t)
	}

	link.OnStateChange(func(old, new camera.ConnectionState) {
		t.bus.Publish(eventbus.Event{
			Kind:       eventbus.ConnectionChanged,
			At:         t.clock.Now(),
			Connection: eventbus.ConnectionChange{From: old, To: new},
		})
	})
	// A fresh handle means the previous blurred ROI is from another session.
	link.OnRestore(t.det.Reset)

	return t, nil
}

// Start launches the loop. It returns immediately; the first connect
// happens on the loop goroutine.
func (t *Thread) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	now := t.clock.Now()
	t.mu.Lock()
	t.lastHeartbeat = now
	t.mu.Unlock()

	go t.run(ctx)

	slog.Info("capture: thread started",
		"debounce", t.cfg.Debounce,
		"stall_timeout", t.cfg.StallTimeout,
		"roi", t.ROI().String(),
	)
	return nil
}

// Stop cancels the loop, waits for it and disconnects the camera.
func (t *Thread) Stop() {
	if !t.started.Load() {
		return
	}
	t.cancel()
	<-t.done
}

// Done is closed once the loop has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

func (t *Thread) run(ctx context.Context) {
	defer close(t.done)
	defer func() {
		t.link.Disconnect()
		t.setState(Stopped)
		slog.Info("capture: thread stopped",
			"frames", t.frames.Load(),
			"stills", t.stills.Load(),
		)
	}()

	for {
		delay := t.step(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-t.clock.After(delay):
		}
	}
}

// step runs one loop iteration and returns how long to pause before the
// next. A panic is contained to the iteration.
func (t *Thread) step(ctx context.Context) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("capture: recovered from panic in loop iteration", "panic", r)
			t.warn(eventbus.WarnPanic, fmt.Sprint(r), 0)
			delay = t.cfg.ErrorDelay
		}
	}()

	t.drainCommands()

	now := t.clock.Now()
	t.maybeHeartbeat(now)

	if !t.link.IsConnected() {
		return t.connect(ctx)
	}

	if t.stalled(now) {
		return t.recoverStall(ctx)
	}

	if t.link.StillPending() {
		t.collectStill()
		if !t.link.IsConnected() {
			return t.cfg.ErrorDelay
		}
	}

	f, err := t.link.GetFrame(t.cfg.FrameTimeout)
	if err != nil {
		return t.frameFailed(err)
	}
	t.frameArrived(f)
	return t.cfg.FrameDelay
}

// connect brings the link up: Connect the first time, Reconnect after.
func (t *Thread) connect(ctx context.Context) time.Duration {
	if t.link.Reconnecting() {
		return t.cfg.DisconnectedDelay
	}

	t.mu.Lock()
	first := !t.everConnected
	t.mu.Unlock()

	if first {
		t.setState(Connecting)
		if err := t.link.Connect(ctx); err != nil {
			slog.Warn("capture: camera connect failed, will retry",
				"error", err,
				"retry_in", t.cfg.RetryInterval,
			)
			return t.cfg.RetryInterval
		}
	} else {
		t.setState(Reconnecting)
		if !t.link.Reconnect(ctx, t.cfg.ReconnectAttempts, t.cfg.ReconnectDelay) {
			if ctx.Err() == nil {
				slog.Warn("capture: reconnect failed, will retry", "retry_in", t.cfg.RetryInterval)
			}
			return t.cfg.RetryInterval
		}
	}

	t.connected()
	return t.cfg.FrameDelay
}

// connected resets per-session state after a successful (re)connect.
func (t *Thread) connected() {
	now := t.clock.Now()
	t.det.Reset()

	t.mu.Lock()
	t.everConnected = true
	t.lastFrame = now
	t.consecutiveFailures = 0
	t.window.reset()
	roi := t.roi
	t.mu.Unlock()

	t.applyExposureRegion(roi)
	t.setState(Running)
}

func (t *Thread) stalled(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.lastFrame.IsZero() && now.Sub(t.lastFrame) > t.cfg.StallTimeout
}

// recoverStall forces one reconnect for the current stall. lastFrame is
// reset on success, and a failed reconnect leaves the link disconnected so
// the next iteration takes the ordinary reconnect path; either way this
// stall is not handled twice.
func (t *Thread) recoverStall(ctx context.Context) time.Duration {
	t.mu.Lock()
	since := t.clock.Now().Sub(t.lastFrame)
	t.lastFrame = time.Time{}
	t.mu.Unlock()

	t.stalls.Add(1)
	slog.Error("capture: stall detected, forcing reconnect",
		"error", ErrStallDetected,
		"since_last_frame", since,
		"stall_timeout", t.cfg.StallTimeout,
	)
	t.warn(eventbus.WarnStall, fmt.Sprintf("no frames for %s", since.Round(time.Second)), 0)

	t.setState(Reconnecting)
	if !t.link.Reconnect(ctx, t.cfg.ReconnectAttempts, t.cfg.ReconnectDelay) {
		return t.cfg.RetryInterval
	}
	t.connected()
	return t.cfg.FrameDelay
}

func (t *Thread) frameFailed(err error) time.Duration {
	if errors.Is(err, camera.ErrDeviceDisconnected) {
		slog.Warn("capture: camera disconnected", "error", err)
		return t.cfg.ErrorDelay
	}

	if errors.Is(err, camera.ErrMalformedFrame) {
		slog.Warn("capture: skipping malformed frame", "error", err)
	} else {
		slog.Debug("capture: frame retrieval failed", "error", err)
	}

	t.mu.Lock()
	t.consecutiveFailures++
	n := t.consecutiveFailures
	t.mu.Unlock()

	if n == t.cfg.FailureWarnThreshold {
		slog.Warn("capture: consecutive frame failures", "count", n, "last_error", err)
		t.warn(eventbus.WarnFrameFailures, err.Error(), n)
	}
	return t.cfg.ErrorDelay
}

func (t *Thread) frameArrived(f camera.Frame) {
	now := t.clock.Now()

	t.mu.Lock()
	t.lastFrame = now
	t.consecutiveFailures = 0
	t.window.add(now)
	roi := t.roi
	resized := f.Width != t.frameWidth || f.Height != t.frameHeight
	t.frameWidth, t.frameHeight = f.Width, f.Height
	t.mu.Unlock()

	if resized {
		t.applyExposureRegion(roi)
	}

	t.frames.Add(1)
	t.bus.Publish(eventbus.Event{Kind: eventbus.FrameReady, At: now, Frame: f})

	ev := t.det.Detect(f.Image(), effectiveROI(roi, f.Width, f.Height))
	if !ev.Detected {
		return
	}

	t.mu.Lock()
	if !t.lastTrigger.IsZero() && now.Sub(t.lastTrigger) < t.cfg.Debounce {
		t.mu.Unlock()
		t.debounced.Add(1)
		return
	}
	t.lastTrigger = now
	t.pendingMotion = ev
	t.mu.Unlock()

	t.triggers.Add(1)
	slog.Info("capture: motion detected", "regions", len(ev.Regions), "seq", f.Seq)

	if err := t.link.RequestStill(); err != nil {
		if errors.Is(err, camera.ErrStillPending) {
			slog.Debug("capture: still already in flight")
			return
		}
		slog.Warn("capture: still request failed", "error", err)
	}
}

func (t *Thread) collectStill() {
	rec, ok, err := t.link.PollStill()
	if err != nil {
		if errors.Is(err, camera.ErrStillTimeout) {
			slog.Warn("capture: abandoning still", "error", err)
			t.warn(eventbus.WarnStillTimeout, err.Error(), 0)
			return
		}
		slog.Warn("capture: still collection failed", "error", err)
		return
	}
	if !ok {
		return
	}

	t.mu.Lock()
	ev := t.pendingMotion
	t.mu.Unlock()

	t.stills.Add(1)
	t.bus.Publish(eventbus.Event{
		Kind:   eventbus.MotionTriggered,
		At:     t.clock.Now(),
		Motion: ev,
		Record: rec,
	})
}

func (t *Thread) maybeHeartbeat(now time.Time) {
	t.mu.Lock()
	if now.Sub(t.lastHeartbeat) < t.cfg.HeartbeatInterval {
		t.mu.Unlock()
		return
	}
	t.lastHeartbeat = now
	t.mu.Unlock()

	s := t.Stats()
	info := eventbus.HeartbeatInfo{
		State:               s.State.String(),
		Connection:          s.Connection,
		ConsecutiveFailures: s.ConsecutiveFailures,
		SinceLastFrame:      s.SinceLastFrame,
		FPS:                 s.FPS.Mean,
		Frames:              s.Frames,
		Stills:              s.Stills,
		Reconnects:          s.Link.Reconnects,
	}
	slog.Info("capture: heartbeat",
		"state", info.State,
		"connection", info.Connection.String(),
		"consecutive_failures", info.ConsecutiveFailures,
		"since_last_frame", info.SinceLastFrame.Round(time.Millisecond),
		"fps", info.FPS,
	)
	t.bus.Publish(eventbus.Event{Kind: eventbus.Heartbeat, At: now, Heartbeat: info})
}

func (t *Thread) warn(code, msg string, count int) {
	t.bus.Publish(eventbus.Event{
		Kind:    eventbus.Warning,
		At:      t.clock.Now(),
		Warning: eventbus.WarningInfo{Code: code, Message: msg, Count: count},
	})
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	old := t.state
	t.state = s
	t.mu.Unlock()
	if old != s {
		slog.Debug("capture: state changed", "from", old.String(), "to", s.String())
	}
}

// State returns the loop state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ROI returns the active region of interest.
func (t *Thread) ROI() motion.ROI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roi
}

// Stats returns a snapshot of the loop counters.
func (t *Thread) Stats() Stats {
	now := t.clock.Now()
	link := t.link.Stats()

	t.mu.Lock()
	defer t.mu.Unlock()

	var since time.Duration
	if !t.lastFrame.IsZero() {
		since = now.Sub(t.lastFrame)
	}
	return Stats{
		State:               t.state,
		Connection:          link.State,
		Frames:              t.frames.Load(),
		Stills:              t.stills.Load(),
		Triggers:            t.triggers.Load(),
		Debounced:           t.debounced.Load(),
		Stalls:              t.stalls.Load(),
		ConsecutiveFailures: t.consecutiveFailures,
		LastFrame:           t.lastFrame,
		SinceLastFrame:      since,
		FPS:                 t.window.stats(),
		ROI:                 t.roi,
		Link:                link,
	}
}
