package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config contains Link tuning. Zero values fall back to defaults.
type Config struct {
	Stills            StillWriter
	Initial           Settings
	ControlDelay      time.Duration // Minimum gap between control commands (default: 100ms)
	StillTimeout      time.Duration // Abandon a triggered still after this long (default: 5s)
	ReconnectAttempts int           // Attempts per Reconnect call (default: 3)
	ReconnectDelay    time.Duration // Wait before each attempt (default: 2s)
}

// DefaultConfig returns default Link configuration
func DefaultConfig() Config {
	return Config{
		Initial:           DefaultSettings(),
		ControlDelay:      100 * time.Millisecond,
		StillTimeout:      5 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
	}
}

// LinkStats is a point-in-time view of the link.
type LinkStats struct {
	State      ConnectionState
	Connects   uint64 // Successful device opens
	Reconnects uint32 // Reconnect attempts
	Settings   Settings
}

// Link owns a Device handle. It translates driver failures into
// ErrDeviceDisconnected, invalidates the handle as soon as the link dies,
// and runs single-flight reconnection.
//
// Link is meant to be driven by one goroutine (the capture thread). State,
// Settings and Stats are safe to read from anywhere.
type Link struct {
	dev Device
	cfg Config

	mu       sync.Mutex
	state    ConnectionState
	open     bool
	settings Settings
	region   image.Rectangle
	pending  time.Time // Zero when no still is in flight
	lastCtl  time.Time

	reconnecting atomic.Bool
	connects     atomic.Uint64
	reconnects   atomic.Uint32

	hooksMu   sync.Mutex
	onRestore []func()
	onState   []func(old, new ConnectionState)
}

// NewLink wraps dev. The device is not opened until Connect.
func NewLink(dev Device, cfg Config) (*Link, error) {
	if dev == nil {
		return nil, fmt.Errorf("camera: device is required")
	}

	def := DefaultConfig()
	if cfg.ControlDelay <= 0 {
		cfg.ControlDelay = def.ControlDelay
	}
	if cfg.StillTimeout <= 0 {
		cfg.StillTimeout = def.StillTimeout
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.Initial == (Settings{}) {
		cfg.Initial = def.Initial
	}
	if cfg.Stills.Layout.Root == "" {
		return nil, fmt.Errorf("camera: still directory is required")
	}

	return &Link{
		dev:      dev,
		cfg:      cfg,
		settings: cfg.Initial,
	}, nil
}

// OnRestore registers fn to run after every successful Reconnect, once the
// device settings have been reapplied. The capture thread uses it to reset
// motion state and reapply its ROI.
func (l *Link) OnRestore(fn func()) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.onRestore = append(l.onRestore, fn)
}

// OnStateChange registers fn for every ConnectionState transition.
func (l *Link) OnStateChange(fn func(old, new ConnectionState)) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.onState = append(l.onState, fn)
}

// State returns the current connection state.
func (l *Link) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsConnected reports whether frames can be requested.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open && l.state == Connected
}

// Settings returns the mirrored snapshot of applied settings.
func (l *Link) Settings() Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// Stats returns link statistics.
func (l *Link) Stats() LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkStats{
		State:      l.state,
		Connects:   l.connects.Load(),
		Reconnects: l.reconnects.Load(),
		Settings:   l.settings,
	}
}

func (l *Link) setState(s ConnectionState) {
	l.mu.Lock()
	old := l.state
	l.state = s
	l.mu.Unlock()

	if old == s {
		return
	}

	l.hooksMu.Lock()
	hooks := append([]func(old, new ConnectionState){}, l.onState...)
	l.hooksMu.Unlock()

	for _, fn := range hooks {
		fn(old, s)
	}
}

// Connect opens the device and applies the mirrored settings. Device
// initialization is slow; call it from the capture goroutine, never from a
// control loop that must stay responsive.
func (l *Link) Connect(ctx context.Context) error {
	return l.connect(ctx, Connecting)
}

func (l *Link) connect(ctx context.Context, during ConnectionState) error {
	l.setState(during)
	start := time.Now()

	if err := l.dev.Open(ctx); err != nil {
		err = translate("connect", err)
		if during == Connecting {
			l.setState(Disconnected)
		}
		return err
	}

	l.mu.Lock()
	l.open = true
	l.pending = time.Time{}
	l.mu.Unlock()
	l.connects.Add(1)

	if err := l.restoreDevice(); err != nil {
		l.markDisconnected(err)
		return err
	}

	l.setState(Connected)
	slog.Info("camera: connected",
		"init_time", time.Since(start),
		"connects", l.connects.Load(),
	)
	return nil
}

// restoreDevice reapplies the mirrored settings and metering region. Only a
// dead link fails the restore; a rejected control is logged and skipped.
func (l *Link) restoreDevice() error {
	l.mu.Lock()
	s := l.settings
	region := l.region
	l.mu.Unlock()

	ctls := s.Controls()
	if !region.Empty() {
		ctls = append(ctls, Control{Name: SettingExposureRegion, Region: region, Settings: s})
	}

	for _, ctl := range ctls {
		if err := translate("restore "+ctl.Name, l.dev.Apply(ctl)); err != nil {
			if errors.Is(err, ErrDeviceDisconnected) {
				return err
			}
			slog.Warn("camera: failed to restore setting", "setting", ctl.Name, "error", err)
		}
	}
	return nil
}

// Disconnect closes the device. Safe to call repeatedly.
func (l *Link) Disconnect() {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	l.pending = time.Time{}
	l.mu.Unlock()

	if wasOpen {
		if err := l.dev.Close(); err != nil {
			slog.Warn("camera: error closing device", "error", err)
		}
	}
	l.setState(Disconnected)
}

// markDisconnected invalidates the handle so later calls fail fast instead
// of blocking on a dead transport.
func (l *Link) markDisconnected(cause error) {
	slog.Warn("camera: link lost, invalidating device handle", "error", cause)
	l.Disconnect()
}

// fail translates err and, when it means the link died, invalidates the
// handle before returning it.
func (l *Link) fail(op string, err error) error {
	err = translate(op, err)
	if errors.Is(err, ErrDeviceDisconnected) {
		l.markDisconnected(err)
	}
	return err
}

// GetFrame waits at most timeout for the next preview frame.
func (l *Link) GetFrame(timeout time.Duration) (Frame, error) {
	if !l.IsConnected() {
		return Frame{}, fmt.Errorf("camera: get frame: %w", ErrDeviceDisconnected)
	}

	f, err := l.dev.NextFrame(timeout)
	if err != nil {
		return Frame{}, l.fail("get frame", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}

	f.Origin = OriginPreview
	return f, nil
}

// RequestStill triggers a still without waiting for it. Collect it with
// PollStill; the preview keeps flowing in the meantime.
func (l *Link) RequestStill() error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return fmt.Errorf("camera: request still: %w", ErrDeviceDisconnected)
	}
	if !l.pending.IsZero() {
		l.mu.Unlock()
		return ErrStillPending
	}
	l.mu.Unlock()

	if err := l.dev.TriggerStill(); err != nil {
		return l.fail("request still", err)
	}

	l.mu.Lock()
	l.pending = time.Now()
	l.mu.Unlock()
	return nil
}

// StillPending reports whether a triggered still has not been collected.
func (l *Link) StillPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.pending.IsZero()
}

// PollStill collects a triggered still. It returns ok=false while the
// still is in flight, and ErrStillTimeout once the still has been pending
// longer than the configured timeout.
func (l *Link) PollStill() (CaptureRecord, bool, error) {
	l.mu.Lock()
	pending := l.pending
	l.mu.Unlock()
	if pending.IsZero() {
		return CaptureRecord{}, false, nil
	}

	f, ok, err := l.dev.PollStill()
	if err != nil {
		l.clearPending()
		return CaptureRecord{}, false, l.fail("poll still", err)
	}
	if !ok {
		if time.Since(pending) > l.cfg.StillTimeout {
			l.clearPending()
			return CaptureRecord{}, false, fmt.Errorf("%w after %s", ErrStillTimeout, l.cfg.StillTimeout)
		}
		return CaptureRecord{}, false, nil
	}
	l.clearPending()

	f.Origin = OriginStill
	at := f.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	settings := l.Settings()

	path, err := l.cfg.Stills.Write(f, settings, at)
	if err != nil {
		return CaptureRecord{}, false, err
	}

	rec := CaptureRecord{
		ID:         uuid.New().String(),
		Path:       path,
		CapturedAt: at,
		Settings:   settings,
	}

	slog.Info("camera: still captured",
		"path", path,
		"id", rec.ID,
		"latency", time.Since(pending),
		"trace_id", f.TraceID,
	)
	return rec, true, nil
}

func (l *Link) clearPending() {
	l.mu.Lock()
	l.pending = time.Time{}
	l.mu.Unlock()
}

// CaptureStill triggers a still and waits for it, bounded by ctx and the
// still timeout. The capture thread uses RequestStill/PollStill instead so
// the preview is not held up.
func (l *Link) CaptureStill(ctx context.Context) (CaptureRecord, error) {
	if err := l.RequestStill(); err != nil {
		return CaptureRecord{}, err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, ok, err := l.PollStill()
		if err != nil {
			return CaptureRecord{}, err
		}
		if ok {
			return rec, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			l.clearPending()
			return CaptureRecord{}, ctx.Err()
		}
	}
}

// UpdateSetting sends one control to the device and, once accepted,
// records it in the mirrored snapshot. Commands closer together than the
// control delay are spaced out.
func (l *Link) UpdateSetting(name string, value float64) error {
	l.mu.Lock()
	cand, err := l.settings.with(name, value)
	open := l.open
	wait := l.cfg.ControlDelay - time.Since(l.lastCtl)
	l.mu.Unlock()

	if err != nil {
		return err
	}
	if !open {
		return fmt.Errorf("camera: update %s: %w", name, ErrDeviceDisconnected)
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	if err := l.dev.Apply(Control{Name: name, Value: value, Settings: cand}); err != nil {
		return l.fail("update "+name, err)
	}

	l.mu.Lock()
	l.settings = cand
	l.lastCtl = time.Now()
	l.mu.Unlock()

	slog.Info("camera: setting applied", "setting", name, "value", value)
	return nil
}

// SetExposureRegion meters auto-exposure on rect (preview coordinates).
// The region is reapplied after every reconnect.
func (l *Link) SetExposureRegion(rect image.Rectangle) error {
	l.mu.Lock()
	s := l.settings
	open := l.open
	l.region = rect
	l.mu.Unlock()

	if !open || rect.Empty() {
		return nil
	}
	if err := l.dev.Apply(Control{Name: SettingExposureRegion, Region: rect, Settings: s}); err != nil {
		return l.fail("exposure region", err)
	}
	return nil
}

// Reconnect tears the link down and tries to bring it back up to
// maxAttempts times, waiting delay before each attempt. It is
// single-flight: while one call is running, others return false at once.
//
// On success the mirrored settings are reapplied and every OnRestore hook
// runs before Reconnect returns true. On failure the state is left
// Disconnected.
func (l *Link) Reconnect(ctx context.Context, maxAttempts int, delay time.Duration) bool {
	if !l.reconnecting.CompareAndSwap(false, true) {
		slog.Debug("camera: reconnect already in progress")
		return false
	}
	defer l.reconnecting.Store(false)

	if maxAttempts <= 0 {
		maxAttempts = l.cfg.ReconnectAttempts
	}
	if delay <= 0 {
		delay = l.cfg.ReconnectDelay
	}

	l.Disconnect()
	l.setState(Reconnecting)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		l.reconnects.Add(1)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			slog.Info("camera: context cancelled during reconnect")
			l.setState(Disconnected)
			return false
		}

		if err := l.connect(ctx, Reconnecting); err != nil {
			slog.Warn("camera: reconnect attempt failed",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", err,
			)
			continue
		}

		l.runRestoreHooks()
		slog.Info("camera: reconnected", "attempt", attempt)
		return true
	}

	l.setState(Disconnected)
	slog.Error("camera: reconnect failed, giving up for now", "attempts", maxAttempts)
	return false
}

// Reconnecting reports whether a Reconnect call is in flight.
func (l *Link) Reconnecting() bool {
	return l.reconnecting.Load()
}

func (l *Link) runRestoreHooks() {
	l.hooksMu.Lock()
	hooks := append([]func(){}, l.onRestore...)
	l.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
