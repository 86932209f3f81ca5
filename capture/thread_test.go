package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/eventbus"
	"github.com/e7canasta/birdbath-sensor/internal/layout"
	"github.com/e7canasta/birdbath-sensor/motion"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// flickerScene alternates a bright left half so every frame differs from
// the one before it.
func flickerScene(seq uint64, w, h int, rgb []byte) {
	if seq%2 == 0 {
		return
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			i := (y*w + x) * 3
			rgb[i], rgb[i+1], rgb[i+2] = 255, 255, 255
		}
	}
}

type harness struct {
	dev    *camera.MockDevice
	link   *camera.Link
	bus    *eventbus.Bus
	clock  *fakeClock
	thread *Thread
	events chan eventbus.Event
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	dev := camera.NewMockDevice(64, 48, 64, 48)
	lcfg := camera.DefaultConfig()
	lcfg.Stills = camera.StillWriter{Layout: layout.New(t.TempDir())}
	lcfg.ControlDelay = time.Millisecond
	link, err := camera.NewLink(dev, lcfg)
	if err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	events := make(chan eventbus.Event, 4096)
	if err := bus.Subscribe("test", events); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.FrameTimeout = time.Millisecond
	cfg.ReconnectDelay = time.Millisecond
	cfg.ReconnectAttempts = 2
	if mutate != nil {
		mutate(&cfg)
	}

	clock := newFakeClock()
	th, err := New(link, bus, cfg, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	return &harness{dev: dev, link: link, bus: bus, clock: clock, thread: th, events: events}
}

func (h *harness) drain(kind eventbus.Kind) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, eventbus.New(), Config{}); err == nil {
		t.Error("expected error for nil link")
	}
}

func TestStep_ConnectsThenStreams(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.thread.step(ctx)
	if h.thread.State() != Running || !h.link.IsConnected() {
		t.Fatalf("expected Running/connected after first step, got %s", h.thread.State())
	}

	for i := 0; i < 3; i++ {
		h.clock.Advance(100 * time.Millisecond)
		h.thread.step(ctx)
	}

	if frames := h.drain(eventbus.FrameReady); len(frames) != 3 {
		t.Errorf("expected 3 FrameReady events, got %d", len(frames))
	}
	if s := h.thread.Stats(); s.Frames != 3 || s.ConsecutiveFailures != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestStep_ConnectFailureNeverGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetOpenError(errors.New("usb device not found"))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if d := h.thread.step(ctx); d != h.thread.cfg.RetryInterval {
			t.Fatalf("expected retry interval pause, got %s", d)
		}
	}
	if h.dev.Opens() != 4 {
		t.Errorf("expected 4 connect attempts, got %d", h.dev.Opens())
	}

	h.dev.SetOpenError(nil)
	h.thread.step(ctx)
	if h.thread.State() != Running {
		t.Errorf("expected Running once the camera appears, got %s", h.thread.State())
	}
}

func TestStep_StallForcesExactlyOneReconnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.thread.step(ctx) // connect
	h.clock.Advance(time.Second)
	h.thread.step(ctx) // one good frame

	connectsBefore := h.link.Stats().Connects
	h.dev.SetStalled(true)

	for i := 0; i < 20; i++ {
		h.clock.Advance(time.Second)
		h.thread.step(ctx)
	}

	if got := h.link.Stats().Connects - connectsBefore; got != 1 {
		t.Errorf("expected exactly 1 reconnect for a 20s stall, got %d", got)
	}
	if s := h.thread.Stats(); s.Stalls != 1 {
		t.Errorf("expected 1 stall, got %d", s.Stalls)
	}

	stallWarnings := 0
	for _, ev := range h.drain(eventbus.Warning) {
		if ev.Warning.Code == eventbus.WarnStall {
			stallWarnings++
		}
	}
	if stallWarnings != 1 {
		t.Errorf("expected 1 stall warning, got %d", stallWarnings)
	}
}

func TestStep_FailuresWarnWithoutReconnect(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FailureWarnThreshold = 5 })
	ctx := context.Background()
	h.thread.step(ctx)

	connectsBefore := h.link.Stats().Connects
	for i := 0; i < 7; i++ {
		h.dev.FailFrames(errors.New("decoder hiccup"))
	}
	for i := 0; i < 7; i++ {
		h.clock.Advance(100 * time.Millisecond)
		if d := h.thread.step(ctx); d != h.thread.cfg.ErrorDelay {
			t.Fatalf("expected error pause, got %s", d)
		}
	}

	warnings := h.drain(eventbus.Warning)
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %d", len(warnings))
	}
	if warnings[0].Warning.Code != eventbus.WarnFrameFailures || warnings[0].Warning.Count != 5 {
		t.Errorf("unexpected warning: %+v", warnings[0].Warning)
	}
	if h.link.Stats().Connects != connectsBefore {
		t.Error("frame failures must not force a reconnect")
	}

	// A good frame resets the counter.
	h.thread.step(ctx)
	if s := h.thread.Stats(); s.ConsecutiveFailures != 0 {
		t.Errorf("expected failures reset, got %d", s.ConsecutiveFailures)
	}
}

func TestStep_DisconnectTakesReconnectBranch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.thread.step(ctx)

	h.dev.FailFrames(errors.New("Couldn't read data from stream: 'preview' (X_LINK_ERROR)"))
	h.thread.step(ctx)
	if h.link.IsConnected() {
		t.Fatal("link should be down after a link error")
	}

	h.thread.step(ctx)
	if !h.link.IsConnected() || h.thread.State() != Running {
		t.Fatalf("expected reconnect on next iteration, state=%s", h.thread.State())
	}

	var sawReconnecting bool
	for _, ev := range h.drain(eventbus.ConnectionChanged) {
		if ev.Connection.To == camera.Reconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Error("expected a ConnectionChanged event to Reconnecting")
	}
}

func TestStep_DebounceWindow(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Debounce = 5 * time.Second })
	h.dev.SetScene(flickerScene)
	ctx := context.Background()

	h.thread.step(ctx) // connect
	for i := 0; i < 13; i++ {
		h.clock.Advance(time.Second)
		h.thread.step(ctx)
	}

	// Detections on every frame from t=2s; accepted at 2, 7 and 12.
	s := h.thread.Stats()
	if s.Triggers != 3 {
		t.Errorf("expected 3 accepted triggers, got %d", s.Triggers)
	}
	if s.Debounced != 9 {
		t.Errorf("expected 9 debounced triggers, got %d", s.Debounced)
	}

	motions := h.drain(eventbus.MotionTriggered)
	if uint64(len(motions)) != s.Stills || len(motions) == 0 {
		t.Fatalf("expected one MotionTriggered per still, got %d events / %d stills", len(motions), s.Stills)
	}
	for i := 1; i < len(motions); i++ {
		gap := motions[i].Record.CapturedAt.Sub(motions[i-1].Record.CapturedAt)
		if gap < 0 {
			t.Errorf("stills out of order: %v", gap)
		}
	}
	for _, ev := range motions {
		if !ev.Motion.Detected || ev.Record.Path == "" {
			t.Errorf("incomplete MotionTriggered event: %+v", ev)
		}
	}
}

func TestStep_Heartbeat(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = 30 * time.Second })
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		h.thread.step(ctx)
		h.clock.Advance(10 * time.Second)
	}

	beats := h.drain(eventbus.Heartbeat)
	if len(beats) != 3 {
		t.Fatalf("expected 3 heartbeats over 60s, got %d", len(beats))
	}
	last := beats[len(beats)-1].Heartbeat
	if last.State != Running.String() || last.Connection != camera.Connected {
		t.Errorf("unexpected heartbeat state: %+v", last)
	}
	if last.SinceLastFrame != 10*time.Second {
		t.Errorf("expected 10s since last frame, got %s", last.SinceLastFrame)
	}
}

func TestStep_PanicIsContained(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.thread.step(ctx)

	h.dev.SetScene(func(uint64, int, int, []byte) { panic("scene exploded") })
	if d := h.thread.step(ctx); d != h.thread.cfg.ErrorDelay {
		t.Errorf("expected error pause after panic, got %s", d)
	}

	warnings := h.drain(eventbus.Warning)
	if len(warnings) != 1 || warnings[0].Warning.Code != eventbus.WarnPanic {
		t.Fatalf("expected a panic warning, got %+v", warnings)
	}

	h.dev.SetScene(camera.BlankScene)
	h.thread.step(ctx)
	if h.thread.Stats().Frames == 0 {
		t.Error("loop should keep producing frames after a panic")
	}
}

func TestStep_SetROIAppliedBetweenIterations(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetScene(flickerScene)
	ctx := context.Background()

	h.thread.step(ctx)
	h.clock.Advance(time.Second)
	h.thread.step(ctx)

	// Post the command from another goroutine; step drains it.
	errCh := make(chan error, 1)
	h.thread.started.Store(true)
	go func() {
		errCh <- h.thread.SetROI(ctx, motion.ROI{X: 0, Y: 0, Width: 32, Height: 48, BaseWidth: 64, BaseHeight: 48})
	}()

	deadline := time.After(2 * time.Second)
	for {
		h.clock.Advance(10 * time.Second)
		h.thread.step(ctx)
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("SetROI failed: %v", err)
			}
			if got := h.thread.ROI(); got.Width != 32 {
				t.Errorf("roi not applied: %s", got)
			}
			return
		case <-deadline:
			t.Fatal("SetROI never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestThread_StartStop(t *testing.T) {
	dev := camera.NewMockDevice(64, 48, 64, 48)
	lcfg := camera.DefaultConfig()
	lcfg.Stills = camera.StillWriter{Layout: layout.New(t.TempDir())}
	lcfg.ControlDelay = time.Millisecond
	link, err := camera.NewLink(dev, lcfg)
	if err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	defer bus.Close()
	frames := make(chan eventbus.Event, 64)
	bus.Subscribe("frames", frames, eventbus.FrameReady)

	cfg := DefaultConfig()
	cfg.FrameDelay = time.Millisecond
	cfg.FrameTimeout = 10 * time.Millisecond
	th, err := New(link, bus, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := th.UpdateSetting(ctx, camera.SettingFocus, 90); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning before Start, got %v", err)
	}

	if err := th.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := th.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
	}

	if err := th.UpdateSetting(ctx, camera.SettingFocus, 90); err != nil {
		t.Fatalf("UpdateSetting failed: %v", err)
	}
	if link.Settings().Focus != 90 {
		t.Errorf("focus not applied: %d", link.Settings().Focus)
	}
	if err := th.UpdateSetting(ctx, "zoom", 1); !errors.Is(err, camera.ErrUnknownSetting) {
		t.Errorf("expected ErrUnknownSetting, got %v", err)
	}

	th.Stop()

	select {
	case <-th.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if th.State() != Stopped {
		t.Errorf("expected Stopped, got %s", th.State())
	}
	if link.IsConnected() {
		t.Error("Stop should disconnect the camera")
	}
	if err := th.UpdateSetting(ctx, camera.SettingFocus, 10); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after Stop, got %v", err)
	}
}
