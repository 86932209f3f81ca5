package camera

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/birdbath-sensor/internal/layout"
)

func newTestLink(t *testing.T) (*Link, *MockDevice) {
	t.Helper()

	dev := NewMockDevice(64, 48, 128, 96)
	cfg := DefaultConfig()
	cfg.Stills = StillWriter{Layout: layout.New(t.TempDir()), Quality: 80}
	cfg.ControlDelay = time.Millisecond
	cfg.StillTimeout = 200 * time.Millisecond

	link, err := NewLink(dev, cfg)
	if err != nil {
		t.Fatalf("NewLink failed: %v", err)
	}
	return link, dev
}

func TestNewLink_Validation(t *testing.T) {
	if _, err := NewLink(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil device")
	}
	if _, err := NewLink(NewMockDevice(1, 1, 1, 1), DefaultConfig()); err == nil {
		t.Error("expected error for missing still directory")
	}
}

func TestLink_ConnectAndGetFrame(t *testing.T) {
	link, dev := newTestLink(t)

	if _, err := link.GetFrame(10 * time.Millisecond); !errors.Is(err, ErrDeviceDisconnected) {
		t.Fatalf("GetFrame before Connect should fail fast with disconnect, got %v", err)
	}

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !link.IsConnected() || link.State() != Connected {
		t.Fatalf("expected connected, got %s", link.State())
	}

	f, err := link.GetFrame(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("GetFrame failed: %v", err)
	}
	if f.Origin != OriginPreview || f.Width != 64 || f.Height != 48 {
		t.Errorf("unexpected frame: origin=%s %dx%d", f.Origin, f.Width, f.Height)
	}

	// Initial settings are pushed to the device on connect.
	if len(dev.Applied()) == 0 {
		t.Error("expected settings to be applied on connect")
	}
}

func TestLink_ConnectFailure(t *testing.T) {
	link, dev := newTestLink(t)
	dev.SetOpenError(errors.New("No available devices (usb)"))

	err := link.Connect(context.Background())
	if !errors.Is(err, ErrDeviceDisconnected) {
		t.Fatalf("expected translated disconnect, got %v", err)
	}
	if link.State() != Disconnected {
		t.Errorf("expected Disconnected, got %s", link.State())
	}
}

func TestLink_LinkErrorInvalidatesHandle(t *testing.T) {
	link, dev := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	dev.FailFrames(errors.New("Couldn't read data from stream: 'preview' (X_LINK_ERROR)"))

	_, err := link.GetFrame(10 * time.Millisecond)
	if !errors.Is(err, ErrDeviceDisconnected) {
		t.Fatalf("expected ErrDeviceDisconnected, got %v", err)
	}
	if link.IsConnected() {
		t.Error("link should be marked disconnected")
	}
	if dev.Closes() != 1 {
		t.Errorf("expected device handle to be closed once, got %d", dev.Closes())
	}

	// Subsequent calls fail fast without touching the device.
	start := time.Now()
	if _, err := link.GetFrame(time.Second); !errors.Is(err, ErrDeviceDisconnected) {
		t.Errorf("expected fail-fast disconnect, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("GetFrame on a dead link should not block")
	}
}

func TestLink_NonLinkErrorKeepsConnection(t *testing.T) {
	link, dev := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	dev.FailFrames(errors.New("decoder hiccup"))
	if _, err := link.GetFrame(10 * time.Millisecond); err == nil || errors.Is(err, ErrDeviceDisconnected) {
		t.Fatalf("expected a plain error, got %v", err)
	}
	if !link.IsConnected() {
		t.Error("a non-link error must not drop the connection")
	}
}

func TestLink_UpdateSettingMirrorsAppliedValue(t *testing.T) {
	link, dev := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		value float64
		check func(Settings) bool
	}{
		{SettingFocus, 140, func(s Settings) bool { return s.Focus == 140 }},
		{SettingExposure, 12.5, func(s Settings) bool { return s.ExposureMs == 12.5 && !s.AutoExposure }},
		{SettingISO, 400, func(s Settings) bool { return s.ISO == 400 }},
		{SettingEVCompensation, -2, func(s Settings) bool { return s.EVCompensation == -2 }},
		{SettingAutoExposure, 1, func(s Settings) bool { return s.AutoExposure }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := link.UpdateSetting(tt.name, tt.value); err != nil {
				t.Fatalf("UpdateSetting failed: %v", err)
			}
			if !tt.check(link.Settings()) {
				t.Errorf("mirror not updated: %+v", link.Settings())
			}
		})
	}

	applied := dev.Applied()
	last := applied[len(applied)-1]
	if last.Name != SettingAutoExposure || !last.Settings.AutoExposure {
		t.Errorf("device did not receive the last control: %+v", last)
	}
}

func TestLink_UpdateSettingRejected(t *testing.T) {
	link, dev := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := link.Settings()

	if err := link.UpdateSetting("zoom", 2); !errors.Is(err, ErrUnknownSetting) {
		t.Errorf("expected ErrUnknownSetting, got %v", err)
	}
	if err := link.UpdateSetting(SettingISO, 99999); err == nil {
		t.Error("expected out-of-range error")
	}

	dev.SetApplyError(errors.New("control rejected"))
	if err := link.UpdateSetting(SettingFocus, 10); err == nil {
		t.Error("expected device error")
	}

	if link.Settings() != before {
		t.Errorf("mirror changed on failure: %+v", link.Settings())
	}
}

func TestLink_ReconnectSingleFlight(t *testing.T) {
	link, dev := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	opensBefore := dev.Opens()

	release := dev.GateOpen()
	defer release()

	first := make(chan bool, 1)
	go func() {
		first <- link.Reconnect(context.Background(), 1, time.Millisecond)
	}()

	deadline := time.After(2 * time.Second)
	for dev.Opens() == opensBefore {
		select {
		case <-deadline:
			t.Fatal("first reconnect never reached Open")
		case <-time.After(time.Millisecond):
		}
	}

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- link.Reconnect(context.Background(), 3, time.Millisecond)
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r {
			t.Error("overlapping Reconnect returned true")
		}
	}

	release()
	select {
	case ok := <-first:
		if !ok {
			t.Fatal("first Reconnect should succeed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Reconnect did not finish")
	}

	if got := dev.Opens() - opensBefore; got != 1 {
		t.Errorf("expected exactly one device connect sequence, got %d", got)
	}
}

func TestLink_ReconnectRunsRestore(t *testing.T) {
	link, dev := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := link.UpdateSetting(SettingFocus, 77); err != nil {
		t.Fatal(err)
	}
	if err := link.SetExposureRegion(image.Rect(1, 2, 30, 40)); err != nil {
		t.Fatal(err)
	}

	restored := 0
	link.OnRestore(func() { restored++ })

	appliedBefore := len(dev.Applied())
	if !link.Reconnect(context.Background(), 2, time.Millisecond) {
		t.Fatal("Reconnect failed")
	}
	if restored != 1 {
		t.Errorf("expected one restore hook call, got %d", restored)
	}

	var sawFocus, sawRegion bool
	for _, ctl := range dev.Applied()[appliedBefore:] {
		if ctl.Name == SettingFocus && ctl.Value == 77 {
			sawFocus = true
		}
		if ctl.Name == SettingExposureRegion && ctl.Region == image.Rect(1, 2, 30, 40) {
			sawRegion = true
		}
	}
	if !sawFocus || !sawRegion {
		t.Errorf("settings not reapplied after reconnect (focus=%v region=%v)", sawFocus, sawRegion)
	}
}

func TestLink_ReconnectExhausted(t *testing.T) {
	link, dev := newTestLink(t)
	dev.SetOpenError(errors.New("usb device not found"))

	var states []ConnectionState
	var mu sync.Mutex
	link.OnStateChange(func(_, s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if link.Reconnect(context.Background(), 3, time.Millisecond) {
		t.Fatal("Reconnect should fail")
	}
	if dev.Opens() != 3 {
		t.Errorf("expected 3 attempts, got %d", dev.Opens())
	}
	if link.State() != Disconnected {
		t.Errorf("expected Disconnected, got %s", link.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[0] != Reconnecting {
		t.Errorf("expected Reconnecting transition first, got %v", states)
	}
}

func TestLink_ReconnectCancelled(t *testing.T) {
	link, _ := newTestLink(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if link.Reconnect(ctx, 3, time.Hour) {
		t.Fatal("Reconnect should return false when cancelled")
	}
}

func TestLink_StillTwoPhase(t *testing.T) {
	link, dev := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev.SetStillDelay(30 * time.Millisecond)

	if err := link.RequestStill(); err != nil {
		t.Fatalf("RequestStill failed: %v", err)
	}
	if err := link.RequestStill(); !errors.Is(err, ErrStillPending) {
		t.Errorf("expected ErrStillPending, got %v", err)
	}

	// Preview keeps flowing while the still is in flight.
	if _, ok, err := link.PollStill(); ok || err != nil {
		t.Fatalf("still should not be ready yet (ok=%v err=%v)", ok, err)
	}
	if _, err := link.GetFrame(10 * time.Millisecond); err != nil {
		t.Fatalf("preview blocked by pending still: %v", err)
	}

	var rec CaptureRecord
	deadline := time.After(time.Second)
	for {
		r, ok, err := link.PollStill()
		if err != nil {
			t.Fatalf("PollStill failed: %v", err)
		}
		if ok {
			rec = r
			break
		}
		select {
		case <-deadline:
			t.Fatal("still never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if rec.ID == "" || rec.Path == "" {
		t.Fatalf("incomplete record: %+v", rec)
	}
	if _, err := os.Stat(rec.Path); err != nil {
		t.Errorf("still not on disk: %v", err)
	}
	if rec.Settings != link.Settings() {
		t.Errorf("record settings %+v differ from mirror %+v", rec.Settings, link.Settings())
	}
}

func TestLink_StillTimeout(t *testing.T) {
	link, dev := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev.SetStillDelay(time.Hour)

	if err := link.RequestStill(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)

	if _, _, err := link.PollStill(); !errors.Is(err, ErrStillTimeout) {
		t.Fatalf("expected ErrStillTimeout, got %v", err)
	}
	if link.StillPending() {
		t.Error("timed-out still should no longer be pending")
	}
}

func TestLink_CaptureStill(t *testing.T) {
	link, _ := newTestLink(t)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rec, err := link.CaptureStill(ctx)
	if err != nil {
		t.Fatalf("CaptureStill failed: %v", err)
	}
	if rec.CapturedAt.IsZero() {
		t.Error("CapturedAt not set")
	}
}
