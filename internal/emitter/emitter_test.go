package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/eventbus"
	"github.com/e7canasta/birdbath-sensor/identify"
	"github.com/e7canasta/birdbath-sensor/internal/config"
	"github.com/e7canasta/birdbath-sensor/motion"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods not overridden panic via the nil
// embedded interface.
type fakeClient struct {
	mqtt.Client
	mu        sync.Mutex
	connected bool
	failWith  error
	sent      []published
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return doneToken{err: c.failWith}
	}
	c.sent = append(c.sent, published{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func (c *fakeClient) Sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.sent...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("instance_id: bath-1\nmqtt: {broker: localhost:1883}\n"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestFromEvent(t *testing.T) {
	at := time.Date(2025, 5, 1, 7, 30, 0, 0, time.UTC)
	tests := []struct {
		name     string
		ev       eventbus.Event
		wantType string
		skip     bool
	}{
		{"frame skipped", eventbus.Event{Kind: eventbus.FrameReady}, "", true},
		{"motion", eventbus.Event{
			Kind:   eventbus.MotionTriggered,
			At:     at,
			Motion: motion.Event{Detected: true},
			Record: camera.CaptureRecord{ID: "abc", Path: "/c/x.jpeg", Settings: camera.DefaultSettings()},
		}, "motion", false},
		{"connection", eventbus.Event{
			Kind:       eventbus.ConnectionChanged,
			Connection: eventbus.ConnectionChange{From: camera.Connected, To: camera.Reconnecting},
		}, "connection", false},
		{"heartbeat", eventbus.Event{Kind: eventbus.Heartbeat}, "heartbeat", false},
		{"warning", eventbus.Event{Kind: eventbus.Warning, Warning: eventbus.WarningInfo{Code: eventbus.WarnStall}}, "warning", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := FromEvent(tt.ev)
			if ok == tt.skip {
				t.Fatalf("ok = %v", ok)
			}
			if tt.skip {
				return
			}
			if msg.Type() != tt.wantType {
				t.Errorf("type = %q, want %q", msg.Type(), tt.wantType)
			}
		})
	}

	msg, _ := FromEvent(eventbus.Event{
		Kind:   eventbus.MotionTriggered,
		Record: camera.CaptureRecord{ID: "abc", Settings: camera.Settings{ExposureMs: 20, ISO: 800, Focus: 132}},
	})
	m := msg.(MotionMessage)
	if m.CaptureID != "abc" || m.ISO != 800 || m.ExposureMs != 20 {
		t.Errorf("motion message = %+v", m)
	}
}

func TestNewIdentificationMessage(t *testing.T) {
	at := time.Now()
	limited := NewIdentificationMessage(identify.Outcome{Verdict: identify.RateLimited, Path: "p", Wait: 90 * time.Second}, at)
	if limited.Verdict != "rate_limited" || limited.RetryInSeconds != 90 || limited.CommonName != "" {
		t.Errorf("rate limited message = %+v", limited)
	}

	named := NewIdentificationMessage(identify.Outcome{
		Verdict: identify.Identified,
		Identification: identify.Identification{
			CommonName:     "American Robin",
			ScientificName: "Turdus migratorius",
			Confidence:     0.9,
			Rare:           true,
			Sightings:      1,
		},
	}, at)
	if named.ScientificName != "Turdus migratorius" || !named.Rare || named.Sightings != 1 || !named.Timestamp.Equal(at) {
		t.Errorf("identified message = %+v", named)
	}
}

func TestMQTTEmitter_Publish(t *testing.T) {
	cfg := testConfig(t)
	client := &fakeClient{connected: true}
	e := NewWithClient(cfg, client)

	if err := e.Publish(WarningMessage{Code: "stall_detected", Count: 2}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := e.Publish(NewIdentificationMessage(identify.Outcome{Verdict: identify.NotABird}, time.Now())); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	sent := client.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages", len(sent))
	}
	if sent[0].topic != "birdbath/events/bath-1/warning" || sent[0].qos != 0 {
		t.Errorf("warning went to %s qos %d", sent[0].topic, sent[0].qos)
	}
	if sent[1].topic != "birdbath/events/bath-1/identification" || sent[1].qos != 1 {
		t.Errorf("identification went to %s qos %d", sent[1].topic, sent[1].qos)
	}

	var env struct {
		Type       string         `json:"type"`
		InstanceID string         `json:"instance_id"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(sent[0].payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "warning" || env.InstanceID != "bath-1" || env.Data["code"] != "stall_detected" {
		t.Errorf("envelope = %+v", env)
	}

	if s := e.Stats(); s.Published["birdbath/events/bath-1/warning"] != 1 || s.Errors != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestMQTTEmitter_Errors(t *testing.T) {
	cfg := testConfig(t)

	offline := NewWithClient(cfg, &fakeClient{})
	if err := offline.Publish(WarningMessage{}); err == nil {
		t.Error("publish while disconnected should fail")
	}

	broken := NewWithClient(cfg, &fakeClient{connected: true, failWith: errors.New("broker said no")})
	if err := broken.PublishHealth([]byte(`{}`)); err == nil {
		t.Error("expected token error")
	}
	if broken.Stats().Errors != 1 {
		t.Errorf("errors = %d", broken.Stats().Errors)
	}
}

func TestMQTTEmitter_HealthIsRetained(t *testing.T) {
	client := &fakeClient{connected: true}
	e := NewWithClient(testConfig(t), client)
	if err := e.PublishHealth([]byte(`{"status":"healthy"}`)); err != nil {
		t.Fatal(err)
	}
	if sent := client.Sent(); len(sent) != 1 || !sent[0].retained || sent[0].topic != "birdbath/health/bath-1" {
		t.Errorf("health publish = %+v", sent)
	}

	e.Disconnect()
	if e.IsConnected() {
		t.Error("still connected after Disconnect")
	}
}

type recordingSink struct {
	msgs chan Message
	err  error
}

func (s *recordingSink) Publish(msg Message) error {
	s.msgs <- msg
	return s.err
}

func TestForward(t *testing.T) {
	events := make(chan eventbus.Event, 4)
	sink := &recordingSink{msgs: make(chan Message, 4), err: errors.New("offline")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Forward(ctx, events, sink)
		close(done)
	}()

	events <- eventbus.Event{Kind: eventbus.FrameReady}
	events <- eventbus.Event{Kind: eventbus.Warning}
	events <- eventbus.Event{Kind: eventbus.Heartbeat}

	for _, want := range []string{"warning", "heartbeat"} {
		select {
		case msg := <-sink.msgs:
			if msg.Type() != want {
				t.Errorf("got %s, want %s", msg.Type(), want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return when events closed")
	}
}
