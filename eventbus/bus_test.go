package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/birdbath-sensor/camera"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 4)
	if err := bus.Subscribe("all", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(Event{Kind: FrameReady, Frame: camera.Frame{Seq: 7}})

	select {
	case ev := <-ch:
		if ev.Kind != FrameReady || ev.Frame.Seq != 7 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestKindFilter(t *testing.T) {
	bus := New()
	defer bus.Close()

	motions := make(chan Event, 4)
	bus.Subscribe("motion", motions, MotionTriggered)

	bus.Publish(Event{Kind: FrameReady})
	bus.Publish(Event{Kind: Heartbeat})
	bus.Publish(Event{Kind: MotionTriggered, Record: camera.CaptureRecord{ID: "r1"}})

	select {
	case ev := <-motions:
		if ev.Kind != MotionTriggered || ev.Record.ID != "r1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for motion event")
	}

	select {
	case ev := <-motions:
		t.Errorf("filtered subscriber received %s", ev.Kind)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New()
	defer bus.Close()

	slow := make(chan Event, 1)
	bus.Subscribe("slow", slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Kind: FrameReady, Frame: camera.Frame{Seq: uint64(i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	stats := bus.Stats()
	s := stats.Subscribers["slow"]
	if s.Sent != 1 || s.Dropped != 99 {
		t.Errorf("expected 1 sent / 99 dropped, got %d / %d", s.Sent, s.Dropped)
	}
	if stats.TotalPublished != 100 {
		t.Errorf("expected 100 published, got %d", stats.TotalPublished)
	}

	// The oldest event survives (new ones are dropped).
	if ev := <-slow; ev.Frame.Seq != 0 {
		t.Errorf("expected seq 0 to survive, got %d", ev.Frame.Seq)
	}
}

func TestOnDrop(t *testing.T) {
	var mu sync.Mutex
	var dropped []string
	bus := New(WithOnDrop(func(id string, ev Event) {
		mu.Lock()
		dropped = append(dropped, fmt.Sprintf("%s:%d", id, ev.Frame.Seq))
		mu.Unlock()
	}))
	defer bus.Close()

	full := make(chan Event, 1)
	roomy := make(chan Event, 8)
	bus.Subscribe("full", full)
	bus.Subscribe("roomy", roomy)
	if _, err := bus.SubscribeLatest("latest"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Kind: FrameReady, Frame: camera.Frame{Seq: uint64(i)}})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 2 || dropped[0] != "full:1" || dropped[1] != "full:2" {
		t.Errorf("dropped = %v, want [full:1 full:2]", dropped)
	}
}

func TestSubscribeLatest(t *testing.T) {
	bus := New()
	defer bus.Close()

	latest, err := bus.SubscribeLatest("preview", FrameReady)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := latest.Get(); ok {
		t.Error("expected no event before first publish")
	}

	for i := 1; i <= 5; i++ {
		bus.Publish(Event{Kind: FrameReady, Frame: camera.Frame{Seq: uint64(i)}})
	}
	bus.Publish(Event{Kind: Heartbeat})

	ev, ok := latest.Get()
	if !ok || ev.Frame.Seq != 5 {
		t.Errorf("expected latest seq 5, got %+v (ok=%v)", ev.Frame.Seq, ok)
	}
}

func TestLatestWait(t *testing.T) {
	bus := New()
	defer bus.Close()

	latest, _ := bus.SubscribeLatest("w", FrameReady)

	got := make(chan uint64, 1)
	go func() {
		ev, _, ok := latest.Wait(0)
		if ok {
			got <- ev.Frame.Seq
		}
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(Event{Kind: FrameReady, Frame: camera.Frame{Seq: 42}})

	select {
	case seq := <-got:
		if seq != 42 {
			t.Errorf("expected 42, got %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake")
	}

	// Close releases waiters.
	released := make(chan bool, 1)
	go func() {
		_, _, ok := latest.Wait(100)
		released <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	bus.Unsubscribe("w")

	select {
	case ok := <-released:
		if ok {
			t.Error("expected ok=false after close")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait not released by Unsubscribe")
	}
}

func TestSubscribeErrors(t *testing.T) {
	bus := New()

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{"nil channel", func() error { return bus.Subscribe("a", nil) }, ErrNilChannel},
		{"duplicate", func() error {
			bus.Subscribe("dup", make(chan Event, 1))
			return bus.Subscribe("dup", make(chan Event, 1))
		}, ErrSubscriberExists},
		{"unsubscribe unknown", func() error { return bus.Unsubscribe("nope") }, ErrSubscriberNotFound},
		{"after close", func() error {
			bus.Close()
			return bus.Subscribe("late", make(chan Event, 1))
		}, ErrBusClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	// Publish after Close is a no-op.
	bus.Publish(Event{Kind: FrameReady})
}

func TestConcurrentPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 1000)
	bus.Subscribe("sink", ch)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(Event{Kind: Warning, Warning: WarningInfo{Message: fmt.Sprintf("%d-%d", p, i)}})
			}
		}(p)
	}
	wg.Wait()

	s := bus.Stats().Subscribers["sink"]
	if s.Sent+s.Dropped != 400 {
		t.Errorf("expected 400 deliveries accounted, got %d", s.Sent+s.Dropped)
	}
}
