// Package eventbus carries typed capture events to any number of
// independent consumers.
//
// The capture goroutine publishes FrameReady, MotionTriggered,
// ConnectionChanged, Heartbeat and Warning events. Consumers (the
// identification pipeline, the MQTT emitter, the preview endpoint) each
// subscribe on their own and never reach into the capture loop:
//
//	bus := eventbus.New()
//	motions := make(chan eventbus.Event, 8)
//	bus.Subscribe("identify", motions, eventbus.MotionTriggered)
//
//	preview, _ := bus.SubscribeLatest("http-preview", eventbus.FrameReady)
//	ev, ok := preview.Get()
//
// Publish never blocks the publisher. A channel subscriber whose buffer is
// full loses the new event (counted in Stats as Dropped); a latest-only
// subscriber always holds the most recent event.
package eventbus
