package emitter

import (
	"context"
	"log/slog"

	"github.com/e7canasta/birdbath-sensor/eventbus"
)

// Sink accepts messages for publishing. MQTTEmitter is the production Sink.
type Sink interface {
	Publish(msg Message) error
}

// ForwardKinds are the bus events worth publishing.
var ForwardKinds = []eventbus.Kind{
	eventbus.MotionTriggered,
	eventbus.ConnectionChanged,
	eventbus.Heartbeat,
	eventbus.Warning,
}

// Forward publishes events until ctx is done or events is closed. Publish
// failures are logged and the event is dropped; the broker being down must
// not back up the bus.
func Forward(ctx context.Context, events <-chan eventbus.Event, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, ok := FromEvent(ev)
			if !ok {
				continue
			}
			if err := sink.Publish(msg); err != nil {
				slog.Debug("mqtt: event dropped", "type", msg.Type(), "error", err)
			}
		}
	}
}
