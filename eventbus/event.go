package eventbus

import (
	"time"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/motion"
)

// Kind identifies the payload an Event carries.
type Kind int

const (
	// FrameReady carries a preview frame.
	FrameReady Kind = iota
	// MotionTriggered carries the motion event and the captured still.
	MotionTriggered
	// ConnectionChanged carries a camera connection transition.
	ConnectionChanged
	// Heartbeat carries capture liveness.
	Heartbeat
	// Warning carries an escalation that did not stop the loop.
	Warning
)

func (k Kind) String() string {
	switch k {
	case FrameReady:
		return "frame_ready"
	case MotionTriggered:
		return "motion_triggered"
	case ConnectionChanged:
		return "connection_changed"
	case Heartbeat:
		return "heartbeat"
	case Warning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is one message on the bus. Only the field matching Kind is set.
type Event struct {
	Kind Kind
	At   time.Time

	Frame      camera.Frame
	Motion     motion.Event
	Record     camera.CaptureRecord
	Connection ConnectionChange
	Heartbeat  HeartbeatInfo
	Warning    WarningInfo
}

// ConnectionChange is the payload of ConnectionChanged.
type ConnectionChange struct {
	From camera.ConnectionState
	To   camera.ConnectionState
}

// HeartbeatInfo is the payload of Heartbeat. If heartbeats stop arriving
// the capture goroutine itself is gone, which is a different failure from
// a stall it reports.
type HeartbeatInfo struct {
	State               string
	Connection          camera.ConnectionState
	ConsecutiveFailures int
	SinceLastFrame      time.Duration
	FPS                 float64
	Frames              uint64
	Stills              uint64
	Reconnects          uint32
}

// Warning codes.
const (
	WarnFrameFailures = "frame_failures"
	WarnStall         = "stall_detected"
	WarnStillTimeout  = "still_timeout"
	WarnPanic         = "panic_recovered"
)

// WarningInfo is the payload of Warning.
type WarningInfo struct {
	Code    string
	Message string
	Count   int
}
