// Package capture runs the camera loop: frames in, motion detection,
// debounced still triggers, and liveness monitoring.
//
// A Thread is the sole owner of its camera.Link. Everything else talks to
// it through commands (SetROI, UpdateSetting) that are applied between
// iterations, and listens to it through the event bus.
//
// Failure handling inside the loop:
//
//	ErrDeviceDisconnected  → reconnect on the next iteration (never gives up)
//	no frame for StallTimeout → ErrStallDetected, one forced reconnect
//	FailureWarnThreshold consecutive failures → Warning event, no reconnect
//	malformed frame        → logged, skipped
//	panic in an iteration  → recovered, Warning event, loop continues
//
// A Heartbeat event is published every HeartbeatInterval. If heartbeats
// stop, the loop goroutine itself has died.
package capture
