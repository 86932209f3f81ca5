// Package camera owns the physical camera: connection lifecycle, preview
// frames, still captures and device settings.
//
// # Device and Link
//
// A Device is a thin driver (V4L2Device for real hardware, MockDevice for
// tests and --mock runs). A Link wraps one Device and is the only thing the
// rest of the module talks to:
//
//	dev, _ := camera.NewV4L2Device(camera.V4L2Config{
//	    DevicePath: "/dev/video0",
//	    Preview:    camera.Res400p,
//	    Still:      camera.Res1080p,
//	})
//	link, _ := camera.NewLink(dev, camera.Config{
//	    Stills: camera.StillWriter{Layout: layout.New("/var/lib/birdbath"), Overlay: true},
//	})
//	if err := link.Connect(ctx); err != nil { ... }
//
// # Errors
//
// Drivers report failures as free-form errors. The Link classifies each one
// exactly once: anything that means the transport is gone comes back
// wrapping ErrDeviceDisconnected, and the handle is invalidated so later
// calls fail fast instead of blocking on a dead device. Callers only ever
// use errors.Is.
//
// # Stills
//
// Still capture is two-phase. RequestStill arms the capture and returns at
// once; PollStill collects it (ok=false while in flight). The preview keeps
// flowing in between. Stills are written as JPEG under
// <root>/<YYYY-MM-DD>/unidentified/motion_<unix>.jpeg.
//
// # Settings
//
// Settings() is a mirror of what the device accepted. UpdateSetting only
// changes the mirror after the device takes the command, and commands are
// spaced by Config.ControlDelay. After a successful Reconnect the mirror
// and the exposure region are pushed back to the new handle.
//
// # Reconnection
//
// Reconnect is single-flight. A second call while one is running returns
// false immediately without touching the device.
package camera
