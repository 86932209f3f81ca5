// Package motion implements frame-differencing motion detection over a
// region of interest.
//
// # Overview
//
// A Detector keeps exactly one piece of state between calls: the previous
// blurred ROI. Each call compares the current blurred ROI against it, so
// detection is continuous differencing (frame N vs N-1), not background
// subtraction:
//
//	det := motion.NewDetector(motion.DefaultSettings())
//	roi := motion.ROI{X: 43, Y: 177, Width: 699, Height: 287, BaseWidth: 1920, BaseHeight: 1080}
//
//	for frame := range frames {
//	    ev := det.Detect(frame, roi)
//	    if ev.Detected {
//	        // ev.Regions are in frame coordinates
//	    }
//	}
//
// # Pipeline
//
//	crop(ROI) → grayscale → GaussianBlur → |cur - prev| → threshold →
//	dilate(2) → 8-connected components → filter(area ≥ MinArea)
//
// Grayscale conversion and blur are done with github.com/disintegration/gift.
//
// # Cold Start
//
// The first Detect after NewDetector or Reset always reports Detected=false.
// Callers must Reset whenever the ROI rectangle changes or the camera
// reconnects; otherwise the next diff compares pixels from different
// regions or resolutions.
//
// # ROI Coordinates
//
// An ROI is stored in the base coordinate space of the resolution it was
// drawn at. Detect scales it to the frame's actual size and clamps it to
// the frame bounds before use, so Detect never indexes outside the frame.
package motion
