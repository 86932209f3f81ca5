package gstdev

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedControl is returned for controls V4L2 cannot express.
var ErrUnsupportedControl = errors.New("gstdev: control not supported")

// V4L2 auto_exposure menu values.
const (
	exposureManual           = 1
	exposureAperturePriority = 3
)

// v4l2Controls maps a named setting to the V4L2 control values that
// implement it. Exposure is expressed in 100µs units as V4L2 expects.
func v4l2Controls(name string, value float64, autoExposure bool) (map[string]int, error) {
	switch name {
	case "focus":
		return map[string]int{"focus_automatic_continuous": 0, "focus_absolute": int(value)}, nil
	case "exposure":
		return map[string]int{"auto_exposure": exposureManual, "exposure_time_absolute": int(value * 10)}, nil
	case "iso":
		// UVC has no ISO control; gain is its analogue on 0-255.
		return map[string]int{"auto_exposure": exposureManual, "gain": isoToGain(value)}, nil
	case "white_balance":
		return map[string]int{"white_balance_automatic": 0, "white_balance_temperature": int(value)}, nil
	case "sharpness", "saturation", "contrast", "brightness":
		return map[string]int{name: int(value)}, nil
	case "auto_exposure":
		if value != 0 {
			return map[string]int{"auto_exposure": exposureAperturePriority}, nil
		}
		return map[string]int{"auto_exposure": exposureManual}, nil
	case "ev_compensation":
		if !autoExposure {
			return nil, fmt.Errorf("%w: ev_compensation needs auto exposure", ErrUnsupportedControl)
		}
		return map[string]int{"auto_exposure_bias": int(value)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedControl, name)
}

func isoToGain(iso float64) int {
	g := int((iso - 100) * 255 / 1500)
	if g < 0 {
		return 0
	}
	if g > 255 {
		return 255
	}
	return g
}

// controlString renders controls as a GstStructure string for v4l2src's
// extra-controls property. Keys are sorted so output is deterministic.
func controlString(ctls map[string]int) string {
	keys := make([]string, 0, len(ctls))
	for k := range ctls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("controls")
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=(int)%d", k, ctls[k])
	}
	return b.String()
}
