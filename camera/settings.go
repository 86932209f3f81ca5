package camera

import (
	"fmt"
	"image"
	"math"
)

// Setting names accepted by UpdateSetting.
const (
	SettingFocus          = "focus"
	SettingExposure       = "exposure" // milliseconds, sent together with ISO
	SettingISO            = "iso"
	SettingWhiteBalance   = "white_balance"
	SettingSharpness      = "sharpness"
	SettingSaturation     = "saturation"
	SettingContrast       = "contrast"
	SettingBrightness     = "brightness"
	SettingAutoExposure   = "auto_exposure"
	SettingEVCompensation = "ev_compensation"
)

// Settings is the mirrored snapshot of what the device actually accepted.
type Settings struct {
	Focus          int     `yaml:"focus" json:"focus"`
	ExposureMs     float64 `yaml:"exposure_ms" json:"exposure_ms"`
	ISO            int     `yaml:"iso" json:"iso"`
	WhiteBalance   int     `yaml:"white_balance" json:"white_balance"`
	Sharpness      int     `yaml:"sharpness" json:"sharpness"`
	Saturation     int     `yaml:"saturation" json:"saturation"`
	Contrast       int     `yaml:"contrast" json:"contrast"`
	Brightness     int     `yaml:"brightness" json:"brightness"`
	AutoExposure   bool    `yaml:"auto_exposure" json:"auto_exposure"`
	EVCompensation int     `yaml:"ev_compensation" json:"ev_compensation"`
}

// DefaultSettings are the values the bird bath camera ships with.
func DefaultSettings() Settings {
	return Settings{
		Focus:        132,
		ExposureMs:   20,
		ISO:          800,
		WhiteBalance: 6208,
	}
}

// Control is one command sent to a Device. Settings carries the full
// candidate snapshot so drivers can send coupled controls (exposure+ISO)
// in one go.
type Control struct {
	Name     string
	Value    float64
	Settings Settings
	Region   image.Rectangle // only for exposure region metering
}

// SettingExposureRegion meters auto-exposure on a rectangle.
const SettingExposureRegion = "exposure_region"

type settingRange struct {
	min, max float64
}

var settingRanges = map[string]settingRange{
	SettingFocus:          {0, 255},
	SettingExposure:       {0.001, 33},
	SettingISO:            {100, 1600},
	SettingWhiteBalance:   {1000, 12000},
	SettingSharpness:      {0, 4},
	SettingSaturation:     {-10, 10},
	SettingContrast:       {-10, 10},
	SettingBrightness:     {-10, 10},
	SettingAutoExposure:   {0, 1},
	SettingEVCompensation: {-9, 9},
}

// with returns a copy of s with name set to v. Values outside the device
// range are rejected rather than silently clamped.
func (s Settings) with(name string, v float64) (Settings, error) {
	r, ok := settingRanges[name]
	if !ok {
		return s, fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}
	if math.IsNaN(v) || v < r.min || v > r.max {
		return s, fmt.Errorf("camera: %s=%v out of range [%v, %v]", name, v, r.min, r.max)
	}

	switch name {
	case SettingFocus:
		s.Focus = int(v)
	case SettingExposure:
		s.ExposureMs = v
		s.AutoExposure = false
	case SettingISO:
		s.ISO = int(v)
		s.AutoExposure = false
	case SettingWhiteBalance:
		s.WhiteBalance = int(v)
	case SettingSharpness:
		s.Sharpness = int(v)
	case SettingSaturation:
		s.Saturation = int(v)
	case SettingContrast:
		s.Contrast = int(v)
	case SettingBrightness:
		s.Brightness = int(v)
	case SettingAutoExposure:
		s.AutoExposure = v != 0
	case SettingEVCompensation:
		s.EVCompensation = int(v)
	}
	return s, nil
}

// Controls expands s into the commands that restore it on a fresh device.
func (s Settings) Controls() []Control {
	ctl := []Control{
		{Name: SettingFocus, Value: float64(s.Focus)},
		{Name: SettingWhiteBalance, Value: float64(s.WhiteBalance)},
		{Name: SettingSharpness, Value: float64(s.Sharpness)},
		{Name: SettingSaturation, Value: float64(s.Saturation)},
		{Name: SettingContrast, Value: float64(s.Contrast)},
		{Name: SettingBrightness, Value: float64(s.Brightness)},
	}
	if s.AutoExposure {
		ctl = append(ctl,
			Control{Name: SettingAutoExposure, Value: 1},
			Control{Name: SettingEVCompensation, Value: float64(s.EVCompensation)},
		)
	} else {
		ctl = append(ctl, Control{Name: SettingExposure, Value: s.ExposureMs})
	}
	for i := range ctl {
		ctl[i].Settings = s
	}
	return ctl
}
