package emitter

import (
	"encoding/json"
	"time"

	"github.com/e7canasta/birdbath-sensor/eventbus"
	"github.com/e7canasta/birdbath-sensor/identify"
)

// Message is anything published under the events topic. Type is the last
// topic segment and the QoS key.
type Message interface {
	Type() string
}

// Encode marshals a message with its type and instance attached.
func Encode(instanceID string, msg Message) ([]byte, error) {
	return json.Marshal(envelope{
		Type:       msg.Type(),
		InstanceID: instanceID,
		Data:       msg,
	})
}

type envelope struct {
	Type       string  `json:"type"`
	InstanceID string  `json:"instance_id"`
	Data       Message `json:"data"`
}

// MotionMessage announces a still captured on motion.
type MotionMessage struct {
	Timestamp  time.Time `json:"timestamp"`
	CaptureID  string    `json:"capture_id"`
	Path       string    `json:"path"`
	Regions    int       `json:"regions"`
	ExposureMs float64   `json:"exposure_ms"`
	ISO        int       `json:"iso"`
	Focus      int       `json:"focus"`
}

func (MotionMessage) Type() string { return "motion" }

// IdentificationMessage reports a classification outcome.
type IdentificationMessage struct {
	Timestamp          time.Time `json:"timestamp"`
	Verdict            string    `json:"verdict"`
	Path               string    `json:"path"`
	CommonName         string    `json:"species_common,omitempty"`
	ScientificName     string    `json:"species_scientific,omitempty"`
	Confidence         float64   `json:"confidence,omitempty"`
	Behavior           string    `json:"behavior,omitempty"`
	ConservationStatus string    `json:"conservation_status,omitempty"`
	FunFact            string    `json:"fun_fact,omitempty"`
	Rare               bool      `json:"rare,omitempty"`
	Sightings          int       `json:"sightings,omitempty"`
	RetryInSeconds     float64   `json:"retry_in_s,omitempty"`
}

func (IdentificationMessage) Type() string { return "identification" }

// NewIdentificationMessage flattens an Outcome for publishing.
func NewIdentificationMessage(out identify.Outcome, at time.Time) IdentificationMessage {
	msg := IdentificationMessage{
		Timestamp: at,
		Verdict:   out.Verdict.String(),
		Path:      out.Path,
	}
	if out.Verdict == identify.RateLimited {
		msg.RetryInSeconds = out.Wait.Seconds()
	}
	if out.Verdict == identify.Identified {
		id := out.Identification
		if !id.Timestamp.IsZero() {
			msg.Timestamp = id.Timestamp
		}
		msg.CommonName = id.CommonName
		msg.ScientificName = id.ScientificName
		msg.Confidence = id.Confidence
		msg.Behavior = id.Behavior
		msg.ConservationStatus = id.ConservationStatus
		msg.FunFact = id.FunFact
		msg.Rare = id.Rare
		msg.Sightings = id.Sightings
	}
	return msg
}

// ConnectionMessage reports a camera connection transition.
type ConnectionMessage struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

func (ConnectionMessage) Type() string { return "connection" }

// HeartbeatMessage carries capture liveness.
type HeartbeatMessage struct {
	Timestamp           time.Time `json:"timestamp"`
	State               string    `json:"state"`
	Connection          string    `json:"connection"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SinceLastFrameS     float64   `json:"since_last_frame_s"`
	FPS                 float64   `json:"fps"`
	Frames              uint64    `json:"frames"`
	Stills              uint64    `json:"stills"`
	Reconnects          uint32    `json:"reconnects"`
}

func (HeartbeatMessage) Type() string { return "heartbeat" }

// WarningMessage carries a capture loop escalation.
type WarningMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
}

func (WarningMessage) Type() string { return "warning" }

// FromEvent converts a bus event. Preview frames are not published.
func FromEvent(ev eventbus.Event) (Message, bool) {
	switch ev.Kind {
	case eventbus.MotionTriggered:
		return MotionMessage{
			Timestamp:  ev.At,
			CaptureID:  ev.Record.ID,
			Path:       ev.Record.Path,
			Regions:    len(ev.Motion.Regions),
			ExposureMs: ev.Record.Settings.ExposureMs,
			ISO:        ev.Record.Settings.ISO,
			Focus:      ev.Record.Settings.Focus,
		}, true
	case eventbus.ConnectionChanged:
		return ConnectionMessage{
			Timestamp: ev.At,
			From:      ev.Connection.From.String(),
			To:        ev.Connection.To.String(),
		}, true
	case eventbus.Heartbeat:
		hb := ev.Heartbeat
		return HeartbeatMessage{
			Timestamp:           ev.At,
			State:               hb.State,
			Connection:          hb.Connection.String(),
			ConsecutiveFailures: hb.ConsecutiveFailures,
			SinceLastFrameS:     hb.SinceLastFrame.Seconds(),
			FPS:                 hb.FPS,
			Frames:              hb.Frames,
			Stills:              hb.Stills,
			Reconnects:          hb.Reconnects,
		}, true
	case eventbus.Warning:
		return WarningMessage{
			Timestamp: ev.At,
			Code:      ev.Warning.Code,
			Message:   ev.Warning.Message,
			Count:     ev.Warning.Count,
		}, true
	default:
		return nil, false
	}
}
