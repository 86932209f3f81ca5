package control

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/birdbath-sensor/internal/config"
	"github.com/e7canasta/birdbath-sensor/motion"
)

// Command represents a control plane command
type Command struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	RequestID  string         `json:"request_id"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Callbacks connect commands to the running daemon. A nil callback makes
// its command answer "not implemented".
type Callbacks struct {
	OnGetStatus     func() map[string]any
	OnSetROI        func(ctx context.Context, roi motion.ROI) error
	OnClearROI      func(ctx context.Context) error
	OnGetROI        func() motion.ROI
	OnUpdateSetting func(ctx context.Context, name string, value float64) error
	OnUpdateMotion  func(threshold uint8, minArea int) error
	OnSweepNow      func(ctx context.Context) (map[string]any, error)
	OnStorageStats  func(ctx context.Context) (map[string]any, error)
	OnLedgerStats   func() map[string]any
	OnClearLedger   func() error
	OnShutdown      func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks Callbacks
	timeout   time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		timeout:   30 * time.Second,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the control topic and processes commands until ctx
// is done.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	h.started.Store(true)
	go h.processCommands(ctx)
	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and waits for the command in progress.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		close(h.stop)
		if h.started.Load() {
			<-h.done
		}
		slog.Info("control: handler stopped")
	})
}

// messageHandler runs on the paho goroutine and must not block
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			RequestID:  uuid.NewString(),
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	slog.Info("control: command received", "command", cmd.Command, "request_id", cmd.RequestID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			RequestID:  cmd.RequestID,
			Status:     "error",
			Error:      "command queue full",
		})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(ctx context.Context, cmd Command) (resp Response) {
	resp = Response{CommandAck: cmd.Command, RequestID: cmd.RequestID, Status: "success"}
	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	missing := func() Response {
		return fail(fmt.Errorf("%s not implemented", cmd.Command))
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return missing()
		}
		resp.Data = h.callbacks.OnGetStatus()

	case "set_roi":
		if h.callbacks.OnSetROI == nil {
			return missing()
		}
		roi, err := decodeROI(cmd.Params)
		if err != nil {
			return fail(err)
		}
		if err := h.callbacks.OnSetROI(ctx, roi); err != nil {
			return fail(err)
		}
		resp.Data = map[string]any{"roi": roi}

	case "clear_roi":
		if h.callbacks.OnClearROI == nil {
			return missing()
		}
		if err := h.callbacks.OnClearROI(ctx); err != nil {
			return fail(err)
		}
		resp.Data = map[string]any{"message": "roi cleared - full frame detection"}

	case "get_roi":
		if h.callbacks.OnGetROI == nil {
			return missing()
		}
		roi := h.callbacks.OnGetROI()
		resp.Data = map[string]any{"roi": roi, "full_frame": roi.Empty()}

	case "update_setting":
		if h.callbacks.OnUpdateSetting == nil {
			return missing()
		}
		var p struct {
			Name  string   `json:"name"`
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(cmd.Params, &p); err != nil || p.Name == "" || p.Value == nil {
			return fail(fmt.Errorf("missing or invalid 'name'/'value' parameters"))
		}
		if err := h.callbacks.OnUpdateSetting(ctx, p.Name, *p.Value); err != nil {
			return fail(err)
		}
		resp.Data = map[string]any{p.Name: *p.Value}

	case "update_motion":
		if h.callbacks.OnUpdateMotion == nil {
			return missing()
		}
		var p struct {
			Threshold int `json:"threshold"`
			MinArea   int `json:"min_area"`
		}
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			return fail(fmt.Errorf("invalid params: %w", err))
		}
		if p.Threshold < 1 || p.Threshold > 255 || p.MinArea < 0 {
			return fail(fmt.Errorf("threshold must be 1-255 and min_area >= 0"))
		}
		if err := h.callbacks.OnUpdateMotion(uint8(p.Threshold), p.MinArea); err != nil {
			return fail(err)
		}
		resp.Data = map[string]any{"threshold": p.Threshold, "min_area": p.MinArea}

	case "sweep_now":
		if h.callbacks.OnSweepNow == nil {
			return missing()
		}
		data, err := h.callbacks.OnSweepNow(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Data = data

	case "storage_stats":
		if h.callbacks.OnStorageStats == nil {
			return missing()
		}
		data, err := h.callbacks.OnStorageStats(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Data = data

	case "ledger_stats":
		if h.callbacks.OnLedgerStats == nil {
			return missing()
		}
		resp.Data = h.callbacks.OnLedgerStats()

	case "clear_ledger":
		if h.callbacks.OnClearLedger == nil {
			return missing()
		}
		if err := h.callbacks.OnClearLedger(); err != nil {
			return fail(err)
		}
		resp.Data = map[string]any{"message": "species ledger cleared"}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return missing()
		}
		slog.Warn("control: shutdown requested over MQTT")
		resp.Data = map[string]any{"message": "graceful shutdown in progress"}
		// The response goes out before the daemon starts tearing down.
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("control: shutdown callback failed", "error", err)
			}
		}()

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}
	return resp
}

// decodeROI accepts base coordinates {x, y, width, height, base_width,
// base_height}, or a rectangle drawn on a zoomed display {x1, y1, x2, y2,
// zoom, base_width, base_height}.
func decodeROI(raw json.RawMessage) (motion.ROI, error) {
	var p struct {
		motion.ROI
		X1   *int    `json:"x1"`
		Y1   int     `json:"y1"`
		X2   int     `json:"x2"`
		Y2   int     `json:"y2"`
		Zoom float64 `json:"zoom"`
	}
	if len(raw) == 0 {
		return motion.ROI{}, fmt.Errorf("missing roi parameters")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return motion.ROI{}, fmt.Errorf("invalid roi parameters: %w", err)
	}

	roi := p.ROI
	if p.X1 != nil {
		roi = motion.Normalize(image.Rect(*p.X1, p.Y1, p.X2, p.Y2), p.Zoom, p.BaseWidth, p.BaseHeight)
	}
	if roi.Empty() || roi.X < 0 || roi.Y < 0 {
		return motion.ROI{}, fmt.Errorf("roi must have a non-negative origin and positive size, got %s", roi)
	}
	return roi, nil
}

// sendResponse publishes to the responses topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Responses
	token := h.client.Publish(topic, h.cfg.MQTT.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
