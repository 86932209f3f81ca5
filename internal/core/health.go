package core

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/image/draw"

	"github.com/e7canasta/birdbath-sensor/camera"
)

// HealthStatus represents the health state of the birdbath service
type HealthStatus struct {
	Status           string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds    int64   `json:"uptime_seconds"`
	CaptureState     string  `json:"capture_state"`
	CameraConnection string  `json:"camera_connection"`
	CameraConnected  bool    `json:"camera_connected"`
	SinceLastFrameS  float64 `json:"since_last_frame_s"`
	FPS              float64 `json:"fps"`
	MQTTConnected    bool    `json:"mqtt_connected"`
	MQTTEnabled      bool    `json:"mqtt_enabled"`
	IdentifyEnabled  bool    `json:"identify_enabled"`
	UploadPending    int     `json:"upload_pending,omitempty"`
	StorageBytes     int64   `json:"storage_bytes,omitempty"`
}

// HealthCheck returns the current health status of the service
func (b *Birdbath) HealthCheck() HealthStatus {
	b.mu.RLock()
	running := b.isRunning
	started := b.started
	b.mu.RUnlock()

	st := b.thread.Stats()
	status := HealthStatus{
		Status:           "healthy",
		CaptureState:     st.State.String(),
		CameraConnection: st.Connection.String(),
		CameraConnected:  st.Connection == camera.Connected,
		SinceLastFrameS:  st.SinceLastFrame.Seconds(),
		FPS:              st.FPS.Mean,
		MQTTEnabled:      b.emitter != nil,
		IdentifyEnabled:  b.queue != nil,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if b.emitter != nil {
		status.MQTTConnected = b.emitter.IsConnected()
	}
	if b.pool != nil {
		status.UploadPending = b.pool.Stats().Pending
	}
	if s, ok := b.retention.Last(); ok {
		status.StorageBytes = s.FinalStats.TotalBytes
	}

	stalled := st.SinceLastFrame > b.cfg.Capture.StallTimeout
	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.CameraConnected || stalled:
		status.Status = "degraded"
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health: 200 while the process can answer.
func (b *Birdbath) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Degraded still answers 200.
func (b *Birdbath) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := b.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// PreviewHandler serves the newest preview frame as JPEG. An optional
// ?width= scales it down, keeping the aspect ratio.
func (b *Birdbath) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	ev, ok := b.preview.Get()
	if !ok {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}

	var img image.Image = ev.Frame.Image()
	if s := r.URL.Query().Get("width"); s != "" {
		width, err := strconv.Atoi(s)
		if err != nil || width <= 0 {
			http.Error(w, "invalid width", http.StatusBadRequest)
			return
		}
		img = scaleToWidth(img, width)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func scaleToWidth(src image.Image, width int) image.Image {
	sb := src.Bounds()
	if width >= sb.Dx() {
		return src
	}
	height := sb.Dy() * width / sb.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	return dst
}

// StartHealthServer serves health, metrics and the preview on addr. It does
// not block; the returned server is shut down by Shutdown.
func (b *Birdbath) StartHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", b.LivenessHandler)
	mux.HandleFunc("/readiness", b.ReadinessHandler)
	mux.HandleFunc("/preview.jpg", b.PreviewHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/preview.jpg"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return server
}

// publishHealth pushes a retained health snapshot to MQTT every interval.
func (b *Birdbath) publishHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		payload, err := json.Marshal(b.HealthCheck())
		if err == nil {
			if err := b.emitter.PublishHealth(payload); err != nil {
				slog.Debug("failed to publish health", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
