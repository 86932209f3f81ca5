// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/birdbath-sensor/eventbus"
	"github.com/e7canasta/birdbath-sensor/identify"
	"github.com/e7canasta/birdbath-sensor/retention"
	"github.com/e7canasta/birdbath-sensor/upload"
)

const namespace = "birdbath"

// Metrics holds every collector the daemon reports.
type Metrics struct {
	frames          prometheus.Counter
	triggers        prometheus.Counter
	droppedCaptures prometheus.Counter
	stills          prometheus.Gauge
	warnings        *prometheus.CounterVec
	connection      prometheus.Gauge
	fps             prometheus.Gauge
	sinceLastFrame  prometheus.Gauge
	identifications *prometheus.CounterVec
	classifyErrors  *prometheus.CounterVec
	classifyLatency prometheus.Histogram
	uploads         *prometheus.CounterVec
	uploadLatency   prometheus.Histogram
	sweptFiles      prometheus.Counter
	sweptBytes      prometheus.Counter
	storageBytes    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_frames_total",
			Help:      "Preview frames delivered by the camera.",
		}),
		triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "motion_triggers_total",
			Help:      "Motion triggers that produced a still.",
		}),
		droppedCaptures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_dropped_total",
			Help:      "Stills written to disk but never handed to the pipeline.",
		}),
		stills: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stills_captured",
			Help:      "Stills written since the capture loop started, at the last heartbeat.",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_warnings_total",
			Help:      "Capture loop warnings by code.",
		}, []string{"code"}),
		connection: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "camera_connection_state",
			Help:      "Camera connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preview_fps",
			Help:      "Preview frame rate at the last heartbeat.",
		}),
		sinceLastFrame: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seconds_since_last_frame",
			Help:      "Seconds since the last preview frame, at the last heartbeat.",
		}),
		identifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identifications_total",
			Help:      "Classification submissions by verdict.",
		}, []string{"verdict"}),
		classifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_errors_total",
			Help:      "Failed classification calls by kind.",
		}, []string{"kind"}),
		classifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_duration_seconds",
			Help:      "Time spent in Submit, including the remote call.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Finished uploads by result.",
		}, []string{"result"}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Upload time including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		sweptFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_files_total",
			Help:      "Files removed by retention.",
		}),
		sweptBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_freed_bytes_total",
			Help:      "Bytes freed by retention.",
		}),
		storageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_bytes",
			Help:      "Bytes of eligible images after the last retention run.",
		}),
	}

	reg.MustRegister(
		m.frames, m.triggers, m.droppedCaptures, m.stills, m.warnings, m.connection, m.fps,
		m.sinceLastFrame, m.identifications, m.classifyErrors, m.classifyLatency,
		m.uploads, m.uploadLatency, m.sweptFiles, m.sweptBytes, m.storageBytes,
	)
	return m
}

// RegisterQueueDepth exposes a gauge read from fn at scrape time.
func RegisterQueueDepth(reg prometheus.Registerer, name, help string, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// ObserveEvent updates the capture collectors from one bus event.
func (m *Metrics) ObserveEvent(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.FrameReady:
		m.frames.Inc()
	case eventbus.MotionTriggered:
		m.triggers.Inc()
	case eventbus.ConnectionChanged:
		m.connection.Set(float64(ev.Connection.To))
	case eventbus.Heartbeat:
		m.connection.Set(float64(ev.Heartbeat.Connection))
		m.fps.Set(ev.Heartbeat.FPS)
		m.sinceLastFrame.Set(ev.Heartbeat.SinceLastFrame.Seconds())
		m.stills.Set(float64(ev.Heartbeat.Stills))
	case eventbus.Warning:
		m.warnings.WithLabelValues(ev.Warning.Code).Inc()
	}
}

// CaptureDropped counts a still the pipeline never received.
func (m *Metrics) CaptureDropped() { m.droppedCaptures.Inc() }

// Run consumes events until ctx is done or events is closed.
func (m *Metrics) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.ObserveEvent(ev)
		}
	}
}

// ObserveIdentify records one Submit call.
func (m *Metrics) ObserveIdentify(out identify.Outcome, err error, took time.Duration) {
	m.classifyLatency.Observe(took.Seconds())
	if err != nil {
		var ce *identify.ClassificationError
		kind := "io"
		if errors.As(err, &ce) {
			kind = string(ce.Kind)
		}
		m.classifyErrors.WithLabelValues(kind).Inc()
		m.identifications.WithLabelValues("failed").Inc()
		return
	}
	m.identifications.WithLabelValues(out.Verdict.String()).Inc()
}

// ObserveUpload records a finished upload.
func (m *Metrics) ObserveUpload(res upload.Result) {
	m.uploadLatency.Observe(res.Duration.Seconds())
	if res.Err != nil {
		m.uploads.WithLabelValues("failed").Inc()
		return
	}
	m.uploads.WithLabelValues("uploaded").Inc()
}

// ObserveRetention records one cleanup run.
func (m *Metrics) ObserveRetention(s retention.Summary) {
	deleted := len(s.CleanupResult.Deleted) + len(s.AgeCleanupResult.Deleted)
	m.sweptFiles.Add(float64(deleted))
	m.sweptBytes.Add(float64(s.CleanupResult.FreedBytes + s.AgeCleanupResult.FreedBytes))
	m.storageBytes.Set(float64(s.FinalStats.TotalBytes))
	slog.Debug("metrics: retention observed", "deleted", deleted)
}
