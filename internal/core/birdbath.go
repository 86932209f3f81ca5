package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/capture"
	"github.com/e7canasta/birdbath-sensor/catalog"
	"github.com/e7canasta/birdbath-sensor/eventbus"
	"github.com/e7canasta/birdbath-sensor/identify"
	"github.com/e7canasta/birdbath-sensor/internal/config"
	"github.com/e7canasta/birdbath-sensor/internal/control"
	"github.com/e7canasta/birdbath-sensor/internal/emitter"
	"github.com/e7canasta/birdbath-sensor/internal/layout"
	"github.com/e7canasta/birdbath-sensor/internal/metrics"
	"github.com/e7canasta/birdbath-sensor/ledger"
	"github.com/e7canasta/birdbath-sensor/motion"
	"github.com/e7canasta/birdbath-sensor/retention"
	"github.com/e7canasta/birdbath-sensor/upload"
)

// Option configures a Birdbath before its components are built.
type Option func(*options)

type options struct {
	device     camera.Device
	classifier identify.Classifier
	target     upload.Target
	registry   *prometheus.Registry
	now        func() time.Time
}

// WithDevice replaces the camera selected by camera.driver.
func WithDevice(d camera.Device) Option {
	return func(o *options) { o.device = d }
}

// WithClassifier replaces the Gemini classifier.
func WithClassifier(c identify.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithUploadTarget replaces the target selected by upload.target.
func WithUploadTarget(t upload.Target) Option {
	return func(o *options) { o.target = t }
}

// WithRegistry collects metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Birdbath is the main service orchestrator
type Birdbath struct {
	cfg    *config.Config
	layout layout.Layout
	now    func() time.Time

	// Core components
	bus       *eventbus.Bus
	link      *camera.Link
	thread    *capture.Thread
	ledger    *ledger.Ledger
	catalog   *catalog.Catalog
	queue     *identify.Queue // nil when identification is disabled
	retention *retention.Manager
	scheduler *retention.Scheduler
	pool      *upload.Pool // nil when uploads are disabled
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	preview   *eventbus.Latest

	// MQTT, nil without a broker
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	captures  chan eventbus.Event
	server    *http.Server
	lastSweep time.Time

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc
}

// New builds every component from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Birdbath, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	b := &Birdbath{
		cfg:      cfg,
		layout:   layout.New(cfg.Storage.SaveDir),
		now:      o.now,
		registry: o.registry,
		metrics:  metrics.New(o.registry),
		captures: make(chan eventbus.Event, 32),
	}
	b.bus = eventbus.New(eventbus.WithOnDrop(b.onEventDropped))
	if err := os.MkdirAll(b.layout.Exempt(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	if err := b.initCamera(o.device); err != nil {
		b.closeStores()
		return nil, err
	}
	if err := b.initStores(); err != nil {
		b.closeStores()
		return nil, err
	}
	if err := b.initIdentify(ctx, o.classifier); err != nil {
		b.closeStores()
		return nil, err
	}
	if err := b.initRetention(); err != nil {
		b.closeStores()
		return nil, err
	}
	if err := b.initUpload(o.target); err != nil {
		b.closeStores()
		return nil, err
	}
	if cfg.MQTT.Broker != "" {
		b.emitter = emitter.NewMQTTEmitter(cfg)
	}

	slog.Info("birdbath configured",
		"instance_id", cfg.InstanceID,
		"save_dir", cfg.Storage.SaveDir,
		"camera", cfg.Camera.Driver,
		"identify", b.queue != nil,
		"upload", b.pool != nil,
		"mqtt", b.emitter != nil,
	)
	return b, nil
}

func (b *Birdbath) initCamera(dev camera.Device) error {
	cam := b.cfg.Camera
	preview, _ := camera.ParseResolution(cam.Preview)
	still, _ := camera.ParseResolution(cam.Still)

	if dev == nil {
		switch cam.Driver {
		case "mock":
			pw, ph := preview.Dimensions()
			sw, sh := still.Dimensions()
			mock := camera.NewMockDevice(pw, ph, sw, sh)
			mock.SetScene(camera.VisitorScene(200))
			dev = mock
		default:
			v4l2, err := camera.NewV4L2Device(camera.V4L2Config{
				DevicePath: cam.Device,
				Preview:    preview,
				Still:      still,
				FPS:        cam.FPS,
			})
			if err != nil {
				return fmt.Errorf("failed to create camera: %w", err)
			}
			dev = v4l2
		}
	}

	link, err := camera.NewLink(dev, camera.Config{
		Stills:            camera.StillWriter{Layout: b.layout, Quality: cam.JPEGQuality, Overlay: cam.Overlay},
		Initial:           cam.Settings,
		ControlDelay:      cam.ControlDelay,
		StillTimeout:      cam.StillTimeout,
		ReconnectAttempts: cam.ReconnectAttempts,
		ReconnectDelay:    cam.ReconnectDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to create camera link: %w", err)
	}
	b.link = link

	roi, err := b.initialROI()
	if err != nil {
		return err
	}

	m := b.cfg.Motion
	thread, err := capture.New(link, b.bus, capture.Config{
		FrameTimeout:         b.cfg.Capture.FrameTimeout,
		Debounce:             m.Debounce,
		StallTimeout:         b.cfg.Capture.StallTimeout,
		HeartbeatInterval:    b.cfg.Capture.HeartbeatInterval,
		RetryInterval:        b.cfg.Capture.RetryInterval,
		FailureWarnThreshold: b.cfg.Capture.FailureWarnThreshold,
		ReconnectAttempts:    cam.ReconnectAttempts,
		ReconnectDelay:       cam.ReconnectDelay,
		Motion: motion.Settings{
			Threshold:       uint8(m.Threshold),
			MinArea:         m.MinArea,
			BlurSigma:       m.BlurSigma,
			DilateIteration: m.Dilate,
		},
		ROI: roi,
	})
	if err != nil {
		return fmt.Errorf("failed to create capture thread: %w", err)
	}
	b.thread = thread

	b.preview, err = b.bus.SubscribeLatest("preview", eventbus.FrameReady)
	return err
}

// initialROI prefers the persisted ROI over the one in the config file.
func (b *Birdbath) initialROI() (motion.ROI, error) {
	roi, ok, err := config.LoadROI(b.cfg.ROIPath())
	if err != nil {
		return motion.ROI{}, fmt.Errorf("failed to load roi: %w", err)
	}
	if ok {
		slog.Info("persisted roi loaded", "roi", roi.String(), "path", b.cfg.ROIPath())
		return roi, nil
	}
	if b.cfg.Motion.InitialROI != nil {
		return *b.cfg.Motion.InitialROI, nil
	}
	return motion.ROI{}, nil
}

func (b *Birdbath) initStores() error {
	l, err := ledger.Open(b.cfg.Identify.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open species ledger: %w", err)
	}
	b.ledger = l

	c, err := catalog.Open(b.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to open capture catalog: %w", err)
	}
	b.catalog = c
	return nil
}

func (b *Birdbath) initIdentify(ctx context.Context, classifier identify.Classifier) error {
	idc := b.cfg.Identify
	if !idc.Enabled {
		return nil
	}
	if classifier == nil {
		key := b.cfg.APIKey()
		if key == "" {
			slog.Warn("identification disabled: no api key", "env", idc.APIKeyEnv)
			return nil
		}
		gemini, err := identify.NewGeminiClassifier(ctx, key, idc.Model)
		if err != nil {
			return fmt.Errorf("failed to create classifier: %w", err)
		}
		classifier = gemini
	}

	q, err := identify.NewQueue(identify.Config{
		MinInterval: idc.MinInterval,
		MaxPerHour:  idc.MaxPerHour,
		CallTimeout: idc.CallTimeout,
	}, classifier, b.ledger,
		identify.WithClock(b.now),
		identify.WithRelocate(b.relocate),
	)
	if err != nil {
		return fmt.Errorf("failed to create identification queue: %w", err)
	}
	b.queue = q
	return nil
}

func (b *Birdbath) initRetention() error {
	st := b.cfg.Storage
	m, err := retention.NewManager(retention.Config{
		Root:        st.SaveDir,
		Exempt:      layout.IdentifiedDir,
		MaxSizeGB:   st.MaxSizeGB,
		TargetRatio: st.TargetRatio,
		MaxAge:      b.cfg.MaxAge(),
	}, retention.WithNow(b.now), retention.WithOnDeleted(b.onSwept))
	if err != nil {
		return fmt.Errorf("failed to create retention manager: %w", err)
	}
	b.retention = m

	s, err := retention.NewScheduler(m, st.CleanupTime)
	if err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}
	b.scheduler = s
	return nil
}

func (b *Birdbath) initUpload(target upload.Target) error {
	uc := b.cfg.Upload
	if !uc.Enabled && target == nil {
		return nil
	}
	if target == nil {
		switch uc.Target {
		case "http":
			target = upload.NewHTTPTarget(uc.URL)
		default:
			target = upload.DirTarget{SourceRoot: b.cfg.Storage.SaveDir, DestRoot: uc.Dir}
		}
	}

	pool, err := upload.NewPool(upload.Config{
		Workers:    uc.Workers,
		QueueSize:  uc.QueueSize,
		MaxRetries: uc.MaxRetries,
		MinDelay:   uc.MinDelay,
		Cooldown:   uc.Cooldown,
	}, target, upload.WithOnResult(b.onUploaded))
	if err != nil {
		return fmt.Errorf("failed to create upload pool: %w", err)
	}
	b.pool = pool

	metrics.RegisterQueueDepth(b.registry, "upload_queue_depth", "Uploads waiting for a worker.",
		func() float64 { return float64(pool.Stats().Pending) })
	return nil
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives
func (b *Birdbath) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	b.isRunning = true
	b.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	b.cancelCtx = cancel
	b.mu.Unlock()
	defer cancel()

	slog.Info("birdbath service starting", "instance_id", b.cfg.InstanceID)

	if err := b.bus.Subscribe(pipelineSubscriber, b.captures, eventbus.MotionTriggered); err != nil {
		return fmt.Errorf("failed to subscribe pipeline: %w", err)
	}
	metricEvents := make(chan eventbus.Event, 64)
	if err := b.bus.Subscribe("metrics", metricEvents); err != nil {
		return fmt.Errorf("failed to subscribe metrics: %w", err)
	}
	b.goFunc(func() { b.metrics.Run(ctx, metricEvents) })

	if b.emitter != nil {
		if err := b.startMQTT(ctx); err != nil {
			return err
		}
	}

	if b.pool != nil {
		if err := b.pool.Start(ctx); err != nil {
			return fmt.Errorf("failed to start upload pool: %w", err)
		}
	}

	b.scheduler.Start()
	b.goFunc(func() { b.watchRetention(ctx, time.Minute) })
	slog.Info("retention scheduled", "next_run", b.scheduler.Next())

	if b.cfg.HTTP.Addr != "" {
		b.server = b.StartHealthServer(b.cfg.HTTP.Addr)
	}

	b.goFunc(func() { b.processCaptures(ctx) })

	if err := b.thread.Start(ctx); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	slog.Info("birdbath service running")

	<-ctx.Done()

	slog.Info("birdbath service run loop exiting")
	return nil
}

func (b *Birdbath) startMQTT(ctx context.Context) error {
	if err := b.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	events := make(chan eventbus.Event, 32)
	if err := b.bus.Subscribe("mqtt", events, emitter.ForwardKinds...); err != nil {
		return fmt.Errorf("failed to subscribe mqtt: %w", err)
	}
	b.goFunc(func() { emitter.Forward(ctx, events, b.emitter) })
	b.goFunc(func() { b.publishHealth(ctx, b.cfg.Capture.HeartbeatInterval) })

	b.controlHandler = control.NewHandler(b.cfg, b.emitter.Client, control.Callbacks{
		OnGetStatus:     b.getStatus,
		OnSetROI:        b.setROI,
		OnClearROI:      b.clearROI,
		OnGetROI:        b.thread.ROI,
		OnUpdateSetting: b.thread.UpdateSetting,
		OnUpdateMotion:  b.updateMotion,
		OnSweepNow:      b.sweepNow,
		OnStorageStats:  b.storageStats,
		OnLedgerStats:   b.ledgerStats,
		OnClearLedger:   b.clearLedger,
		OnShutdown:      b.shutdownViaControl,
	})
	if err := b.controlHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}
	return nil
}

// Shutdown performs graceful shutdown of all components
func (b *Birdbath) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		b.closeStores()
		return nil
	}
	cancel := b.cancelCtx
	b.mu.Unlock()

	slog.Info("shutting down birdbath service")
	cancel()

	// Capture first: no new stills once teardown starts.
	b.thread.Stop()

	if b.controlHandler != nil {
		b.controlHandler.Stop()
	}

	b.scheduler.Stop(ctx)

	if b.pool != nil {
		b.pool.Stop()
	}

	if b.server != nil {
		if err := b.server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	b.wg.Wait()
	b.bus.Close()

	if b.emitter != nil {
		b.emitter.Disconnect()
	}
	b.closeStores()

	b.mu.Lock()
	uptime := time.Since(b.started)
	b.isRunning = false
	b.mu.Unlock()

	slog.Info("birdbath service shutdown complete", "uptime", uptime)
	return nil
}

func (b *Birdbath) closeStores() {
	if b.catalog != nil {
		if err := b.catalog.Close(); err != nil {
			slog.Error("failed to close catalog", "error", err)
		}
		b.catalog = nil
	}
}

func (b *Birdbath) shutdownViaControl() error {
	b.mu.RLock()
	cancel := b.cancelCtx
	b.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}

func (b *Birdbath) goFunc(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}
