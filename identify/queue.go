package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/ledger"
)

// Classifier names the bird in a JPEG, if there is one.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (Result, error)
}

// RelocateFunc moves an identified still to its permanent home and returns
// the new path.
type RelocateFunc func(path string, id Identification) (string, error)

// Config controls the call gate.
type Config struct {
	// MinInterval between classifier calls (default 120s).
	MinInterval time.Duration
	// MaxPerHour caps calls in any rolling hour. 0 means unlimited.
	MaxPerHour int
	// CallTimeout bounds one classifier call (default 30s).
	CallTimeout time.Duration
}

const (
	DefaultMinInterval = 120 * time.Second
	DefaultMaxPerHour  = 10
	DefaultCallTimeout = 30 * time.Second
)

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRelocate installs a hook that runs before the ledger is written, so
// the ledger records the final path.
func WithRelocate(fn RelocateFunc) Option {
	return func(q *Queue) { q.relocate = fn }
}

// Queue gates stills into the classifier and files the results.
type Queue struct {
	cfg        Config
	classifier Classifier
	ledger     *ledger.Ledger
	relocate   RelocateFunc
	now        func() time.Time

	mu       sync.Mutex
	lastCall time.Time
	calls    []time.Time // attempts inside the last hour
}

// NewQueue validates its collaborators and fills in defaults.
func NewQueue(cfg Config, c Classifier, l *ledger.Ledger, opts ...Option) (*Queue, error) {
	if c == nil {
		return nil, fmt.Errorf("identify: classifier is required")
	}
	if l == nil {
		return nil, fmt.Errorf("identify: ledger is required")
	}
	if cfg.MinInterval < 0 || cfg.MaxPerHour < 0 {
		return nil, fmt.Errorf("identify: negative rate limit")
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	q := &Queue{cfg: cfg, classifier: c, ledger: l, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Submit classifies the still in rec. A submission inside the rate-limit
// window returns RateLimited without calling the classifier. Classifier
// failures come back as *ClassificationError.
func (q *Queue) Submit(ctx context.Context, rec camera.CaptureRecord) (Outcome, error) {
	if wait, limited := q.check(); limited {
		slog.Info("identify: rate limit active, skipping call",
			"path", rec.Path,
			"wait", wait.Round(time.Second),
		)
		return Outcome{Verdict: RateLimited, Path: rec.Path, Wait: wait}, nil
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return Outcome{}, fmt.Errorf("identify: read still: %w", err)
	}

	if wait, limited := q.reserve(); limited {
		return Outcome{Verdict: RateLimited, Path: rec.Path, Wait: wait}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	defer cancel()

	start := q.now()
	res, err := q.classifier.Classify(callCtx, data)
	if err != nil {
		var ce *ClassificationError
		if !errors.As(err, &ce) {
			ce = &ClassificationError{Kind: KindTransport, Message: err.Error(), Err: err}
			if errors.Is(err, context.DeadlineExceeded) {
				ce.Kind = KindTimeout
			}
		}
		slog.Error("identify: classification failed",
			"path", rec.Path,
			"kind", ce.Kind,
			"error", ce.Message,
		)
		return Outcome{}, ce
	}

	if err := q.ledger.IncrementDaily(start); err != nil {
		slog.Warn("identify: failed to count daily call", "error", err)
	}

	if !res.Identified {
		slog.Info("identify: no bird in still", "path", rec.Path)
		return Outcome{Verdict: NotABird, Path: rec.Path}, nil
	}

	id := Identification{
		CommonName:         res.CommonName,
		ScientificName:     res.ScientificName,
		Confidence:         res.Confidence,
		Characteristics:    res.Characteristics,
		Behavior:           res.Behavior,
		ConservationStatus: res.ConservationStatus,
		FunFact:            res.FunFact,
		Timestamp:          rec.CapturedAt,
	}
	if id.Timestamp.IsZero() {
		id.Timestamp = start
	}

	path := rec.Path
	if q.relocate != nil {
		moved, err := q.relocate(path, id)
		if err != nil {
			slog.Warn("identify: relocate failed, keeping original path", "path", path, "error", err)
		} else {
			path = moved
		}
	}

	sp, prior, err := q.ledger.Record(ledger.Observation{
		CommonName:         id.CommonName,
		ScientificName:     id.ScientificName,
		Confidence:         id.Confidence,
		Characteristics:    id.Characteristics,
		Behavior:           id.Behavior,
		ConservationStatus: id.ConservationStatus,
		FunFact:            id.FunFact,
	}, path, id.Timestamp)
	if err != nil {
		return Outcome{}, fmt.Errorf("identify: record sighting: %w", err)
	}
	id.Rare = prior < ledger.RareThreshold
	id.Sightings = sp.SightingCount

	slog.Info("identify: bird identified",
		"species", id.CommonName,
		"scientific", id.ScientificName,
		"confidence", id.Confidence,
		"sightings", id.Sightings,
		"rare", id.Rare,
		"path", path,
	)
	return Outcome{Verdict: Identified, Identification: id, Path: path}, nil
}

// State returns a snapshot of the call gate.
func (q *Queue) State() RateLimitState {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(q.now())
	return RateLimitState{
		LastCall:    q.lastCall,
		MinInterval: q.cfg.MinInterval,
		CallsInHour: len(q.calls),
		MaxPerHour:  q.cfg.MaxPerHour,
	}
}

func (q *Queue) check() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitLocked(q.now())
}

// reserve claims the next call slot. Every attempt counts, failed ones
// included.
func (q *Queue) reserve() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if wait, limited := q.waitLocked(now); limited {
		return wait, true
	}
	q.lastCall = now
	q.calls = append(q.calls, now)
	return 0, false
}

func (q *Queue) waitLocked(now time.Time) (time.Duration, bool) {
	var wait time.Duration
	if !q.lastCall.IsZero() {
		if since := now.Sub(q.lastCall); since < q.cfg.MinInterval {
			wait = q.cfg.MinInterval - since
		}
	}

	q.pruneLocked(now)
	if q.cfg.MaxPerHour > 0 && len(q.calls) >= q.cfg.MaxPerHour {
		if w := q.calls[0].Add(time.Hour).Sub(now); w > wait {
			wait = w
		}
	}
	return wait, wait > 0
}

func (q *Queue) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(q.calls) && !q.calls[i].After(cutoff) {
		i++
	}
	q.calls = q.calls[i:]
}
