package identify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/ledger"
)

type stubClassifier struct {
	mu     sync.Mutex
	result Result
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, image []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func (s *stubClassifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var cardinal = Result{
	Identified:         true,
	CommonName:         "Northern Cardinal",
	ScientificName:     "Cardinalis cardinalis",
	Confidence:         0.95,
	Characteristics:    []string{"red plumage", "crest"},
	Behavior:           "drinking",
	ConservationStatus: "LC",
	FunFact:            "Both sexes sing.",
}

type fixture struct {
	dir    string
	clock  *testClock
	stub   *stubClassifier
	ledger *ledger.Ledger
	queue  *Queue
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "species_database.json"))
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		dir:    dir,
		clock:  &testClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
		stub:   &stubClassifier{result: cardinal},
		ledger: l,
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	q, err := NewQueue(cfg, f.stub, l, opts...)
	if err != nil {
		t.Fatal(err)
	}
	f.queue = q
	return f
}

func (f *fixture) still(t *testing.T, name string) camera.CaptureRecord {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("\xff\xd8fake jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	return camera.CaptureRecord{ID: name, Path: path, CapturedAt: f.clock.Now()}
}

func TestNewQueue_Validation(t *testing.T) {
	l, _ := ledger.Open(filepath.Join(t.TempDir(), "db.json"))

	tests := []struct {
		name string
		cfg  Config
		c    Classifier
		l    *ledger.Ledger
	}{
		{"nil classifier", Config{}, nil, l},
		{"nil ledger", Config{}, &stubClassifier{}, nil},
		{"negative interval", Config{MinInterval: -time.Second}, &stubClassifier{}, l},
		{"negative hourly cap", Config{MaxPerHour: -1}, &stubClassifier{}, l},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewQueue(tt.cfg, tt.c, tt.l); err == nil {
				t.Error("expected error")
			}
		})
	}

	q, err := NewQueue(Config{}, &stubClassifier{}, l)
	if err != nil {
		t.Fatal(err)
	}
	if st := q.State(); st.MinInterval != DefaultMinInterval {
		t.Errorf("default MinInterval = %v", st.MinInterval)
	}
}

func TestSubmit_IdentifiedUpdatesLedger(t *testing.T) {
	f := newFixture(t, Config{})

	out, err := f.queue.Submit(context.Background(), f.still(t, "a.jpeg"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Verdict != Identified {
		t.Fatalf("expected Identified, got %v", out.Verdict)
	}
	if !out.Identification.Rare || out.Identification.Sightings != 1 {
		t.Errorf("first sighting should be rare with count 1: %+v", out.Identification)
	}

	sp, ok := f.ledger.Species("Cardinalis cardinalis")
	if !ok {
		t.Fatal("species not in ledger")
	}
	if sp.SightingCount != 1 || sp.LastPhoto != out.Path {
		t.Errorf("unexpected ledger entry: %+v", sp)
	}
	if f.ledger.DailyCount(f.clock.Now()) != 1 {
		t.Error("daily count not incremented")
	}
}

func TestSubmit_NotABird(t *testing.T) {
	f := newFixture(t, Config{})
	f.stub.result = Result{Identified: false}

	out, err := f.queue.Submit(context.Background(), f.still(t, "leaf.jpeg"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != NotABird {
		t.Errorf("expected NotABird, got %v", out.Verdict)
	}
	if s := f.ledger.Stats(); s.TotalSightings != 0 {
		t.Error("not-a-bird must not create a sighting")
	}
	if f.ledger.DailyCount(f.clock.Now()) != 1 {
		t.Error("a successful call counts even without a bird")
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newFixture(t, Config{MinInterval: 120 * time.Second})
	ctx := context.Background()

	if _, err := f.queue.Submit(ctx, f.still(t, "1.jpeg")); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(30 * time.Second)
	out, err := f.queue.Submit(ctx, f.still(t, "2.jpeg"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != RateLimited {
		t.Fatalf("expected RateLimited, got %v", out.Verdict)
	}
	if out.Wait != 90*time.Second {
		t.Errorf("expected 90s wait, got %v", out.Wait)
	}
	if f.stub.Calls() != 1 {
		t.Errorf("rate-limited submission reached the classifier")
	}
	if _, err := os.Stat(out.Path); err != nil {
		t.Errorf("rate-limited still should stay on disk: %v", err)
	}

	f.clock.Advance(90 * time.Second)
	out, _ = f.queue.Submit(ctx, f.still(t, "3.jpeg"))
	if out.Verdict != Identified {
		t.Errorf("expected call after the window, got %v", out.Verdict)
	}
}

func TestSubmit_HourlyCap(t *testing.T) {
	f := newFixture(t, Config{MinInterval: time.Second, MaxPerHour: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := f.queue.Submit(ctx, f.still(t, "s.jpeg"))
		if err != nil || out.Verdict != Identified {
			t.Fatalf("call %d: verdict=%v err=%v", i, out.Verdict, err)
		}
		f.clock.Advance(10 * time.Minute)
	}

	out, _ := f.queue.Submit(ctx, f.still(t, "s.jpeg"))
	if out.Verdict != RateLimited {
		t.Fatalf("expected hourly cap, got %v", out.Verdict)
	}
	// Oldest call was 30 minutes ago.
	if out.Wait != 30*time.Minute {
		t.Errorf("expected 30m wait, got %v", out.Wait)
	}

	f.clock.Advance(30 * time.Minute)
	if out, _ := f.queue.Submit(ctx, f.still(t, "s.jpeg")); out.Verdict != Identified {
		t.Errorf("expected a slot once the oldest call aged out, got %v", out.Verdict)
	}
}

func TestSubmit_FailureStillCountsAsAttempt(t *testing.T) {
	f := newFixture(t, Config{})
	f.stub.err = &ClassificationError{Kind: KindQuota, Message: "quota exhausted"}
	ctx := context.Background()

	_, err := f.queue.Submit(ctx, f.still(t, "x.jpeg"))
	var ce *ClassificationError
	if !errors.As(err, &ce) || ce.Kind != KindQuota {
		t.Fatalf("expected quota ClassificationError, got %v", err)
	}
	if f.queue.State().LastCall.IsZero() {
		t.Error("failed call must update LastCall")
	}
	if f.ledger.DailyCount(f.clock.Now()) != 0 {
		t.Error("failed call must not be counted as a successful call")
	}

	f.stub.err = nil
	out, err := f.queue.Submit(ctx, f.still(t, "y.jpeg"))
	if err != nil || out.Verdict != RateLimited {
		t.Errorf("expected RateLimited after a failed call, got %v / %v", out.Verdict, err)
	}
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"plain error", errors.New("connection reset"), KindTransport},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"typed passthrough", &ClassificationError{Kind: KindAuth, Message: "bad key"}, KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.stub.err = tt.err

			_, err := f.queue.Submit(context.Background(), f.still(t, "e.jpeg"))
			var ce *ClassificationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ClassificationError, got %T", err)
			}
			if ce.Kind != tt.want {
				t.Errorf("kind = %s, want %s", ce.Kind, tt.want)
			}
		})
	}
}

func TestSubmit_MissingFile(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.queue.Submit(context.Background(), camera.CaptureRecord{Path: filepath.Join(f.dir, "gone.jpeg")})
	if err == nil {
		t.Fatal("expected error for missing still")
	}
	if f.stub.Calls() != 0 || !f.queue.State().LastCall.IsZero() {
		t.Error("a missing file must not consume a call slot")
	}
}

func TestSubmit_RelocateBeforeLedger(t *testing.T) {
	var gotID Identification
	relocate := func(path string, id Identification) (string, error) {
		gotID = id
		dst := filepath.Join(filepath.Dir(path), "IdentifiedSpecies", "moved.jpeg")
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", err
		}
		return dst, os.Rename(path, dst)
	}
	f := newFixture(t, Config{}, WithRelocate(relocate))

	out, err := f.queue.Submit(context.Background(), f.still(t, "r.jpeg"))
	if err != nil {
		t.Fatal(err)
	}
	if gotID.ScientificName != "Cardinalis cardinalis" {
		t.Errorf("relocate did not receive the identification: %+v", gotID)
	}
	if !strings.HasSuffix(out.Path, "moved.jpeg") {
		t.Errorf("outcome path not updated: %s", out.Path)
	}
	sp, _ := f.ledger.Species("Cardinalis cardinalis")
	if sp.LastPhoto != out.Path {
		t.Errorf("ledger should record the relocated path, got %s", sp.LastPhoto)
	}
}

func TestSubmit_RareFlag(t *testing.T) {
	f := newFixture(t, Config{MinInterval: time.Second})
	ctx := context.Background()

	var rare []bool
	for i := 0; i < 4; i++ {
		out, err := f.queue.Submit(ctx, f.still(t, "c.jpeg"))
		if err != nil {
			t.Fatal(err)
		}
		rare = append(rare, out.Identification.Rare)
		f.clock.Advance(time.Minute)
	}

	want := []bool{true, true, true, false}
	for i := range want {
		if rare[i] != want[i] {
			t.Errorf("sighting %d: rare=%v, want %v", i+1, rare[i], want[i])
		}
	}
}
