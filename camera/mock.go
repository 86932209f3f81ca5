package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SceneFunc paints frame seq into an RGB24 buffer of w*h*3 bytes.
type SceneFunc func(seq uint64, w, h int, rgb []byte)

// MockDevice generates synthetic frames. It backs tests and the --mock run
// mode, and can be scripted to stall, fail or drop the link.
type MockDevice struct {
	width       int
	height      int
	stillWidth  int
	stillHeight int

	mu         sync.Mutex
	open       bool
	seq        uint64
	stillSeq   uint64
	scene      SceneFunc
	openErr    error
	openDelay  time.Duration
	opens      int
	closes     int
	stalled    bool
	frameErrs  []error
	stillDue   time.Time
	stillDelay time.Duration
	applied    []Control
	applyErr   error
	openGate   chan struct{}
}

// NewMockDevice creates a mock with the given preview and still sizes.
func NewMockDevice(width, height, stillWidth, stillHeight int) *MockDevice {
	return &MockDevice{
		width:       width,
		height:      height,
		stillWidth:  stillWidth,
		stillHeight: stillHeight,
		scene:       BlankScene,
	}
}

// BlankScene leaves the frame black.
func BlankScene(uint64, int, int, []byte) {}

// VisitorScene draws a bright square that appears for a few frames every
// period frames, which is enough to trip the motion detector.
func VisitorScene(period uint64) SceneFunc {
	return func(seq uint64, w, h int, rgb []byte) {
		phase := seq % period
		if phase > 5 {
			return
		}
		size := w / 8
		x0 := int(phase) * size / 2
		y0 := h / 3
		for y := y0; y < y0+size && y < h; y++ {
			for x := x0; x < x0+size && x < w; x++ {
				i := (y*w + x) * 3
				rgb[i], rgb[i+1], rgb[i+2] = 230, 200, 40
			}
		}
	}
}

// SetScene replaces the frame painter.
func (m *MockDevice) SetScene(fn SceneFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scene = fn
}

// SetOpenError makes subsequent Open calls fail with err (nil clears it).
func (m *MockDevice) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetOpenDelay makes Open take d.
func (m *MockDevice) SetOpenDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openDelay = d
}

// GateOpen makes Open block until the returned func is called.
func (m *MockDevice) GateOpen() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.openGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetStalled makes NextFrame time out while the link stays up.
func (m *MockDevice) SetStalled(stalled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled = stalled
}

// FailFrames queues errors returned by the next NextFrame calls.
func (m *MockDevice) FailFrames(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameErrs = append(m.frameErrs, errs...)
}

// SetStillDelay sets how long a triggered still takes to arrive.
func (m *MockDevice) SetStillDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stillDelay = d
}

// SetApplyError makes Apply fail with err (nil clears it).
func (m *MockDevice) SetApplyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// Opens returns how many times Open was entered.
func (m *MockDevice) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes returns how many times an open device was closed.
func (m *MockDevice) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Applied returns a copy of every control the device accepted.
func (m *MockDevice) Applied() []Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Control(nil), m.applied...)
}

func (m *MockDevice) Open(ctx context.Context) error {
	m.mu.Lock()
	m.opens++
	delay := m.openDelay
	gate := m.openGate
	err := m.openErr
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.open = true
	m.stillDue = time.Time{}
	m.mu.Unlock()

	slog.Debug("mock camera opened", "width", m.width, "height", m.height)
	return nil
}

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		m.closes++
	}
	m.open = false
	m.stillDue = time.Time{}
	return nil
}

func (m *MockDevice) NextFrame(timeout time.Duration) (Frame, error) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return Frame{}, errors.New("X_LINK_ERROR: device not open")
	}
	if len(m.frameErrs) > 0 {
		err := m.frameErrs[0]
		m.frameErrs = m.frameErrs[1:]
		m.mu.Unlock()
		return Frame{}, err
	}
	if m.stalled {
		m.mu.Unlock()
		time.Sleep(timeout)
		return Frame{}, ErrFrameTimeout
	}

	m.seq++
	seq := m.seq
	scene := m.scene
	m.mu.Unlock()

	data := make([]byte, m.width*m.height*3)
	scene(seq, m.width, m.height, data)

	return Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}, nil
}

func (m *MockDevice) TriggerStill() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return errors.New("X_LINK_ERROR: device not open")
	}
	m.stillDue = time.Now().Add(m.stillDelay)
	return nil
}

func (m *MockDevice) PollStill() (Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return Frame{}, false, errors.New("X_LINK_ERROR: device not open")
	}
	if m.stillDue.IsZero() || time.Now().Before(m.stillDue) {
		return Frame{}, false, nil
	}
	m.stillDue = time.Time{}
	m.stillSeq++

	return Frame{
		Seq:       m.stillSeq,
		Timestamp: time.Now(),
		Width:     m.stillWidth,
		Height:    m.stillHeight,
		Data:      make([]byte, m.stillWidth*m.stillHeight*3),
		TraceID:   uuid.New().String(),
	}, true, nil
}

func (m *MockDevice) Apply(ctl Control) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return errors.New("X_LINK_ERROR: device not open")
	}
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, ctl)
	return nil
}

// String implements fmt.Stringer for logs.
func (m *MockDevice) String() string {
	return fmt.Sprintf("mock(%dx%d still %dx%d)", m.width, m.height, m.stillWidth, m.stillHeight)
}
