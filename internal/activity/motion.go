// Package activity turns a motion sensor's interrupt line into still/moving
// transitions.
package activity

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/warthog618/go-gpiocdev"
)

type Transition int

const (
	Still Transition = iota
	Moving
)

func (t Transition) String() string {
	if t == Moving {
		return "moving"
	}
	return "still"
}

// MotionSensor watches a GPIO line driven high by the accelerometer while
// it detects motion.
type MotionSensor struct {
	chip     string
	offset   int
	debounce time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	line *gpiocdev.Line
}

func NewMotionSensor(chip string, offset int, debounce time.Duration, logger zerolog.Logger) *MotionSensor {
	return &MotionSensor{
		chip:     chip,
		offset:   offset,
		debounce: debounce,
		logger:   logger.With().Str("component", "motion").Logger(),
	}
}

// Start requests the line and reports each edge to handler from the gpiocdev
// event goroutine.
func (m *MotionSensor) Start(handler func(Transition)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.line != nil {
		return errors.New("motion sensor already started")
	}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithConsumer("tracking-motion"),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			handler(transitionFor(evt.Type))
		}),
	}
	if m.debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(m.debounce))
	}

	line, err := gpiocdev.RequestLine(m.chip, m.offset, opts...)
	if err != nil {
		return errors.Wrap(err, "failed to request motion GPIO line")
	}
	m.line = line
	m.logger.Info().Str("chip", m.chip).Int("line", m.offset).Msg("motion sensor started")
	return nil
}

// Stop releases the line. Safe to call when not started.
func (m *MotionSensor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.line == nil {
		return
	}
	if err := m.line.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close motion GPIO line")
	}
	m.line = nil
}

func transitionFor(t gpiocdev.LineEventType) Transition {
	if t == gpiocdev.LineEventRisingEdge {
		return Moving
	}
	return Still
}
