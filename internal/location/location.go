package location

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stratoberry/go-gpsd"
)

const earthRadius = 6371000 // meters

// ErrNoFix is passed to one-shot callbacks that could not be satisfied in time.
var ErrNoFix = errors.New("no location fix available")

// ErrAlreadySubscribed is returned when Subscribe is called without a prior Unsubscribe.
var ErrAlreadySubscribed = errors.New("location subscription already active")

// Sample is one position fix. It is never modified after creation.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy"`
	SpeedMPS  float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

type Priority int

const (
	PriorityHighAccuracy Priority = iota
	PriorityBalanced
	PriorityLowPower
)

func (p Priority) String() string {
	switch p {
	case PriorityHighAccuracy:
		return "high-accuracy"
	case PriorityBalanced:
		return "balanced"
	case PriorityLowPower:
		return "low-power"
	}
	return "unknown"
}

// MaxAccuracy is the worst horizontal error, in meters, a fix may have to be
// delivered at this priority.
func (p Priority) MaxAccuracy() float64 {
	switch p {
	case PriorityHighAccuracy:
		return 50
	case PriorityBalanced:
		return 100
	}
	return math.Inf(1)
}

// Request parameterizes a location subscription.
type Request struct {
	Interval    time.Duration
	MinDistance float64 // meters
	Priority    Priority
}

// Distance returns the great-circle distance between two samples in meters.
func Distance(a, b Sample) float64 {
	return haversineDistance(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

func haversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180.0)
	dLon := (lon2 - lon1) * (math.Pi / 180.0)

	lat1Rad := lat1 * (math.Pi / 180.0)
	lat2Rad := lat2 * (math.Pi / 180.0)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1Rad)*math.Cos(lat2Rad)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

// accept decides whether a fix passes the subscription filter given the last
// delivered sample.
func accept(req Request, last *Sample, s Sample) bool {
	if s.AccuracyM > req.Priority.MaxAccuracy() {
		return false
	}
	if last == nil {
		return true
	}
	if s.Timestamp.Sub(last.Timestamp) < req.Interval {
		return false
	}
	return req.MinDistance <= 0 || Distance(*last, s) >= req.MinDistance
}

type waiter struct {
	priority Priority
	done     func(Sample, error)
	timer    *time.Timer
}

// GPSD is a location source backed by a gpsd TPV stream. It keeps one gpsd
// session open while started and reconnects when the stream drops.
type GPSD struct {
	server     string
	fixTimeout time.Duration
	retry      time.Duration
	logger     zerolog.Logger

	mu        sync.Mutex
	session   *gpsd.Session
	running   bool
	connected bool
	req       *Request
	sink      func(Sample)
	last      *Sample
	waiters   []*waiter
}

func NewGPSD(server string, fixTimeout, retry time.Duration, logger zerolog.Logger) *GPSD {
	if server == "" {
		server = gpsd.DefaultAddress
	}
	return &GPSD{
		server:     server,
		fixTimeout: fixTimeout,
		retry:      retry,
		logger:     logger.With().Str("component", "gpsd").Logger(),
	}
}

// Run keeps the gpsd session alive until ctx is cancelled.
func (g *GPSD) Run(ctx context.Context) {
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()

	defer g.shutdown()

	attempt := 0
	for {
		done, err := g.connect()
		if err != nil {
			attempt++
			g.logger.Warn().Err(err).Int("attempt", attempt).Msg("gpsd connection failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.retry):
				continue
			}
		}
		attempt = 0
		g.logger.Info().Str("server", g.server).Msg("connected to gpsd")

		select {
		case <-ctx.Done():
			return
		case <-done:
			g.logger.Warn().Msg("gpsd stream closed, reconnecting")
			g.disconnect()
		}
	}
}

func (g *GPSD) connect() (chan bool, error) {
	conn, err := gpsd.Dial(g.server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to gpsd")
	}
	if conn == nil {
		return nil, errors.New("failed to connect to gpsd")
	}

	conn.AddFilter("TPV", func(r interface{}) {
		report, ok := r.(*gpsd.TPVReport)
		if !ok {
			g.logger.Error().Msg("could not cast TPV report")
			return
		}
		g.HandleTPV(report)
	})

	g.mu.Lock()
	g.session = conn
	g.connected = true
	g.mu.Unlock()

	return conn.Watch(), nil
}

func (g *GPSD) disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		g.session.Close()
		g.session = nil
	}
	g.connected = false
}

func (g *GPSD) shutdown() {
	g.disconnect()

	g.mu.Lock()
	g.running = false
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, w := range waiters {
		if w.timer.Stop() {
			w.done(Sample{}, ErrNoFix)
		}
	}
}

// Connected reports whether a gpsd session is currently open.
func (g *GPSD) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *GPSD) Subscribe(req Request, sink func(Sample)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sink != nil {
		return ErrAlreadySubscribed
	}
	g.req = &req
	g.sink = sink
	g.last = nil
	g.logger.Debug().
		Dur("interval", req.Interval).
		Float64("min_distance", req.MinDistance).
		Str("priority", req.Priority.String()).
		Msg("subscribed")
	return nil
}

func (g *GPSD) Unsubscribe() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.req = nil
	g.sink = nil
	g.last = nil
}

// RequestCurrent asks for a single fix at the given priority. done is called
// exactly once, from a gpsd or timer goroutine.
func (g *GPSD) RequestCurrent(p Priority, done func(Sample, error)) {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		done(Sample{}, ErrNoFix)
		return
	}
	w := &waiter{priority: p, done: done}
	w.timer = time.AfterFunc(g.fixTimeout, func() { g.expire(w) })
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()
}

func (g *GPSD) expire(w *waiter) {
	g.mu.Lock()
	found := false
	for i, cur := range g.waiters {
		if cur == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			found = true
			break
		}
	}
	g.mu.Unlock()
	if found {
		w.done(Sample{}, ErrNoFix)
	}
}

// HandleTPV converts one gpsd report and dispatches it to the subscription
// and to pending one-shot requests.
func (g *GPSD) HandleTPV(report *gpsd.TPVReport) {
	s, ok := sampleFromTPV(report)
	if !ok {
		return
	}

	var deliver func(Sample)
	var satisfied []*waiter

	g.mu.Lock()
	if g.sink != nil && accept(*g.req, g.last, s) {
		deliver = g.sink
		g.last = &s
	}
	remaining := g.waiters[:0]
	for _, w := range g.waiters {
		if s.AccuracyM <= w.priority.MaxAccuracy() && w.timer.Stop() {
			satisfied = append(satisfied, w)
			continue
		}
		remaining = append(remaining, w)
	}
	g.waiters = remaining
	g.mu.Unlock()

	if deliver != nil {
		deliver(s)
	}
	for _, w := range satisfied {
		w.done(s, nil)
	}
}

func sampleFromTPV(report *gpsd.TPVReport) (Sample, bool) {
	// 0=unknown, 1=no fix
	if report.Mode == gpsd.NoValueSeen || report.Mode == gpsd.NoFix {
		return Sample{}, false
	}
	s := Sample{
		Latitude:  report.Lat,
		Longitude: report.Lon,
		AccuracyM: math.Max(report.Epx, report.Epy),
		SpeedMPS:  report.Speed,
		Timestamp: report.Time,
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return s, true
}
