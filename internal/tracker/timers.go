package tracker

import (
	"time"

	"tracking-service/internal/clock"
)

type timerKind int

const (
	timerReconcile timerKind = iota
	timerRenewal
	timerHeartbeat
)

// loopTimer is a periodic timer owned by the controller loop. Each schedule
// gets a new generation so fires of a stopped or replaced timer are dropped.
type loopTimer struct {
	kind  timerKind
	every time.Duration
	clock clock.Clock
	post  func(event)

	gen uint64
	t   clock.Timer
}

func newLoopTimer(kind timerKind, every time.Duration, clk clock.Clock, post func(event)) *loopTimer {
	return &loopTimer{kind: kind, every: every, clock: clk, post: post}
}

func (lt *loopTimer) start() {
	lt.stop()
	lt.schedule()
}

func (lt *loopTimer) schedule() {
	lt.gen++
	gen, kind, post := lt.gen, lt.kind, lt.post
	lt.t = lt.clock.AfterFunc(lt.every, func() {
		post(timerEvent{kind: kind, gen: gen})
	})
}

func (lt *loopTimer) stop() {
	if lt.t != nil {
		lt.t.Stop()
		lt.t = nil
	}
	lt.gen++
}

func (lt *loopTimer) active() bool {
	return lt.t != nil
}

// fire accepts a fire of the current generation and schedules the next one.
func (lt *loopTimer) fire(gen uint64) bool {
	if lt.t == nil || gen != lt.gen {
		return false
	}
	lt.schedule()
	return true
}

// current reports whether gen still belongs to the running schedule.
func (lt *loopTimer) current(gen uint64) bool {
	return lt.t != nil && gen == lt.gen
}
