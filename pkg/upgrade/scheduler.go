// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upgrade

import (
	"sync"
	"time"
)

// Scheduler arms and disarms the orchestrator's single watchdog timer.
// A Session never reads the clock directly; it only ever has one timer
// outstanding at a time, and a fresh Arm implicitly cancels whatever
// was previously pending.
type Scheduler interface {
	Arm(d time.Duration, fire func())
	Stop()
}

// realScheduler is the default Scheduler, backed by a time.Timer. It is
// safe to share between the goroutine that calls Arm/Stop and the timer
// goroutine that invokes fire, but it does not by itself serialize fire
// against concurrent Session method calls — callers that care about
// that (see Controller) must supply a Scheduler whose fire callback
// posts back onto a single-goroutine event loop instead of calling into
// the Session directly.
type realScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
}

func newRealScheduler() *realScheduler {
	return &realScheduler{}
}

func (r *realScheduler) Arm(d time.Duration, fire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, fire)
}

func (r *realScheduler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}
