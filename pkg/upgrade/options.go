// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upgrade

import "time"

// DefaultTimeout is the fixed per-frame watchdog interval from the
// transition table: armed after every frame that expects a reply.
const DefaultTimeout = 10 * time.Second

// DefaultMaxRetries is the number of resends attempted before a
// session gives up and fails with TimeoutError.
const DefaultMaxRetries = 3

// Option configures a Session at construction time.
type Option func(*Session)

// WithTimeout overrides the watchdog interval. Tests use this to avoid
// waiting on the real 10-second default.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithMaxRetries overrides the number of resends attempted before a
// session fails on timeout.
func WithMaxRetries(n int) Option {
	return func(s *Session) { s.maxRetries = n }
}

// WithScheduler overrides the Scheduler a session arms its watchdog
// timer with. Controller uses this to route timer fires through its
// single-goroutine event loop instead of the raw timer goroutine;
// tests use it to drive timeouts deterministically.
func WithScheduler(sch Scheduler) Option {
	return func(s *Session) { s.scheduler = sch }
}
