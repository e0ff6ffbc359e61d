// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upgrade

import (
	"context"
	"time"

	"github.com/Thermoquad/mcu-upgrade/pkg/bootproto"
	"github.com/Thermoquad/mcu-upgrade/pkg/firmware"
)

type eventKind int

const (
	eventInboundBytes eventKind = iota
	eventTimerFire
	eventUserStart
	eventUserStop
)

type controllerEvent struct {
	kind    eventKind
	bytes   []byte
	images  []*firmware.Image
	slaveID byte
}

// Controller is the single reactor goroutine described by the design
// notes: it owns one Session and one Framer, and drains exactly three
// kinds of event — inbound bytes from the transport, timer fires, and
// user commands (Start/Stop) — so nothing outside Run ever touches
// Session state concurrently. It implements Scheduler itself, routing
// timer fires back through its own event channel instead of letting the
// timer goroutine call into the Session directly.
type Controller struct {
	session *Session
	framer  bootproto.Framer
	events  chan controllerEvent

	timer *time.Timer
}

// NewController builds a Controller around a fresh Session using sender
// and observer, with opts applied to the Session (WithScheduler is
// overridden — the Controller always supplies itself).
func NewController(sender Sender, observer Observer, opts ...Option) *Controller {
	c := &Controller{
		events: make(chan controllerEvent, 64),
	}
	c.session = NewSession(sender, observer, append(opts, WithScheduler(c))...)
	return c
}

// Arm implements Scheduler by posting a timerFire event instead of
// invoking fire directly, keeping the timer goroutine from ever
// touching Session state.
func (c *Controller) Arm(d time.Duration, _ func()) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, func() {
		select {
		case c.events <- controllerEvent{kind: eventTimerFire}:
		default:
		}
	})
}

// Stop implements Scheduler.
func (c *Controller) Stop() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

// PostBytes delivers inbound transport bytes to the reactor. It is safe
// to call from the transport's own read goroutine.
func (c *Controller) PostBytes(data []byte) {
	c.events <- controllerEvent{kind: eventInboundBytes, bytes: data}
}

// StartUpgrade requests the reactor begin a session for images against
// slaveID. Safe to call from any goroutine.
func (c *Controller) StartUpgrade(images []*firmware.Image, slaveID byte) {
	c.events <- controllerEvent{kind: eventUserStart, images: images, slaveID: slaveID}
}

// CancelUpgrade requests the reactor cancel the in-progress session, if
// any. Safe to call from any goroutine.
func (c *Controller) CancelUpgrade() {
	c.events <- controllerEvent{kind: eventUserStop}
}

// Session exposes the underlying session for read-only inspection
// (State()) from the same goroutine that calls Run — callers on other
// goroutines should rely on Observer callbacks instead.
func (c *Controller) Session() *Session { return c.session }

// Run drains events until ctx is cancelled. It is the only goroutine
// that may call into the Session.
func (c *Controller) Run(ctx context.Context) {
	defer c.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			switch ev.kind {
			case eventInboundBytes:
				for _, frame := range c.framer.Feed(ev.bytes) {
					c.session.HandleFrame(frame)
				}
			case eventTimerFire:
				c.session.HandleTimeout()
			case eventUserStart:
				_ = c.session.Start(ev.images, ev.slaveID)
			case eventUserStop:
				c.session.Stop()
			}
		}
	}
}
