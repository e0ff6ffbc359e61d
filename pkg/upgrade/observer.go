// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package upgrade implements the upgrade session state machine: the
// request/reset/command/data/end/total-end handshake driven across the
// four co-processors in fixed order, with packet acknowledgement,
// timeouts, and a capped retry-resend policy.
package upgrade

import "github.com/Thermoquad/mcu-upgrade/pkg/bootproto"

// Sender is the capability a Session needs to put bytes on the wire. It
// is the only way the orchestrator touches a transport — it never holds
// a reference to the transport itself, so there is no cycle between the
// session and the connection that feeds it.
type Sender interface {
	Send(frame []byte) (int, error)
}

// Observer receives everything a session reports about its own
// progress: human-readable informational lines, per-device and overall
// completion percentages, cancellation, and the single terminal
// finished event every session eventually emits (unless cancelled).
type Observer interface {
	// OnInfo delivers a human-readable progress or status line that has
	// no bearing on the state machine (erase-in-progress notices,
	// "starting device X", retry counters, and similar).
	OnInfo(message string)

	// OnProgress delivers the per-device and overall completion
	// percentages after each accepted data-packet acknowledgement.
	OnProgress(device bootproto.DeviceKind, deviceProgress, overallProgress int)

	// OnFinished delivers exactly one terminal outcome per session that
	// reaches SUCCESS or FAILED. success is false for every FAILED
	// path; message is the human-readable reason.
	OnFinished(success bool, message string)

	// OnCancelled delivers the outcome of an external Stop() call from
	// a non-IDLE state. No OnFinished event follows a cancellation.
	OnCancelled()
}
