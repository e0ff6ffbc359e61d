// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upgrade

import (
	"testing"
	"time"

	"github.com/Thermoquad/mcu-upgrade/pkg/bootproto"
	"github.com/Thermoquad/mcu-upgrade/pkg/firmware"
)

// fakeSender records every frame handed to Send and can be made to fail
// on demand.
type fakeSender struct {
	sent    [][]byte
	failErr error
}

func (f *fakeSender) Send(frame []byte) (int, error) {
	if f.failErr != nil {
		return 0, f.failErr
	}
	cp := append([]byte(nil), frame...)
	f.sent = append(f.sent, cp)
	return len(frame), nil
}

func (f *fakeSender) last() []byte { return f.sent[len(f.sent)-1] }

// fakeObserver records every callback in order, for assertions on the
// sequence and final outcome.
type fakeObserver struct {
	infos      []string
	progress   []progressEvent
	finished   bool
	success    bool
	message    string
	cancelled  bool
}

type progressEvent struct {
	device  bootproto.DeviceKind
	deviceProgress int
	overall int
}

func (o *fakeObserver) OnInfo(message string) { o.infos = append(o.infos, message) }

func (o *fakeObserver) OnProgress(device bootproto.DeviceKind, deviceProgress, overallProgress int) {
	o.progress = append(o.progress, progressEvent{device: device, deviceProgress: deviceProgress, overall: overallProgress})
}

func (o *fakeObserver) OnFinished(success bool, message string) {
	o.finished = true
	o.success = success
	o.message = message
}

func (o *fakeObserver) OnCancelled() { o.cancelled = true }

// fakeScheduler is a Scheduler double that never actually waits: Arm
// just records the last-armed callback so a test can fire it
// synchronously via fire(), and armed/stopped counts let tests assert
// the timer discipline without real clocks.
type fakeScheduler struct {
	lastFire   func()
	armCount   int
	stopCount  int
}

func (s *fakeScheduler) Arm(d time.Duration, fire func()) {
	s.armCount++
	s.lastFire = fire
}

func (s *fakeScheduler) Stop() { s.stopCount++ }

func (s *fakeScheduler) fire() {
	if s.lastFire != nil {
		s.lastFire()
	}
}

func singleFPGAImage(t *testing.T, data []byte, packetSize int) *firmware.Image {
	t.Helper()
	images, err := firmware.Load(packetSize, []firmware.Selection{
		{Device: bootproto.DeviceFPGA, Enabled: true, Path: "fpga.bin"},
	}, func(string) ([]byte, error) { return data, nil })
	if err != nil {
		t.Fatalf("firmware.Load: %v", err)
	}
	return images[0]
}

func replyFrame(typ bootproto.MessageType, flag bootproto.ResponseFlag, payload []byte) bootproto.Frame {
	return bootproto.Frame{Dir: bootproto.DirectionSlave, SlaveID: 1, Type: typ, Flag: flag, Payload: payload}
}

// TestHappyPathSingleDevice covers S1: a single-device (FPGA) upgrade
// that sails through every state to SUCCESS, with the command frame
// carrying the exact fileSize/packetCount/fileCRC triplet, and overall
// progress reaching 100 only at the end.
func TestHappyPathSingleDevice(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE}
	img := singleFPGAImage(t, data, 2) // packetSize=2 -> 2 packets: {DE,AD}, {BE}

	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched))

	if err := s.Start([]*firmware.Image{img}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateWaitUpgradeRequest {
		t.Fatalf("state = %v, want StateWaitUpgradeRequest", s.State())
	}

	// UPGRADE_REQUEST accepted -> SYSTEM_RESET sent.
	s.HandleFrame(replyFrame(bootproto.MsgUpgradeRequest, bootproto.FlagAllowUpgrade, []byte{0x00}))
	if s.State() != StateWaitSystemReset {
		t.Fatalf("state = %v, want StateWaitSystemReset", s.State())
	}

	// SYSTEM_RESET accepted -> first device's *_COMMAND sent.
	s.HandleFrame(replyFrame(bootproto.MsgSystemReset, bootproto.FlagRestartSuccess, []byte{0x00}))
	if s.State() != StateWaitUpgradeCommand {
		t.Fatalf("state = %v, want StateWaitUpgradeCommand", s.State())
	}
	cmdFrame, err := bootproto.ParseFrame(sender.last())
	if err != nil {
		t.Fatalf("ParseFrame(command): %v", err)
	}
	if cmdFrame.Type != bootproto.MsgFPGACommand {
		t.Fatalf("command type = 0x%02X, want MsgFPGACommand", cmdFrame.Type)
	}
	if len(cmdFrame.Payload) != 8 {
		t.Fatalf("command payload len = %d, want 8", len(cmdFrame.Payload))
	}
	size := uint32(cmdFrame.Payload[0])<<24 | uint32(cmdFrame.Payload[1])<<16 | uint32(cmdFrame.Payload[2])<<8 | uint32(cmdFrame.Payload[3])
	count := uint16(cmdFrame.Payload[4])<<8 | uint16(cmdFrame.Payload[5])
	fileCRC := uint16(cmdFrame.Payload[6])<<8 | uint16(cmdFrame.Payload[7])
	if size != 3 || count != 2 || fileCRC != bootproto.CRC16(data) {
		t.Fatalf("command payload = size %d, count %d, crc 0x%04X; want 3, 2, 0x%04X", size, count, fileCRC, bootproto.CRC16(data))
	}

	// PREPARE_ERASE is an informational interim reply; state unchanged.
	s.HandleFrame(replyFrame(bootproto.MsgFPGACommand, bootproto.FlagPrepareErase, nil))
	if s.State() != StateWaitUpgradeCommand {
		t.Fatalf("state after PREPARE_ERASE = %v, want unchanged", s.State())
	}

	// ERASE_SUCCESS -> first data packet sent.
	s.HandleFrame(replyFrame(bootproto.MsgFPGACommand, bootproto.FlagEraseSuccess, []byte{0x00}))
	if s.State() != StateWaitUpgradeData {
		t.Fatalf("state = %v, want StateWaitUpgradeData", s.State())
	}

	// Packet 1 ACK -> packet 2 sent, progress 50%.
	ackPayload := func(packetNum, receivedCount uint16) []byte {
		return []byte{0x00, byte(packetNum >> 8), byte(packetNum), byte(receivedCount >> 8), byte(receivedCount)}
	}
	s.HandleFrame(replyFrame(bootproto.MsgFPGAData, bootproto.FlagSuccess, ackPayload(1, 1)))
	if s.State() != StateWaitUpgradeData {
		t.Fatalf("state = %v, want StateWaitUpgradeData", s.State())
	}
	if len(observer.progress) != 1 || observer.progress[0].deviceProgress != 50 {
		t.Fatalf("progress = %+v, want one event at 50%%", observer.progress)
	}

	// Packet 2 ACK (final) -> FPGA_END sent.
	s.HandleFrame(replyFrame(bootproto.MsgFPGAData, bootproto.FlagSuccess, ackPayload(2, 2)))
	if s.State() != StateWaitUpgradeEnd {
		t.Fatalf("state = %v, want StateWaitUpgradeEnd", s.State())
	}
	if len(observer.progress) != 2 || observer.progress[1].deviceProgress != 100 || observer.progress[1].overall != 100 {
		t.Fatalf("progress = %+v, want second event at 100%%/100%%", observer.progress)
	}

	// FPGA end success -> no more devices -> TOTAL_END sent.
	s.HandleFrame(replyFrame(bootproto.MsgFPGAEnd, bootproto.FlagFPGAConfigSuccess, []byte{0x00}))
	if s.State() != StateWaitTotalEnd {
		t.Fatalf("state = %v, want StateWaitTotalEnd", s.State())
	}

	// TOTAL_END success -> SUCCESS, then IDLE.
	s.HandleFrame(replyFrame(bootproto.MsgTotalEnd, bootproto.FlagSuccess, []byte{0x00}))
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle after success", s.State())
	}
	if !observer.finished || !observer.success {
		t.Fatalf("observer finished=%v success=%v, want true/true", observer.finished, observer.success)
	}
}

// TestDeviceRejectsUpgradeRequest covers S2: FORBID_UPGRADE on the
// initial request terminates the session immediately with a
// DeviceRejectionError and no further frames are sent.
func TestDeviceRejectsUpgradeRequest(t *testing.T) {
	img := singleFPGAImage(t, []byte{0x01, 0x02}, 2)
	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched))

	if err := s.Start([]*firmware.Image{img}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sentBefore := len(sender.sent)

	s.HandleFrame(replyFrame(bootproto.MsgUpgradeRequest, bootproto.FlagForbidUpgrade, []byte{0x01}))

	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", s.State())
	}
	if !observer.finished || observer.success {
		t.Fatalf("observer finished=%v success=%v, want true/false", observer.finished, observer.success)
	}
	want := (&DeviceRejectionError{Reason: "设备禁止升级或状态异常"}).Error()
	if observer.message != want {
		t.Fatalf("message = %q, want %q", observer.message, want)
	}
	if len(sender.sent) != sentBefore {
		t.Fatalf("sent %d more frames after rejection, want 0", len(sender.sent)-sentBefore)
	}
}

// TestDataAckPacketNumberMismatch covers S3: a data acknowledgement
// whose packet number does not match the outstanding packet fails the
// session with a ProtocolViolationError carrying the exact reason text.
func TestDataAckPacketNumberMismatch(t *testing.T) {
	img := singleFPGAImage(t, []byte{0xDE, 0xAD, 0xBE}, 2)
	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched))

	if err := s.Start([]*firmware.Image{img}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleFrame(replyFrame(bootproto.MsgUpgradeRequest, bootproto.FlagAllowUpgrade, []byte{0x00}))
	s.HandleFrame(replyFrame(bootproto.MsgSystemReset, bootproto.FlagRestartSuccess, []byte{0x00}))
	s.HandleFrame(replyFrame(bootproto.MsgFPGACommand, bootproto.FlagEraseSuccess, []byte{0x00}))

	// Expected packet number is 1; send 2 instead.
	badAck := []byte{0x00, 0x00, 0x02, 0x00, 0x02}
	s.HandleFrame(replyFrame(bootproto.MsgFPGAData, bootproto.FlagSuccess, badAck))

	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", s.State())
	}
	if !observer.finished || observer.success {
		t.Fatalf("observer finished=%v success=%v, want true/false", observer.finished, observer.success)
	}
	want := (&ProtocolViolationError{Reason: "包序号不匹配"}).Error()
	if observer.message != want {
		t.Fatalf("message = %q, want %q", observer.message, want)
	}
}

// TestTimeoutThenSuccessfulRetry covers S4: the watchdog fires once
// with budget remaining, the session resends the last frame and
// re-arms rather than failing, and a subsequent matching reply still
// completes that step normally.
func TestTimeoutThenSuccessfulRetry(t *testing.T) {
	img := singleFPGAImage(t, []byte{0x01, 0x02}, 2)
	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched), WithMaxRetries(3))

	if err := s.Start([]*firmware.Image{img}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sentAfterStart := len(sender.sent)

	sched.fire() // first timeout: resend
	if s.State() != StateWaitUpgradeRequest {
		t.Fatalf("state after first timeout = %v, want still WaitUpgradeRequest", s.State())
	}
	if observer.finished {
		t.Fatalf("observer finished after first timeout, want retry instead")
	}
	if len(sender.sent) != sentAfterStart+1 {
		t.Fatalf("sent %d frames after one timeout, want %d (resend)", len(sender.sent), sentAfterStart+1)
	}
	if string(sender.last()) != string(sender.sent[sentAfterStart-1]) {
		t.Fatalf("resent frame differs from the original request")
	}

	// A matching reply after the retry still advances normally and
	// resets the retry counter.
	s.HandleFrame(replyFrame(bootproto.MsgUpgradeRequest, bootproto.FlagAllowUpgrade, []byte{0x00}))
	if s.State() != StateWaitSystemReset {
		t.Fatalf("state = %v, want StateWaitSystemReset", s.State())
	}
	if s.retryCount != 0 {
		t.Fatalf("retryCount = %d, want 0 after a matching reply", s.retryCount)
	}
}

// TestTerminalTimeoutAfterRetryBudget covers S5: maxRetries consecutive
// timeouts with no intervening reply each trigger a resend, and the
// next one after that exhausts the budget and fails the session with
// TimeoutError.
func TestTerminalTimeoutAfterRetryBudget(t *testing.T) {
	img := singleFPGAImage(t, []byte{0x01, 0x02}, 2)
	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched), WithMaxRetries(3))

	if err := s.Start([]*firmware.Image{img}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		sched.fire()
		if observer.finished {
			t.Fatalf("observer finished early at retry %d", i+1)
		}
	}
	sched.fire() // 4th timeout: budget of 3 exhausted

	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", s.State())
	}
	if !observer.finished || observer.success {
		t.Fatalf("observer finished=%v success=%v, want true/false", observer.finished, observer.success)
	}
	want := (&TimeoutError{}).Error()
	if observer.message != want {
		t.Fatalf("message = %q, want %q", observer.message, want)
	}
}

// TestMultiDeviceFixedOrder covers the device-sequencing invariant:
// with FPGA and ARM both enabled, FPGA is fully driven through before
// ARM's command frame is ever sent, regardless of the order images
// were constructed in by the caller (firmware.Load already enforces
// this, but the session must not reorder on its own).
func TestMultiDeviceFixedOrder(t *testing.T) {
	images, err := firmware.Load(4, []firmware.Selection{
		{Device: bootproto.DeviceARM, Enabled: true, Path: "arm.bin"},
		{Device: bootproto.DeviceFPGA, Enabled: true, Path: "fpga.bin"},
	}, func(path string) ([]byte, error) {
		if path == "fpga.bin" {
			return []byte{0x01, 0x02, 0x03, 0x04}, nil
		}
		return []byte{0x05, 0x06, 0x07, 0x08}, nil
	})
	if err != nil {
		t.Fatalf("firmware.Load: %v", err)
	}
	if images[0].Device != bootproto.DeviceFPGA || images[1].Device != bootproto.DeviceARM {
		t.Fatalf("loader did not enforce fixed device order: %+v", images)
	}

	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched))

	if err := s.Start(images, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleFrame(replyFrame(bootproto.MsgUpgradeRequest, bootproto.FlagAllowUpgrade, []byte{0x00}))
	s.HandleFrame(replyFrame(bootproto.MsgSystemReset, bootproto.FlagRestartSuccess, []byte{0x00}))

	cmdFrame, err := bootproto.ParseFrame(sender.last())
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if cmdFrame.Type != bootproto.MsgFPGACommand {
		t.Fatalf("first command type = 0x%02X, want MsgFPGACommand (FPGA before ARM)", cmdFrame.Type)
	}
}

// TestDebugInfoResetsWatchdogWithoutAdvancingState covers the
// "chatty target" keepalive rule: a well-formed frame of an unexpected
// type leaves the state unchanged but still resets the retry counter
// and re-arms the timer.
func TestDebugInfoResetsWatchdogWithoutAdvancingState(t *testing.T) {
	img := singleFPGAImage(t, []byte{0x01, 0x02}, 2)
	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched))

	if err := s.Start([]*firmware.Image{img}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	armsBefore := sched.armCount

	s.HandleFrame(replyFrame(bootproto.MsgDebugInfo, bootproto.FlagSuccess, []byte("erasing...")))

	if s.State() != StateWaitUpgradeRequest {
		t.Fatalf("state = %v, want unchanged StateWaitUpgradeRequest", s.State())
	}
	if sched.armCount != armsBefore+1 {
		t.Fatalf("armCount = %d, want %d (timer re-armed)", sched.armCount, armsBefore+1)
	}
	if s.retryCount != 0 {
		t.Fatalf("retryCount = %d, want 0", s.retryCount)
	}
}

// TestCancelDuringUpgradeEmitsOnCancelledNotOnFinished covers the
// cancellation-is-distinct-from-failure rule.
func TestCancelDuringUpgradeEmitsOnCancelledNotOnFinished(t *testing.T) {
	img := singleFPGAImage(t, []byte{0x01, 0x02}, 2)
	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched))

	if err := s.Start([]*firmware.Image{img}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", s.State())
	}
	if !observer.cancelled {
		t.Fatalf("observer.cancelled = false, want true")
	}
	if observer.finished {
		t.Fatalf("observer.finished = true, want false on cancellation")
	}
}

// TestOverallProgressIsMonotonic covers the monotonic-progress
// invariant across a four-packet single-device upgrade: overall
// progress must never decrease between consecutive OnProgress calls.
func TestOverallProgressIsMonotonic(t *testing.T) {
	img := singleFPGAImage(t, []byte{0x01, 0x02, 0x03, 0x04}, 1)
	sender := &fakeSender{}
	observer := &fakeObserver{}
	sched := &fakeScheduler{}
	s := NewSession(sender, observer, WithScheduler(sched))

	if err := s.Start([]*firmware.Image{img}, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleFrame(replyFrame(bootproto.MsgUpgradeRequest, bootproto.FlagAllowUpgrade, []byte{0x00}))
	s.HandleFrame(replyFrame(bootproto.MsgSystemReset, bootproto.FlagRestartSuccess, []byte{0x00}))
	s.HandleFrame(replyFrame(bootproto.MsgFPGACommand, bootproto.FlagEraseSuccess, []byte{0x00}))

	for i := uint16(1); i <= 4; i++ {
		ack := []byte{0x00, byte(i >> 8), byte(i), byte(i >> 8), byte(i)}
		s.HandleFrame(replyFrame(bootproto.MsgFPGAData, bootproto.FlagSuccess, ack))
	}

	last := -1
	for _, ev := range observer.progress {
		if ev.overall < last {
			t.Fatalf("overall progress decreased: %+v", observer.progress)
		}
		last = ev.overall
	}
}
