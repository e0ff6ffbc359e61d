// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upgrade

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Thermoquad/mcu-upgrade/pkg/bootproto"
	"github.com/Thermoquad/mcu-upgrade/pkg/firmware"
)

// State is one node of the upgrade session state machine.
type State int

const (
	StateIdle State = iota
	StateWaitUpgradeRequest
	StateWaitSystemReset
	StateWaitUpgradeCommand
	StateWaitUpgradeData
	StateWaitUpgradeEnd
	StateWaitTotalEnd
	StateUpgradeSuccess
	StateUpgradeFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaitUpgradeRequest:
		return "WAIT_UPGRADE_REQUEST"
	case StateWaitSystemReset:
		return "WAIT_SYSTEM_RESET"
	case StateWaitUpgradeCommand:
		return "WAIT_UPGRADE_COMMAND"
	case StateWaitUpgradeData:
		return "WAIT_UPGRADE_DATA"
	case StateWaitUpgradeEnd:
		return "WAIT_UPGRADE_END"
	case StateWaitTotalEnd:
		return "WAIT_TOTAL_END"
	case StateUpgradeSuccess:
		return "UPGRADE_SUCCESS"
	case StateUpgradeFailed:
		return "UPGRADE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Session is the live orchestrator for one firmware upgrade: the
// ordered set of enabled device images, the handshake state, packet
// accounting, and the retry/timeout watchdog. A Session is driven by
// HandleFrame and HandleTimeout; callers (typically a Controller) are
// responsible for serializing those calls onto a single goroutine — the
// Session itself does no locking.
//
// A Session may be reused for a second upgrade once it has returned to
// StateIdle after SUCCESS or FAILED, but a cancelled session must not be
// resumed; construct a fresh one instead.
type Session struct {
	sender   Sender
	observer Observer

	timeout    time.Duration
	maxRetries int
	scheduler  Scheduler

	images []*firmware.Image
	active int

	slaveID      byte
	totalPackets uint32
	sentPackets  uint32

	retryCount int
	state      State
	lastFrame  []byte
}

// NewSession constructs a session bound to the given Sender and
// Observer. It starts in StateIdle.
func NewSession(sender Sender, observer Observer, opts ...Option) *Session {
	s := &Session{
		sender:     sender,
		observer:   observer,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scheduler == nil {
		s.scheduler = newRealScheduler()
	}
	return s
}

// State reports the session's current state.
func (s *Session) State() State { return s.state }

func (s *Session) isTerminal() bool {
	return s.state == StateIdle || s.state == StateUpgradeSuccess || s.state == StateUpgradeFailed
}

// Start begins an upgrade session for the given images (already loaded,
// validated, and in fixed device order) against slaveID. It sends the
// upgrade-request frame and arms the watchdog. Start only succeeds from
// StateIdle; len(images) == 0 is a caller error since the firmware
// loader itself refuses to produce an empty set.
func (s *Session) Start(images []*firmware.Image, slaveID byte) error {
	if s.state != StateIdle {
		return fmt.Errorf("upgrade: session already in progress (state=%s)", s.state)
	}
	if len(images) == 0 {
		return fmt.Errorf("upgrade: no image to send")
	}

	s.images = images
	s.active = -1
	s.slaveID = slaveID
	s.retryCount = 0
	s.sentPackets = 0
	s.totalPackets = 0
	for _, img := range images {
		s.totalPackets += uint32(img.PacketCount)
	}

	flags := flagsForImages(images)
	frame := bootproto.BuildUpgradeRequest(slaveID, flags)
	if err := s.transitionTo(StateWaitUpgradeRequest, frame); err != nil {
		return nil // transitionTo has already reported the terminal failure
	}
	s.retryCount = 0
	s.armTimer()
	return nil
}

// Stop cancels a live session. It is a no-op from StateIdle. From any
// other state it disarms the watchdog, reports OnCancelled (not
// OnFinished — cancellation is distinct from failure), and returns to
// StateIdle.
func (s *Session) Stop() {
	if s.state == StateIdle {
		return
	}
	s.scheduler.Stop()
	s.state = StateIdle
	s.observer.OnCancelled()
}

// HandleTimeout processes the watchdog firing. Up to maxRetries resends
// of the last frame sent in the current state are attempted; beyond
// that the session fails with TimeoutError.
func (s *Session) HandleTimeout() {
	if s.isTerminal() {
		return
	}
	s.scheduler.Stop()
	s.retryCount++
	if s.retryCount > s.maxRetries {
		s.fail(&TimeoutError{})
		return
	}
	s.observer.OnInfo(fmt.Sprintf("重试 %d/%d", s.retryCount, s.maxRetries))
	if err := s.send(s.lastFrame); err != nil {
		s.fail(&TransportError{Err: err})
		return
	}
	s.armTimer()
}

// HandleFrame processes one decoded, CRC-validated inbound frame (the
// Framer has already dropped anything malformed). A frame whose message
// type does not match the current expectation leaves the state
// unchanged, but — matching the device's habit of interleaving
// DEBUG_INFO frames during long erases — every well-formed frame still
// resets the retry counter and restarts the watchdog, so a chatty
// target can't be mistaken for an unresponsive one.
func (s *Session) HandleFrame(f bootproto.Frame) {
	if s.isTerminal() {
		return
	}

	s.dispatch(f)

	if s.isTerminal() {
		s.scheduler.Stop()
		return
	}
	s.retryCount = 0
	s.armTimer()
}

func (s *Session) dispatch(f bootproto.Frame) {
	switch s.state {
	case StateWaitUpgradeRequest:
		s.handleUpgradeRequestReply(f)
	case StateWaitSystemReset:
		s.handleSystemResetReply(f)
	case StateWaitUpgradeCommand:
		s.handleUpgradeCommandReply(f)
	case StateWaitUpgradeData:
		s.handleUpgradeDataReply(f)
	case StateWaitUpgradeEnd:
		s.handleUpgradeEndReply(f)
	case StateWaitTotalEnd:
		s.handleTotalEndReply(f)
	}
}

func payloadZero(payload []byte) bool {
	return len(payload) >= 1 && payload[0] == 0x00
}

func (s *Session) handleUpgradeRequestReply(f bootproto.Frame) {
	if f.Type != bootproto.MsgUpgradeRequest {
		return
	}
	if f.Flag == bootproto.FlagAllowUpgrade && payloadZero(f.Payload) {
		frame := bootproto.BuildSystemReset(s.slaveID)
		_ = s.transitionTo(StateWaitSystemReset, frame)
		return
	}
	s.fail(&DeviceRejectionError{Reason: "设备禁止升级或状态异常"})
}

func (s *Session) handleSystemResetReply(f bootproto.Frame) {
	if f.Type != bootproto.MsgSystemReset {
		return
	}
	if f.Flag == bootproto.FlagRestartSuccess && payloadZero(f.Payload) {
		s.active = -1
		s.advanceDevice()
		return
	}
	s.fail(&DeviceRejectionError{Reason: "系统重启失败"})
}

func (s *Session) handleUpgradeCommandReply(f bootproto.Frame) {
	img := s.currentImage()
	if img == nil || f.Type != bootproto.CommandTypeFor(img.Device) {
		return
	}
	switch {
	case f.Flag == bootproto.FlagPrepareErase:
		s.observer.OnInfo(fmt.Sprintf("%s 正在擦除Flash", img.Device))
	case f.Flag == bootproto.FlagEraseSuccess && payloadZero(f.Payload):
		img.Reset()
		frame := bootproto.BuildUpgradeData(s.slaveID, img.Device, img.CurrentPacket()+1, img.NextPacket())
		_ = s.transitionTo(StateWaitUpgradeData, frame)
	default:
		s.fail(&DeviceRejectionError{Reason: fmt.Sprintf("擦除Flash失败: %s", bootproto.FailureReason(f.Flag))})
	}
}

func (s *Session) handleUpgradeDataReply(f bootproto.Frame) {
	img := s.currentImage()
	if img == nil || f.Type != bootproto.DataTypeFor(img.Device) {
		return
	}
	if f.Flag != bootproto.FlagSuccess {
		s.fail(&DeviceRejectionError{Reason: fmt.Sprintf("数据传输失败: %s", bootproto.FailureReason(f.Flag))})
		return
	}

	if err := validateDataAck(img, f.Payload); err != nil {
		s.fail(err)
		return
	}

	img.Advance()
	s.sentPackets++
	s.observer.OnProgress(img.Device, img.Progress(), s.overallProgress())

	if img.Done() {
		frame := bootproto.BuildUpgradeEnd(s.slaveID, img.Device)
		_ = s.transitionTo(StateWaitUpgradeEnd, frame)
		return
	}
	frame := bootproto.BuildUpgradeData(s.slaveID, img.Device, img.CurrentPacket()+1, img.NextPacket())
	_ = s.transitionTo(StateWaitUpgradeData, frame)
}

// validateDataAck checks the 5-byte data-ACK payload against the
// currently outstanding packet number and the image's total packet
// count, per the WAIT_UPGRADE_DATA acceptance rule.
func validateDataAck(img *firmware.Image, payload []byte) error {
	if len(payload) < 5 {
		return &ProtocolViolationError{Reason: "数据确认报文过短"}
	}
	status := payload[0]
	packetNum := binary.BigEndian.Uint16(payload[1:3])
	receivedCount := binary.BigEndian.Uint16(payload[3:5])

	if status != 0x00 {
		return &ProtocolViolationError{Reason: "数据确认状态异常"}
	}
	if packetNum != img.CurrentPacket()+1 {
		return &ProtocolViolationError{Reason: "包序号不匹配"}
	}
	if receivedCount < packetNum || receivedCount > img.PacketCount {
		return &ProtocolViolationError{Reason: "已接收包数异常"}
	}
	return nil
}

func (s *Session) handleUpgradeEndReply(f bootproto.Frame) {
	img := s.currentImage()
	if img == nil || f.Type != bootproto.EndTypeFor(img.Device) {
		return
	}
	okFlag := f.Flag == bootproto.FlagSuccess || f.Flag == bootproto.FlagUpgradeEnd || f.Flag == bootproto.FlagFPGAConfigSuccess
	if okFlag && payloadZero(f.Payload) {
		s.advanceDevice()
		return
	}
	s.fail(&DeviceRejectionError{Reason: fmt.Sprintf("设备升级失败: %s", bootproto.FailureReason(f.Flag))})
}

func (s *Session) handleTotalEndReply(f bootproto.Frame) {
	if f.Type != bootproto.MsgTotalEnd {
		return
	}
	if f.Flag == bootproto.FlagSuccess && payloadZero(f.Payload) {
		s.succeed()
		return
	}
	s.fail(&DeviceRejectionError{Reason: fmt.Sprintf("总体结束失败: %s", bootproto.FailureReason(f.Flag))})
}

// advanceDevice starts the next device in s.images, or sends total-end
// once the last device (always ARM, when present, per fixed device
// order) has finished.
func (s *Session) advanceDevice() {
	s.active++
	if s.active >= len(s.images) {
		frame := bootproto.BuildTotalEnd(s.slaveID)
		_ = s.transitionTo(StateWaitTotalEnd, frame)
		return
	}

	img := s.images[s.active]
	img.Reset()
	s.observer.OnInfo(fmt.Sprintf("准备升级 %s", img.Device))
	frame := bootproto.BuildUpgradeCommand(s.slaveID, img.Device, uint32(len(img.Data)), img.PacketCount, img.CRC)
	_ = s.transitionTo(StateWaitUpgradeCommand, frame)
}

func (s *Session) currentImage() *firmware.Image {
	if s.active < 0 || s.active >= len(s.images) {
		return nil
	}
	return s.images[s.active]
}

func (s *Session) overallProgress() int {
	if s.totalPackets == 0 {
		return 100
	}
	return int(100 * s.sentPackets / s.totalPackets)
}

// transitionTo sends frame, records it as the one to resend on timeout,
// and moves the state machine to next. A Sender failure terminates the
// session with a TransportError; the returned error exists only so
// call sites can short-circuit, since fail() has already reported it.
func (s *Session) transitionTo(next State, frame []byte) error {
	s.lastFrame = frame
	s.state = next
	if err := s.send(frame); err != nil {
		s.fail(&TransportError{Err: err})
		return err
	}
	return nil
}

func (s *Session) send(frame []byte) error {
	_, err := s.sender.Send(frame)
	return err
}

func (s *Session) armTimer() {
	s.scheduler.Arm(s.timeout, s.HandleTimeout)
}

func (s *Session) succeed() {
	s.scheduler.Stop()
	s.state = StateIdle
	s.observer.OnProgress(s.lastDevice(), 100, 100)
	s.observer.OnFinished(true, "所有设备升级成功")
}

func (s *Session) fail(err error) {
	s.scheduler.Stop()
	s.state = StateIdle
	s.observer.OnFinished(false, err.Error())
}

func (s *Session) lastDevice() bootproto.DeviceKind {
	if len(s.images) == 0 {
		return bootproto.DeviceARM
	}
	return s.images[len(s.images)-1].Device
}

// flagsForImages packs the UpgradeFlags byte from the set of images the
// loader produced (already restricted to the enabled devices).
func flagsForImages(images []*firmware.Image) bootproto.UpgradeFlags {
	var flags bootproto.UpgradeFlags
	for _, img := range images {
		switch img.Device {
		case bootproto.DeviceFPGA:
			flags.FPGA = true
		case bootproto.DeviceDSP1:
			flags.DSP1 = true
		case bootproto.DeviceDSP2:
			flags.DSP2 = true
		case bootproto.DeviceARM:
			flags.ARM = true
		}
	}
	return flags
}
