// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Transport is the capability the upgrade reactor's event-posting
// glue needs from a physical link: it can send frames, it delivers
// every inbound chunk of bytes to onBytes as soon as a read returns,
// and it reports the one way a link can fail asynchronously — a read
// error — through onDisconnected. It satisfies upgrade.Sender.
type Transport interface {
	Send(frame []byte) (int, error)
	SetOnBytes(func([]byte))
	SetOnDisconnected(func(error))
	Close() error
}

// SerialTransport wraps a go.bug.st/serial.Port.
type SerialTransport struct {
	port serial.Port

	mu              sync.Mutex
	onBytes         func([]byte)
	onDisconnected  func(error)
	stopRead        chan struct{}
}

// OpenSerialTransport opens the named serial port with the given
// parameters and starts its background read loop.
func OpenSerialTransport(cfg SerialConfig) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: parseStopBits(cfg.StopBits),
		Parity:   parseParity(cfg.Parity),
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	t := &SerialTransport{port: port, stopRead: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

func parseStopBits(n int) serial.StopBits {
	switch n {
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

func parseParity(p string) serial.Parity {
	switch strings.ToLower(p) {
	case "even":
		return serial.EvenParity
	case "odd":
		return serial.OddParity
	default:
		return serial.NoParity
	}
}

func (t *SerialTransport) Send(frame []byte) (int, error) { return t.port.Write(frame) }

func (t *SerialTransport) SetOnBytes(f func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBytes = f
}

func (t *SerialTransport) SetOnDisconnected(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnected = f
}

func (t *SerialTransport) Close() error {
	close(t.stopRead)
	return t.port.Close()
}

func (t *SerialTransport) readLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-t.stopRead:
			return
		default:
		}
		n, err := t.port.Read(buf)
		if err != nil {
			t.mu.Lock()
			cb := t.onDisconnected
			t.mu.Unlock()
			if cb != nil {
				cb(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		t.mu.Lock()
		cb := t.onBytes
		t.mu.Unlock()
		if cb != nil {
			chunk := append([]byte(nil), buf[:n]...)
			cb(chunk)
		}
	}
}

// TCPTransport wraps a net.Conn dialed with a fixed handshake timeout,
// carrying the upgrade protocol's own framing directly over the
// socket — no WebSocket upgrade handshake, since the target speaks raw
// bytes over TCP, not HTTP.
type TCPTransport struct {
	conn net.Conn

	mu             sync.Mutex
	onBytes        func([]byte)
	onDisconnected func(error)
	stopRead       chan struct{}
}

// OpenTCPTransport dials host:port and starts the background read
// loop.
func OpenTCPTransport(cfg TCPConfig) (*TCPTransport, error) {
	conn, err := net.DialTimeout("tcp", cfg.addr(), 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.addr(), err)
	}
	t := &TCPTransport{conn: conn, stopRead: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

func (t *TCPTransport) Send(frame []byte) (int, error) { return t.conn.Write(frame) }

func (t *TCPTransport) SetOnBytes(f func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBytes = f
}

func (t *TCPTransport) SetOnDisconnected(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnected = f
}

func (t *TCPTransport) Close() error {
	close(t.stopRead)
	return t.conn.Close()
}

func (t *TCPTransport) readLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-t.stopRead:
			return
		default:
		}
		n, err := t.conn.Read(buf)
		if err != nil {
			t.mu.Lock()
			cb := t.onDisconnected
			t.mu.Unlock()
			if cb != nil {
				cb(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		t.mu.Lock()
		cb := t.onBytes
		t.mu.Unlock()
		if cb != nil {
			chunk := append([]byte(nil), buf[:n]...)
			cb(chunk)
		}
	}
}

// OpenTransport opens the transport named by cfg.Transport.
func OpenTransport(cfg *Config) (Transport, error) {
	switch cfg.Transport {
	case "tcp":
		return OpenTCPTransport(cfg.TCP)
	case "serial", "":
		return OpenSerialTransport(cfg.Serial)
	default:
		return nil, fmt.Errorf("unsupported transport %q (use serial or tcp)", cfg.Transport)
	}
}
