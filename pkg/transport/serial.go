// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// SerialPort is the subset of serial.Port used by the serial buses.
type SerialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	SetRTS(rts bool) error
	SetDTR(dtr bool) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

var _ SerialPort = serial.Port(nil)

// DefaultReplyTimeout bounds how long the master waits for the first reply byte.
const DefaultReplyTimeout = 20 * time.Millisecond

// OpenSerialPort opens a serial port configured for the link (8N1).
func OpenSerialPort(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return port, nil
}

// SerialBus is the master side of the link over a UART. RTS acts as the select
// line and DTR as the recovery clock line.
type SerialBus struct {
	port    SerialPort
	timeout time.Duration
}

// NewSerialBus wraps port. A zero timeout selects DefaultReplyTimeout.
func NewSerialBus(port SerialPort, timeout time.Duration) (*SerialBus, error) {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &SerialBus{port: port, timeout: timeout}, nil
}

// Select drives the RTS line.
func (b *SerialBus) Select(active bool) error {
	return b.port.SetRTS(active)
}

// Transfer writes tx and reads the simultaneous reply into rx. A reply shorter
// than rx leaves the remainder zeroed; no reply at all is ErrNoReply.
func (b *SerialBus) Transfer(tx, rx []byte) error {
	if err := b.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("flush input: %w", err)
	}
	if _, err := b.port.Write(tx); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	clear(rx)
	got := 0
	for got < len(rx) {
		n, err := b.port.Read(rx[got:])
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			break
		}
		got += n
	}
	if got == 0 {
		return ErrNoReply
	}
	return nil
}

// Recover toggles the clock line and flushes both directions.
func (b *SerialBus) Recover() error {
	for i := 0; i < 9; i++ {
		if err := b.port.SetDTR(i%2 == 0); err != nil {
			return fmt.Errorf("toggle: %w", err)
		}
	}
	if err := b.port.SetDTR(false); err != nil {
		return fmt.Errorf("toggle: %w", err)
	}
	if err := b.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return b.port.ResetInputBuffer()
}

// Close closes the port.
func (b *SerialBus) Close() error {
	return b.port.Close()
}

// SerialSlaveBus is the slave side of the link over a UART. A reader goroutine
// treats the first received byte as the start of an exchange, answers with the
// queued buffer, and ends the exchange when the receive buffer is full or the
// line goes idle.
type SerialSlaveBus struct {
	port   SerialPort
	logger zerolog.Logger

	mu      sync.Mutex
	pending *loopbackExchange
	closed  bool

	wg sync.WaitGroup
}

// DefaultIdleGap ends a slave-side exchange.
const DefaultIdleGap = 5 * time.Millisecond

// NewSerialSlaveBus wraps port and starts its reader.
func NewSerialSlaveBus(port SerialPort, logger zerolog.Logger) (*SerialSlaveBus, error) {
	if err := port.SetReadTimeout(DefaultIdleGap); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	b := &SerialSlaveBus{port: port, logger: logger}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

// Queue arms one exchange.
func (b *SerialSlaveBus) Queue(tx, rx []byte, done func(n int)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.pending != nil {
		return ErrBusy
	}
	b.pending = &loopbackExchange{tx: tx, rx: rx, done: done}
	return nil
}

// Cancel drops the pending exchange.
func (b *SerialSlaveBus) Cancel() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	return nil
}

// Close stops the reader and closes the port.
func (b *SerialSlaveBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.pending = nil
	b.mu.Unlock()

	err := b.port.Close()
	b.wg.Wait()
	return err
}

func (b *SerialSlaveBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *SerialSlaveBus) readLoop() {
	defer b.wg.Done()

	scratch := make([]byte, 512)
	for {
		n, err := b.port.Read(scratch)
		if err != nil {
			if !b.isClosed() {
				b.logger.Error().Err(err).Msg("serial read failed")
			}
			return
		}
		if n == 0 {
			continue
		}

		b.mu.Lock()
		ex := b.pending
		b.pending = nil
		b.mu.Unlock()

		if ex == nil {
			// No exchange armed; the master reads an idle line.
			b.drain(scratch)
			continue
		}

		if _, err := b.port.Write(ex.tx); err != nil {
			b.logger.Debug().Err(err).Msg("serial reply write failed")
		}

		got := copy(ex.rx, scratch[:n])
		for got < len(ex.rx) {
			m, err := b.port.Read(ex.rx[got:])
			if err != nil || m == 0 {
				break
			}
			got += m
		}
		b.drain(scratch)

		ex.done(min(got, len(ex.tx)))
	}
}

// drain discards bytes until the line goes idle.
func (b *SerialSlaveBus) drain(scratch []byte) {
	for {
		n, err := b.port.Read(scratch)
		if err != nil || n == 0 {
			return
		}
	}
}
