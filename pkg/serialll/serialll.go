// Package serialll implements the LL (link-layer) collaborator of
// spec.md §6 on top of a real UART, using go.bug.st/serial. It
// generalizes the teacher's usock.readLoop — a single goroutine owns
// the blocking read and feeds bytes upward — but hands whole reads
// straight to a *datalink.DataLink instead of running its own framing
// state machine, since Framer already owns that job.
package serialll

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
)

// Config configures the serial port. BaudRate, DataBits, StopBits and
// Parity mirror serial.Mode; a zero value for any of them falls back
// to 8N1 at the given BaudRate, the same defaults the teacher's
// tarm/serial config used.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
	// ReadBufferSize sizes the chunked read buffer; 0 selects 4096.
	ReadBufferSize int
}

// LL is a datalink.LL implementation backed by an open serial.Port. It
// also owns the read loop that feeds received bytes into a DataLink.
type LL struct {
	port serial.Port
	log  *log.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	sendAvail uint32
}

// Open opens the serial device described by cfg and returns a ready LL.
// Call Attach once a DataLink exists to start the receive loop, mirroring
// the teacher's two-step clearUARTAttributes-then-OpenPort sequence:
// opening cleanly here, wiring the upper layer once it is constructed.
func Open(cfg Config, logger *log.Logger) (*LL, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("serialll: open %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialll: set read timeout: %w", err)
	}

	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = 4096
	}

	return &LL{
		port:      port,
		log:       logger,
		stopCh:    make(chan struct{}),
		sendAvail: uint32(bufSize),
	}, nil
}

// Send implements datalink.LL. go.bug.st/serial's Write blocks until the
// OS accepts the bytes, which in practice is effectively non-blocking
// for frame-sized writes against a UART FIFO; the Framer never hands us
// more than one frame at a time.
func (l *LL) Send(buffer []byte) error {
	_, err := l.port.Write(buffer)
	if err != nil {
		return fmt.Errorf("serialll: write: %w", err)
	}
	return nil
}

// SendAvailable implements datalink.LL. go.bug.st/serial exposes no
// TX-buffer-occupancy query, so this reports a fixed budget sized to
// the configured read buffer, matching the fixed-size-everything
// philosophy spec.md §9 settles on for tx_buffer_size.
func (l *LL) SendAvailable() uint32 {
	return l.sendAvail
}

// Attach starts the receive loop, forwarding every chunk read from the
// UART into dl.LLRecv. It runs until Close is called.
func (l *LL) Attach(dl *datalink.DataLink) {
	l.wg.Add(1)
	go l.readLoop(dl)
}

func (l *LL) readLoop(dl *datalink.DataLink) {
	defer l.wg.Done()

	buf := make([]byte, l.sendAvail) // sendAvail holds the configured ReadBufferSize
	l.log.Printf("serialll: starting read loop")

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		n, err := l.port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			l.log.Printf("serialll: read error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		dl.LLRecv(chunk)
	}
}

// Close stops the read loop and closes the underlying port.
func (l *LL) Close() error {
	close(l.stopCh)
	l.wg.Wait()
	return l.port.Close()
}
