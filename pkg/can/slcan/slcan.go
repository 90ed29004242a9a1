// Package slcan implements a CAN bus over a serial line adapter speaking the
// Lawicel / SLCAN ASCII protocol (CANable, USBtin, ...).
package slcan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

const (
	DefaultBaud        = 115200
	DefaultBitrate     = 500000
	DefaultReadTimeout = 100 * time.Millisecond
	readBufferSize     = 256
	// Longest valid line is an extended frame with 8 data bytes and a timestamp
	maxLineLength = 32
)

func init() {
	can.RegisterInterface("slcan", NewSlcanBus)
}

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openPort is a hook for tests
var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

type Bus struct {
	channel    string
	bitrateCmd string
	logger     *log.Entry
	mu         sync.Mutex
	writeMu    sync.Mutex
	port       Port
	listener   can.FrameListener
	counters   can.Counters
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewSlcanBus creates a bus on serial device channel e.g. /dev/ttyACM0.
// A bitrate of 0 selects DefaultBitrate.
func NewSlcanBus(channel string, bitrate int) (can.Bus, error) {
	if bitrate == 0 {
		bitrate = DefaultBitrate
	}
	cmd, err := bitrateCommand(bitrate)
	if err != nil {
		return nil, err
	}
	return &Bus{
		channel:    channel,
		bitrateCmd: cmd,
		logger:     log.StandardLogger().WithField("service", "[SLCAN]"),
	}, nil
}

func (b *Bus) write(port Port, data string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err := port.Write([]byte(data))
	return err
}

// "Connect" opens the serial device, sets the bitrate and opens the channel
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return nil
	}
	port, err := openPort(b.channel, DefaultBaud, DefaultReadTimeout)
	if err != nil {
		return err
	}
	// Close first, in case the adapter was left open
	for _, cmd := range []string{"C\r", b.bitrateCmd, "O\r"} {
		if err := b.write(port, cmd); err != nil {
			_ = port.Close()
			return err
		}
	}
	b.port = port
	b.stopChan = make(chan struct{})
	b.wg.Add(1)
	go b.handleReception(port, b.stopChan)
	b.logger.Infof("opened %v with %q", b.channel, b.bitrateCmd[:len(b.bitrateCmd)-1])
	return nil
}

// "Disconnect" closes the channel and the serial device
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	port := b.port
	b.port = nil
	if port == nil {
		b.mu.Unlock()
		return nil
	}
	close(b.stopChan)
	b.mu.Unlock()
	_ = b.write(port, "C\r")
	err := port.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface.
// Serial writes can not be cancelled, ctx is only checked beforehand.
func (b *Bus) Send(ctx context.Context, frame can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return can.ErrClosed
	}
	return b.write(port, EncodeFrame(frame))
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

// ErrorCounters implements [can.ErrorCounter].
// It polls the adapter status, the returned counters are those of the
// previous poll.
func (b *Bus) ErrorCounters() (can.Counters, error) {
	b.mu.Lock()
	port := b.port
	counters := b.counters
	b.mu.Unlock()
	if port == nil {
		return counters, can.ErrClosed
	}
	return counters, b.write(port, "F\r")
}

func (b *Bus) handleReception(port Port, stopChan chan struct{}) {
	defer b.wg.Done()
	buf := make([]byte, readBufferSize)
	acc := bytes.NewBuffer(nil)
	for {
		select {
		case <-stopChan:
			return
		default:
		}
		n, err := port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			b.processLines(acc)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Read timeout
				continue
			}
			select {
			case <-stopChan:
			default:
				b.logger.Errorf("listening routine has closed because : %v", err)
			}
			return
		}
	}
}

// processLines handles every complete line in acc, partial data is kept
func (b *Bus) processLines(acc *bytes.Buffer) {
	for {
		data := acc.Bytes()
		i := bytes.IndexAny(data, "\r\a")
		if i < 0 {
			if acc.Len() > maxLineLength {
				b.logger.Warnf("discarding %v bytes of garbage", acc.Len())
				acc.Reset()
			}
			return
		}
		line := string(data[:i])
		terminator := data[i]
		acc.Next(i + 1)
		if terminator == errorResponseBell {
			b.logger.Warn("adapter refused command")
			continue
		}
		b.handleLine(line)
	}
}

func (b *Bus) handleLine(line string) {
	if len(line) == 0 {
		return
	}
	switch line[0] {
	case 't', 'T', 'r', 'R':
		frame, err := DecodeFrame(line)
		if err != nil {
			b.logger.Warnf("invalid line %q : %v", line, err)
			return
		}
		b.mu.Lock()
		listener := b.listener
		b.mu.Unlock()
		if listener != nil {
			listener.Handle(frame)
		}
	case 'F':
		flags, err := strconv.ParseUint(line[1:], 16, 8)
		if err != nil {
			b.logger.Warnf("invalid status %q", line)
			return
		}
		b.mu.Lock()
		b.counters = decodeStatus(b.counters, uint8(flags))
		b.mu.Unlock()
		if flags&statusBusError != 0 {
			b.logger.Warn("adapter reports bus error")
		}
	case 'z', 'Z':
		// Transmit acknowledge
	default:
		b.logger.Debugf("ignoring line %q", line)
	}
}
