// Package virtual implements a CAN bus over TCP, primarily used for testing.
//
// Every client connects to a broker that forwards frames to all the other
// clients. The wire format is the one of https://github.com/windelbouwman/virtualcan
// so that external brokers can be used, a [Broker] is also provided.
package virtual

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Write deadline used when the send context has none
const DefaultWriteTimeout = 10 * time.Millisecond

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

type Bus struct {
	logger     *log.Entry
	mu         sync.Mutex
	writeMu    sync.Mutex
	channel    string
	conn       net.Conn
	receiveOwn bool
	listener   can.FrameListener
	wg         sync.WaitGroup
}

// NewVirtualCanBus creates a client of the broker at channel e.g. localhost:18000.
// The bitrate is ignored.
func NewVirtualCanBus(channel string, bitrate int) (can.Bus, error) {
	return &Bus{
		channel: channel,
		logger:  log.StandardLogger().WithField("service", "[VIRTUAL]"),
	}, nil
}

// "Connect" to server
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		err := tcpConn.SetNoDelay(true)
		if err != nil {
			_ = conn.Close()
			return err
		}
	}
	b.conn = conn
	b.wg.Add(1)
	go b.handleReception(conn)
	b.logger.Infof("connected to %v", b.channel)
	return nil
}

// "Disconnect" from server
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Closing the connection unblocks the reception routine
	err := conn.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(ctx context.Context, frame can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	conn := b.conn
	listener := b.listener
	receiveOwn := b.receiveOwn
	b.mu.Unlock()
	if conn == nil {
		return can.ErrClosed
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}
	b.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	_, err = conn.Write(frameBytes)
	b.writeMu.Unlock()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return can.ErrBusy
	}
	if err != nil {
		return err
	}
	// Local loopback
	if receiveOwn && listener != nil {
		listener.Handle(frame)
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

// Handle incoming traffic until the connection is closed
func (b *Bus) handleReception(conn net.Conn) {
	defer b.wg.Done()
	reader := bufio.NewReader(conn)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				b.logger.Info("listening routine has closed")
			} else {
				b.logger.Errorf("listening routine has closed because : %v", err)
			}
			return
		}
		b.mu.Lock()
		listener := b.listener
		b.mu.Unlock()
		if listener != nil {
			listener.Handle(frame)
		}
	}
}

// SetReceiveOwn makes the bus receive its own frames
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
