//go:build linux

// Package socketcanv2 is a raw socketcan implementation based on golang.org/x/sys/unix.
// Compared to package socketcan, it supports hardware filters, send deadlines
// and reports controller error counters decoded from error frames.
package socketcanv2

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	SocketCANFrameSize  = 16
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Millisecond
)

func init() {
	can.RegisterInterface("socketcanv2", NewSocketCanBus)
}

type SocketcanBus struct {
	channel    string
	ifindex    int
	logger     *log.Entry
	mu         sync.Mutex
	f          *os.File
	fd         int
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	receiveOwn bool
	filters    []unix.CanFilter
	filtersSet bool
	counters   can.Counters
}

// Create a new SocketCAN bus. This expects the CAN channel to be up.
// e.g. running "ip a" should show can0 or something similar.
// The bitrate is configured by the system and is ignored here.
func NewSocketCanBus(channel string, bitrate int) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{
		channel: channel,
		ifindex: iface.Index,
		fd:      -1,
		logger:  log.StandardLogger().WithField("service", "[SOCKETCANV2]"),
	}, nil
}

// Should be called only if mu is locked
func (s *SocketcanBus) open() error {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("failed to create CAN socket : %w", err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, errFilter)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("failed to set error filter : %w", err)
	}
	if s.receiveOwn {
		_ = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1)
	}
	if s.filtersSet {
		err = unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, s.filters)
		if err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("failed to set filters : %w", err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: s.ifindex}); err != nil {
		_ = unix.Close(fd)
		return err
	}
	// Non blocking so that the runtime poller handles deadlines
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return err
	}
	s.fd = fd
	s.f = os.NewFile(uintptr(fd), fmt.Sprintf("%s fd %d", s.channel, fd))
	return nil
}

// "Connect" implementation of Bus interface
func (s *SocketcanBus) Connect(...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		return nil
	}
	if err := s.open(); err != nil {
		return err
	}
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func(f *os.File) {
		defer s.wg.Done()
		s.processIncoming(ctx, f)
	}(s.f)
	return nil
}

// "Disconnect" implementation of Bus interface
func (s *SocketcanBus) Disconnect() error {
	s.mu.Lock()
	if s.f == nil {
		s.mu.Unlock()
		return nil
	}
	f := s.f
	s.f = nil
	s.fd = -1
	s.cancel()
	s.mu.Unlock()
	err := f.Close()
	s.wg.Wait()
	return err
}

func encodeFrame(frame can.Frame) []byte {
	raw := make([]byte, SocketCANFrameSize)
	binary.NativeEndian.PutUint32(raw[0:4], frame.ID)
	raw[4] = frame.DLC
	raw[5] = frame.Flags
	copy(raw[8:], frame.Data[:])
	return raw
}

func decodeFrame(raw []byte) can.Frame {
	frame := can.Frame{
		ID:    binary.NativeEndian.Uint32(raw[0:4]),
		DLC:   raw[4],
		Flags: raw[5],
	}
	copy(frame.Data[:], raw[8:16])
	return frame
}

// "Send" implementation of Bus interface.
// The write is bounded by the deadline of ctx, or DefaultWriteTimeout.
// A full socket buffer is reported as can.ErrBusy.
func (s *SocketcanBus) Send(ctx context.Context, frame can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	f := s.f
	s.mu.Unlock()
	if f == nil {
		return can.ErrClosed
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}
	_ = f.SetWriteDeadline(deadline)
	n, err := f.Write(encodeFrame(frame))
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, unix.ENOBUFS) {
		return can.ErrBusy
	}
	if err != nil {
		return err
	}
	if n != SocketCANFrameSize {
		return fmt.Errorf("short write %v bytes", n)
	}
	return nil
}

// process incoming frames. This is meant to be run inside of a goroutine
func (s *SocketcanBus) processIncoming(ctx context.Context, f *os.File) {
	rxFrame := make([]byte, SocketCANFrameSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("exiting CAN bus reception, closed")
			return
		default:
		}
		_ = f.SetReadDeadline(time.Now().Add(DefaultReadTimeout))
		n, err := f.Read(rxFrame)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil || n != SocketCANFrameSize {
			if ctx.Err() == nil {
				s.logger.Errorf("exiting CAN bus reception : %v", err)
			}
			return
		}
		frame := decodeFrame(rxFrame)
		s.mu.Lock()
		if frame.IsError() {
			s.counters = decodeErrorFrame(s.counters, frame)
			s.mu.Unlock()
			continue
		}
		rxCallback := s.rxCallback
		s.mu.Unlock()
		if rxCallback != nil {
			rxCallback.Handle(frame)
		}
	}
}

// "Subscribe" implementation of Bus interface
func (s *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxCallback = rxCallback
	return nil
}

// Enable own reception on the bus. CAN be useful when testing for example
func (s *SocketcanBus) SetReceiveOwn(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveOwn = enabled
	if s.fd < 0 {
		return nil
	}
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	s.logger.Infof("setting option 'CAN_RAW_RECV_OWN_MSGS' fd %v enabled %v", s.fd, enabled)
	return unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// SetFilters implements [can.Filterer]. Filters are kept and applied again on reconnection.
func (s *SocketcanBus) SetFilters(filters []can.Filter) error {
	rawFilters := make([]unix.CanFilter, 0, len(filters))
	for _, filter := range filters {
		rawFilters = append(rawFilters, unix.CanFilter{Id: filter.Ident, Mask: filter.Mask})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = rawFilters
	s.filtersSet = true
	if s.fd < 0 {
		return nil
	}
	s.logger.Infof("setting option 'CAN_RAW_FILTER' fd %v filters %v", s.fd, len(rawFilters))
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, rawFilters)
}

// ErrorCounters implements [can.ErrorCounter], counters are decoded from error frames
func (s *SocketcanBus) ErrorCounters() (can.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters, nil
}
