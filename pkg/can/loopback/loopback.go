// Package loopback is an in-memory CAN bus for tests and simulations.
//
// Every [Bus] opened on the same [Network] receives the frames sent by the
// others. A Bus can be told to refuse frames, to latch them in a bounded
// transmit queue, or to report arbitrary error counters, which makes it
// possible to exercise transmit retries and error handling without a controller.
package loopback

import (
	"context"
	"sync"

	"github.com/samsamfire/gocandriver/pkg/can"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultRxQueueSize = 256
	DefaultTxQueueSize = 1
)

var (
	networksMu sync.Mutex
	networks   = map[string]*Network{}
)

func init() {
	can.RegisterInterface("loopback", NewLoopbackBus)
}

// NewLoopbackBus opens a bus on the network named channel, the network is
// created on first use. The bitrate is ignored.
func NewLoopbackBus(channel string, bitrate int) (can.Bus, error) {
	networksMu.Lock()
	defer networksMu.Unlock()
	network, ok := networks[channel]
	if !ok {
		network = NewNetwork()
		networks[channel] = network
	}
	return network.Open(), nil
}

// Network is the shared medium of several buses
type Network struct {
	mu    sync.RWMutex
	buses map[*Bus]struct{}
}

func NewNetwork() *Network {
	return &Network{buses: map[*Bus]struct{}{}}
}

// Open creates a new bus attached to the network
func (n *Network) Open() *Bus {
	b := &Bus{
		network:     n,
		logger:      log.StandardLogger().WithField("service", "[LOOPBACK]"),
		txQueueSize: DefaultTxQueueSize,
	}
	n.mu.Lock()
	n.buses[b] = struct{}{}
	n.mu.Unlock()
	return b
}

func (n *Network) broadcast(from *Bus, receiveOwn bool, frame can.Frame) {
	n.mu.RLock()
	targets := make([]*Bus, 0, len(n.buses))
	for b := range n.buses {
		if b != from || receiveOwn {
			targets = append(targets, b)
		}
	}
	n.mu.RUnlock()
	for _, b := range targets {
		b.deliver(frame)
	}
}

type Bus struct {
	network     *Network
	logger      *log.Entry
	mu          sync.Mutex
	listener    can.FrameListener
	rxChan      chan can.Frame
	stopChan    chan struct{}
	wg          sync.WaitGroup
	connected   bool
	receiveOwn  bool
	sendErr     error
	hold        bool
	txQueue     []can.Frame
	txQueueSize int
	sent        []can.Frame
	counters    can.Counters
	filters     []can.Filter
	filtersSet  bool
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.rxChan = make(chan can.Frame, DefaultRxQueueSize)
	b.stopChan = make(chan struct{})
	b.connected = true
	b.wg.Add(1)
	go b.handleReception(b.rxChan, b.stopChan)
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	close(b.stopChan)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(ctx context.Context, frame can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return can.ErrClosed
	}
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}
	if b.hold {
		defer b.mu.Unlock()
		if len(b.txQueue) >= b.txQueueSize {
			return can.ErrBusy
		}
		b.txQueue = append(b.txQueue, frame)
		return nil
	}
	b.sent = append(b.sent, frame)
	receiveOwn := b.receiveOwn
	b.mu.Unlock()
	b.network.broadcast(b, receiveOwn, frame)
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *Bus) deliver(frame can.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || !b.accepts(frame) {
		return
	}
	select {
	case b.rxChan <- frame:
	default:
		b.counters.RxOverflow++
		b.logger.Warnf("rx queue full, dropping %v", frame)
	}
}

// Should be called only if mu is locked
func (b *Bus) accepts(frame can.Frame) bool {
	if !b.filtersSet {
		return true
	}
	for _, f := range b.filters {
		if frame.ID&f.Mask == f.Ident&f.Mask {
			return true
		}
	}
	return false
}

func (b *Bus) handleReception(rxChan chan can.Frame, stopChan chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stopChan:
			return
		case frame := <-rxChan:
			b.mu.Lock()
			listener := b.listener
			b.mu.Unlock()
			if listener != nil {
				listener.Handle(frame)
			}
		}
	}
}

// Inject simulates the reception of frame by this bus only
func (b *Bus) Inject(frame can.Frame) {
	b.deliver(frame)
}

// SetReceiveOwn makes the bus receive its own frames
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

// SetSendError makes every following Send fail with err, nil restores normal operation
func (b *Bus) SetSendError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Hold latches sent frames in the transmit queue instead of putting them on
// the network. Send returns can.ErrBusy once the queue holds size frames.
func (b *Bus) Hold(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size < 1 {
		size = 1
	}
	b.hold = true
	b.txQueueSize = size
}

// Release stops latching and puts every latched frame on the network
func (b *Bus) Release() int {
	b.mu.Lock()
	queue := b.txQueue
	b.txQueue = nil
	b.hold = false
	b.sent = append(b.sent, queue...)
	receiveOwn := b.receiveOwn
	b.mu.Unlock()
	for _, frame := range queue {
		b.network.broadcast(b, receiveOwn, frame)
	}
	return len(queue)
}

// TxQueue returns the frames currently latched
func (b *Bus) TxQueue() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.txQueue...)
}

// ClearTxQueue implements [can.TxQueueClearer]
func (b *Bus) ClearTxQueue() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txQueue = nil
	return nil
}

// Sent returns every frame put on the network by this bus
func (b *Bus) Sent() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.sent...)
}

// SetErrorCounters sets the counters reported by ErrorCounters
func (b *Bus) SetErrorCounters(counters can.Counters) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters = counters
}

// ErrorCounters implements [can.ErrorCounter]
func (b *Bus) ErrorCounters() (can.Counters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters, nil
}

// SetFilters implements [can.Filterer], an empty list accepts nothing
func (b *Bus) SetFilters(filters []can.Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append([]can.Filter(nil), filters...)
	b.filtersSet = true
	return nil
}

// Filters returns the filters currently programmed
func (b *Bus) Filters() []can.Filter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Filter(nil), b.filters...)
}
