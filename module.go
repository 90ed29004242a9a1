// Package candriver is the CAN driver layer of a CANopen node.
//
// A [Module] owns a fixed table of receive slots and transmit slots.
// Received frames are routed to the [can.FrameListener] registered on the
// matching receive slot, outgoing frames are handed off to the [can.Bus] or
// kept pending for a later retry, and the controller error counters are
// folded into a status bitmask using the can.CanError* bits.
package candriver

import (
	"sync"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/samsamfire/gocandriver/pkg/metrics"
	log "github.com/sirupsen/logrus"
)

// Maximum time spent waiting for the bus on each transmit attempt
const DefaultTxTimeout = 10 * time.Millisecond

// Module is the CAN endpoint of a node
type Module struct {
	bus       can.Bus
	logger    *log.Entry
	metrics   *metrics.Metrics
	txTimeout time.Duration

	// Receive side, written during configuration, read by the bus goroutine
	rxMu         sync.RWMutex
	rx           []RxBuffer
	rxLookup     []int32
	useRxFilters bool

	// Transmit side and error status
	mu             sync.Mutex
	tx             []TxBuffer
	status         uint16
	errOld         can.Counters
	recomputations uint64
	normal         bool
	bufferInhibit  bool
	firstTxPending bool
	txCount        uint32
}

type Option func(m *Module)

// WithLogger sets the logger used by the module
func WithLogger(logger *log.Logger) Option {
	return func(m *Module) {
		if logger != nil {
			m.logger = logger.WithField("service", "[CAN]")
		}
	}
}

// WithMetrics sets the collectors updated by the module
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Module) {
		m.metrics = mt
	}
}

// WithTxTimeout sets the bounded wait of each transmit attempt
func WithTxTimeout(timeout time.Duration) Option {
	return func(m *Module) {
		if timeout > 0 {
			m.txTimeout = timeout
		}
	}
}

// WithRxFilters enables hardware filtering. Receive slots are then
// programmed into the bus (when it implements can.Filterer) and
// dispatch uses a precomputed lookup table instead of a linear scan.
func WithRxFilters(enabled bool) Option {
	return func(m *Module) {
		m.useRxFilters = enabled
	}
}

// NewModule creates a module driving bus with the given receive and transmit arrays.
// Both arrays are owned by the module from now on and are reset.
func NewModule(bus can.Bus, rxArray []RxBuffer, txArray []TxBuffer, opts ...Option) (*Module, error) {
	if bus == nil {
		return nil, ErrIllegalArgument
	}
	m := &Module{
		bus:       bus,
		logger:    log.StandardLogger().WithField("service", "[CAN]"),
		txTimeout: DefaultTxTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	err := m.Init(rxArray, txArray)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Init (re)initializes the module with new arrays and puts it in configuration mode.
// Every receive slot is reset to accept nothing, every transmit slot is emptied
// and the error status is cleared. This is also the recovery path after bus off.
func (m *Module) Init(rxArray []RxBuffer, txArray []TxBuffer) error {
	if m == nil || rxArray == nil || txArray == nil {
		return ErrIllegalArgument
	}
	m.rxMu.Lock()
	defer m.rxMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range rxArray {
		rxArray[i] = RxBuffer{ident: 0, mask: 0xFFFF, listener: nil}
	}
	for i := range txArray {
		txArray[i] = TxBuffer{index: i}
	}
	m.rx = rxArray
	m.rxLookup = nil
	m.tx = txArray
	m.status = 0
	m.errOld = can.Counters{}
	m.normal = false
	m.bufferInhibit = false
	m.firstTxPending = true
	m.txCount = 0
	m.metrics.SetStatus(0)
	m.metrics.SetTxPending(0)
	m.logger.Infof("initialized with %v rx slots and %v tx slots", len(rxArray), len(txArray))
	return nil
}

// SetConfigurationMode stops normal operation, slots can be reconfigured
func (m *Module) SetConfigurationMode() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.normal = false
	m.logger.Info("entering configuration mode")
}

// SetNormalMode starts normal operation. If hardware filtering is enabled
// the receive slots are programmed into the bus first.
func (m *Module) SetNormalMode() error {
	if err := m.SetRxFilters(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.normal = true
	m.logger.Info("entering normal mode")
	return nil
}

// IsNormal returns true if the module is in normal mode
func (m *Module) IsNormal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.normal
}

// Disable goes back to configuration mode and disconnects the bus
func (m *Module) Disable() error {
	m.SetConfigurationMode()
	return m.bus.Disconnect()
}

// Bus returns the underlying bus
func (m *Module) Bus() can.Bus {
	return m.bus
}

// RxSize returns the number of receive slots
func (m *Module) RxSize() int {
	m.rxMu.RLock()
	defer m.rxMu.RUnlock()
	return len(m.rx)
}

// TxSize returns the number of transmit slots
func (m *Module) TxSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tx)
}
