package candriver

import (
	"fmt"

	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/samsamfire/gocandriver/pkg/metrics"
)

const (
	identMask uint16 = 0x07FF
	rtrBit    uint16 = 0x0800
	// Size of the lookup table used with hardware filtering, 11 bit identifier + rtr
	lookupSize = 1 << 12
)

// Received message object
type RxBuffer struct {
	ident    uint16
	mask     uint16
	listener can.FrameListener
}

// Ident returns the identifier of the slot, rtr folded in bit 11
func (b *RxBuffer) Ident() uint16 {
	return b.ident
}

// Mask returns the mask of the slot, rtr bit always set
func (b *RxBuffer) Mask() uint16 {
	return b.mask
}

func (b *RxBuffer) matches(key uint16) bool {
	return (key^b.ident)&b.mask == 0
}

// RegisterReceiveFilter configures receive slot index so that frames matching
// ident/mask are passed to listener. Both rtr and non rtr frames never match the
// same slot, the rtr bit always takes part in matching.
func (m *Module) RegisterReceiveFilter(index int, ident uint16, mask uint16, rtr bool, listener can.FrameListener) error {
	if m == nil || listener == nil {
		return ErrIllegalArgument
	}
	m.rxMu.Lock()
	defer m.rxMu.Unlock()
	if index < 0 || index >= len(m.rx) {
		return ErrIllegalArgument
	}
	buffer := RxBuffer{
		ident:    ident & identMask,
		mask:     (mask & identMask) | rtrBit,
		listener: listener,
	}
	if rtr {
		buffer.ident |= rtrBit
	}
	m.rx[index] = buffer
	m.logger.Infof("setup buffer rx[%d] ident x%x mask x%x rtr %v", index, ident, mask, rtr)

	if m.useRxFilters && m.rxLookup != nil {
		return m.applyRxFilters()
	}
	return nil
}

// SetRxFilters computes the dispatch lookup table and programs the receive
// slots into the bus. Does nothing if hardware filtering is disabled.
func (m *Module) SetRxFilters() error {
	m.rxMu.Lock()
	defer m.rxMu.Unlock()
	if !m.useRxFilters {
		return nil
	}
	return m.applyRxFilters()
}

// Should be called only if rxMu is locked
func (m *Module) applyRxFilters() error {
	m.rxLookup = buildLookup(m.rx)
	filterer, ok := m.bus.(can.Filterer)
	if !ok {
		m.logger.Warnf("bus %T does not support filters, using lookup table only", m.bus)
		return nil
	}
	filters := make([]can.Filter, 0, len(m.rx))
	for _, buffer := range m.rx {
		if buffer.listener == nil {
			continue
		}
		filter := can.Filter{
			Ident: uint32(buffer.ident & identMask),
			Mask:  uint32(buffer.mask&identMask) | can.CanRtrFlag | can.CanEffFlag,
		}
		if buffer.ident&rtrBit != 0 {
			filter.Ident |= can.CanRtrFlag
		}
		filters = append(filters, filter)
	}
	err := filterer.SetFilters(filters)
	if err != nil {
		m.metrics.IncError(metrics.ErrRxFilters)
		return fmt.Errorf("failed to set rx filters : %w", err)
	}
	m.logger.Infof("programmed %v rx filters", len(filters))
	return nil
}

// buildLookup precomputes, for every 12 bit key, the index of the slot
// that the reverse linear scan would select, or -1.
func buildLookup(rx []RxBuffer) []int32 {
	lookup := make([]int32, lookupSize)
	for key := range lookup {
		lookup[key] = int32(scan(rx, uint16(key)))
	}
	return lookup
}

// scan searches rx from last slot to first, the last matching slot wins.
// Unconfigured slots never match.
func scan(rx []RxBuffer, key uint16) int {
	for i := len(rx) - 1; i >= 0; i-- {
		if rx[i].listener != nil && rx[i].matches(key) {
			return i
		}
	}
	return -1
}

// Handle implements [can.FrameListener].
// It is called by the bus for every received frame and passes the frame
// to the listener of the matching receive slot. Frames that match
// nothing are dropped.
func (m *Module) Handle(frame can.Frame) {
	if frame.IsExtended() || frame.IsError() {
		m.metrics.IncRxUnmatched()
		m.logger.Debugf("ignoring frame %v", frame)
		return
	}
	key := uint16(frame.ID & can.CanSffMask)
	if frame.IsRemote() {
		key |= rtrBit
	}

	var listener can.FrameListener
	index := -1
	m.rxMu.RLock()
	if m.useRxFilters && m.rxLookup != nil {
		// Verify match again, rtr included
		if i := m.rxLookup[key]; i >= 0 && int(i) < len(m.rx) && m.rx[i].matches(key) {
			index = int(i)
		}
	} else {
		index = scan(m.rx, key)
	}
	if index >= 0 {
		listener = m.rx[index].listener
	}
	m.rxMu.RUnlock()

	if listener == nil {
		m.metrics.IncRxUnmatched()
		m.logger.Debugf("no rx buffer for frame %v", frame)
		return
	}
	m.metrics.IncRxFrames()
	listener.Handle(frame)
}
