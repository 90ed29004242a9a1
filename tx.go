package candriver

import (
	"context"
	"errors"

	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/samsamfire/gocandriver/pkg/metrics"
)

// Transmit message object.
// Data is filled by the owner of the slot before calling [Module.Send].
type TxBuffer struct {
	Data     [8]byte
	ident    uint16
	rtr      bool
	dlc      uint8
	full     bool
	syncFlag bool
	index    int
	frame    can.Frame // copy of the frame waiting for retransmission
}

// Ident returns the 11 bit identifier of the slot
func (b *TxBuffer) Ident() uint16 {
	return b.ident
}

// DLC returns the data length code of the slot
func (b *TxBuffer) DLC() uint8 {
	return b.dlc
}

// SyncFlag returns true if the slot holds synchronous frames
func (b *TxBuffer) SyncFlag() bool {
	return b.syncFlag
}

func (b *TxBuffer) toFrame() can.Frame {
	id := uint32(b.ident)
	if b.rtr {
		id |= can.CanRtrFlag
	}
	return can.Frame{ID: id, DLC: b.dlc, Data: b.Data}
}

// RegisterTransmitSlot configures transmit slot index and returns it.
// Returns nil if index is out of range. length is truncated to 4 bits.
func (m *Module) RegisterTransmitSlot(index int, ident uint16, rtr bool, length uint8, syncFlag bool) *TxBuffer {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.tx) {
		return nil
	}
	buffer := &m.tx[index]
	if buffer.full {
		m.txCount--
		m.metrics.SetTxPending(m.txCount)
	}
	buffer.ident = ident & identMask
	buffer.rtr = rtr
	buffer.dlc = length & 0x0F
	buffer.full = false
	buffer.syncFlag = syncFlag
	buffer.index = index
	m.logger.Infof("setup buffer tx[%d] ident x%x bytes %d sync %v", index, ident, length, syncFlag)
	return buffer
}

// Should be called only if mu is locked
func (m *Module) owns(buffer *TxBuffer) bool {
	return buffer.index >= 0 && buffer.index < len(m.tx) && &m.tx[buffer.index] == buffer
}

// Should be called only if mu is locked
func (m *Module) handoff(ctx context.Context, frame can.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, m.txTimeout)
	defer cancel()
	return m.bus.Send(ctx, frame)
}

// Send hands the frame in buffer off to the bus.
// If the bus cannot take it within the tx timeout, the slot stays pending and is
// retried by [Module.TransmitPending]; this is not reported as an error.
// ErrTxOverflow is returned if the slot was still pending, the new content
// replaces the pending one.
func (m *Module) Send(buffer *TxBuffer) error {
	if m == nil || buffer == nil {
		return ErrIllegalArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.owns(buffer) {
		return ErrIllegalArgument
	}

	var err error
	if buffer.full {
		if !m.firstTxPending {
			// Don't set error if bootup message is still on buffers
			m.status |= can.CanErrorTxOverflow
			m.metrics.SetStatus(m.status)
		}
		m.metrics.IncTxOverflows()
		err = ErrTxOverflow
	}

	buffer.frame = buffer.toFrame()
	errHandoff := m.handoff(context.Background(), buffer.frame)
	if errHandoff == nil {
		if buffer.full {
			buffer.full = false
			m.txCount--
		}
		if m.txCount == 0 {
			m.bufferInhibit = buffer.syncFlag
		}
		m.firstTxPending = false
		m.metrics.IncTxFrames()
	} else {
		m.logger.Warnf("tx x%x deferred : %v", buffer.ident, errHandoff)
		if !errors.Is(errHandoff, can.ErrBusy) {
			m.metrics.IncError(metrics.ErrTxHandoff)
		}
		m.metrics.IncTxDeferred()
		if !buffer.full {
			buffer.full = true
			m.txCount++
		}
	}
	m.metrics.SetTxPending(m.txCount)
	return err
}

// TransmitPending retries every pending slot in index order.
// The pass stops at the first slot that the bus refuses.
// Returns the number of frames handed off.
func (m *Module) TransmitPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transmitPending(ctx)
}

// TransmitComplete should be called when the bus reports that the previous frame
// left the controller. It releases the transmit buffer and sends pending slots.
func (m *Module) TransmitComplete(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstTxPending = false
	m.bufferInhibit = false
	return m.transmitPending(ctx)
}

// Should be called only if mu is locked
func (m *Module) transmitPending(ctx context.Context) (int, error) {
	if m.txCount == 0 {
		return 0, nil
	}
	sent := 0
	found := false
	defer func() {
		m.metrics.SetTxPending(m.txCount)
	}()
	for i := range m.tx {
		buffer := &m.tx[i]
		if !buffer.full {
			continue
		}
		found = true
		err := m.handoff(ctx, buffer.frame)
		if err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			m.logger.Debugf("tx x%x still pending : %v", buffer.ident, err)
			return sent, nil
		}
		buffer.full = false
		m.txCount--
		m.bufferInhibit = buffer.syncFlag
		m.firstTxPending = false
		m.metrics.IncTxFrames()
		sent++
	}
	// Clear counter if no more messages
	if !found {
		m.txCount = 0
	}
	return sent, nil
}

// TxPending returns the number of transmit slots waiting for retransmission
func (m *Module) TxPending() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txCount
}

// IsPending returns true if buffer is waiting for retransmission
func (m *Module) IsPending(buffer *TxBuffer) bool {
	if buffer == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return buffer.full
}
