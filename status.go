package candriver

import (
	"context"
	"time"

	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/samsamfire/gocandriver/pkg/metrics"
)

// Error counter thresholds of a CAN controller
const (
	thresholdWarning = 96
	thresholdPassive = 128
	thresholdBusOff  = 256
)

// Refresh updates the error status from the controller counters.
// Status is only recomputed when counters differ from the previous call.
// Bus off and rx overflow are sticky, they are cleared by [Module.ResetErrorStatus]
// or [Module.Init] only.
func (m *Module) Refresh(counters can.Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if counters == m.errOld {
		return
	}
	m.errOld = counters
	m.recomputations++
	m.metrics.IncRecomputations()

	status := m.status
	if counters.TxErrors >= thresholdBusOff {
		status |= can.CanErrorTxBusOff
	} else {
		// Recalculate status, first clear some flags
		status &^= can.CanErrorRxWarning | can.CanErrorRxPassive |
			can.CanErrorTxWarning | can.CanErrorTxPassive

		// rx bus warning or passive
		if counters.RxErrors >= thresholdPassive {
			status |= can.CanErrorRxWarning | can.CanErrorRxPassive
		} else if counters.RxErrors >= thresholdWarning {
			status |= can.CanErrorRxWarning
		}

		// tx bus warning or passive
		if counters.TxErrors >= thresholdPassive {
			status |= can.CanErrorTxWarning | can.CanErrorTxPassive
		} else if counters.TxErrors >= thresholdWarning {
			status |= can.CanErrorTxWarning
		}

		// If not tx passive clear also overflow
		if status&can.CanErrorTxPassive == 0 {
			status &^= can.CanErrorTxOverflow
		}
	}

	if counters.RxOverflow != 0 {
		status |= can.CanErrorRxOverflow
	}
	m.setStatus(status)
}

// Should be called only if mu is locked
func (m *Module) setStatus(status uint16) {
	if status == m.status {
		return
	}
	m.logger.Infof("error status changed x%04x => x%04x %v", m.status, status, metrics.StatusNames(status))
	m.status = status
	m.metrics.SetStatus(status)
}

// Status returns the error status bitmask, see can.CanError* bits
func (m *Module) Status() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ResetErrorStatus clears every status bit and forgets the last counters sample
func (m *Module) ResetErrorStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errOld = can.Counters{}
	m.setStatus(0)
}

// Recomputations returns how many times the status was recomputed
func (m *Module) Recomputations() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recomputations
}

// Process should be called cyclically. It reads error counters from the bus,
// when supported, updates the status and retries pending transmissions.
func (m *Module) Process(ctx context.Context) error {
	if counter, ok := m.bus.(can.ErrorCounter); ok {
		counters, err := counter.ErrorCounters()
		if err != nil {
			m.metrics.IncError(metrics.ErrCounters)
			m.logger.Warnf("failed to read error counters : %v", err)
		} else {
			m.Refresh(counters)
		}
	}
	_, err := m.TransmitPending(ctx)
	return err
}

// Run calls [Module.Process] every period until ctx is done
func (m *Module) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return ErrIllegalArgument
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	m.logger.Infof("starting processing every %v", period)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("exited processing")
			return nil
		case <-ticker.C:
			err := m.Process(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Warnf("processing error : %v", err)
			}
		}
	}
}
