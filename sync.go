package candriver

import (
	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/samsamfire/gocandriver/pkg/metrics"
)

// ClearPendingSyncFrames should be called when a SYNC window expires.
// A synchronous frame latched in the controller is aborted (if the bus
// supports it) and synchronous slots still pending are dropped.
// If anything was dropped, the pdo late status bit is set.
func (m *Module) ClearPendingSyncFrames() {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	aborted := false
	// Abort message from CAN controller if there is a synchronous frame
	if m.bufferInhibit {
		if clearer, ok := m.bus.(can.TxQueueClearer); ok {
			if err := clearer.ClearTxQueue(); err != nil {
				m.metrics.IncError(metrics.ErrTxClear)
				m.logger.Warnf("failed to clear tx queue : %v", err)
			}
		}
		m.bufferInhibit = false
		aborted = true
	}
	// Delete also pending synchronous frames in tx buffers
	if m.txCount != 0 {
		for i := range m.tx {
			buffer := &m.tx[i]
			if buffer.full && buffer.syncFlag {
				buffer.full = false
				m.txCount--
				deleted++
			}
		}
		m.metrics.SetTxPending(m.txCount)
	}
	if !aborted && deleted == 0 {
		return
	}
	m.metrics.AddSyncPurged(deleted)
	m.logger.Warnf("cleared pending sync frames, latched %v, pending %v", aborted, deleted)
	m.setStatus(m.status | can.CanErrorPdoLate)
}
