package metrics

import (
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samsamfire/gocandriver/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRxFrames()
		m.IncRxUnmatched()
		m.IncTxFrames()
		m.IncTxDeferred()
		m.IncTxOverflows()
		m.SetTxPending(3)
		m.AddSyncPurged(2)
		m.IncRecomputations()
		m.SetStatus(0xFFFF)
		m.IncError(ErrTxHandoff)
	})
}

func TestRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncRxFrames()
	m.IncTxFrames()
	m.IncError(ErrCounters)
	count, err := testutil.GatherAndCount(reg)
	require.Nil(t, err)
	// Plain collectors are always exported, vectors once a child exists
	assert.Equal(t, 9, count)

	// Same registry twice panics
	assert.Panics(t, func() { New(reg) })
	// Unregistered collectors
	assert.NotPanics(t, func() { New(nil).IncRxFrames() })
}

func TestSetStatus(t *testing.T) {
	m := New(nil)
	m.SetStatus(can.CanErrorTxBusOff | can.CanErrorRxOverflow)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Status.WithLabelValues("tx_bus_off")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Status.WithLabelValues("rx_overflow")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Status.WithLabelValues("tx_warning")))
	m.SetStatus(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Status.WithLabelValues("tx_bus_off")))

	m.AddSyncPurged(0)
	m.AddSyncPurged(-1)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SyncPurged))
	m.AddSyncPurged(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SyncPurged))
}

func TestStatusNames(t *testing.T) {
	assert.Empty(t, StatusNames(0))
	assert.Equal(t, []string{"tx_warning", "tx_passive"}, StatusNames(can.CanErrorTxWarning|can.CanErrorTxPassive))
	assert.Equal(t, []string{"rx_warning", "rx_passive"}, StatusNames(can.CanErrorWarnPassive&^(can.CanErrorTxWarning|can.CanErrorTxPassive)))
	assert.Equal(t, []string{"pdo_late"}, StatusNames(can.CanErrorPdoLate))
}

func TestStartHTTP(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncTxFrames()
	var ready atomic.Bool
	srv := StartHTTP("127.0.0.1:29464", reg, ready.Load)
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get("http://127.0.0.1:29464" + path)
		if err != nil {
			return 0, ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}
	assert.Eventually(t, func() bool {
		code, _ := get("/ready")
		return code == http.StatusServiceUnavailable
	}, time.Second, 10*time.Millisecond)
	ready.Store(true)
	code, _ := get("/ready")
	assert.Equal(t, http.StatusOK, code)
	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "candriver_tx_frames_total 1"))
}
