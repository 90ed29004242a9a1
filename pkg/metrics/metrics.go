// Package metrics exposes the driver counters through Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samsamfire/gocandriver/pkg/can"
	log "github.com/sirupsen/logrus"
)

const namespace = "candriver"

// Error label constants (stable label values to bound cardinality)
const (
	ErrTxHandoff = "tx_handoff"
	ErrTxClear   = "tx_clear"
	ErrCounters  = "error_counters"
	ErrRxFilters = "rx_filters"
)

// Status bit names used as label values of the status gauge
var statusBits = []struct {
	name string
	bit  uint16
}{
	{"tx_warning", can.CanErrorTxWarning},
	{"tx_passive", can.CanErrorTxPassive},
	{"tx_bus_off", can.CanErrorTxBusOff},
	{"tx_overflow", can.CanErrorTxOverflow},
	{"pdo_late", can.CanErrorPdoLate},
	{"rx_warning", can.CanErrorRxWarning},
	{"rx_passive", can.CanErrorRxPassive},
	{"rx_overflow", can.CanErrorRxOverflow},
}

// Metrics regroups all the collectors of one driver module.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RxFrames       prometheus.Counter
	RxUnmatched    prometheus.Counter
	TxFrames       prometheus.Counter
	TxDeferred     prometheus.Counter
	TxOverflows    prometheus.Counter
	TxPending      prometheus.Gauge
	SyncPurged     prometheus.Counter
	Recomputations prometheus.Counter
	Status         *prometheus.GaugeVec
	Errors         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// If reg is nil, collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RxFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_frames_total",
			Help:      "Total CAN frames dispatched to a registered listener.",
		}),
		RxUnmatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_unmatched_frames_total",
			Help:      "Total CAN frames discarded because no receive slot matched.",
		}),
		TxFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_frames_total",
			Help:      "Total CAN frames handed off to the controller.",
		}),
		TxDeferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_deferred_total",
			Help:      "Total sends that could not be handed off and were left pending.",
		}),
		TxOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_overflows_total",
			Help:      "Total sends on a transmit slot still waiting for delivery.",
		}),
		TxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tx_pending_slots",
			Help:      "Current number of transmit slots pending retransmission.",
		}),
		SyncPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_purged_frames_total",
			Help:      "Total synchronous frames discarded on sync abort.",
		}),
		Recomputations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_recomputations_total",
			Help:      "Total recomputations of the bus error status.",
		}),
		Status: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "Bus error status bits (1 when set).",
		}, []string{"bit"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error counters by subsystem.",
		}, []string{"where"}),
	}
}

func (m *Metrics) IncRxFrames() {
	if m == nil {
		return
	}
	m.RxFrames.Inc()
}

func (m *Metrics) IncRxUnmatched() {
	if m == nil {
		return
	}
	m.RxUnmatched.Inc()
}

func (m *Metrics) IncTxFrames() {
	if m == nil {
		return
	}
	m.TxFrames.Inc()
}

func (m *Metrics) IncTxDeferred() {
	if m == nil {
		return
	}
	m.TxDeferred.Inc()
}

func (m *Metrics) IncTxOverflows() {
	if m == nil {
		return
	}
	m.TxOverflows.Inc()
}

func (m *Metrics) SetTxPending(n uint32) {
	if m == nil {
		return
	}
	m.TxPending.Set(float64(n))
}

func (m *Metrics) AddSyncPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncPurged.Add(float64(n))
}

func (m *Metrics) IncRecomputations() {
	if m == nil {
		return
	}
	m.Recomputations.Inc()
}

// SetStatus mirrors every status bit into the status gauge
func (m *Metrics) SetStatus(status uint16) {
	if m == nil {
		return
	}
	for _, b := range statusBits {
		v := 0.0
		if status&b.bit != 0 {
			v = 1
		}
		m.Status.WithLabelValues(b.name).Set(v)
	}
}

func (m *Metrics) IncError(where string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(where).Inc()
}

// StatusNames returns the names of the bits set in status
func StatusNames(status uint16) []string {
	names := []string{}
	for _, b := range statusBits {
		if status&b.bit != 0 {
			names = append(names, b.name)
		}
	}
	return names
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
// ready may be nil, in which case the server always reports ready.
func StartHTTP(addr string, gatherer prometheus.Gatherer, ready func() bool) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready == nil || ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Infof("[METRICS] listening on %v", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("[METRICS] http server stopped : %v", err)
		}
	}()
	return srv
}
