package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/battswap/serial-agent/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total frames decoded from the serial link.",
	})
	FramesCorrupt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_corrupt_frames_total",
		Help: "Total frame regions rejected (bad escape or CRC mismatch).",
	})
	FramesEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_empty_frames_total",
		Help: "Total zero-length frame regions skipped.",
	})
	MessagesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_messages_total",
		Help: "Total messages written to the serial link.",
	})
	CodecErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "message_codec_errors_total",
		Help: "Payloads dropped by the message codec, by error kind.",
	}, []string{"kind"})
	TelemetryRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_records_total",
		Help: "Total telemetry records accepted by the bridge.",
	})
	TelemetryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_dropped_records_total",
		Help: "Records inferred lost from sequence number gaps.",
	})
	SerialReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_reconnects_total",
		Help: "Total successful serial link (re)connections.",
	})
	LinkUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serial_link_up",
		Help: "1 while the serial link is connected.",
	})
	SessionEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serial_session_epoch",
		Help: "Epoch of the current serial session.",
	})
	SubscriberDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_subscriber_dropped_total",
		Help: "Telemetry events dropped due to full subscriber queues.",
	})
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_active_subscribers",
		Help: "Current number of telemetry subscribers.",
	})
	BroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_broadcast_fanout",
		Help: "Subscribers targeted in the most recent fan-out.",
	})
	QueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_queue_depth_max",
		Help: "Observed max queued events among subscribers in last sample.",
	})
	QueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_queue_depth_avg",
		Help: "Approximate average queued events per subscriber in last sample.",
	})
	CommandsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commands_submitted_total",
		Help: "Command requests accepted from gateway clients.",
	})
	CommandsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_resolved_total",
		Help: "Command resolutions by terminal outcome.",
	}, []string{"outcome"})
	UnmatchedAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "command_unmatched_acks_total",
		Help: "Acknowledgements discarded because no request was pending.",
	})
	GatewayClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_clients",
		Help: "Current number of connected gateway clients.",
	})
	GatewayRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rx_frames_total",
		Help: "Total frames received from gateway clients.",
	})
	GatewayTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_tx_frames_total",
		Help: "Total frames sent to gateway clients.",
	})
	TelemetryFieldGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_field_value",
		Help: "Last observed value per telemetry field.",
	}, []string{"field"})
	TelemetryFieldUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_field_updates_total",
		Help: "Total updates per telemetry field.",
	}, []string{"field"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialRead    = "serial_read"
	ErrSerialWrite   = "serial_write"
	ErrSerialOpen    = "serial_open"
	ErrTxOverflow    = "serial_tx_overflow"
	ErrGatewayRead   = "gateway_read"
	ErrGatewayWrite  = "gateway_write"
	ErrGatewayAccept = "gateway_accept"
	ErrTraceExport   = "trace_export"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localFrames       uint64
	localCorrupt      uint64
	localEmpty        uint64
	localTx           uint64
	localCodecErrs    uint64
	localTelemetry    uint64
	localTeleDropped  uint64
	localReconnects   uint64
	localSubDrops     uint64
	localSubscribers  uint64
	localFanout       uint64
	localCmdSubmitted uint64
	localCmdResolved  uint64
	localLateAcks     uint64
	localGwClients    uint64
	localGwRx         uint64
	localGwTx         uint64
	localErrors       uint64
	localQDMax        uint64
	localQDAvg        uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Frames            uint64
	CorruptFrames     uint64
	EmptyFrames       uint64
	MessagesTx        uint64
	CodecErrors       uint64
	Telemetry         uint64
	TelemetryDropped  uint64
	Reconnects        uint64
	SubscriberDrops   uint64
	Subscribers       uint64
	Fanout            uint64
	CommandsSubmitted uint64
	CommandsResolved  uint64
	UnmatchedAcks     uint64
	GatewayClients    uint64
	GatewayRx         uint64
	GatewayTx         uint64
	Errors            uint64 // sum across error labels
	QueueDepthMax     uint64
	QueueDepthAvg     uint64
}

func Snap() Snapshot {
	return Snapshot{
		Frames:            atomic.LoadUint64(&localFrames),
		CorruptFrames:     atomic.LoadUint64(&localCorrupt),
		EmptyFrames:       atomic.LoadUint64(&localEmpty),
		MessagesTx:        atomic.LoadUint64(&localTx),
		CodecErrors:       atomic.LoadUint64(&localCodecErrs),
		Telemetry:         atomic.LoadUint64(&localTelemetry),
		TelemetryDropped:  atomic.LoadUint64(&localTeleDropped),
		Reconnects:        atomic.LoadUint64(&localReconnects),
		SubscriberDrops:   atomic.LoadUint64(&localSubDrops),
		Subscribers:       atomic.LoadUint64(&localSubscribers),
		Fanout:            atomic.LoadUint64(&localFanout),
		CommandsSubmitted: atomic.LoadUint64(&localCmdSubmitted),
		CommandsResolved:  atomic.LoadUint64(&localCmdResolved),
		UnmatchedAcks:     atomic.LoadUint64(&localLateAcks),
		GatewayClients:    atomic.LoadUint64(&localGwClients),
		GatewayRx:         atomic.LoadUint64(&localGwRx),
		GatewayTx:         atomic.LoadUint64(&localGwTx),
		Errors:            atomic.LoadUint64(&localErrors),
		QueueDepthMax:     atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:     atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFrame() {
	FramesDecoded.Inc()
	atomic.AddUint64(&localFrames, 1)
}

func IncCorrupt() {
	FramesCorrupt.Inc()
	atomic.AddUint64(&localCorrupt, 1)
}

func IncEmpty() {
	FramesEmpty.Inc()
	atomic.AddUint64(&localEmpty, 1)
}

func IncMessageTx() {
	MessagesTx.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncCodecError(kind string) {
	CodecErrors.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localCodecErrs, 1)
}

func IncTelemetry() {
	TelemetryRecords.Inc()
	atomic.AddUint64(&localTelemetry, 1)
}

// AddTelemetryDropped accounts records inferred lost from a sequence gap.
func AddTelemetryDropped(n int) {
	TelemetryDropped.Add(float64(n))
	atomic.AddUint64(&localTeleDropped, uint64(n))
}

func IncReconnect() {
	SerialReconnects.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

func SetLinkUp(up bool) {
	if up {
		LinkUp.Set(1)
	} else {
		LinkUp.Set(0)
	}
}

func SetSessionEpoch(epoch uint64) { SessionEpoch.Set(float64(epoch)) }

func IncSubscriberDrop() {
	SubscriberDropped.Inc()
	atomic.AddUint64(&localSubDrops, 1)
}

func SetSubscribers(n int) {
	ActiveSubscribers.Set(float64(n))
	atomic.StoreUint64(&localSubscribers, uint64(n))
}

func SetBroadcastFanout(n int) {
	BroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetQueueDepth records a snapshot of max and avg subscriber queue depth.
func SetQueueDepth(max, avg int) {
	QueueDepthMax.Set(float64(max))
	QueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func IncCommandSubmitted() {
	CommandsSubmitted.Inc()
	atomic.AddUint64(&localCmdSubmitted, 1)
}

func IncCommandResolved(outcome string) {
	CommandsResolved.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&localCmdResolved, 1)
}

func IncUnmatchedAck() {
	UnmatchedAcks.Inc()
	atomic.AddUint64(&localLateAcks, 1)
}

func SetGatewayClients(n int) {
	GatewayClients.Set(float64(n))
	atomic.StoreUint64(&localGwClients, uint64(n))
}

func IncGatewayRx() {
	GatewayRx.Inc()
	atomic.AddUint64(&localGwRx, 1)
}

func IncGatewayTx() {
	GatewayTx.Inc()
	atomic.AddUint64(&localGwTx, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// ObserveField records the latest value of a numeric telemetry field.
func ObserveField(field string, value float64) {
	TelemetryFieldGauge.WithLabelValues(field).Set(value)
	TelemetryFieldUpdates.WithLabelValues(field).Inc()
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialRead, ErrSerialWrite, ErrSerialOpen, ErrTxOverflow,
		ErrGatewayRead, ErrGatewayWrite, ErrGatewayAccept, ErrTraceExport,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
