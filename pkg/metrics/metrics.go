// Package metrics provides Prometheus metrics collection for relay traffic
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder tracks relay traffic metrics and syncs with Prometheus
type Recorder struct {
	mu               sync.RWMutex
	toBridge         int64
	toDevice         int64
	authFailures     int64
	rateLimited      int64
	pairingsCreated  int64
	pairingsRedeemed int64
}

// NewRecorder creates a new metrics recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Register registers all relay collectors with the given registerer
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		connectedDevices,
		bridgeConnected,
		msgsForwarded,
		authFailures,
		rateLimited,
		pairingSessions,
		pairingsCreated,
		pairingsRedeemed,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// SetConnectedDevices updates the connected mobile device gauge
func (r *Recorder) SetConnectedDevices(n int) {
	connectedDevices.Set(float64(n))
}

// SetBridgeConnected updates the bridge tunnel gauge (0 or 1)
func (r *Recorder) SetBridgeConnected(connected bool) {
	if connected {
		bridgeConnected.Set(1)
	} else {
		bridgeConnected.Set(0)
	}
}

// SetPendingPairings updates the pending pairing session gauge
func (r *Recorder) SetPendingPairings(n int) {
	pairingSessions.Set(float64(n))
}

// RecordForwardedToBridge records a device-to-bridge message
func (r *Recorder) RecordForwardedToBridge() {
	r.mu.Lock()
	r.toBridge++
	r.mu.Unlock()
	msgsForwarded.WithLabelValues("to_bridge").Inc()
}

// RecordForwardedToDevice records a bridge-to-device message
func (r *Recorder) RecordForwardedToDevice() {
	r.mu.Lock()
	r.toDevice++
	r.mu.Unlock()
	msgsForwarded.WithLabelValues("to_device").Inc()
}

// RecordAuthFailure records a failed credential or bridge token check
func (r *Recorder) RecordAuthFailure(surface string) {
	r.mu.Lock()
	r.authFailures++
	r.mu.Unlock()
	authFailures.WithLabelValues(surface).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter
func (r *Recorder) RecordRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
	rateLimited.Inc()
}

// RecordPairingCreated records a minted pairing session
func (r *Recorder) RecordPairingCreated() {
	r.mu.Lock()
	r.pairingsCreated++
	r.mu.Unlock()
	pairingsCreated.Inc()
}

// RecordPairingRedeemed records a successfully redeemed pairing session
func (r *Recorder) RecordPairingRedeemed() {
	r.mu.Lock()
	r.pairingsRedeemed++
	r.mu.Unlock()
	pairingsRedeemed.Inc()
}

// GetSnapshot returns a snapshot of current counters
func (r *Recorder) GetSnapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int64{
		"forwarded_to_bridge": r.toBridge,
		"forwarded_to_device": r.toDevice,
		"auth_failures":       r.authFailures,
		"rate_limited":        r.rateLimited,
		"pairings_created":    r.pairingsCreated,
		"pairings_redeemed":   r.pairingsRedeemed,
	}
}

var (
	// Gauge metrics
	connectedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_devices",
			Help: "Number of authenticated mobile devices currently connected",
		},
	)

	bridgeConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_bridge_connected",
			Help: "Whether the local bridge tunnel is connected (0 or 1)",
		},
	)

	pairingSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_pairing_sessions_pending",
			Help: "Number of unexpired pairing sessions awaiting redemption",
		},
	)

	// Counter metrics
	msgsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_forwarded_total",
			Help: "Total number of messages forwarded through the relay",
		},
		[]string{"direction"},
	)

	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
		[]string{"surface"},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	pairingsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_pairings_created_total",
			Help: "Total number of pairing sessions created",
		},
	)

	pairingsRedeemed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_pairings_redeemed_total",
			Help: "Total number of pairing sessions successfully redeemed",
		},
	)
)
