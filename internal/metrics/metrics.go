// Package metrics implements the pool's unified Prometheus registry plus
// the aggregated /health endpoint that polls peer regions' /metrics in
// relay deployments, grounded in the teacher's inline promhttp wiring in
// server.go, pulled out into its own component so §4.8 is testable in
// isolation.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Registry holds the pool-wide Prometheus collectors, registered against
// their own *prometheus.Registry rather than the global default so
// multiple instances (e.g. in tests) never collide.
type Registry struct {
	reg *prometheus.Registry

	SharesAccepted    prometheus.Counter
	SharesRejected    *prometheus.CounterVec // labeled by reason: stale/duplicate/low_difficulty/time_window/malformed
	BlocksFound       prometheus.Counter
	ConnectedMiners   prometheus.Gauge
	BlockHeight       prometheus.Gauge
	BitcoinConnected  prometheus.Gauge
	ASICBoostSessions prometheus.Gauge
	AcceptedDifficultyTotal prometheus.Counter
}

// NewRegistry creates a fresh metrics registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		SharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratum_shares_accepted_total",
			Help: "Total accepted shares",
		}),
		SharesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratum_shares_rejected_total",
			Help: "Total rejected shares, labeled by reason",
		}, []string{"reason"}),
		BlocksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratum_blocks_found_total",
			Help: "Total blocks found by this pool instance",
		}),
		ConnectedMiners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratum_connected_miners",
			Help: "Number of currently connected mining sessions",
		}),
		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratum_block_height",
			Help: "Current block height being worked on",
		}),
		BitcoinConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratum_bitcoin_connected",
			Help: "1 if the configured Bitcoin node is reachable, 0 otherwise",
		}),
		ASICBoostSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratum_asicboost_sessions",
			Help: "Number of sessions negotiating version-rolling (ASICBoost)",
		}),
		AcceptedDifficultyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratum_accepted_difficulty_total",
			Help: "Sum of session difficulty for every accepted share, for hashrate estimation",
		}),
	}

	r.reg.MustRegister(
		r.SharesAccepted, r.SharesRejected, r.BlocksFound, r.ConnectedMiners,
		r.BlockHeight, r.BitcoinConnected, r.ASICBoostSessions, r.AcceptedDifficultyTotal,
	)
	return r
}

// Handler returns the Prometheus exposition HTTP handler for this
// registry's collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RegionStatus is one peer region's contribution to the aggregated health
// payload.
type RegionStatus struct {
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// HealthStatus is the aggregated health payload served on /health.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Regions   map[string]RegionStatus `json:"regions,omitempty"`
}

// HealthAggregator polls peer regions' /metrics endpoints and serves a
// combined health verdict. In standalone mode Peers is empty and the
// endpoint simply reports this instance's own status.
type HealthAggregator struct {
	selfRegion string
	peers      map[string]string // region -> base URL
	client     *http.Client
	logger     *zap.Logger

	mu      sync.RWMutex
	regions map[string]RegionStatus
}

// NewHealthAggregator creates an aggregator. peers maps region name to the
// base URL of that region's health/metrics server.
func NewHealthAggregator(selfRegion string, peers map[string]string, logger *zap.Logger) *HealthAggregator {
	return &HealthAggregator{
		selfRegion: selfRegion,
		peers:      peers,
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger.Named("health"),
		regions:    make(map[string]RegionStatus),
	}
}

// Run polls every peer region on the given interval until ctx is
// cancelled. Default interval is 15s per spec.
func (h *HealthAggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pollOnce(ctx)
		}
	}
}

func (h *HealthAggregator) pollOnce(ctx context.Context) {
	for region, baseURL := range h.peers {
		status := "unhealthy"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/metrics", nil)
		if err == nil {
			resp, err := h.client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					status = "healthy"
				} else {
					status = "degraded"
				}
			} else {
				h.logger.Warn("peer health poll failed", zap.String("region", region), zap.Error(err))
			}
		}

		h.mu.Lock()
		h.regions[region] = RegionStatus{Status: status, LastSeen: time.Now()}
		h.mu.Unlock()
	}
}

// Snapshot computes the aggregated health verdict: healthy if every known
// region (including self) is healthy, unhealthy if there is at least one
// peer and every peer is unreachable, degraded otherwise.
func (h *HealthAggregator) Snapshot() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	regions := make(map[string]RegionStatus, len(h.regions)+1)
	regions[h.selfRegion] = RegionStatus{Status: "healthy", LastSeen: time.Now()}
	for k, v := range h.regions {
		regions[k] = v
	}

	healthyCount, total := 0, 0
	for _, v := range regions {
		total++
		if v.Status == "healthy" {
			healthyCount++
		}
	}

	unreachable := 0
	for _, v := range h.regions {
		if v.Status == "unhealthy" {
			unreachable++
		}
	}

	overall := "healthy"
	switch {
	case len(h.regions) > 0 && unreachable == len(h.regions):
		overall = "unhealthy"
	case healthyCount < total:
		overall = "degraded"
	}

	return HealthStatus{Status: overall, Timestamp: time.Now(), Regions: regions}
}

// ServeHTTP implements http.Handler, serving the aggregated status as JSON.
func (h *HealthAggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if snap.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

// StartMetricsServer serves the Prometheus exposition endpoint, mirroring
// the teacher's inline http.Server setup in server.go but isolated to its
// own component.
func StartMetricsServer(port int, registry *Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}

// StartHealthServer serves the aggregated health endpoint on its own port.
func StartHealthServer(port int, aggregator *HealthAggregator) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", aggregator)
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}
