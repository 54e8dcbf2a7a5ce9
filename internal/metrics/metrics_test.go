package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRegistryExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.SharesAccepted.Inc()
	reg.SharesRejected.WithLabelValues("stale").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stratum_shares_accepted_total 1")
	require.Contains(t, rec.Body.String(), `stratum_shares_rejected_total{reason="stale"} 1`)
}

func TestHealthAggregatorStandaloneIsHealthy(t *testing.T) {
	agg := NewHealthAggregator("us-east", nil, zap.NewNop())
	snap := agg.Snapshot()
	require.Equal(t, "healthy", snap.Status)
	require.Contains(t, snap.Regions, "us-east")
}

func TestHealthAggregatorDegradesOnUnhealthyPeer(t *testing.T) {
	unhealthyPeer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthyPeer.Close()

	agg := NewHealthAggregator("us-east", map[string]string{"eu-west": unhealthyPeer.URL}, zap.NewNop())
	agg.pollOnce(context.Background())

	snap := agg.Snapshot()
	require.Equal(t, "degraded", snap.Status)
	require.Equal(t, "degraded", snap.Regions["eu-west"].Status)
	require.Equal(t, "healthy", snap.Regions["us-east"].Status)
}

func TestHealthAggregatorHealthyWhenAllPeersUp(t *testing.T) {
	healthyPeer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthyPeer.Close()

	agg := NewHealthAggregator("us-east", map[string]string{"eu-west": healthyPeer.URL}, zap.NewNop())
	agg.pollOnce(context.Background())

	snap := agg.Snapshot()
	require.Equal(t, "healthy", snap.Status)
}

func TestHealthServeHTTPReturns503WhenDegraded(t *testing.T) {
	unhealthyPeer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthyPeer.Close()

	agg := NewHealthAggregator("us-east", map[string]string{"eu-west": unhealthyPeer.URL}, zap.NewNop())
	agg.pollOnce(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	agg.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
