package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/router"
)

const vllmMetrics = `# HELP vllm:num_requests_waiting Number of requests waiting to be processed.
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting{model_name="qwen2.5-7b-instruct"} 9.0
# HELP vllm:gpu_cache_usage_perc GPU KV-cache usage. 1 means 100 percent usage.
# TYPE vllm:gpu_cache_usage_perc gauge
vllm:gpu_cache_usage_perc{model_name="qwen2.5-7b-instruct"} 0.42
`

func metricsServer(t *testing.T, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newLocal(hc *http.Client, ttl time.Duration) *LocalAdapter {
	san := NewSanitizer(true, zerolog.Nop(), nil)
	return NewLocal(NewChat(san, hc, TokenStore{}), hc, ttl)
}

func TestLocalProbe(t *testing.T) {
	srv, hits := metricsServer(t, vllmMetrics)
	a := newLocal(srv.Client(), time.Minute)
	prov := policy.Provider{ID: "local_low_latency", Wire: policy.WireLocal, MetricsURL: srv.URL + "/metrics"}

	s, err := a.Probe(context.Background(), prov)
	require.NoError(t, err)
	assert.Equal(t, router.LoadSample{QueueDepth: 9, KVCacheUsage: 0.42}, s)

	_, err = a.Probe(context.Background(), prov)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load(), "second probe is served from cache")

	_, err = a.Metrics(context.Background(), prov)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestLocalProbeNewMetricName(t *testing.T) {
	srv, _ := metricsServer(t, "# TYPE vllm:kv_cache_usage_perc gauge\nvllm:kv_cache_usage_perc 0.95\n")
	a := newLocal(srv.Client(), 0)
	s, err := a.Probe(context.Background(), policy.Provider{ID: "p", MetricsURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 0.95, s.KVCacheUsage)
	assert.Zero(t, s.QueueDepth)
}

func TestLocalProbeFailures(t *testing.T) {
	a := newLocal(nil, 0)
	_, err := a.Probe(context.Background(), policy.Provider{ID: "p"})
	assert.Error(t, err)

	srv, _ := metricsServer(t, "# TYPE process_cpu_seconds_total counter\nprocess_cpu_seconds_total 1\n")
	a = newLocal(srv.Client(), 0)
	_, err = a.Probe(context.Background(), policy.Provider{ID: "p", MetricsURL: srv.URL})
	assert.ErrorContains(t, err, "no load metrics")
}

func TestRegistryProbeUsesLocalAdapter(t *testing.T) {
	srv, _ := metricsServer(t, vllmMetrics)
	reg := NewDefault(Options{HTTPClient: srv.Client(), MetricsCache: time.Second, Log: zerolog.Nop()})

	var prober router.LoadProber = reg
	s, err := prober.Probe(context.Background(), policy.Provider{ID: "l", Wire: policy.WireLocal, MetricsURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 9.0, s.QueueDepth)

	_, err = reg.Probe(context.Background(), policy.Provider{ID: "c", Wire: policy.WireChat, MetricsURL: srv.URL})
	assert.ErrorContains(t, err, "no metrics probe")
}
