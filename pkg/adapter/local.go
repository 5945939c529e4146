package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/router"
)

// Metric families read from a vLLM-compatible /metrics endpoint.
var (
	queueMetrics = []string{"vllm:num_requests_waiting"}
	kvMetrics    = []string{"vllm:gpu_cache_usage_perc", "vllm:kv_cache_usage_perc"}
)

// LocalAdapter is the chat wire plus a Prometheus load probe.
type LocalAdapter struct {
	*ChatAdapter
	hc    *http.Client
	ttl   time.Duration
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedSample
}

type cachedSample struct {
	sample router.LoadSample
	at     time.Time
}

// NewLocal wraps chat with a metrics probe whose samples are reused for ttl.
func NewLocal(chat *ChatAdapter, hc *http.Client, ttl time.Duration) *LocalAdapter {
	if hc == nil {
		hc = &http.Client{}
	}
	return &LocalAdapter{ChatAdapter: chat, hc: hc, ttl: ttl, cache: make(map[string]cachedSample)}
}

func (a *LocalAdapter) Wire() string { return policy.WireLocal }

// Probe returns a cached sample or scrapes the provider's metrics URL.
// Concurrent probes of one provider share a single scrape.
func (a *LocalAdapter) Probe(ctx context.Context, prov policy.Provider) (router.LoadSample, error) {
	if prov.MetricsURL == "" {
		return router.LoadSample{}, fmt.Errorf("provider %s has no metrics_url", prov.ID)
	}
	a.mu.Lock()
	c, ok := a.cache[prov.ID]
	a.mu.Unlock()
	if ok && time.Since(c.at) < a.ttl {
		return c.sample, nil
	}

	v, err, _ := a.group.Do(prov.ID, func() (any, error) {
		s, err := a.Metrics(ctx, prov)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.cache[prov.ID] = cachedSample{sample: s, at: time.Now()}
		a.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return router.LoadSample{}, err
	}
	return v.(router.LoadSample), nil
}

// Metrics scrapes the provider's metrics URL without caching.
func (a *LocalAdapter) Metrics(ctx context.Context, prov policy.Provider) (router.LoadSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, prov.MetricsURL, nil)
	if err != nil {
		return router.LoadSample{}, fmt.Errorf("create metrics request: %w", err)
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return router.LoadSample{}, fmt.Errorf("scrape %s: %w", prov.MetricsURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return router.LoadSample{}, fmt.Errorf("scrape %s: status %d", prov.MetricsURL, resp.StatusCode)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return router.LoadSample{}, fmt.Errorf("parse metrics: %w", err)
	}
	queue, qok := firstValue(families, queueMetrics)
	kv, kok := firstValue(families, kvMetrics)
	if !qok && !kok {
		return router.LoadSample{}, fmt.Errorf("no load metrics at %s", prov.MetricsURL)
	}
	return router.LoadSample{QueueDepth: queue, KVCacheUsage: kv}, nil
}

// firstValue sums the series of the first family present.
func firstValue(families map[string]*dto.MetricFamily, names []string) (float64, bool) {
	for _, n := range names {
		mf, ok := families[n]
		if !ok {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.Gauge != nil:
				sum += m.GetGauge().GetValue()
			case m.Counter != nil:
				sum += m.GetCounter().GetValue()
			default:
				sum += m.GetUntyped().GetValue()
			}
		}
		return sum, true
	}
	return 0, false
}
