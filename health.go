package voltaic

import (
	"context"
	"log/slog"
	"sync"
)

// HealthReport is the aggregate result of probing every registered node.
type HealthReport struct {
	Timestamp       int64                   `json:"timestamp"`
	Models          map[string]HealthDetail `json:"models"`
	AvailableModels int                     `json:"availableModels"`
}

// HealthProber is the Health Prober (component D): it fans out Health calls
// to every registered node in parallel, bounded by the node client's own
// per-call timeout, and reports disabled nodes without contacting them.
type HealthProber struct {
	registry *Registry
	client   NodeClient
	logger   *slog.Logger
}

// HealthProberOption configures a HealthProber.
type HealthProberOption func(*HealthProber)

// WithHealthLogger threads l through the prober; unset, it logs nothing.
func WithHealthLogger(l *slog.Logger) HealthProberOption {
	return func(p *HealthProber) { p.logger = l }
}

// NewHealthProber creates a HealthProber over registry using client for the
// actual network probes.
func NewHealthProber(registry *Registry, client NodeClient, opts ...HealthProberOption) *HealthProber {
	p := &HealthProber{registry: registry, client: client, logger: nopLogger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check probes every registered node. Disabled nodes are reported with
// status "disabled" without a network round trip; enabled nodes are probed
// concurrently so one slow node cannot delay the others.
func (p *HealthProber) Check(ctx context.Context) (HealthReport, error) {
	all, err := p.registry.List(ctx)
	if err != nil {
		return HealthReport{}, err
	}

	report := HealthReport{
		Timestamp: NowUnix(),
		Models:    make(map[string]HealthDetail, len(all)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range all {
		if !node.Enabled {
			mu.Lock()
			report.Models[node.Key] = HealthDetail{Status: "disabled"}
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(n NodeDescriptor) {
			defer wg.Done()
			detail, err := p.client.Health(ctx, n)
			if err != nil {
				p.logger.Warn("node health probe failed", "node.key", n.Key, "error", err)
				detail = HealthDetail{Status: "unreachable", Error: err.Error()}
			}
			mu.Lock()
			report.Models[n.Key] = detail
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	for _, d := range report.Models {
		if d.Status == "ok" {
			report.AvailableModels++
		}
	}
	return report, nil
}
