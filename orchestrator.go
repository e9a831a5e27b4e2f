package voltaic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Orchestrator is the Prediction Orchestrator (component E). It fans a
// single discharge out to every enabled node in parallel, normalises each
// node's raw response into a (prediction, confidence) pair, and feeds the
// results through Vote.
type Orchestrator struct {
	registry *Registry
	client   NodeClient
	logger   *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger threads l through the orchestrator; unset, it logs
// nothing.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator over registry using client to
// reach nodes.
func NewOrchestrator(registry *Registry, client NodeClient, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{registry: registry, client: client, logger: nopLogger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Predict dispatches d to every node enabled at the moment the call starts
// (see Registry.EnabledSnapshot) and returns the combined vote outcome plus
// each node's raw result.
func (o *Orchestrator) Predict(ctx context.Context, d Discharge) (PredictionResult, error) {
	if d.Length == 0 || len(d.Signals) == 0 {
		return PredictionResult{}, newErr(CodeBadRequest, "discharge has no signal data")
	}

	nodes, err := o.registry.EnabledSnapshot(ctx)
	if err != nil {
		return PredictionResult{}, err
	}
	if len(nodes) == 0 {
		return PredictionResult{}, newErr(CodeNoModelsEnabled, "no prediction nodes are enabled")
	}

	results := make([]NodeResult, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, n NodeDescriptor) {
			defer wg.Done()
			results[i] = o.dispatchOne(ctx, n, d)
		}(i, node)
	}
	wg.Wait()

	return PredictionResult{
		Vote:    Vote(results),
		Details: results,
	}, nil
}

func (o *Orchestrator) dispatchOne(ctx context.Context, node NodeDescriptor, d Discharge) NodeResult {
	resp, err := o.client.Predict(ctx, node, d)
	if err != nil {
		o.logger.Warn("node predict failed", "node.key", node.Key, "discharge.id", d.ID, "error", err)
		return NodeResult{ModelName: node.Key, Status: "error", Error: err.Error()}
	}

	pred, ok := normalizePrediction(resp.Prediction)
	if !ok {
		return NodeResult{ModelName: node.Key, Status: "error", Error: fmt.Sprintf("unrecognised prediction value %v", resp.Prediction)}
	}

	confidence := 1.0
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}

	return NodeResult{
		ModelName:  node.Key,
		Status:     "success",
		Prediction: pred,
		Confidence: confidence,
		Raw:        resp,
	}
}

// normalizePrediction maps a node's raw prediction value — an integer 0/1 or
// one of the strings "anomaly"/"normal" (case-insensitive) — to 0 or 1. ok is
// false for any other value, which the caller must treat as a node error
// rather than a silent default.
func normalizePrediction(v any) (int, bool) {
	switch t := v.(type) {
	case float64: // JSON numbers decode as float64 through encoding/json
		if t == 0 || t == 1 {
			return int(t), true
		}
	case int:
		if t == 0 || t == 1 {
			return t, true
		}
	case string:
		switch strings.ToLower(t) {
		case "anomaly":
			return 1, true
		case "normal":
			return 0, true
		}
	}
	return 0, false
}
