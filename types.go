// Package voltaic is a discharge-prediction orchestrator: it fans a
// time-series discharge out to a fleet of independent prediction nodes,
// aggregates their answers by majority vote, and manages the multi-batch
// training sessions and long-lived automated-prediction runs that feed
// those nodes. Transport, configuration, and durable registry storage live
// in subpackages (internal/httpapi, config, registry/*, telemetry); this
// package is the core and has no knowledge of HTTP or OTEL.
package voltaic

import "fmt"

// Signal is one sensor's value sequence within a Discharge. len(Values) must
// equal the owning Discharge's Length.
type Signal struct {
	FileName string    `json:"fileName"`
	Values   []float64 `json:"values"`
}

// Discharge is one experiment's bundle of time-aligned sensor signals,
// optionally labelled with an anomaly time. Signal order is preserved
// end-to-end: nodes rely on it to line up per-signal inputs.
type Discharge struct {
	ID          string    `json:"id"`
	Times       []float64 `json:"times"`
	Length      int       `json:"length"`
	Signals     []Signal  `json:"signals"`
	AnomalyTime *float64  `json:"anomalyTime,omitempty"`
}

// released reports whether the Discharge's value buffers have already been
// dropped by the training session manager (see Training Session Manager
// memory-release invariant). Used only by tests that need to observe the
// release hook.
func (d *Discharge) released() bool {
	return d.Times == nil && len(d.Signals) == 0
}

// release drops Discharge's large buffers so the backing arrays can be
// garbage collected once every node queue has consumed it.
func (d *Discharge) release() {
	d.Times = nil
	d.Signals = nil
}

// clone returns a deep copy of the Discharge so that concurrent per-node
// training tasks never observe a data race or a premature release from a
// sibling node's task.
func (d *Discharge) clone() *Discharge {
	cp := &Discharge{ID: d.ID, Length: d.Length}
	if d.Times != nil {
		cp.Times = append([]float64(nil), d.Times...)
	}
	if d.AnomalyTime != nil {
		v := *d.AnomalyTime
		cp.AnomalyTime = &v
	}
	if d.Signals != nil {
		cp.Signals = make([]Signal, len(d.Signals))
		for i, s := range d.Signals {
			cp.Signals[i] = Signal{FileName: s.FileName, Values: append([]float64(nil), s.Values...)}
		}
	}
	return cp
}

// PredictionRequest is the wire body for a predict call. Only Discharges[0]
// is used by the orchestrator — one-at-a-time semantics.
type PredictionRequest struct {
	Discharges []Discharge `json:"discharges"`
}

// TrainingBatchRequest is one batch of discharges streamed to an active
// training session. TotalDischarges is only filled in by the node client's
// StartTraining call, as the body it posts to a node's train URL;
// TrainingSessionManager.SendBatch ignores it.
type TrainingBatchRequest struct {
	Discharges      []Discharge `json:"discharges"`
	TotalDischarges int         `json:"totalDischarges,omitempty"`
}

// NodeWindow is one prediction window within a node's response, carrying a
// justification score consumed by the automated-predict threshold rule.
type NodeWindow struct {
	Justification *float64 `json:"justification,omitempty"`
}

// NodeResponse is a single node's raw answer to a /predict call, before
// normalisation. Prediction may be the integer 0/1 or the strings
// "anomaly"/"normal" (case-insensitive) — normalisation happens once, at the
// boundary into the Voting Engine.
type NodeResponse struct {
	Prediction       any          `json:"prediction"`
	Confidence       *float64     `json:"confidence,omitempty"`
	Justification    *float64     `json:"justification,omitempty"`
	Windows          []NodeWindow `json:"windows,omitempty"`
	ExecutionTimeMs  *float64     `json:"executionTimeMs,omitempty"`
	Model            string       `json:"model,omitempty"`
	Details          any          `json:"details,omitempty"`
}

// NodeResult wraps a single node's outcome for a predict dispatch: either a
// normalised prediction/confidence pair on success, or an error message.
// Never propagates a panic past the orchestrator.
type NodeResult struct {
	ModelName  string   `json:"modelName"`
	Status     string   `json:"status"` // "success" or "error"
	Prediction int      `json:"prediction,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Raw        NodeResponse `json:"raw,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// VoteOutcome is the Voting Engine's pure output for one predict dispatch.
// Decision is nil iff the vote tied or no node returned a valid prediction.
type VoteOutcome struct {
	Votes       map[int]int `json:"votes"`
	TotalVotes  int         `json:"totalVotes"`
	TotalModels int         `json:"totalModels"`
	Decision    *int        `json:"decision"`
	Confidence  float64     `json:"confidence"`
	Message     string      `json:"message"`
}

// PredictionResult bundles the vote outcome with the raw per-node results,
// returned from the Prediction Orchestrator and surfaced at the HTTP layer.
type PredictionResult struct {
	Vote    VoteOutcome  `json:"vote"`
	Details []NodeResult `json:"details"`
}

func (r NodeResult) String() string {
	if r.Status == "success" {
		return fmt.Sprintf("%s: prediction=%d confidence=%.3f", r.ModelName, r.Prediction, r.Confidence)
	}
	return fmt.Sprintf("%s: error=%s", r.ModelName, r.Error)
}
