package voltaic

import (
	"context"
	"testing"
)

type fakePredictClient struct {
	responses map[string]NodeResponse
	errs      map[string]error
}

func (f *fakePredictClient) Predict(_ context.Context, node NodeDescriptor, _ Discharge) (NodeResponse, error) {
	if err, ok := f.errs[node.Key]; ok {
		return NodeResponse{}, err
	}
	return f.responses[node.Key], nil
}
func (f *fakePredictClient) StartTraining(context.Context, NodeDescriptor, int) error {
	panic("not used")
}
func (f *fakePredictClient) PushDischarge(context.Context, NodeDescriptor, int, Discharge) error {
	panic("not used")
}
func (f *fakePredictClient) Health(context.Context, NodeDescriptor) (HealthDetail, error) {
	panic("not used")
}

func conf(v float64) *float64 { return &v }

func sampleDischarge() Discharge {
	return Discharge{ID: "d1", Length: 2, Times: []float64{0, 0.1}, Signals: []Signal{{FileName: "a", Values: []float64{1, 2}}}}
}

func TestOrchestrator_Predict_Majority(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemStore())
	reg.Upsert(ctx, NodeDescriptor{Key: "a", Enabled: true})
	reg.Upsert(ctx, NodeDescriptor{Key: "b", Enabled: true})
	reg.Upsert(ctx, NodeDescriptor{Key: "c", Enabled: false})

	client := &fakePredictClient{responses: map[string]NodeResponse{
		"a": {Prediction: "anomaly", Confidence: conf(0.9)},
		"b": {Prediction: float64(1), Confidence: conf(0.7)},
	}}

	o := NewOrchestrator(reg, client)
	res, err := o.Predict(ctx, sampleDischarge())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Vote.Decision == nil || *res.Vote.Decision != 1 {
		t.Fatalf("expected decision 1, got %v", res.Vote.Decision)
	}
	if len(res.Details) != 2 {
		t.Fatalf("expected results from 2 enabled nodes only, got %d", len(res.Details))
	}
}

func TestOrchestrator_Predict_NoModelsEnabled(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemStore())
	o := NewOrchestrator(reg, &fakePredictClient{})
	_, err := o.Predict(ctx, sampleDischarge())
	if err == nil {
		t.Fatal("expected error")
	}
	var ve *Error
	if got, ok := err.(*Error); ok {
		ve = got
	}
	if ve == nil || ve.Code != CodeNoModelsEnabled {
		t.Fatalf("expected CodeNoModelsEnabled, got %v", err)
	}
}

func TestOrchestrator_Predict_MissingConfidenceDefaultsToOne(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemStore())
	reg.Upsert(ctx, NodeDescriptor{Key: "a", Enabled: true})

	client := &fakePredictClient{responses: map[string]NodeResponse{
		"a": {Prediction: float64(1)},
	}}
	o := NewOrchestrator(reg, client)
	res, err := o.Predict(ctx, sampleDischarge())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Details[0].Confidence != 1.0 {
		t.Errorf("expected default confidence 1.0, got %f", res.Details[0].Confidence)
	}
}

func TestOrchestrator_Predict_NodeErrorIsolated(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemStore())
	reg.Upsert(ctx, NodeDescriptor{Key: "a", Enabled: true})
	reg.Upsert(ctx, NodeDescriptor{Key: "b", Enabled: true})

	client := &fakePredictClient{
		responses: map[string]NodeResponse{"a": {Prediction: float64(1), Confidence: conf(0.8)}},
		errs:      map[string]error{"b": &ErrHTTP{NodeKey: "b", Status: 500}},
	}
	o := NewOrchestrator(reg, client)
	res, err := o.Predict(ctx, sampleDischarge())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Vote.TotalVotes != 1 || res.Vote.TotalModels != 2 {
		t.Errorf("expected 1 vote out of 2 models, got %+v", res.Vote)
	}
}

func TestOrchestrator_Predict_EmptyDischargeRejected(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemStore())
	o := NewOrchestrator(reg, &fakePredictClient{})
	_, err := o.Predict(ctx, Discharge{ID: "d1"})
	if err == nil {
		t.Fatal("expected error for empty discharge")
	}
}
