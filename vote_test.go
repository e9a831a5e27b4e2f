package voltaic

import (
	"math"
	"testing"
)

func TestVote_NoSuccessfulResults(t *testing.T) {
	out := Vote([]NodeResult{{ModelName: "a", Status: "error"}})
	if out.Decision != nil {
		t.Fatalf("expected nil decision, got %v", *out.Decision)
	}
	if out.Confidence != 0 {
		t.Errorf("expected confidence 0, got %f", out.Confidence)
	}
}

// S1: tie.
func TestVote_Tie(t *testing.T) {
	out := Vote([]NodeResult{
		{ModelName: "A", Status: "success", Prediction: 1, Confidence: 0.8},
		{ModelName: "B", Status: "success", Prediction: 0, Confidence: 0.9},
	})
	if out.Decision != nil {
		t.Fatalf("expected tie (nil decision), got %v", *out.Decision)
	}
	if out.Votes[0] != 1 || out.Votes[1] != 1 {
		t.Errorf("expected votes {0:1,1:1}, got %v", out.Votes)
	}
}

// S2: majority.
func TestVote_Majority(t *testing.T) {
	out := Vote([]NodeResult{
		{ModelName: "A", Status: "success", Prediction: 1, Confidence: 0.6},
		{ModelName: "B", Status: "success", Prediction: 1, Confidence: 0.8},
		{ModelName: "C", Status: "success", Prediction: 0, Confidence: 0.7},
	})
	if out.Decision == nil || *out.Decision != 1 {
		t.Fatalf("expected decision=1, got %v", out.Decision)
	}
	if math.Abs(out.Confidence-0.7) > 1e-9 {
		t.Errorf("expected confidence 0.7, got %f", out.Confidence)
	}
	if out.Votes[0] != 1 || out.Votes[1] != 2 {
		t.Errorf("expected votes {0:1,1:2}, got %v", out.Votes)
	}
}

func TestVote_ErrorsAreExcluded(t *testing.T) {
	out := Vote([]NodeResult{
		{ModelName: "A", Status: "success", Prediction: 1, Confidence: 1.0},
		{ModelName: "B", Status: "error"},
	})
	if out.TotalVotes != 1 || out.TotalModels != 2 {
		t.Errorf("expected totalVotes=1 totalModels=2, got %+v", out)
	}
	if out.Decision == nil || *out.Decision != 1 {
		t.Fatalf("expected decision=1, got %v", out.Decision)
	}
}

func TestVote_ConfidenceIsClassMean(t *testing.T) {
	out := Vote([]NodeResult{
		{ModelName: "A", Status: "success", Prediction: 1, Confidence: 0.4},
		{ModelName: "B", Status: "success", Prediction: 1, Confidence: 0.6},
		{ModelName: "C", Status: "success", Prediction: 1, Confidence: 1.0},
		{ModelName: "D", Status: "success", Prediction: 0, Confidence: 0.1},
	})
	want := (0.4 + 0.6 + 1.0) / 3
	if math.Abs(out.Confidence-want) > 1e-9 {
		t.Errorf("expected confidence %.9f, got %.9f", want, out.Confidence)
	}
}
