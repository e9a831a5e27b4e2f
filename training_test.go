package voltaic

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTrainingClient struct {
	mu        sync.Mutex
	startErr  map[string]error
	pushOrder map[string][]int
	pushErr   func(nodeKey string, ordinal int) error
}

func newFakeTrainingClient() *fakeTrainingClient {
	return &fakeTrainingClient{startErr: map[string]error{}, pushOrder: map[string][]int{}}
}

func (f *fakeTrainingClient) Predict(context.Context, NodeDescriptor, Discharge) (NodeResponse, error) {
	panic("not used")
}
func (f *fakeTrainingClient) StartTraining(_ context.Context, node NodeDescriptor, _ int) error {
	return f.startErr[node.Key]
}
func (f *fakeTrainingClient) PushDischarge(_ context.Context, node NodeDescriptor, ordinal int, _ Discharge) error {
	if f.pushErr != nil {
		if err := f.pushErr(node.Key, ordinal); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushOrder[node.Key] = append(f.pushOrder[node.Key], ordinal)
	return nil
}
func (f *fakeTrainingClient) Health(context.Context, NodeDescriptor) (HealthDetail, error) {
	panic("not used")
}

func (f *fakeTrainingClient) orderOf(key string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.pushOrder[key]))
	copy(out, f.pushOrder[key])
	return out
}

func waitForState(t *testing.T, m *TrainingSessionManager, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, m.State())
}

func discharge(id string) Discharge {
	return Discharge{ID: id, Length: 1, Times: []float64{0}, Signals: []Signal{{FileName: "s", Values: []float64{1}}}}
}

func newSingleNodeManager(ctx context.Context, t *testing.T, client *fakeTrainingClient, key string) *TrainingSessionManager {
	t.Helper()
	reg := NewRegistry(NewMemStore())
	if err := reg.Upsert(ctx, NodeDescriptor{Key: key, Enabled: true}); err != nil {
		t.Fatalf("upsert node: %v", err)
	}
	return NewTrainingSessionManager(reg, client)
}

// S3: two-batch training session observes a strictly increasing ordinal
// sequence at the node.
func TestTrainingSessionManager_TwoBatchOrdering(t *testing.T) {
	ctx := context.Background()
	client := newFakeTrainingClient()
	mgr := newSingleNodeManager(ctx, t, client, "n1")

	if _, err := mgr.StartSession(ctx, 4, true); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := mgr.SendBatch(ctx, []Discharge{discharge("d1"), discharge("d2")}); err != nil {
		t.Fatalf("SendBatch 1: %v", err)
	}
	if _, err := mgr.SendBatch(ctx, []Discharge{discharge("d3"), discharge("d4")}); err != nil {
		t.Fatalf("SendBatch 2: %v", err)
	}

	waitForState(t, mgr, StateIdle)

	got := client.orderOf("n1")
	want := []int{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

// S4: resubmitting the same discharge id is silently de-duplicated.
func TestTrainingSessionManager_Dedup(t *testing.T) {
	ctx := context.Background()
	client := newFakeTrainingClient()
	mgr := newSingleNodeManager(ctx, t, client, "n1")

	if _, err := mgr.StartSession(ctx, 2, true); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := mgr.SendBatch(ctx, []Discharge{discharge("d1")}); err != nil {
		t.Fatalf("batch 1: %v", err)
	}
	res, err := mgr.SendBatch(ctx, []Discharge{discharge("d1")})
	if err != nil {
		t.Fatalf("batch 2: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "d1" {
		t.Fatalf("expected d1 to be skipped as a duplicate, got %+v", res)
	}
	if _, err := mgr.SendBatch(ctx, []Discharge{discharge("d2")}); err != nil {
		t.Fatalf("batch 3: %v", err)
	}

	waitForState(t, mgr, StateIdle)

	got := client.orderOf("n1")
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected exactly ordinals [1 2], got %v", got)
	}
}

// A node that answers with a protocol error is poisoned; other nodes are
// unaffected.
func TestTrainingSessionManager_PoisonedNodeIsolated(t *testing.T) {
	ctx := context.Background()
	client := newFakeTrainingClient()
	client.pushErr = func(nodeKey string, ordinal int) error {
		if nodeKey == "bad" {
			return &ErrHTTP{NodeKey: "bad", Status: 500}
		}
		return nil
	}

	reg := NewRegistry(NewMemStore())
	reg.Upsert(ctx, NodeDescriptor{Key: "good", Enabled: true})
	reg.Upsert(ctx, NodeDescriptor{Key: "bad", Enabled: true})
	mgr := NewTrainingSessionManager(reg, client)

	if _, err := mgr.StartSession(ctx, 2, true); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := mgr.SendBatch(ctx, []Discharge{discharge("d1"), discharge("d2")}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	waitForState(t, mgr, StateIdle)

	// "good" must have received both ordinals despite "bad" failing.
	good := client.orderOf("good")
	if len(good) != 2 {
		t.Fatalf("expected good node to receive both ordinals, got %v", good)
	}
}

func TestTrainingSessionManager_NodeRejectsStart(t *testing.T) {
	ctx := context.Background()
	client := newFakeTrainingClient()
	client.startErr["n2"] = &ErrHTTP{NodeKey: "n2", Status: 500}

	reg := NewRegistry(NewMemStore())
	reg.Upsert(ctx, NodeDescriptor{Key: "n1", Enabled: true})
	reg.Upsert(ctx, NodeDescriptor{Key: "n2", Enabled: true})
	mgr := NewTrainingSessionManager(reg, client)

	result, err := mgr.StartSession(ctx, 1, true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if len(result.Successful) != 1 || result.Successful[0] != "n1" {
		t.Fatalf("expected only n1 to succeed, got %+v", result)
	}
	if len(result.Failed) != 1 || result.Failed[0].NodeKey != "n2" {
		t.Fatalf("expected n2 to be reported failed, got %+v", result)
	}
}

func TestTrainingSessionManager_ExplicitFinish(t *testing.T) {
	ctx := context.Background()
	client := newFakeTrainingClient()
	mgr := newSingleNodeManager(ctx, t, client, "n1")

	if _, err := mgr.StartSession(ctx, 100, false); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := mgr.SendBatch(ctx, []Discharge{discharge("d1")}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if mgr.State() != StateActive {
		t.Fatalf("expected Active without autoFinish, got %s", mgr.State())
	}
	if err := mgr.FinishTraining(ctx); err != nil {
		t.Fatalf("FinishTraining: %v", err)
	}
	if mgr.State() != StateIdle {
		t.Fatalf("expected Idle after explicit finish, got %s", mgr.State())
	}
}

func TestTrainingSessionManager_MemoryReleasedAfterAllNodesConsume(t *testing.T) {
	ctx := context.Background()
	client := newFakeTrainingClient()
	mgr := newSingleNodeManager(ctx, t, client, "n1")

	if _, err := mgr.StartSession(ctx, 1, true); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	batch := []Discharge{discharge("d1")}
	if _, err := mgr.SendBatch(ctx, batch); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	waitForState(t, mgr, StateIdle)
	if !batch[0].released() {
		t.Fatalf("expected discharge buffers released once every node consumed it, got %+v", batch[0])
	}
}

func TestTrainingSessionManager_SendBatchRequiresActiveSession(t *testing.T) {
	ctx := context.Background()
	client := newFakeTrainingClient()
	mgr := newSingleNodeManager(ctx, t, client, "n1")
	if _, err := mgr.SendBatch(ctx, []Discharge{discharge("d1")}); err == nil {
		t.Fatal("expected error when no session is active")
	}
}
