package voltaic

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SessionState is the Training Session Manager's lifecycle state.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateStarting  SessionState = "starting"
	StateActive    SessionState = "active"
	StateFinishing SessionState = "finishing"
)

// NodeStartResult reports whether one node accepted startTraining.
type NodeStartResult struct {
	NodeKey string `json:"nodeKey"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StartSessionResult is returned from StartSession.
type StartSessionResult struct {
	Successful []string          `json:"successful"`
	Failed     []NodeStartResult `json:"failed"`
}

// BatchResult reports the outcome of one SendBatch call.
type BatchResult struct {
	Accepted []string `json:"accepted"` // discharge ids newly assigned an ordinal
	Skipped  []string `json:"skipped"`  // discharge ids already seen (de-duplicated)
	Enqueued int      `json:"enqueued"` // running total for the session
}

// trainingTask is one (ordinal, discharge) delivery queued to a single
// node's serial worker. wg is shared by every node's task for the same
// discharge; the discharge's buffers are released only once every node has
// finished with (or skipped) its copy.
type trainingTask struct {
	ordinal   int
	discharge *Discharge
	wg        *sync.WaitGroup
}

// trainingNode is one node's place in an active session: its own FIFO queue
// and poison flag. A poisoned node drains its remaining tasks without
// delivering them — the queue still owns unblocking every release
// WaitGroup waiting on it.
type trainingNode struct {
	desc     NodeDescriptor
	queue    chan trainingTask
	poisoned atomic.Bool
	failErr  atomic.Value // string
}

func (n *trainingNode) run(ctx context.Context, client NodeClient, logger *slog.Logger) {
	for task := range n.queue {
		if n.poisoned.Load() {
			task.wg.Done()
			continue
		}
		if err := client.PushDischarge(ctx, n.desc, task.ordinal, *task.discharge); err != nil {
			logger.Error("training node poisoned", "node.key", n.desc.Key, "ordinal", task.ordinal, "error", err)
			n.poisoned.Store(true)
			n.failErr.Store(err.Error())
		}
		task.wg.Done()
	}
}

// trainingSession is the manager's live state while Active. Everything here
// is guarded by TrainingSessionManager.mu.
type trainingSession struct {
	total      int
	enqueued   int
	seenIDs    map[string]struct{}
	autoFinish bool
	nodes      map[string]*trainingNode
}

// TrainingSessionManager is the Training Session Manager (component G). At
// most one session is active at a time; SendBatch assigns strictly
// increasing per-session ordinals and fans each discharge out to every
// node's own serial delivery queue so that, per node, ordinals are observed
// in order with no gaps even across retries and interleaved batches.
type TrainingSessionManager struct {
	registry *Registry
	client   NodeClient
	logger   *slog.Logger

	mu      sync.Mutex
	state   SessionState
	session *trainingSession
}

// TrainingOption configures a TrainingSessionManager.
type TrainingOption func(*TrainingSessionManager)

// WithTrainingLogger threads l through the manager; unset, it logs nothing.
func WithTrainingLogger(l *slog.Logger) TrainingOption {
	return func(m *TrainingSessionManager) { m.logger = l }
}

// NewTrainingSessionManager creates a manager in the Idle state.
func NewTrainingSessionManager(registry *Registry, client NodeClient, opts ...TrainingOption) *TrainingSessionManager {
	m := &TrainingSessionManager{registry: registry, client: client, state: StateIdle, logger: nopLogger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the manager's current lifecycle state.
func (m *TrainingSessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartSession begins a new session of total discharges against every
// currently enabled node. Nodes that reject the start are excluded from the
// session entirely; the session still becomes Active as long as at least one
// node accepted.
func (m *TrainingSessionManager) StartSession(ctx context.Context, total int, autoFinish bool) (StartSessionResult, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return StartSessionResult{}, newErr(CodeBadRequest, "a training session is already %s", m.state)
	}
	m.state = StateStarting
	m.mu.Unlock()

	nodes, err := m.registry.EnabledSnapshot(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return StartSessionResult{}, err
	}

	type startOutcome struct {
		node NodeDescriptor
		err  error
	}
	outcomes := make([]startOutcome, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n NodeDescriptor) {
			defer wg.Done()
			outcomes[i] = startOutcome{node: n, err: m.client.StartTraining(ctx, n, total)}
		}(i, n)
	}
	wg.Wait()

	session := &trainingSession{
		total:      total,
		seenIDs:    make(map[string]struct{}),
		autoFinish: autoFinish,
		nodes:      make(map[string]*trainingNode),
	}
	result := StartSessionResult{}
	for _, o := range outcomes {
		if o.err != nil {
			result.Failed = append(result.Failed, NodeStartResult{NodeKey: o.node.Key, Success: false, Error: o.err.Error()})
			continue
		}
		tn := &trainingNode{desc: o.node, queue: make(chan trainingTask, 64)}
		session.nodes[o.node.Key] = tn
		go tn.run(ctx, m.client, m.logger)
		result.Successful = append(result.Successful, o.node.Key)
	}

	if len(session.nodes) == 0 {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return result, newErr(CodeNoModelsEnabled, "no node accepted the training session")
	}

	m.mu.Lock()
	m.session = session
	m.state = StateActive
	m.mu.Unlock()

	m.logger.Info("training session started", "total", total, "auto_finish", autoFinish, "nodes.accepted", len(result.Successful), "nodes.rejected", len(result.Failed))
	return result, nil
}

// SendBatch accepts a batch of already-materialised discharges. Each
// discharge not previously seen in this session is assigned the next
// ordinal and cloned onto every still-accepting node's queue; ordinal
// assignment and de-duplication happen under the manager's lock so
// concurrent batches cannot race each other.
func (m *TrainingSessionManager) SendBatch(ctx context.Context, discharges []Discharge) (BatchResult, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return BatchResult{}, newErr(CodeBadRequest, "no active training session")
	}
	session := m.session
	result := BatchResult{}

	type dispatch struct {
		ordinal   int
		discharge *Discharge
	}
	var toDispatch []dispatch

	for i := range discharges {
		d := &discharges[i]
		if _, seen := session.seenIDs[d.ID]; seen {
			result.Skipped = append(result.Skipped, d.ID)
			continue
		}
		session.seenIDs[d.ID] = struct{}{}
		session.enqueued++
		seq := session.enqueued
		result.Accepted = append(result.Accepted, d.ID)
		toDispatch = append(toDispatch, dispatch{ordinal: seq, discharge: d})
	}
	result.Enqueued = session.enqueued
	nodes := make([]*trainingNode, 0, len(session.nodes))
	for _, tn := range session.nodes {
		nodes = append(nodes, tn)
	}
	autoFinish := session.autoFinish
	total := session.total
	m.mu.Unlock()

	for _, disp := range toDispatch {
		wg := &sync.WaitGroup{}
		wg.Add(len(nodes))
		for _, tn := range nodes {
			tn.queue <- trainingTask{ordinal: disp.ordinal, discharge: disp.discharge.clone(), wg: wg}
		}

		isLast := autoFinish && disp.ordinal == total
		go func(d *Discharge, wg *sync.WaitGroup, isLast bool) {
			wg.Wait()
			d.release()
			if isLast {
				m.autoFinish()
			}
		}(disp.discharge, wg, isLast)
	}

	return result, nil
}

// autoFinish transitions Active -> Idle once the final discharge of an
// autoFinish session has drained from every node's queue.
func (m *TrainingSessionManager) autoFinish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return
	}
	m.closeSessionLocked()
}

// FinishTraining ends the current session explicitly. Safe to call even
// when the session would otherwise have auto-finished; a no-op if the
// manager is already Idle.
func (m *TrainingSessionManager) FinishTraining(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		return nil
	}
	if m.state != StateActive {
		return newErr(CodeBadRequest, "cannot finish training session in state %s", m.state)
	}
	m.logger.Info("training session finished")
	m.closeSessionLocked()
	return nil
}

// closeSessionLocked closes every node queue (letting already-queued tasks
// drain before their worker goroutines exit) and returns the manager to
// Idle. Must be called with mu held.
func (m *TrainingSessionManager) closeSessionLocked() {
	m.state = StateFinishing
	for _, tn := range m.session.nodes {
		close(tn.queue)
	}
	m.session = nil
	m.state = StateIdle
}

// NodeFailures reports which nodes in the current session have been
// poisoned by a protocol error, for summary reporting. Once the session has
// finished (explicitly or by auto-finish) it returns nil.
func (m *TrainingSessionManager) NodeFailures() []NodeStartResult {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return nil
	}
	var out []NodeStartResult
	for key, tn := range session.nodes {
		if tn.poisoned.Load() {
			msg, _ := tn.failErr.Load().(string)
			out = append(out, NodeStartResult{NodeKey: key, Success: false, Error: msg})
		}
	}
	return out
}
