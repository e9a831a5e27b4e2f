package voltaic

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/nevindra/voltaic/sensor"
)

// Thresholds configures the two-stage justification rule applied on upload.
type Thresholds struct {
	Justification float64 // default 0
	Count         int     // default 1
}

// dischargeStats accumulates one model's per-discharge window series across
// however many uploads name that discharge id within a session.
type dischargeStats struct {
	justifications []float64
	thresholds     []int
	countThresh    []int
}

// modelStats is one node's accumulated series across every discharge seen in
// a session.
type modelStats struct {
	discharges   map[string]*dischargeStats
	dischargeIDs []string
}

// AutomatedPredictSession is the long-lived server-side state for one
// automated-prediction run (component H's singular unit of work).
type AutomatedPredictSession struct {
	ID             string
	dir            string
	dischargeOrder []string
	stats          map[string]*modelStats // modelName -> stats
}

// AutomatedPredictManager is the Automated-Predict Session Manager
// (component H). Each session owns a scratch directory on disk; Upload
// parses sensor files, dispatches to the Prediction Orchestrator, and
// accumulates per-window justification statistics; Finalize packages
// everything accumulated so far into a ZIP stream and tears the session
// down.
type AutomatedPredictManager struct {
	orchestrator *Orchestrator
	scratchRoot  string
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*AutomatedPredictSession
}

// AutomatedPredictOption configures an AutomatedPredictManager.
type AutomatedPredictOption func(*AutomatedPredictManager)

// WithAutomatedPredictLogger threads l through the manager; unset, it logs
// nothing.
func WithAutomatedPredictLogger(l *slog.Logger) AutomatedPredictOption {
	return func(m *AutomatedPredictManager) { m.logger = l }
}

// NewAutomatedPredictManager creates a manager whose session scratch
// directories are created under scratchRoot.
func NewAutomatedPredictManager(orchestrator *Orchestrator, scratchRoot string, opts ...AutomatedPredictOption) *AutomatedPredictManager {
	m := &AutomatedPredictManager{
		orchestrator: orchestrator,
		scratchRoot:  scratchRoot,
		sessions:     make(map[string]*AutomatedPredictSession),
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates a new session and its scratch directory, returning the
// session id.
func (m *AutomatedPredictManager) Start() (string, error) {
	id := NewSessionID()
	dir := filepath.Join(m.scratchRoot, id)
	if err := os.MkdirAll(filepath.Join(dir, "raw"), 0o755); err != nil {
		return "", wrapErr(CodeInternal, err, "create scratch directory")
	}

	m.mu.Lock()
	m.sessions[id] = &AutomatedPredictSession{ID: id, dir: dir, stats: make(map[string]*modelStats)}
	m.mu.Unlock()
	m.logger.Info("automated-predict session started", "session.id", id)
	return id, nil
}

func (m *AutomatedPredictManager) session(id string) (*AutomatedPredictSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, newErr(CodeSessionNotFound, "unknown automated-predict session %q", id)
	}
	return s, nil
}

// Upload parses files into a Discharge, orchestrates a prediction, writes
// the raw orchestrator output to the session's scratch directory, and
// folds every node's per-window justifications into the session's running
// statistics under the two-stage threshold rule.
func (m *AutomatedPredictManager) Upload(ctx context.Context, sessionID string, files []sensor.File, dischargeID string, thresholds Thresholds) (PredictionResult, error) {
	session, err := m.session(sessionID)
	if err != nil {
		return PredictionResult{}, err
	}
	if thresholds.Count <= 0 {
		thresholds.Count = 1
	}

	parsed, err := sensor.Parse(files, dischargeID)
	if err != nil {
		return PredictionResult{}, err
	}
	d := parsed.Discharge
	d.ID = dischargeID

	result, err := m.orchestrator.Predict(ctx, d)
	if err != nil {
		m.logger.Error("automated-predict upload failed", "session.id", sessionID, "discharge.id", dischargeID, "error", err)
		return PredictionResult{}, err
	}

	if err := m.writeRaw(session, dischargeID, result); err != nil {
		return PredictionResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	firstSight := true
	for _, seen := range session.dischargeOrder {
		if seen == dischargeID {
			firstSight = false
			break
		}
	}
	if firstSight {
		session.dischargeOrder = append(session.dischargeOrder, dischargeID)
	}

	for _, nr := range result.Details {
		ms, ok := session.stats[nr.ModelName]
		if !ok {
			ms = &modelStats{discharges: make(map[string]*dischargeStats)}
			session.stats[nr.ModelName] = ms
		}
		ds, ok := ms.discharges[dischargeID]
		if !ok {
			ds = &dischargeStats{}
			ms.discharges[dischargeID] = ds
			ms.dischargeIDs = append(ms.dischargeIDs, dischargeID)
		}
		applyThresholds(ds, nr.Raw.Windows, thresholds)
	}

	return result, nil
}

// applyThresholds folds one node's window justifications into ds, computing
// the per-window pass/fail and the streak-of-N count_threshold for each new
// entry as it is appended.
func applyThresholds(ds *dischargeStats, windows []NodeWindow, t Thresholds) {
	for _, w := range windows {
		if w.Justification == nil {
			continue
		}
		j := *w.Justification
		pass := 0
		if j > t.Justification {
			pass = 1
		}
		ds.justifications = append(ds.justifications, j)
		ds.thresholds = append(ds.thresholds, pass)

		streak := 0
		if len(ds.thresholds) >= t.Count {
			streak = 1
			for i := len(ds.thresholds) - t.Count; i < len(ds.thresholds); i++ {
				if ds.thresholds[i] != 1 {
					streak = 0
					break
				}
			}
		}
		ds.countThresh = append(ds.countThresh, streak)
	}
}

func (m *AutomatedPredictManager) writeRaw(session *AutomatedPredictSession, dischargeID string, result PredictionResult) error {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return wrapErr(CodeInternal, err, "marshal raw prediction output")
	}
	path := filepath.Join(session.dir, "raw", safeName(dischargeID)+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return wrapErr(CodeInternal, err, "write raw prediction output")
	}
	return nil
}

// Finalize streams the session's accumulated raw outputs and derived CSVs
// as a ZIP archive to w, then tears down the scratch directory. The
// session id becomes invalid immediately, whether or not the write
// succeeds.
func (m *AutomatedPredictManager) Finalize(sessionID string, w io.Writer) error {
	session, err := m.session(sessionID)
	if err != nil {
		return err
	}
	defer func() {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		os.RemoveAll(session.dir)
		m.logger.Info("automated-predict session finalized", "session.id", sessionID)
	}()

	zw := zip.NewWriter(w)
	defer zw.Close()

	rawDir := filepath.Join(session.dir, "raw")
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return wrapErr(CodeInternal, err, "read raw output directory")
	}
	for _, e := range entries {
		if err := addFileToZip(zw, filepath.Join(rawDir, e.Name()), filepath.Join("raw", e.Name())); err != nil {
			return err
		}
	}

	for model, ms := range session.stats {
		csvBytes, err := renderModelCSV(session.dischargeOrder, ms)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.Join("stats", safeName(model)+".csv"))
		if err != nil {
			return wrapErr(CodeInternal, err, "create csv zip entry")
		}
		if _, err := entry.Write(csvBytes); err != nil {
			return wrapErr(CodeInternal, err, "write csv zip entry")
		}
	}

	summaryEntry, err := zw.Create("summary.html")
	if err != nil {
		return wrapErr(CodeInternal, err, "create summary zip entry")
	}
	html, err := renderSessionSummary(session)
	if err != nil {
		return err
	}
	if _, err := summaryEntry.Write(html); err != nil {
		return wrapErr(CodeInternal, err, "write summary zip entry")
	}

	return nil
}

// renderModelCSV builds one model's CSV: a column-triplet per discharge in
// dischargeOrder (justification, threshold, count_threshold), with rows
// extended to the longest series among the discharges this model actually
// saw. A discharge never uploaded to this model yields three blank columns.
func renderModelCSV(dischargeOrder []string, ms *modelStats) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	header := make([]string, 0, len(dischargeOrder)*3)
	maxRows := 0
	for _, id := range dischargeOrder {
		safe := safeName(id)
		header = append(header, safe+"_justification", safe+"_justification_threshold", safe+"_count_threshold")
		if ds, ok := ms.discharges[id]; ok && len(ds.justifications) > maxRows {
			maxRows = len(ds.justifications)
		}
	}
	if err := cw.Write(header); err != nil {
		return nil, wrapErr(CodeInternal, err, "write csv header")
	}

	for row := 0; row < maxRows; row++ {
		record := make([]string, 0, len(dischargeOrder)*3)
		for _, id := range dischargeOrder {
			ds, ok := ms.discharges[id]
			if !ok || row >= len(ds.justifications) {
				record = append(record, "", "", "")
				continue
			}
			record = append(record,
				fmt.Sprintf("%g", ds.justifications[row]),
				fmt.Sprintf("%d", ds.thresholds[row]),
				fmt.Sprintf("%d", ds.countThresh[row]),
			)
		}
		if err := cw.Write(record); err != nil {
			return nil, wrapErr(CodeInternal, err, "write csv row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, wrapErr(CodeInternal, err, "flush csv")
	}
	return buf.Bytes(), nil
}

// safeName derives a filesystem-safe name for a discharge or model
// identifier: if id is already a safe filename component it is used
// verbatim, otherwise it is replaced with the first 16 hex chars of its
// BLAKE3 hash so that arbitrary client-supplied ids never collide with
// path separators or traverse directories.
func safeName(id string) string {
	if isSafeFilenameComponent(id) {
		return id
	}
	h := blake3.Sum256([]byte(id))
	return fmt.Sprintf("%x", h[:8])
}

func isSafeFilenameComponent(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func addFileToZip(zw *zip.Writer, srcPath, zipPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return wrapErr(CodeInternal, err, "open raw output file")
	}
	defer f.Close()
	entry, err := zw.Create(zipPath)
	if err != nil {
		return wrapErr(CodeInternal, err, "create zip entry")
	}
	if _, err := io.Copy(entry, f); err != nil {
		return wrapErr(CodeInternal, err, "write zip entry")
	}
	return nil
}
