package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/groupd/internal/bootstrap"
	"github.com/nextlevelbuilder/groupd/internal/store"
	"github.com/nextlevelbuilder/groupd/internal/tracing"
)

// Mediator polls (with an fsnotify-driven fast path) the per-group inbox
// tree for agent-emitted operation files, authorizes each against the
// registered Engine, applies it, and deletes or quarantines the file.
type Mediator struct {
	dataDir      string
	pollInterval time.Duration
	engine       *Engine
	audit        store.IPCAuditStore
	log          *slog.Logger

	watcher *fsnotify.Watcher
}

// NewMediator constructs a Mediator. dataDir is the root under which
// <dataDir>/ipc/<group>/{messages,tasks} inboxes live.
func NewMediator(dataDir string, pollInterval time.Duration, engine *Engine, audit store.IPCAuditStore, log *slog.Logger) *Mediator {
	return &Mediator{dataDir: dataDir, pollInterval: pollInterval, engine: engine, audit: audit, log: log}
}

// Run polls the inbox tree until ctx is cancelled. A fsnotify watcher is
// attempted as a fast path; if it fails to start (e.g. inotify limits),
// the mediator falls back to poll-only operation per the REDESIGN note.
func (m *Mediator) Run(ctx context.Context) {
	if w, err := fsnotify.NewWatcher(); err != nil {
		m.log.Warn("ipc: fsnotify unavailable, polling only", "error", err)
	} else {
		m.watcher = w
		defer w.Close()
		m.watchTree()
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
			if m.watcher != nil {
				m.watchTree()
			}
		case ev, ok := <-m.watchEvents():
			if !ok {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				m.scan(ctx)
			}
		}
	}
}

// watchEvents returns the watcher's event channel, or a nil channel
// (which blocks forever in a select) if no watcher is running.
func (m *Mediator) watchEvents() chan fsnotify.Event {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Events
}

// watchTree adds every current sourceGroup's messages/tasks directories
// to the watcher; harmless to call repeatedly, as fsnotify no-ops on an
// already-watched path.
func (m *Mediator) watchTree() {
	root := filepath.Join(m.dataDir, "ipc")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		for _, sub := range []string{"messages", "tasks"} {
			_ = m.watcher.Add(filepath.Join(root, e.Name(), sub))
		}
	}
}

// scan walks every <dataDir>/ipc/<group>/{messages,tasks} directory and
// processes every *.json file found.
func (m *Mediator) scan(ctx context.Context) {
	root := filepath.Join(m.dataDir, "ipc")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		sourceGroup := e.Name()
		for _, sub := range []string{"messages", "tasks"} {
			dir := filepath.Join(root, sourceGroup, sub)
			files, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
					continue
				}
				m.processFile(ctx, sourceGroup, filepath.Join(dir, f.Name()))
			}
		}
	}
}

// processFile authorizes and applies one inbox file, then deletes or
// quarantines it. sourceGroup is trusted as the directory name the file
// was found under — §4.5's security primitive — never a field inside
// the file.
func (m *Mediator) processFile(ctx context.Context, sourceGroup, path string) {
	if !m.withinInboxTree(path) {
		m.quarantine(path, sourceGroup)
		m.recordAudit(ctx, sourceGroup, "", false, "path escapes inbox tree")
		m.log.Warn("ipc: rejected path escaping inbox tree", "path", path)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Transient (e.g. a write still in flight) — retry next scan.
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		m.quarantine(path, sourceGroup)
		m.recordAudit(ctx, sourceGroup, "", false, "malformed json: "+err.Error())
		m.log.Warn("ipc: quarantined malformed file", "path", path, "error", err)
		return
	}

	opType, _ := payload["type"].(string)
	actx := AuthContext{
		SourceGroup: sourceGroup,
		IsMain:      sourceGroup == store.MainGroupID,
		Payload:     payload,
	}

	ctx, span := tracing.StartIPCOp(ctx, sourceGroup, opType)
	defer span.End()

	result, err := m.engine.Dispatch(ctx, OpType(opType), actx)
	if err != nil {
		span.RecordError(err)
		m.quarantine(path, sourceGroup)
		m.recordAudit(ctx, sourceGroup, opType, false, err.Error())
		m.log.Warn("ipc: quarantined file, evaluator error", "path", path, "error", err)
		return
	}

	if !result.Allowed {
		_ = os.Remove(path)
		m.recordAudit(ctx, sourceGroup, opType, false, result.Reason)
		m.log.Warn("ipc: dropped unauthorized/denied op", "path", path, "reason", result.Reason)
		return
	}

	_ = os.Remove(path)
	m.recordAudit(ctx, sourceGroup, opType, true, result.Reason)
}

// withinInboxTree resolves symlinks on path and rejects it if the real
// location escapes <dataDir>/ipc — the defense the REDESIGN note requires
// against a sourceGroup directory spoofed via symlink.
func (m *Mediator) withinInboxTree(path string) bool {
	root, err := filepath.Abs(filepath.Join(m.dataDir, "ipc"))
	if err != nil {
		return false
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		// A file that vanished between ReadDir and now isn't a spoof
		// attempt; let the subsequent ReadFile fail harmlessly.
		return true
	}
	rel, err := filepath.Rel(root, real)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (m *Mediator) quarantine(path, sourceGroup string) {
	errDir := bootstrap.ErrorsDir(m.dataDir)
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		m.log.Error("ipc: create errors dir", "error", err)
		return
	}
	dest := filepath.Join(errDir, sourceGroup+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		m.log.Error("ipc: quarantine file", "path", path, "error", err)
	}
}

func (m *Mediator) recordAudit(ctx context.Context, sourceGroup, opType string, accepted bool, reason string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, sourceGroup, opType, accepted, reason); err != nil {
		m.log.Warn("ipc: record audit row", "error", err)
	}
}
