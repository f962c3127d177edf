package ipc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type fakeEvaluator struct {
	allow  bool
	reason string
	calls  int
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ AuthContext) (*AuthResult, error) {
	f.calls++
	return &AuthResult{Allowed: f.allow, Reason: f.reason}, nil
}

type auditRow struct {
	sourceGroup, opType string
	accepted            bool
	reason              string
}

type fakeAudit struct{ rows []auditRow }

func (f *fakeAudit) Record(_ context.Context, sourceGroup, opType string, accepted bool, reason string) error {
	f.rows = append(f.rows, auditRow{sourceGroup, opType, accepted, reason})
	return nil
}

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeInboxFile(t *testing.T, dataDir, group, sub, name, content string) string {
	t.Helper()
	dir := filepath.Join(dataDir, "ipc", group, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestScanProcessesAllowedFileAndDeletesIt(t *testing.T) {
	dataDir := t.TempDir()
	path := writeInboxFile(t, dataDir, "team-a", "messages", "m1.json", `{"type":"message","text":"hi"}`)

	eval := &fakeEvaluator{allow: true, reason: "ok"}
	engine := NewEngine()
	engine.Register(OpMessage, eval)
	audit := &fakeAudit{}

	m := NewMediator(dataDir, 0, engine, audit, testLog())
	m.scan(context.Background())

	if eval.calls != 1 {
		t.Fatalf("expected the evaluator to run once, got %d", eval.calls)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the processed file to be removed")
	}
	if len(audit.rows) != 1 || !audit.rows[0].accepted {
		t.Fatalf("expected one accepted audit row, got %+v", audit.rows)
	}
}

func TestScanDropsDeniedFileWithoutApplying(t *testing.T) {
	dataDir := t.TempDir()
	path := writeInboxFile(t, dataDir, "team-b", "messages", "m1.json", `{"type":"message","text":"hi"}`)

	eval := &fakeEvaluator{allow: false, reason: "cross-group denied"}
	engine := NewEngine()
	engine.Register(OpMessage, eval)
	audit := &fakeAudit{}

	m := NewMediator(dataDir, 0, engine, audit, testLog())
	m.scan(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the denied file to be removed rather than reprocessed")
	}
	if len(audit.rows) != 1 || audit.rows[0].accepted {
		t.Fatalf("expected one denied audit row, got %+v", audit.rows)
	}
}

func TestScanQuarantinesMalformedJSON(t *testing.T) {
	dataDir := t.TempDir()
	path := writeInboxFile(t, dataDir, "team-c", "tasks", "bad.json", `not json`)

	engine := NewEngine()
	audit := &fakeAudit{}

	m := NewMediator(dataDir, 0, engine, audit, testLog())
	m.scan(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the malformed file to be moved out of the inbox")
	}
	quarantined := filepath.Join(dataDir, "ipc", "errors", "team-c-bad.json")
	if _, err := os.Stat(quarantined); err != nil {
		t.Fatalf("expected the malformed file quarantined at %s: %v", quarantined, err)
	}
	if len(audit.rows) != 1 || audit.rows[0].accepted {
		t.Fatalf("expected one denied audit row for the malformed file, got %+v", audit.rows)
	}
}
