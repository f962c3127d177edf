package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/groupd/internal/outputrouter"
	"github.com/nextlevelbuilder/groupd/internal/queue"
	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/store"
	"github.com/nextlevelbuilder/groupd/internal/turn"
)

type fakeGroupStore struct{ groups map[string]*store.Group }

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{groups: make(map[string]*store.Group)}
}

func (f *fakeGroupStore) Get(_ context.Context, groupID string) (*store.Group, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return g, nil
}

func (f *fakeGroupStore) Upsert(_ context.Context, g *store.Group) error {
	cp := *g
	f.groups[g.GroupID] = &cp
	return nil
}

func (f *fakeGroupStore) List(_ context.Context) ([]store.Group, error) {
	var out []store.Group
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, bearer string) (*Server, *outputrouter.Router, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(context.Background(), newFakeGroupStore(), dir, dir)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	q := queue.New(queue.Config{IdleTimeout: time.Minute, GracePeriod: time.Second}, testLogger())
	router := outputrouter.New()
	orch := turn.New(reg, q, nil, nil, testLogger())
	q.SetProcessPromptFn(func(ctx context.Context, groupID string) error {
		router.Emit(groupID, outputrouter.Event{Kind: outputrouter.EventMessage, Text: "hi"})
		router.Emit(groupID, outputrouter.Event{Kind: outputrouter.EventDone})
		return nil
	})
	s := New(reg, q, router, orch, Config{BearerToken: bearer, MaxBodyBytes: 1 << 20, AssistantName: "groupd"}, testLogger())
	return s, router, reg
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAllowsCorrectToken(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodOptions, "/api/groups", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://example.com" {
		t.Fatal("expected origin to be echoed back")
	}
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleCreateGroupThenConflict(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	body, _ := json.Marshal(createGroupRequest{Name: "Team A"})
	req := httptest.NewRequest(http.MethodPost, "/api/groups", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/groups", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", rec2.Code)
	}
}

func TestHandleListGroupsSortedByAddedAt(t *testing.T) {
	s, _, reg := newTestServer(t, "")
	if _, err := reg.Register(context.Background(), "team-b", "Team B", "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(context.Background(), "team-a", "Team A", "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out []groupView
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].ID != "team-b" || out[1].ID != "team-a" {
		t.Fatalf("expected registration order by added_at, got %+v", out)
	}
}

func TestHandleDeleteSessionNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodDelete, "/api/groups/team-a/session", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a group with no live subprocess, got %d", rec.Code)
	}
}

func TestHandleChatStreamsUntilDone(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	body, _ := json.Marshal(chatRequest{Prompt: "hello", GroupID: "team-a"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: message") || !strings.Contains(out, "event: done") {
		t.Fatalf("expected a message event followed by a done event, got %q", out)
	}
}
