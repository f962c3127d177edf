package ipc

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/nextlevelbuilder/groupd/internal/outputrouter"
	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

type fakeTaskStore struct {
	tasks map[string]*store.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*store.Task)}
}

func (f *fakeTaskStore) Create(_ context.Context, t *store.Task) error {
	cp := *t
	f.tasks[t.TaskID] = &cp
	return nil
}

func (f *fakeTaskStore) Get(_ context.Context, taskID string) (*store.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) Update(_ context.Context, t *store.Task) error {
	if _, ok := f.tasks[t.TaskID]; !ok {
		return store.ErrNotFound
	}
	cp := *t
	f.tasks[t.TaskID] = &cp
	return nil
}

func (f *fakeTaskStore) Delete(_ context.Context, taskID string) error {
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeTaskStore) ListDue(_ context.Context, now time.Time) ([]store.Task, error) {
	var out []store.Task
	for _, t := range f.tasks {
		if t.Status == store.TaskActive && t.NextRun != nil && !t.NextRun.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (f *fakeTaskStore) ListForGroup(_ context.Context, folder string) ([]store.Task, error) {
	var out []store.Task
	for _, t := range f.tasks {
		if t.GroupFolder == folder {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) ListAll(_ context.Context) ([]store.Task, error) {
	var out []store.Task
	for _, t := range f.tasks {
		out = append(out, *t)
	}
	return out, nil
}

type fakeGroupStore struct {
	groups map[string]*store.Group
}

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

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(context.Background(), newFakeGroupStore(), dir, dir)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestMessageEvaluatorAllowsMainToAnyGroup(t *testing.T) {
	reg := newTestRegistry(t)
	router := outputrouter.New()
	eval := &MessageEvaluator{Registry: reg, Router: router, AssistantName: "groupd"}

	ch, _, ok := router.Subscribe("team-a")
	if !ok {
		t.Fatal("subscribe failed")
	}

	res, err := eval.Evaluate(context.Background(), AuthContext{
		SourceGroup: "main",
		IsMain:      true,
		Payload:     map[string]any{"chatJid": "Team A", "text": "hello"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed, got denied: %s", res.Reason)
	}

	select {
	case ev := <-ch:
		if ev.Text != "groupd: hello" {
			t.Fatalf("unexpected text %q", ev.Text)
		}
	default:
		t.Fatal("expected an emitted event")
	}
}

func TestMessageEvaluatorDeniesCrossGroup(t *testing.T) {
	reg := newTestRegistry(t)
	router := outputrouter.New()
	eval := &MessageEvaluator{Registry: reg, Router: router, AssistantName: "groupd"}

	res, err := eval.Evaluate(context.Background(), AuthContext{
		SourceGroup: "team-b",
		IsMain:      false,
		Payload:     map[string]any{"chatJid": "team-a", "text": "hello"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial for cross-group message from a non-main source")
	}
}

func TestScheduleTaskEvaluatorAuthorizesOwnGroup(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register(context.Background(), "team-a", "Team A", "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	tasks := newFakeTaskStore()
	eval := &ScheduleTaskEvaluator{Registry: reg, Tasks: tasks, Location: time.UTC}

	res, err := eval.Evaluate(context.Background(), AuthContext{
		SourceGroup: "team-a",
		Payload: map[string]any{
			"prompt":         "ping",
			"schedule_type":  "interval",
			"schedule_value": "300000",
			"targetJid":      "team-a",
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed, got denied: %s", res.Reason)
	}
	if len(tasks.tasks) != 1 {
		t.Fatalf("expected one task created, got %d", len(tasks.tasks))
	}
}

func TestScheduleTaskEvaluatorDeniesOtherGroup(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register(context.Background(), "team-a", "Team A", "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	tasks := newFakeTaskStore()
	eval := &ScheduleTaskEvaluator{Registry: reg, Tasks: tasks, Location: time.UTC}

	res, err := eval.Evaluate(context.Background(), AuthContext{
		SourceGroup: "team-b",
		Payload: map[string]any{
			"prompt":         "ping",
			"schedule_type":  "interval",
			"schedule_value": "300000",
			"targetJid":      "team-a",
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial")
	}
	if len(tasks.tasks) != 0 {
		t.Fatal("no task should have been created")
	}
}

func TestTaskOpEvaluatorsPauseResumeCancel(t *testing.T) {
	tasks := newFakeTaskStore()
	next := time.Now().Add(time.Hour)
	tasks.tasks["t1"] = &store.Task{
		TaskID: "t1", GroupFolder: "team-a", Status: store.TaskActive,
		ScheduleType: store.ScheduleInterval, ScheduleValue: "300000", NextRun: &next,
	}

	pause := NewPauseTaskEvaluator(tasks)
	res, err := pause.Evaluate(context.Background(), AuthContext{SourceGroup: "team-a", Payload: map[string]any{"taskId": "t1"}})
	if err != nil || !res.Allowed {
		t.Fatalf("pause: res=%v err=%v", res, err)
	}
	if tasks.tasks["t1"].Status != store.TaskPaused {
		t.Fatalf("expected paused, got %s", tasks.tasks["t1"].Status)
	}

	resume := NewResumeTaskEvaluator(tasks, time.UTC)
	res, err = resume.Evaluate(context.Background(), AuthContext{SourceGroup: "team-a", Payload: map[string]any{"taskId": "t1"}})
	if err != nil || !res.Allowed {
		t.Fatalf("resume: res=%v err=%v", res, err)
	}
	if tasks.tasks["t1"].Status != store.TaskActive {
		t.Fatal("expected active after resume")
	}

	cancel := NewCancelTaskEvaluator(tasks)
	res, err = cancel.Evaluate(context.Background(), AuthContext{SourceGroup: "team-a", Payload: map[string]any{"taskId": "t1"}})
	if err != nil || !res.Allowed {
		t.Fatalf("cancel: res=%v err=%v", res, err)
	}
	if _, ok := tasks.tasks["t1"]; ok {
		t.Fatal("expected task to be deleted")
	}
}

func TestTaskOpEvaluatorDeniesWrongGroup(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = &store.Task{TaskID: "t1", GroupFolder: "team-a", Status: store.TaskActive}

	pause := NewPauseTaskEvaluator(tasks)
	res, err := pause.Evaluate(context.Background(), AuthContext{SourceGroup: "team-b", Payload: map[string]any{"taskId": "t1"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial for a task owned by a different group")
	}
}

func TestRegisterGroupEvaluatorOnlyMain(t *testing.T) {
	reg := newTestRegistry(t)
	eval := &RegisterGroupEvaluator{Registry: reg}

	res, err := eval.Evaluate(context.Background(), AuthContext{
		SourceGroup: "team-a",
		IsMain:      false,
		Payload:     map[string]any{"jid": "team-c", "name": "Team C"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial from a non-main source")
	}
}

func TestRegisterGroupEvaluatorEncryptsExtraEnv(t *testing.T) {
	reg := newTestRegistry(t)
	key := make([]byte, 32)
	eval := &RegisterGroupEvaluator{Registry: reg, SecretKey: key}

	res, err := eval.Evaluate(context.Background(), AuthContext{
		IsMain: true,
		Payload: map[string]any{
			"jid":  "team-c",
			"name": "Team C",
			"containerConfig": map[string]any{
				"extraEnv": map[string]any{"API_KEY": "s3cr3t"},
			},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed, got denied: %s", res.Reason)
	}

	g, ok := reg.Get("team-c")
	if !ok {
		t.Fatal("expected team-c to be registered")
	}
	if g.ContainerConfig == nil {
		t.Fatal("expected a ContainerConfig")
	}
	if g.ContainerConfig.ExtraEnv["API_KEY"] == "s3cr3t" {
		t.Fatal("expected ExtraEnv to be encrypted at rest, not stored in plaintext")
	}
}

func TestEngineDispatchUnknownOpIsDenied(t *testing.T) {
	engine := NewEngine()
	res, err := engine.Dispatch(context.Background(), OpType("bogus"), AuthContext{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected an unregistered op type to be denied")
	}
}
