// Package runner spawns each group's container turn via the Docker Engine
// API, attaches its standard input/output, and parses its line-delimited
// JSON output into router events.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/nextlevelbuilder/groupd/internal/bootstrap"
	"github.com/nextlevelbuilder/groupd/internal/crypto"
	"github.com/nextlevelbuilder/groupd/internal/outputrouter"
	"github.com/nextlevelbuilder/groupd/internal/queue"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

// ContainerNamePrefix tags every container this host spawns, so the
// lifecycle reaper can find and remove orphans left by a crashed host.
const ContainerNamePrefix = "groupd-"

var internalTagRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// Request is the prompt handed to a freshly spawned (or resumed) container.
type Request struct {
	Prompt    string
	SessionID string
	ChatJID   string
	Folder    string
	IsMain    bool
}

// Result is returned once the subprocess exits or a done marker is observed.
type Result struct {
	Status       string // "success" | "error"
	NewSessionID string
	Error        string
}

// Defaults holds the container image used when a group's ContainerConfig
// names none of its own.
type Defaults struct {
	Image string
}

// Runner spawns and drives container turns over the Docker Engine API.
type Runner struct {
	docker    *client.Client
	queue     *queue.Queue
	router    *outputrouter.Router
	store     store.Store
	defaults  Defaults
	dataDir   string
	secretKey []byte // AES-256-GCM key for ContainerConfig.ExtraEnv at rest, nil disables decryption
	log       *slog.Logger
}

// New constructs a Runner. secretKey may be nil, in which case
// ExtraEnv values are injected into the container verbatim (no
// secret-at-rest encryption configured).
func New(docker *client.Client, q *queue.Queue, router *outputrouter.Router, st store.Store, defaults Defaults, dataDir string, secretKey []byte, log *slog.Logger) *Runner {
	return &Runner{docker: docker, queue: q, router: router, store: st, defaults: defaults, dataDir: dataDir, secretKey: secretKey, log: log}
}

// Run materializes the group's task/registry snapshots, spawns a container,
// writes req as its first stdin line, and streams its stdout into the
// output router until a done marker or process exit.
func (r *Runner) Run(ctx context.Context, g *store.Group, req Request) (Result, error) {
	if err := r.writeSnapshots(ctx, g); err != nil {
		return Result{}, fmt.Errorf("runner: materialize snapshots: %w", err)
	}
	if err := r.store.RouterState().Set(ctx, lastActivityKey(g.GroupID), time.Now().UTC().Format(time.RFC3339)); err != nil {
		r.log.Warn("runner: record last activity", "group_id", g.GroupID, "error", err)
	}

	image := r.defaults.Image
	var mounts []mount.Mount
	env := []string{}
	if g.ContainerConfig != nil {
		if g.ContainerConfig.Image != "" {
			image = g.ContainerConfig.Image
		}
		for _, m := range g.ContainerConfig.Mounts {
			mounts = append(mounts, mount.Mount{
				Type:     mount.TypeBind,
				Source:   m.Source,
				Target:   m.Target,
				ReadOnly: m.ReadOnly,
			})
		}
		for k, v := range g.ContainerConfig.ExtraEnv {
			if r.secretKey != nil {
				if plain, err := crypto.Decrypt(v, r.secretKey); err == nil {
					v = plain
				} else {
					r.log.Warn("runner: decrypt extra env value, using as-is", "group_id", g.GroupID, "key", k, "error", err)
				}
			}
			env = append(env, k+"="+v)
		}
	}
	mounts = append(mounts,
		mount.Mount{Type: mount.TypeBind, Source: bootstrap.SnapshotDir(r.dataDir, g.Folder), Target: "/workspace/snapshots"},
		mount.Mount{Type: mount.TypeBind, Source: bootstrap.InboxDir(r.dataDir, g.Folder), Target: "/workspace/ipc-out"},
	)

	name := ContainerNamePrefix + g.Folder + "-" + fmt.Sprint(time.Now().UnixNano())
	created, err := r.docker.ContainerCreate(ctx, &container.Config{
		Image:        image,
		Env:          env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}, &container.HostConfig{Mounts: mounts}, nil, nil, name)
	if err != nil {
		r.router.Emit(g.GroupID, outputrouter.Event{Kind: outputrouter.EventError, Error: err.Error()})
		return Result{Status: "error", Error: err.Error()}, err
	}

	attach, err := r.docker.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		r.router.Emit(g.GroupID, outputrouter.Event{Kind: outputrouter.EventError, Error: err.Error()})
		return Result{Status: "error", Error: err.Error()}, err
	}

	if err := r.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		r.router.Emit(g.GroupID, outputrouter.Event{Kind: outputrouter.EventError, Error: err.Error()})
		return Result{Status: "error", Error: err.Error()}, err
	}

	handle := &processHandle{docker: r.docker, containerID: created.ID, attach: attach}
	r.queue.RegisterProcess(g.GroupID, handle)

	payload, err := json.Marshal(map[string]any{
		"prompt":    req.Prompt,
		"sessionId": req.SessionID,
		"chatJid":   req.ChatJID,
		"folder":    req.Folder,
		"isMain":    req.IsMain,
	})
	if err != nil {
		return Result{}, fmt.Errorf("runner: marshal request: %w", err)
	}
	if err := handle.WriteLine(string(payload)); err != nil {
		return Result{Status: "error", Error: err.Error()}, err
	}

	return r.stream(ctx, g.GroupID, handle, attach.Reader)
}

// stream reads line-delimited JSON from the container's stdout, forwarding
// parsed records to the output router until a done marker or EOF.
func (r *Runner) stream(ctx context.Context, groupID string, handle *processHandle, stdout io.Reader) (Result, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var stderrTail strings.Builder
	result := Result{Status: "success"}
	sawDone := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec struct {
			Type      string `json:"type"`
			Text      string `json:"text"`
			SessionID string `json:"sessionId"`
			Error     string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			r.log.Warn("runner: skip malformed output line", "group_id", groupID, "error", err)
			continue
		}

		r.queue.NotifyOutput(groupID)

		switch rec.Type {
		case "message":
			text := internalTagRe.ReplaceAllString(rec.Text, "")
			r.router.Emit(groupID, outputrouter.Event{Kind: outputrouter.EventMessage, Text: text})
		case "session":
			result.NewSessionID = rec.SessionID
		case "error":
			result.Status = "error"
			result.Error = rec.Error
			r.router.Emit(groupID, outputrouter.Event{Kind: outputrouter.EventError, Error: rec.Error})
		case "done":
			sawDone = true
			r.router.Emit(groupID, outputrouter.Event{Kind: outputrouter.EventDone, NewSessionID: result.NewSessionID})
		default:
			r.log.Warn("runner: unknown output record type", "group_id", groupID, "type", rec.Type)
		}

		if sawDone {
			break
		}
	}

	if sawDone {
		return result, nil
	}

	exitCode, waitErr := handle.wait(ctx)
	if waitErr != nil && stderrTail.Len() == 0 {
		stderrTail.WriteString(waitErr.Error())
	}

	if !sawDone {
		if exitCode == 0 {
			result.Status = "success"
		} else {
			result.Status = "error"
			if result.Error == "" {
				result.Error = stderrTail.String()
			}
		}
		r.router.Emit(groupID, outputrouter.Event{Kind: outputrouter.EventDone, NewSessionID: result.NewSessionID})
	}

	return result, nil
}

// lastActivityKey is the RouterState key backing a group's lastActivity
// field in the groups snapshot — process-level bookkeeping the registry
// itself has no room for.
func lastActivityKey(groupID string) string {
	return "last_activity:" + groupID
}

// writeSnapshots materializes the per-run tasks and registry snapshot
// files the in-container agent reads before acting on IPC instructions.
func (r *Runner) writeSnapshots(ctx context.Context, g *store.Group) error {
	var tasks []store.Task
	var err error
	if g.IsMain() {
		tasks, err = r.store.Tasks().ListAll(ctx)
	} else {
		tasks, err = r.store.Tasks().ListForGroup(ctx, g.Folder)
	}
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	groups, err := r.store.Groups().List(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	activity, err := r.store.RouterState().All(ctx)
	if err != nil {
		return fmt.Errorf("list router state: %w", err)
	}

	type groupView struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		LastActivity string `json:"lastActivity"`
		IsRegistered bool   `json:"isRegistered"`
	}
	var groupViews []groupView
	if g.IsMain() {
		for _, gg := range groups {
			groupViews = append(groupViews, groupView{ID: gg.GroupID, Name: gg.DisplayName, LastActivity: activity[lastActivityKey(gg.GroupID)], IsRegistered: true})
		}
	} else {
		groupViews = []groupView{{ID: g.GroupID, Name: g.DisplayName, LastActivity: activity[lastActivityKey(g.GroupID)], IsRegistered: true}}
	}

	return writeSnapshotFiles(bootstrap.SnapshotDir(r.dataDir, g.Folder), tasks, groupViews)
}

// processHandle implements queue.ProcessHandle over a Docker-attached
// subprocess's hijacked connection.
type processHandle struct {
	docker      *client.Client
	containerID string
	attach      types.HijackedResponse

	mu       sync.Mutex
	exitCode int64
	waited   bool
}

func (h *processHandle) WriteLine(line string) error {
	_, err := io.WriteString(h.attach.Conn, line+"\n")
	return err
}

func (h *processHandle) CloseStdin() error {
	if cw, ok := h.attach.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return h.attach.Conn.Close()
}

func (h *processHandle) Terminate() {
	_ = h.docker.ContainerKill(context.Background(), h.containerID, "SIGTERM")
}

func (h *processHandle) Kill() {
	_ = h.docker.ContainerKill(context.Background(), h.containerID, "SIGKILL")
}

func (h *processHandle) Wait() {
	h.wait(context.Background())
}

func (h *processHandle) wait(ctx context.Context) (int64, error) {
	h.mu.Lock()
	if h.waited {
		defer h.mu.Unlock()
		return h.exitCode, nil
	}
	h.mu.Unlock()

	statusCh, errCh := h.docker.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		h.mu.Lock()
		h.exitCode = status.StatusCode
		h.waited = true
		h.mu.Unlock()
		h.attach.Close()
		return status.StatusCode, nil
	}
}
