package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/groupd/internal/bus"
	"github.com/nextlevelbuilder/groupd/internal/channels"
	"github.com/nextlevelbuilder/groupd/internal/channels/discord"
	"github.com/nextlevelbuilder/groupd/internal/channels/slack"
	"github.com/nextlevelbuilder/groupd/internal/channels/telegram"
	"github.com/nextlevelbuilder/groupd/internal/config"
	"github.com/nextlevelbuilder/groupd/internal/crypto"
	"github.com/nextlevelbuilder/groupd/internal/httpapi"
	"github.com/nextlevelbuilder/groupd/internal/ipc"
	"github.com/nextlevelbuilder/groupd/internal/lifecycle"
	"github.com/nextlevelbuilder/groupd/internal/outputrouter"
	"github.com/nextlevelbuilder/groupd/internal/queue"
	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/runner"
	"github.com/nextlevelbuilder/groupd/internal/scheduler"
	"github.com/nextlevelbuilder/groupd/internal/store"
	"github.com/nextlevelbuilder/groupd/internal/store/pg"
	"github.com/nextlevelbuilder/groupd/internal/tracing"
	"github.com/nextlevelbuilder/groupd/internal/turn"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the host orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")
		log := newLogger(logLevel, logJSON)

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return runServe(cmd.Context(), cfg, log)
	},
}

func newLogger(level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func decodeSecretKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode secret_key_base64: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("secret_key_base64 must decode to %d bytes, got %d", crypto.KeySize, len(key))
	}
	return key, nil
}

func runServe(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	st, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg, err := registry.New(ctx, st.Groups(), cfg.Dirs.Data, cfg.Dirs.Groups)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if _, err := reg.Register(ctx, store.MainGroupID, cfg.Main.AssistantName, "", nil); err != nil {
		return fmt.Errorf("register main group: %w", err)
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	if err := lifecycle.ProbeContainerRuntime(ctx, docker); err != nil {
		return err
	}
	if err := lifecycle.ReapOrphans(ctx, docker, log); err != nil {
		log.Warn("reap orphan containers", "error", err)
	}

	secretKey, err := decodeSecretKey(cfg.Container.SecretKeyBase64)
	if err != nil {
		return err
	}

	q := queue.New(queue.Config{IdleTimeout: cfg.Container.IdleTimeout, GracePeriod: cfg.Container.GracePeriod}, log)
	router := outputrouter.New()
	run := runner.New(docker, q, router, st, runner.Defaults{Image: cfg.Container.Image}, cfg.Dirs.Data, secretKey, log)
	orch := turn.New(reg, q, run, st, log)

	loc, err := time.LoadLocation(cfg.Main.Timezone)
	if err != nil {
		log.Warn("unknown timezone, defaulting to UTC", "timezone", cfg.Main.Timezone, "error", err)
		loc = time.UTC
	}

	engine := ipc.NewEngine()
	engine.Register(ipc.OpMessage, &ipc.MessageEvaluator{Registry: reg, Router: router, AssistantName: cfg.Main.AssistantName})
	engine.Register(ipc.OpScheduleTask, &ipc.ScheduleTaskEvaluator{Registry: reg, Tasks: st.Tasks(), Location: loc})
	engine.Register(ipc.OpPauseTask, ipc.NewPauseTaskEvaluator(st.Tasks()))
	engine.Register(ipc.OpResumeTask, ipc.NewResumeTaskEvaluator(st.Tasks(), loc))
	engine.Register(ipc.OpCancelTask, ipc.NewCancelTaskEvaluator(st.Tasks()))
	engine.Register(ipc.OpRegisterGroup, &ipc.RegisterGroupEvaluator{Registry: reg, SecretKey: secretKey})

	mediator := ipc.NewMediator(cfg.Dirs.Data, cfg.Container.IPCPollInterval, engine, st.IPCAudit(), log)
	go mediator.Run(ctx)

	sched := scheduler.New(st.Tasks(), reg, orch.SubmitScheduled, loc, time.Second, log)
	go sched.Run(ctx)

	if shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Protocol: tracing.Protocol(cfg.Tracing.Protocol),
		Endpoint: cfg.Tracing.Endpoint,
	}); err != nil {
		log.Warn("tracing init failed, continuing without it", "error", err)
	} else {
		defer shutdown(context.Background())
	}

	server := httpapi.New(reg, q, router, orch, httpapi.Config{
		BearerToken:   cfg.HTTP.BearerToken,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		AssistantName: cfg.Main.AssistantName,
	}, log)

	msgBus := bus.New(256)
	chanMgr := channels.NewManager(log)
	if err := registerChannels(chanMgr, cfg, msgBus, st.Tasks()); err != nil {
		return fmt.Errorf("register channels: %w", err)
	}
	for _, name := range chanMgr.Names() {
		go forwardOutbound(ctx, msgBus, chanMgr, name, log)
	}
	go chanMgr.Run(ctx)
	go consumeInbound(ctx, msgBus, orch, router, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: server.Handler(),
	}

	return lifecycle.Run(ctx, httpServer, q, cfg.Container.GracePeriod, log)
}

func registerChannels(mgr *channels.Manager, cfg config.Config, msgBus *bus.MessageBus, tasks store.TaskStore) error {
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		if err := mgr.Register(ch); err != nil {
			return err
		}
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus, tasks)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		if err := mgr.Register(ch); err != nil {
			return err
		}
	}
	if cfg.Channels.Slack.Enabled {
		ch, err := slack.New(cfg.Channels.Slack, msgBus)
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		if err := mgr.Register(ch); err != nil {
			return err
		}
	}
	return nil
}
