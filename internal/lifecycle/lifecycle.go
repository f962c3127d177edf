// Package lifecycle handles host startup checks, orphan container
// cleanup, and graceful shutdown, per spec.md §4.8.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/nextlevelbuilder/groupd/internal/queue"
	"github.com/nextlevelbuilder/groupd/internal/retry"
	"github.com/nextlevelbuilder/groupd/internal/runner"
)

// ProbeContainerRuntime verifies the container runtime is reachable,
// equivalent to `docker info`. A daemon that is still starting up (e.g.
// right after a host reboot) gets a few retries before startup fails.
func ProbeContainerRuntime(ctx context.Context, docker *client.Client) error {
	_, err := retry.Do(ctx, retry.DefaultConfig(), nil, nil, func(ctx context.Context) (struct{}, error) {
		_, err := docker.Ping(ctx)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("lifecycle: container runtime unreachable: %w", err)
	}
	return nil
}

// ReapOrphans finds every container whose name begins with
// runner.ContainerNamePrefix, signals it to stop, and waits for it to
// exit — cleanup for containers left behind by a crashed previous host
// process.
func ReapOrphans(ctx context.Context, docker *client.Client, log *slog.Logger) error {
	containers, err := docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("lifecycle: list containers: %w", err)
	}

	for _, c := range containers {
		if !hasReservedPrefix(c.Names) {
			continue
		}
		log.Info("lifecycle: reaping orphan container", "id", c.ID, "names", c.Names)
		if err := docker.ContainerKill(ctx, c.ID, "SIGTERM"); err != nil {
			log.Warn("lifecycle: signal orphan", "id", c.ID, "error", err)
			continue
		}
		statusCh, errCh := docker.ContainerWait(ctx, c.ID, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			log.Warn("lifecycle: wait for orphan exit", "id", c.ID, "error", err)
		case <-statusCh:
		}
	}
	return nil
}

func hasReservedPrefix(names []string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), runner.ContainerNamePrefix) {
			return true
		}
	}
	return false
}

// Run starts httpServer, blocks until a termination signal arrives, then
// drains the group queue and shuts the server down gracefully.
func Run(ctx context.Context, httpServer *http.Server, q *queue.Queue, drainTimeout time.Duration, log *slog.Logger) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-sigCtx.Done():
		log.Info("lifecycle: shutdown signal received, draining")
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("lifecycle: http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout+5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("lifecycle: http server shutdown", "error", err)
	}
	q.Shutdown(shutdownCtx, drainTimeout)
	log.Info("lifecycle: shutdown complete")
	return nil
}
