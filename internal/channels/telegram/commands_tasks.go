package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

const maxTasksInList = 30

func taskStatusIcon(status store.TaskStatus) string {
	if status == store.TaskPaused {
		return "⏸"
	}
	return "⏳"
}

// handleTasksList handles the /tasks command: lists scheduled tasks for
// the group whose folder matches this chat, newest first.
func (c *Channel) handleTasksList(ctx context.Context, chatID int64) {
	send := func(text string) {
		c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	}

	if c.tasks == nil {
		send("Scheduled tasks are not available.")
		return
	}

	folder, err := registry.NormalizeGroupID(fmt.Sprintf("telegram-%d", chatID))
	if err != nil {
		send("Failed to list tasks. Please try again.")
		return
	}
	tasks, err := c.tasks.ListForGroup(ctx, folder)
	if err != nil {
		slog.Warn("telegram: list tasks for /tasks", "error", err)
		send("Failed to list tasks. Please try again.")
		return
	}
	if len(tasks) == 0 {
		send("No scheduled tasks for this chat.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled tasks (%d):\n", len(tasks))
	for i, t := range tasks {
		if i >= maxTasksInList {
			fmt.Fprintf(&b, "… and %d more\n", len(tasks)-maxTasksInList)
			break
		}
		next := "—"
		if t.NextRun != nil {
			next = t.NextRun.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s %s (%s %s) next: %s\n", taskStatusIcon(t.Status), t.TaskID, t.ScheduleType, t.ScheduleValue, next)
	}
	send(b.String())
}
