package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/odoo"
	"github.com/tut-ua/flowd/internal/worker"
)

// notificationTitles maps notification types to task names in the
// team's working language.
var notificationTitles = map[string]string{
	"staging_ready":  "[deploy] Staging готовий до перевірки",
	"deploy_failed":  "[deploy] Деплой провалився",
	"review_needed":  "[review] Потрібна перевірка",
	"sync_conflicts": "[upstream-sync] Перевірити конфлікти з custom модулями",
}

func registerNotifyHandlers(reg *worker.Registry, d *Deps) error {
	// Both handlers stash the element id so the created task can point
	// back at the exact BPMN activity that raised it.
	before := func(j *domain.Job) {
		if j.Variables == nil {
			j.Variables = map[string]any{}
		}
		j.Variables["element_id"] = j.ElementID
	}
	regs := []worker.Registration{
		{Type: "send-notification", Handler: d.sendNotification, Timeout: 30 * time.Second, MaxConcurrent: 4, Before: before},
		{Type: "create-odoo-task", Handler: d.createOdooTask, Timeout: 30 * time.Second, MaxConcurrent: 4, Before: before},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// sendNotification creates an informational task in the CI/CD project.
func (d *Deps) sendNotification(ctx context.Context, job domain.Job) (map[string]any, error) {
	notificationType := job.StringVar("notification_type", "info")
	name, ok := notificationTitles[notificationType]
	if !ok {
		name = "[ci] " + notificationType
	}

	description := ""
	if body := job.StringVar("message_body", ""); body != "" {
		description += "<p>" + body + "</p>"
	}
	if prURL := job.StringVar("pr_url", ""); prURL != "" {
		description += fmt.Sprintf(`<p>PR: <a href="%s">%s</a></p>`, prURL, prURL)
	}

	taskID, err := d.Odoo.CreateTask(ctx, odoo.TaskRequest{
		Name:               name,
		Description:        description,
		AssigneeID:         d.Cfg.OdooAssigneeID,
		ProcessInstanceKey: job.ProcessInstanceKey,
		ElementInstanceKey: job.ElementInstanceKey,
		BpmnProcessID:      job.BpmnProcessID,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("created notification task",
		slog.Int("task_id", taskID),
		slog.String("type", notificationType))
	return map[string]any{"odoo_task_id": taskID}, nil
}

// createOdooTask creates a blocking task whose closure resumes the
// process: the message catch event correlates on the returned
// odoo_task_id, and the task-done webhook publishes against it.
func (d *Deps) createOdooTask(ctx context.Context, job domain.Job) (map[string]any, error) {
	taskType := job.StringVar("odoo_task_type", "")
	name, description := blockingTaskContent(taskType, job)

	taskID, err := d.Odoo.CreateTask(ctx, odoo.TaskRequest{
		Name:               name,
		Description:        description,
		AssigneeID:         d.Cfg.OdooAssigneeID,
		ProcessInstanceKey: job.ProcessInstanceKey,
		ElementInstanceKey: job.ElementInstanceKey,
		BpmnProcessID:      job.BpmnProcessID,
		CreateProcess:      true,
	})
	if err != nil {
		return nil, err
	}

	// Correlation keys are strings on the engine side. When Odoo does
	// not echo a task id back, the process instance key still gives the
	// webhook a stable key to correlate on.
	correlationID := strconv.Itoa(taskID)
	if taskID == 0 {
		correlationID = strconv.FormatInt(job.ProcessInstanceKey, 10)
	}

	slog.Info("created blocking task, waiting for closure via webhook",
		slog.Int("task_id", taskID),
		slog.String("type", taskType))
	return map[string]any{"odoo_task_id": correlationID}, nil
}

func blockingTaskContent(taskType string, job domain.Job) (name, description string) {
	switch taskType {
	case "resolve_conflicts":
		affected := job.IntVar("affected_custom_count", 0)
		name = fmt.Sprintf("[upstream-sync] Виправити конфлікти в custom модулях (%d модулів)", affected)
		description = fmt.Sprintf(
			"<p>Impact analysis виявив конфлікти з <b>%d</b> кастомними модулями (tut_*).</p>"+
				"<p><b>Що потрібно зробити:</b></p>"+
				"<ul>"+
				"<li>Переглянути impact table нижче</li>"+
				"<li>Виправити зачеплені custom модулі</li>"+
				"<li>Закомітити виправлення</li>"+
				"<li>Закрити цю задачу</li>"+
				"</ul>"+
				"<p><b>Impact table:</b></p>"+
				"<pre>%s</pre>",
			affected, job.StringVar("impact_table", ""))
	case "review_sync":
		name = "[upstream-sync] Перевірити sync та позначити Ready"
		description = "<p>Upstream sync завершено. Draft PR створено.</p>" +
			"<p><b>Що потрібно перевірити:</b></p>" +
			"<ul>" +
			"<li>Які модулі оновились</li>" +
			"<li>Impact на custom модулі (tut_*)</li>" +
			"<li>Чи є нові/видалені модулі</li>" +
			"</ul>"
		if prURL := job.StringVar("pr_url", ""); prURL != "" {
			description += fmt.Sprintf(`<p>PR: <a href="%s">%s</a></p>`, prURL, prURL)
		}
		if branch := job.StringVar("sync_branch", ""); branch != "" {
			description += "<p>Гілка: " + branch + "</p>"
		}
		description += "<p><b>Після перевірки закрийте цю задачу</b> — PR буде автоматично позначений як Ready.</p>"
	default:
		name = "[ci] " + taskType
		description = "<p>Task type: " + taskType + "</p>"
	}
	return name, description
}
