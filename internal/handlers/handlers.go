// Package handlers implements the pipeline task handlers: deploy,
// GitHub, upstream sync, audit, clickbot, and Odoo notifications.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/gitops"
	"github.com/tut-ua/flowd/internal/odoo"
	"github.com/tut-ua/flowd/internal/sshexec"
	"github.com/tut-ua/flowd/internal/worker"
)

// defaultRunbotURL is the upstream CI endpoint publishing verified SHA
// pairs.
const defaultRunbotURL = "https://runbot.odoo.com/runbot/json/last_batches_infos"

// GitHubAPI is the slice of the gitops client the handlers use.
type GitHubAPI interface {
	Repository() string
	GetPR(ctx context.Context, number int) (gitops.PR, error)
	MergePR(ctx context.Context, number int, title string) (string, error)
	CommentPR(ctx context.Context, number int, body string) error
	CreatePR(ctx context.Context, head, base, title, body string, draft bool) (gitops.PR, error)
	MarkPRReady(ctx context.Context, number int) error
	BotReviewComment(ctx context.Context, number int, botLogin string) (string, error)
}

// OdooAPI is the slice of the odoo client the handlers use.
type OdooAPI interface {
	CreateTask(ctx context.Context, req odoo.TaskRequest) (int, error)
}

// Deps carries the shared clients every handler group draws from.
type Deps struct {
	Cfg    config.Config
	SSH    sshexec.Runner
	GitHub GitHubAPI
	Odoo   OdooAPI

	// HTTP serves the direct outbound calls (runbot). Defaults to a
	// 30 second client.
	HTTP *http.Client
	// RunbotURL overrides the CI endpoint; tests point it at a local
	// server.
	RunbotURL string
	// Sleep is the wait primitive for poll loops; tests replace it.
	Sleep func(ctx context.Context, d time.Duration)
}

func (d *Deps) fill() {
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if d.RunbotURL == "" {
		d.RunbotURL = defaultRunbotURL
	}
	if d.Sleep == nil {
		d.Sleep = func(ctx context.Context, wait time.Duration) {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
}

// RegisterAll wires every task type into the registry: deploy (10),
// GitHub (4), sync (10), audit (1), clickbot (1), notify (2).
func RegisterAll(reg *worker.Registry, deps Deps) error {
	deps.fill()
	groups := []func(*worker.Registry, *Deps) error{
		registerDeployHandlers,
		registerGitHubHandlers,
		registerSyncHandlers,
		registerAuditHandlers,
		registerClickbotHandlers,
		registerNotifyHandlers,
	}
	for _, group := range groups {
		if err := group(reg, &deps); err != nil {
			return err
		}
	}
	return nil
}

// resolveServer picks the deploy target from the job's server_host
// variable, falling back to the given logical name.
func (d *Deps) resolveServer(job domain.Job, fallback string) (config.ServerConfig, error) {
	name := job.StringVar("server_host", "")
	if name == "" {
		name = fallback
	}
	server, err := d.Cfg.ResolveServer(name)
	if err != nil {
		return config.ServerConfig{}, domain.WrapHandlerError(domain.CodeValidationError, err)
	}
	return server, nil
}
