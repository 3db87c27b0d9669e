package webhook

import (
	"fmt"
	"log/slog"
	"net/http"

	gogithub "github.com/google/go-github/v69/github"
	"github.com/google/uuid"

	"github.com/tut-ua/flowd/internal/domain"
)

// deliveryMessageID keys the engine message on the GitHub delivery id
// so a redelivered webhook does not publish twice. Deliveries without
// the header get a fresh id and are never deduplicated.
func deliveryMessageID(r *http.Request) string {
	if id := gogithub.DeliveryID(r); id != "" {
		return id
	}
	return uuid.NewString()
}

// handleGitHub verifies the HMAC signature and routes pull_request
// events. A missing webhook secret is a deployment fault, not a
// client error, and rejects everything with a 500.
func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	if s.cfg.GitHubWebhookSecret == "" {
		LoggerFrom(r).Error("github webhook secret not configured")
		writeError(w, r, fmt.Errorf("webhook secret not configured: %w", domain.ErrInternal), nil)
		return
	}

	payload, err := gogithub.ValidatePayload(r, []byte(s.cfg.GitHubWebhookSecret))
	if err != nil {
		LoggerFrom(r).Warn("invalid github webhook signature", slog.Any("error", err))
		writeError(w, r, fmt.Errorf("invalid signature: %w", domain.ErrUnauthorized), nil)
		return
	}

	eventType := gogithub.WebHookType(r)
	event, err := gogithub.ParseWebHook(eventType, payload)
	if err != nil {
		writeError(w, r, fmt.Errorf("invalid payload: %w", domain.ErrInvalidArgument), nil)
		return
	}
	LoggerFrom(r).Info("github webhook",
		slog.String("event", eventType),
		slog.String("delivery", gogithub.DeliveryID(r)))

	pr, ok := event.(*gogithub.PullRequestEvent)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event": eventType})
		return
	}
	s.routePREvent(w, r, pr)
}

// routePREvent filters for PRs targeting staging and maps GitHub
// actions to engine messages.
func (s *Server) routePREvent(w http.ResponseWriter, r *http.Request, ev *gogithub.PullRequestEvent) {
	action := ev.GetAction()
	pr := ev.GetPullRequest()
	baseBranch := pr.GetBase().GetRef()
	prNumber := pr.GetNumber()

	LoggerFrom(r).Info("pull request event",
		slog.Int("pr", prNumber),
		slog.String("action", action),
		slog.String("base", baseBranch))

	if baseBranch != "staging" {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ignored",
			"reason": "base_branch=" + baseBranch,
		})
		return
	}

	switch action {
	case "opened", "reopened", "ready_for_review":
		// Draft PRs start their process once marked ready, not on open.
		if pr.GetDraft() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "draft"})
			return
		}
		s.publishPREvent(w, r, ev)
	case "synchronize":
		s.publishPRUpdated(w, r, pr)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "action": action})
	}
}

// publishPREvent starts a feature-to-production instance. The server
// variables are flattened in because the deploy call activities take
// them as BPMN inputs.
func (s *Server) publishPREvent(w http.ResponseWriter, r *http.Request, ev *gogithub.PullRequestEvent) {
	pr := ev.GetPullRequest()
	prNumber := pr.GetNumber()
	repository := ev.GetRepo().GetFullName()
	if repository == "" {
		repository = s.cfg.Repository
	}

	variables := map[string]any{
		"pr_number":   prNumber,
		"pr_url":      pr.GetHTMLURL(),
		"pr_title":    pr.GetTitle(),
		"pr_author":   pr.GetUser().GetLogin(),
		"repository":  repository,
		"base_branch": pr.GetBase().GetRef(),
		"head_branch": pr.GetHead().GetRef(),
	}
	if staging, ok := s.cfg.Servers["staging"]; ok {
		variables["staging_host"] = staging.Host
		variables["staging_ssh_user"] = staging.SSHUser
		variables["staging_repo_dir"] = staging.RepoDir
		variables["staging_db"] = staging.DBName
		variables["staging_container"] = staging.Container
	}
	if production, ok := s.cfg.Servers["production"]; ok {
		variables["production_host"] = production.Host
		variables["production_ssh_user"] = production.SSHUser
		variables["production_repo_dir"] = production.RepoDir
		variables["production_db"] = production.DBName
		variables["production_container"] = production.Container
	}

	err := s.publish(r.Context(), domain.Message{
		Name:           "msg_pr_event",
		CorrelationKey: pr.GetHead().GetRef(),
		Variables:      variables,
		MessageID:      deliveryMessageID(r),
	})
	if err != nil {
		LoggerFrom(r).Error("publish msg_pr_event failed", slog.Int("pr", prNumber), slog.Any("error", err))
		writeError(w, r, fmt.Errorf("engine publish failed: %w", domain.ErrUpstream), nil)
		return
	}
	LoggerFrom(r).Info("published msg_pr_event", slog.Int("pr", prNumber))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "published",
		"message":   "msg_pr_event",
		"pr_number": prNumber,
	})
}

// publishPRUpdated correlates new commits to the running instance by
// PR number.
func (s *Server) publishPRUpdated(w http.ResponseWriter, r *http.Request, pr *gogithub.PullRequest) {
	prNumber := pr.GetNumber()
	err := s.publish(r.Context(), domain.Message{
		Name:           "msg_pr_updated",
		CorrelationKey: fmt.Sprintf("%d", prNumber),
		Variables: map[string]any{
			"pr_updated": true,
			"head_sha":   pr.GetHead().GetSHA(),
		},
		MessageID: deliveryMessageID(r),
	})
	if err != nil {
		LoggerFrom(r).Error("publish msg_pr_updated failed", slog.Int("pr", prNumber), slog.Any("error", err))
		writeError(w, r, fmt.Errorf("engine publish failed: %w", domain.ErrUpstream), nil)
		return
	}
	LoggerFrom(r).Info("published msg_pr_updated", slog.Int("pr", prNumber))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "published",
		"message":   "msg_pr_updated",
		"pr_number": prNumber,
	})
}
