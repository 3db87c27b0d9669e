package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/sshexec"
	"github.com/tut-ua/flowd/internal/worker"
)

// reviewBotLogin is the account the automated review posts under.
const reviewBotLogin = "github-actions[bot]"

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	scoreRe      = regexp.MustCompile(`[Ss]core[^0-9]*(\d+)`)
	scoreEmojiRe = regexp.MustCompile(`🏅[^0-9]*(\d+)`)
	securityRe   = regexp.MustCompile(`(?s)🔒(.*?)(?:</tr>|$)`)
	criticalRe   = regexp.MustCompile(`(?i)critical|high severity|блокер|критичн`)
)

func registerGitHubHandlers(reg *worker.Registry, d *Deps) error {
	regs := []worker.Registration{
		{Type: "pr-agent-review", Handler: d.prAgentReview, Timeout: 600 * time.Second, MaxConcurrent: 1},
		{Type: "github-merge", Handler: d.githubMerge, Timeout: 60 * time.Second, MaxConcurrent: 4},
		{Type: "github-comment", Handler: d.githubComment, Timeout: 30 * time.Second, MaxConcurrent: 4},
		{Type: "github-create-pr", Handler: d.githubCreatePR, Timeout: 60 * time.Second, MaxConcurrent: 4},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// prAgentReview launches the review container against the PR, then
// pulls the bot's comment and distills it to a score and a security
// verdict. A missing comment scores 0 rather than failing the
// pipeline.
func (d *Deps) prAgentReview(ctx context.Context, job domain.Job) (map[string]any, error) {
	prNumber := job.IntVar("pr_number", 0)
	prURL := job.StringVar("pr_url", "")
	if prNumber == 0 || prURL == "" {
		return nil, domain.NewHandlerError(domain.CodeValidationError,
			"pr-agent-review: pr_number and pr_url are required")
	}

	server, err := d.reviewServer()
	if err == nil {
		cmd := fmt.Sprintf("docker run --rm "+
			"-e OPENROUTER__KEY='%s' "+
			"-e GITHUB_TOKEN='%s' "+
			"-e CONFIG.PR_AGENT_CONFIG_PATH='.pr_agent.toml' "+
			"codiumai/pr-agent:latest "+
			"--pr_url=%s review",
			d.Cfg.OpenRouterAPIKey, d.Cfg.GitHubToken, prURL)
		if _, err := d.SSH.Run(ctx, server, cmd, sshexec.Options{Timeout: 300 * time.Second}); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("no server available for review container, parsing existing comment only")
	}

	body, err := d.GitHub.BotReviewComment(ctx, prNumber, reviewBotLogin)
	if err != nil {
		return nil, err
	}
	if body == "" {
		slog.Warn("no review comment found", slog.Int("pr", prNumber))
		return map[string]any{"review_score": 0, "has_critical_issues": false}, nil
	}

	score := parseReviewScore(body)
	critical := hasCriticalSecurityIssues(body)
	slog.Info("pr-agent-review",
		slog.Int("pr", prNumber),
		slog.Int("score", score),
		slog.Bool("critical", critical))
	return map[string]any{
		"review_score":        score,
		"has_critical_issues": critical,
	}, nil
}

// reviewServer picks the host the review container runs on, preferring
// the demo box so staging keeps its capacity for deploys.
func (d *Deps) reviewServer() (config.ServerConfig, error) {
	for _, name := range []string{"kozak_demo", "staging"} {
		if s, ok := d.Cfg.Servers[name]; ok {
			return s, nil
		}
	}
	return config.ServerConfig{}, domain.NewHandlerError(domain.CodeValidationError, "no review server configured")
}

func (d *Deps) githubMerge(ctx context.Context, job domain.Job) (map[string]any, error) {
	prNumber := job.IntVar("pr_number", 0)
	if prNumber == 0 {
		return nil, domain.NewHandlerError(domain.CodeValidationError, "github-merge: pr_number is required")
	}
	sha, err := d.GitHub.MergePR(ctx, prNumber, job.StringVar("pr_title", ""))
	if err != nil {
		return nil, err
	}
	slog.Info("merged PR",
		slog.Int("pr", prNumber),
		slog.String("repository", d.GitHub.Repository()),
		slog.String("merge_sha", short(sha)))
	return map[string]any{}, nil
}

func (d *Deps) githubComment(ctx context.Context, job domain.Job) (map[string]any, error) {
	prNumber := job.IntVar("pr_number", 0)
	text := job.StringVar("comment_text", "")
	if prNumber == 0 || text == "" {
		return nil, domain.NewHandlerError(domain.CodeValidationError,
			"github-comment: pr_number and comment_text are required")
	}
	if err := d.GitHub.CommentPR(ctx, prNumber, text); err != nil {
		return nil, err
	}
	slog.Info("commented on PR", slog.Int("pr", prNumber))
	return map[string]any{}, nil
}

func (d *Deps) githubCreatePR(ctx context.Context, job domain.Job) (map[string]any, error) {
	head := job.StringVar("head_branch", "")
	base := job.StringVar("base_branch", "")
	title := job.StringVar("pr_title", "")
	if head == "" || base == "" || title == "" {
		return nil, domain.NewHandlerError(domain.CodeValidationError,
			"github-create-pr: head_branch, base_branch and pr_title are required")
	}
	pr, err := d.GitHub.CreatePR(ctx, head, base, title,
		job.StringVar("pr_body", ""), job.BoolVar("is_draft", false))
	if err != nil {
		return nil, err
	}
	slog.Info("created PR", slog.Int("pr", pr.Number), slog.String("url", pr.HTMLURL))
	return map[string]any{"pr_url": pr.HTMLURL, "pr_number": pr.Number}, nil
}

// parseReviewScore pulls the numeric score out of the review comment.
// Scores over 10 are read as a 100-point scale and normalized down.
func parseReviewScore(body string) int {
	clean := htmlTagRe.ReplaceAllString(body, "")
	m := scoreRe.FindStringSubmatch(clean)
	if m == nil {
		m = scoreEmojiRe.FindStringSubmatch(clean)
	}
	if m == nil {
		return 0
	}
	score, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	if score > 10 {
		score /= 10
	}
	return score
}

// hasCriticalSecurityIssues scans the security section of the review
// for blocking severity markers, in English and Ukrainian.
func hasCriticalSecurityIssues(body string) bool {
	if strings.Contains(body, "No security concerns identified") {
		return false
	}
	m := securityRe.FindStringSubmatch(body)
	if m == nil {
		return false
	}
	section := htmlTagRe.ReplaceAllString(m[1], "")
	return criticalRe.MatchString(section)
}
