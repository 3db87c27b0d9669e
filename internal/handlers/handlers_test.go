package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/gitops"
	"github.com/tut-ua/flowd/internal/odoo"
	"github.com/tut-ua/flowd/internal/sshexec"
	"github.com/tut-ua/flowd/internal/worker"
)

// scriptStep scripts the result for the first command containing the
// given substring. Steps are consumed in order, so the same substring
// can appear more than once.
type scriptStep struct {
	contains string
	result   sshexec.CommandResult
	err      error
}

// scriptedRunner replays scripted SSH results and records every
// command it saw. Commands with no matching step succeed with empty
// output.
type scriptedRunner struct {
	mu       sync.Mutex
	steps    []scriptStep
	commands []string
}

func (r *scriptedRunner) Run(_ context.Context, _ config.ServerConfig, command string, _ sshexec.Options) (sshexec.CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	for i, s := range r.steps {
		if strings.Contains(command, s.contains) {
			r.steps = append(r.steps[:i], r.steps[i+1:]...)
			return s.result, s.err
		}
	}
	return sshexec.CommandResult{ExitCode: 0}, nil
}

func (r *scriptedRunner) RunInRepo(ctx context.Context, server config.ServerConfig, command string, opts sshexec.Options) (sshexec.CommandResult, error) {
	return r.Run(ctx, server, fmt.Sprintf("cd %s && %s", server.RepoDir, command), opts)
}

func (r *scriptedRunner) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func (r *scriptedRunner) sawCommand(substr string) bool {
	for _, c := range r.seen() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func ok(stdout string) sshexec.CommandResult {
	return sshexec.CommandResult{Stdout: stdout, ExitCode: 0}
}

func failed(stderr string) sshexec.CommandResult {
	return sshexec.CommandResult{Stderr: stderr, ExitCode: 1}
}

// fakeGitHub records calls and replays canned PR data.
type fakeGitHub struct {
	mu         sync.Mutex
	repo       string
	reviewBody string

	merged      []int
	comments    map[int]string
	created     []gitops.PR
	markedReady []int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{repo: "tut-ua/odoo-enterprise", comments: map[int]string{}}
}

func (f *fakeGitHub) Repository() string { return f.repo }

func (f *fakeGitHub) GetPR(_ context.Context, number int) (gitops.PR, error) {
	return gitops.PR{Number: number, State: "open"}, nil
}

func (f *fakeGitHub) MergePR(_ context.Context, number int, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, number)
	return "abcdef1234567890", nil
}

func (f *fakeGitHub) CommentPR(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[number] = body
	return nil
}

func (f *fakeGitHub) CreatePR(_ context.Context, head, base, title, body string, draft bool) (gitops.PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := gitops.PR{
		Number:  101,
		Title:   title,
		Body:    body,
		Draft:   draft,
		HTMLURL: fmt.Sprintf("https://github.com/%s/pull/101", f.repo),
		HeadRef: head,
		BaseRef: base,
	}
	f.created = append(f.created, pr)
	return pr, nil
}

func (f *fakeGitHub) MarkPRReady(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedReady = append(f.markedReady, number)
	return nil
}

func (f *fakeGitHub) BotReviewComment(_ context.Context, _ int, _ string) (string, error) {
	return f.reviewBody, nil
}

// fakeOdoo records created tasks and returns sequential ids.
type fakeOdoo struct {
	mu     sync.Mutex
	nextID int
	tasks  []odoo.TaskRequest
}

func (f *fakeOdoo) CreateTask(_ context.Context, req odoo.TaskRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, req)
	f.nextID++
	return f.nextID + 500, nil
}

func testConfig() config.Config {
	return config.Config{
		Repository:       "tut-ua/odoo-enterprise",
		GitHubToken:      "ghp_test",
		DeployPAT:        "ghp_deploy",
		OpenRouterAPIKey: "or_test",
		OdooAssigneeID:   7,
		Servers: map[string]config.ServerConfig{
			"staging": {
				Name: "staging", Host: "staging.example.com", SSHUser: "deploy",
				SSHPort: 22, RepoDir: "/opt/odoo-enterprise", DBName: "odoo_staging",
				Container: "odoo-staging", Port: 8069,
			},
			"production": {
				Name: "production", Host: "prod.example.com", SSHUser: "deploy",
				SSHPort: 22, RepoDir: "/opt/odoo-enterprise", DBName: "odoo_prod",
				Container: "odoo-prod", Port: 8069,
			},
			"kozak_demo": {
				Name: "kozak_demo", Host: "demo.example.com", SSHUser: "deploy",
				SSHPort: 22, RepoDir: "/opt/odoo-enterprise", DBName: "odoo_demo",
				Container: "odoo-demo", Port: 8069,
			},
		},
	}
}

func Test_RegisterAll_WiresEveryTaskType(t *testing.T) {
	deps, _, _ := testDeps(&scriptedRunner{})
	reg := worker.NewRegistry()
	require.NoError(t, RegisterAll(reg, deps))
	assert.Equal(t, 28, reg.Len())

	types := map[string]bool{}
	for _, r := range reg.Registrations() {
		types[r.Type] = true
	}
	for _, want := range []string{
		"git-pull", "detect-modules", "docker-build", "docker-up", "module-update",
		"cache-clear", "smoke-test", "http-verify", "save-deploy-state", "rollback",
		"pr-agent-review", "github-merge", "github-comment", "github-create-pr",
		"fetch-current-version", "fetch-runbot", "clone-upstream", "sync-modules",
		"diff-report", "impact-analysis", "git-commit-push", "sync-code-to-demo",
		"merge-to-staging", "github-pr-ready",
		"audit-analysis", "clickbot-test",
		"send-notification", "create-odoo-task",
	} {
		assert.True(t, types[want], "missing task type %s", want)
	}
}

// testDeps builds a Deps with fakes and an instant sleep.
func testDeps(ssh *scriptedRunner) (Deps, *fakeGitHub, *fakeOdoo) {
	gh := newFakeGitHub()
	od := &fakeOdoo{}
	deps := Deps{
		Cfg:    testConfig(),
		SSH:    ssh,
		GitHub: gh,
		Odoo:   od,
		Sleep:  func(context.Context, time.Duration) {},
	}
	deps.fill()
	return deps, gh, od
}
