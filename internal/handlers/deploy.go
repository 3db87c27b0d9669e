package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/retry"
	"github.com/tut-ua/flowd/internal/sshexec"
	"github.com/tut-ua/flowd/internal/worker"
)

// smokeErrorRe flags log lines that fail the smoke test.
var smokeErrorRe = regexp.MustCompile(`CRITICAL|ERROR|ImportError|ModuleNotFoundError|SyntaxError|Traceback`)

// smokeIgnore lists known-noisy lines the smoke test tolerates.
var smokeIgnore = []string{
	"Some modules are not loaded",
	"inconsistent states",
	"Importing test framework",
}

// addonRoots are the module trees detect-modules scans, with the path
// depth at which the module directory name sits.
var addonRoots = []struct {
	dir   string
	depth int
}{
	{"src/custom", 3},
	{"src/enterprise", 3},
	{"src/third-party", 3},
	{"src/community/odoo/addons", 5},
}

func registerDeployHandlers(reg *worker.Registry, d *Deps) error {
	regs := []worker.Registration{
		{Type: "git-pull", Handler: d.gitPull, Timeout: 120 * time.Second, MaxConcurrent: 1},
		{Type: "detect-modules", Handler: d.detectModules, Timeout: 60 * time.Second, MaxConcurrent: 1},
		{Type: "docker-build", Handler: d.dockerBuild, Timeout: 600 * time.Second, MaxConcurrent: 1},
		{Type: "docker-up", Handler: d.dockerUp, Timeout: 300 * time.Second, MaxConcurrent: 1},
		{Type: "module-update", Handler: d.moduleUpdate, Timeout: 900 * time.Second, MaxConcurrent: 1},
		{Type: "cache-clear", Handler: d.cacheClear, Timeout: 60 * time.Second, MaxConcurrent: 1},
		{Type: "smoke-test", Handler: d.smokeTest, Timeout: 300 * time.Second, MaxConcurrent: 1},
		{Type: "http-verify", Handler: d.httpVerify, Timeout: 300 * time.Second, MaxConcurrent: 1},
		{Type: "save-deploy-state", Handler: d.saveDeployState, Timeout: 30 * time.Second, MaxConcurrent: 1},
		{Type: "rollback", Handler: d.rollback, Timeout: 300 * time.Second, MaxConcurrent: 1},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// deployTarget resolves the server and applies per-job overrides for
// the repo directory, database, container, and port.
func (d *Deps) deployTarget(job domain.Job) (config.ServerConfig, error) {
	server, err := d.resolveServer(job, "")
	if err != nil {
		return config.ServerConfig{}, err
	}
	server.RepoDir = job.StringVar("repo_dir", server.RepoDir)
	server.DBName = job.StringVar("db_name", server.DBName)
	server.Container = job.StringVar("container", server.Container)
	server.Port = job.IntVar("port", server.Port)
	return server, nil
}

// gitPull fetches and checks out the branch, reporting the previous
// and new deployed commits. A missing deploy-state file reads as the
// literal "none" so first deploys flow through the same path.
func (d *Deps) gitPull(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	branch := job.StringVar("branch", "")
	if branch == "" {
		return nil, domain.NewHandlerError(domain.CodeValidationError, "git-pull: branch is required")
	}

	stateFile := fmt.Sprintf("%s/.deploy-state/deploy_state_%s", server.RepoDir, branch)
	res, err := d.SSH.Run(ctx, server, fmt.Sprintf("cat %s 2>/dev/null || echo none", stateFile), sshexec.Options{})
	if err != nil {
		return nil, err
	}
	oldCommit := res.Out()

	fetch := func() error {
		res, err := d.SSH.RunInRepo(ctx, server,
			fmt.Sprintf("git config --global --add safe.directory %s 2>/dev/null; git fetch origin %s", server.RepoDir, branch),
			sshexec.Options{Timeout: 60 * time.Second})
		if err != nil {
			return err
		}
		return res.Check("git fetch failed")
	}
	if err := retry.Do(ctx, fetch, 3, 5*time.Second, 1); err != nil {
		return nil, err
	}

	res, err = d.SSH.RunInRepo(ctx, server, fmt.Sprintf("git checkout -B %s origin/%s", branch, branch), sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git checkout failed"); err != nil {
		return nil, err
	}

	res, err = d.SSH.RunInRepo(ctx, server, "git rev-parse HEAD", sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git rev-parse failed"); err != nil {
		return nil, err
	}
	newCommit := res.Out()

	hasChanges := oldCommit != newCommit
	slog.Info("git-pull",
		slog.String("host", server.Host),
		slog.String("old", short(oldCommit)),
		slog.String("new", short(newCommit)),
		slog.Bool("changed", hasChanges))
	return map[string]any{
		"old_commit":  oldCommit,
		"new_commit":  newCommit,
		"has_changes": hasChanges,
	}, nil
}

// detectModules diffs the deployed range and names the Odoo modules
// that changed. First deploys and oversized diffs escalate to "all".
func (d *Deps) detectModules(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	oldCommit := job.StringVar("old_commit", "none")
	newCommit := job.StringVar("new_commit", "")

	if oldCommit == "none" {
		return map[string]any{"changed_modules": "all", "docker_build_needed": true}, nil
	}

	res, err := d.SSH.RunInRepo(ctx, server,
		fmt.Sprintf("git diff --name-only %s %s | wc -l", oldCommit, newCommit), sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git diff failed"); err != nil {
		return nil, err
	}
	totalFiles, _ := strconv.Atoi(res.Out())
	if totalFiles > 250 {
		return map[string]any{"changed_modules": "all", "docker_build_needed": true}, nil
	}

	modules := map[string]struct{}{}
	for _, root := range addonRoots {
		res, err := d.SSH.RunInRepo(ctx, server,
			fmt.Sprintf("git diff --name-only %s %s -- %s/ 2>/dev/null", oldCommit, newCommit, root.dir),
			sshexec.Options{})
		if err != nil {
			return nil, err
		}
		for _, line := range splitLines(res.Stdout) {
			parts := strings.Split(line, "/")
			if len(parts) < root.depth {
				continue
			}
			mod := parts[root.depth-1]
			if _, seen := modules[mod]; seen {
				continue
			}
			check, err := d.SSH.RunInRepo(ctx, server,
				fmt.Sprintf("test -f %s/%s/__manifest__.py && echo yes || echo no", root.dir, mod),
				sshexec.Options{})
			if err != nil {
				return nil, err
			}
			if check.Out() == "yes" {
				modules[mod] = struct{}{}
			}
		}
	}

	res, err = d.SSH.RunInRepo(ctx, server,
		fmt.Sprintf("git diff --name-only %s %s -- docker/ Dockerfile docker-compose.yml src/community/requirements.txt src/custom/requirements.txt", oldCommit, newCommit),
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	dockerBuildNeeded := res.Out() != ""

	names := make([]string, 0, len(modules))
	for m := range modules {
		names = append(names, m)
	}
	sort.Strings(names)
	changed := strings.Join(names, ",")
	slog.Info("detect-modules",
		slog.String("modules", changed),
		slog.Bool("docker_build", dockerBuildNeeded))
	return map[string]any{
		"changed_modules":     changed,
		"docker_build_needed": dockerBuildNeeded,
	}, nil
}

// dockerBuild rebuilds the web image, retried against registry blips.
func (d *Deps) dockerBuild(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	build := func() error {
		res, err := d.SSH.RunInRepo(ctx, server, "docker compose build --pull web",
			sshexec.Options{Timeout: 540 * time.Second})
		if err != nil {
			return err
		}
		return res.Check("docker build failed")
	}
	if err := retry.Do(ctx, build, 3, 5*time.Second, 1); err != nil {
		return nil, err
	}
	slog.Info("docker-build completed", slog.String("host", server.Host))
	return map[string]any{}, nil
}

// dockerUp starts the stack and waits for the container and the login
// page to come up.
func (d *Deps) dockerUp(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}

	up := func() error {
		res, err := d.SSH.RunInRepo(ctx, server, "docker compose up -d",
			sshexec.Options{Timeout: 60 * time.Second})
		if err != nil {
			return err
		}
		return res.Check("docker compose up failed")
	}
	if err := retry.Do(ctx, up, 3, 5*time.Second, 1); err != nil {
		return nil, err
	}

	running := false
	for attempt := 0; attempt < 12; attempt++ {
		res, err := d.SSH.Run(ctx, server,
			fmt.Sprintf("docker inspect --format='{{.State.Status}}' %s 2>/dev/null || echo unknown", server.Container),
			sshexec.Options{})
		if err != nil {
			return nil, err
		}
		if strings.Trim(res.Out(), "'") == "running" {
			running = true
			break
		}
		d.Sleep(ctx, 5*time.Second)
	}
	if !running {
		return nil, domain.NewHandlerError(domain.CodeRemoteCommandFailed,
			"container %s not running after 60s", server.Container)
	}

	if err := d.waitHTTP(ctx, server, server.Port, 24, 10*time.Second); err != nil {
		return nil, err
	}
	slog.Info("docker-up: service healthy",
		slog.String("host", server.Host), slog.Int("port", server.Port))
	return map[string]any{}, nil
}

// moduleUpdate runs the one-shot -u pass for the changed modules. A
// long intersection escalates to -u all, which is both faster and
// safer than a 10+ module list.
func (d *Deps) moduleUpdate(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	changed := job.StringVar("changed_modules", "")
	if changed == "" {
		return map[string]any{"modules_updated": ""}, nil
	}

	dbPassword, err := d.dbPassword(ctx, server)
	if err != nil {
		return nil, err
	}

	updateModules := "all"
	if changed != "all" {
		requested := splitCSV(changed)
		res, err := d.SSH.Run(ctx, server,
			fmt.Sprintf("docker exec %s-db psql -U odoo -d %s -t -A -c \"SELECT name FROM ir_module_module WHERE state = 'installed';\"", server.Container, server.DBName),
			sshexec.Options{})
		if err != nil {
			return nil, err
		}
		if err := res.Check("installed module query failed"); err != nil {
			return nil, err
		}
		installed := map[string]struct{}{}
		for _, m := range splitLines(res.Stdout) {
			installed[m] = struct{}{}
		}
		var update []string
		for _, m := range requested {
			if _, ok := installed[m]; ok {
				update = append(update, m)
			}
		}
		switch {
		case len(update) > 10:
			updateModules = "all"
		case len(update) > 0:
			updateModules = strings.Join(update, ",")
		default:
			updateModules = ""
		}
	}
	if updateModules == "" {
		return map[string]any{"modules_updated": ""}, nil
	}

	if _, err := d.SSH.RunInRepo(ctx, server,
		"find src -type d -name __pycache__ -exec rm -rf {} + 2>/dev/null || true", sshexec.Options{}); err != nil {
		return nil, err
	}
	if _, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("docker stop %s 2>/dev/null || true", server.Container),
		sshexec.Options{Timeout: 30 * time.Second}); err != nil {
		return nil, err
	}

	res, err := d.SSH.RunInRepo(ctx, server,
		fmt.Sprintf("timeout 2000 docker compose run --rm web odoo-bin -d %s -u %s --db_password='%s' --stop-after-init --no-http --log-level=warn",
			server.DBName, updateModules, dbPassword),
		sshexec.Options{Timeout: 2100 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("module update failed"); err != nil {
		return nil, err
	}

	res, err = d.SSH.RunInRepo(ctx, server, "docker compose up -d", sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("docker compose up failed"); err != nil {
		return nil, err
	}
	if _, err := d.SSH.Run(ctx, server, purgeAssetsCmd(server), sshexec.Options{}); err != nil {
		return nil, err
	}

	slog.Info("module-update", slog.String("host", server.Host), slog.String("modules", updateModules))
	return map[string]any{"modules_updated": updateModules}, nil
}

// cacheClear purges the compiled asset bundles and restarts.
func (d *Deps) cacheClear(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	if _, err := d.SSH.Run(ctx, server, purgeAssetsCmd(server), sshexec.Options{}); err != nil {
		return nil, err
	}
	res, err := d.SSH.RunInRepo(ctx, server, "docker compose up -d", sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("docker compose up failed"); err != nil {
		return nil, err
	}
	slog.Info("cache-clear", slog.String("host", server.Host))
	return map[string]any{}, nil
}

// smokeTest boots the server once with --stop-after-init and scans the
// log for fatal lines.
func (d *Deps) smokeTest(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	dbPassword, err := d.dbPassword(ctx, server)
	if err != nil {
		return nil, err
	}
	if _, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("docker stop %s 2>/dev/null || true", server.Container),
		sshexec.Options{Timeout: 30 * time.Second}); err != nil {
		return nil, err
	}

	res, err := d.SSH.RunInRepo(ctx, server,
		fmt.Sprintf("timeout 120 docker compose run --rm -T web odoo-bin -d %s --db_password='%s' --stop-after-init --no-http 2>&1",
			server.DBName, dbPassword),
		sshexec.Options{Timeout: 150 * time.Second})
	if err != nil {
		return nil, err
	}

	var errorLines []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !smokeErrorRe.MatchString(line) {
			continue
		}
		ignored := false
		for _, p := range smokeIgnore {
			if strings.Contains(line, p) {
				ignored = true
				break
			}
		}
		if !ignored {
			errorLines = append(errorLines, strings.TrimSpace(line))
		}
	}
	smokePassed := res.ExitCode == 0 && len(errorLines) == 0

	if smokePassed {
		res, err := d.SSH.RunInRepo(ctx, server, "docker compose up -d", sshexec.Options{})
		if err != nil {
			return nil, err
		}
		if err := res.Check("docker compose up failed"); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("smoke test failed",
			slog.String("host", server.Host),
			slog.Any("errors", firstN(errorLines, 3)))
	}
	slog.Info("smoke-test", slog.String("host", server.Host), slog.Bool("passed", smokePassed))
	return map[string]any{"smoke_passed": smokePassed}, nil
}

// httpVerify re-runs the login-page wait loop on its own.
func (d *Deps) httpVerify(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	if err := d.waitHTTP(ctx, server, server.Port, 24, 10*time.Second); err != nil {
		return nil, err
	}
	slog.Info("http-verify ok", slog.String("host", server.Host), slog.Int("port", server.Port))
	return map[string]any{}, nil
}

// saveDeployState records the deployed commit. The state dir is 700
// and the file 600 since the repo dir is group readable.
func (d *Deps) saveDeployState(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	branch := job.StringVar("branch", "")
	newCommit := job.StringVar("new_commit", "")
	if branch == "" || newCommit == "" {
		return nil, domain.NewHandlerError(domain.CodeValidationError,
			"save-deploy-state: branch and new_commit are required")
	}
	stateDir := server.RepoDir + "/.deploy-state"
	stateFile := fmt.Sprintf("%s/deploy_state_%s", stateDir, branch)
	res, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("mkdir -p %s && chmod 700 %s && echo '%s' > %s && chmod 600 %s",
			stateDir, stateDir, newCommit, stateFile, stateFile),
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("save deploy state failed"); err != nil {
		return nil, err
	}
	slog.Info("save-deploy-state",
		slog.String("host", server.Host),
		slog.String("branch", branch),
		slog.String("commit", short(newCommit)))
	return map[string]any{}, nil
}

// rollback pins the branch back to the previous commit and recreates
// the stack. With no previous commit there is nothing to roll back to.
func (d *Deps) rollback(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.deployTarget(job)
	if err != nil {
		return nil, err
	}
	oldCommit := job.StringVar("old_commit", "none")
	if oldCommit == "none" || oldCommit == "" {
		slog.Warn("rollback: no previous commit, skipping", slog.String("host", server.Host))
		return map[string]any{}, nil
	}

	checkout := fmt.Sprintf("git checkout %s", oldCommit)
	if branch := job.StringVar("branch", ""); branch != "" {
		checkout = fmt.Sprintf("git checkout -B %s %s", branch, oldCommit)
	}
	res, err := d.SSH.RunInRepo(ctx, server, checkout, sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("rollback checkout failed"); err != nil {
		return nil, err
	}

	res, err = d.SSH.RunInRepo(ctx, server, "docker compose up -d --force-recreate",
		sshexec.Options{Timeout: 120 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("rollback restart failed"); err != nil {
		return nil, err
	}
	slog.Info("rollback", slog.String("host", server.Host), slog.String("commit", short(oldCommit)))
	return map[string]any{}, nil
}

// waitHTTP polls the login page from the host itself until it answers.
func (d *Deps) waitHTTP(ctx context.Context, server config.ServerConfig, port, maxAttempts int, interval time.Duration) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := d.SSH.Run(ctx, server,
			fmt.Sprintf("curl -sf -o /dev/null --max-time 10 http://localhost:%d/web/login", port),
			sshexec.Options{})
		if err != nil {
			return err
		}
		if res.Success() {
			return nil
		}
		if attempt < maxAttempts {
			d.Sleep(ctx, interval)
		}
	}
	return domain.NewHandlerError(domain.CodeRemoteCommandFailed,
		"HTTP service not responding on %s:%d after %ds",
		server.Host, port, maxAttempts*int(interval.Seconds()))
}

// dbPassword reads the database password from the running container,
// falling back to the compose .env file.
func (d *Deps) dbPassword(ctx context.Context, server config.ServerConfig) (string, error) {
	res, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("docker exec %s printenv PASSWORD 2>/dev/null", server.Container),
		sshexec.Options{})
	if err != nil {
		return "", err
	}
	if res.Success() && res.Out() != "" {
		return res.Out(), nil
	}
	res, err = d.SSH.RunInRepo(ctx, server,
		`grep -oP 'POSTGRES_PASSWORD=\K.*' .env 2>/dev/null`, sshexec.Options{})
	if err != nil {
		return "", err
	}
	if res.Success() && res.Out() != "" {
		return res.Out(), nil
	}
	return "", domain.NewHandlerError(domain.CodeRemoteCommandFailed,
		"cannot retrieve DB password on %s", server.Host)
}

func purgeAssetsCmd(server config.ServerConfig) string {
	return fmt.Sprintf("docker exec %s-db psql -U odoo -d %s -c \"DELETE FROM ir_attachment WHERE url LIKE '/web/assets/%%' OR name LIKE 'web.assets%%';\"",
		server.Container, server.DBName)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func firstN(xs []string, n int) []string {
	if len(xs) > n {
		return xs[:n]
	}
	return xs
}
