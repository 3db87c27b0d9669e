package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
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

// syncWorkspace is the isolated clone the sync pipeline works in, kept
// away from the live server checkout so local changes stay untouched.
const syncWorkspace = "/tmp/sync-workspace"

var (
	versionInfoRe = regexp.MustCompile(`version_info\s*=\s*\((\d+),\s*(\d+)`)
	dependsRe     = regexp.MustCompile(`(?s)['"]depends['"]\s*:\s*\[(.*?)\]`)
	stringLitRe   = regexp.MustCompile(`['"]([^'"]+)['"]`)
)

func registerSyncHandlers(reg *worker.Registry, d *Deps) error {
	regs := []worker.Registration{
		{Type: "fetch-current-version", Handler: d.fetchCurrentVersion, Timeout: 30 * time.Second, MaxConcurrent: 1},
		{Type: "fetch-runbot", Handler: d.fetchRunbot, Timeout: 60 * time.Second, MaxConcurrent: 4},
		{Type: "clone-upstream", Handler: d.cloneUpstream, Timeout: 600 * time.Second, MaxConcurrent: 1},
		{Type: "sync-modules", Handler: d.syncModules, Timeout: 1200 * time.Second, MaxConcurrent: 1},
		{Type: "diff-report", Handler: d.diffReport, Timeout: 600 * time.Second, MaxConcurrent: 1},
		{Type: "impact-analysis", Handler: d.impactAnalysis, Timeout: 120 * time.Second, MaxConcurrent: 1},
		{Type: "git-commit-push", Handler: d.gitCommitPush, Timeout: 120 * time.Second, MaxConcurrent: 1},
		{Type: "sync-code-to-demo", Handler: d.syncCodeToDemo, Timeout: 120 * time.Second, MaxConcurrent: 1},
		{Type: "merge-to-staging", Handler: d.mergeToStaging, Timeout: 180 * time.Second, MaxConcurrent: 1},
		{Type: "github-pr-ready", Handler: d.githubPRReady, Timeout: 60 * time.Second, MaxConcurrent: 4},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// syncServer resolves the sync host, defaulting to the demo box.
func (d *Deps) syncServer(job domain.Job) (config.ServerConfig, error) {
	return d.resolveServer(job, "kozak_demo")
}

// wsRun executes a command inside the isolated sync workspace.
func (d *Deps) wsRun(ctx context.Context, server config.ServerConfig, cmd string, opts sshexec.Options) (sshexec.CommandResult, error) {
	return d.SSH.Run(ctx, server, fmt.Sprintf("cd %s && %s", syncWorkspace, cmd), opts)
}

// fetchCurrentVersion reads the deployed Odoo version and the upstream
// SHAs recorded by the previous sync. A missing state file means first
// sync and reads as empty SHAs.
func (d *Deps) fetchCurrentVersion(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.syncServer(job)
	if err != nil {
		return nil, err
	}
	upstreamBranch := job.StringVar("upstream_branch", "19.0")

	res, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("cat %s/src/community/odoo/release.py", server.RepoDir), sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("cannot read release.py"); err != nil {
		return nil, err
	}
	version := upstreamBranch
	if m := versionInfoRe.FindStringSubmatch(res.Stdout); m != nil {
		version = m[1] + "." + m[2]
	}

	res, err = d.SSH.Run(ctx, server,
		fmt.Sprintf("cat %s/.sync-state/upstream_shas.json 2>/dev/null || echo '{}'", server.RepoDir),
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	var state struct {
		CommunitySHA  string `json:"community_sha"`
		EnterpriseSHA string `json:"enterprise_sha"`
	}
	if err := json.Unmarshal([]byte(res.Out()), &state); err != nil {
		slog.Warn("no sync state found, treating as first sync")
	}

	slog.Info("fetch-current-version",
		slog.String("version", version),
		slog.String("community", short(state.CommunitySHA)),
		slog.String("enterprise", short(state.EnterpriseSHA)))
	return map[string]any{
		"current_version":        version,
		"current_community_sha":  state.CommunitySHA,
		"current_enterprise_sha": state.EnterpriseSHA,
	}, nil
}

// fetchRunbot asks the upstream CI for the latest SHA pair that passed
// together. A response missing either SHA is an IncompleteRunbot
// error: deploying an unverified pair is worse than not syncing.
func (d *Deps) fetchRunbot(ctx context.Context, job domain.Job) (map[string]any, error) {
	upstreamBranch := job.StringVar("upstream_branch", "19.0")

	var payload map[string]struct {
		Commits []struct {
			Repo string `json:"repo"`
			Head string `json:"head"`
		} `json:"commits"`
	}
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.RunbotURL, nil)
		if err != nil {
			return err
		}
		resp, err := d.HTTP.Do(req)
		if err != nil {
			return domain.WrapHandlerError(domain.CodeHTTPError, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return domain.NewHandlerError(domain.CodeHTTPError, "runbot returned %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &payload)
	}
	if err := retry.Do(ctx, fetch, 3, 5*time.Second, 1); err != nil {
		return nil, err
	}

	var communitySHA, enterpriseSHA string
	for _, c := range payload[upstreamBranch].Commits {
		switch c.Repo {
		case "odoo":
			communitySHA = c.Head
		case "enterprise":
			enterpriseSHA = c.Head
		}
	}
	if communitySHA == "" || enterpriseSHA == "" {
		return nil, domain.NewHandlerError(domain.CodeIncompleteRunbot,
			"incomplete runbot data for branch %s: community=%s, enterprise=%s",
			upstreamBranch, communitySHA, enterpriseSHA)
	}

	slog.Info("fetch-runbot",
		slog.String("branch", upstreamBranch),
		slog.String("community", short(communitySHA)),
		slog.String("enterprise", short(enterpriseSHA)))
	return map[string]any{
		"runbot_community_sha":  communitySHA,
		"runbot_enterprise_sha": enterpriseSHA,
	}, nil
}

// cloneUpstream shallow-clones both upstream repos at the verified
// SHAs and prepares a clean workspace clone of our repo from main.
func (d *Deps) cloneUpstream(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.syncServer(job)
	if err != nil {
		return nil, err
	}
	communitySHA := job.StringVar("runbot_community_sha", "")
	enterpriseSHA := job.StringVar("runbot_enterprise_sha", "")
	if communitySHA == "" || enterpriseSHA == "" {
		return nil, domain.NewHandlerError(domain.CodeValidationError,
			"clone-upstream: runbot_community_sha and runbot_enterprise_sha are required")
	}

	res, err := d.SSH.Run(ctx, server,
		"rm -rf /tmp/upstream-community && mkdir -p /tmp/upstream-community && "+
			"cd /tmp/upstream-community && git init -q && "+
			"git remote add origin https://github.com/odoo/odoo.git && "+
			fmt.Sprintf("git fetch --depth=1 origin %s && ", communitySHA)+
			"git checkout FETCH_HEAD -q",
		sshexec.Options{Timeout: 300 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("community clone failed"); err != nil {
		return nil, err
	}

	res, err = d.SSH.Run(ctx, server,
		"rm -rf /tmp/upstream-enterprise && mkdir -p /tmp/upstream-enterprise && "+
			"cd /tmp/upstream-enterprise && git init -q && "+
			fmt.Sprintf("git remote add origin https://x-access-token:%s@github.com/odoo/enterprise.git && ", d.Cfg.DeployPAT)+
			fmt.Sprintf("git fetch --depth=1 origin %s && ", enterpriseSHA)+
			"git checkout FETCH_HEAD -q",
		sshexec.Options{Timeout: 300 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("enterprise clone failed"); err != nil {
		return nil, err
	}

	res, err = d.SSH.Run(ctx, server,
		fmt.Sprintf("rm -rf %s && git clone --depth=1 --branch main https://x-access-token:%s@github.com/%s.git %s",
			syncWorkspace, d.Cfg.DeployPAT, d.GitHub.Repository(), syncWorkspace),
		sshexec.Options{Timeout: 300 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("workspace clone failed"); err != nil {
		return nil, err
	}
	if _, err := d.wsRun(ctx, server, "git fetch --unshallow 2>/dev/null || true",
		sshexec.Options{Timeout: 120 * time.Second}); err != nil {
		return nil, err
	}

	comDate, err := d.SSH.Run(ctx, server, "git -C /tmp/upstream-community log -1 --format=%ci", sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := comDate.Check("community log failed"); err != nil {
		return nil, err
	}
	entDate, err := d.SSH.Run(ctx, server, "git -C /tmp/upstream-enterprise log -1 --format=%ci", sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := entDate.Check("enterprise log failed"); err != nil {
		return nil, err
	}
	entCount, err := d.SSH.Run(ctx, server,
		"find /tmp/upstream-enterprise -mindepth 1 -maxdepth 1 -type d ! -name '.git' ! -name '.*' | wc -l",
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := entCount.Check("enterprise count failed"); err != nil {
		return nil, err
	}

	communityDate := firstField(comDate.Out())
	enterpriseDate := firstField(entDate.Out())
	enterpriseCount, _ := strconv.Atoi(entCount.Out())

	slog.Info("clone-upstream",
		slog.String("community", short(communitySHA)),
		slog.String("enterprise", short(enterpriseSHA)),
		slog.Int("enterprise_modules", enterpriseCount))
	return map[string]any{
		"community_date":   communityDate,
		"enterprise_date":  enterpriseDate,
		"enterprise_count": enterpriseCount,
	}, nil
}

// syncModules rsyncs the upstream trees into the workspace. With a
// module list it syncs only those enterprise modules; without one it
// replaces both trees wholesale.
func (d *Deps) syncModules(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.syncServer(job)
	if err != nil {
		return nil, err
	}
	modules := job.StringVar("modules", "")

	if modules != "" {
		synced := 0
		var newModules []string
		for _, mod := range splitCSV(modules) {
			check, err := d.SSH.Run(ctx, server,
				fmt.Sprintf("test -d /tmp/upstream-enterprise/%s && echo yes || echo no", mod),
				sshexec.Options{})
			if err != nil {
				return nil, err
			}
			if check.Out() != "yes" {
				slog.Warn("module not found in upstream, skipping", slog.String("module", mod))
				continue
			}
			check, err = d.SSH.Run(ctx, server,
				fmt.Sprintf("test -d %s/src/enterprise/%s && echo yes || echo no", syncWorkspace, mod),
				sshexec.Options{})
			if err != nil {
				return nil, err
			}
			if check.Out() != "yes" {
				newModules = append(newModules, mod)
			}
			res, err := d.SSH.Run(ctx, server,
				fmt.Sprintf("rsync -a --delete --checksum /tmp/upstream-enterprise/%s/ %s/src/enterprise/%s/",
					mod, syncWorkspace, mod),
				sshexec.Options{})
			if err != nil {
				return nil, err
			}
			if err := res.Check("rsync failed for " + mod); err != nil {
				return nil, err
			}
			synced++
		}
		if synced == 0 {
			return nil, domain.NewHandlerError(domain.CodeValidationError,
				"no valid modules found in upstream")
		}
		return map[string]any{
			"sync_mode":         "selective",
			"synced_enterprise": synced,
			"new_modules":       strings.Join(newModules, ", "),
		}, nil
	}

	newRes, err := d.SSH.Run(ctx, server,
		fmt.Sprintf(`for d in /tmp/upstream-enterprise/*/; do mod=$(basename "$d"); [ ! -d "%s/src/enterprise/$mod" ] && echo "$mod"; done 2>/dev/null || true`, syncWorkspace),
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	newModules := splitLines(newRes.Stdout)

	res, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("rsync -a --delete --checksum --exclude='.git' /tmp/upstream-community/ %s/src/community/", syncWorkspace),
		sshexec.Options{Timeout: 600 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("community rsync failed"); err != nil {
		return nil, err
	}
	res, err = d.SSH.Run(ctx, server,
		fmt.Sprintf("rsync -a --delete --checksum --exclude='.git' /tmp/upstream-enterprise/ %s/src/enterprise/", syncWorkspace),
		sshexec.Options{Timeout: 600 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("enterprise rsync failed"); err != nil {
		return nil, err
	}

	countRes, err := d.SSH.Run(ctx, server,
		"find /tmp/upstream-enterprise -mindepth 1 -maxdepth 1 -type d ! -name '.*' | wc -l",
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := countRes.Check("module count failed"); err != nil {
		return nil, err
	}
	syncedCount, _ := strconv.Atoi(countRes.Out())

	slog.Info("sync-modules full",
		slog.Int("enterprise", syncedCount),
		slog.Int("new", len(newModules)))
	return map[string]any{
		"sync_mode":         "full",
		"synced_enterprise": syncedCount,
		"new_modules":       strings.Join(newModules, ", "),
	}, nil
}

// diffReport measures what the sync actually changed in the workspace.
func (d *Deps) diffReport(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.syncServer(job)
	if err != nil {
		return nil, err
	}
	longOpt := sshexec.Options{Timeout: 300 * time.Second}

	if _, err := d.wsRun(ctx, server,
		"git add -N src/community/ src/enterprise/ 2>/dev/null || true", sshexec.Options{}); err != nil {
		return nil, err
	}

	comCheck, err := d.wsRun(ctx, server, "git diff --quiet -- src/community/ 2>/dev/null; echo $?", longOpt)
	if err != nil {
		return nil, err
	}
	communityChanged := comCheck.Out() != "0"

	entCheck, err := d.wsRun(ctx, server, "git diff --quiet -- src/enterprise/ 2>/dev/null; echo $?", longOpt)
	if err != nil {
		return nil, err
	}
	enterpriseChanged := entCheck.Out() != "0"

	communityFiles := 0
	enterpriseFiles := 0
	var changedModules []string

	if communityChanged {
		res, err := d.wsRun(ctx, server, "git diff --name-only -- src/community/ | wc -l", longOpt)
		if err != nil {
			return nil, err
		}
		if err := res.Check("community diff count failed"); err != nil {
			return nil, err
		}
		communityFiles, _ = strconv.Atoi(res.Out())
	}
	if enterpriseChanged {
		res, err := d.wsRun(ctx, server, "git diff --name-only -- src/enterprise/ | wc -l", longOpt)
		if err != nil {
			return nil, err
		}
		if err := res.Check("enterprise diff count failed"); err != nil {
			return nil, err
		}
		enterpriseFiles, _ = strconv.Atoi(res.Out())

		res, err = d.wsRun(ctx, server,
			"git diff --name-only -- src/enterprise/ | cut -d'/' -f3 | sort -u", longOpt)
		if err != nil {
			return nil, err
		}
		if err := res.Check("enterprise module list failed"); err != nil {
			return nil, err
		}
		changedModules = splitLines(res.Stdout)
	}
	if communityChanged {
		res, err := d.wsRun(ctx, server,
			"git diff --name-only -- src/community/odoo/addons/ 2>/dev/null | cut -d'/' -f5 | sort -u", longOpt)
		if err != nil {
			return nil, err
		}
		changedModules = dedupeSorted(append(changedModules, splitLines(res.Stdout)...))
	}

	hasChanges := communityChanged || enterpriseChanged
	slog.Info("diff-report",
		slog.Bool("has_changes", hasChanges),
		slog.Int("community_files", communityFiles),
		slog.Int("enterprise_files", enterpriseFiles),
		slog.Int("modules", len(changedModules)))
	return map[string]any{
		"has_changes":      hasChanges,
		"changed_modules":  strings.Join(changedModules, ", "),
		"community_files":  communityFiles,
		"enterprise_files": enterpriseFiles,
	}, nil
}

// impactAnalysis crosses the changed upstream modules against the
// depends lists of the custom modules and builds a markdown table of
// the hits.
func (d *Deps) impactAnalysis(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.syncServer(job)
	if err != nil {
		return nil, err
	}
	changed := job.StringVar("changed_modules", "")
	if changed == "" {
		return map[string]any{"affected_custom_count": 0, "impact_table": ""}, nil
	}
	changedSet := map[string]struct{}{}
	for _, m := range splitCSV(changed) {
		changedSet[m] = struct{}{}
	}

	res, err := d.SSH.Run(ctx, server,
		fmt.Sprintf(`find %s/src/custom -maxdepth 2 -name '__manifest__.py' -exec dirname {} \; 2>/dev/null`, syncWorkspace),
		sshexec.Options{})
	if err != nil {
		return nil, err
	}

	affected := 0
	var rows []string
	for _, dir := range splitLines(res.Stdout) {
		modName := lastPathPart(dir)
		manifest, err := d.SSH.Run(ctx, server, fmt.Sprintf("cat %s/__manifest__.py", dir), sshexec.Options{})
		if err != nil {
			return nil, err
		}
		if err := manifest.Check("cannot read manifest"); err != nil {
			return nil, err
		}
		var matched []string
		for _, dep := range manifestDepends(manifest.Stdout) {
			if _, ok := changedSet[dep]; ok {
				matched = append(matched, dep)
			}
		}
		if len(matched) > 0 {
			affected++
			rows = append(rows, fmt.Sprintf("| %s | %s |", modName, strings.Join(matched, ", ")))
		}
	}

	table := ""
	if len(rows) > 0 {
		table = "| Custom Module | Affected Dependencies |\n|---|---|\n" + strings.Join(rows, "\n")
	}
	slog.Info("impact-analysis", slog.Int("affected", affected))
	return map[string]any{
		"affected_custom_count": affected,
		"impact_table":          table,
	}, nil
}

// gitCommitPush commits the synced trees on a fresh sync branch,
// pushes it, records the new sync state, and hands github-create-pr a
// ready-made title and body.
func (d *Deps) gitCommitPush(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.syncServer(job)
	if err != nil {
		return nil, err
	}
	upstreamBranch := job.StringVar("upstream_branch", "19.0")
	syncMode := job.StringVar("sync_mode", "full")
	communitySHA := job.StringVar("runbot_community_sha", "")
	enterpriseSHA := job.StringVar("runbot_enterprise_sha", "")

	timestamp := time.Now().UTC().Format("20060102-150405")
	branchName := "sync/upstream-" + timestamp

	res, err := d.wsRun(ctx, server,
		"git config user.name 'github-actions[bot]' && "+
			"git config user.email 'github-actions[bot]@users.noreply.github.com'",
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git config failed"); err != nil {
		return nil, err
	}
	res, err = d.wsRun(ctx, server, fmt.Sprintf("git checkout -b %s", branchName), sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("branch create failed"); err != nil {
		return nil, err
	}
	res, err = d.wsRun(ctx, server, "git add src/community/ src/enterprise/", sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git add failed"); err != nil {
		return nil, err
	}

	comShort := short(communitySHA)
	entShort := short(enterpriseSHA)
	var commitMsg string
	if syncMode == "selective" {
		commitMsg = fmt.Sprintf("[sync] Enterprise modules (%s) from upstream", job.StringVar("modules", ""))
	} else {
		commitMsg = fmt.Sprintf(
			"[sync] Community + Enterprise from Runbot CI\\n\\n"+
				"Community:  %s\\n"+
				"Enterprise: %s\\n"+
				"Source: Runbot CI (перевірена пара)", comShort, entShort)
	}
	res, err = d.wsRun(ctx, server, fmt.Sprintf("git commit --no-verify -m $'%s'", commitMsg), sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git commit failed"); err != nil {
		return nil, err
	}

	pushURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", d.Cfg.DeployPAT, d.GitHub.Repository())
	res, err = d.wsRun(ctx, server,
		fmt.Sprintf("git push --no-verify %s %s", pushURL, branchName),
		sshexec.Options{Timeout: 60 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git push failed"); err != nil {
		return nil, err
	}
	slog.Info("pushed sync branch", slog.String("branch", branchName))

	state, _ := json.Marshal(map[string]string{
		"community_sha":   communitySHA,
		"enterprise_sha":  enterpriseSHA,
		"synced_at":       timestamp,
		"upstream_branch": upstreamBranch,
	})
	if _, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("mkdir -p %s/.sync-state && echo '%s' > %s/.sync-state/upstream_shas.json",
			server.RepoDir, state, server.RepoDir),
		sshexec.Options{}); err != nil {
		return nil, err
	}

	prTitle := fmt.Sprintf("[sync] Upstream %s (%s/%s)", upstreamBranch, comShort, entShort)
	prBody := strings.Join([]string{
		fmt.Sprintf("## Upstream Sync — %s", upstreamBranch),
		"",
		"| | SHA | Date |",
		"|---|---|---|",
		fmt.Sprintf("| Community | `%s` | %s |", comShort, job.StringVar("community_date", "")),
		fmt.Sprintf("| Enterprise | `%s` | %s |", entShort, job.StringVar("enterprise_date", "")),
		"",
		fmt.Sprintf("**Mode:** %s", syncMode),
		fmt.Sprintf("**Enterprise modules synced:** %d", job.IntVar("synced_enterprise", 0)),
		fmt.Sprintf("**Changed modules:** %s", job.StringVar("changed_modules", "")),
		"",
		"### Impact on custom modules",
		fmt.Sprintf("Affected: **%d** custom modules", job.IntVar("affected_custom_count", 0)),
		"",
		job.StringVar("impact_table", ""),
	}, "\n")

	return map[string]any{
		"sync_branch": branchName,
		"head_branch": branchName,
		"base_branch": "staging",
		"pr_title":    prTitle,
		"pr_body":     prBody,
		"is_draft":    true,
	}, nil
}

// syncCodeToDemo checks out the sync branch on the demo server so the
// developer can inspect conflict files before the full deploy.
func (d *Deps) syncCodeToDemo(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.syncServer(job)
	if err != nil {
		return nil, err
	}
	syncBranch := job.StringVar("sync_branch", "")
	if syncBranch == "" {
		return nil, domain.NewHandlerError(domain.CodeValidationError,
			"sync-code-to-demo: sync_branch is required")
	}

	res, err := d.SSH.RunInRepo(ctx, server,
		fmt.Sprintf("git fetch origin %s", syncBranch),
		sshexec.Options{Timeout: 60 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git fetch failed"); err != nil {
		return nil, err
	}
	res, err = d.SSH.RunInRepo(ctx, server,
		fmt.Sprintf("git checkout -B %s origin/%s", syncBranch, syncBranch), sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git checkout failed"); err != nil {
		return nil, err
	}
	slog.Info("sync-code-to-demo", slog.String("host", server.Host), slog.String("branch", syncBranch))
	return map[string]any{"code_synced": true}, nil
}

// mergeToStaging merges the sync branch into staging with -X theirs:
// upstream files win, custom modules stay untouched. Runs in a scratch
// clone so the live checkout never sees merge state.
func (d *Deps) mergeToStaging(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.resolveServer(job, "staging")
	if err != nil {
		return nil, err
	}
	syncBranch := job.StringVar("sync_branch", "")
	if syncBranch == "" {
		return nil, domain.NewHandlerError(domain.CodeValidationError,
			"merge-to-staging: sync_branch is required")
	}

	pushURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", d.Cfg.DeployPAT, d.GitHub.Repository())
	mergeCmd := fmt.Sprintf(
		"cd /tmp && rm -rf merge-workspace && git clone --depth=50 -b staging %s merge-workspace && "+
			"cd merge-workspace && "+
			"git fetch origin %s && "+
			"git merge origin/%s -X theirs --no-edit && "+
			"git push --no-verify origin staging",
		pushURL, syncBranch, syncBranch)
	res, err := d.SSH.Run(ctx, server, mergeCmd, sshexec.Options{Timeout: 120 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("merge to staging failed"); err != nil {
		return nil, err
	}
	if _, err := d.SSH.Run(ctx, server, "rm -rf /tmp/merge-workspace", sshexec.Options{}); err != nil {
		return nil, err
	}
	slog.Info("merge-to-staging", slog.String("branch", syncBranch))
	return map[string]any{"staging_merged": true}, nil
}

// githubPRReady flips a draft PR to ready. GitHub then emits the
// ready_for_review webhook that starts the production flow.
func (d *Deps) githubPRReady(ctx context.Context, job domain.Job) (map[string]any, error) {
	prNumber := job.IntVar("pr_number", 0)
	if prNumber == 0 {
		return nil, domain.NewHandlerError(domain.CodeValidationError, "github-pr-ready: pr_number is required")
	}
	if err := d.GitHub.MarkPRReady(ctx, prNumber); err != nil {
		return nil, err
	}
	slog.Info("marked PR ready", slog.Int("pr", prNumber))
	return map[string]any{}, nil
}

// manifestDepends extracts the depends list from an Odoo manifest.
func manifestDepends(manifest string) []string {
	m := dependsRe.FindStringSubmatch(manifest)
	if m == nil {
		return nil
	}
	var deps []string
	for _, lit := range stringLitRe.FindAllStringSubmatch(m[1], -1) {
		deps = append(deps, lit[1])
	}
	return deps
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func lastPathPart(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func dedupeSorted(xs []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	sort.Strings(out)
	return out
}
