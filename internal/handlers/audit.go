package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/sshexec"
	"github.com/tut-ua/flowd/internal/worker"
)

func registerAuditHandlers(reg *worker.Registry, d *Deps) error {
	return reg.Register(worker.Registration{
		Type:          "audit-analysis",
		Handler:       d.auditAnalysis,
		Timeout:       300 * time.Second,
		MaxConcurrent: 1,
	})
}

type auditConflict struct {
	ID               int    `json:"id"`
	Severity         string `json:"severity"`
	Type             string `json:"type"`
	CustomModule     string `json:"custom_module"`
	CustomFile       string `json:"custom_file"`
	Target           string `json:"target"`
	HasSuper         bool   `json:"has_super"`
	SuperConditional bool   `json:"super_conditional"`
	BaseModule       string `json:"base_module"`
	BaseFile         string `json:"base_file"`
	XPath            string `json:"xpath"`
	Line             int    `json:"line"`
}

type auditResult struct {
	Conflicts []auditConflict `json:"conflicts"`
	Stats     struct {
		Total    int `json:"total"`
		Critical int `json:"critical"`
		Warning  int `json:"warning"`
		Info     int `json:"info"`
	} `json:"stats"`
	ExtensionPoints int `json:"extension_points"`
}

// auditAnalysis ships a self-contained analysis script into the sync
// workspace, runs it against the synced trees, and folds the JSON it
// prints into a markdown conflict report. The script does the AST
// work because the sources only exist on the remote host.
func (d *Deps) auditAnalysis(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.syncServer(job)
	if err != nil {
		return nil, err
	}
	if job.StringVar("changed_modules", "") == "" {
		return emptyAuditVars(""), nil
	}

	scriptPath := syncWorkspace + "/_audit_analyze.py"
	res, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("cat > %s << 'AUDIT_SCRIPT_EOF'\n%s\nAUDIT_SCRIPT_EOF", scriptPath, auditScript),
		sshexec.Options{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("cannot transfer analysis script"); err != nil {
		return nil, err
	}

	if _, err := d.wsRun(ctx, server,
		"git add -N src/community/ src/enterprise/ 2>/dev/null || true",
		sshexec.Options{Timeout: 30 * time.Second}); err != nil {
		return nil, err
	}

	res, err = d.wsRun(ctx, server,
		fmt.Sprintf("python3 %s %s 2>/dev/null", scriptPath, syncWorkspace),
		sshexec.Options{Timeout: 240 * time.Second})
	if err != nil {
		return nil, err
	}
	if _, err := d.SSH.Run(ctx, server, "rm -f "+scriptPath, sshexec.Options{Timeout: 10 * time.Second}); err != nil {
		return nil, err
	}

	if !res.Success() || res.Out() == "" {
		slog.Warn("audit analysis produced no output",
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", domain.Truncate(res.Stderr, 200)))
		return emptyAuditVars(""), nil
	}

	var data auditResult
	if err := json.Unmarshal([]byte(res.Out()), &data); err != nil {
		slog.Error("audit analysis JSON parse error", slog.Any("error", err))
		return emptyAuditVars("JSON parse error: " + err.Error()), nil
	}

	report := buildAuditReport(data)
	slog.Info("audit-analysis",
		slog.Int("conflicts", data.Stats.Total),
		slog.Int("critical", data.Stats.Critical),
		slog.Int("warning", data.Stats.Warning),
		slog.Int("extension_points", data.ExtensionPoints))
	return map[string]any{
		"audit_conflicts": data.Stats.Total,
		"audit_critical":  data.Stats.Critical,
		"audit_warning":   data.Stats.Warning,
		"audit_report":    report,
	}, nil
}

func emptyAuditVars(report string) map[string]any {
	return map[string]any{
		"audit_conflicts": 0,
		"audit_critical":  0,
		"audit_warning":   0,
		"audit_report":    report,
	}
}

// buildAuditReport renders the conflict list as a markdown table,
// capped at 80 rows so the PR body stays readable.
func buildAuditReport(data auditResult) string {
	lines := []string{
		"## Audit Analysis Report",
		"",
		fmt.Sprintf("**Extension points scanned:** %d", data.ExtensionPoints),
		fmt.Sprintf("**Conflicts found:** %d", data.Stats.Total),
		fmt.Sprintf("  - Critical: %d", data.Stats.Critical),
		fmt.Sprintf("  - Warning: %d", data.Stats.Warning),
		fmt.Sprintf("  - Info: %d", data.Stats.Info),
		"",
	}
	if len(data.Conflicts) == 0 {
		return strings.Join(lines, "\n")
	}

	lines = append(lines,
		"| # | Severity | Type | Custom Module | Target | Base | File | Line | Super |",
		"|---|---|---|---|---|---|---|---|---|")
	limit := len(data.Conflicts)
	if limit > 80 {
		limit = 80
	}
	for _, c := range data.Conflicts[:limit] {
		icon := map[string]string{"critical": "!!!", "warning": "!", "info": "-"}[c.Severity]
		if icon == "" {
			icon = "-"
		}
		var superInfo string
		switch c.Type {
		case "python_override":
			switch {
			case !c.HasSuper:
				superInfo = "no"
			case c.SuperConditional:
				superInfo = "cond"
			default:
				superInfo = "yes"
			}
		case "xml_xpath":
			superInfo = domain.Truncate(c.XPath, 40)
		}
		base := c.BaseFile
		if base == "" {
			base = c.BaseModule
		}
		line := ""
		if c.Line > 0 {
			line = fmt.Sprintf("%d", c.Line)
		}
		lines = append(lines, fmt.Sprintf("| %d | %s %s | %s | %s | %s | %s | %s | %s | %s |",
			c.ID, icon, c.Severity, c.Type, c.CustomModule, c.Target, base, c.CustomFile, line, superInfo))
	}
	if len(data.Conflicts) > 80 {
		lines = append(lines, fmt.Sprintf(
			"| ... | ... | ... | +%d more | ... | ... | ... | ... | ... |", len(data.Conflicts)-80))
	}
	return strings.Join(lines, "\n")
}
