package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/sshexec"
	"github.com/tut-ua/flowd/internal/worker"
)

var clickbotFailRe = regexp.MustCompile(`FAIL: Subtest.*?app='([^']+)'`)

func registerClickbotHandlers(reg *worker.Registry, d *Deps) error {
	return reg.Register(worker.Registration{
		Type:          "clickbot-test",
		Handler:       d.clickbotTest,
		Timeout:       3600 * time.Second,
		MaxConcurrent: 1,
	})
}

// clickbotTest runs the browser test suite against a throwaway copy of
// the database: dump, restore into the tmpfs clickbot DB, neutralize
// outbound side effects, run, parse. The isolated stack is torn down
// on every exit path so a failed run does not leak containers.
func (d *Deps) clickbotTest(ctx context.Context, job domain.Job) (map[string]any, error) {
	server, err := d.resolveServer(job, "staging")
	if err != nil {
		return nil, err
	}
	db := job.StringVar("db_name", server.DBName)
	testMode := job.StringVar("test_mode", "light")

	defer func() {
		// Cleanup runs on the background context so a cancelled job
		// still tears the stack down.
		cctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		_, _ = d.SSH.RunInRepo(cctx, server,
			"docker compose -f docker-compose.clickbot.yml down -v 2>/dev/null || true", sshexec.Options{})
		_, _ = d.SSH.Run(cctx, server, "rm -f /tmp/clickbot_db_dump.custom", sshexec.Options{})
	}()

	if _, err := d.SSH.RunInRepo(ctx, server,
		"docker compose -f docker-compose.clickbot.yml down -v 2>/dev/null || true", sshexec.Options{}); err != nil {
		return nil, err
	}

	slog.Info("dumping database for clickbot", slog.String("db", db), slog.String("host", server.Host))
	res, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("docker exec %s-db pg_dump -U odoo -Fc --no-owner --no-acl %s > /tmp/clickbot_db_dump.custom",
			server.Container, db),
		sshexec.Options{Timeout: 300 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("pg_dump failed"); err != nil {
		return nil, err
	}

	res, err = d.SSH.RunInRepo(ctx, server,
		"docker compose -f docker-compose.clickbot.yml up -d clickbot-db", sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("clickbot-db start failed"); err != nil {
		return nil, err
	}
	d.Sleep(ctx, 5*time.Second)

	res, err = d.SSH.Run(ctx, server,
		"docker cp /tmp/clickbot_db_dump.custom clickbot-test-db:/tmp/dump.custom", sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("dump copy failed"); err != nil {
		return nil, err
	}
	if _, err := d.SSH.Run(ctx, server,
		"docker exec clickbot-test-db pg_restore -U clickbot -d postgres --no-owner --no-acl --create /tmp/dump.custom 2>/dev/null || true",
		sshexec.Options{Timeout: 300 * time.Second}); err != nil {
		return nil, err
	}

	verify, err := d.SSH.Run(ctx, server,
		fmt.Sprintf("docker exec clickbot-test-db psql -U clickbot -d postgres -tc \"SELECT 1 FROM pg_database WHERE datname = '%s'\" | grep -q 1", db),
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if !verify.Success() {
		return nil, domain.NewHandlerError(domain.CodeRemoteCommandFailed,
			"database %s was not restored", db)
	}

	prepareSQL := "UPDATE ir_cron SET active = false; " +
		"UPDATE fetchmail_server SET active = false WHERE active = true; " +
		"UPDATE ir_mail_server SET active = false WHERE active = true; " +
		"DELETE FROM ir_attachment WHERE url LIKE '/web/assets/%';"
	res, err = d.SSH.Run(ctx, server,
		fmt.Sprintf("docker exec clickbot-test-db psql -U clickbot -d %s -c \"%s\"", db, prepareSQL),
		sshexec.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("database preparation failed"); err != nil {
		return nil, err
	}

	testTimeout := 600 * time.Second
	if testMode == "full" {
		testTimeout = 3000 * time.Second
	}
	slog.Info("running clickbot tests", slog.String("mode", testMode))
	res, err = d.SSH.RunInRepo(ctx, server,
		fmt.Sprintf("docker compose -f docker-compose.clickbot.yml run --rm -e TEST_MODE=%s clickbot-test", testMode),
		sshexec.Options{Timeout: testTimeout + 60*time.Second})
	if err != nil {
		return nil, err
	}

	logOutput := res.Stdout + res.Stderr
	passed := strings.Count(logOutput, "clickbot test succeeded")
	var failedApps []string
	for _, m := range clickbotFailRe.FindAllStringSubmatch(logOutput, -1) {
		failedApps = append(failedApps, m[1])
	}
	skipped := strings.Count(logOutput, "skipped Subtest") +
		strings.Count(logOutput, "Skipping app without xmlid")
	clickbotPassed := passed > 0 && len(failedApps) == 0 && res.ExitCode == 0

	reportLines := []string{
		"Mode: " + testMode,
		fmt.Sprintf("Total: %d", passed+len(failedApps)+skipped),
		fmt.Sprintf("Passed: %d", passed),
		fmt.Sprintf("Failed: %d", len(failedApps)),
		fmt.Sprintf("Skipped: %d", skipped),
	}
	if len(failedApps) > 0 {
		reportLines = append(reportLines, "Failed apps: "+strings.Join(failedApps, ", "))
	}

	slog.Info("clickbot results",
		slog.Bool("passed", clickbotPassed),
		slog.Int("ok", passed),
		slog.Int("failed", len(failedApps)),
		slog.Int("skipped", skipped))
	return map[string]any{
		"clickbot_passed": clickbotPassed,
		"clickbot_report": strings.Join(reportLines, "\n"),
	}, nil
}
