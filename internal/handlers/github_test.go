package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tut-ua/flowd/internal/domain"
)

func Test_ParseReviewScore(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"html table", "<tr><td><strong>Score</strong></td><td>85</td></tr>", 8},
		{"plain hundred scale", "Review done. Score: 92", 9},
		{"plain ten scale", "Score: 7", 7},
		{"exactly ten", "Score: 10", 10},
		{"low score", "score: 3", 3},
		{"emoji marker", "🏅 Review effort: 6", 6},
		{"no score", "Looks fine to me", 0},
		{"empty body", "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseReviewScore(tc.body))
		})
	}
}

func Test_HasCriticalSecurityIssues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{
			"explicit all clear",
			"🔒 Security concerns: No security concerns identified",
			false,
		},
		{
			"critical in security section",
			"<tr><td>🔒 Security concerns</td><td>Critical: SQL injection in order model</td></tr>",
			true,
		},
		{
			"high severity",
			"🔒 high severity issue with token handling</tr>",
			true,
		},
		{
			"ukrainian blocker",
			"🔒 Знайдено блокер у модулі оплат</tr>",
			true,
		},
		{
			"benign security note",
			"🔒 Minor style issue in security rules</tr>",
			false,
		},
		{
			"no security section",
			"Review score: 9. Everything fine.",
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, hasCriticalSecurityIssues(tc.body))
		})
	}
}

func Test_PRAgentReview_ParsesBotComment(t *testing.T) {
	ssh := &scriptedRunner{}
	deps, gh, _ := testDeps(ssh)
	gh.reviewBody = "<strong>Score</strong>: 85\n🔒 Security concerns: No security concerns identified"

	vars, err := deps.prAgentReview(context.Background(), job(map[string]any{
		"pr_number": float64(42),
		"pr_url":    "https://github.com/tut-ua/odoo-enterprise/pull/42",
	}))
	require.NoError(t, err)
	assert.Equal(t, 8, vars["review_score"])
	assert.Equal(t, false, vars["has_critical_issues"])
	assert.True(t, ssh.sawCommand("codiumai/pr-agent:latest"))
	assert.True(t, ssh.sawCommand("--pr_url=https://github.com/tut-ua/odoo-enterprise/pull/42"))
}

func Test_PRAgentReview_MissingCommentScoresZero(t *testing.T) {
	deps, gh, _ := testDeps(&scriptedRunner{})
	gh.reviewBody = ""

	vars, err := deps.prAgentReview(context.Background(), job(map[string]any{
		"pr_number": float64(42),
		"pr_url":    "https://github.com/tut-ua/odoo-enterprise/pull/42",
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, vars["review_score"])
	assert.Equal(t, false, vars["has_critical_issues"])
}

func Test_PRAgentReview_RequiresPRNumberAndURL(t *testing.T) {
	deps, _, _ := testDeps(&scriptedRunner{})
	_, err := deps.prAgentReview(context.Background(), job(map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidationError, domain.CodeOf(err))
}

func Test_GitHubMerge_SquashesPR(t *testing.T) {
	deps, gh, _ := testDeps(&scriptedRunner{})
	_, err := deps.githubMerge(context.Background(), job(map[string]any{
		"pr_number": float64(42),
		"pr_title":  "Fix invoice rounding",
	}))
	require.NoError(t, err)
	assert.Equal(t, []int{42}, gh.merged)
}

func Test_GitHubComment_PostsBody(t *testing.T) {
	deps, gh, _ := testDeps(&scriptedRunner{})
	_, err := deps.githubComment(context.Background(), job(map[string]any{
		"pr_number":    float64(42),
		"comment_text": "Deployed to staging.",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Deployed to staging.", gh.comments[42])
}

func Test_GitHubCreatePR_ReturnsURLAndNumber(t *testing.T) {
	deps, gh, _ := testDeps(&scriptedRunner{})
	vars, err := deps.githubCreatePR(context.Background(), job(map[string]any{
		"head_branch": "sync/upstream-20260826-120000",
		"base_branch": "staging",
		"pr_title":    "[sync] Upstream 19.0",
		"is_draft":    true,
	}))
	require.NoError(t, err)
	assert.Equal(t, 101, vars["pr_number"])
	assert.Equal(t, "https://github.com/tut-ua/odoo-enterprise/pull/101", vars["pr_url"])
	require.Len(t, gh.created, 1)
	assert.True(t, gh.created[0].Draft)
	assert.Equal(t, "sync/upstream-20260826-120000", gh.created[0].HeadRef)
}

func Test_GitHubCreatePR_RequiresBranchesAndTitle(t *testing.T) {
	deps, _, _ := testDeps(&scriptedRunner{})
	_, err := deps.githubCreatePR(context.Background(), job(map[string]any{
		"head_branch": "feature/x",
	}))
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidationError, domain.CodeOf(err))
}
