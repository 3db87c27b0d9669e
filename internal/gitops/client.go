// Package gitops wraps the GitHub REST and GraphQL APIs used by the
// pipeline handlers.
package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"

	"github.com/tut-ua/flowd/internal/domain"
)

const defaultGraphQLURL = "https://api.github.com/graphql"

// PR is the subset of pull request fields the handlers use.
type PR struct {
	Number    int
	Title     string
	Body      string
	State     string
	Merged    bool
	Draft     bool
	HTMLURL   string
	NodeID    string
	HeadRef   string
	HeadSHA   string
	BaseRef   string
	Author    string
	Mergeable *bool
}

// Client talks to one repository with the worker token. PR creation
// goes through the deploy PAT so branch protection sees the deploy
// identity instead of the bot.
type Client struct {
	owner string
	repo  string

	gh       *github.Client
	ghDeploy *github.Client
	httpc    *http.Client
	graphURL string
}

// New builds a client for "owner/repo". An empty deployPAT falls back
// to the worker token for PR creation.
func New(repository, token, deployPAT string) (*Client, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("repository %q: want owner/repo", repository)
	}

	base := oauth2.NewClient(context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	base.Timeout = 30 * time.Second

	c := &Client{
		owner:    owner,
		repo:     repo,
		gh:       github.NewClient(base),
		httpc:    base,
		graphURL: defaultGraphQLURL,
	}
	if deployPAT != "" {
		dep := oauth2.NewClient(context.Background(),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: deployPAT}))
		dep.Timeout = 30 * time.Second
		c.ghDeploy = github.NewClient(dep)
	} else {
		c.ghDeploy = c.gh
	}
	return c, nil
}

// WithBaseURLs points the client at alternate API endpoints. Tests use
// this to target a local server.
func (c *Client) WithBaseURLs(rest, graphql string) *Client {
	if rest != "" {
		if u, err := url.Parse(strings.TrimSuffix(rest, "/") + "/"); err == nil {
			c.gh.BaseURL = u
			c.ghDeploy.BaseURL = u
		}
	}
	if graphql != "" {
		c.graphURL = graphql
	}
	return c
}

// Repository returns the "owner/repo" slug the client is bound to.
func (c *Client) Repository() string {
	return c.owner + "/" + c.repo
}

// GetPR fetches one pull request.
func (c *Client) GetPR(ctx context.Context, number int) (PR, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return PR{}, apiErr("get pr", resp, err)
	}
	return fromGithubPR(pr), nil
}

// MergePR squash-merges the pull request and returns the merge commit
// SHA. A non-empty title becomes the squash commit title as
// "<title> (#<number>)".
func (c *Client) MergePR(ctx context.Context, number int, title string) (string, error) {
	opts := &github.PullRequestOptions{MergeMethod: "squash"}
	if title != "" {
		opts.CommitTitle = fmt.Sprintf("%s (#%d)", title, number)
	}
	res, resp, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "", opts)
	if err != nil {
		return "", apiErr("merge pr", resp, err)
	}
	return res.GetSHA(), nil
}

// CommentPR posts an issue comment on the pull request.
func (c *Client) CommentPR(ctx context.Context, number int, body string) error {
	_, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number,
		&github.IssueComment{Body: github.String(body)})
	if err != nil {
		return apiErr("comment pr", resp, err)
	}
	return nil
}

// CreatePR opens a pull request from head into base using the deploy
// PAT.
func (c *Client) CreatePR(ctx context.Context, head, base, title, body string, draft bool) (PR, error) {
	pr, resp, err := c.ghDeploy.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
		Draft: github.Bool(draft),
	})
	if err != nil {
		return PR{}, apiErr("create pr", resp, err)
	}
	return fromGithubPR(pr), nil
}

const readyForReviewMutation = `mutation($pullRequestId: ID!) { markPullRequestReadyForReview(input: {pullRequestId: $pullRequestId}) { pullRequest { number } } }`

// MarkPRReady flips a draft pull request to ready for review. The REST
// API has no endpoint for this, so the call goes through GraphQL.
func (c *Client) MarkPRReady(ctx context.Context, number int) error {
	pr, err := c.GetPR(ctx, number)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"query":     readyForReviewMutation,
		"variables": map[string]any{"pullRequestId": pr.NodeID},
	})
	if err != nil {
		return fmt.Errorf("marshal graphql payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.WrapHandlerError(domain.CodeHTTPError, fmt.Errorf("mark pr ready: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewHandlerError(domain.CodeHTTPError,
			"mark pr ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &out); err == nil && len(out.Errors) > 0 {
		return domain.NewHandlerError(domain.CodeHTTPError, "mark pr ready: %s", out.Errors[0].Message)
	}
	return nil
}

// BotReviewComment returns the newest issue comment left by the named
// review bot whose body mentions a score or review, or empty when none
// matches.
func (c *Client) BotReviewComment(ctx context.Context, number int, botLogin string) (string, error) {
	opts := &github.IssueListCommentsOptions{
		Sort:        github.String("created"),
		Direction:   github.String("desc"),
		ListOptions: github.ListOptions{PerPage: 100},
	}
	comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
	if err != nil {
		return "", apiErr("list pr comments", resp, err)
	}
	for _, cm := range comments {
		user := cm.GetUser()
		if user.GetLogin() != botLogin && user.GetType() != "Bot" {
			continue
		}
		lower := strings.ToLower(cm.GetBody())
		if strings.Contains(lower, "score") || strings.Contains(lower, "review") {
			return cm.GetBody(), nil
		}
	}
	return "", nil
}

func fromGithubPR(pr *github.PullRequest) PR {
	return PR{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged(),
		Draft:     pr.GetDraft(),
		HTMLURL:   pr.GetHTMLURL(),
		NodeID:    pr.GetNodeID(),
		HeadRef:   pr.GetHead().GetRef(),
		HeadSHA:   pr.GetHead().GetSHA(),
		BaseRef:   pr.GetBase().GetRef(),
		Author:    pr.GetUser().GetLogin(),
		Mergeable: pr.Mergeable,
	}
}

func apiErr(op string, resp *github.Response, err error) error {
	if resp != nil {
		return domain.WrapHandlerError(domain.CodeHTTPError,
			fmt.Errorf("%s: status %d: %w", op, resp.StatusCode, err))
	}
	return domain.WrapHandlerError(domain.CodeHTTPError, fmt.Errorf("%s: %w", op, err))
}
