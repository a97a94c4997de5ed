// ABOUTME: Repository operations the workflow performs, behind an interface.
// ABOUTME: The dry-run implementation records intents instead of calling out.

package devteam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// GitHub is the repository surface the workflow needs. A real client would
// wrap the REST API; tests and dry runs record the calls.
type GitHub interface {
	// CreateIssue opens a tracking issue linked to its parent issue and
	// returns the new number.
	CreateIssue(ctx context.Context, org, repo, title, body string, parent int64, labels []string) (int64, error)
	PostComment(ctx context.Context, org, repo string, issue int64, body string) error
	CreateBranch(ctx context.Context, org, repo, branch string) error
	// CommitToBranch commits the contents of dir onto the branch.
	CommitToBranch(ctx context.Context, org, repo, branch, dir string) error
	CreatePullRequest(ctx context.Context, org, repo, branch, title string) error
}

// DryRunGitHub logs every repository operation and assigns sequential issue
// numbers. Safe for concurrent use.
type DryRunGitHub struct {
	logger *slog.Logger

	nextIssue atomic.Int64

	mu       sync.Mutex
	Issues   []DryRunIssue
	Comments []DryRunComment
	Branches []string
	PRs      []string
}

// DryRunIssue is one recorded CreateIssue intent.
type DryRunIssue struct {
	Number int64
	Parent int64
	Title  string
	Labels []string
}

// DryRunComment is one recorded PostComment intent.
type DryRunComment struct {
	Issue int64
	Body  string
}

// NewDryRunGitHub creates a recording client. Issue numbers start after
// startIssue, so seeded parent issue numbers never collide.
func NewDryRunGitHub(startIssue int64, logger *slog.Logger) *DryRunGitHub {
	gh := &DryRunGitHub{logger: logger.With("component", "github-dryrun")}
	gh.nextIssue.Store(startIssue)
	return gh
}

func (g *DryRunGitHub) CreateIssue(_ context.Context, org, repo, title, _ string, parent int64, labels []string) (int64, error) {
	number := g.nextIssue.Add(1)
	g.mu.Lock()
	g.Issues = append(g.Issues, DryRunIssue{Number: number, Parent: parent, Title: title, Labels: labels})
	g.mu.Unlock()
	g.logger.Info("would create issue",
		"org", org, "repo", repo, "number", number, "parent", parent, "title", title, "labels", labels)
	return number, nil
}

func (g *DryRunGitHub) PostComment(_ context.Context, org, repo string, issue int64, body string) error {
	g.mu.Lock()
	g.Comments = append(g.Comments, DryRunComment{Issue: issue, Body: body})
	g.mu.Unlock()
	g.logger.Info("would post comment", "org", org, "repo", repo, "issue", issue, "bytes", len(body))
	return nil
}

func (g *DryRunGitHub) CreateBranch(_ context.Context, org, repo, branch string) error {
	g.mu.Lock()
	g.Branches = append(g.Branches, branch)
	g.mu.Unlock()
	g.logger.Info("would create branch", "org", org, "repo", repo, "branch", branch)
	return nil
}

func (g *DryRunGitHub) CommitToBranch(_ context.Context, org, repo, branch, dir string) error {
	g.logger.Info("would commit directory", "org", org, "repo", repo, "branch", branch, "dir", dir)
	return nil
}

func (g *DryRunGitHub) CreatePullRequest(_ context.Context, org, repo, branch, title string) error {
	g.mu.Lock()
	g.PRs = append(g.PRs, fmt.Sprintf("%s: %s", branch, title))
	g.mu.Unlock()
	g.logger.Info("would open pull request", "org", org, "repo", repo, "branch", branch, "title", title)
	return nil
}

// CommentsFor returns recorded comment bodies for one issue.
func (g *DryRunGitHub) CommentsFor(issue int64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, c := range g.Comments {
		if c.Issue == issue {
			out = append(out, c.Body)
		}
	}
	return out
}
