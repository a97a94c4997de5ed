// ABOUTME: End-to-end workflow tests over an in-memory transport hub that
// ABOUTME: reuses the gateway routing tables, without gRPC in the loop.

package devteam

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/gateway"
	"github.com/threadworks/loom/internal/inference"
	"github.com/threadworks/loom/internal/runtime"
	"github.com/threadworks/loom/internal/sandbox"
	"github.com/threadworks/loom/internal/state"
)

// hub routes published envelopes between in-process workers using the real
// gateway registry.
type hub struct {
	reg *gateway.Registry

	mu      sync.Mutex
	workers map[string]*hubTransport
}

func newHub() *hub {
	return &hub{
		reg:     gateway.NewRegistry(slog.Default()),
		workers: make(map[string]*hubTransport),
	}
}

func (h *hub) transport(workerID string) *hubTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	tr := &hubTransport{
		hub:        h,
		workerID:   workerID,
		deliveries: make(chan *bus.Delivery, 256),
		shutdowns:  make(chan string, 1),
	}
	h.workers[workerID] = tr
	return tr
}

func (h *hub) route(env *bus.Envelope) {
	for _, target := range h.reg.Route(env) {
		h.mu.Lock()
		tr := h.workers[target.Worker]
		h.mu.Unlock()
		if tr == nil {
			continue
		}
		tr.deliveries <- &bus.Delivery{Target: target.Agent, Envelope: env}
	}
}

// hubTransport is one worker's runtime.Transport backed by the hub.
type hubTransport struct {
	hub        *hub
	workerID   string
	deliveries chan *bus.Delivery
	shutdowns  chan string
	closeOnce  sync.Once
}

func (t *hubTransport) Start(ctx context.Context, replay func(context.Context) error) error {
	return replay(ctx)
}

func (t *hubTransport) RegisterAgentType(_ context.Context, agentType string) error {
	return t.hub.reg.RegisterAgentType(agentType, t.workerID)
}

func (t *hubTransport) AddSubscription(_ context.Context, sub *bus.Subscription) (string, error) {
	return t.hub.reg.AddSubscription(t.workerID, sub)
}

func (t *hubTransport) Publish(_ context.Context, env *bus.Envelope) error {
	env.Sender = t.workerID
	t.hub.route(env)
	return nil
}

func (t *hubTransport) Deliveries() <-chan *bus.Delivery { return t.deliveries }
func (t *hubTransport) ShutdownSignals() <-chan string   { return t.shutdowns }

func (t *hubTransport) Close() error {
	t.closeOnce.Do(func() { close(t.deliveries) })
	return nil
}

// scriptedGen returns deterministic content per persona prompt.
type scriptedGen struct{}

func (scriptedGen) Generate(_ context.Context, system, user string) (string, error) {
	switch system {
	case readmePrompt:
		return "# README\n\n" + user, nil
	case planPrompt:
		return `{"steps":[{"description":"write the parser"},{"description":"add the tests"}]}`, nil
	case implementPrompt:
		return "echo implementing: " + user, nil
	case stakeholderPrompt:
		return "Looks right, approved.", nil
	}
	return "", nil
}

type fixture struct {
	rt     *runtime.Runtime
	hub    *hub
	gh     *DryRunGitHub
	runner *sandbox.DryRun
	store  *state.SQLiteStore
	root   string
}

// fixtureOpts overrides fixture collaborators; zero values mean defaults.
type fixtureOpts struct {
	gen    inference.Generator
	runner sandbox.Runner
	poll   time.Duration
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, fixtureOpts{})
}

func newFixtureWith(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	store, err := state.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHub()
	rt := runtime.New(h.transport("worker-1"), store, slog.Default())

	root := t.TempDir()
	gh := NewDryRunGitHub(1, slog.Default())

	f := &fixture{rt: rt, hub: h, gh: gh, store: store, root: root}
	gen := opts.gen
	if gen == nil {
		gen = scriptedGen{}
	}
	runner := opts.runner
	if runner == nil {
		f.runner = sandbox.NewDryRun(0)
		runner = f.runner
	}
	require.NoError(t, Register(rt, Deps{
		Generator:   gen,
		GitHub:      gh,
		Runner:      runner,
		Artifacts:   DirStore{Root: root},
		Logger:      slog.Default(),
		SandboxPoll: opts.poll,
	}))
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	return f
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// webhook simulates the inbound event collaborator: classify, then publish.
func (f *fixture) webhook(t *testing.T, skill, function string, kind EventKind, item WorkItem, ask string) {
	t.Helper()
	msgType, topicType, err := MessageFor(skill, function, kind)
	require.NoError(t, err)
	err = f.rt.PublishMessage(context.Background(),
		msgType,
		bus.TopicID{Type: topicType, Source: item.TopicSource()},
		AskPayload{WorkItem: item, Ask: ask},
	)
	require.NoError(t, err)
}

func (f *fixture) commentCount(issue int64) func() bool {
	return func() bool { return len(f.gh.CommentsFor(issue)) > 0 }
}

func TestNewAskFansOutTrackingIssues(t *testing.T) {
	f := newFixture(t)
	parent := WorkItem{Org: "acme", Repo: "app", IssueNumber: 1}

	f.webhook(t, SkillDoIt, "", IssueOpened, parent, "build a CSV parser")

	waitFor(t, func() bool {
		f.gh.mu.Lock()
		defer f.gh.mu.Unlock()
		return len(f.gh.Issues) == 2 && len(f.gh.Branches) == 1 && len(f.gh.Comments) == 2
	}, "expected two tracking issues, a branch, and tracking comments")

	f.gh.mu.Lock()
	assert.Equal(t, []string{"sk-1"}, f.gh.Branches)
	assert.Equal(t, []string{"PM.Readme"}, f.gh.Issues[0].Labels)
	assert.Equal(t, []string{"DevLead.Plan"}, f.gh.Issues[1].Labels)
	// Both tracking issues link back to the ask
	assert.EqualValues(t, 1, f.gh.Issues[0].Parent)
	assert.EqualValues(t, 1, f.gh.Issues[1].Parent)
	f.gh.mu.Unlock()
	// Tracking comments land on the parent ask
	require.Len(t, f.gh.CommentsFor(1), 2)
	assert.Contains(t, f.gh.CommentsFor(1)[0], "tracks PM.Readme")
}

func TestReadmeStageEndToEnd(t *testing.T) {
	f := newFixture(t)
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 2, ParentNumber: 1}

	f.webhook(t, SkillPM, FunctionReadme, IssueOpened, item, "build a CSV parser")
	waitFor(t, f.commentCount(2), "expected readme comment on the tracking issue")
	assert.Contains(t, f.gh.CommentsFor(2)[0], "# README")

	f.webhook(t, SkillPM, FunctionReadme, IssueClosed, item, "")
	waitFor(t, func() bool {
		f.gh.mu.Lock()
		defer f.gh.mu.Unlock()
		return len(f.gh.PRs) == 1
	}, "expected a pull request after the readme issue closed")

	// Artifact landed on disk before the commit
	readme, err := os.ReadFile(filepath.Join(f.root, "acme-app-1-2", "readme.md"))
	require.NoError(t, err)
	assert.Contains(t, string(readme), "# README")

	f.gh.mu.Lock()
	assert.Contains(t, f.gh.PRs[0], "sk-1")
	f.gh.mu.Unlock()
}

func TestPlanStageFansOutImplementIssues(t *testing.T) {
	f := newFixture(t)
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 3, ParentNumber: 1}

	f.webhook(t, SkillDevLead, FunctionPlan, IssueOpened, item, "build a CSV parser")
	waitFor(t, f.commentCount(3), "expected plan comment")

	f.webhook(t, SkillDevLead, FunctionPlan, IssueClosed, item, "")
	waitFor(t, func() bool {
		f.gh.mu.Lock()
		defer f.gh.mu.Unlock()
		return len(f.gh.Issues) == 2
	}, "expected one implement issue per plan step")

	f.gh.mu.Lock()
	defer f.gh.mu.Unlock()
	for _, issue := range f.gh.Issues {
		assert.Equal(t, []string{"Developer.Implement"}, issue.Labels)
		assert.EqualValues(t, 1, issue.Parent)
	}
	assert.Equal(t, "write the parser", f.gh.Issues[0].Title)
	assert.Equal(t, "add the tests", f.gh.Issues[1].Title)
}

func TestCodeStageRunsSandboxToCompletion(t *testing.T) {
	f := newFixture(t)
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 4, ParentNumber: 1}

	f.webhook(t, SkillDeveloper, FunctionImplement, IssueOpened, item, "write the parser")
	waitFor(t, f.commentCount(4), "expected code comment")
	assert.Contains(t, f.gh.CommentsFor(4)[0], "echo implementing")

	f.webhook(t, SkillDeveloper, FunctionImplement, IssueClosed, item, "")

	// CodeCreated → artifact + run + reminder-driven completion → comment
	waitFor(t, func() bool { return len(f.gh.CommentsFor(4)) == 2 }, "expected sandbox output comment")
	assert.Contains(t, f.gh.CommentsFor(4)[1], "dry run of")

	assert.Equal(t, []string{"sk-sandbox-acme-app-1-4"}, f.runner.Runs())

	script, err := os.ReadFile(filepath.Join(f.root, "acme-app-1-4", "run.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "echo implementing")

	// The completed flag retires the reminder
	waitFor(t, func() bool {
		reminders, err := f.store.ListReminders(context.Background())
		return err == nil && len(reminders) == 0
	}, "expected run-check reminder to be retired")
}

func TestStakeholderResponds(t *testing.T) {
	f := newFixture(t)
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 1}

	err := f.rt.PublishMessage(context.Background(), MsgReview,
		bus.TopicID{Type: TopicStakeholder, Source: item.TopicSource()},
		ContentPayload{WorkItem: item, Content: "please review the readme"},
	)
	require.NoError(t, err)

	waitFor(t, f.commentCount(1), "expected stakeholder response comment")
	assert.Contains(t, f.gh.CommentsFor(1)[0], "approved")
}

func TestEmptyContentGetsTiredComment(t *testing.T) {
	f := newFixture(t)
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 2, ParentNumber: 1}

	err := f.rt.PublishMessage(context.Background(), MsgReadmeGenerated,
		bus.TopicID{Type: TopicHubber, Source: item.TopicSource()},
		ContentPayload{WorkItem: item},
	)
	require.NoError(t, err)

	waitFor(t, f.commentCount(2), "expected placeholder comment")
	assert.Equal(t, tiredComment, f.gh.CommentsFor(2)[0])
}

// Two workflow instances must never share conversation state.
func TestWorkflowInstanceIsolation(t *testing.T) {
	f := newFixture(t)
	itemA := WorkItem{Org: "acme", Repo: "app", IssueNumber: 2, ParentNumber: 1}
	itemB := WorkItem{Org: "acme", Repo: "web", IssueNumber: 8, ParentNumber: 7}

	f.webhook(t, SkillPM, FunctionReadme, IssueOpened, itemA, "build a CSV parser")
	f.webhook(t, SkillPM, FunctionReadme, IssueOpened, itemB, "build a web dashboard")

	waitFor(t, func() bool {
		return len(f.gh.CommentsFor(2)) == 1 && len(f.gh.CommentsFor(8)) == 1
	}, "expected both instances to produce a readme")

	assert.Contains(t, f.gh.CommentsFor(2)[0], "CSV parser")
	assert.Contains(t, f.gh.CommentsFor(8)[0], "web dashboard")

	// Separate persisted documents per instance
	snapA, err := f.store.LoadState(context.Background(),
		bus.AgentID{Type: TopicProductOwner, Key: itemA.TopicSource()})
	require.NoError(t, err)
	snapB, err := f.store.LoadState(context.Background(),
		bus.AgentID{Type: TopicProductOwner, Key: itemB.TopicSource()})
	require.NoError(t, err)
	assert.NotEqual(t, string(snapA.Data), string(snapB.Data))
}

// Personas split across two workers still converse through the routing
// tables: the registry owns type placement, the hub moves envelopes.
func TestChoreographyAcrossTwoWorkers(t *testing.T) {
	h := newHub()

	storeA, err := state.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = storeA.Close() }()
	storeB, err := state.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = storeB.Close() }()

	gh := NewDryRunGitHub(1, slog.Default())
	root := t.TempDir()

	// Worker A hosts the repository clerk, worker B the product owner.
	rtA := runtime.New(h.transport("worker-a"), storeA, slog.Default())
	require.NoError(t, rtA.RegisterAgentFactory(TopicHubber,
		NewHubber(gh, DirStore{Root: root}, slog.Default())))
	require.NoError(t, rtA.RegisterSubscriptionsFor(TopicHubber, TopicHubber))

	rtB := runtime.New(h.transport("worker-b"), storeB, slog.Default())
	require.NoError(t, rtB.RegisterAgentFactory(TopicProductOwner,
		NewProductOwner(scriptedGen{}, slog.Default())))
	require.NoError(t, rtB.RegisterSubscriptionsFor(TopicProductOwner, TopicProductOwner))

	require.NoError(t, rtA.Start(context.Background()))
	defer func() { _ = rtA.Shutdown(context.Background()) }()
	require.NoError(t, rtB.Start(context.Background()))
	defer func() { _ = rtB.Shutdown(context.Background()) }()

	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 2, ParentNumber: 1}
	require.NoError(t, rtA.PublishMessage(context.Background(), MsgReadmeRequested,
		bus.TopicID{Type: TopicProductOwner, Source: item.TopicSource()},
		AskPayload{WorkItem: item, Ask: "build a CSV parser"},
	))

	waitFor(t, func() bool { return len(gh.CommentsFor(2)) == 1 },
		"expected readme generated on worker B to land as a comment via worker A")
	assert.Contains(t, gh.CommentsFor(2)[0], "# README")
}

// brokenGen simulates a model provider outage.
type brokenGen struct{}

func (brokenGen) Generate(context.Context, string, string) (string, error) {
	return "", errors.New("model provider unavailable")
}

func TestGenerationFailureStillPostsTiredComment(t *testing.T) {
	f := newFixtureWith(t, fixtureOpts{gen: brokenGen{}})
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 2, ParentNumber: 1}

	f.webhook(t, SkillPM, FunctionReadme, IssueOpened, item, "build a CSV parser")

	// The stage still produces its message; the clerk posts the placeholder.
	waitFor(t, f.commentCount(2), "expected placeholder comment despite generation failure")
	assert.Equal(t, tiredComment, f.gh.CommentsFor(2)[0])
}

// Two independently constructed registry+runtime pairs share no tables.
func TestIndependentPairsAreIsolated(t *testing.T) {
	fA := newFixture(t)
	fB := newFixture(t)

	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 2, ParentNumber: 1}
	fA.webhook(t, SkillPM, FunctionReadme, IssueOpened, item, "build a CSV parser")
	waitFor(t, fA.commentCount(2), "expected readme comment in pair A")

	// Pair B never observed pair A's traffic or registrations.
	fB.gh.mu.Lock()
	assert.Empty(t, fB.gh.Comments)
	assert.Empty(t, fB.gh.Issues)
	fB.gh.mu.Unlock()
	_, err := fB.store.LoadState(context.Background(),
		bus.AgentID{Type: TopicProductOwner, Key: item.TopicSource()})
	assert.ErrorIs(t, err, state.ErrNotFound)

	// Each pair routes on its own registry instance.
	assert.NotSame(t, fA.hub.reg, fB.hub.reg)
}

// countingRunner slows completion cleanup down so the next periodic fire is
// already pending when the completion turn commits.
type countingRunner struct {
	*sandbox.DryRun
	deleteDelay time.Duration
	deletes     atomic.Int32
}

func (r *countingRunner) Delete(ctx context.Context, runID string) error {
	time.Sleep(r.deleteDelay)
	r.deletes.Add(1)
	return r.DryRun.Delete(ctx, runID)
}

func TestReplayedReminderFireIsNoOp(t *testing.T) {
	runner := &countingRunner{DryRun: sandbox.NewDryRun(0), deleteDelay: 25 * time.Millisecond}
	f := newFixtureWith(t, fixtureOpts{runner: runner, poll: 2 * time.Millisecond})
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 4, ParentNumber: 1}

	f.webhook(t, SkillDeveloper, FunctionImplement, IssueOpened, item, "write the parser")
	waitFor(t, f.commentCount(4), "expected code comment")
	f.webhook(t, SkillDeveloper, FunctionImplement, IssueClosed, item, "")

	waitFor(t, func() bool { return len(f.gh.CommentsFor(4)) == 2 }, "expected sandbox output comment")

	// Fires queued behind the completion turn replay after the completed
	// flag is persisted; none may publish a second completion event.
	time.Sleep(20 * 2 * time.Millisecond)
	assert.Len(t, f.gh.CommentsFor(4), 2)
	assert.EqualValues(t, 1, runner.deletes.Load())

	waitFor(t, func() bool {
		reminders, err := f.store.ListReminders(context.Background())
		return err == nil && len(reminders) == 0
	}, "expected run-check reminder to be retired")
}
