// ABOUTME: Tests for the topic source convention and inbound event mapping.

package devteam

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicSourceRoundTrip(t *testing.T) {
	tests := []WorkItem{
		{Org: "acme", Repo: "app", IssueNumber: 7},
		{Org: "acme", Repo: "app", IssueNumber: 9, ParentNumber: 7},
		{Org: "my-org", Repo: "my-repo", IssueNumber: 12, ParentNumber: 3},
	}
	for _, item := range tests {
		parsed, err := ParseTopicSource(item.TopicSource())
		require.NoError(t, err, item.TopicSource())
		assert.Equal(t, item, parsed)
	}
}

func TestTopicSourceFormat(t *testing.T) {
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 9, ParentNumber: 7}
	assert.Equal(t, "Org.acme-Repo.app-IssueNumber.9-ParentIssueNumber.7", item.TopicSource())

	top := WorkItem{Org: "acme", Repo: "app", IssueNumber: 7}
	assert.Equal(t, "Org.acme-Repo.app-IssueNumber.7", top.TopicSource())
}

func TestParseTopicSourceMalformed(t *testing.T) {
	for _, s := range []string{"", "garbage", "Org.a-Repo.b", "Org.a-Repo.b-IssueNumber.x"} {
		_, err := ParseTopicSource(s)
		assert.Error(t, err, s)
	}
}

func TestMessageFor(t *testing.T) {
	tests := []struct {
		skill, function string
		kind            EventKind
		wantMsg         string
		wantTopic       string
	}{
		{SkillDoIt, "", IssueOpened, MsgNewAsk, TopicHubber},
		{SkillPM, FunctionReadme, IssueOpened, MsgReadmeRequested, TopicProductOwner},
		{SkillPM, FunctionReadme, IssueClosed, MsgReadmeIssueClosed, TopicProductOwner},
		{SkillDevLead, FunctionPlan, IssueOpened, MsgDevPlanRequested, TopicDevLead},
		{SkillDevLead, FunctionPlan, IssueClosed, MsgDevPlanIssueClosed, TopicDevLead},
		{SkillDeveloper, FunctionImplement, IssueOpened, MsgCodeGenerationRequested, TopicDeveloper},
		{SkillDeveloper, FunctionImplement, IssueClosed, MsgCodeIssueClosed, TopicDeveloper},
	}
	for _, tt := range tests {
		msg, topic, err := MessageFor(tt.skill, tt.function, tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.wantMsg, msg)
		assert.Equal(t, tt.wantTopic, topic)
	}
}

func TestMessageForUnmapped(t *testing.T) {
	_, _, err := MessageFor("Ops", "Deploy", IssueOpened)
	require.Error(t, err)

	var unhandled *UnhandledSkillError
	require.True(t, errors.As(err, &unhandled))
	assert.Equal(t, "Ops", unhandled.Skill)
	assert.Equal(t, "Deploy", unhandled.Function)
	assert.Contains(t, unhandled.Error(), "Ops.Deploy")

	// Closing an unmapped issue is just as unhandled as opening one
	_, _, err = MessageFor(SkillPM, "Plan", IssueClosed)
	assert.Error(t, err)
}

func TestPlanSteps(t *testing.T) {
	json := `{"steps":[{"description":"write parser"},{"description":"add tests"}]}`
	assert.Equal(t, []string{"write parser", "add tests"}, PlanSteps(json))

	bullets := "Plan:\n- write parser\n- add tests\n\nnotes"
	assert.Equal(t, []string{"write parser", "add tests"}, PlanSteps(bullets))

	assert.Empty(t, PlanSteps("no structure here"))
}

func TestRunID(t *testing.T) {
	item := WorkItem{Org: "acme", Repo: "app", IssueNumber: 9, ParentNumber: 7}
	assert.Equal(t, "sk-sandbox-acme-app-7-9", RunID(item))
}
