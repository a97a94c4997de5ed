// ABOUTME: Topic naming convention for the dev-team workflow and the inbound
// ABOUTME: event mapping from Skill.Function labels to message types.

package devteam

import (
	"fmt"
	"regexp"
	"strconv"
)

// Topic types, one per persona.
const (
	TopicHubber       = "Hubber"
	TopicProductOwner = "ProductOwner"
	TopicDevLead      = "DevLead"
	TopicDeveloper    = "Developer"
	TopicAzureGenie   = "AzureGenie"
	TopicSandbox      = "Sandbox"
	TopicStakeholder  = "Stakeholder"
)

// Skill labels carried on tracking issues, formatted "Skill.Function".
const (
	SkillDoIt      = "Do It"
	SkillPM        = "PM"
	SkillDevLead   = "DevLead"
	SkillDeveloper = "Developer"

	FunctionReadme    = "Readme"
	FunctionPlan      = "Plan"
	FunctionImplement = "Implement"
)

// EventKind classifies an inbound repository event.
type EventKind string

const (
	IssueOpened EventKind = "opened"
	IssueClosed EventKind = "closed-by-automation"
)

// UnhandledSkillError indicates an inbound label combination with no mapped
// message type. This is surfaced to the caller, never converted to a silent
// empty event.
type UnhandledSkillError struct {
	Skill    string
	Function string
	Kind     EventKind
}

func (e *UnhandledSkillError) Error() string {
	return fmt.Sprintf("unhandled skill/function: %s.%s (%s)", e.Skill, e.Function, e.Kind)
}

// MessageFor maps an inbound (skill, function, kind) triple to the message
// type to publish and the topic type to publish it on.
func MessageFor(skill, function string, kind EventKind) (msgType, topicType string, err error) {
	type key struct {
		skill    string
		function string
		kind     EventKind
	}
	lookup := map[key][2]string{
		{SkillDoIt, "", IssueOpened}:                     {MsgNewAsk, TopicHubber},
		{SkillPM, FunctionReadme, IssueOpened}:           {MsgReadmeRequested, TopicProductOwner},
		{SkillPM, FunctionReadme, IssueClosed}:           {MsgReadmeIssueClosed, TopicProductOwner},
		{SkillDevLead, FunctionPlan, IssueOpened}:        {MsgDevPlanRequested, TopicDevLead},
		{SkillDevLead, FunctionPlan, IssueClosed}:        {MsgDevPlanIssueClosed, TopicDevLead},
		{SkillDeveloper, FunctionImplement, IssueOpened}: {MsgCodeGenerationRequested, TopicDeveloper},
		{SkillDeveloper, FunctionImplement, IssueClosed}: {MsgCodeIssueClosed, TopicDeveloper},
	}

	mapped, ok := lookup[key{skill, function, kind}]
	if !ok {
		return "", "", &UnhandledSkillError{Skill: skill, Function: function, Kind: kind}
	}
	return mapped[0], mapped[1], nil
}

// WorkItem identifies the repository issue a workflow instance is anchored
// to. ParentNumber is zero for top-level asks.
type WorkItem struct {
	Org          string `json:"org"`
	Repo         string `json:"repo"`
	IssueNumber  int64  `json:"issue_number"`
	ParentNumber int64  `json:"parent_number,omitempty"`
}

// TopicSource renders the canonical source string for this work item.
func (w WorkItem) TopicSource() string {
	s := fmt.Sprintf("Org.%s-Repo.%s-IssueNumber.%d", w.Org, w.Repo, w.IssueNumber)
	if w.ParentNumber > 0 {
		s += fmt.Sprintf("-ParentIssueNumber.%d", w.ParentNumber)
	}
	return s
}

var sourcePattern = regexp.MustCompile(
	`^Org\.(.+?)-Repo\.(.+?)-IssueNumber\.(\d+)(?:-ParentIssueNumber\.(\d+))?$`)

// ParseTopicSource is the inverse of TopicSource.
func ParseTopicSource(source string) (WorkItem, error) {
	m := sourcePattern.FindStringSubmatch(source)
	if m == nil {
		return WorkItem{}, fmt.Errorf("malformed topic source %q", source)
	}
	issue, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return WorkItem{}, fmt.Errorf("malformed issue number in %q: %w", source, err)
	}
	w := WorkItem{Org: m[1], Repo: m[2], IssueNumber: issue}
	if m[4] != "" {
		parent, err := strconv.ParseInt(m[4], 10, 64)
		if err != nil {
			return WorkItem{}, fmt.Errorf("malformed parent issue number in %q: %w", source, err)
		}
		w.ParentNumber = parent
	}
	return w, nil
}
