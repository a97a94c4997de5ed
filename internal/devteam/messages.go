// ABOUTME: Message type names and payload contracts for the dev-team workflow.
// ABOUTME: Every payload carries the work item coordinates it belongs to.

package devteam

// Message types exchanged between personas.
const (
	MsgNewAsk = "NewAsk"

	MsgReadmeRequested   = "ReadmeRequested"
	MsgReadmeGenerated   = "ReadmeGenerated"
	MsgReadmeIssueClosed = "ReadmeIssueClosed"
	MsgReadmeCreated     = "ReadmeCreated"
	MsgReadmeStored      = "ReadmeStored"

	MsgDevPlanRequested   = "DevPlanRequested"
	MsgDevPlanGenerated   = "DevPlanGenerated"
	MsgDevPlanIssueClosed = "DevPlanIssueClosed"
	MsgDevPlanCreated     = "DevPlanCreated"

	MsgCodeGenerationRequested = "CodeGenerationRequested"
	MsgCodeGenerated           = "CodeGenerated"
	MsgCodeIssueClosed         = "CodeIssueClosed"
	MsgCodeCreated             = "CodeCreated"

	MsgSandboxRunCreated  = "SandboxRunCreated"
	MsgSandboxRunFinished = "SandboxRunFinished"

	MsgAsk      = "Ask"
	MsgAsked    = "Asked"
	MsgAnswer   = "Answer"
	MsgAnswered = "Answered"
	MsgReview   = "Review"
	MsgReviewed = "Reviewed"
	MsgApprove  = "Approve"
	MsgApproved = "Approved"

	MsgShutdown = "Shutdown"
)

// AskPayload carries a user request anchored to a work item.
type AskPayload struct {
	WorkItem
	Ask string `json:"ask"`
}

// ContentPayload carries generated text (readme, plan, code, or a persona
// response) for a work item.
type ContentPayload struct {
	WorkItem
	Content string `json:"content"`
}

// SandboxRunPayload carries the coordinates of one sandbox run.
type SandboxRunPayload struct {
	WorkItem
	RunID  string `json:"run_id"`
	Output string `json:"output,omitempty"`
}
