// Package model defines the persistent entities of the workflow engine:
// plans, task nodes, edges, requirements, artifacts, reviews and the
// enumerations that govern their lifecycle.
package model

import "time"

// NodeType classifies a task node in the plan graph.
type NodeType string

const (
	NodeGoal   NodeType = "GOAL"
	NodeAction NodeType = "ACTION"
	NodeCheck  NodeType = "CHECK"
)

// EdgeType classifies an edge in the plan graph.
type EdgeType string

const (
	EdgeDecompose EdgeType = "DECOMPOSE"
	EdgeDependsOn EdgeType = "DEPENDS_ON"
	EdgeAlternative EdgeType = "ALTERNATIVE"
)

// AndOr is the aggregation mode carried on DECOMPOSE edges.
type AndOr string

const (
	AndOrAnd AndOr = "AND"
	AndOrOr  AndOr = "OR"
)

// Status is the lifecycle state of a task node.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusReady        Status = "READY"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusBlocked      Status = "BLOCKED"
	StatusReadyToCheck Status = "READY_TO_CHECK"
	StatusToBeModify   Status = "TO_BE_MODIFY"
	StatusDone         Status = "DONE"
	StatusFailed       Status = "FAILED"
	StatusAbandoned    Status = "ABANDONED"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// BlockedReason qualifies StatusBlocked.
type BlockedReason string

const (
	WaitingInput    BlockedReason = "WAITING_INPUT"
	WaitingExternal BlockedReason = "WAITING_EXTERNAL"
	WaitingSkill    BlockedReason = "WAITING_SKILL"
)

// Owner names the agent role responsible for a node.
type Owner string

const (
	OwnerExecutor          Owner = "executor"
	OwnerReviewer          Owner = "reviewer"
	OwnerSecondaryReviewer Owner = "secondary_reviewer"
)

// Priority levels for plan constraints.
type Priority string

const (
	PriorityLow  Priority = "LOW"
	PriorityMed  Priority = "MED"
	PriorityHigh Priority = "HIGH"
)

// Plan lifecycle states. A superseded plan keeps its rows, and the
// events recorded against it, but no longer counts as current.
type PlanStatus string

const (
	PlanStatusActive     PlanStatus = "ACTIVE"
	PlanStatusSuperseded PlanStatus = "SUPERSEDED"
)

// Plan is the top-level unit of work. Immutable except title/owner.
type Plan struct {
	PlanID     string
	Title      string
	Owner      string
	RootTaskID string
	Deadline   string
	Priority   Priority
	Status     PlanStatus
	CreatedAt  time.Time
}

// TaskNode is a node of the plan graph. One row per task.
type TaskNode struct {
	TaskID             string
	PlanID             string
	NodeType           NodeType
	Title              string
	GoalStatement      string
	Rationale          string
	Owner              Owner
	Priority           int
	Tags               []string
	Status             Status
	BlockedReason      BlockedReason
	AttemptCount       int
	Confidence         float64
	ActiveBranch       bool
	ActiveArtifactID   string
	ApprovedArtifactID string
	// ReviewTargetTaskID binds a CHECK to the ACTION it reviews (v2).
	ReviewTargetTaskID  string
	EstimatedPersonDays float64
	DeliverableSpec     map[string]any
	AcceptanceCriteria  []map[string]any
	ReviewOutputSpec    map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasTag reports whether the node carries the given tag.
func (n *TaskNode) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TaskEdge connects two nodes of the same plan.
type TaskEdge struct {
	EdgeID     string
	PlanID     string
	FromTaskID string
	ToTaskID   string
	EdgeType   EdgeType
	// AndOr is set on DECOMPOSE edges, GroupID on ALTERNATIVE edges.
	AndOr   AndOr
	GroupID string
}

// RequirementKind classifies an input requirement.
type RequirementKind string

const (
	ReqFile         RequirementKind = "FILE"
	ReqConfirmation RequirementKind = "CONFIRMATION"
	ReqSkillOutput  RequirementKind = "SKILL_OUTPUT"
)

// RequirementSource restricts who may satisfy a requirement.
type RequirementSource string

const (
	SourceUser  RequirementSource = "USER"
	SourceAgent RequirementSource = "AGENT"
	SourceAny   RequirementSource = "ANY"
)

// InputRequirement declares a task's need for input evidence.
type InputRequirement struct {
	RequirementID string
	TaskID        string
	Name          string
	Kind          RequirementKind
	Required      bool
	MinCount      int
	AllowedTypes  []string
	Source        RequirementSource
	Validation    map[string]any
}

// Evidence binds a concrete file to a requirement.
type Evidence struct {
	EvidenceID    string
	RequirementID string
	TaskID        string
	Path          string
	SHA256        string
	Source        RequirementSource
	CreatedAt     time.Time
}

// ArtifactFormat is the set of file formats an executor may emit.
var ArtifactFormats = map[string]bool{
	"md": true, "txt": true, "json": true, "html": true, "css": true, "js": true,
}

// Artifact is an immutable record of one executor output version.
type Artifact struct {
	ArtifactID string
	TaskID     string
	Name       string
	Path       string
	Format     string
	Version    int
	SHA256     string
	CreatedAt  time.Time
}

// Verdict is the outcome of a review.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictRejected Verdict = "REJECTED"
)

// Review is one reviewer verdict over a pinned artifact.
type Review struct {
	ReviewID           string
	CheckTaskID        string
	ReviewTargetTaskID string
	ReviewedArtifactID string
	Reviewer           string
	TotalScore         int
	Verdict            Verdict
	Breakdown          []map[string]any
	Suggestions        []map[string]any
	Summary            string
	AcceptanceResults  []map[string]any
	IdempotencyKey     string
	CreatedAt          time.Time
}

// Event is an append-only task log row.
type Event struct {
	EventID   string
	TaskID    string
	PlanID    string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// Event types emitted by the engine.
const (
	EventStatusChanged = "STATUS_CHANGED"
	EventError         = "ERROR"
	EventWaitingInput  = "WAITING_INPUT"
	EventFileRemoved   = "FILE_REMOVED"
	EventEvidenceBound = "EVIDENCE_BOUND"
	EventSkillRun      = "SKILL_RUN"
	EventPlanRewrite   = "PLAN_REWRITE"
	EventReview        = "REVIEW"

	// EventRequestExternalInput asks a human to resolve what the
	// engine cannot repair on its own.
	EventRequestExternalInput = "REQUEST_EXTERNAL_INPUT"
)

// LLMCall records one transport round trip.
type LLMCall struct {
	CallID        string
	PlanID        string
	TaskID        string
	Role          Owner
	Contract      string
	Provider      string
	PromptSHA256  string
	RawText       string
	ParsedJSON    string
	ErrorCode     string
	Truncated     bool
	StartedAt     time.Time
	FinishedAt    time.Time
}
