package model

// ErrorCode is the engine-wide error taxonomy recorded on ERROR events.
type ErrorCode string

const (
	ErrLLMUnparseable      ErrorCode = "LLM_UNPARSEABLE"
	ErrLLMTimeout          ErrorCode = "LLM_TIMEOUT"
	ErrLLMFailed           ErrorCode = "LLM_FAILED"
	ErrLLMRefusal          ErrorCode = "LLM_REFUSAL"
	ErrSkillFailed         ErrorCode = "SKILL_FAILED"
	ErrSkillTimeout        ErrorCode = "SKILL_TIMEOUT"
	ErrSkillBadInput       ErrorCode = "SKILL_BAD_INPUT"
	ErrInputMissing        ErrorCode = "INPUT_MISSING"
	ErrInputConflict       ErrorCode = "INPUT_CONFLICT"
	ErrContractMismatch    ErrorCode = "CONTRACT_MISMATCH"
	ErrStaleReview         ErrorCode = "STALE_REVIEW"
	ErrReviewerFailed      ErrorCode = "REVIEWER_FAILED"
	ErrReviewerBadOutput   ErrorCode = "REVIEWER_BAD_OUTPUT"
	ErrMaxAttemptsExceeded ErrorCode = "MAX_ATTEMPTS_EXCEEDED"
	ErrPlanTimeout         ErrorCode = "PLAN_TIMEOUT"
	ErrMaxLLMCallsExceeded ErrorCode = "MAX_LLM_CALLS_EXCEEDED"
)

// Outcome describes how an error code maps onto task state.
type Outcome struct {
	// Status the task should move to once budgets allow or force it.
	Status Status
	// Reason qualifies StatusBlocked outcomes.
	Reason BlockedReason
	// ConsumesAttempt is true for transient errors counted against the
	// task's attempt budget.
	ConsumesAttempt bool
}

// outcomes maps each error code to its state effect. Input-dependent
// errors block without consuming attempts; transient LLM errors consume
// an attempt and fail at budget.
var outcomes = map[ErrorCode]Outcome{
	ErrLLMUnparseable:      {Status: StatusFailed, ConsumesAttempt: true},
	ErrLLMTimeout:          {Status: StatusFailed, ConsumesAttempt: true},
	ErrLLMFailed:           {Status: StatusFailed, ConsumesAttempt: true},
	ErrLLMRefusal:          {Status: StatusBlocked, Reason: WaitingExternal},
	ErrSkillFailed:         {Status: StatusBlocked, Reason: WaitingSkill},
	ErrSkillTimeout:        {Status: StatusBlocked, Reason: WaitingSkill},
	ErrSkillBadInput:       {Status: StatusBlocked, Reason: WaitingInput},
	ErrInputMissing:        {Status: StatusBlocked, Reason: WaitingInput},
	ErrInputConflict:       {Status: StatusBlocked, Reason: WaitingExternal},
	ErrContractMismatch:    {Status: StatusFailed, ConsumesAttempt: true},
	ErrMaxAttemptsExceeded: {Status: StatusBlocked, Reason: WaitingExternal},
}

// OutcomeFor returns the state effect for an error code. Unknown codes
// map to a non-consuming WAITING_EXTERNAL block so nothing is lost.
func OutcomeFor(code ErrorCode) Outcome {
	if o, ok := outcomes[code]; ok {
		return o
	}
	return Outcome{Status: StatusBlocked, Reason: WaitingExternal}
}
