package model

// allowedTransitions is the status machine for task nodes. A transition
// absent from this map is rejected by ValidateTransition; the doctor also
// uses it to flag suspicious histories.
var allowedTransitions = map[Status][]Status{
	StatusPending:      {StatusReady, StatusBlocked, StatusAbandoned, StatusFailed},
	StatusReady:        {StatusPending, StatusInProgress, StatusBlocked, StatusReadyToCheck, StatusDone, StatusFailed, StatusAbandoned},
	StatusInProgress:   {StatusReady, StatusReadyToCheck, StatusToBeModify, StatusBlocked, StatusDone, StatusFailed},
	StatusBlocked:      {StatusReady, StatusPending, StatusFailed, StatusAbandoned},
	StatusReadyToCheck: {StatusDone, StatusToBeModify, StatusReady, StatusBlocked, StatusFailed},
	StatusToBeModify:   {StatusReady, StatusInProgress, StatusReadyToCheck, StatusBlocked, StatusFailed, StatusAbandoned},
	StatusDone:         {StatusReady, StatusAbandoned},
	StatusFailed:       {StatusReady, StatusAbandoned},
	StatusAbandoned:    {},
}

// CanTransition reports whether from → to is a legal status change.
// Self transitions are allowed (idempotent writes).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// StatusForNodeType reports whether a status is meaningful for a node type.
// READY_TO_CHECK and TO_BE_MODIFY only apply to ACTION nodes.
func StatusForNodeType(nt NodeType, s Status) bool {
	if s == StatusReadyToCheck || s == StatusToBeModify {
		return nt == NodeAction
	}
	return true
}
