package errors

// Action is the corrective step a workspace user has to take after a failed
// operation.
type Action string

const (
	ActionNone         Action = ""
	ActionAcquireLock  Action = "lock"
	ActionSync         Action = "sync"
	ActionResolve      Action = "resolve"
	ActionRetryStorage Action = "retry"
	ActionFixInput     Action = "fix-input"
	ActionNothingToDo  Action = "nothing"
)

var actionHints = map[Action]string{
	ActionAcquireLock:  "the path is locked by another workspace: wait for it to be released or ask its owner to unlock it",
	ActionSync:         "the branch moved on the server: run sync, then commit again",
	ActionResolve:      "some files have pending resolves: merge them by hand and mark them resolved",
	ActionRetryStorage: "the underlying storage is unavailable: check connectivity and retry",
	ActionFixInput:     "the request is invalid: check the paths and arguments",
	ActionNothingToDo:  "there is nothing to commit",
}

// ActionFor classifies err into the action that fixes it.
func ActionFor(err error) Action {
	if err == nil {
		return ActionNone
	}
	switch TypeOf(err) {
	case ErrorTypeLockAlreadyExists:
		return ActionAcquireLock
	case ErrorTypeConflict:
		return ActionSync
	case ErrorTypeResolvePending:
		return ActionResolve
	case ErrorTypeStorage, ErrorTypePersistence:
		return ActionRetryStorage
	case ErrorTypeInvalidPath, ErrorTypeInvalidChange, ErrorTypeValidation:
		return ActionFixInput
	case ErrorTypeEmptyCommit:
		return ActionNothingToDo
	}
	return ActionNone
}

// Hint returns the human-readable advice for err, or "" when there is none.
func Hint(err error) string {
	return actionHints[ActionFor(err)]
}
