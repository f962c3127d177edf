package ipc

import "context"

// OpType is the IPC payload's `type` field.
type OpType string

const (
	OpMessage       OpType = "message"
	OpScheduleTask  OpType = "schedule_task"
	OpPauseTask     OpType = "pause_task"
	OpResumeTask    OpType = "resume_task"
	OpCancelTask    OpType = "cancel_task"
	OpRegisterGroup OpType = "register_group"
)

// AuthContext carries everything an OpEvaluator needs to decide whether a
// file's asserted operation is authorized and, if so, to apply it.
type AuthContext struct {
	SourceGroup string // the inbox directory name — the only trusted identity
	IsMain      bool
	Payload     map[string]any
}

// AuthResult is the outcome of evaluating one IPC file.
type AuthResult struct {
	Allowed bool
	Reason  string // always set on deny; may be set on allow for audit detail
}

// OpEvaluator authorizes and applies one IPC operation type.
type OpEvaluator interface {
	Evaluate(ctx context.Context, actx AuthContext) (*AuthResult, error)
}

// Engine dispatches an IPC file's payload to the evaluator registered for
// its `type`, the same way the agent-output quality gate this was adapted
// from dispatched HookConfigs to HookEvaluators by HookType.
type Engine struct {
	evaluators map[OpType]OpEvaluator
}

// NewEngine creates an empty dispatch Engine.
func NewEngine() *Engine {
	return &Engine{evaluators: make(map[OpType]OpEvaluator)}
}

// Register adds the evaluator responsible for opType.
func (e *Engine) Register(opType OpType, eval OpEvaluator) {
	e.evaluators[opType] = eval
}

// Dispatch evaluates (and, if allowed, applies) the operation named by
// opType. An unregistered opType is treated as a deny with an explanatory
// reason rather than an error, so the mediator drops the file like any
// other denied operation.
func (e *Engine) Dispatch(ctx context.Context, opType OpType, actx AuthContext) (*AuthResult, error) {
	eval, ok := e.evaluators[opType]
	if !ok {
		return &AuthResult{Allowed: false, Reason: "unknown operation type: " + string(opType)}, nil
	}
	return eval.Evaluate(ctx, actx)
}
