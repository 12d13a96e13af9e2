package pipeline

import "github.com/forgeworks/specforge/internal/router"

// Stage is one step of the build sequence. The numeric value is the
// stage index persisted on stage records and build cursors, so the
// order here is part of the storage format.
type Stage int

const (
	StageInit Stage = iota
	StageInterpretIntent
	StageMatchCapability
	StageGenerateSpec
	StageValidateRules
	StageFinalValidate
	StageGenerateCode
	StagePackage

	stageCount
)

var stageNames = [...]string{
	"init",
	"interpret_intent",
	"match_capability",
	"generate_spec",
	"validate_rules",
	"final_validate",
	"generate_code",
	"package",
}

func (s Stage) String() string {
	if s < 0 || s >= stageCount {
		return "unknown"
	}
	return stageNames[s]
}

// Stages returns the full sequence in execution order.
func Stages() []Stage {
	out := make([]Stage, stageCount)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

// stageAt maps a persisted stage index back to its Stage.
func stageAt(index int) (Stage, bool) {
	if index < 0 || index >= int(stageCount) {
		return 0, false
	}
	return Stage(index), true
}

// task returns the routing task serving this stage. Init consumes no
// routed context and reports false.
func (s Stage) task() (router.Task, bool) {
	switch s {
	case StageInterpretIntent:
		return router.TaskInterpretIntent, true
	case StageMatchCapability:
		return router.TaskMatchCapability, true
	case StageGenerateSpec:
		return router.TaskGenerateSpec, true
	case StageValidateRules:
		return router.TaskValidateRules, true
	case StageFinalValidate:
		return router.TaskFinalValidate, true
	case StageGenerateCode:
		return router.TaskGenerateCode, true
	case StagePackage:
		return router.TaskPackage, true
	}
	return "", false
}

// attemptBudget is the per-stage attempt ceiling for transient failures.
// Stages that call out of process (the interpreter, the packaging
// executor) get headroom; deterministic in-process stages get one shot,
// since repeating them reproduces the same failure.
func (s Stage) attemptBudget() int {
	switch s {
	case StageInterpretIntent:
		return 4
	case StageGenerateSpec:
		return 3
	case StagePackage:
		return 3
	default:
		return 1
	}
}
