// Package statemachine defines the material processing state machine: the
// canonical processing steps, the actions that move between them, and the
// transition table with branch, skip, retry, and rollback edges.
//
// The state machine is a pure function over (current step, action); it never
// touches storage or providers. Callers apply the returned transition to the
// material row themselves.
package statemachine

import "log/slog"

// Step is a canonical processing_step value.
type Step string

const (
	StepUploaded       Step = "uploaded"
	StepSplitting      Step = "splitting"
	StepSplitCompleted Step = "split_completed"

	StepTranslating Step = "translating"
	StepTranslated  Step = "translated"

	StepEntityRecognizing    Step = "entity_recognizing"
	StepEntityPendingConfirm Step = "entity_pending_confirm"
	StepEntityConfirmed      Step = "entity_confirmed"

	StepLLMTranslating Step = "llm_translating"
	StepLLMTranslated  Step = "llm_translated"

	StepConfirmed Step = "confirmed"
	StepFailed    Step = "failed"

	// StepNone marks a material that does not exist yet (upload actions).
	StepNone Step = ""
)

// Action is a trigger that moves a material between steps.
type Action string

const (
	ActionUploadImage Action = "upload_image"
	ActionUploadPDF   Action = "upload_pdf"
	ActionSplitDone   Action = "split_success"

	ActionStartTranslate Action = "start_translate"
	ActionOCRSuccess     Action = "ocr_success"
	ActionOCRFail        Action = "ocr_fail"

	ActionStartEntityRecognize Action = "start_entity_recognize"
	ActionEntitySuccess        Action = "er_success"
	ActionEntityRecoverable    Action = "er_recoverable_fail"
	ActionEntityFatal          Action = "er_fatal"
	ActionConfirmEntities      Action = "confirm_entities"
	ActionSkipEntities         Action = "entity_skip"

	ActionStartLLM   Action = "start_llm"
	ActionLLMSuccess Action = "llm_success"
	ActionLLMFail    Action = "llm_fail"

	ActionConfirm     Action = "confirm"
	ActionUnconfirm   Action = "unconfirm"
	ActionRetranslate Action = "retranslate"
	ActionRotate      Action = "rotate"
)

// TransitionType classifies an edge in the state graph.
type TransitionType string

const (
	TypeNormal   TransitionType = "normal"
	TypeAuto     TransitionType = "auto"
	TypeSkip     TransitionType = "skip"
	TypeRetry    TransitionType = "retry"
	TypeReset    TransitionType = "reset"
	TypeRollback TransitionType = "rollback"
)

// Transition is one edge of the state graph.
type Transition struct {
	From []Step
	To   Step
	Type TransitionType

	// ClearsIntermediate marks transitions that wipe derived results
	// (edited images, regions, LLM output).
	ClearsIntermediate bool

	// AutoNext is an action the orchestrator should submit after the
	// transition commits. Auto-chains are fresh submissions, never in-stage
	// continuations.
	AutoNext Action
}

// anyStep on a transition's From list means the action is valid from every
// non-empty step.
var anyStep = []Step{
	StepUploaded, StepSplitting, StepSplitCompleted,
	StepTranslating, StepTranslated,
	StepEntityRecognizing, StepEntityPendingConfirm, StepEntityConfirmed,
	StepLLMTranslating, StepLLMTranslated,
	StepConfirmed, StepFailed,
}

var transitions = map[Action]Transition{
	ActionUploadImage: {From: []Step{StepNone}, To: StepUploaded, Type: TypeNormal},
	ActionUploadPDF:   {From: []Step{StepNone}, To: StepSplitting, Type: TypeNormal},
	ActionSplitDone:   {From: []Step{StepSplitting}, To: StepSplitCompleted, Type: TypeAuto},

	ActionStartTranslate: {
		From: []Step{StepUploaded, StepSplitCompleted},
		To:   StepTranslating,
		Type: TypeNormal,
	},
	ActionOCRSuccess: {From: []Step{StepTranslating}, To: StepTranslated, Type: TypeAuto},
	ActionOCRFail:    {From: []Step{StepTranslating}, To: StepFailed, Type: TypeAuto},

	ActionStartEntityRecognize: {
		From: []Step{StepTranslated},
		To:   StepEntityRecognizing,
		Type: TypeNormal,
	},
	ActionEntitySuccess: {
		From: []Step{StepEntityRecognizing},
		To:   StepEntityPendingConfirm,
		Type: TypeAuto,
	},
	ActionEntityRecoverable: {
		From: []Step{StepEntityRecognizing},
		To:   StepTranslated,
		Type: TypeSkip,
	},
	ActionEntityFatal: {
		From: []Step{StepEntityRecognizing},
		To:   StepFailed,
		Type: TypeAuto,
	},
	ActionConfirmEntities: {
		From:     []Step{StepEntityPendingConfirm},
		To:       StepEntityConfirmed,
		Type:     TypeNormal,
		AutoNext: ActionStartLLM,
	},
	ActionSkipEntities: {
		From: []Step{StepEntityPendingConfirm},
		To:   StepTranslated,
		Type: TypeSkip,
	},

	ActionStartLLM: {
		From: []Step{StepTranslated, StepEntityConfirmed},
		To:   StepLLMTranslating,
		Type: TypeNormal,
	},
	ActionLLMSuccess: {From: []Step{StepLLMTranslating}, To: StepLLMTranslated, Type: TypeAuto},
	ActionLLMFail:    {From: []Step{StepLLMTranslating}, To: StepFailed, Type: TypeAuto},

	ActionConfirm: {
		From: []Step{StepTranslated, StepLLMTranslated},
		To:   StepConfirmed,
		Type: TypeNormal,
	},
	// Unconfirm's actual target depends on whether an LLM result exists;
	// RollbackTarget resolves it. The table records the default.
	ActionUnconfirm: {
		From: []Step{StepConfirmed},
		To:   StepTranslated,
		Type: TypeRollback,
	},

	ActionRetranslate: {
		From:               anyStep,
		To:                 StepTranslating,
		Type:               TypeRetry,
		ClearsIntermediate: true,
	},
	ActionRotate: {
		From:               anyStep,
		To:                 StepUploaded,
		Type:               TypeReset,
		ClearsIntermediate: true,
	},
}

// Next resolves (current, action) to a transition. ok is false when the
// action is not valid from the current step.
func Next(current Step, action Action) (Transition, bool) {
	t, found := transitions[action]
	if !found {
		return Transition{}, false
	}
	current = Normalize(current)
	for _, from := range t.From {
		if from == current {
			return t, true
		}
	}
	return Transition{}, false
}

// RollbackTarget picks the step an unconfirm returns to: llm_translated when
// an LLM result is present, else translated.
func RollbackTarget(hasLLMResult bool) Step {
	if hasLLMResult {
		return StepLLMTranslated
	}
	return StepTranslated
}

// CanTransition reports whether action is valid from current.
func CanTransition(current Step, action Action) bool {
	_, ok := Next(current, action)
	return ok
}

// AvailableActions lists the user-facing actions valid from the current step,
// in a stable order. Auto transitions (driven by stages, not users) are
// excluded.
func AvailableActions(current Step) []Action {
	ordered := []Action{
		ActionStartTranslate,
		ActionStartEntityRecognize,
		ActionConfirmEntities,
		ActionSkipEntities,
		ActionStartLLM,
		ActionConfirm,
		ActionUnconfirm,
		ActionRetranslate,
		ActionRotate,
	}
	var out []Action
	for _, a := range ordered {
		if CanTransition(current, a) {
			out = append(out, a)
		}
	}
	return out
}

var processingSteps = map[Step]bool{
	StepSplitting:         true,
	StepTranslating:       true,
	StepEntityRecognizing: true,
	StepLLMTranslating:    true,
}

var pendingActionSteps = map[Step]bool{
	StepUploaded:             true,
	StepSplitCompleted:       true,
	StepEntityPendingConfirm: true,
}

var completedSteps = map[Step]bool{
	StepTranslated:      true,
	StepEntityConfirmed: true,
	StepLLMTranslated:   true,
	StepConfirmed:       true,
}

// IsProcessing reports whether a background stage task owns the material.
func IsProcessing(s Step) bool { return processingSteps[Normalize(s)] }

// IsPendingAction reports whether the material waits on a user action.
func IsPendingAction(s Step) bool { return pendingActionSteps[Normalize(s)] }

// IsCompleted reports whether the step is reviewable or confirmed.
func IsCompleted(s Step) bool { return completedSteps[Normalize(s)] }

// IsFailed reports whether the material is in the failed step.
func IsFailed(s Step) bool { return Normalize(s) == StepFailed }

// displayStatus maps canonical steps to the Chinese display labels the
// original frontend expects. status is always derived from processing_step
// through this table.
var displayStatus = map[Step]string{
	StepUploaded:             "已上传",
	StepSplitting:            "拆分中",
	StepSplitCompleted:       "拆分完成",
	StepTranslating:          "翻译中",
	StepTranslated:           "翻译完成",
	StepEntityRecognizing:    "实体识别中",
	StepEntityPendingConfirm: "待确认实体",
	StepEntityConfirmed:      "实体已确认",
	StepLLMTranslating:       "AI优化中",
	StepLLMTranslated:        "AI优化完成",
	StepConfirmed:            "已确认",
	StepFailed:               "处理失败",
}

// Display returns the display status for a step. Unknown steps display as
// themselves.
func Display(s Step) string {
	if d, ok := displayStatus[Normalize(s)]; ok {
		return d
	}
	if s == StepNone {
		return "未知"
	}
	return string(s)
}

// legacyStatus maps display strings and other historical values back to
// canonical steps. Rows written by old builds carry these in
// processing_step.
var legacyStatus = map[string]Step{
	"待处理":  StepUploaded,
	"已上传":  StepUploaded,
	"已添加":  StepUploaded,
	"拆分中":  StepSplitting,
	"翻译中":  StepTranslating,
	"正在翻译": StepTranslating,
	"处理中":  StepTranslating,
	"翻译完成": StepTranslated,
	"已翻译":  StepTranslated,
	"翻译失败": StepFailed,
	"已确认":  StepConfirmed,
	"AI优化中":  StepLLMTranslating,
	"AI优化完成": StepLLMTranslated,
	"added":    StepUploaded,
}

var canonical = func() map[Step]bool {
	m := make(map[Step]bool, len(anyStep))
	for _, s := range anyStep {
		m[s] = true
	}
	return m
}()

// Normalize maps legacy status strings to canonical steps. Unknown values
// log a warning and pass through unchanged.
func Normalize(s Step) Step {
	if s == StepNone || canonical[s] {
		return s
	}
	if mapped, ok := legacyStatus[string(s)]; ok {
		return mapped
	}
	slog.Warn("unknown processing step", "step", string(s))
	return s
}
