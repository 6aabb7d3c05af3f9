package models

type QualityCheckStatus string

const (
	QualityCheckStatusInProgress QualityCheckStatus = "in_progress"
	QualityCheckStatusPassed     QualityCheckStatus = "passed"
	QualityCheckStatusFailed     QualityCheckStatus = "failed"
	QualityCheckStatusPartial    QualityCheckStatus = "partial"
)

type OverallResult string

const (
	OverallResultUnset       OverallResult = "unset"
	OverallResultPass        OverallResult = "pass"
	OverallResultFail        OverallResult = "fail"
	OverallResultConditional OverallResult = "conditional"
)

// StatusFor maps an aggregate disposition onto the persisted session status.
func (r OverallResult) StatusFor() QualityCheckStatus {
	switch r {
	case OverallResultPass:
		return QualityCheckStatusPassed
	case OverallResultFail:
		return QualityCheckStatusFailed
	case OverallResultConditional:
		return QualityCheckStatusPartial
	default:
		return QualityCheckStatusInProgress
	}
}

type ItemResult string

const (
	ItemResultPass ItemResult = "pass"
	ItemResultFail ItemResult = "fail"
	ItemResultNA   ItemResult = "na"
)

func (r ItemResult) IsValid() bool {
	switch r {
	case ItemResultPass, ItemResultFail, ItemResultNA:
		return true
	}
	return false
}

type ActionTaken string

const (
	ActionTakenAccept  ActionTaken = "accept"
	ActionTakenReject  ActionTaken = "reject"
	ActionTakenReturn  ActionTaken = "return"
	ActionTakenReplace ActionTaken = "replace"
	ActionTakenRepair  ActionTaken = "repair"
)

func (a ActionTaken) IsValid() bool {
	switch a {
	case ActionTakenAccept, ActionTakenReject, ActionTakenReturn, ActionTakenReplace, ActionTakenRepair:
		return true
	}
	return false
}

type DefectType string

const (
	DefectTypePhysicalDamage  DefectType = "physical_damage"
	DefectTypeFunctionalIssue DefectType = "functional_issue"
	DefectTypeMissingParts    DefectType = "missing_parts"
	DefectTypeCosmeticDefect  DefectType = "cosmetic_defect"
	DefectTypeOther           DefectType = "other"
)

func (d DefectType) IsValid() bool {
	switch d {
	case DefectTypePhysicalDamage, DefectTypeFunctionalIssue, DefectTypeMissingParts, DefectTypeCosmeticDefect, DefectTypeOther:
		return true
	}
	return false
}

// SessionStep is the state of the quality-check state machine.
type SessionStep string

const (
	SessionStepTemplateSelection SessionStep = "template_selection"
	SessionStepInspecting        SessionStep = "inspecting"
	SessionStepReviewComplete    SessionStep = "review_complete"
	SessionStepInventoryIntake   SessionStep = "inventory_intake"
	SessionStepClosed            SessionStep = "closed"
	SessionStepAbandoned         SessionStep = "abandoned"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStep) IsTerminal() bool {
	return s == SessionStepClosed || s == SessionStepAbandoned
}

// ValidSessionTransitions lists every legal edge of the state machine.
var ValidSessionTransitions = map[SessionStep][]SessionStep{
	SessionStepTemplateSelection: {SessionStepInspecting, SessionStepAbandoned},
	SessionStepInspecting:        {SessionStepReviewComplete, SessionStepInventoryIntake, SessionStepClosed, SessionStepAbandoned},
	SessionStepReviewComplete:    {SessionStepInventoryIntake, SessionStepClosed, SessionStepAbandoned},
	SessionStepInventoryIntake:   {SessionStepClosed, SessionStepAbandoned},
}

// CanTransition reports whether from -> to is a legal edge.
// inspecting -> inventory_intake / closed are the automatic pass/fail shortcuts
// through review_complete taken on completion.
func CanTransition(from, to SessionStep) bool {
	for _, next := range ValidSessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ConversionStatus string

const (
	ConversionStatusSucceeded ConversionStatus = "SUCCEEDED"
	ConversionStatusFailed    ConversionStatus = "FAILED"
)
