package workflow

import (
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
)

var (
	ErrActionInFlight           = errors.New("the same action is already in progress for this quality check")
	ErrItemsPending             = errors.New("some items have not been inspected or skipped")
	ErrUnsavedVerdicts          = errors.New("some verdicts failed to save; retry them before completing")
	ErrCompletionPending        = errors.New("item saved but completing the review failed; retry Complete")
	ErrPartialIntakeNotAccepted = errors.New("conditional result requires explicit acceptance of partial intake")
	ErrNoLineItems              = errors.New("purchase order has no line items to inspect")
	ErrItemNotFound             = errors.New("quality check item not found")
)

// TransitionError reports an action attempted from a state that does not allow it.
type TransitionError struct {
	Action string
	From   models.SessionStep
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s is not allowed while the quality check is %s", e.Action, e.From)
}

func illegal(action string, from models.SessionStep) error {
	return &TransitionError{Action: action, From: from}
}

func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// PersistError wraps a storage failure. The in-memory state the caller entered is kept.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// ItemError explains why one line could not be converted.
type ItemError struct {
	QualityCheckItemId      string `json:"quality_check_item_id,omitempty"`
	PurchaseOrderLineItemId string `json:"purchase_order_line_item_id"`
	Reason                  string `json:"reason"`
}

// ConversionError is a failed conversion: nothing was written.
type ConversionError struct {
	QualityCheckId string
	Items          []ItemError
	Err            error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inventory conversion of quality check %s failed: %v", e.QualityCheckId, e.Err)
	}
	return fmt.Sprintf("inventory conversion of quality check %s failed for %d line(s)", e.QualityCheckId, len(e.Items))
}

func (e *ConversionError) Unwrap() error { return e.Err }

// isRetryable is false for anything a retry cannot fix.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConversionError
	switch {
	case utils.IsValidationError(err),
		IsTransitionError(err),
		errors.Is(err, utils.ErrorRecordNotFound),
		errors.Is(err, ErrActionInFlight),
		errors.Is(err, models.ErrDuplicateStock):
		return false
	case errors.As(err, &ce) && len(ce.Items) > 0:
		return false
	}
	return true
}
