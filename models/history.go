package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/utils"
)

const (
	HistoryActionStart    = "START"
	HistoryActionRecord   = "RECORD"
	HistoryActionSkip     = "SKIP"
	HistoryActionComplete = "COMPLETE"
	HistoryActionIntake   = "INTAKE"
	HistoryActionConvert  = "CONVERT"
	HistoryActionClose    = "CLOSE"
	HistoryActionAbandon  = "ABANDON"
)

// QualityCheckHistory is the audit trail of session transitions and verdicts.
type QualityCheckHistory struct {
	ID             int         `gorm:"primary_key" db:"id" json:"id"`
	QualityCheckId string      `gorm:"size:36;not null;index" db:"quality_check_id" json:"quality_check_id"`
	ActionType     string      `gorm:"size:10;not null" db:"action_type" json:"action_type"`
	FromStep       SessionStep `gorm:"size:30" db:"from_step" json:"from_step"`
	ToStep         SessionStep `gorm:"size:30" db:"to_step" json:"to_step"`
	ReferenceId    string      `gorm:"size:36;index" db:"reference_id" json:"reference_id"`
	Before         string      `gorm:"type:text" db:"before_value" json:"before"`
	After          string      `gorm:"type:text" db:"after_value" json:"after"`
	Description    string      `gorm:"type:text;not null" db:"description" json:"description"`
	UserId         string      `gorm:"size:64;index;not null" db:"user_id" json:"user_id"`
	UserName       string      `gorm:"size:100" db:"user_name" json:"user_name"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" db:"created_at" json:"created_at"`
}

func (QualityCheckHistory) TableName() string {
	return "quality_check_histories"
}

// NewHistory captures who did what from the request context.
// An actor is required; the user name is optional.
func NewHistory(ctx context.Context, actionType string, qc QualityCheck, fromStep SessionStep, referenceId string, before, after any, description string) (*QualityCheckHistory, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == "" {
		userId = qc.CheckedBy
	}
	if userId == "" {
		return nil, errors.New("user id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	h := &QualityCheckHistory{
		QualityCheckId: qc.ID,
		ActionType:     actionType,
		FromStep:       fromStep,
		ToStep:         qc.Step,
		ReferenceId:    referenceId,
		Description:    description,
		UserId:         userId,
		UserName:       userName,
	}
	if before != nil {
		b, _ := json.Marshal(before)
		h.Before = string(b)
	}
	if after != nil {
		a, _ := json.Marshal(after)
		h.After = string(a)
	}
	return h, nil
}
