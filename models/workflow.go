package models

import (
	"time"

	"gorm.io/gorm"
)

type TriggerType string

const (
	TriggerContactCreated TriggerType = "contact_created"
	TriggerTagAdded       TriggerType = "tag_added"
	TriggerMemberInactive TriggerType = "member_inactive"
	TriggerScheduled      TriggerType = "scheduled"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerContactCreated, TriggerTagAdded, TriggerMemberInactive, TriggerScheduled:
		return true
	}
	return false
}

type ActionType string

const (
	ActionSendMessage   ActionType = "send_message"
	ActionAddTag        ActionType = "add_tag"
	ActionAddToSequence ActionType = "add_to_sequence"
)

type ConditionOp string

const (
	OpEq       ConditionOp = "eq"
	OpNeq      ConditionOp = "neq"
	OpContains ConditionOp = "contains"
)

const (
	WorkflowStatusDraft  = "draft"
	WorkflowStatusActive = "active"
	WorkflowStatusPaused = "paused"
)

const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
)

// Condition is one predicate of a workflow's conjunction.
type Condition struct {
	Field string      `json:"field"`
	Op    ConditionOp `json:"op"`
	Value interface{} `json:"value"`
}

// Workflow reacts to a trigger by running its actions for a contact
type Workflow struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name          string                 `gorm:"not null" json:"name"`
	TriggerType   TriggerType            `gorm:"not null;index" json:"trigger_type"`
	TriggerConfig map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"trigger_config"`
	Conditions    []Condition            `gorm:"type:jsonb;serializer:json" json:"conditions"`
	Status        string                 `gorm:"not null;default:'draft';index" json:"status"` // draft, active, paused

	// Relations
	Actions []WorkflowAction `gorm:"foreignKey:WorkflowID" json:"actions,omitempty"`
}

type WorkflowAction struct {
	gorm.Model
	WorkflowID uint `gorm:"not null;index" json:"workflow_id"`

	ActionType     ActionType             `gorm:"not null" json:"action_type"`
	ActionConfig   map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"action_config"`
	ExecutionOrder int                    `gorm:"not null;default:0" json:"execution_order"`
}

// WorkflowExecution records one run of a workflow for a contact. Runs whose
// conditions did not match leave no row.
type WorkflowExecution struct {
	gorm.Model
	WorkflowID uint `gorm:"not null;index" json:"workflow_id"`
	ContactID  uint `gorm:"not null;index" json:"contact_id"`

	TriggeredAt time.Time  `gorm:"not null" json:"triggered_at"`
	Status      string     `gorm:"not null;default:'pending'" json:"status"` // pending, completed, failed
	Error       *string    `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
