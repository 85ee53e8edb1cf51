package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SequenceStatusDraft  = "draft"
	SequenceStatusActive = "active"
	SequenceStatusPaused = "paused"
)

const (
	EnrollmentStatusActive    = "active"
	EnrollmentStatusPaused    = "paused"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusCancelled = "cancelled"
)

const (
	StepLogStatusPending   = "pending"
	StepLogStatusCompleted = "completed"
	StepLogStatusFailed    = "failed"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// DefaultSendHour is the UTC hour used by steps without an explicit hour.
const DefaultSendHour = 9

// Sequence represents a multi-day drip campaign
type Sequence struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"not null;default:'draft'" json:"status"` // draft, active, paused

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep is delivered DayOffset days after the previous step at SendHour UTC
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepOrder int    `gorm:"not null" json:"step_order"`
	DayOffset int    `gorm:"not null;default:0" json:"day_offset"`
	SendHour  *int   `json:"send_hour,omitempty"`
	Channel   string `gorm:"not null;default:'email'" json:"channel"` // email, sms, push
	Content   string `gorm:"type:text" json:"content"`
}

func (s SequenceStep) Hour() int {
	if s.SendHour == nil {
		return DefaultSendHour
	}
	return *s.SendHour
}

// SequenceEnrollment tracks a contact's progress through a sequence. At most one
// active enrollment may exist per contact and sequence.
type SequenceEnrollment struct {
	gorm.Model
	ContactID  uint `gorm:"not null;uniqueIndex:idx_enrollment_active,where:status = 'active'" json:"contact_id"`
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_enrollment_active,where:status = 'active'" json:"sequence_id"`

	EnrolledAt       time.Time  `gorm:"not null" json:"enrolled_at"`
	Status           string     `gorm:"not null;default:'active'" json:"status"` // active, paused, completed, cancelled
	CurrentStepIndex int        `gorm:"not null;default:0" json:"current_step_index"`
	NextStepAt       *time.Time `json:"next_step_at,omitempty"`

	// ScheduleToken identifies the one queued step job allowed to run. Jobs
	// carrying any other token are stale.
	ScheduleToken string `gorm:"size:36" json:"-"`
}

// SequenceStepLog is written once per delivery attempt
type SequenceStepLog struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index" json:"step_id"`

	Channel         string     `gorm:"not null" json:"channel"`
	ContentSnapshot string     `gorm:"type:text" json:"content_snapshot"`
	Status          string     `gorm:"not null;default:'pending'" json:"status"` // pending, completed, failed
	SentAt          *time.Time `json:"sent_at,omitempty"`
	Error           *string    `json:"error,omitempty"`
}
