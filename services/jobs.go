package services

import (
	"context"

	"crmflow/queue"
)

const (
	JobExecuteWorkflow     = "workflow.execute"
	JobProcessSequenceStep = "sequence.process_step"
	JobDeliverAnnouncement = "announcement.deliver"
)

// Enqueuer is the part of the job queue the services depend on
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...queue.EnqueueOption) (string, error)
}

type ExecuteWorkflowJob struct {
	WorkflowID uint `json:"workflowId"`
	ContactID  uint `json:"contactId"`
	UserID     uint `json:"userId"`
}

// ProcessStepJob delivers step StepIndex of an enrollment. Token must match the
// enrollment's schedule token or the job is dropped.
type ProcessStepJob struct {
	EnrollmentID uint   `json:"enrollmentId"`
	StepIndex    int    `json:"stepIndex"`
	Token        string `json:"token"`
}

type DeliverAnnouncementJob struct {
	RecipientID uint `json:"recipientId"`
}
