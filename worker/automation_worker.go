package worker

import (
	"context"

	"crmflow/queue"
	"crmflow/services"

	"github.com/sirupsen/logrus"
)

// AutomationWorker consumes workflow, sequence and announcement jobs
type AutomationWorker struct {
	Queue         *queue.Queue
	Workflows     *services.WorkflowService
	Sequences     *services.SequenceService
	Announcements *services.AnnouncementService
	Logger        logrus.FieldLogger
}

func NewAutomationWorker(q *queue.Queue, workflows *services.WorkflowService, sequences *services.SequenceService, announcements *services.AnnouncementService, logger logrus.FieldLogger) *AutomationWorker {
	aw := &AutomationWorker{
		Queue:         q,
		Workflows:     workflows,
		Sequences:     sequences,
		Announcements: announcements,
		Logger:        logger.WithField("worker", "automation"),
	}
	aw.register()
	return aw
}

func (aw *AutomationWorker) register() {
	aw.Queue.Register(services.JobExecuteWorkflow, aw.executeWorkflow)
	aw.Queue.Register(services.JobProcessSequenceStep, aw.processSequenceStep)
	aw.Queue.Register(services.JobDeliverAnnouncement, aw.deliverAnnouncement)
}

// Start blocks until ctx is cancelled
func (aw *AutomationWorker) Start(ctx context.Context) error {
	aw.Logger.Info("Automation worker started")
	err := aw.Queue.Run(ctx)
	aw.Logger.Info("Automation worker shutting down...")
	return err
}

func (aw *AutomationWorker) executeWorkflow(ctx context.Context, job *queue.Job) error {
	var p services.ExecuteWorkflowJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	return aw.Workflows.ExecuteWorkflow(ctx, p.WorkflowID, p.ContactID, p.UserID)
}

func (aw *AutomationWorker) processSequenceStep(ctx context.Context, job *queue.Job) error {
	var p services.ProcessStepJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	return aw.Sequences.ProcessStep(ctx, p)
}

func (aw *AutomationWorker) deliverAnnouncement(ctx context.Context, job *queue.Job) error {
	var p services.DeliverAnnouncementJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	return aw.Announcements.Deliver(ctx, p.RecipientID)
}
