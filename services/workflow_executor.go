package services

import (
	"context"
	"fmt"

	"crmflow/models"
	"crmflow/utils"

	"github.com/sirupsen/logrus"
)

// ExecuteWorkflow runs a workflow for one contact. Missing or foreign records
// and inactive workflows end the job quietly. When conditions do not match no
// execution is recorded. An action failure marks the execution failed and is
// returned so the job is retried from the first action.
func (s *WorkflowService) ExecuteWorkflow(ctx context.Context, workflowID, contactID, userID uint) error {
	log := s.Logger.WithFields(logrus.Fields{
		"workflow_id": workflowID,
		"contact_id":  contactID,
	})

	var wf models.Workflow
	err := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", workflowID, userID).First(&wf).Error
	if isNotFound(err) {
		log.Debug("Workflow gone, skipping execution")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	if wf.Status != models.WorkflowStatusActive {
		log.WithField("status", wf.Status).Debug("Workflow no longer active, skipping execution")
		return nil
	}

	var contact models.Contact
	err = s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", contactID, userID).First(&contact).Error
	if isNotFound(err) {
		log.Debug("Contact gone, skipping execution")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}

	if !EvaluateConditions(contact.Snapshot(), wf.Conditions) {
		log.Debug("Conditions not met")
		return nil
	}

	var actions []models.WorkflowAction
	err = s.DB.WithContext(ctx).
		Where("workflow_id = ?", wf.ID).
		Order("execution_order ASC, id ASC").
		Find(&actions).Error
	if err != nil {
		return fmt.Errorf("failed to load actions: %w", err)
	}

	execution := models.WorkflowExecution{
		WorkflowID:  wf.ID,
		ContactID:   contact.ID,
		TriggeredAt: s.now(),
		Status:      models.ExecutionStatusPending,
	}
	if err := s.DB.WithContext(ctx).Create(&execution).Error; err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	for _, action := range actions {
		if err := s.Actions.Run(ctx, userID, &contact, action); err != nil {
			s.finishExecution(ctx, &execution, err)
			return err
		}
	}

	s.finishExecution(ctx, &execution, nil)
	return nil
}

func (s *WorkflowService) finishExecution(ctx context.Context, execution *models.WorkflowExecution, runErr error) {
	completedAt := s.now()
	updates := map[string]interface{}{
		"status":       models.ExecutionStatusCompleted,
		"completed_at": completedAt,
	}
	if runErr != nil {
		updates["status"] = models.ExecutionStatusFailed
		updates["error"] = utils.Truncate(runErr.Error(), 2000)
	}

	if err := s.DB.WithContext(ctx).Model(execution).Updates(updates).Error; err != nil {
		utils.LogError("execution_update", err, map[string]interface{}{
			"execution_id": execution.ID,
			"workflow_id":  execution.WorkflowID,
		})
	}
}
