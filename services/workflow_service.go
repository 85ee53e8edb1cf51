package services

import (
	"context"
	"fmt"
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WorkflowService owns workflow definitions and runs them: trigger dispatch,
// execution and the scheduled sweep.
type WorkflowService struct {
	DB      *gorm.DB
	Queue   Enqueuer
	Actions *ActionRunner
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

func NewWorkflowService(db *gorm.DB, q Enqueuer, actions *ActionRunner, logger logrus.FieldLogger) *WorkflowService {
	return &WorkflowService{
		DB:      db,
		Queue:   q,
		Actions: actions,
		Logger:  logger.WithField("service", "workflow"),
		Now:     time.Now,
	}
}

func (s *WorkflowService) now() time.Time {
	return s.Now().UTC()
}

type CreateWorkflowInput struct {
	Name          string                 `validate:"required,max=200"`
	TriggerType   models.TriggerType     `validate:"required"`
	TriggerConfig map[string]interface{} `validate:"-"`
	Conditions    []models.Condition     `validate:"-"`
	Status        string                 `validate:"omitempty,oneof=draft active paused"`
}

func (s *WorkflowService) CreateWorkflow(ctx context.Context, userID uint, in CreateWorkflowInput) (*models.Workflow, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}
	if !in.TriggerType.Valid() {
		return nil, invalid("unknown trigger type %q", in.TriggerType)
	}
	for _, c := range in.Conditions {
		if _, ok := operators[c.Op]; !ok {
			return nil, invalid("unknown condition operator %q", c.Op)
		}
	}

	status := in.Status
	if status == "" {
		status = models.WorkflowStatusDraft
	}
	wf := &models.Workflow{
		UserID:        userID,
		Name:          in.Name,
		TriggerType:   in.TriggerType,
		TriggerConfig: in.TriggerConfig,
		Conditions:    in.Conditions,
		Status:        status,
	}
	if err := s.DB.WithContext(ctx).Create(wf).Error; err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return wf, nil
}

// FindWorkflow loads a workflow owned by userID with its actions in execution order
func (s *WorkflowService) FindWorkflow(ctx context.Context, userID, workflowID uint) (*models.Workflow, error) {
	var wf models.Workflow
	err := s.DB.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB {
			return db.Order("execution_order ASC, id ASC")
		}).
		Where("id = ? AND user_id = ?", workflowID, userID).
		First(&wf).Error
	if isNotFound(err) {
		return nil, notFound("workflow", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return &wf, nil
}

func (s *WorkflowService) UpdateWorkflowStatus(ctx context.Context, userID, workflowID uint, status string) error {
	switch status {
	case models.WorkflowStatusDraft, models.WorkflowStatusActive, models.WorkflowStatusPaused:
	default:
		return invalid("unknown workflow status %q", status)
	}

	res := s.DB.WithContext(ctx).Model(&models.Workflow{}).
		Where("id = ? AND user_id = ?", workflowID, userID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update workflow status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("workflow", workflowID)
	}
	return nil
}

type AddActionInput struct {
	ActionType     models.ActionType      `validate:"required"`
	ActionConfig   map[string]interface{} `validate:"-"`
	ExecutionOrder int                    `validate:"min=0"`
}

func (s *WorkflowService) AddAction(ctx context.Context, userID, workflowID uint, in AddActionInput) (*models.WorkflowAction, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}

	wf, err := s.ownedWorkflow(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}

	action := &models.WorkflowAction{
		WorkflowID:     wf.ID,
		ActionType:     in.ActionType,
		ActionConfig:   in.ActionConfig,
		ExecutionOrder: in.ExecutionOrder,
	}
	if err := s.DB.WithContext(ctx).Create(action).Error; err != nil {
		return nil, fmt.Errorf("failed to add action: %w", err)
	}
	return action, nil
}

// FindExecutions returns the newest executions of a workflow first
func (s *WorkflowService) FindExecutions(ctx context.Context, userID, workflowID uint, limit int) ([]models.WorkflowExecution, error) {
	if _, err := s.FindWorkflow(ctx, userID, workflowID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var executions []models.WorkflowExecution
	err := s.DB.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("triggered_at DESC, id DESC").
		Limit(limit).
		Find(&executions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}
	return executions, nil
}

// ListWorkflows returns the user's workflows, newest first
func (s *WorkflowService) ListWorkflows(ctx context.Context, userID uint) ([]models.Workflow, error) {
	var workflows []models.Workflow
	err := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&workflows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}
	return workflows, nil
}

// UpdateWorkflowInput patches the fields that are set
type UpdateWorkflowInput struct {
	Name          *string                `validate:"omitempty,min=1,max=200"`
	TriggerType   *models.TriggerType    `validate:"-"`
	TriggerConfig map[string]interface{} `validate:"-"`
	Conditions    *[]models.Condition    `validate:"-"`
	Status        *string                `validate:"omitempty,oneof=draft active paused"`
}

func (s *WorkflowService) UpdateWorkflow(ctx context.Context, userID, workflowID uint, in UpdateWorkflowInput) (*models.Workflow, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}
	if in.TriggerType != nil && !in.TriggerType.Valid() {
		return nil, invalid("unknown trigger type %q", *in.TriggerType)
	}
	if in.Conditions != nil {
		for _, c := range *in.Conditions {
			if _, ok := operators[c.Op]; !ok {
				return nil, invalid("unknown condition operator %q", c.Op)
			}
		}
	}

	wf, err := s.ownedWorkflow(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		wf.Name = *in.Name
	}
	if in.TriggerType != nil {
		wf.TriggerType = *in.TriggerType
	}
	if in.TriggerConfig != nil {
		wf.TriggerConfig = in.TriggerConfig
	}
	if in.Conditions != nil {
		wf.Conditions = *in.Conditions
	}
	if in.Status != nil {
		wf.Status = *in.Status
	}

	err = s.DB.WithContext(ctx).Model(wf).
		Select("Name", "TriggerType", "TriggerConfig", "Conditions", "Status", "UpdatedAt").
		Updates(wf).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	return wf, nil
}

// DeleteWorkflow removes a workflow and its actions. Jobs already queued for it
// find no workflow and end quietly.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, userID, workflowID uint) error {
	wf, err := s.ownedWorkflow(ctx, userID, workflowID)
	if err != nil {
		return err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workflow_id = ?", wf.ID).Delete(&models.WorkflowAction{}).Error; err != nil {
			return err
		}
		return tx.Delete(wf).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	s.Logger.WithField("workflow_id", wf.ID).Info("Workflow deleted")
	return nil
}

func (s *WorkflowService) ownedWorkflow(ctx context.Context, userID, workflowID uint) (*models.Workflow, error) {
	var wf models.Workflow
	err := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", workflowID, userID).First(&wf).Error
	if isNotFound(err) {
		return nil, notFound("workflow", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return &wf, nil
}

func (s *WorkflowService) findAction(ctx context.Context, userID, workflowID, actionID uint) (*models.WorkflowAction, error) {
	if _, err := s.ownedWorkflow(ctx, userID, workflowID); err != nil {
		return nil, err
	}

	var action models.WorkflowAction
	err := s.DB.WithContext(ctx).Where("id = ? AND workflow_id = ?", actionID, workflowID).First(&action).Error
	if isNotFound(err) {
		return nil, notFound("action", actionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load action: %w", err)
	}
	return &action, nil
}

type UpdateActionInput struct {
	ActionType     *models.ActionType     `validate:"-"`
	ActionConfig   map[string]interface{} `validate:"-"`
	ExecutionOrder *int                   `validate:"omitempty,min=0"`
}

// UpdateAction changes an action in place. Runs started afterwards use the new
// type, config and position.
func (s *WorkflowService) UpdateAction(ctx context.Context, userID, workflowID, actionID uint, in UpdateActionInput) (*models.WorkflowAction, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}
	if in.ActionType != nil && *in.ActionType == "" {
		return nil, invalid("action type is required")
	}

	action, err := s.findAction(ctx, userID, workflowID, actionID)
	if err != nil {
		return nil, err
	}

	if in.ActionType != nil {
		action.ActionType = *in.ActionType
	}
	if in.ActionConfig != nil {
		action.ActionConfig = in.ActionConfig
	}
	if in.ExecutionOrder != nil {
		action.ExecutionOrder = *in.ExecutionOrder
	}

	err = s.DB.WithContext(ctx).Model(action).
		Select("ActionType", "ActionConfig", "ExecutionOrder", "UpdatedAt").
		Updates(action).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update action: %w", err)
	}
	return action, nil
}

func (s *WorkflowService) RemoveAction(ctx context.Context, userID, workflowID, actionID uint) error {
	action, err := s.findAction(ctx, userID, workflowID, actionID)
	if err != nil {
		return err
	}
	if err := s.DB.WithContext(ctx).Delete(action).Error; err != nil {
		return fmt.Errorf("failed to remove action: %w", err)
	}
	return nil
}
