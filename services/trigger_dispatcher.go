package services

import (
	"context"
	"fmt"

	"crmflow/models"
	"crmflow/utils"

	"github.com/sirupsen/logrus"
)

// EventMeta carries event-specific data. Tag is set for tag_added events.
type EventMeta struct {
	Tag string
}

// TriggerEvent enqueues one execution job per active workflow of userID that
// listens for eventType. A tag_added workflow configured with a tag only
// matches events for that tag.
func (s *WorkflowService) TriggerEvent(ctx context.Context, eventType models.TriggerType, contactID, userID uint, meta EventMeta) error {
	if !eventType.Valid() {
		return invalid("unknown event type %q", eventType)
	}

	var workflows []models.Workflow
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND trigger_type = ? AND status = ?", userID, eventType, models.WorkflowStatusActive).
		Order("id ASC").
		Find(&workflows).Error
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	enqueued := 0
	for _, wf := range workflows {
		if eventType == models.TriggerTagAdded {
			if tag, ok := utils.StringValue(wf.TriggerConfig["tag"]); ok && tag != meta.Tag {
				continue
			}
		}

		_, err := s.Queue.Enqueue(ctx, JobExecuteWorkflow, ExecuteWorkflowJob{
			WorkflowID: wf.ID,
			ContactID:  contactID,
			UserID:     userID,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue workflow %d: %w", wf.ID, err)
		}
		enqueued++
	}

	s.Logger.WithFields(logrus.Fields{
		"event":      eventType,
		"contact_id": contactID,
		"user_id":    userID,
		"enqueued":   enqueued,
	}).Debug("Trigger event dispatched")
	return nil
}
