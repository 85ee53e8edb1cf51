package services

import (
	"context"
	"fmt"
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/sirupsen/logrus"
)

const (
	PresetDaily   = "daily"
	PresetWeekly  = "weekly"
	PresetMonthly = "monthly"
)

// RunScheduledTriggers fires the presets due at now: daily every hour,
// weekly on Mondays and monthly on the first of the month (UTC).
func (s *WorkflowService) RunScheduledTriggers(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	hour := now.Hour()

	presets := []string{PresetDaily}
	if now.Weekday() == time.Monday {
		presets = append(presets, PresetWeekly)
	}
	if now.Day() == 1 {
		presets = append(presets, PresetMonthly)
	}

	total := 0
	for _, preset := range presets {
		n, err := s.TriggerScheduledWorkflows(ctx, preset, hour)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TriggerScheduledWorkflows enqueues an execution job for every contact of
// each active scheduled workflow configured for preset at hour.
func (s *WorkflowService) TriggerScheduledWorkflows(ctx context.Context, preset string, hour int) (int, error) {
	var workflows []models.Workflow
	err := s.DB.WithContext(ctx).
		Where("trigger_type = ? AND status = ?", models.TriggerScheduled, models.WorkflowStatusActive).
		Order("id ASC").
		Find(&workflows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load scheduled workflows: %w", err)
	}

	enqueued := 0
	for _, wf := range workflows {
		if !scheduleMatches(wf.TriggerConfig, preset, hour) {
			continue
		}

		var contactIDs []uint
		err := s.DB.WithContext(ctx).Model(&models.Contact{}).
			Where("user_id = ?", wf.UserID).
			Order("id ASC").
			Pluck("id", &contactIDs).Error
		if err != nil {
			return enqueued, fmt.Errorf("failed to load contacts for workflow %d: %w", wf.ID, err)
		}

		for _, contactID := range contactIDs {
			_, err := s.Queue.Enqueue(ctx, JobExecuteWorkflow, ExecuteWorkflowJob{
				WorkflowID: wf.ID,
				ContactID:  contactID,
				UserID:     wf.UserID,
			})
			if err != nil {
				return enqueued, fmt.Errorf("failed to enqueue workflow %d: %w", wf.ID, err)
			}
			enqueued++
		}
	}

	utils.LogEvent("scheduled_trigger", map[string]interface{}{
		"preset":   preset,
		"hour":     hour,
		"enqueued": enqueued,
	})
	s.Logger.WithFields(logrus.Fields{"preset": preset, "hour": hour}).Debug("Scheduled sweep finished")
	return enqueued, nil
}

func scheduleMatches(cfg map[string]interface{}, preset string, hour int) bool {
	p, ok := cfg["preset"].(string)
	if !ok || p != preset {
		return false
	}
	h, ok := utils.ParseInt(cfg["hour"])
	return ok && h == hour
}
