package services

import (
	"context"
	"fmt"

	"crmflow/models"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
)

const (
	triggerPause    = "pause"
	triggerResume   = "resume"
	triggerCancel   = "cancel"
	triggerComplete = "complete"
)

var statusTriggers = map[string]string{
	models.EnrollmentStatusPaused:    triggerPause,
	models.EnrollmentStatusActive:    triggerResume,
	models.EnrollmentStatusCancelled: triggerCancel,
	models.EnrollmentStatusCompleted: triggerComplete,
}

func enrollmentMachine(status string) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(status)

	fsm.Configure(models.EnrollmentStatusActive).
		Permit(triggerPause, models.EnrollmentStatusPaused).
		Permit(triggerCancel, models.EnrollmentStatusCancelled).
		Permit(triggerComplete, models.EnrollmentStatusCompleted)

	fsm.Configure(models.EnrollmentStatusPaused).
		Permit(triggerResume, models.EnrollmentStatusActive).
		Permit(triggerCancel, models.EnrollmentStatusCancelled)

	fsm.Configure(models.EnrollmentStatusCompleted)
	fsm.Configure(models.EnrollmentStatusCancelled)
	return fsm
}

// UpdateEnrollmentStatus moves an enrollment through its lifecycle. Resuming
// reschedules the current step from now under a fresh schedule token, which
// retires any job queued before the pause. Pausing and cancelling clear the
// token so pending jobs stop.
func (s *SequenceService) UpdateEnrollmentStatus(ctx context.Context, userID, enrollmentID uint, status string) (*models.SequenceEnrollment, error) {
	trigger, ok := statusTriggers[status]
	if !ok {
		return nil, invalid("unknown enrollment status %q", status)
	}

	enrollment, err := s.ownedEnrollment(ctx, userID, enrollmentID)
	if err != nil {
		return nil, err
	}

	fsm := enrollmentMachine(enrollment.Status)
	if err := fsm.FireCtx(ctx, trigger); err != nil {
		return nil, invalid("cannot change enrollment from %s to %s", enrollment.Status, status)
	}

	updates := map[string]interface{}{
		"status":         status,
		"next_step_at":   nil,
		"schedule_token": "",
	}

	if status == models.EnrollmentStatusActive {
		steps, err := s.steps(ctx, enrollment.SequenceID)
		if err != nil {
			return nil, err
		}
		if enrollment.CurrentStepIndex >= len(steps) {
			updates["status"] = models.EnrollmentStatusCompleted
		} else {
			step := steps[enrollment.CurrentStepIndex]
			next := NextStepAt(s.now(), step.DayOffset, step.Hour())
			job := ProcessStepJob{
				EnrollmentID: enrollment.ID,
				StepIndex:    enrollment.CurrentStepIndex,
				Token:        uuid.NewString(),
			}
			// queued first; if the update below fails the job's token matches nothing
			if err := s.scheduleStep(ctx, job, next); err != nil {
				return nil, err
			}
			updates["next_step_at"] = next
			updates["schedule_token"] = job.Token
		}
	}

	res := s.DB.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, enrollment.Status).
		Updates(updates)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, fmt.Errorf("failed to update enrollment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: enrollment %d changed concurrently", ErrConflict, enrollment.ID)
	}

	return s.ownedEnrollment(ctx, userID, enrollment.ID)
}
