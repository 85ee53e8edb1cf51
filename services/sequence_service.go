package services

import (
	"context"
	"fmt"
	"time"

	"crmflow/models"
	"crmflow/queue"
	"crmflow/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SequenceService enrolls contacts into sequences and delivers their steps
type SequenceService struct {
	DB       *gorm.DB
	Queue    Enqueuer
	Notifier utils.Notifier
	From     string
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

func NewSequenceService(db *gorm.DB, q Enqueuer, notifier utils.Notifier, from string, logger logrus.FieldLogger) *SequenceService {
	return &SequenceService{
		DB:       db,
		Queue:    q,
		Notifier: notifier,
		From:     from,
		Logger:   logger.WithField("service", "sequence"),
		Now:      time.Now,
	}
}

func (s *SequenceService) now() time.Time {
	return s.Now().UTC()
}

// NextStepAt returns sendHour:00 UTC on the day dayOffset days after now,
// pushed one more day when that instant is not after now.
func NextStepAt(now time.Time, dayOffset, sendHour int) time.Time {
	now = now.UTC()
	target := time.Date(now.Year(), now.Month(), now.Day()+dayOffset, sendHour, 0, 0, 0, time.UTC)
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

type CreateSequenceInput struct {
	Name        string `validate:"required,max=200"`
	Description string `validate:"max=2000"`
	Status      string `validate:"omitempty,oneof=draft active paused"`
}

func (s *SequenceService) CreateSequence(ctx context.Context, userID uint, in CreateSequenceInput) (*models.Sequence, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}
	status := in.Status
	if status == "" {
		status = models.SequenceStatusDraft
	}

	seq := &models.Sequence{
		UserID:      userID,
		Name:        in.Name,
		Description: in.Description,
		Status:      status,
	}
	if err := s.DB.WithContext(ctx).Create(seq).Error; err != nil {
		return nil, fmt.Errorf("failed to create sequence: %w", err)
	}
	return seq, nil
}

func (s *SequenceService) FindSequence(ctx context.Context, userID, sequenceID uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.DB.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC, id ASC")
		}).
		Where("id = ? AND user_id = ?", sequenceID, userID).
		First(&seq).Error
	if isNotFound(err) {
		return nil, notFound("sequence", sequenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}
	return &seq, nil
}

func (s *SequenceService) UpdateSequenceStatus(ctx context.Context, userID, sequenceID uint, status string) error {
	switch status {
	case models.SequenceStatusDraft, models.SequenceStatusActive, models.SequenceStatusPaused:
	default:
		return invalid("unknown sequence status %q", status)
	}

	res := s.DB.WithContext(ctx).Model(&models.Sequence{}).
		Where("id = ? AND user_id = ?", sequenceID, userID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update sequence status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("sequence", sequenceID)
	}
	return nil
}

type AddStepInput struct {
	StepOrder int    `validate:"min=0"`
	DayOffset int    `validate:"min=0"`
	SendHour  *int   `validate:"omitempty,min=0,max=23"`
	Channel   string `validate:"required,oneof=email sms push"`
	Content   string `validate:"required"`
}

func (s *SequenceService) AddStep(ctx context.Context, userID, sequenceID uint, in AddStepInput) (*models.SequenceStep, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}

	seq, err := s.ownedSequence(ctx, userID, sequenceID)
	if err != nil {
		return nil, err
	}

	step := &models.SequenceStep{
		SequenceID: seq.ID,
		StepOrder:  in.StepOrder,
		DayOffset:  in.DayOffset,
		SendHour:   in.SendHour,
		Channel:    in.Channel,
		Content:    in.Content,
	}
	if err := s.DB.WithContext(ctx).Create(step).Error; err != nil {
		return nil, fmt.Errorf("failed to add step: %w", err)
	}
	return step, nil
}

// SequenceSummary is a sequence row with its number of steps
type SequenceSummary struct {
	models.Sequence
	StepCount int64 `json:"step_count"`
}

// ListSequences returns the user's sequences, newest first
func (s *SequenceService) ListSequences(ctx context.Context, userID uint) ([]SequenceSummary, error) {
	var out []SequenceSummary
	err := s.DB.WithContext(ctx).Model(&models.Sequence{}).
		Select("sequences.*, (SELECT COUNT(*) FROM sequence_steps WHERE sequence_steps.sequence_id = sequences.id AND sequence_steps.deleted_at IS NULL) AS step_count").
		Where("sequences.user_id = ? AND sequences.deleted_at IS NULL", userID).
		Order("sequences.created_at DESC, sequences.id DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sequences: %w", err)
	}
	return out, nil
}

type UpdateSequenceInput struct {
	Name        *string `validate:"omitempty,min=1,max=200"`
	Description *string `validate:"omitempty,max=2000"`
	Status      *string `validate:"omitempty,oneof=draft active paused"`
}

// UpdateSequence patches a sequence. A paused or draft sequence accepts no new
// enrollments; existing enrollments keep running.
func (s *SequenceService) UpdateSequence(ctx context.Context, userID, sequenceID uint, in UpdateSequenceInput) (*models.Sequence, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}

	seq, err := s.ownedSequence(ctx, userID, sequenceID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		seq.Name = *in.Name
	}
	if in.Description != nil {
		seq.Description = *in.Description
	}
	if in.Status != nil {
		seq.Status = *in.Status
	}

	err = s.DB.WithContext(ctx).Model(seq).
		Select("Name", "Description", "Status", "UpdatedAt").
		Updates(seq).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update sequence: %w", err)
	}
	return seq, nil
}

// DeleteSequence removes a sequence with its steps and cancels its running
// enrollments so their queued jobs stop.
func (s *SequenceService) DeleteSequence(ctx context.Context, userID, sequenceID uint) error {
	seq, err := s.ownedSequence(ctx, userID, sequenceID)
	if err != nil {
		return err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.SequenceEnrollment{}).
			Where("sequence_id = ? AND status IN ?", seq.ID, []string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
			Updates(map[string]interface{}{
				"status":         models.EnrollmentStatusCancelled,
				"next_step_at":   nil,
				"schedule_token": "",
			}).Error
		if err != nil {
			return err
		}
		if err := tx.Where("sequence_id = ?", seq.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return tx.Delete(seq).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete sequence: %w", err)
	}

	s.Logger.WithField("sequence_id", seq.ID).Info("Sequence deleted")
	return nil
}

type UpdateStepInput struct {
	StepOrder *int    `validate:"omitempty,min=0"`
	DayOffset *int    `validate:"omitempty,min=0"`
	SendHour  *int    `validate:"omitempty,min=0,max=23"`
	Channel   *string `validate:"omitempty,oneof=email sms push"`
	Content   *string `validate:"omitempty,min=1"`
}

// UpdateStep edits a step in place. Enrollments pick up the new content and
// position the next time a step job runs; already scheduled times stay.
func (s *SequenceService) UpdateStep(ctx context.Context, userID, sequenceID, stepID uint, in UpdateStepInput) (*models.SequenceStep, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}

	step, err := s.findStep(ctx, userID, sequenceID, stepID)
	if err != nil {
		return nil, err
	}
	if in.StepOrder != nil {
		step.StepOrder = *in.StepOrder
	}
	if in.DayOffset != nil {
		step.DayOffset = *in.DayOffset
	}
	if in.SendHour != nil {
		step.SendHour = in.SendHour
	}
	if in.Channel != nil {
		step.Channel = *in.Channel
	}
	if in.Content != nil {
		step.Content = *in.Content
	}

	err = s.DB.WithContext(ctx).Model(step).
		Select("StepOrder", "DayOffset", "SendHour", "Channel", "Content", "UpdatedAt").
		Updates(step).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}
	return step, nil
}

// RemoveStep deletes a step. Enrollments positioned past the new last step
// complete when their next job runs.
func (s *SequenceService) RemoveStep(ctx context.Context, userID, sequenceID, stepID uint) error {
	step, err := s.findStep(ctx, userID, sequenceID, stepID)
	if err != nil {
		return err
	}
	if err := s.DB.WithContext(ctx).Delete(step).Error; err != nil {
		return fmt.Errorf("failed to remove step: %w", err)
	}
	return nil
}

func (s *SequenceService) ownedSequence(ctx context.Context, userID, sequenceID uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", sequenceID, userID).First(&seq).Error
	if isNotFound(err) {
		return nil, notFound("sequence", sequenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}
	return &seq, nil
}

func (s *SequenceService) findStep(ctx context.Context, userID, sequenceID, stepID uint) (*models.SequenceStep, error) {
	if _, err := s.ownedSequence(ctx, userID, sequenceID); err != nil {
		return nil, err
	}

	var step models.SequenceStep
	err := s.DB.WithContext(ctx).Where("id = ? AND sequence_id = ?", stepID, sequenceID).First(&step).Error
	if isNotFound(err) {
		return nil, notFound("step", stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step: %w", err)
	}
	return &step, nil
}

func (s *SequenceService) steps(ctx context.Context, sequenceID uint) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := s.DB.WithContext(ctx).
		Where("sequence_id = ?", sequenceID).
		Order("step_order ASC, id ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	return steps, nil
}

// Enroll starts contactID on the first step of sequenceID
func (s *SequenceService) Enroll(ctx context.Context, userID, sequenceID, contactID uint) (*models.SequenceEnrollment, error) {
	seq, err := s.ownedSequence(ctx, userID, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceStatusActive {
		return nil, invalid("sequence %d is not active", seq.ID)
	}

	var contact models.Contact
	err = s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", contactID, userID).First(&contact).Error
	if isNotFound(err) {
		return nil, notFound("contact", contactID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}

	steps, err := s.steps(ctx, seq.ID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, invalid("sequence %d has no steps", seq.ID)
	}

	var active int64
	err = s.DB.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("contact_id = ? AND sequence_id = ? AND status = ?", contact.ID, seq.ID, models.EnrollmentStatusActive).
		Count(&active).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check enrollment: %w", err)
	}
	if active > 0 {
		return nil, ErrAlreadyEnrolled
	}

	now := s.now()
	next := NextStepAt(now, steps[0].DayOffset, steps[0].Hour())
	enrollment := &models.SequenceEnrollment{
		ContactID:        contact.ID,
		SequenceID:       seq.ID,
		EnrolledAt:       now,
		Status:           models.EnrollmentStatusActive,
		CurrentStepIndex: 0,
		NextStepAt:       &next,
		ScheduleToken:    uuid.NewString(),
	}
	if err := s.DB.WithContext(ctx).Create(enrollment).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	job := ProcessStepJob{EnrollmentID: enrollment.ID, StepIndex: 0, Token: enrollment.ScheduleToken}
	if err := s.scheduleStep(ctx, job, next); err != nil {
		// no job means the enrollment would never advance
		if delErr := s.DB.WithContext(ctx).Unscoped().Delete(enrollment).Error; delErr != nil {
			utils.LogError("enrollment_rollback", delErr, map[string]interface{}{"enrollment_id": enrollment.ID})
		}
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"sequence_id":   seq.ID,
		"contact_id":    contact.ID,
		"next_step_at":  next.Format(time.RFC3339),
	}).Info("Contact enrolled")
	return enrollment, nil
}

func (s *SequenceService) scheduleStep(ctx context.Context, job ProcessStepJob, at time.Time) error {
	_, err := s.Queue.Enqueue(ctx, JobProcessSequenceStep, job, queue.WithRunAt(at))
	if err != nil {
		return fmt.Errorf("failed to schedule step for enrollment %d: %w", job.EnrollmentID, err)
	}
	return nil
}

// ProcessStep delivers the current step of an active enrollment, logs the
// attempt and advances the enrollment. Jobs whose step index or token no longer
// match the enrollment are dropped. Delivery failures are returned after being
// logged so the job is retried.
func (s *SequenceService) ProcessStep(ctx context.Context, job ProcessStepJob) error {
	var enrollment models.SequenceEnrollment
	err := s.DB.WithContext(ctx).First(&enrollment, job.EnrollmentID).Error
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load enrollment: %w", err)
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil
	}

	log := s.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"step_index":    enrollment.CurrentStepIndex,
	})
	if job.Token == "" || job.Token != enrollment.ScheduleToken || job.StepIndex != enrollment.CurrentStepIndex {
		log.WithField("job_step_index", job.StepIndex).Debug("Dropping stale step job")
		return nil
	}

	steps, err := s.steps(ctx, enrollment.SequenceID)
	if err != nil {
		return err
	}
	if enrollment.CurrentStepIndex < 0 {
		return nil
	}
	if enrollment.CurrentStepIndex >= len(steps) {
		// steps were removed from under the enrollment
		return s.complete(ctx, &enrollment, log)
	}
	step := steps[enrollment.CurrentStepIndex]
	log = log.WithField("step_id", step.ID)

	stepLog := models.SequenceStepLog{
		EnrollmentID:    enrollment.ID,
		StepID:          step.ID,
		Channel:         step.Channel,
		ContentSnapshot: step.Content,
		Status:          models.StepLogStatusPending,
	}
	if err := s.DB.WithContext(ctx).Create(&stepLog).Error; err != nil {
		return fmt.Errorf("failed to create step log: %w", err)
	}

	to, deliverable := s.recipient(ctx, enrollment.ContactID, step.Channel)
	if !deliverable {
		log.Warn("No address for step channel, skipping delivery")
		s.finishStepLog(ctx, &stepLog, fmt.Errorf("contact %d has no %s address", enrollment.ContactID, step.Channel))
	} else {
		_, sendErr := s.Notifier.Send(ctx, utils.Message{
			Channel: step.Channel,
			From:    s.From,
			To:      to,
			Subject: "",
			Text:    step.Content,
		})
		s.finishStepLog(ctx, &stepLog, sendErr)
		if sendErr != nil {
			return fmt.Errorf("failed to deliver step %d: %w", step.ID, sendErr)
		}
	}

	return s.advance(ctx, &enrollment, steps, log)
}

func (s *SequenceService) recipient(ctx context.Context, contactID uint, channel string) (string, bool) {
	var contact models.Contact
	if err := s.DB.WithContext(ctx).First(&contact, contactID).Error; err != nil {
		return "", false
	}
	return channelAddress(&contact, channel)
}

func (s *SequenceService) finishStepLog(ctx context.Context, stepLog *models.SequenceStepLog, sendErr error) {
	updates := map[string]interface{}{}
	if sendErr != nil {
		updates["status"] = models.StepLogStatusFailed
		updates["error"] = utils.Truncate(sendErr.Error(), 2000)
	} else {
		updates["status"] = models.StepLogStatusCompleted
		updates["sent_at"] = s.now()
	}

	if err := s.DB.WithContext(ctx).Model(stepLog).Updates(updates).Error; err != nil {
		utils.LogError("step_log_update", err, map[string]interface{}{"step_log_id": stepLog.ID})
	}
}

// guarded scopes an update to the enrollment as this job saw it
func (s *SequenceService) guarded(ctx context.Context, enrollment *models.SequenceEnrollment) *gorm.DB {
	return s.DB.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ? AND current_step_index = ? AND schedule_token = ?",
			enrollment.ID, models.EnrollmentStatusActive, enrollment.CurrentStepIndex, enrollment.ScheduleToken)
}

func (s *SequenceService) complete(ctx context.Context, enrollment *models.SequenceEnrollment, log logrus.FieldLogger) error {
	err := s.guarded(ctx, enrollment).Updates(map[string]interface{}{
		"status":         models.EnrollmentStatusCompleted,
		"next_step_at":   nil,
		"schedule_token": "",
	}).Error
	if err != nil {
		return fmt.Errorf("failed to complete enrollment: %w", err)
	}
	log.Info("Enrollment completed")
	return nil
}

// advance moves the enrollment past its current step. The next job is queued
// before the row is updated; if the update then loses a race the job carries a
// token nothing matches and is dropped when it fires. If queueing fails the row
// is left on the current step so the retried job delivers it again.
func (s *SequenceService) advance(ctx context.Context, enrollment *models.SequenceEnrollment, steps []models.SequenceStep, log logrus.FieldLogger) error {
	nextIndex := enrollment.CurrentStepIndex + 1
	if nextIndex >= len(steps) {
		return s.complete(ctx, enrollment, log)
	}

	nextStep := steps[nextIndex]
	next := NextStepAt(s.now(), nextStep.DayOffset, nextStep.Hour())
	job := ProcessStepJob{EnrollmentID: enrollment.ID, StepIndex: nextIndex, Token: uuid.NewString()}
	if err := s.scheduleStep(ctx, job, next); err != nil {
		return err
	}

	res := s.guarded(ctx, enrollment).Updates(map[string]interface{}{
		"current_step_index": nextIndex,
		"next_step_at":       next,
		"schedule_token":     job.Token,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to advance enrollment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// paused or cancelled while the step was delivered
		return nil
	}

	log.WithField("next_step_at", next.Format(time.RFC3339)).Debug("Enrollment advanced")
	return nil
}

func (s *SequenceService) FindEnrollments(ctx context.Context, userID, sequenceID uint) ([]models.SequenceEnrollment, error) {
	seq, err := s.ownedSequence(ctx, userID, sequenceID)
	if err != nil {
		return nil, err
	}

	var enrollments []models.SequenceEnrollment
	err = s.DB.WithContext(ctx).
		Where("sequence_id = ?", seq.ID).
		Order("enrolled_at DESC, id DESC").
		Find(&enrollments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}
	return enrollments, nil
}

// FindStepLogs returns the delivery attempts of an enrollment, oldest first
func (s *SequenceService) FindStepLogs(ctx context.Context, userID, enrollmentID uint) ([]models.SequenceStepLog, error) {
	if _, err := s.ownedEnrollment(ctx, userID, enrollmentID); err != nil {
		return nil, err
	}

	var logs []models.SequenceStepLog
	err := s.DB.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load step logs: %w", err)
	}
	return logs, nil
}

func (s *SequenceService) ownedEnrollment(ctx context.Context, userID, enrollmentID uint) (*models.SequenceEnrollment, error) {
	var enrollment models.SequenceEnrollment
	err := s.DB.WithContext(ctx).
		Joins("JOIN sequences ON sequences.id = sequence_enrollments.sequence_id").
		Where("sequence_enrollments.id = ? AND sequences.user_id = ?", enrollmentID, userID).
		First(&enrollment).Error
	if isNotFound(err) {
		return nil, notFound("enrollment", enrollmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment: %w", err)
	}
	return &enrollment, nil
}
