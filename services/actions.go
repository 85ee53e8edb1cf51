package services

import (
	"context"
	"errors"
	"fmt"

	"crmflow/models"
	"crmflow/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultMessageSubject = "A message for you"

// ActionContext is what an action sees: the owning user, the contact being
// processed (mutable) and the action's own configuration.
type ActionContext struct {
	UserID  uint
	Contact *models.Contact
	Config  map[string]interface{}
}

type ActionFunc func(ctx context.Context, ac ActionContext) error

// Enroller enrolls a contact into a sequence
type Enroller interface {
	Enroll(ctx context.Context, userID, sequenceID, contactID uint) (*models.SequenceEnrollment, error)
}

type registeredAction struct {
	run        ActionFunc
	idempotent bool
}

// ActionRunner executes workflow actions by type. Actions flagged idempotent
// are safe to repeat when a failed execution is retried; the others may
// duplicate their side effect.
type ActionRunner struct {
	DB       *gorm.DB
	Notifier utils.Notifier
	Enroller Enroller
	From     string
	Logger   logrus.FieldLogger

	actions map[models.ActionType]registeredAction
}

func NewActionRunner(db *gorm.DB, notifier utils.Notifier, enroller Enroller, from string, logger logrus.FieldLogger) *ActionRunner {
	r := &ActionRunner{
		DB:       db,
		Notifier: notifier,
		Enroller: enroller,
		From:     from,
		Logger:   logger,
		actions:  make(map[models.ActionType]registeredAction),
	}
	r.Register(models.ActionAddToSequence, r.addToSequence, true)
	r.Register(models.ActionAddTag, r.addTag, true)
	r.Register(models.ActionSendMessage, r.sendMessage, false)
	return r
}

func (r *ActionRunner) Register(actionType models.ActionType, fn ActionFunc, idempotent bool) {
	r.actions[actionType] = registeredAction{run: fn, idempotent: idempotent}
}

func (r *ActionRunner) Idempotent(actionType models.ActionType) bool {
	return r.actions[actionType].idempotent
}

// Run executes one action. Unknown action types do nothing.
func (r *ActionRunner) Run(ctx context.Context, userID uint, contact *models.Contact, action models.WorkflowAction) error {
	registered, ok := r.actions[action.ActionType]
	if !ok {
		r.Logger.WithFields(logrus.Fields{
			"action_id":   action.ID,
			"action_type": action.ActionType,
		}).Debug("Skipping unknown action type")
		return nil
	}

	cfg := action.ActionConfig
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	if err := registered.run(ctx, ActionContext{UserID: userID, Contact: contact, Config: cfg}); err != nil {
		return fmt.Errorf("action %s (%d): %w", action.ActionType, action.ID, err)
	}
	return nil
}

func (r *ActionRunner) addToSequence(ctx context.Context, ac ActionContext) error {
	sequenceID, ok := utils.ParseUint(ac.Config["sequenceId"])
	if !ok {
		return nil
	}

	_, err := r.Enroller.Enroll(ctx, ac.UserID, sequenceID, ac.Contact.ID)
	if errors.Is(err, ErrAlreadyEnrolled) {
		return nil
	}
	return err
}

func (r *ActionRunner) addTag(ctx context.Context, ac ActionContext) error {
	tag, ok := utils.StringValue(ac.Config["tag"])
	if !ok || ac.Contact.HasTag(tag) {
		return nil
	}

	tags := make([]string, 0, len(ac.Contact.Tags)+1)
	tags = append(tags, ac.Contact.Tags...)
	tags = append(tags, tag)

	err := r.DB.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ?", ac.Contact.ID).
		Select("Tags", "UpdatedAt").
		Updates(&models.Contact{Tags: tags}).Error
	if err != nil {
		return fmt.Errorf("failed to add tag: %w", err)
	}

	ac.Contact.Tags = tags
	return nil
}

func (r *ActionRunner) sendMessage(ctx context.Context, ac ActionContext) error {
	if !utils.IsEmailCapable(ac.Contact.Email) {
		return nil
	}

	subject, ok := ac.Config["subject"].(string)
	if !ok {
		subject = defaultMessageSubject
	}
	body, _ := ac.Config["body"].(string)

	receipt, err := r.Notifier.Send(ctx, utils.Message{
		Channel: utils.ChannelEmail,
		From:    r.From,
		To:      *ac.Contact.Email,
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return err
	}

	r.Logger.WithFields(logrus.Fields{
		"contact_id": ac.Contact.ID,
		"receipt":    receipt,
	}).Debug("Workflow message sent")
	return nil
}
