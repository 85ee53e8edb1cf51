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

// AnnouncementService broadcasts one message to a filtered audience and keeps
// per-recipient delivery state.
type AnnouncementService struct {
	DB       *gorm.DB
	Queue    Enqueuer
	Notifier utils.Notifier
	From     string
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

func NewAnnouncementService(db *gorm.DB, q Enqueuer, notifier utils.Notifier, from string, logger logrus.FieldLogger) *AnnouncementService {
	return &AnnouncementService{
		DB:       db,
		Queue:    q,
		Notifier: notifier,
		From:     from,
		Logger:   logger.WithField("service", "announcement"),
		Now:      time.Now,
	}
}

type CreateAnnouncementInput struct {
	Title   string `validate:"required,max=200"`
	Channel string `validate:"required,oneof=email sms push"`
	Content string `validate:"required"`
}

// AudienceFilter selects recipients. ContactIDs are added to the contacts
// matched by the field filters; ExcludeContactIDs are removed from the union.
// Field filters apply when set or when no explicit ids are given.
type AudienceFilter struct {
	ContactFilter
	ContactIDs        []uint
	ExcludeContactIDs []uint
}

func (s *AnnouncementService) Create(ctx context.Context, userID uint, in CreateAnnouncementInput) (*models.Announcement, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}

	a := &models.Announcement{
		UserID:  userID,
		Title:   in.Title,
		Channel: in.Channel,
		Content: in.Content,
		Status:  models.AnnouncementStatusDraft,
	}
	if err := s.DB.WithContext(ctx).Create(a).Error; err != nil {
		return nil, fmt.Errorf("failed to create announcement: %w", err)
	}
	return a, nil
}

// List returns the user's announcements, newest first
func (s *AnnouncementService) List(ctx context.Context, userID uint) ([]models.Announcement, error) {
	var announcements []models.Announcement
	err := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&announcements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load announcements: %w", err)
	}
	return announcements, nil
}

func (s *AnnouncementService) Get(ctx context.Context, userID, announcementID uint) (*models.Announcement, error) {
	return s.find(ctx, userID, announcementID)
}

type UpdateAnnouncementInput struct {
	Title   *string `validate:"omitempty,min=1,max=200"`
	Channel *string `validate:"omitempty,oneof=email sms push"`
	Content *string `validate:"omitempty,min=1"`
}

// Update edits a draft announcement. Sent announcements are frozen.
func (s *AnnouncementService) Update(ctx context.Context, userID, announcementID uint, in UpdateAnnouncementInput) (*models.Announcement, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}

	a, err := s.find(ctx, userID, announcementID)
	if err != nil {
		return nil, err
	}
	if a.Status == models.AnnouncementStatusSent {
		return nil, invalid("cannot edit sent announcement %d", a.ID)
	}

	if in.Title != nil {
		a.Title = *in.Title
	}
	if in.Channel != nil {
		a.Channel = *in.Channel
	}
	if in.Content != nil {
		a.Content = *in.Content
	}

	res := s.DB.WithContext(ctx).Model(a).
		Where("status = ?", models.AnnouncementStatusDraft).
		Select("Title", "Channel", "Content", "UpdatedAt").
		Updates(a)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update announcement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: announcement %d is being sent", ErrConflict, a.ID)
	}
	return a, nil
}

// Delete removes an announcement and its recipients. Deliveries still queued
// find no recipient and end quietly.
func (s *AnnouncementService) Delete(ctx context.Context, userID, announcementID uint) error {
	a, err := s.find(ctx, userID, announcementID)
	if err != nil {
		return err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("announcement_id = ?", a.ID).Delete(&models.AnnouncementRecipient{}).Error; err != nil {
			return err
		}
		return tx.Delete(a).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete announcement: %w", err)
	}
	return nil
}

func (s *AnnouncementService) find(ctx context.Context, userID, announcementID uint) (*models.Announcement, error) {
	var a models.Announcement
	err := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", announcementID, userID).First(&a).Error
	if isNotFound(err) {
		return nil, notFound("announcement", announcementID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load announcement: %w", err)
	}
	return &a, nil
}

// Send resolves the audience, records a pending recipient per contact, marks
// the announcement sent and queues one delivery per recipient.
func (s *AnnouncementService) Send(ctx context.Context, userID, announcementID uint, filter AudienceFilter) ([]models.AnnouncementRecipient, error) {
	a, err := s.find(ctx, userID, announcementID)
	if err != nil {
		return nil, err
	}
	if a.Status == models.AnnouncementStatusSent {
		return nil, invalid("announcement %d was already sent", a.ID)
	}

	contactIDs, err := s.resolveAudience(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	recipients := make([]models.AnnouncementRecipient, 0, len(contactIDs))
	for _, id := range contactIDs {
		recipients = append(recipients, models.AnnouncementRecipient{
			AnnouncementID: a.ID,
			ContactID:      id,
			Status:         models.RecipientStatusPending,
		})
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Announcement{}).
			Where("id = ? AND status = ?", a.ID, models.AnnouncementStatusDraft).
			Updates(map[string]interface{}{
				"status":  models.AnnouncementStatusSent,
				"sent_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: announcement %d is being sent", ErrConflict, a.ID)
		}
		return tx.CreateInBatches(&recipients, 500).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record recipients: %w", err)
	}

	for _, r := range recipients {
		if _, err := s.Queue.Enqueue(ctx, JobDeliverAnnouncement, DeliverAnnouncementJob{RecipientID: r.ID}); err != nil {
			return recipients, fmt.Errorf("failed to queue delivery for recipient %d: %w", r.ID, err)
		}
	}

	utils.LogEvent("announcement_sent", map[string]interface{}{
		"announcement_id": a.ID,
		"recipients":      len(recipients),
	})
	return recipients, nil
}

func (s *AnnouncementService) resolveAudience(ctx context.Context, userID uint, filter AudienceFilter) ([]uint, error) {
	var ids []uint
	seen := make(map[uint]struct{})
	add := func(id uint) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if !filter.ContactFilter.Empty() || len(filter.ContactIDs) == 0 {
		var contacts []models.Contact
		if err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&contacts).Error; err != nil {
			return nil, fmt.Errorf("failed to load contacts: %w", err)
		}
		conds := filter.ContactFilter.conditions()
		matched := 0
		for _, c := range contacts {
			if EvaluateConditions(c.Snapshot(), conds) {
				add(c.ID)
				matched++
			}
		}
		if matched == 0 {
			return nil, invalid("no contacts matched the specified filters")
		}
	}

	if len(filter.ContactIDs) > 0 {
		var owned []uint
		err := s.DB.WithContext(ctx).Model(&models.Contact{}).
			Where("user_id = ? AND id IN ?", userID, filter.ContactIDs).
			Order("id ASC").
			Pluck("id", &owned).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load contacts: %w", err)
		}
		for _, id := range owned {
			add(id)
		}
	}

	excluded := make(map[uint]struct{}, len(filter.ExcludeContactIDs))
	for _, id := range filter.ExcludeContactIDs {
		excluded[id] = struct{}{}
	}
	final := ids[:0]
	for _, id := range ids {
		if _, ok := excluded[id]; !ok {
			final = append(final, id)
		}
	}
	if len(final) == 0 {
		return nil, invalid("no recipients: all matched contacts were excluded")
	}
	return final, nil
}

// Deliver sends the announcement to one recipient. Already delivered
// recipients are left alone; failures are recorded and returned for retry.
func (s *AnnouncementService) Deliver(ctx context.Context, recipientID uint) error {
	var r models.AnnouncementRecipient
	err := s.DB.WithContext(ctx).First(&r, recipientID).Error
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load recipient: %w", err)
	}
	if r.Status == models.RecipientStatusSent {
		return nil
	}

	var a models.Announcement
	if err := s.DB.WithContext(ctx).First(&a, r.AnnouncementID).Error; err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load announcement: %w", err)
	}

	var contact models.Contact
	if err := s.DB.WithContext(ctx).First(&contact, r.ContactID).Error; err != nil {
		if isNotFound(err) {
			s.markRecipient(ctx, &r, fmt.Errorf("contact %d no longer exists", r.ContactID))
			return nil
		}
		return fmt.Errorf("failed to load contact: %w", err)
	}

	to, ok := channelAddress(&contact, a.Channel)
	if !ok {
		s.markRecipient(ctx, &r, fmt.Errorf("contact %d has no %s address", contact.ID, a.Channel))
		return nil
	}

	_, sendErr := s.Notifier.Send(ctx, utils.Message{
		Channel: a.Channel,
		From:    s.From,
		To:      to,
		Subject: a.Title,
		Text:    a.Content,
	})
	s.markRecipient(ctx, &r, sendErr)
	if sendErr != nil {
		return fmt.Errorf("failed to deliver announcement %d to contact %d: %w", a.ID, contact.ID, sendErr)
	}
	return nil
}

func (s *AnnouncementService) markRecipient(ctx context.Context, r *models.AnnouncementRecipient, sendErr error) {
	updates := map[string]interface{}{
		"status":  models.RecipientStatusSent,
		"sent_at": s.Now().UTC(),
		"error":   nil,
	}
	if sendErr != nil {
		updates = map[string]interface{}{
			"status": models.RecipientStatusFailed,
			"error":  utils.Truncate(sendErr.Error(), 2000),
		}
	}
	if err := s.DB.WithContext(ctx).Model(r).Updates(updates).Error; err != nil {
		utils.LogError("recipient_update", err, map[string]interface{}{"recipient_id": r.ID})
	}
}

func (s *AnnouncementService) Recipients(ctx context.Context, userID, announcementID uint) ([]models.AnnouncementRecipient, error) {
	if _, err := s.find(ctx, userID, announcementID); err != nil {
		return nil, err
	}

	var recipients []models.AnnouncementRecipient
	err := s.DB.WithContext(ctx).Where("announcement_id = ?", announcementID).Order("id ASC").Find(&recipients).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	return recipients, nil
}

// MarkViewed records the first time a contact opened the announcement
func (s *AnnouncementService) MarkViewed(ctx context.Context, announcementID, contactID uint) error {
	res := s.DB.WithContext(ctx).Model(&models.AnnouncementRecipient{}).
		Where("announcement_id = ? AND contact_id = ? AND viewed_at IS NULL", announcementID, contactID).
		Update("viewed_at", s.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("failed to mark announcement viewed: %w", res.Error)
	}
	return nil
}

// channelAddress picks the contact's address for a delivery channel
func channelAddress(c *models.Contact, channel string) (string, bool) {
	switch channel {
	case models.ChannelEmail:
		if utils.IsEmailCapable(c.Email) {
			return *c.Email, true
		}
	case models.ChannelSMS:
		if phone := utils.Deref(c.Phone); phone != "" {
			return phone, true
		}
	case models.ChannelPush:
		return fmt.Sprintf("%d", c.ID), true
	}
	return "", false
}
