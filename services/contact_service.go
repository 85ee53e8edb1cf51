package services

import (
	"context"
	"fmt"
	"strings"

	"crmflow/models"
	"crmflow/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventDispatcher receives domain events for workflow triggering
type EventDispatcher interface {
	TriggerEvent(ctx context.Context, eventType models.TriggerType, contactID, userID uint, meta EventMeta) error
}

type ContactService struct {
	DB     *gorm.DB
	Events EventDispatcher
	Logger logrus.FieldLogger
}

func NewContactService(db *gorm.DB, events EventDispatcher, logger logrus.FieldLogger) *ContactService {
	return &ContactService{
		DB:     db,
		Events: events,
		Logger: logger.WithField("service", "contact"),
	}
}

type CreateContactInput struct {
	Name     string                 `validate:"required,max=200"`
	Email    *string                `validate:"omitempty,email"`
	Phone    *string                `validate:"omitempty,max=40"`
	Company  *string                `validate:"omitempty,max=200"`
	Status   string                 `validate:"omitempty,oneof=active inactive"`
	Tags     []string               `validate:"-"`
	Metadata map[string]interface{} `validate:"-"`
}

// ContactFilter narrows List; empty fields are ignored
type ContactFilter struct {
	Company string
	Tag     string
	Status  string
}

func (f ContactFilter) Empty() bool {
	return f.Company == "" && f.Tag == "" && f.Status == ""
}

func (f ContactFilter) conditions() []models.Condition {
	var conds []models.Condition
	if f.Company != "" {
		conds = append(conds, models.Condition{Field: "company", Op: models.OpEq, Value: f.Company})
	}
	if f.Tag != "" {
		conds = append(conds, models.Condition{Field: "tags", Op: models.OpContains, Value: f.Tag})
	}
	if f.Status != "" {
		conds = append(conds, models.Condition{Field: "status", Op: models.OpEq, Value: f.Status})
	}
	return conds
}

func (s *ContactService) Create(ctx context.Context, userID uint, in CreateContactInput) (*models.Contact, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}

	status := in.Status
	if status == "" {
		status = models.ContactStatusActive
	}
	contact := &models.Contact{
		UserID:   userID,
		Name:     in.Name,
		Email:    normalizeEmail(in.Email),
		Phone:    in.Phone,
		Company:  in.Company,
		Status:   status,
		Tags:     dedupeTags(in.Tags),
		Metadata: in.Metadata,
	}

	if contact.Email != nil {
		var existing int64
		err := s.DB.WithContext(ctx).Model(&models.Contact{}).
			Where("user_id = ? AND email = ?", userID, *contact.Email).
			Count(&existing).Error
		if err != nil {
			return nil, fmt.Errorf("failed to check contact email: %w", err)
		}
		if existing > 0 {
			return nil, fmt.Errorf("%w: contact with email %s already exists", ErrConflict, *contact.Email)
		}
	}

	if err := s.DB.WithContext(ctx).Create(contact).Error; err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("%w: contact with email %s already exists", ErrConflict, utils.Deref(contact.Email))
		}
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	s.dispatch(ctx, models.TriggerContactCreated, contact, EventMeta{})
	return contact, nil
}

type UpdateContactInput struct {
	Name     *string                `validate:"omitempty,max=200"`
	Email    *string                `validate:"omitempty,email"`
	Phone    *string                `validate:"omitempty,max=40"`
	Company  *string                `validate:"omitempty,max=200"`
	Status   *string                `validate:"omitempty,oneof=active inactive"`
	Tags     []string               `validate:"-"`
	Metadata map[string]interface{} `validate:"-"`
}

// Update patches the non-nil fields. New tags raise tag_added once per tag and
// an active contact turning inactive raises member_inactive.
func (s *ContactService) Update(ctx context.Context, userID, contactID uint, in UpdateContactInput) (*models.Contact, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid("%v", err)
	}

	contact, err := s.Get(ctx, userID, contactID)
	if err != nil {
		return nil, err
	}
	previous := *contact

	if in.Name != nil {
		contact.Name = *in.Name
	}
	if in.Email != nil {
		contact.Email = normalizeEmail(in.Email)
	}
	if in.Phone != nil {
		contact.Phone = in.Phone
	}
	if in.Company != nil {
		contact.Company = in.Company
	}
	if in.Status != nil {
		contact.Status = *in.Status
	}
	if in.Tags != nil {
		contact.Tags = dedupeTags(in.Tags)
	}
	if in.Metadata != nil {
		contact.Metadata = in.Metadata
	}

	if err := s.DB.WithContext(ctx).Save(contact).Error; err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("%w: contact with email %s already exists", ErrConflict, utils.Deref(contact.Email))
		}
		return nil, fmt.Errorf("failed to update contact: %w", err)
	}

	for _, tag := range contact.Tags {
		if !previous.HasTag(tag) {
			s.dispatch(ctx, models.TriggerTagAdded, contact, EventMeta{Tag: tag})
		}
	}
	if previous.Status == models.ContactStatusActive && contact.Status == models.ContactStatusInactive {
		s.dispatch(ctx, models.TriggerMemberInactive, contact, EventMeta{})
	}
	return contact, nil
}

func (s *ContactService) Get(ctx context.Context, userID, contactID uint) (*models.Contact, error) {
	var contact models.Contact
	err := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", contactID, userID).First(&contact).Error
	if isNotFound(err) {
		return nil, notFound("contact", contactID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	return &contact, nil
}

// List returns the user's contacts matching filter
func (s *ContactService) List(ctx context.Context, userID uint, filter ContactFilter) ([]models.Contact, error) {
	var contacts []models.Contact
	if err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&contacts).Error; err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	if filter.Empty() {
		return contacts, nil
	}

	conds := filter.conditions()
	matched := contacts[:0]
	for _, c := range contacts {
		if EvaluateConditions(c.Snapshot(), conds) {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

func (s *ContactService) Delete(ctx context.Context, userID, contactID uint) error {
	res := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", contactID, userID).Delete(&models.Contact{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete contact: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("contact", contactID)
	}
	return nil
}

// dispatch reports trigger failures without failing the contact change
func (s *ContactService) dispatch(ctx context.Context, event models.TriggerType, contact *models.Contact, meta EventMeta) {
	if s.Events == nil {
		return
	}
	if err := s.Events.TriggerEvent(ctx, event, contact.ID, contact.UserID, meta); err != nil {
		utils.LogError("trigger_dispatch", err, map[string]interface{}{
			"event":      string(event),
			"contact_id": contact.ID,
			"user_id":    contact.UserID,
		})
	}
}

func normalizeEmail(email *string) *string {
	if email == nil {
		return nil
	}
	trimmed := strings.ToLower(strings.TrimSpace(*email))
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func dedupeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
