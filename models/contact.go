package models

import (
	"gorm.io/gorm"
)

const (
	ContactStatusActive   = "active"
	ContactStatusInactive = "inactive"
)

// Contact is a person in a user's CRM. Workflows read a snapshot of it and
// actions may mutate it (tags).
type Contact struct {
	gorm.Model
	UserID uint `gorm:"not null;index;uniqueIndex:idx_contact_user_email,priority:1" json:"user_id"`

	Name    string  `gorm:"not null" json:"name"`
	Email   *string `gorm:"uniqueIndex:idx_contact_user_email,priority:2" json:"email,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Company *string `gorm:"index" json:"company,omitempty"`
	Status  string  `gorm:"not null;default:'active'" json:"status"` // active, inactive

	Tags     []string               `gorm:"type:jsonb;serializer:json" json:"tags"`
	Metadata map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
}

func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Snapshot returns the field map conditions are evaluated against. Optional
// fields that are unset are present with a nil value.
func (c *Contact) Snapshot() map[string]interface{} {
	tags := make([]string, len(c.Tags))
	copy(tags, c.Tags)

	snap := map[string]interface{}{
		"id":        c.ID,
		"userId":    c.UserID,
		"name":      c.Name,
		"email":     nil,
		"phone":     nil,
		"company":   nil,
		"status":    c.Status,
		"tags":      tags,
		"metadata":  c.Metadata,
		"createdAt": c.CreatedAt,
	}
	if c.Email != nil {
		snap["email"] = *c.Email
	}
	if c.Phone != nil {
		snap["phone"] = *c.Phone
	}
	if c.Company != nil {
		snap["company"] = *c.Company
	}
	return snap
}
