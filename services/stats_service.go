package services

import (
	"context"
	"fmt"

	"crmflow/models"

	"gorm.io/gorm"
)

type DashboardStats struct {
	ContactCount int64 `json:"contact_count"`
	MessagesSent int64 `json:"messages_sent"`
}

// StatsService aggregates per-user dashboard numbers
type StatsService struct {
	DB *gorm.DB
}

func NewStatsService(db *gorm.DB) *StatsService {
	return &StatsService{DB: db}
}

// DashboardStats counts the user's contacts and the announcement deliveries
// that reached them.
func (s *StatsService) DashboardStats(ctx context.Context, userID uint) (*DashboardStats, error) {
	var stats DashboardStats

	err := s.DB.WithContext(ctx).Model(&models.Contact{}).
		Where("user_id = ?", userID).
		Count(&stats.ContactCount).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count contacts: %w", err)
	}

	err = s.DB.WithContext(ctx).Model(&models.AnnouncementRecipient{}).
		Joins("JOIN announcements ON announcements.id = announcement_recipients.announcement_id AND announcements.deleted_at IS NULL").
		Where("announcements.user_id = ? AND announcement_recipients.status = ?", userID, models.RecipientStatusSent).
		Count(&stats.MessagesSent).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count sent messages: %w", err)
	}

	return &stats, nil
}
