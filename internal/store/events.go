package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
	"github.com/asimhafeezz/pm-agent-sub000/internal/provider"
)

// RecordEvent appends an audit event. The detail must never contain a token.
func (s *ConnectionStore) RecordEvent(ctx context.Context, userID string, p provider.Provider, action, detail string) error {
	event := models.ConnectionEvent{
		UserID:   userID,
		Provider: string(p),
		Action:   action,
		Detail:   detail,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("failed to record %s event: %w", action, err)
	}

	if s.publisher != nil {
		s.publisher.PublishConnectionEvent(event)
	}
	return nil
}

// ListEvents returns the most recent events for a user, newest first.
func (s *ConnectionStore) ListEvents(ctx context.Context, userID string, limit int) ([]models.ConnectionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var events []models.ConnectionEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// PruneEvents deletes events created before cutoff.
func (s *ConnectionStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&models.ConnectionEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune events: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.logger.Info("Pruned connection events",
			zap.Int64("deleted", result.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return result.RowsAffected, nil
}
