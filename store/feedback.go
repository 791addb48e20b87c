package store

import (
	"context"

	"github.com/google/uuid"
)

// AddFeedback stores a rating for a service.
func (s *Store) AddFeedback(ctx context.Context, fb *Feedback) error {
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.nowFn().UTC()
	}
	return s.db.WithContext(ctx).Create(fb).Error
}

// SaveFeedbackAnchor records the outcome of submitting fb on-chain.
func (s *Store) SaveFeedbackAnchor(ctx context.Context, fb *Feedback) error {
	return s.db.WithContext(ctx).Model(&Feedback{}).
		Where("id = ?", fb.ID).
		Updates(map[string]any{"onchain_tx_hash": fb.OnchainTxHash, "onchain_error": fb.OnchainError}).Error
}

// FeedbackSummary is the rating aggregate of a service.
type FeedbackSummary struct {
	Count         int64   `json:"count"`
	AverageRating float64 `json:"averageRating"`
}

// ListFeedback returns a service's feedback newest first with its aggregate.
func (s *Store) ListFeedback(ctx context.Context, serviceID uuid.UUID, limit int) ([]Feedback, FeedbackSummary, error) {
	limit, _ = page(limit, 0, 50, 200)
	var summary FeedbackSummary
	if err := s.db.WithContext(ctx).Model(&Feedback{}).
		Select("COUNT(*) AS count, COALESCE(AVG(rating), 0) AS average_rating").
		Where("service_id = ?", serviceID).
		Scan(&summary).Error; err != nil {
		return nil, FeedbackSummary{}, err
	}
	var out []Feedback
	err := s.db.WithContext(ctx).Where("service_id = ?", serviceID).
		Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, summary, err
}
