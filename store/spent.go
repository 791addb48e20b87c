package store

import (
	"context"
	"strings"

	"gorm.io/gorm/clause"

	"moltmart/payment"
)

// IsSpent reports whether txHash already paid for an action.
func (s *Store) IsSpent(ctx context.Context, txHash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SpentPayment{}).
		Where("tx_hash = ?", strings.ToLower(txHash)).
		Count(&count).Error
	return count > 0, err
}

// MarkSpent records rec. It reports false when the hash was already recorded,
// which lets two racing verifications of the same transfer admit only one.
func (s *Store) MarkSpent(ctx context.Context, rec payment.SpentTx) (bool, error) {
	row := SpentPayment{
		TxHash:           strings.ToLower(rec.TxHash),
		Wallet:           normalizeWallet(rec.Wallet),
		Action:           string(rec.Action),
		ResourceID:       rec.ResourceID,
		Recipient:        normalizeWallet(rec.Recipient),
		AmountMinorUnits: rec.AmountMinorUnits,
		CreatedAt:        s.nowFn().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
