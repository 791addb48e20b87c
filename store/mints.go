package store

import (
	"context"
	"math/big"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateMint records a mint attempt.
func (s *Store) CreateMint(ctx context.Context, rec *MintRecord) error {
	rec.RecipientWallet = normalizeWallet(rec.RecipientWallet)
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn().UTC()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// SaveMint persists every field of rec.
func (s *Store) SaveMint(ctx context.Context, rec *MintRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// MintByID loads a mint record.
func (s *Store) MintByID(ctx context.Context, id uuid.UUID) (*MintRecord, error) {
	var rec MintRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListMints returns mints newest first, optionally restricted to one status.
func (s *Store) ListMints(ctx context.Context, status MintStatus, limit, offset int) ([]MintRecord, error) {
	limit, offset = page(limit, offset, 50, 200)
	query := s.db.WithContext(ctx).Model(&MintRecord{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var out []MintRecord
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

// LatestTokenFor returns the most recent token minted for wallet, if any.
func (s *Store) LatestTokenFor(ctx context.Context, wallet string) (string, error) {
	var rec MintRecord
	err := s.db.WithContext(ctx).
		Where("recipient_wallet = ? AND token_id <> ''", normalizeWallet(wallet)).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return "", notFound(err)
	}
	return rec.TokenID, nil
}

// MintEconomics totals what identity mints earned against the operator gas
// they cost.
type MintEconomics struct {
	Mints            int64                `json:"mints"`
	ByStatus         map[MintStatus]int64 `json:"byStatus"`
	PaidMinorUnits   uint64               `json:"paidMinorUnits"`
	MintGasUsed      uint64               `json:"mintGasUsed"`
	TransferGasUsed  uint64               `json:"transferGasUsed"`
	GasFeesWei       string               `json:"gasFeesWei"`
	AverageGasFeeWei string               `json:"averageGasFeeWei"`
}

// MintEconomics aggregates every mint record.
func (s *Store) MintEconomics(ctx context.Context) (MintEconomics, error) {
	out := MintEconomics{ByStatus: make(map[MintStatus]int64)}
	fees := new(big.Int)
	var batch []MintRecord
	err := s.db.WithContext(ctx).Model(&MintRecord{}).
		Select("id", "status", "paid_minor_units", "mint_gas_used", "mint_gas_price_wei", "transfer_gas_used", "transfer_gas_price_wei").
		FindInBatches(&batch, 500, func(tx *gorm.DB, n int) error {
			for _, rec := range batch {
				out.Mints++
				out.ByStatus[rec.Status]++
				out.PaidMinorUnits += rec.PaidMinorUnits
				out.MintGasUsed += rec.MintGasUsed
				out.TransferGasUsed += rec.TransferGasUsed
				fees.Add(fees, legFee(rec.MintGasUsed, rec.MintGasPriceWei))
				fees.Add(fees, legFee(rec.TransferGasUsed, rec.TransferGasPriceWei))
			}
			return nil
		}).Error
	if err != nil {
		return MintEconomics{}, err
	}
	out.GasFeesWei = fees.String()
	out.AverageGasFeeWei = "0"
	if out.Mints > 0 {
		out.AverageGasFeeWei = new(big.Int).Quo(fees, big.NewInt(out.Mints)).String()
	}
	return out, nil
}

func legFee(gasUsed uint64, priceWei string) *big.Int {
	price, ok := new(big.Int).SetString(priceWei, 10)
	if !ok || gasUsed == 0 {
		return new(big.Int)
	}
	return price.Mul(price, new(big.Int).SetUint64(gasUsed))
}
