// Package ledger records every relayed service call. Entries are created
// pending and move exactly once to a terminal status; they are never deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

// Terminal reports whether s ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusError:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no transaction has the requested id.
	ErrNotFound = errors.New("transaction not found")
	// ErrAlreadyFinal is returned when finishing a transaction that already left pending.
	ErrAlreadyFinal = errors.New("transaction already finalised")
	// ErrInvalidOutcome is returned when finishing with a non-terminal status.
	ErrInvalidOutcome = errors.New("outcome status must be terminal")
)

// Transaction is one relayed call and its outcome.
type Transaction struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ServiceID        uuid.UUID  `gorm:"type:uuid;index" json:"serviceId"`
	BuyerWallet      string     `gorm:"size:42;index" json:"buyerWallet"`
	BuyerName        string     `gorm:"size:128" json:"buyerName,omitempty"`
	SellerWallet     string     `gorm:"size:42;index" json:"sellerWallet"`
	PriceMinorUnits  uint64     `gorm:"not null" json:"priceMinorUnits"`
	PaymentMethod    string     `gorm:"size:32" json:"paymentMethod"`
	PaymentRef       string     `gorm:"size:128;index" json:"paymentRef,omitempty"`
	Status           Status     `gorm:"size:16;index" json:"status"`
	SellerStatusCode *int       `json:"sellerStatusCode,omitempty"`
	Error            string     `gorm:"size:512" json:"error,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Entry describes a call about to be relayed.
type Entry struct {
	ServiceID       uuid.UUID
	BuyerWallet     string
	BuyerName       string
	SellerWallet    string
	PriceMinorUnits uint64
	PaymentMethod   string
	PaymentRef      string
}

// Outcome is the terminal result of a relayed call.
type Outcome struct {
	Status           Status
	SellerStatusCode *int
	Error            string
}

// AutoMigrate creates the ledger table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Transaction{})
}

// Ledger persists transactions through gorm.
type Ledger struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New wraps db. The schema must already be migrated.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, nowFn: time.Now}
}

// WithClock overrides the time source and returns the ledger.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.nowFn = now
	}
	return l
}

// Begin records a pending transaction.
func (l *Ledger) Begin(ctx context.Context, entry Entry) (*Transaction, error) {
	tx := &Transaction{
		ID:              uuid.New(),
		ServiceID:       entry.ServiceID,
		BuyerWallet:     strings.ToLower(strings.TrimSpace(entry.BuyerWallet)),
		BuyerName:       entry.BuyerName,
		SellerWallet:    strings.ToLower(strings.TrimSpace(entry.SellerWallet)),
		PriceMinorUnits: entry.PriceMinorUnits,
		PaymentMethod:   entry.PaymentMethod,
		PaymentRef:      entry.PaymentRef,
		Status:          StatusPending,
		CreatedAt:       l.nowFn().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(tx).Error; err != nil {
		return nil, fmt.Errorf("ledger begin: %w", err)
	}
	return tx, nil
}

// Finish moves a pending transaction to its terminal outcome. Only the first
// call succeeds; later calls return ErrAlreadyFinal.
func (l *Ledger) Finish(ctx context.Context, id uuid.UUID, outcome Outcome) (*Transaction, error) {
	if !outcome.Status.Terminal() {
		return nil, ErrInvalidOutcome
	}
	completedAt := l.nowFn().UTC()
	res := l.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":             outcome.Status,
			"seller_status_code": outcome.SellerStatusCode,
			"error":              truncate(outcome.Error, 512),
			"completed_at":       completedAt,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("ledger finish: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := l.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyFinal
	}
	return l.Get(ctx, id)
}

// ExpireStale ends every transaction still pending that was created before
// cutoff with StatusError. It returns the number of entries closed.
func (l *Ledger) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Model(&Transaction{}).
		Where("status = ? AND created_at < ?", StatusPending, cutoff.UTC()).
		Updates(map[string]any{
			"status":       StatusError,
			"error":        "relay outcome was never recorded",
			"completed_at": l.nowFn().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("ledger expire: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Get loads a transaction by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	var tx Transaction
	err := l.db.WithContext(ctx).First(&tx, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListByWallet returns transactions where wallet is buyer or seller, newest
// first, together with the total number of matches.
func (l *Ledger) ListByWallet(ctx context.Context, wallet string, limit, offset int) ([]Transaction, int64, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := l.db.WithContext(ctx).Model(&Transaction{}).
		Where("buyer_wallet = ? OR seller_wallet = ?", wallet, wallet).
		Session(&gorm.Session{})
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []Transaction
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// HasCompleted reports whether buyer has a completed call on serviceID.
func (l *Ledger) HasCompleted(ctx context.Context, buyer string, serviceID uuid.UUID) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&Transaction{}).
		Where("buyer_wallet = ? AND service_id = ? AND status = ?", strings.ToLower(buyer), serviceID, StatusCompleted).
		Count(&count).Error
	return count > 0, err
}

// Summary aggregates the ledger for the stats endpoint.
type Summary struct {
	ByStatus          map[Status]int64
	RevenueMinorUnits uint64
	TotalTransactions int64
}

// Summarise counts transactions per status and sums completed revenue.
func (l *Ledger) Summarise(ctx context.Context) (Summary, error) {
	type row struct {
		Status Status
		Count  int64
		Total  uint64
	}
	var rows []row
	err := l.db.WithContext(ctx).Model(&Transaction{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(price_minor_units), 0) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{ByStatus: make(map[Status]int64, len(rows))}
	for _, r := range rows {
		summary.ByStatus[r.Status] = r.Count
		summary.TotalTransactions += r.Count
		if r.Status == StatusCompleted {
			summary.RevenueMinorUnits = r.Total
		}
	}
	return summary, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
