package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"moltmart/payment"
)

// ServiceFilter narrows ListServices.
type ServiceFilter struct {
	Category    string
	OwnerWallet string
	Limit       int
	Offset      int
}

// CreateService lists a service and bumps the owner's service count.
func (s *Store) CreateService(ctx context.Context, svc *Service) error {
	svc.OwnerWallet = normalizeWallet(svc.OwnerWallet)
	svc.Category = strings.ToLower(strings.TrimSpace(svc.Category))
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = s.nowFn().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(svc).Error; err != nil {
			return err
		}
		return tx.Model(&Agent{}).
			Where("wallet_address = ?", svc.OwnerWallet).
			UpdateColumn("services_count", gorm.Expr("services_count + ?", 1)).Error
	})
}

// ServiceByID loads a service.
func (s *Store) ServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	var svc Service
	if err := s.db.WithContext(ctx).First(&svc, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &svc, nil
}

// ListServices returns services newest first with the total match count.
func (s *Store) ListServices(ctx context.Context, filter ServiceFilter) ([]Service, int64, error) {
	limit, offset := page(filter.Limit, filter.Offset, 20, 100)
	query := s.db.WithContext(ctx).Model(&Service{})
	if c := strings.ToLower(strings.TrimSpace(filter.Category)); c != "" {
		query = query.Where("category = ?", c)
	}
	if w := normalizeWallet(filter.OwnerWallet); w != "" {
		query = query.Where("owner_wallet = ?", w)
	}
	query = query.Session(&gorm.Session{})
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var services []Service
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&services).Error
	return services, total, err
}

// SearchServices matches q case-insensitively against name, description and category.
func (s *Store) SearchServices(ctx context.Context, q string, limit int) ([]Service, error) {
	limit, _ = page(limit, 0, 10, 50)
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(q))) + "%"
	var services []Service
	err := s.db.WithContext(ctx).
		Where("LOWER(name) LIKE ? ESCAPE '\\' OR LOWER(description) LIKE ? ESCAPE '\\' OR category LIKE ? ESCAPE '\\'", pattern, pattern, pattern).
		Order("calls_count DESC, created_at DESC").
		Limit(limit).
		Find(&services).Error
	return services, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// CategoryCount is a category with the number of services listed in it.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// Categories lists categories by popularity.
func (s *Store) Categories(ctx context.Context) ([]CategoryCount, error) {
	var out []CategoryCount
	err := s.db.WithContext(ctx).Model(&Service{}).
		Select("category, COUNT(*) AS count").
		Group("category").
		Order("count DESC, category ASC").
		Scan(&out).Error
	return out, err
}

// IncrementServiceStats adds calls and revenue atomically in the database.
func (s *Store) IncrementServiceStats(ctx context.Context, id uuid.UUID, calls int64, revenueMinorUnits uint64) error {
	res := s.db.WithContext(ctx).Model(&Service{}).Where("id = ?", id).
		UpdateColumns(map[string]any{
			"calls_count":         gorm.Expr("calls_count + ?", calls),
			"revenue_minor_units": gorm.Expr("revenue_minor_units + ?", revenueMinorUnits),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PaymentTarget resolves the seller wallet and price of a service for call payments.
func (s *Store) PaymentTarget(ctx context.Context, serviceID string) (string, uint64, error) {
	id, err := uuid.Parse(strings.TrimSpace(serviceID))
	if err != nil {
		return "", 0, payment.ErrServiceNotFound
	}
	svc, err := s.ServiceByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", 0, payment.ErrServiceNotFound
	}
	if err != nil {
		return "", 0, err
	}
	return svc.OwnerWallet, svc.PriceMinorUnits, nil
}

// CatalogueStats summarises listed services.
type CatalogueStats struct {
	Services          int64
	Providers         int64
	Categories        int64
	Calls             int64
	RevenueMinorUnits uint64
}

// Catalogue aggregates counters across all services.
func (s *Store) Catalogue(ctx context.Context) (CatalogueStats, error) {
	var row struct {
		Services   int64
		Providers  int64
		Categories int64
		Calls      int64
		Revenue    uint64
	}
	err := s.db.WithContext(ctx).Model(&Service{}).
		Select("COUNT(*) AS services, COUNT(DISTINCT owner_wallet) AS providers, COUNT(DISTINCT category) AS categories, " +
			"COALESCE(SUM(calls_count), 0) AS calls, COALESCE(SUM(revenue_minor_units), 0) AS revenue").
		Scan(&row).Error
	if err != nil {
		return CatalogueStats{}, err
	}
	return CatalogueStats{
		Services:          row.Services,
		Providers:         row.Providers,
		Categories:        row.Categories,
		Calls:             row.Calls,
		RevenueMinorUnits: row.Revenue,
	}, nil
}
