package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateAgent inserts a new agent. The wallet is lowercased; a second agent
// for the same wallet or API key yields ErrConflict.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	agent.WalletAddress = normalizeWallet(agent.WalletAddress)
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = s.nowFn().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Agent{}).
			Where("wallet_address = ? OR api_key_hash = ?", agent.WalletAddress, agent.APIKeyHash).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(agent).Error
	})
}

// AgentByWallet loads the agent registered for wallet.
func (s *Store) AgentByWallet(ctx context.Context, wallet string) (*Agent, error) {
	var agent Agent
	if err := s.db.WithContext(ctx).First(&agent, "wallet_address = ?", normalizeWallet(wallet)).Error; err != nil {
		return nil, notFound(err)
	}
	return &agent, nil
}

// AgentByAPIKeyHash resolves an API key digest to its agent.
func (s *Store) AgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	var agent Agent
	if err := s.db.WithContext(ctx).First(&agent, "api_key_hash = ?", hash).Error; err != nil {
		return nil, notFound(err)
	}
	return &agent, nil
}

// ListAgents returns agents newest first with the total count.
func (s *Store) ListAgents(ctx context.Context, limit, offset int) ([]Agent, int64, error) {
	limit, offset = page(limit, offset, 50, 200)
	var total int64
	if err := s.db.WithContext(ctx).Model(&Agent{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var agents []Agent
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset).Find(&agents).Error
	return agents, total, err
}

// DeleteAgentByWallet removes an agent. Its services remain listed.
func (s *Store) DeleteAgentByWallet(ctx context.Context, wallet string) error {
	res := s.db.WithContext(ctx).Where("wallet_address = ?", normalizeWallet(wallet)).Delete(&Agent{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignIdentity sets the identity badge of wallet's agent to tokenID and
// revokes the badge from any other agent that previously held the same
// token. It returns the wallets whose badge was revoked.
func (s *Store) AssignIdentity(ctx context.Context, wallet, tokenID, registry string) ([]string, error) {
	wallet = normalizeWallet(wallet)
	var revoked []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var holders []Agent
		if err := tx.Where("identity_token_id = ? AND wallet_address <> ?", tokenID, wallet).Find(&holders).Error; err != nil {
			return err
		}
		for _, holder := range holders {
			revoked = append(revoked, holder.WalletAddress)
		}
		if len(holders) > 0 {
			if err := tx.Model(&Agent{}).
				Where("identity_token_id = ? AND wallet_address <> ?", tokenID, wallet).
				Updates(map[string]any{"has_identity": false, "identity_token_id": "", "identity_registry": ""}).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&Agent{}).Where("wallet_address = ?", wallet).
			Updates(map[string]any{"has_identity": true, "identity_token_id": tokenID, "identity_registry": registry})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return revoked, nil
}

// ClearIdentity removes wallet's badge and reports whether it held one.
func (s *Store) ClearIdentity(ctx context.Context, wallet string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Agent{}).
		Where("wallet_address = ? AND has_identity = ?", normalizeWallet(wallet), true).
		Updates(map[string]any{"has_identity": false, "identity_token_id": "", "identity_registry": ""})
	return res.RowsAffected > 0, res.Error
}

// CountAgents returns the number of registered agents.
func (s *Store) CountAgents(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Agent{}).Count(&total).Error
	return total, err
}
