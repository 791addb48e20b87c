package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MintStatus tracks the reconciliation state of an identity mint.
type MintStatus string

const (
	// MintCompleted means the token reached the recipient.
	MintCompleted MintStatus = "completed"
	// MintPendingMint means the register transaction failed or is not yet
	// confirmed. A retry resolves the recorded transaction before
	// registering again.
	MintPendingMint MintStatus = "pending_mint"
	// MintPendingTransfer means the token was minted but still sits with the operator.
	MintPendingTransfer MintStatus = "pending_transfer"
	// MintManual means the token is owned by neither operator nor recipient.
	MintManual MintStatus = "manual"
)

// Agent is a registered marketplace participant.
type Agent struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress    string    `gorm:"size:42;uniqueIndex"`
	APIKeyHash       string    `gorm:"size:64;uniqueIndex"`
	Name             string    `gorm:"size:128;not null"`
	Description      string    `gorm:"type:text"`
	MoltxHandle      string    `gorm:"size:64"`
	GithubHandle     string    `gorm:"size:64"`
	ServicesCount    int64     `gorm:"not null;default:0"`
	HasIdentity      bool      `gorm:"not null;default:false"`
	IdentityTokenID  string    `gorm:"size:78;index"`
	IdentityRegistry string    `gorm:"size:128"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Service is a listed, payment-gated seller endpoint.
type Service struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name              string    `gorm:"size:128;not null"`
	Description       string    `gorm:"type:text"`
	Endpoint          string    `gorm:"size:512"`
	PriceMinorUnits   uint64    `gorm:"not null"`
	Category          string    `gorm:"size:64;index"`
	ProviderName      string    `gorm:"size:128"`
	OwnerWallet       string    `gorm:"size:42;index"`
	SecretTokenHash   string    `gorm:"size:64;not null"`
	CallsCount        int64     `gorm:"not null;default:0"`
	RevenueMinorUnits uint64    `gorm:"not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Feedback is a rating left by a buyer with a completed call.
type Feedback struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ServiceID uuid.UUID `gorm:"type:uuid;index"`
	AgentID   uuid.UUID `gorm:"type:uuid;index"`
	AgentName string    `gorm:"size:128"`
	Rating    int       `gorm:"not null"`
	Comment   string    `gorm:"type:text"`
	// Set once the rating was submitted to the reputation registry.
	OnchainTxHash string `gorm:"size:66"`
	OnchainError  string `gorm:"size:512"`
	CreatedAt     time.Time
}

// MintRecord tracks an identity badge mint through reconciliation.
type MintRecord struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RecipientWallet string     `gorm:"size:42;index"`
	TokenID         string     `gorm:"size:78;index"`
	Status          MintStatus `gorm:"size:32;index"`
	PaymentMethod   string     `gorm:"size:32"`
	PaymentRef      string     `gorm:"size:128"`
	PaidMinorUnits  uint64
	MintTxHash      string `gorm:"size:66"`
	TransferTxHash  string `gorm:"size:66"`
	LastError       string `gorm:"size:512"`
	Attempts        int    `gorm:"not null;default:0"`
	// Operator gas per leg; prices are decimal wei.
	MintGasUsed         uint64
	MintGasPriceWei     string `gorm:"size:78"`
	TransferGasUsed     uint64
	TransferGasPriceWei string `gorm:"size:78"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SpentPayment marks a transfer transaction as consumed by a paid action.
type SpentPayment struct {
	TxHash           string `gorm:"size:66;primaryKey"`
	Wallet           string `gorm:"size:42;index"`
	Action           string `gorm:"size:16"`
	ResourceID       string `gorm:"size:64"`
	Recipient        string `gorm:"size:42"`
	AmountMinorUnits uint64
	CreatedAt        time.Time
}

// AutoMigrate performs all schema migrations for the record store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Agent{},
		&Service{},
		&Feedback{},
		&MintRecord{},
		&SpentPayment{},
	)
}
