package routes

import (
	"time"

	"moltmart/payment"
	"moltmart/store"
)

type agentView struct {
	ID               string    `json:"id"`
	WalletAddress    string    `json:"walletAddress"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	MoltxHandle      string    `json:"moltxHandle,omitempty"`
	GithubHandle     string    `json:"githubHandle,omitempty"`
	ServicesCount    int64     `json:"servicesCount"`
	HasIdentity      bool      `json:"hasIdentity"`
	IdentityTokenID  string    `json:"identityTokenId,omitempty"`
	IdentityRegistry string    `json:"identityRegistry,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func viewAgent(a *store.Agent) agentView {
	return agentView{
		ID:               a.ID.String(),
		WalletAddress:    a.WalletAddress,
		Name:             a.Name,
		Description:      a.Description,
		MoltxHandle:      a.MoltxHandle,
		GithubHandle:     a.GithubHandle,
		ServicesCount:    a.ServicesCount,
		HasIdentity:      a.HasIdentity,
		IdentityTokenID:  a.IdentityTokenID,
		IdentityRegistry: a.IdentityRegistry,
		CreatedAt:        a.CreatedAt,
	}
}

// serviceView never exposes the seller endpoint or secret digest.
type serviceView struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Category          string    `json:"category"`
	ProviderName      string    `json:"providerName,omitempty"`
	ProviderWallet    string    `json:"providerWallet"`
	PriceMinorUnits   uint64    `json:"priceMinorUnits"`
	Price             string    `json:"price"`
	Callable          bool      `json:"callable"`
	CallsCount        int64     `json:"callsCount"`
	RevenueMinorUnits uint64    `json:"revenueMinorUnits"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (a *api) viewService(s *store.Service) serviceView {
	return serviceView{
		ID:                s.ID.String(),
		Name:              s.Name,
		Description:       s.Description,
		Category:          s.Category,
		ProviderName:      s.ProviderName,
		ProviderWallet:    s.OwnerWallet,
		PriceMinorUnits:   s.PriceMinorUnits,
		Price:             payment.FormatAmount(s.PriceMinorUnits, a.info.TokenDecimals),
		Callable:          s.Endpoint != "",
		CallsCount:        s.CallsCount,
		RevenueMinorUnits: s.RevenueMinorUnits,
		CreatedAt:         s.CreatedAt,
	}
}

func (a *api) viewServices(list []store.Service) []serviceView {
	out := make([]serviceView, 0, len(list))
	for i := range list {
		out = append(out, a.viewService(&list[i]))
	}
	return out
}

type feedbackView struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agentName"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	OnchainTxHash string `json:"onchainTxHash,omitempty"`
	OnchainError  string `json:"onchainError,omitempty"`
}

func viewFeedback(f *store.Feedback) feedbackView {
	return feedbackView{
		ID:            f.ID.String(),
		AgentName:     f.AgentName,
		Rating:        f.Rating,
		Comment:       f.Comment,
		CreatedAt:     f.CreatedAt,
		OnchainTxHash: f.OnchainTxHash,
		OnchainError:  f.OnchainError,
	}
}

type mintView struct {
	ID              string           `json:"id"`
	RecipientWallet string           `json:"recipientWallet"`
	TokenID         string           `json:"tokenId,omitempty"`
	Status          store.MintStatus `json:"status"`
	PaymentMethod   string           `json:"paymentMethod"`
	PaymentRef      string           `json:"paymentRef,omitempty"`
	PaidMinorUnits  uint64           `json:"paidMinorUnits"`
	MintTxHash      string           `json:"mintTxHash,omitempty"`
	TransferTxHash  string           `json:"transferTxHash,omitempty"`
	LastError       string           `json:"lastError,omitempty"`
	Attempts        int              `json:"attempts"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`

	MintGasUsed         uint64 `json:"mintGasUsed,omitempty"`
	MintGasPriceWei     string `json:"mintGasPriceWei,omitempty"`
	TransferGasUsed     uint64 `json:"transferGasUsed,omitempty"`
	TransferGasPriceWei string `json:"transferGasPriceWei,omitempty"`
}

func viewMint(m *store.MintRecord) mintView {
	return mintView{
		ID:              m.ID.String(),
		RecipientWallet: m.RecipientWallet,
		TokenID:         m.TokenID,
		Status:          m.Status,
		PaymentMethod:   m.PaymentMethod,
		PaymentRef:      m.PaymentRef,
		PaidMinorUnits:  m.PaidMinorUnits,
		MintTxHash:      m.MintTxHash,
		TransferTxHash:  m.TransferTxHash,
		LastError:       m.LastError,
		Attempts:        m.Attempts,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,

		MintGasUsed:         m.MintGasUsed,
		MintGasPriceWei:     m.MintGasPriceWei,
		TransferGasUsed:     m.TransferGasUsed,
		TransferGasPriceWei: m.TransferGasPriceWei,
	}
}
