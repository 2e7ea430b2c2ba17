package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeCharge     TransactionType = "charge"
	TransactionTypeTopup      TransactionType = "topup"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// LedgerTransaction is one immutable row of the advertiser ledger. Charges
// carry a negative Amount, top-ups and refunds a positive one. BalanceAfter
// snapshots the account balance produced by this row, so transactions ordered
// by CreatedAt form a chain: each BalanceAfter equals the previous
// BalanceAfter plus Amount.
type LedgerTransaction struct {
	ID                 int64           `json:"id"`
	AdvertiserID       int64           `json:"advertiser_id"`
	Type               TransactionType `json:"type"`
	Amount             decimal.Decimal `json:"amount"`
	BalanceAfter       decimal.Decimal `json:"balance_after"`
	Description        string          `json:"description"`
	CampaignID         *int64          `json:"campaign_id,omitempty"`
	ExternalPaymentRef *string         `json:"external_payment_ref,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key"`
	CreatedAt          time.Time       `json:"created_at"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

type TransactionFilter struct {
	AdvertiserID *int64
	Types        []TransactionType
	CampaignID   *int64
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
	Desc         bool
}
