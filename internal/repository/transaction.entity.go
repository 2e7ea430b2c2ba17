package repository

import (
	"errors"
	"time"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrTransactionImmutable is returned by the gorm hooks below: ledger rows
// are append-only and must never be updated or deleted after insert.
var ErrTransactionImmutable = errors.New("ledger transactions are append-only")

type TransactionEntity struct {
	ID                 int64           `db:"id"                   gorm:"primaryKey;autoIncrement;column:id"`
	AdvertiserID       int64           `db:"advertiser_id"        gorm:"column:advertiser_id;not null;index;uniqueIndex:idx_ledger_advertiser_idem"`
	Type               string          `db:"type"                 gorm:"column:type;not null"`
	Amount             decimal.Decimal `db:"amount"               gorm:"column:amount;type:numeric(14,2);not null"`
	BalanceAfter       decimal.Decimal `db:"balance_after"        gorm:"column:balance_after;type:numeric(14,2);not null"`
	Description        string          `db:"description"          gorm:"column:description"`
	CampaignID         *int64          `db:"campaign_id"          gorm:"column:campaign_id;index"`
	ExternalPaymentRef *string         `db:"external_payment_ref" gorm:"column:external_payment_ref"`
	IdempotencyKey     string          `db:"idempotency_key"      gorm:"column:idempotency_key;not null;uniqueIndex:idx_ledger_advertiser_idem"`
	CreatedAt          time.Time       `db:"created_at"           gorm:"column:created_at;not null;index"`
}

func (TransactionEntity) TableName() string {
	return "ledger_transactions"
}

func (TransactionEntity) BeforeUpdate(*gorm.DB) error {
	return ErrTransactionImmutable
}

func (TransactionEntity) BeforeDelete(*gorm.DB) error {
	return ErrTransactionImmutable
}

func toTransactionEntity(m *model.LedgerTransaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		ID:                 m.ID,
		AdvertiserID:       m.AdvertiserID,
		Type:               string(m.Type),
		Amount:             m.Amount,
		BalanceAfter:       m.BalanceAfter,
		Description:        m.Description,
		CampaignID:         m.CampaignID,
		ExternalPaymentRef: m.ExternalPaymentRef,
		IdempotencyKey:     m.IdempotencyKey,
		CreatedAt:          m.CreatedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.LedgerTransaction {
	if e == nil {
		return nil
	}
	return &model.LedgerTransaction{
		ID:                 e.ID,
		AdvertiserID:       e.AdvertiserID,
		Type:               model.TransactionType(e.Type),
		Amount:             e.Amount,
		BalanceAfter:       e.BalanceAfter,
		Description:        e.Description,
		CampaignID:         e.CampaignID,
		ExternalPaymentRef: e.ExternalPaymentRef,
		IdempotencyKey:     e.IdempotencyKey,
		CreatedAt:          e.CreatedAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.LedgerTransaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.LedgerTransaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
