package repository

import (
	"github.com/adverve/billing-engine/internal/model"
	"github.com/shopspring/decimal"
)

type AccountEntity struct {
	ID                 int64           `db:"id"                   gorm:"primaryKey;autoIncrement;column:id"`
	Balance            decimal.Decimal `db:"balance"              gorm:"column:balance;type:numeric(14,2);not null;default:0"`
	AutoTopupEnabled   bool            `db:"auto_topup_enabled"   gorm:"column:auto_topup_enabled;not null;default:false"`
	AutoTopupThreshold decimal.Decimal `db:"auto_topup_threshold" gorm:"column:auto_topup_threshold;type:numeric(14,2);not null;default:0"`
	AutoTopupAmount    decimal.Decimal `db:"auto_topup_amount"    gorm:"column:auto_topup_amount;type:numeric(14,2);not null;default:0"`
	PaymentMethodRef   string          `db:"payment_method_ref"   gorm:"column:payment_method_ref"`
	Active             bool            `db:"active"               gorm:"column:active;not null;default:true"`
}

func (AccountEntity) TableName() string {
	return "advertiser_accounts"
}

func toAccountEntity(m *model.AdvertiserAccount) *AccountEntity {
	if m == nil {
		return nil
	}
	return &AccountEntity{
		ID:                 m.ID,
		Balance:            m.Balance,
		AutoTopupEnabled:   m.AutoTopupEnabled,
		AutoTopupThreshold: m.AutoTopupThreshold,
		AutoTopupAmount:    m.AutoTopupAmount,
		PaymentMethodRef:   m.PaymentMethodRef,
		Active:             m.Active,
	}
}

func toAccountModel(e *AccountEntity) *model.AdvertiserAccount {
	if e == nil {
		return nil
	}
	return &model.AdvertiserAccount{
		ID:                 e.ID,
		Balance:            e.Balance,
		AutoTopupEnabled:   e.AutoTopupEnabled,
		AutoTopupThreshold: e.AutoTopupThreshold,
		AutoTopupAmount:    e.AutoTopupAmount,
		PaymentMethodRef:   e.PaymentMethodRef,
		Active:             e.Active,
	}
}
