package model

import "github.com/shopspring/decimal"

// AdvertiserAccount holds the materialized balance for an advertiser. The
// ledger (transactions table) is the source of truth; Balance is updated in
// the same database transaction as every ledger insert.
type AdvertiserAccount struct {
	ID                 int64           `json:"id"`
	Balance            decimal.Decimal `json:"balance"`
	AutoTopupEnabled   bool            `json:"auto_topup_enabled"`
	AutoTopupThreshold decimal.Decimal `json:"auto_topup_threshold"`
	AutoTopupAmount    decimal.Decimal `json:"auto_topup_amount"`
	PaymentMethodRef   string          `json:"-"`
	Active             bool            `json:"active"`
}

func (AdvertiserAccount) TableName() string { return "advertiser_accounts" }

// HasPaymentMethod reports whether a stored payment method token exists for
// off-session top-up charges.
func (a *AdvertiserAccount) HasPaymentMethod() bool {
	return a.PaymentMethodRef != ""
}
