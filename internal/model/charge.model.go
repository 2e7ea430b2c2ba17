package model

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidImpressionCount  = errors.New("impression count must be positive")
	ErrMissingIdempotencyKey   = errors.New("idempotency key is required")
	ErrInvalidAdjustmentType   = errors.New("type must be refund or adjustment")
	ErrInvalidAdjustmentAmount = errors.New("adjustment amount must be non-zero, refunds positive")
)

// ChargeRequest is one billable impression batch. The idempotency key is
// caller-generated and must be stable across retries of the same batch.
type ChargeRequest struct {
	AccountID       int64  `json:"account_id"`
	CampaignID      int64  `json:"campaign_id"`
	ImpressionCount int64  `json:"impression_count"`
	IdempotencyKey  string `json:"idempotency_key"`
}

func (r ChargeRequest) Validate() error {
	if r.ImpressionCount <= 0 {
		return ErrInvalidImpressionCount
	}
	if r.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	return nil
}

type ChargeResult struct {
	ChargedAmount decimal.Decimal `json:"charged_amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	// Duplicate is set when the idempotency key was already resolved and the
	// recorded result is returned instead of a new debit.
	Duplicate bool `json:"duplicate"`
}

// AdjustmentRequest is a manual ledger correction: a refund issued back to an
// advertiser, or an operator adjustment in either direction.
type AdjustmentRequest struct {
	AccountID      int64           `json:"account_id"`
	Type           TransactionType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (r AdjustmentRequest) Validate() error {
	if r.Type != TransactionTypeRefund && r.Type != TransactionTypeAdjustment {
		return ErrInvalidAdjustmentType
	}
	if r.Amount.IsZero() || (r.Type == TransactionTypeRefund && !r.Amount.IsPositive()) {
		return ErrInvalidAdjustmentAmount
	}
	if r.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	return nil
}

type AdjustmentResult struct {
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Duplicate  bool            `json:"duplicate"`
}

type TopupResult struct {
	CreditedAmount     decimal.Decimal `json:"credited_amount"`
	NewBalance         decimal.Decimal `json:"new_balance"`
	ExternalPaymentRef string          `json:"external_payment_ref"`
}
