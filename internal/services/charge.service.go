package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/internal/queue"
	"github.com/adverve/billing-engine/internal/repository"
	"github.com/adverve/billing-engine/pkg/logger"
	"github.com/adverve/billing-engine/pkg/prom"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoPaymentMethod   = errors.New("no payment method on file")
	ErrTopUpFailed       = errors.New("top-up failed")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrAccountNotFound   = errors.New("account not found")
	ErrCampaignNotFound  = errors.New("campaign not found")
)

// minorUnitPlaces is the ledger precision: two decimal places, rounded
// half-even so micro-charges don't accumulate a systematic bias.
const minorUnitPlaces = 2

type AccountRepository interface {
	Get(ctx context.Context, id int64) (*model.AdvertiserAccount, error)
	AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal, record *model.LedgerTransaction) (decimal.Decimal, error)
}

type TransactionRepository interface {
	GetByIdempotencyKey(ctx context.Context, advertiserID int64, key string) (*model.LedgerTransaction, error)
	List(ctx context.Context, f model.TransactionFilter) ([]*model.LedgerTransaction, int64, error)
}

type CampaignRepository interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
}

type TopupCoordinator interface {
	TopUp(ctx context.Context, accountID int64) (*model.TopupResult, error)
}

type ChargeService struct {
	accountRepo  AccountRepository
	txnRepo      TransactionRepository
	campaignRepo CampaignRepository
	topup        TopupCoordinator
	queue        *queue.Queue
}

func NewChargeService(accountRepo AccountRepository, txnRepo TransactionRepository, campaignRepo CampaignRepository, topup TopupCoordinator, q *queue.Queue) *ChargeService {
	return &ChargeService{
		accountRepo:  accountRepo,
		txnRepo:      txnRepo,
		campaignRepo: campaignRepo,
		topup:        topup,
		queue:        q,
	}
}

// ChargeCost prices an impression batch: cpmBid * impressions / 1000, rounded
// half-even to the ledger's minor-unit precision.
func ChargeCost(cpmBid decimal.Decimal, impressions int64) decimal.Decimal {
	return cpmBid.
		Mul(decimal.NewFromInt(impressions)).
		Div(decimal.NewFromInt(1000)).
		RoundBank(minorUnitPlaces)
}

// Charge debits an account for one billable impression batch. Retrying with
// the same idempotency key returns the recorded result without a new debit.
// When funds are insufficient and auto top-up is enabled, the coordinator is
// invoked once and the debit retried exactly once.
func (s *ChargeService) Charge(ctx context.Context, req model.ChargeRequest) (*model.ChargeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()

	campaign, err := s.campaignRepo.Get(ctx, req.CampaignID)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	cost := ChargeCost(campaign.CPMBid, req.ImpressionCount)

	// Idempotency check: a key that already resolved replays its result.
	prior, err := s.txnRepo.GetByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
	if err == nil {
		return duplicateResult(prior), nil
	}
	if !errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	record := s.chargeRecord(req, campaign, cost)
	newBalance, err := s.accountRepo.AdjustBalance(ctx, req.AccountID, cost.Neg(), record)
	if errors.Is(err, repository.ErrPredicateFailed) {
		newBalance, err = s.chargeWithTopup(ctx, req, cost, record)
	}
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		// Lost the insert race against a concurrent retry with the same key;
		// the winner's result is the result.
		prior, lookupErr := s.txnRepo.GetByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
		if lookupErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, lookupErr)
		}
		return duplicateResult(prior), nil
	}
	if err != nil {
		return nil, s.mapAdjustError(err)
	}

	prom.IncCounterVec(prom.SystemBilling, prom.MetricChargeTotal, "success")
	prom.AddChargeDuration(time.Since(start).Seconds(), "success")
	s.publishIncrement(ctx, req, cost)

	return &model.ChargeResult{
		ChargedAmount: cost,
		NewBalance:    newBalance,
	}, nil
}

// chargeWithTopup handles the insufficient-funds path: top up if the account
// allows it, then retry the debit a single time. Top-up failure is terminal
// for this attempt so an off-session card is never charged repeatedly.
func (s *ChargeService) chargeWithTopup(ctx context.Context, req model.ChargeRequest, cost decimal.Decimal, record *model.LedgerTransaction) (decimal.Decimal, error) {
	acct, err := s.accountRepo.Get(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	if !acct.AutoTopupEnabled {
		prom.IncCounterVec(prom.SystemBilling, prom.MetricChargeTotal, "insufficient_funds")
		return decimal.Zero, ErrInsufficientFunds
	}

	if _, err := s.topup.TopUp(ctx, req.AccountID); err != nil {
		prom.IncCounterVec(prom.SystemBilling, prom.MetricChargeTotal, "topup_failed")
		return decimal.Zero, err
	}

	newBalance, err := s.accountRepo.AdjustBalance(ctx, req.AccountID, cost.Neg(), record)
	if errors.Is(err, repository.ErrPredicateFailed) {
		// Top-up landed but the balance still doesn't cover the cost.
		prom.IncCounterVec(prom.SystemBilling, prom.MetricChargeTotal, "insufficient_funds")
		return decimal.Zero, ErrInsufficientFunds
	}
	return newBalance, err
}

func (s *ChargeService) mapAdjustError(err error) error {
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrNoPaymentMethod),
		errors.Is(err, ErrTopUpFailed),
		errors.Is(err, ErrAccountNotFound):
		return err
	case errors.Is(err, repository.ErrAccountNotFound):
		return ErrAccountNotFound
	default:
		prom.IncCounterVec(prom.SystemBilling, prom.MetricChargeTotal, "ledger_error")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
}

func (s *ChargeService) chargeRecord(req model.ChargeRequest, campaign *model.Campaign, cost decimal.Decimal) *model.LedgerTransaction {
	campaignID := campaign.ID
	return &model.LedgerTransaction{
		AdvertiserID:   req.AccountID,
		Type:           model.TransactionTypeCharge,
		Amount:         cost.Neg(),
		Description:    fmt.Sprintf("%d impressions @ %s CPM", req.ImpressionCount, campaign.CPMBid.StringFixed(minorUnitPlaces)),
		CampaignID:     &campaignID,
		IdempotencyKey: req.IdempotencyKey,
	}
}

// publishIncrement hands the campaign counters off to the aggregator. This is
// fire-and-forget bookkeeping: a publish failure is logged and never fails or
// rolls back the charge.
func (s *ChargeService) publishIncrement(ctx context.Context, req model.ChargeRequest, cost decimal.Decimal) {
	if s.queue == nil {
		return
	}
	inc := model.CampaignIncrement{
		CampaignID:      req.CampaignID,
		Amount:          cost,
		ImpressionCount: req.ImpressionCount,
	}
	if _, err := s.queue.PublishJSON(ctx, inc, nil); err != nil {
		logger.Error("failed to publish campaign increment",
			"campaign_id", req.CampaignID,
			"amount", cost.String(),
			"error", err)
	}
}

func duplicateResult(prior *model.LedgerTransaction) *model.ChargeResult {
	return &model.ChargeResult{
		ChargedAmount: prior.Amount.Neg(),
		NewBalance:    prior.BalanceAfter,
		Duplicate:     true,
	}
}

// Adjust applies a manual refund or operator adjustment to the ledger. The
// same rules as charges apply: a repeated idempotency key replays the
// recorded result, and a negative adjustment cannot take the balance below
// zero.
func (s *ChargeService) Adjust(ctx context.Context, req model.AdjustmentRequest) (*model.AdjustmentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	prior, err := s.txnRepo.GetByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
	if err == nil {
		return adjustmentResult(prior), nil
	}
	if !errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	record := &model.LedgerTransaction{
		AdvertiserID:   req.AccountID,
		Type:           req.Type,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	}

	newBalance, err := s.accountRepo.AdjustBalance(ctx, req.AccountID, req.Amount, record)
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		prior, lookupErr := s.txnRepo.GetByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
		if lookupErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, lookupErr)
		}
		return adjustmentResult(prior), nil
	}
	if errors.Is(err, repository.ErrPredicateFailed) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, s.mapAdjustError(err)
	}

	return &model.AdjustmentResult{Amount: req.Amount, NewBalance: newBalance}, nil
}

func adjustmentResult(prior *model.LedgerTransaction) *model.AdjustmentResult {
	return &model.AdjustmentResult{
		Amount:     prior.Amount,
		NewBalance: prior.BalanceAfter,
		Duplicate:  true,
	}
}

// ListTransactions exposes the advertiser's ledger history.
func (s *ChargeService) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]*model.LedgerTransaction, int64, error) {
	return s.txnRepo.List(ctx, f)
}

// GetAccount returns the current materialized balance and top-up settings.
func (s *ChargeService) GetAccount(ctx context.Context, id int64) (*model.AdvertiserAccount, error) {
	acct, err := s.accountRepo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acct, nil
}
