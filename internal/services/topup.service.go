package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/adverve/billing-engine/internal/gateways"
	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/internal/repository"
	"github.com/adverve/billing-engine/pkg/logger"
	"github.com/adverve/billing-engine/pkg/prom"
	"github.com/adverve/billing-engine/pkg/redis"
)

const DefaultTopupWindow = 30 * time.Second

type PaymentGateway interface {
	Charge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error)
	GetCharge(ctx context.Context, idempotencyKey string) (*gateway.ChargeStatus, error)
}

// TopupService replenishes an advertiser balance from the stored payment
// method. The gateway idempotency key is derived from the account id and a
// coordination window, so near-simultaneous low-balance triggers collapse
// into a single processor-side charge; the windowed key doubles as the ledger
// idempotency key so the credit lands at most once.
type TopupService struct {
	accountRepo AccountRepository
	txnRepo     TransactionRepository
	gateway     PaymentGateway
	redis       redis.RedisAdapter
	window      time.Duration
	now         func() time.Time
}

func NewTopupService(accountRepo AccountRepository, txnRepo TransactionRepository, gw PaymentGateway, redisAdapter redis.RedisAdapter, window time.Duration) *TopupService {
	if window <= 0 {
		window = DefaultTopupWindow
	}
	return &TopupService{
		accountRepo: accountRepo,
		txnRepo:     txnRepo,
		gateway:     gw,
		redis:       redisAdapter,
		window:      window,
		now:         time.Now,
	}
}

// TopUp charges the stored payment method for the account's configured
// top-up amount and credits the ledger atomically with the paired topup row.
// A declined or unconfirmed gateway charge writes nothing and is never
// retried within the same attempt.
func (s *TopupService) TopUp(ctx context.Context, accountID int64) (*model.TopupResult, error) {
	acct, err := s.accountRepo.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	if !acct.HasPaymentMethod() {
		s.alert(accountID, "no payment method on file")
		return nil, ErrNoPaymentMethod
	}

	key := s.idempotencyKey(accountID)

	// A prior trigger in the same window may already have credited the
	// account; replay its result instead of touching the gateway again.
	if prior, err := s.txnRepo.GetByIdempotencyKey(ctx, accountID, key); err == nil {
		return topupResult(prior), nil
	}

	if !s.acquireWindowGuard(key) {
		return nil, fmt.Errorf("%w: concurrent top-up in progress", ErrTopUpFailed)
	}

	ref, err := s.captureCharge(ctx, acct, key)
	if err != nil {
		s.releaseWindowGuard(key)
		return nil, err
	}

	// Logged before the ledger write: if the credit below fails, this line is
	// the out-of-band record used to reconcile the orphaned processor charge.
	logger.Info("payment captured, crediting ledger",
		"account_id", accountID,
		"amount", acct.AutoTopupAmount.String(),
		"external_ref", ref,
		"idempotency_key", key)

	record := &model.LedgerTransaction{
		AdvertiserID:       accountID,
		Type:               model.TransactionTypeTopup,
		Amount:             acct.AutoTopupAmount,
		Description:        "automatic balance top-up",
		ExternalPaymentRef: &ref,
		IdempotencyKey:     key,
	}

	newBalance, err := s.accountRepo.AdjustBalance(ctx, accountID, acct.AutoTopupAmount, record)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			prior, lookupErr := s.txnRepo.GetByIdempotencyKey(ctx, accountID, key)
			if lookupErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, lookupErr)
			}
			return topupResult(prior), nil
		}
		logger.Error("ORPHANED PAYMENT: gateway charge succeeded but ledger credit failed",
			"account_id", accountID,
			"external_ref", ref,
			"idempotency_key", key,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	prom.IncCounterVec(prom.SystemBilling, prom.MetricTopupTotal, "success")

	return &model.TopupResult{
		CreditedAmount:     acct.AutoTopupAmount,
		NewBalance:         newBalance,
		ExternalPaymentRef: ref,
	}, nil
}

// captureCharge performs the off-session gateway charge. On timeout the
// charge is only treated as captured when a reconciliation query confirms it
// succeeded on the processor side.
func (s *TopupService) captureCharge(ctx context.Context, acct *model.AdvertiserAccount, key string) (string, error) {
	req := &gateway.ChargeRequest{
		PaymentMethodRef: acct.PaymentMethodRef,
		Amount:           acct.AutoTopupAmount,
		IdempotencyKey:   key,
		Metadata: gateway.ChargeMetadata{
			AccountID: acct.ID,
			Purpose:   "topup",
		},
	}

	resp, err := s.gateway.Charge(ctx, req)
	if err == nil {
		return resp.ExternalPaymentRef, nil
	}

	if errors.Is(err, gateway.ErrGatewayTimeout) {
		status, reconErr := s.gateway.GetCharge(ctx, key)
		if reconErr == nil && status.Status == gateway.ChargeStatusSucceeded {
			logger.Warn("gateway charge timed out but reconciled as succeeded",
				"account_id", acct.ID,
				"external_ref", status.ExternalPaymentRef)
			return status.ExternalPaymentRef, nil
		}
		s.alert(acct.ID, "payment gateway timeout")
		return "", fmt.Errorf("%w: gateway timeout unconfirmed", ErrTopUpFailed)
	}

	var decline *gateway.DeclineError
	if errors.As(err, &decline) {
		s.alert(acct.ID, fmt.Sprintf("payment method declined: %s", decline.Code))
		return "", fmt.Errorf("%w: %s", ErrTopUpFailed, decline.Message)
	}

	s.alert(acct.ID, "payment gateway error")
	return "", fmt.Errorf("%w: %v", ErrTopUpFailed, err)
}

func (s *TopupService) idempotencyKey(accountID int64) string {
	windowStart := s.now().Truncate(s.window)
	return fmt.Sprintf("topup:%d:%d", accountID, windowStart.Unix())
}

// acquireWindowGuard takes a best-effort SetNX lock for this window. Redis
// being down degrades to gateway-side idempotency plus the ledger unique
// index, so availability is preserved without risking a double credit.
func (s *TopupService) acquireWindowGuard(key string) bool {
	if s.redis == nil {
		return true
	}
	acquired, err := s.redis.SetNX("guard:"+key, []byte("1"), s.window)
	if err != nil {
		logger.Warn("top-up guard unavailable, relying on gateway idempotency", "key", key, "error", err)
		return true
	}
	return acquired
}

func (s *TopupService) releaseWindowGuard(key string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del("guard:" + key); err != nil {
		logger.Warn("failed to release top-up guard", "key", key, "error", err)
	}
}

// alert emits the account-level signal surfaced to the advertiser when a
// top-up cannot complete ("payment method declined" rather than a silent
// charge failure).
func (s *TopupService) alert(accountID int64, reason string) {
	prom.IncCounterVec(prom.SystemBilling, prom.MetricTopupTotal, "failed")
	logger.Error("account alert: automatic top-up failed",
		"account_id", accountID,
		"reason", reason)
}

func topupResult(prior *model.LedgerTransaction) *model.TopupResult {
	ref := ""
	if prior.ExternalPaymentRef != nil {
		ref = *prior.ExternalPaymentRef
	}
	return &model.TopupResult{
		CreditedAmount:     prior.Amount,
		NewBalance:         prior.BalanceAfter,
		ExternalPaymentRef: ref,
	}
}
