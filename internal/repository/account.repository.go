package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/pkg/pg"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound         = errors.New("advertiser account not found")
	ErrInactiveAccount         = errors.New("advertiser account is not active")
	ErrPredicateFailed         = errors.New("balance predicate failed")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")
	ErrConcurrentUpdate        = errors.New("concurrent update detected")
	ErrMaxRetriesExceeded      = errors.New("max retries exceeded")
)

type AccountRepository struct {
	*pg.DB
}

func NewAccountRepository(db *pg.DB) *AccountRepository {
	return &AccountRepository{
		db,
	}
}

func (r *AccountRepository) Create(ctx context.Context, acct *model.AdvertiserAccount) (*model.AdvertiserAccount, error) {
	entity := toAccountEntity(acct)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toAccountModel(entity), nil
}

func (r *AccountRepository) Get(ctx context.Context, id int64) (*model.AdvertiserAccount, error) {
	var entity AccountEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	return toAccountModel(&entity), nil
}

// Deactivate disables an account. Accounts are never deleted, only
// deactivated; their ledger history must stay intact.
func (r *AccountRepository) Deactivate(ctx context.Context, id int64) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&AccountEntity{}).
		Where("id = ?", id).
		Update("active", false)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AdjustBalance applies a signed delta to the account balance and appends the
// paired ledger row in one all-or-nothing database transaction, retrying
// transient failures. For a negative delta the adjustment only happens when
// the resulting balance stays non-negative; otherwise ErrPredicateFailed is
// returned and nothing is written.
//
// On success the record is filled in with the generated id, the signed amount
// and the post-adjustment balance snapshot, and the new balance is returned.
func (r *AccountRepository) AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal, record *model.LedgerTransaction) (decimal.Decimal, error) {
	const maxRetries = 3
	const baseDelay = 2 * time.Millisecond

	var newBalance decimal.Decimal

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := r.adjustAttempt(ctx, accountID, delta, record, &newBalance)

		if err == nil {
			return newBalance, nil
		}

		// Don't retry on permanent errors
		if errors.Is(err, ErrAccountNotFound) ||
			errors.Is(err, ErrInactiveAccount) ||
			errors.Is(err, ErrPredicateFailed) ||
			errors.Is(err, ErrDuplicateIdempotencyKey) {
			return decimal.Zero, err
		}

		// Retry on transient errors
		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<attempt) // Exponential backoff: 2ms, 4ms, 8ms
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
	}

	return decimal.Zero, fmt.Errorf("%w: failed after %d attempts", ErrMaxRetriesExceeded, maxRetries+1)
}

func (r *AccountRepository) adjustAttempt(ctx context.Context, accountID int64, delta decimal.Decimal, record *model.LedgerTransaction, newBalance *decimal.Decimal) error {
	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		var entity AccountEntity

		err := r.Write(ctx).WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", accountID).
			First(&entity).
			Error

		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		if !entity.Active {
			return ErrInactiveAccount
		}

		next := entity.Balance.Add(delta)
		if delta.IsNegative() && next.IsNegative() {
			return ErrPredicateFailed
		}

		result := r.Write(ctx).WithContext(ctx).
			Model(&AccountEntity{}).
			Where("id = ?", accountID).
			Update("balance", next)

		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}

		txn := toTransactionEntity(record)
		txn.AdvertiserID = accountID
		txn.Amount = delta
		txn.BalanceAfter = next
		if txn.CreatedAt.IsZero() {
			txn.CreatedAt = time.Now().UTC()
		}

		if err := r.Write(ctx).WithContext(ctx).Create(txn).Error; err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateIdempotencyKey
			}
			return err
		}

		record.ID = txn.ID
		record.AdvertiserID = txn.AdvertiserID
		record.Amount = txn.Amount
		record.BalanceAfter = txn.BalanceAfter
		record.CreatedAt = txn.CreatedAt

		*newBalance = next
		return nil
	})
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Fallback for drivers without error translation enabled
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
