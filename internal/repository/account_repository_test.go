package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func createTestAccount(t *testing.T, repo *AccountRepository, balance string) *model.AdvertiserAccount {
	t.Helper()
	acct, err := repo.Create(context.Background(), &model.AdvertiserAccount{
		Balance: dec(balance),
		Active:  true,
	})
	require.NoError(t, err)
	return acct
}

func TestAccountRepository_Create(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewAccountRepository(db)
	ctx := context.Background()

	t.Run("create account", func(t *testing.T) {
		acct, err := repo.Create(ctx, &model.AdvertiserAccount{
			Balance:            dec("100.00"),
			AutoTopupEnabled:   true,
			AutoTopupThreshold: dec("10.00"),
			AutoTopupAmount:    dec("50.00"),
			PaymentMethodRef:   "pm_123",
			Active:             true,
		})
		require.NoError(t, err)
		assert.NotZero(t, acct.ID)
		assert.True(t, acct.Balance.Equal(dec("100.00")))
		assert.True(t, acct.HasPaymentMethod())
	})

	t.Run("get missing account", func(t *testing.T) {
		_, err := repo.Get(ctx, 9999)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestAccountRepository_Deactivate(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewAccountRepository(db)
	ctx := context.Background()

	acct := createTestAccount(t, repo, "25.00")

	require.NoError(t, repo.Deactivate(ctx, acct.ID))

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = repo.AdjustBalance(ctx, acct.ID, dec("-5.00"), &model.LedgerTransaction{
		Type:           model.TransactionTypeCharge,
		IdempotencyKey: "k-inactive",
	})
	assert.ErrorIs(t, err, ErrInactiveAccount)

	assert.ErrorIs(t, repo.Deactivate(ctx, 9999), ErrAccountNotFound)
}

func TestAccountRepository_AdjustBalance(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewAccountRepository(db)
	txnRepo := NewTransactionRepository(db)
	ctx := context.Background()

	t.Run("credit increases balance and fills record", func(t *testing.T) {
		acct := createTestAccount(t, repo, "0.00")

		record := &model.LedgerTransaction{
			Type:           model.TransactionTypeTopup,
			IdempotencyKey: "topup-1",
		}
		newBalance, err := repo.AdjustBalance(ctx, acct.ID, dec("50.00"), record)
		require.NoError(t, err)
		assert.True(t, newBalance.Equal(dec("50.00")))
		assert.NotZero(t, record.ID)
		assert.Equal(t, acct.ID, record.AdvertiserID)
		assert.True(t, record.Amount.Equal(dec("50.00")))
		assert.True(t, record.BalanceAfter.Equal(dec("50.00")))
		assert.False(t, record.CreatedAt.IsZero())
	})

	t.Run("debit within balance succeeds", func(t *testing.T) {
		acct := createTestAccount(t, repo, "20.00")

		newBalance, err := repo.AdjustBalance(ctx, acct.ID, dec("-7.50"), &model.LedgerTransaction{
			Type:           model.TransactionTypeCharge,
			IdempotencyKey: "charge-1",
		})
		require.NoError(t, err)
		assert.True(t, newBalance.Equal(dec("12.50")))
	})

	t.Run("debit to exactly zero succeeds", func(t *testing.T) {
		acct := createTestAccount(t, repo, "10.00")

		newBalance, err := repo.AdjustBalance(ctx, acct.ID, dec("-10.00"), &model.LedgerTransaction{
			Type:           model.TransactionTypeCharge,
			IdempotencyKey: "charge-zero",
		})
		require.NoError(t, err)
		assert.True(t, newBalance.IsZero())
	})

	t.Run("overdraft writes nothing", func(t *testing.T) {
		acct := createTestAccount(t, repo, "10.00")

		_, err := repo.AdjustBalance(ctx, acct.ID, dec("-15.00"), &model.LedgerTransaction{
			Type:           model.TransactionTypeCharge,
			IdempotencyKey: "charge-over",
		})
		assert.ErrorIs(t, err, ErrPredicateFailed)

		got, err := repo.Get(ctx, acct.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(dec("10.00")))

		_, err = txnRepo.GetByIdempotencyKey(ctx, acct.ID, "charge-over")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("missing account", func(t *testing.T) {
		_, err := repo.AdjustBalance(ctx, 9999, dec("-1.00"), &model.LedgerTransaction{
			Type:           model.TransactionTypeCharge,
			IdempotencyKey: "charge-missing",
		})
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("duplicate idempotency key rolls back the balance update", func(t *testing.T) {
		acct := createTestAccount(t, repo, "30.00")

		_, err := repo.AdjustBalance(ctx, acct.ID, dec("-5.00"), &model.LedgerTransaction{
			Type:           model.TransactionTypeCharge,
			IdempotencyKey: "dup-key",
		})
		require.NoError(t, err)

		_, err = repo.AdjustBalance(ctx, acct.ID, dec("-5.00"), &model.LedgerTransaction{
			Type:           model.TransactionTypeCharge,
			IdempotencyKey: "dup-key",
		})
		assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

		// The second debit must not have stuck: one row, one deduction.
		got, err := repo.Get(ctx, acct.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(dec("25.00")), "balance is %s", got.Balance)
	})

	t.Run("balance_after forms a chain", func(t *testing.T) {
		acct := createTestAccount(t, repo, "0.00")

		deltas := []string{"100.00", "-12.34", "-0.01", "5.00"}
		for i, d := range deltas {
			_, err := repo.AdjustBalance(ctx, acct.ID, dec(d), &model.LedgerTransaction{
				Type:           model.TransactionTypeAdjustment,
				IdempotencyKey: fmt.Sprintf("chain-%d", i),
			})
			require.NoError(t, err)
		}

		advertiserID := acct.ID
		items, total, err := txnRepo.List(ctx, model.TransactionFilter{AdvertiserID: &advertiserID})
		require.NoError(t, err)
		require.Equal(t, int64(4), total)

		running := decimal.Zero
		for _, txn := range items {
			running = running.Add(txn.Amount)
			assert.True(t, txn.BalanceAfter.Equal(running),
				"balance_after %s != running sum %s", txn.BalanceAfter, running)
		}

		got, err := repo.Get(ctx, acct.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(running))
	})
}

func TestAccountRepository_AdjustBalance_Concurrent(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewAccountRepository(db)
	ctx := context.Background()

	// Balance covers exactly one of the competing debits.
	acct := createTestAccount(t, repo, "10.00")

	const workers = 4
	results := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, results[n] = repo.AdjustBalance(ctx, acct.ID, dec("-7.00"), &model.LedgerTransaction{
				Type:           model.TransactionTypeCharge,
				IdempotencyKey: fmt.Sprintf("concurrent-%d", n),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrPredicateFailed)
		}
	}
	assert.Equal(t, 1, succeeded)

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("3.00")), "balance is %s", got.Balance)
}
