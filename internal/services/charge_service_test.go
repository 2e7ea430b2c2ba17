package services

import (
	"context"
	"testing"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) Get(ctx context.Context, id int64) (*model.AdvertiserAccount, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AdvertiserAccount), args.Error(1)
}

func (m *MockAccountRepository) AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal, record *model.LedgerTransaction) (decimal.Decimal, error) {
	args := m.Called(ctx, accountID, delta, record)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) GetByIdempotencyKey(ctx context.Context, advertiserID int64, key string) (*model.LedgerTransaction, error) {
	args := m.Called(ctx, advertiserID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LedgerTransaction), args.Error(1)
}

func (m *MockTransactionRepository) List(ctx context.Context, f model.TransactionFilter) ([]*model.LedgerTransaction, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.LedgerTransaction), args.Get(1).(int64), args.Error(2)
}

type MockCampaignRepository struct {
	mock.Mock
}

func (m *MockCampaignRepository) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Campaign), args.Error(1)
}

type MockTopupCoordinator struct {
	mock.Mock
}

func (m *MockTopupCoordinator) TopUp(ctx context.Context, accountID int64) (*model.TopupResult, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TopupResult), args.Error(1)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestChargeCost(t *testing.T) {
	cases := []struct {
		name        string
		cpm         string
		impressions int64
		want        string
	}{
		{"exact thousand", "2.50", 1000, "2.50"},
		{"fractional batch", "2.50", 1500, "3.75"},
		{"half rounds to even zero", "5.00", 1, "0.00"},  // 0.005 -> 0.00
		{"half rounds to even down", "5.00", 5, "0.02"},  // 0.025 -> 0.02
		{"half rounds to even up", "5.00", 3, "0.02"},    // 0.015 -> 0.02
		{"sub-cent rounds away", "1.00", 4, "0.00"}, // 0.004 -> 0.00
		{"large batch", "0.75", 1_000_000, "750.00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ChargeCost(dec(tc.cpm), tc.impressions)
			assert.True(t, got.Equal(dec(tc.want)), "got %s, want %s", got, tc.want)
		})
	}
}

func newChargeService(acctRepo *MockAccountRepository, txnRepo *MockTransactionRepository, campRepo *MockCampaignRepository, topup *MockTopupCoordinator) *ChargeService {
	return NewChargeService(acctRepo, txnRepo, campRepo, topup, nil)
}

func testCampaign() *model.Campaign {
	return &model.Campaign{
		ID:           7,
		AdvertiserID: 1,
		Name:         "test",
		CPMBid:       dec("2.50"),
		Active:       true,
	}
}

func chargeReq() model.ChargeRequest {
	return model.ChargeRequest{
		AccountID:       1,
		CampaignID:      7,
		ImpressionCount: 1500,
		IdempotencyKey:  "batch-001",
	}
}

func TestChargeService_Charge_Validation(t *testing.T) {
	svc := newChargeService(new(MockAccountRepository), new(MockTransactionRepository), new(MockCampaignRepository), new(MockTopupCoordinator))
	ctx := context.Background()

	t.Run("zero impressions", func(t *testing.T) {
		req := chargeReq()
		req.ImpressionCount = 0
		_, err := svc.Charge(ctx, req)
		assert.ErrorIs(t, err, model.ErrInvalidImpressionCount)
	})

	t.Run("negative impressions", func(t *testing.T) {
		req := chargeReq()
		req.ImpressionCount = -5
		_, err := svc.Charge(ctx, req)
		assert.ErrorIs(t, err, model.ErrInvalidImpressionCount)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		req := chargeReq()
		req.IdempotencyKey = ""
		_, err := svc.Charge(ctx, req)
		assert.ErrorIs(t, err, model.ErrMissingIdempotencyKey)
	})
}

func TestChargeService_Charge_Success(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	campRepo := new(MockCampaignRepository)
	topup := new(MockTopupCoordinator)
	svc := newChargeService(acctRepo, txnRepo, campRepo, topup)
	ctx := context.Background()

	campRepo.On("Get", ctx, int64(7)).Return(testCampaign(), nil)
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "batch-001").
		Return(nil, repository.ErrTransactionNotFound)
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("-3.75"), mock.AnythingOfType("*model.LedgerTransaction")).
		Return(dec("96.25"), nil)

	result, err := svc.Charge(ctx, chargeReq())
	require.NoError(t, err)
	assert.True(t, result.ChargedAmount.Equal(dec("3.75")))
	assert.True(t, result.NewBalance.Equal(dec("96.25")))
	assert.False(t, result.Duplicate)

	acctRepo.AssertExpectations(t)
	txnRepo.AssertExpectations(t)
	campRepo.AssertExpectations(t)
	topup.AssertNotCalled(t, "TopUp", mock.Anything, mock.Anything)
}

func TestChargeService_Charge_IdempotentReplay(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	campRepo := new(MockCampaignRepository)
	svc := newChargeService(acctRepo, txnRepo, campRepo, new(MockTopupCoordinator))
	ctx := context.Background()

	campRepo.On("Get", ctx, int64(7)).Return(testCampaign(), nil)
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "batch-001").
		Return(&model.LedgerTransaction{
			AdvertiserID:   1,
			Type:           model.TransactionTypeCharge,
			Amount:         dec("-3.75"),
			BalanceAfter:   dec("96.25"),
			IdempotencyKey: "batch-001",
		}, nil)

	result, err := svc.Charge(ctx, chargeReq())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.True(t, result.ChargedAmount.Equal(dec("3.75")))
	assert.True(t, result.NewBalance.Equal(dec("96.25")))

	// The debit must not run again.
	acctRepo.AssertNotCalled(t, "AdjustBalance", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestChargeService_Charge_CampaignNotFound(t *testing.T) {
	campRepo := new(MockCampaignRepository)
	svc := newChargeService(new(MockAccountRepository), new(MockTransactionRepository), campRepo, new(MockTopupCoordinator))
	ctx := context.Background()

	campRepo.On("Get", ctx, int64(7)).Return(nil, repository.ErrCampaignNotFound)

	_, err := svc.Charge(ctx, chargeReq())
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestChargeService_Charge_InsufficientFunds_NoAutoTopup(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	campRepo := new(MockCampaignRepository)
	topup := new(MockTopupCoordinator)
	svc := newChargeService(acctRepo, txnRepo, campRepo, topup)
	ctx := context.Background()

	campRepo.On("Get", ctx, int64(7)).Return(testCampaign(), nil)
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "batch-001").
		Return(nil, repository.ErrTransactionNotFound)
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("-3.75"), mock.Anything).
		Return(decimal.Zero, repository.ErrPredicateFailed).Once()
	acctRepo.On("Get", ctx, int64(1)).Return(&model.AdvertiserAccount{
		ID:      1,
		Balance: dec("1.00"),
		Active:  true,
	}, nil)

	_, err := svc.Charge(ctx, chargeReq())
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	topup.AssertNotCalled(t, "TopUp", mock.Anything, mock.Anything)
}

func TestChargeService_Charge_TopupThenRetry(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	campRepo := new(MockCampaignRepository)
	topup := new(MockTopupCoordinator)
	svc := newChargeService(acctRepo, txnRepo, campRepo, topup)
	ctx := context.Background()

	campRepo.On("Get", ctx, int64(7)).Return(testCampaign(), nil)
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "batch-001").
		Return(nil, repository.ErrTransactionNotFound)

	// First debit bounces, top-up lands, second debit succeeds.
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("-3.75"), mock.Anything).
		Return(decimal.Zero, repository.ErrPredicateFailed).Once()
	acctRepo.On("Get", ctx, int64(1)).Return(&model.AdvertiserAccount{
		ID:               1,
		Balance:          dec("1.00"),
		AutoTopupEnabled: true,
		AutoTopupAmount:  dec("50.00"),
		PaymentMethodRef: "pm_123",
		Active:           true,
	}, nil)
	topup.On("TopUp", ctx, int64(1)).Return(&model.TopupResult{
		CreditedAmount:     dec("50.00"),
		NewBalance:         dec("51.00"),
		ExternalPaymentRef: "ch_1",
	}, nil)
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("-3.75"), mock.Anything).
		Return(dec("47.25"), nil).Once()

	result, err := svc.Charge(ctx, chargeReq())
	require.NoError(t, err)
	assert.True(t, result.NewBalance.Equal(dec("47.25")))

	acctRepo.AssertExpectations(t)
	topup.AssertExpectations(t)
}

func TestChargeService_Charge_TopupFails(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	campRepo := new(MockCampaignRepository)
	topup := new(MockTopupCoordinator)
	svc := newChargeService(acctRepo, txnRepo, campRepo, topup)
	ctx := context.Background()

	campRepo.On("Get", ctx, int64(7)).Return(testCampaign(), nil)
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "batch-001").
		Return(nil, repository.ErrTransactionNotFound)
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("-3.75"), mock.Anything).
		Return(decimal.Zero, repository.ErrPredicateFailed).Once()
	acctRepo.On("Get", ctx, int64(1)).Return(&model.AdvertiserAccount{
		ID:               1,
		AutoTopupEnabled: true,
		Active:           true,
	}, nil)
	topup.On("TopUp", ctx, int64(1)).Return(nil, ErrTopUpFailed)

	_, err := svc.Charge(ctx, chargeReq())
	assert.ErrorIs(t, err, ErrTopUpFailed)

	// The debit is retried at most once, and only after a successful top-up.
	acctRepo.AssertNumberOfCalls(t, "AdjustBalance", 1)
}

func TestChargeService_Charge_StillInsufficientAfterTopup(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	campRepo := new(MockCampaignRepository)
	topup := new(MockTopupCoordinator)
	svc := newChargeService(acctRepo, txnRepo, campRepo, topup)
	ctx := context.Background()

	campRepo.On("Get", ctx, int64(7)).Return(testCampaign(), nil)
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "batch-001").
		Return(nil, repository.ErrTransactionNotFound)
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("-3.75"), mock.Anything).
		Return(decimal.Zero, repository.ErrPredicateFailed).Twice()
	acctRepo.On("Get", ctx, int64(1)).Return(&model.AdvertiserAccount{
		ID:               1,
		AutoTopupEnabled: true,
		AutoTopupAmount:  dec("1.00"),
		PaymentMethodRef: "pm_123",
		Active:           true,
	}, nil)
	topup.On("TopUp", ctx, int64(1)).Return(&model.TopupResult{
		CreditedAmount: dec("1.00"),
		NewBalance:     dec("2.00"),
	}, nil).Once()

	_, err := svc.Charge(ctx, chargeReq())
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// No second top-up attempt for the same charge.
	topup.AssertNumberOfCalls(t, "TopUp", 1)
	acctRepo.AssertNumberOfCalls(t, "AdjustBalance", 2)
}

func TestChargeService_Charge_LosesInsertRace(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	campRepo := new(MockCampaignRepository)
	svc := newChargeService(acctRepo, txnRepo, campRepo, new(MockTopupCoordinator))
	ctx := context.Background()

	campRepo.On("Get", ctx, int64(7)).Return(testCampaign(), nil)
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "batch-001").
		Return(nil, repository.ErrTransactionNotFound).Once()
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("-3.75"), mock.Anything).
		Return(decimal.Zero, repository.ErrDuplicateIdempotencyKey).Once()
	// Re-read after losing the race returns the winner's row.
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "batch-001").
		Return(&model.LedgerTransaction{
			AdvertiserID: 1,
			Amount:       dec("-3.75"),
			BalanceAfter: dec("96.25"),
		}, nil).Once()

	result, err := svc.Charge(ctx, chargeReq())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.True(t, result.NewBalance.Equal(dec("96.25")))

	txnRepo.AssertExpectations(t)
}

func adjustReq() model.AdjustmentRequest {
	return model.AdjustmentRequest{
		AccountID:      1,
		Type:           model.TransactionTypeRefund,
		Amount:         dec("10.00"),
		Description:    "overbilled batch",
		IdempotencyKey: "refund-001",
	}
}

func TestChargeService_Adjust_Validation(t *testing.T) {
	svc := newChargeService(new(MockAccountRepository), new(MockTransactionRepository), new(MockCampaignRepository), new(MockTopupCoordinator))
	ctx := context.Background()

	t.Run("unknown type", func(t *testing.T) {
		req := adjustReq()
		req.Type = model.TransactionTypeCharge
		_, err := svc.Adjust(ctx, req)
		assert.ErrorIs(t, err, model.ErrInvalidAdjustmentType)
	})

	t.Run("zero amount", func(t *testing.T) {
		req := adjustReq()
		req.Amount = decimal.Zero
		_, err := svc.Adjust(ctx, req)
		assert.ErrorIs(t, err, model.ErrInvalidAdjustmentAmount)
	})

	t.Run("negative refund", func(t *testing.T) {
		req := adjustReq()
		req.Amount = dec("-10.00")
		_, err := svc.Adjust(ctx, req)
		assert.ErrorIs(t, err, model.ErrInvalidAdjustmentAmount)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		req := adjustReq()
		req.IdempotencyKey = ""
		_, err := svc.Adjust(ctx, req)
		assert.ErrorIs(t, err, model.ErrMissingIdempotencyKey)
	})
}

func TestChargeService_Adjust_RefundCredit(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	svc := newChargeService(acctRepo, txnRepo, new(MockCampaignRepository), new(MockTopupCoordinator))
	ctx := context.Background()

	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "refund-001").
		Return(nil, repository.ErrTransactionNotFound)
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("10.00"), mock.MatchedBy(func(r *model.LedgerTransaction) bool {
		return r.Type == model.TransactionTypeRefund &&
			r.Amount.Equal(dec("10.00")) &&
			r.IdempotencyKey == "refund-001"
	})).Return(dec("106.25"), nil)

	result, err := svc.Adjust(ctx, adjustReq())
	require.NoError(t, err)
	assert.True(t, result.Amount.Equal(dec("10.00")))
	assert.True(t, result.NewBalance.Equal(dec("106.25")))
	assert.False(t, result.Duplicate)

	acctRepo.AssertExpectations(t)
}

func TestChargeService_Adjust_IdempotentReplay(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	svc := newChargeService(acctRepo, txnRepo, new(MockCampaignRepository), new(MockTopupCoordinator))
	ctx := context.Background()

	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "refund-001").
		Return(&model.LedgerTransaction{
			AdvertiserID:   1,
			Type:           model.TransactionTypeRefund,
			Amount:         dec("10.00"),
			BalanceAfter:   dec("106.25"),
			IdempotencyKey: "refund-001",
		}, nil)

	result, err := svc.Adjust(ctx, adjustReq())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.True(t, result.NewBalance.Equal(dec("106.25")))

	acctRepo.AssertNotCalled(t, "AdjustBalance", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestChargeService_Adjust_NegativeAdjustmentBounces(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	svc := newChargeService(acctRepo, txnRepo, new(MockCampaignRepository), new(MockTopupCoordinator))
	ctx := context.Background()

	req := adjustReq()
	req.Type = model.TransactionTypeAdjustment
	req.Amount = dec("-25.00")
	req.IdempotencyKey = "adj-001"

	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "adj-001").
		Return(nil, repository.ErrTransactionNotFound)
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("-25.00"), mock.Anything).
		Return(decimal.Zero, repository.ErrPredicateFailed)

	_, err := svc.Adjust(ctx, req)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestChargeService_Adjust_LosesInsertRace(t *testing.T) {
	acctRepo := new(MockAccountRepository)
	txnRepo := new(MockTransactionRepository)
	svc := newChargeService(acctRepo, txnRepo, new(MockCampaignRepository), new(MockTopupCoordinator))
	ctx := context.Background()

	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "refund-001").
		Return(nil, repository.ErrTransactionNotFound).Once()
	acctRepo.On("AdjustBalance", ctx, int64(1), dec("10.00"), mock.Anything).
		Return(decimal.Zero, repository.ErrDuplicateIdempotencyKey).Once()
	txnRepo.On("GetByIdempotencyKey", ctx, int64(1), "refund-001").
		Return(&model.LedgerTransaction{
			AdvertiserID: 1,
			Amount:       dec("10.00"),
			BalanceAfter: dec("106.25"),
		}, nil).Once()

	result, err := svc.Adjust(ctx, adjustReq())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.True(t, result.NewBalance.Equal(dec("106.25")))

	txnRepo.AssertExpectations(t)
}

func TestChargeService_ListTransactions(t *testing.T) {
	txnRepo := new(MockTransactionRepository)
	svc := newChargeService(new(MockAccountRepository), txnRepo, new(MockCampaignRepository), new(MockTopupCoordinator))
	ctx := context.Background()

	advertiserID := int64(1)
	filter := model.TransactionFilter{AdvertiserID: &advertiserID, Limit: 10}

	expected := []*model.LedgerTransaction{
		{ID: 1, AdvertiserID: 1, Type: model.TransactionTypeTopup, Amount: dec("50.00")},
		{ID: 2, AdvertiserID: 1, Type: model.TransactionTypeCharge, Amount: dec("-3.75")},
	}
	txnRepo.On("List", ctx, filter).Return(expected, int64(2), nil)

	items, total, err := svc.ListTransactions(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, items, 2)

	txnRepo.AssertExpectations(t)
}
