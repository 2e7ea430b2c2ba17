package e2e

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverve/billing-engine/internal/aggregator"
	gateway "github.com/adverve/billing-engine/internal/gateways"
	"github.com/adverve/billing-engine/internal/handlers"
	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/internal/queue"
	"github.com/adverve/billing-engine/internal/repository"
	"github.com/adverve/billing-engine/internal/services"
	"github.com/adverve/billing-engine/pkg/pg"
	"github.com/adverve/billing-engine/pkg/redis"
	"github.com/adverve/billing-engine/test/helpers"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway stands in for the payment processor. Each charge succeeds with a
// fresh reference unless declined or timing out is requested.
type fakeGateway struct {
	chargeCalls int64
	decline     *gateway.DeclineError
	timeout     bool
}

func (g *fakeGateway) Charge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	n := atomic.AddInt64(&g.chargeCalls, 1)
	if g.timeout {
		return nil, gateway.ErrGatewayTimeout
	}
	if g.decline != nil {
		return nil, g.decline
	}
	return &gateway.ChargeResponse{
		ExternalPaymentRef: fmt.Sprintf("ch_%d", n),
		Status:             gateway.ChargeStatusSucceeded,
		Amount:             req.Amount,
		ProcessedAt:        time.Now().UTC(),
	}, nil
}

func (g *fakeGateway) GetCharge(ctx context.Context, idempotencyKey string) (*gateway.ChargeStatus, error) {
	return nil, gateway.ErrChargeNotFound
}

type TestEnvironment struct {
	DB            *pg.DB
	Redis         *miniredis.Miniredis
	RedisAdapter  redis.RedisAdapter
	Queue         *queue.Queue
	Gateway       *fakeGateway
	AccountRepo   *repository.AccountRepository
	TxnRepo       *repository.TransactionRepository
	CampaignRepo  *repository.CampaignRepository
	TopupService  *services.TopupService
	ChargeService *services.ChargeService
	ChargeHandler *handlers.ChargeHandler
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	pgDB := helpers.SetupTestDB(t)
	mr, redisAdapter := helpers.SetupTestRedis(t)

	queueConfig := queue.QueueConfig{
		Name:              "test:campaign-increments",
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}

	q, err := queue.NewQueue(redisAdapter, queueConfig)
	require.NoError(t, err)

	accountRepo := repository.NewAccountRepository(pgDB)
	txnRepo := repository.NewTransactionRepository(pgDB)
	campaignRepo := repository.NewCampaignRepository(pgDB)

	gw := &fakeGateway{}
	topupService := services.NewTopupService(accountRepo, txnRepo, gw, redisAdapter, 30*time.Second)
	chargeService := services.NewChargeService(accountRepo, txnRepo, campaignRepo, topupService, q)
	chargeHandler := handlers.NewChargeHandler(chargeService)

	return &TestEnvironment{
		DB:            pgDB,
		Redis:         mr,
		RedisAdapter:  redisAdapter,
		Queue:         q,
		Gateway:       gw,
		AccountRepo:   accountRepo,
		TxnRepo:       txnRepo,
		CampaignRepo:  campaignRepo,
		TopupService:  topupService,
		ChargeService: chargeService,
		ChargeHandler: chargeHandler,
	}
}

func (env *TestEnvironment) Cleanup() {
	// Stop queue first (gracefully drain messages)
	if env.Queue != nil {
		_ = env.Queue.Stop(5 * time.Second)
	}
	// Give time for any in-flight operations to complete
	time.Sleep(100 * time.Millisecond)
	// Then close Redis
	if env.Redis != nil {
		env.Redis.Close()
	}
}

func TestE2E_ChargeDebitsBalanceAndWritesLedger(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	acct := helpers.CreateTestAccount(t, env.DB, decimal.RequireFromString("100.00"))
	campaign := helpers.CreateTestCampaign(t, env.DB, acct.ID, decimal.RequireFromString("2.50"))

	result, err := env.ChargeService.Charge(ctx, model.ChargeRequest{
		AccountID:       acct.ID,
		CampaignID:      campaign.ID,
		ImpressionCount: 1500,
		IdempotencyKey:  "e2e-batch-1",
	})
	require.NoError(t, err)
	assert.True(t, result.ChargedAmount.Equal(decimal.RequireFromString("3.75")))
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("96.25")))
	assert.False(t, result.Duplicate)

	var updated repository.AccountEntity
	err = env.DB.Read(ctx).First(&updated, acct.ID).Error
	require.NoError(t, err)
	assert.True(t, updated.Balance.Equal(decimal.RequireFromString("96.25")))

	var txn repository.TransactionEntity
	err = env.DB.Read(ctx).Where("advertiser_id = ? AND type = ?", acct.ID, "charge").First(&txn).Error
	require.NoError(t, err)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("-3.75")))
	assert.True(t, txn.BalanceAfter.Equal(decimal.RequireFromString("96.25")))

	stats, err := env.Queue.GetStats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalMessages, int64(1))
}

func TestE2E_ChargeIsIdempotent(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	acct := helpers.CreateTestAccount(t, env.DB, decimal.RequireFromString("100.00"))
	campaign := helpers.CreateTestCampaign(t, env.DB, acct.ID, decimal.RequireFromString("2.50"))

	req := model.ChargeRequest{
		AccountID:       acct.ID,
		CampaignID:      campaign.ID,
		ImpressionCount: 1500,
		IdempotencyKey:  "e2e-batch-repeat",
	}

	first, err := env.ChargeService.Charge(ctx, req)
	require.NoError(t, err)

	second, err := env.ChargeService.Charge(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.ChargedAmount.Equal(first.ChargedAmount))
	assert.True(t, second.NewBalance.Equal(first.NewBalance))

	var count int64
	env.DB.Read(ctx).Model(&repository.TransactionEntity{}).Where("advertiser_id = ?", acct.ID).Count(&count)
	assert.Equal(t, int64(1), count)

	var updated repository.AccountEntity
	err = env.DB.Read(ctx).First(&updated, acct.ID).Error
	require.NoError(t, err)
	assert.True(t, updated.Balance.Equal(decimal.RequireFromString("96.25")))
}

func TestE2E_InsufficientFundsWithoutTopup(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	acct := helpers.CreateTestAccount(t, env.DB, decimal.RequireFromString("10.00"))
	campaign := helpers.CreateTestCampaign(t, env.DB, acct.ID, decimal.RequireFromString("10.00"))

	result, err := env.ChargeService.Charge(ctx, model.ChargeRequest{
		AccountID:       acct.ID,
		CampaignID:      campaign.ID,
		ImpressionCount: 1500, // 15.00 against a 10.00 balance
		IdempotencyKey:  "e2e-overdraft",
	})
	assert.ErrorIs(t, err, services.ErrInsufficientFunds)
	assert.Nil(t, result)
	assert.Equal(t, int64(0), atomic.LoadInt64(&env.Gateway.chargeCalls))

	var updated repository.AccountEntity
	err = env.DB.Read(ctx).First(&updated, acct.ID).Error
	require.NoError(t, err)
	assert.True(t, updated.Balance.Equal(decimal.RequireFromString("10.00")))

	var count int64
	env.DB.Read(ctx).Model(&repository.TransactionEntity{}).Where("advertiser_id = ?", acct.ID).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestE2E_AutoTopupCoversCharge(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	acct := helpers.CreateTestAccountWithTopup(t, env.DB,
		decimal.RequireFromString("5.00"),
		decimal.RequireFromString("10.00"),
		decimal.RequireFromString("50.00"),
		"pm_e2e")
	campaign := helpers.CreateTestCampaign(t, env.DB, acct.ID, decimal.RequireFromString("10.00"))

	result, err := env.ChargeService.Charge(ctx, model.ChargeRequest{
		AccountID:       acct.ID,
		CampaignID:      campaign.ID,
		ImpressionCount: 1500, // 15.00 against a 5.00 balance
		IdempotencyKey:  "e2e-topup-charge",
	})
	require.NoError(t, err)

	// 5.00 + 50.00 top-up - 15.00 charge
	assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("40.00")))
	assert.Equal(t, int64(1), atomic.LoadInt64(&env.Gateway.chargeCalls))

	var txns []repository.TransactionEntity
	err = env.DB.Read(ctx).Where("advertiser_id = ?", acct.ID).Order("id ASC").Find(&txns).Error
	require.NoError(t, err)
	require.Len(t, txns, 2)

	assert.Equal(t, "topup", txns[0].Type)
	assert.True(t, txns[0].Amount.Equal(decimal.RequireFromString("50.00")))
	assert.True(t, txns[0].BalanceAfter.Equal(decimal.RequireFromString("55.00")))
	require.NotNil(t, txns[0].ExternalPaymentRef)
	assert.Equal(t, "ch_1", *txns[0].ExternalPaymentRef)

	assert.Equal(t, "charge", txns[1].Type)
	assert.True(t, txns[1].Amount.Equal(decimal.RequireFromString("-15.00")))
	assert.True(t, txns[1].BalanceAfter.Equal(decimal.RequireFromString("40.00")))
}

func TestE2E_DeclinedTopupLeavesLedgerUntouched(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	acct := helpers.CreateTestAccountWithTopup(t, env.DB,
		decimal.RequireFromString("5.00"),
		decimal.Zero,
		decimal.RequireFromString("50.00"),
		"pm_e2e")
	campaign := helpers.CreateTestCampaign(t, env.DB, acct.ID, decimal.RequireFromString("10.00"))

	env.Gateway.decline = &gateway.DeclineError{Code: "card_expired", Message: "card expired"}

	result, err := env.ChargeService.Charge(ctx, model.ChargeRequest{
		AccountID:       acct.ID,
		CampaignID:      campaign.ID,
		ImpressionCount: 1500,
		IdempotencyKey:  "e2e-declined",
	})
	assert.ErrorIs(t, err, services.ErrTopUpFailed)
	assert.Nil(t, result)

	var updated repository.AccountEntity
	err = env.DB.Read(ctx).First(&updated, acct.ID).Error
	require.NoError(t, err)
	assert.True(t, updated.Balance.Equal(decimal.RequireFromString("5.00")))

	var count int64
	env.DB.Read(ctx).Model(&repository.TransactionEntity{}).Where("advertiser_id = ?", acct.ID).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestE2E_AggregatorAppliesIncrement(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	acct := helpers.CreateTestAccount(t, env.DB, decimal.RequireFromString("100.00"))
	campaign := helpers.CreateTestCampaign(t, env.DB, acct.ID, decimal.RequireFromString("2.50"))

	_, err := env.ChargeService.Charge(ctx, model.ChargeRequest{
		AccountID:       acct.ID,
		CampaignID:      campaign.ID,
		ImpressionCount: 1500,
		IdempotencyKey:  "e2e-aggregate",
	})
	require.NoError(t, err)

	processor := aggregator.NewCampaignIncrementProcessor(env.CampaignRepo)
	applied := make(chan bool, 1)

	err = env.Queue.Consume(func(ctx context.Context, msg *queue.Message) error {
		if err := processor.Process(ctx, msg); err != nil {
			return err
		}
		applied <- true
		return nil
	})
	require.NoError(t, err)

	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("increment not consumed within timeout")
	}

	var updated repository.CampaignEntity
	err = env.DB.Read(ctx).First(&updated, campaign.ID).Error
	require.NoError(t, err)
	assert.True(t, updated.TotalSpent.Equal(decimal.RequireFromString("3.75")))
	assert.Equal(t, int64(1500), updated.TotalImpressions)
}

func TestE2E_TopupWindowCollapsesDuplicateTriggers(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	acct := helpers.CreateTestAccountWithTopup(t, env.DB,
		decimal.RequireFromString("0.00"),
		decimal.Zero,
		decimal.RequireFromString("50.00"),
		"pm_e2e")

	first, err := env.TopupService.TopUp(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, first.CreditedAmount.Equal(decimal.RequireFromString("50.00")))

	// Same coordination window: the second trigger replays the ledger row
	// instead of charging the card again.
	second, err := env.TopupService.TopUp(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ExternalPaymentRef, second.ExternalPaymentRef)
	assert.Equal(t, int64(1), atomic.LoadInt64(&env.Gateway.chargeCalls))

	var count int64
	env.DB.Read(ctx).Model(&repository.TransactionEntity{}).Where("advertiser_id = ?", acct.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}
