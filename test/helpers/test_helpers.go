package helpers

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/adverve/billing-engine/internal/repository"
	"github.com/adverve/billing-engine/pkg/pg"
	"github.com/adverve/billing-engine/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	// In-memory sqlite gives every pooled connection its own database; pin
	// the pool to one connection so all sessions share the same tables.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&repository.AccountEntity{},
		&repository.TransactionEntity{},
		&repository.CampaignEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Adapters are cached globally by connection name; use a unique name so
	// each test talks to its own miniredis.
	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestAccount(t *testing.T, db *pg.DB, balance decimal.Decimal) *repository.AccountEntity {
	ctx := context.Background()
	acct := &repository.AccountEntity{
		Balance: balance,
		Active:  true,
	}
	err := db.Write(ctx).Create(acct).Error
	require.NoError(t, err)
	return acct
}

func CreateTestAccountWithTopup(t *testing.T, db *pg.DB, balance, threshold, amount decimal.Decimal, paymentMethodRef string) *repository.AccountEntity {
	ctx := context.Background()
	acct := &repository.AccountEntity{
		Balance:            balance,
		AutoTopupEnabled:   true,
		AutoTopupThreshold: threshold,
		AutoTopupAmount:    amount,
		PaymentMethodRef:   paymentMethodRef,
		Active:             true,
	}
	err := db.Write(ctx).Create(acct).Error
	require.NoError(t, err)
	return acct
}

func CreateTestCampaign(t *testing.T, db *pg.DB, advertiserID int64, cpmBid decimal.Decimal) *repository.CampaignEntity {
	ctx := context.Background()
	campaign := &repository.CampaignEntity{
		AdvertiserID: advertiserID,
		Name:         "test-campaign",
		CPMBid:       cpmBid,
		Active:       true,
	}
	err := db.Write(ctx).Create(campaign).Error
	require.NoError(t, err)
	return campaign
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
