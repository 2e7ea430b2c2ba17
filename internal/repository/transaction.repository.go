package repository

import (
	"context"
	"errors"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/pkg/pg"
	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("ledger transaction not found")

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.LedgerTransaction) (*model.LedgerTransaction, error) {
	entity := toTransactionEntity(txn)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, err
	}

	return toTransactionModel(entity), nil
}

// GetByIdempotencyKey returns the transaction previously recorded for this
// account and key, or ErrTransactionNotFound. Callers use it to replay the
// recorded result of an already-resolved charge instead of debiting again.
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, advertiserID int64, key string) (*model.LedgerTransaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("advertiser_id = ? AND idempotency_key = ?", advertiserID, key).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	return toTransactionModel(&entity), nil
}

func (r *TransactionRepository) List(ctx context.Context, f model.TransactionFilter) ([]*model.LedgerTransaction, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	if f.AdvertiserID != nil {
		q = q.Where("advertiser_id = ?", *f.AdvertiserID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q = q.Where("type IN ?", types)
	}
	if f.CampaignID != nil {
		q = q.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at ASC, id ASC"
	if f.Desc {
		order = "created_at DESC, id DESC"
	}
	q = q.Order(order)

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var entities []*TransactionEntity
	if err := q.Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toTransactionModels(entities), total, nil
}
