package repository

import (
	"context"
	"errors"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/pkg/pg"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrCampaignNotFound = errors.New("campaign not found")

type CampaignRepository struct {
	*pg.DB
}

func NewCampaignRepository(db *pg.DB) *CampaignRepository {
	return &CampaignRepository{
		db,
	}
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	entity := toCampaignEntity(c)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toCampaignModel(entity), nil
}

func (r *CampaignRepository) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	var entity CampaignEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}

	return toCampaignModel(&entity), nil
}

// ApplyIncrement rolls one charge into the campaign spend counters. The
// counters are a derived view; this runs outside the ledger transaction and
// failures are retried by the aggregator.
func (r *CampaignRepository) ApplyIncrement(ctx context.Context, campaignID int64, amount decimal.Decimal, impressions int64) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&CampaignEntity{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"total_spent":       gorm.Expr("total_spent + ?", amount),
			"total_impressions": gorm.Expr("total_impressions + ?", impressions),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	return nil
}
