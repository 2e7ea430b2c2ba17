package repository

import (
	"github.com/adverve/billing-engine/internal/model"
	"github.com/shopspring/decimal"
)

type CampaignEntity struct {
	ID               int64           `db:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	AdvertiserID     int64           `db:"advertiser_id"     gorm:"column:advertiser_id;not null;index"`
	Name             string          `db:"name"              gorm:"column:name;not null"`
	CPMBid           decimal.Decimal `db:"cpm_bid"           gorm:"column:cpm_bid;type:numeric(14,2);not null"`
	TotalSpent       decimal.Decimal `db:"total_spent"       gorm:"column:total_spent;type:numeric(14,2);not null;default:0"`
	TotalImpressions int64           `db:"total_impressions" gorm:"column:total_impressions;not null;default:0"`
	Active           bool            `db:"active"            gorm:"column:active;not null;default:true"`
}

func (CampaignEntity) TableName() string {
	return "campaigns"
}

func toCampaignEntity(m *model.Campaign) *CampaignEntity {
	if m == nil {
		return nil
	}
	return &CampaignEntity{
		ID:               m.ID,
		AdvertiserID:     m.AdvertiserID,
		Name:             m.Name,
		CPMBid:           m.CPMBid,
		TotalSpent:       m.TotalSpent,
		TotalImpressions: m.TotalImpressions,
		Active:           m.Active,
	}
}

func toCampaignModel(e *CampaignEntity) *model.Campaign {
	if e == nil {
		return nil
	}
	return &model.Campaign{
		ID:               e.ID,
		AdvertiserID:     e.AdvertiserID,
		Name:             e.Name,
		CPMBid:           e.CPMBid,
		TotalSpent:       e.TotalSpent,
		TotalImpressions: e.TotalImpressions,
		Active:           e.Active,
	}
}
