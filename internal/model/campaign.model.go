package model

import "github.com/shopspring/decimal"

// Campaign carries the CPM bid used for pricing and the derived spend
// counters maintained by the aggregator. The counters are eventually
// consistent bookkeeping, not part of the ledger invariants.
type Campaign struct {
	ID               int64           `json:"id"`
	AdvertiserID     int64           `json:"advertiser_id"`
	Name             string          `json:"name"`
	CPMBid           decimal.Decimal `json:"cpm_bid"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	TotalImpressions int64           `json:"total_impressions"`
	Active           bool            `json:"active"`
}

func (Campaign) TableName() string { return "campaigns" }

// CampaignIncrement is the queue payload published after a successful charge
// and consumed by the aggregator.
type CampaignIncrement struct {
	CampaignID      int64           `json:"campaign_id"`
	Amount          decimal.Decimal `json:"amount"`
	ImpressionCount int64           `json:"impression_count"`
}
