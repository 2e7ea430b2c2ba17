package aggregator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/internal/queue"
	"github.com/adverve/billing-engine/internal/repository"
	"github.com/adverve/billing-engine/pkg/logger"
	"github.com/adverve/billing-engine/pkg/prom"
	"github.com/shopspring/decimal"
)

type CampaignRepository interface {
	ApplyIncrement(ctx context.Context, campaignID int64, amount decimal.Decimal, impressions int64) error
}

type CampaignIncrementProcessor struct {
	campaignRepo CampaignRepository
}

func NewCampaignIncrementProcessor(campaignRepo CampaignRepository) *CampaignIncrementProcessor {
	return &CampaignIncrementProcessor{
		campaignRepo: campaignRepo,
	}
}

func (p *CampaignIncrementProcessor) GetType() string {
	return "campaign_increment"
}

// Process rolls a single charge into the campaign spend counters. The
// counters are a lagging, derived view: the ledger already committed, so a
// failure here must never bounce back to the charge path. Transient errors
// are NACKed for redelivery; increments that can never apply are ACKed away.
func (p *CampaignIncrementProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var inc model.CampaignIncrement
	if err := json.Unmarshal(queueMessage.Data, &inc); err != nil {
		logger.Error("Failed to unmarshal campaign increment", "error", err)
		prom.IncCounterVec(prom.SystemAggregator, prom.MetricIncrementTotal, "malformed")
		return err // move to DLQ, retrying won't fix the payload
	}

	err := p.campaignRepo.ApplyIncrement(ctx, inc.CampaignID, inc.Amount, inc.ImpressionCount)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			// Campaign row is gone; the increment has nowhere to land and a
			// redelivery won't change that.
			logger.Warn("Dropping increment for unknown campaign", "campaign_id", inc.CampaignID)
			prom.IncCounterVec(prom.SystemAggregator, prom.MetricIncrementTotal, "unknown_campaign")
			return nil
		}
		logger.Error("Failed to apply campaign increment",
			"campaign_id", inc.CampaignID,
			"amount", inc.Amount.String(),
			"error", err)
		prom.IncCounterVec(prom.SystemAggregator, prom.MetricIncrementTotal, "error")
		return err // NACK to retry
	}

	logger.Debug("Applied campaign increment",
		"campaign_id", inc.CampaignID,
		"amount", inc.Amount.String(),
		"impressions", inc.ImpressionCount)
	prom.IncCounterVec(prom.SystemAggregator, prom.MetricIncrementTotal, "applied")

	return nil
}
