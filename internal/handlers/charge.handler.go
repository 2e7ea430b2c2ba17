package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/adverve/billing-engine/internal/model"
	"github.com/adverve/billing-engine/internal/services"
	xhttp "github.com/adverve/billing-engine/pkg/http"
	"github.com/fasthttp/router"
	"github.com/shopspring/decimal"
)

type ChargeService interface {
	Charge(ctx context.Context, req model.ChargeRequest) (*model.ChargeResult, error)
	Adjust(ctx context.Context, req model.AdjustmentRequest) (*model.AdjustmentResult, error)
	ListTransactions(ctx context.Context, f model.TransactionFilter) ([]*model.LedgerTransaction, int64, error)
	GetAccount(ctx context.Context, id int64) (*model.AdvertiserAccount, error)
}
type ChargeHandler struct {
	svc ChargeService
}

func RegisterChargeRoutes(e *router.Group, h *ChargeHandler) {
	e.POST("/charges", h.CreateCharge)
	e.GET("/accounts/{id}", h.GetAccount)
	e.GET("/accounts/{id}/transactions", h.ListTransactions)
	e.POST("/accounts/{id}/adjustments", h.CreateAdjustment)
}

func NewChargeHandler(svc ChargeService) *ChargeHandler {
	return &ChargeHandler{
		svc: svc,
	}
}

type createChargeRequest struct {
	AccountID       int64  `json:"account_id"`
	CampaignID      int64  `json:"campaign_id"`
	ImpressionCount int64  `json:"impression_count"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type chargeResponse struct {
	ChargedAmount string `json:"charged_amount"`
	NewBalance    string `json:"new_balance"`
	Duplicate     bool   `json:"duplicate"`
}

type createAdjustmentRequest struct {
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

type adjustmentResponse struct {
	Amount     string `json:"amount"`
	NewBalance string `json:"new_balance"`
	Duplicate  bool   `json:"duplicate"`
}

type accountResponse struct {
	ID                 int64  `json:"id"`
	Balance            string `json:"balance"`
	AutoTopupEnabled   bool   `json:"auto_topup_enabled"`
	AutoTopupThreshold string `json:"auto_topup_threshold"`
	AutoTopupAmount    string `json:"auto_topup_amount"`
	Active             bool   `json:"active"`
}

type transactionListResponse struct {
	Items []*model.LedgerTransaction `json:"items"`
	Total int64                      `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *ChargeHandler) CreateCharge(ctx *xhttp.RequestCtx) {
	var req createChargeRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	// Idempotency-Key header wins over the body field when both are present.
	if hdr := string(ctx.Request.Header.Peek("Idempotency-Key")); hdr != "" {
		req.IdempotencyKey = hdr
	}

	result, err := h.svc.Charge(ctx, model.ChargeRequest{
		AccountID:       req.AccountID,
		CampaignID:      req.CampaignID,
		ImpressionCount: req.ImpressionCount,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		writeChargeError(ctx, err)
		return
	}

	status := 201
	if result.Duplicate {
		status = 200
	}
	writeJSON(ctx, status, chargeResponse{
		ChargedAmount: result.ChargedAmount.StringFixed(2),
		NewBalance:    result.NewBalance.StringFixed(2),
		Duplicate:     result.Duplicate,
	})
}

func (h *ChargeHandler) CreateAdjustment(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid account id")
		return
	}

	var req createAdjustmentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(ctx, 400, "invalid amount: "+req.Amount)
		return
	}

	if hdr := string(ctx.Request.Header.Peek("Idempotency-Key")); hdr != "" {
		req.IdempotencyKey = hdr
	}

	result, err := h.svc.Adjust(ctx, model.AdjustmentRequest{
		AccountID:      id,
		Type:           model.TransactionType(req.Type),
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeChargeError(ctx, err)
		return
	}

	status := 201
	if result.Duplicate {
		status = 200
	}
	writeJSON(ctx, status, adjustmentResponse{
		Amount:     result.Amount.StringFixed(2),
		NewBalance: result.NewBalance.StringFixed(2),
		Duplicate:  result.Duplicate,
	})
}

func (h *ChargeHandler) GetAccount(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid account id")
		return
	}

	acct, err := h.svc.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}

	writeJSON(ctx, 200, accountResponse{
		ID:                 acct.ID,
		Balance:            acct.Balance.StringFixed(2),
		AutoTopupEnabled:   acct.AutoTopupEnabled,
		AutoTopupThreshold: acct.AutoTopupThreshold.StringFixed(2),
		AutoTopupAmount:    acct.AutoTopupAmount.StringFixed(2),
		Active:             acct.Active,
	})
}

func (h *ChargeHandler) ListTransactions(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid account id")
		return
	}

	f := model.TransactionFilter{AdvertiserID: &id}

	if v := query(ctx, "type"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Types = append(f.Types, model.TransactionType(parts[i]))
			}
		}
	}
	if v := query(ctx, "campaign_id"); v != "" {
		if cid, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.CampaignID = &cid
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.ListTransactions(ctx, f)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, transactionListResponse{Items: items, Total: total})
}

func writeChargeError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidImpressionCount),
		errors.Is(err, model.ErrMissingIdempotencyKey),
		errors.Is(err, model.ErrInvalidAdjustmentType),
		errors.Is(err, model.ErrInvalidAdjustmentAmount):
		writeError(ctx, 400, err.Error())
	case errors.Is(err, services.ErrInsufficientFunds),
		errors.Is(err, services.ErrNoPaymentMethod),
		errors.Is(err, services.ErrTopUpFailed):
		writeError(ctx, 402, err.Error())
	case errors.Is(err, services.ErrAccountNotFound),
		errors.Is(err, services.ErrCampaignNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, services.ErrLedgerUnavailable):
		writeError(ctx, 503, err.Error())
	default:
		writeError(ctx, 500, err.Error())
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
