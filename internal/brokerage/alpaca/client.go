// Package alpaca implements the brokerage capability against the Alpaca
// trading REST API.
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
	"portfolio_engine/pkg/httpclient"
)

// keySigner adds the Alpaca authentication headers to every request.
type keySigner struct {
	apiKey    string
	secretKey string
}

func (s *keySigner) SignRequest(req *http.Request) error {
	req.Header.Set("APCA-API-KEY-ID", s.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", s.secretKey)
	return nil
}

// Client talks to one Alpaca trading endpoint. Accounts map to separate
// credential sets; the engine holds one Client per account.
type Client struct {
	http   *httpclient.Client
	logger core.Logger
}

// Config holds the connection settings for one account's credentials.
type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
}

func NewClient(cfg Config, logger core.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	signer := &keySigner{apiKey: cfg.APIKey, secretKey: cfg.SecretKey}
	return &Client{
		http:   httpclient.NewClient(cfg.BaseURL, cfg.Timeout, signer),
		logger: logger.WithField("component", "alpaca_client"),
	}
}

type accountResponse struct {
	ID          string          `json:"id"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

type positionResponse struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

type orderResponse struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Status        string          `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FilledAvgPx   decimal.Decimal `json:"filled_avg_price"`
	FilledAt      *time.Time      `json:"filled_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (c *Client) GetAccount(ctx context.Context, accountID string) (*core.Account, error) {
	body, err := c.http.Get(ctx, "/v2/account", nil)
	if err != nil {
		return nil, mapError("get account", err)
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse account response: %w", err)
	}
	return &core.Account{
		ID:          accountID,
		Cash:        resp.Cash,
		BuyingPower: resp.BuyingPower,
	}, nil
}

func (c *Client) GetPositions(ctx context.Context, accountID string) ([]*core.Position, error) {
	body, err := c.http.Get(ctx, "/v2/positions", nil)
	if err != nil {
		return nil, mapError("get positions", err)
	}

	var resp []positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse positions response: %w", err)
	}

	out := make([]*core.Position, 0, len(resp))
	for _, p := range resp {
		out = append(out, &core.Position{
			AccountID:     accountID,
			Symbol:        p.Symbol,
			Quantity:      p.Qty,
			AvgCostBasis:  p.AvgEntryPrice,
			MarketValue:   p.MarketValue.Abs(),
			UnrealizedPnL: p.UnrealizedPL,
			UpdatedAt:     time.Now().UTC(),
		})
	}
	return out, nil
}

func (c *Client) SubmitOrder(ctx context.Context, accountID string, req core.SubmitRequest) (*core.BrokerOrder, error) {
	payload := map[string]interface{}{
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"type":            string(req.Type),
		"time_in_force":   "day",
		"client_order_id": req.IdempotencyKey,
	}
	if req.Quantity.IsPositive() {
		payload["qty"] = req.Quantity.String()
	} else {
		payload["notional"] = req.Notional.Round(2).String()
	}
	if req.Type == core.TypeLimit && req.LimitPrice.IsPositive() {
		payload["limit_price"] = req.LimitPrice.String()
	}

	body, err := c.http.Post(ctx, "/v2/orders", payload)
	if err != nil {
		return nil, mapError("submit order", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return toBrokerOrder(&resp), nil
}

// GetOrder looks an order up by broker id when known, falling back to the
// client order id. The fallback is what resolves a submission whose
// response was lost.
func (c *Client) GetOrder(ctx context.Context, accountID, orderID, idempotencyKey string) (*core.BrokerOrder, error) {
	var body []byte
	var err error

	if orderID != "" {
		body, err = c.http.Get(ctx, "/v2/orders/"+orderID, nil)
	} else {
		body, err = c.http.Get(ctx, "/v2/orders:by_client_order_id",
			map[string]string{"client_order_id": idempotencyKey})
	}
	if err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			// No such order: the submission never landed.
			return nil, nil
		}
		return nil, mapError("get order", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return toBrokerOrder(&resp), nil
}

func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) error {
	if _, err := c.http.Delete(ctx, "/v2/orders/"+orderID, nil); err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return mapError("cancel order", err)
	}
	return nil
}

func toBrokerOrder(resp *orderResponse) *core.BrokerOrder {
	order := &core.BrokerOrder{
		OrderID:       resp.ID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          core.OrderSide(resp.Side),
		State:         mapStatus(resp.Status),
	}

	// The REST API reports cumulative filled quantity, not per-execution
	// fills. Surface it as one cumulative fill; the execution engine turns
	// successive totals into increments.
	if resp.FilledQty.IsPositive() {
		at := resp.UpdatedAt
		if resp.FilledAt != nil {
			at = *resp.FilledAt
		}
		order.Fills = []core.Fill{{
			ID:         resp.ID + ":cumulative",
			Quantity:   resp.FilledQty,
			Price:      resp.FilledAvgPx,
			Timestamp:  at,
			Cumulative: true,
		}}
	}
	return order
}

func mapStatus(status string) core.OrderState {
	switch status {
	case "new", "accepted", "pending_new":
		return core.OrderSubmitted
	case "partially_filled":
		return core.OrderPartiallyFilled
	case "filled":
		return core.OrderFilled
	case "rejected":
		return core.OrderRejected
	case "canceled", "pending_cancel", "done_for_day":
		return core.OrderCancelled
	case "expired":
		return core.OrderExpired
	default:
		return core.OrderSubmitted
	}
}

// mapError classifies transport failures as transient and 4xx responses
// as terminal rejections, distinguishing the rejection kinds the risk
// and execution layers care about.
func mapError(op string, err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return core.Transient(op, err)
	}

	if apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests {
		return core.Transient(op, err)
	}

	msg := strings.ToLower(string(apiErr.Body))
	switch {
	case strings.Contains(msg, "insufficient buying power"), strings.Contains(msg, "insufficient balance"):
		return fmt.Errorf("%s: %w", op, core.ErrInsufficientBuyingPower)
	case strings.Contains(msg, "halted"), strings.Contains(msg, "not tradable"):
		return fmt.Errorf("%s: %w", op, core.ErrSymbolHalted)
	default:
		return &core.RejectionError{Reason: string(apiErr.Body), Err: err}
	}
}
