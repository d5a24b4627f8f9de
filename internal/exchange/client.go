// Package exchange implements the clients for the external collaborators:
// the order executor REST API and the top-of-book WebSocket feed.
//
// The REST client (Client) talks to the executor for order management:
//   - PlaceLimit:   POST /orders            — submit one signed limit order
//   - Cancel:       DELETE /orders/{id}     — cancel by order id
//   - GetOrder:     GET /orders/{id}        — status + matched/remaining size
//   - GetTickSize:  GET /tick-size          — price granularity (cached 10m)
//   - GetPositions: GET /positions          — paged positions listing
//
// The executor owns signing and credentials; this client only speaks its
// JSON shapes. Every request is rate-limited via per-category TokenBuckets
// and automatically retried on 5xx errors. Responses tolerate camelCase and
// snake_case field variants — the executor has shipped both.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"updown-mm/internal/config"
	"updown-mm/pkg/types"
)

const (
	tickSizeTTL      = 10 * time.Minute
	positionsPageMax = 500
	positionsHardCap = 2000
)

// Client is the executor REST API client.
// It wraps a resty HTTP client with rate limiting and retry.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls

	tickMu    sync.Mutex
	tickCache map[string]tickEntry

	dryRunSeq int

	logger *slog.Logger
}

type tickEntry struct {
	tick      decimal.Decimal
	fetchedAt time.Time
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.ExecutorBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:      httpClient,
		rl:        NewRateLimiter(),
		dryRun:    cfg.DryRun,
		tickCache: make(map[string]tickEntry),
		logger:    logger.With("component", "executor"),
	}
}

// placeRequest is the executor's order submission body.
type placeRequest struct {
	TokenID   string `json:"tokenId"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	OrderType string `json:"orderType"`
}

// placeResponse tolerates every order-id spelling the executor has used.
type placeResponse struct {
	OrderIDUpper string `json:"orderID"`
	OrderIDCamel string `json:"orderId"`
	OrderIDSnake string `json:"order_id"`
	Success      *bool  `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
}

func (r placeResponse) orderID() string {
	switch {
	case r.OrderIDUpper != "":
		return r.OrderIDUpper
	case r.OrderIDCamel != "":
		return r.OrderIDCamel
	default:
		return r.OrderIDSnake
	}
}

// PlaceLimit submits a BUY/SELL limit order. Size is rounded to 2 decimals
// and price is passed through as computed (already tick-aligned by the
// quote calculator). An empty OrderID in the result means the executor
// did not accept the order.
func (c *Client) PlaceLimit(ctx context.Context, tokenID string, side types.Side, price, size decimal.Decimal, orderType types.OrderType) (types.PlaceResult, error) {
	if c.dryRun {
		c.dryRunSeq++
		id := fmt.Sprintf("dry-run-%d", c.dryRunSeq)
		c.logger.Info("DRY-RUN: would place order",
			"token", tokenID, "side", side, "price", price, "size", size)
		return types.PlaceResult{OrderID: id}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.PlaceResult{}, err
	}

	req := placeRequest{
		TokenID:   tokenID,
		Side:      string(side),
		Price:     price.String(),
		Size:      size.Truncate(2).String(),
		OrderType: string(orderType),
	}

	var result placeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return types.PlaceResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return types.PlaceResult{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	// 4xx is a rejection, not a transport error: surface the message, no id.
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		var rej placeResponse
		msg := strings.TrimSpace(resp.String())
		if json.Unmarshal(resp.Body(), &rej) == nil && rej.ErrorMsg != "" {
			msg = rej.ErrorMsg
		}
		return types.PlaceResult{ErrorMsg: msg, Raw: resp.Body()}, nil
	}

	return types.PlaceResult{OrderID: result.orderID(), ErrorMsg: result.ErrorMsg, Raw: resp.Body()}, nil
}

// Cancel cancels a single order by id.
func (c *Client) Cancel(ctx context.Context, orderID string) (bool, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return true, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	var result struct {
		Canceled bool `json:"canceled"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Delete("/orders/" + orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Canceled, nil
}

// flexNumber decodes a numeric field the executor serializes sometimes as
// a JSON number and sometimes as a string.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		s = ""
	}
	*n = flexNumber(s)
	return nil
}

func (n flexNumber) String() string { return string(n) }

// orderStatusResponse accepts the executor's camel and snake field variants.
type orderStatusResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`

	MatchedSnake *flexNumber `json:"matched_size"`
	MatchedCamel *flexNumber `json:"matchedSize"`
	SizeMatched  *flexNumber `json:"size_matched"`

	RemainingSnake *flexNumber `json:"remaining_size"`
	RemainingCamel *flexNumber `json:"remainingSize"`
	SizeRemaining  *flexNumber `json:"size_remaining"`
}

func firstDecimal(candidates ...*flexNumber) *decimal.Decimal {
	for _, n := range candidates {
		if n == nil || *n == "" {
			continue
		}
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			continue
		}
		return &d
	}
	return nil
}

// GetOrder fetches the current status of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (types.OrderStatus, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.OrderStatus{}, err
	}

	var result orderStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/orders/" + orderID)
	if err != nil {
		return types.OrderStatus{}, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderStatus{}, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return types.OrderStatus{
		Status:    result.Status,
		Mode:      result.Mode,
		Matched:   firstDecimal(result.MatchedSnake, result.MatchedCamel, result.SizeMatched),
		Remaining: firstDecimal(result.RemainingSnake, result.RemainingCamel, result.SizeRemaining),
	}, nil
}

// GetTickSize returns the market's price granularity for a token,
// cached for 10 minutes. Staleness here is not safety-critical.
func (c *Client) GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	c.tickMu.Lock()
	if e, ok := c.tickCache[tokenID]; ok && time.Since(e.fetchedAt) < tickSizeTTL {
		c.tickMu.Unlock()
		return e.tick, nil
	}
	c.tickMu.Unlock()

	if err := c.rl.Query.Wait(ctx); err != nil {
		return decimal.Decimal{}, err
	}

	var result struct {
		TickSize flexNumber `json:"tick_size"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/tick-size")
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("get tick size: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("get tick size: status %d: %s", resp.StatusCode(), resp.String())
	}

	tick, err := decimal.NewFromString(result.TickSize.String())
	if err != nil || tick.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("get tick size: bad value %q", result.TickSize)
	}

	c.tickMu.Lock()
	c.tickCache[tokenID] = tickEntry{tick: tick, fetchedAt: time.Now()}
	c.tickMu.Unlock()

	return tick, nil
}

// positionRow matches the executor's positions listing.
type positionRow struct {
	Asset        string     `json:"asset"`
	Size         flexNumber `json:"size"`
	InitialValue flexNumber `json:"initialValue"`
	Redeemable   bool       `json:"redeemable"`
}

// GetPositions walks the paged positions listing until a short page or the
// hard offset cap.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	var all []types.Position
	limit := positionsPageMax

	for offset := 0; offset < positionsHardCap; offset += limit {
		if err := c.rl.Query.Wait(ctx); err != nil {
			return nil, err
		}

		var page []positionRow
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  fmt.Sprintf("%d", limit),
				"offset": fmt.Sprintf("%d", offset),
			}).
			SetResult(&page).
			Get("/positions")
		if err != nil {
			return nil, fmt.Errorf("get positions page %d: %w", offset, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
		}

		for _, row := range page {
			size, err := decimal.NewFromString(row.Size.String())
			if err != nil {
				continue
			}
			initial, err := decimal.NewFromString(row.InitialValue.String())
			if err != nil {
				initial = decimal.Zero
			}
			all = append(all, types.Position{
				Asset:        row.Asset,
				Size:         size,
				InitialValue: initial,
				Redeemable:   row.Redeemable,
			})
		}

		if len(page) < limit {
			break
		}
	}

	return all, nil
}
