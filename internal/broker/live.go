package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/brokerstream"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/retry"
)

// APIError is a non-2xx response from the brokerage's REST API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}

// LiveBroker implements the Broker Port against a Tradier-shaped brokerage
// REST API (account-scoped order/position/balance endpoints, bearer auth,
// form-encoded POST bodies) plus its streaming quote/execution feeds. Equity
// orders only; it does not know about option chains or multi-leg strategies.
type LiveBroker struct {
	client      *http.Client
	apiKey      string
	baseURL     string
	streamURL   string
	logger      *logrus.Logger
	clk         clock.Clock
	retryClient *retry.Client

	streamMu    sync.Mutex
	quoteStream *brokerstream.Manager
	execStream  *brokerstream.Manager
}

// NewLiveBroker constructs a LiveBroker. baseURL is the REST API root (e.g.
// "https://api.example-broker.com/v1"); streamURL is the websocket root for
// quote/execution subscriptions. Every REST call made through it retries
// transient failures with jittered exponential backoff via internal/retry.
func NewLiveBroker(apiKey, baseURL, streamURL string, clk clock.Clock, logger *logrus.Logger) *LiveBroker {
	if logger == nil {
		logger = logrus.New()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &LiveBroker{
		client:      &http.Client{Timeout: 15 * time.Second},
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		streamURL:   streamURL,
		logger:      logger,
		clk:         clk,
		retryClient: retry.NewClient(log.New(logger.Writer(), "", 0)),
	}
}

// Authenticate validates the configured bearer token against the account
// profile endpoint. The returned Token never actually expires server-side
// for a static API key, but the core treats ExpiresAt as advisory.
func (b *LiveBroker) Authenticate(ctx context.Context) (Token, error) {
	var profile struct {
		Profile struct {
			ID string `json:"id"`
		} `json:"profile"`
	}
	if err := b.doRequest(ctx, http.MethodGet, "/user/profile", nil, &profile); err != nil {
		return Token{}, fmt.Errorf("broker: authenticate: %w", err)
	}
	return Token{Value: b.apiKey, ExpiresAt: b.clk.Now().Add(time.Hour)}, nil
}

// PlaceOrder submits an equity order and returns the broker-assigned order
// ID. req.IdempotencyKey rides along as the order's client tag; the broker
// itself does not dedup, so a caller retrying after a network timeout must
// still check GetOrders before retrying (the Order Service does this via
// SendOrder's own idempotency_key bookkeeping).
func (b *LiveBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", req.Symbol)
	form.Set("side", strings.ToLower(string(req.Side)))
	form.Set("quantity", strconv.FormatInt(req.Qty, 10))
	form.Set("duration", "day")
	form.Set("tag", sanitizeTag(req.IdempotencyKey))

	switch req.OrderType {
	case models.OrderTypeLimit:
		form.Set("type", "limit")
		form.Set("price", req.Price.StringFixed(2))
	default:
		form.Set("type", "market")
	}

	var resp struct {
		Order struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"order"`
	}
	path := fmt.Sprintf("/accounts/%s/orders", url.PathEscape(req.AccountID))
	if err := b.doForm(ctx, http.MethodPost, path, form, &resp); err != nil {
		return "", fmt.Errorf("broker: place_order %s %s: %w", req.Symbol, req.Side, err)
	}
	if resp.Order.ID.String() == "" {
		return "", fmt.Errorf("broker: place_order %s: empty order id in response", req.Symbol)
	}
	return resp.Order.ID.String(), nil
}

// CancelOrder requests a cancel. A true result means the broker accepted the
// request, not that the order is already canceled.
func (b *LiveBroker) CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error) {
	path := fmt.Sprintf("/accounts/%s/orders/%s", url.PathEscape(accountID), url.PathEscape(brokerOrderID))
	var resp struct {
		Order struct {
			Status string `json:"status"`
		} `json:"order"`
	}
	if err := b.doRequest(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return false, fmt.Errorf("broker: cancel_order %s: %w", brokerOrderID, err)
	}
	return true, nil
}

type brokerOrder struct {
	ID             json.Number `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           string      `json:"side"`
	Type           string      `json:"type"`
	Quantity       json.Number `json:"quantity"`
	Price          json.Number `json:"price"`
	Status         string      `json:"status"`
	ExecQuantity   json.Number `json:"exec_quantity"`
	AvgFillPrice   json.Number `json:"avg_fill_price"`
	CreateDate     string      `json:"create_date"`
	TransactionDate string     `json:"transaction_date"`
	Tag            string      `json:"tag"`
}

// GetOrders lists every order currently known to the broker for accountID,
// translated into the core's Order model. The broker is the source of truth
// for fill state; the Reconciler uses this to catch fills missed during a
// stream outage.
func (b *LiveBroker) GetOrders(ctx context.Context, accountID string) ([]*models.Order, error) {
	var resp struct {
		Orders struct {
			Order []brokerOrder `json:"order"`
		} `json:"orders"`
	}
	path := fmt.Sprintf("/accounts/%s/orders", url.PathEscape(accountID))
	if err := b.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: get_orders: %w", err)
	}

	out := make([]*models.Order, 0, len(resp.Orders.Order))
	for _, bo := range resp.Orders.Order {
		out = append(out, toModelOrder(bo))
	}
	return out, nil
}

func toModelOrder(bo brokerOrder) *models.Order {
	qty, _ := bo.Quantity.Float64()
	filled, _ := bo.ExecQuantity.Float64()
	price, _ := decimal.NewFromString(bo.Price.String())
	avgFill, _ := decimal.NewFromString(bo.AvgFillPrice.String())

	orderType := models.OrderTypeMarket
	if strings.EqualFold(bo.Type, "limit") {
		orderType = models.OrderTypeLimit
	}
	side := models.SideBuy
	if strings.EqualFold(bo.Side, "sell") {
		side = models.SideSell
	}

	return &models.Order{
		BrokerOrderID: bo.ID.String(),
		Symbol:        bo.Symbol,
		Side:          side,
		OrderType:     orderType,
		Qty:           int64(qty),
		Price:         price,
		Status:        mapBrokerStatus(bo.Status),
		FilledQty:     int64(filled),
		AvgFillPrice:  avgFill,
	}
}

func mapBrokerStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return models.OrderStatusFilled
	case "partially_filled":
		return models.OrderStatusPartial
	case "canceled", "cancelled":
		return models.OrderStatusCanceled
	case "rejected", "error", "expired":
		return models.OrderStatusRejected
	case "pending":
		return models.OrderStatusPending
	default:
		return models.OrderStatusSent
	}
}

// GetCash returns the account's available cash balance.
func (b *LiveBroker) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var resp struct {
		Balances struct {
			Cash struct {
				CashAvailable json.Number `json:"cash_available"`
			} `json:"cash"`
			TotalCash json.Number `json:"total_cash"`
		} `json:"balances"`
	}
	path := fmt.Sprintf("/accounts/%s/balances", url.PathEscape(accountID))
	if err := b.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("broker: get_cash: %w", err)
	}
	if resp.Balances.Cash.CashAvailable.String() != "" {
		if d, err := decimal.NewFromString(resp.Balances.Cash.CashAvailable.String()); err == nil {
			return d, nil
		}
	}
	d, _ := decimal.NewFromString(resp.Balances.TotalCash.String())
	return d, nil
}

// GetPositions returns the broker's view of every open equity position.
func (b *LiveBroker) GetPositions(ctx context.Context, accountID string) ([]BrokerPosition, error) {
	var resp struct {
		Positions struct {
			Position []struct {
				Symbol    string      `json:"symbol"`
				Quantity  json.Number `json:"quantity"`
				CostBasis json.Number `json:"cost_basis"`
			} `json:"position"`
		} `json:"positions"`
	}
	path := fmt.Sprintf("/accounts/%s/positions", url.PathEscape(accountID))
	if err := b.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: get_positions: %w", err)
	}

	out := make([]BrokerPosition, 0, len(resp.Positions.Position))
	for _, p := range resp.Positions.Position {
		qty, _ := p.Quantity.Float64()
		costBasis, _ := decimal.NewFromString(p.CostBasis.String())
		var avgPrice decimal.Decimal
		if qty != 0 {
			avgPrice = costBasis.Div(decimal.NewFromFloat(qty)).Abs()
		}
		out = append(out, BrokerPosition{Symbol: p.Symbol, Qty: int64(qty), AvgPrice: avgPrice})
	}
	return out, nil
}

type quoteFrame struct {
	Type   string      `json:"type"`
	Symbol string      `json:"symbol"`
	Last   json.Number `json:"last"`
	Volume json.Number `json:"volume"`
}

// SubscribeQuotes opens (or reuses) the quote stream and registers symbols
// for delivery to cb. Reconnection and resubscription are handled entirely
// by the underlying brokerstream.Manager.
func (b *LiveBroker) SubscribeQuotes(ctx context.Context, symbols []string, cb QuoteCallback) error {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()

	if b.quoteStream == nil {
		b.quoteStream = brokerstream.New("quotes", b.streamURL, brokerstream.DefaultReconnectConfig(), b.logger)
		b.quoteStream.OnMessage(func(raw []byte) {
			var f quoteFrame
			if err := json.Unmarshal(raw, &f); err != nil || f.Type != "quote" {
				return
			}
			price, _ := decimal.NewFromString(f.Last.String())
			vol, _ := f.Volume.Int64()
			cb(Quote{Symbol: f.Symbol, Price: price, Volume: vol, AsOf: b.clk.Now()})
		})
		if err := b.quoteStream.Connect(); err != nil {
			return fmt.Errorf("broker: subscribe_quotes connect: %w", err)
		}
	}
	return b.quoteStream.Subscribe(map[string]any{"action": "subscribe", "symbols": symbols})
}

type executionFrame struct {
	Type         string      `json:"type"`
	FillID       string      `json:"fill_id"`
	OrderID      string      `json:"order_id"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	Quantity     json.Number `json:"quantity"`
	Price        json.Number `json:"price"`
	Timestamp    string      `json:"timestamp"`
}

// SubscribeExecutions opens (or reuses) the execution stream and forwards
// every fill event to cb, translated into the core's Fill model.
func (b *LiveBroker) SubscribeExecutions(ctx context.Context, cb ExecutionCallback) error {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()

	if b.execStream == nil {
		b.execStream = brokerstream.New("executions", b.streamURL, brokerstream.DefaultReconnectConfig(), b.logger)
		b.execStream.OnMessage(func(raw []byte) {
			var f executionFrame
			if err := json.Unmarshal(raw, &f); err != nil || f.Type != "execution" {
				return
			}
			qty, _ := f.Quantity.Int64()
			price, _ := decimal.NewFromString(f.Price.String())
			side := models.SideBuy
			if strings.EqualFold(f.Side, "sell") {
				side = models.SideSell
			}
			fillTime := b.clk.Now()
			if t, err := time.Parse(time.RFC3339, f.Timestamp); err == nil {
				fillTime = t
			}
			cb(models.Fill{
				BrokerFillID: f.FillID,
				OrderID:      f.OrderID,
				Symbol:       f.Symbol,
				Side:         side,
				Qty:          qty,
				Price:        price,
				FillTime:     fillTime,
			})
		})
		if err := b.execStream.Connect(); err != nil {
			return fmt.Errorf("broker: subscribe_executions connect: %w", err)
		}
	}
	return b.execStream.Subscribe(map[string]any{"action": "subscribe_executions"})
}

// Close tears down any open streams. Safe to call even if no stream was ever
// opened.
func (b *LiveBroker) Close() error {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	var firstErr error
	if b.quoteStream != nil {
		if err := b.quoteStream.Close(); err != nil {
			firstErr = err
		}
	}
	if b.execStream != nil {
		if err := b.execStream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sanitizeTag(key string) string {
	if len(key) > 21 {
		return key[len(key)-21:]
	}
	return key
}

func (b *LiveBroker) doRequest(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	label := method + " " + path
	return b.retryClient.Do(ctx, label, func(opCtx context.Context) error {
		return b.do(opCtx, method, path, form, out)
	})
}

func (b *LiveBroker) doForm(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	label := method + " " + path
	return b.retryClient.Do(ctx, label, func(opCtx context.Context) error {
		return b.do(opCtx, method, path, form, out)
	})
}

func (b *LiveBroker) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var req *http.Request
	var err error

	fullURL := b.baseURL + path
	if method == http.MethodPost && form != nil {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, http.NoBody)
		if err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "equityfleet/1.0")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			b.logger.WithError(cerr).Warn("broker: failed to close response body")
		}
	}()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
