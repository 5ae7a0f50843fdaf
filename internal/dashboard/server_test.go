package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/broker"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/lifecycle"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/orders"
	"github.com/bracketrun/equityfleet/internal/pnl"
	"github.com/bracketrun/equityfleet/internal/store"
)

// fakeStore is a minimal store.Store double covering only the read queries
// the dashboard's services issue: worker_processes, orders, daily_summaries.
type fakeStore struct {
	workers   []*models.WorkerProcess
	orders    []*models.Order
	summaries []*models.DailySummary
}

func (f *fakeStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return 0, fmt.Errorf("fakeStore: Exec not supported in dashboard tests")
}

func (f *fakeStore) QueryOne(ctx context.Context, query string, args ...any) store.Row {
	return errRow{fmt.Errorf("fakeStore: QueryOne not supported in dashboard tests")}
}

func (f *fakeStore) QueryAll(ctx context.Context, query string, args ...any) (store.Rows, error) {
	switch {
	case strings.Contains(query, "FROM worker_processes"):
		return &workerRows{rows: f.workers}, nil
	case strings.Contains(query, "FROM orders"):
		workerID, _ := args[0].(string)
		wantStatuses := make(map[string]bool, len(args)-1)
		for _, a := range args[1:] {
			if st, ok := a.(models.OrderStatus); ok {
				wantStatuses[string(st)] = true
			}
		}
		var matched []*models.Order
		for _, o := range f.orders {
			if o.WorkerID == workerID && wantStatuses[string(o.Status)] {
				matched = append(matched, o)
			}
		}
		return &orderRows{rows: matched}, nil
	case strings.Contains(query, "FROM daily_summaries"):
		limit := len(f.summaries)
		if len(args) > 0 {
			if n, ok := args[len(args)-1].(int); ok {
				limit = n
			}
		}
		if limit > len(f.summaries) {
			limit = len(f.summaries)
		}
		return &summaryRows{rows: f.summaries[:limit]}, nil
	default:
		return nil, fmt.Errorf("fakeStore: unsupported query: %s", query)
	}
}

func (f *fakeStore) Begin(ctx context.Context) (store.Tx, error) {
	return nil, fmt.Errorf("fakeStore: Begin not supported in dashboard tests")
}

func (f *fakeStore) InsertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	return false, fmt.Errorf("fakeStore: InsertIfAbsent not supported in dashboard tests")
}

func (f *fakeStore) Close() error { return nil }

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type workerRows struct {
	rows []*models.WorkerProcess
	i    int
}

func (r *workerRows) Next() bool { return r.i < len(r.rows) }
func (r *workerRows) Scan(dest ...any) error {
	w := r.rows[r.i]
	r.i++
	*(dest[0].(*string)) = w.WorkerID
	*(dest[1].(*models.WorkerStatus)) = w.Status
	*(dest[2].(*string)) = w.CurrentSymbol
	*(dest[3].(*time.Time)) = w.StartedAt
	*(dest[4].(*time.Time)) = w.LastHeartbeatAt
	*(dest[5].(*time.Time)) = w.CreatedAt
	*(dest[6].(*time.Time)) = w.UpdatedAt
	return nil
}
func (r *workerRows) Close() error { return nil }
func (r *workerRows) Err() error   { return nil }

type orderRows struct {
	rows []*models.Order
	i    int
}

func (r *orderRows) Next() bool { return r.i < len(r.rows) }
func (r *orderRows) Scan(dest ...any) error {
	o := r.rows[r.i]
	r.i++
	*(dest[0].(*string)) = o.OrderID
	*(dest[1].(*string)) = o.BrokerOrderID
	*(dest[2].(*string)) = o.IdempotencyKey
	*(dest[3].(*string)) = o.WorkerID
	*(dest[4].(*string)) = o.Symbol
	*(dest[5].(*models.Side)) = o.Side
	*(dest[6].(*models.OrderType)) = o.OrderType
	*(dest[7].(*int64)) = o.Qty
	*(dest[8].(*decimal.Decimal)) = o.Price
	*(dest[9].(*models.OrderStatus)) = o.Status
	*(dest[10].(*int64)) = o.FilledQty
	*(dest[11].(*decimal.Decimal)) = o.AvgFillPrice
	*(dest[12].(*string)) = o.RejectReason
	*(dest[13].(*time.Time)) = o.CreatedAt
	*(dest[14].(*time.Time)) = o.UpdatedAt
	return nil
}
func (r *orderRows) Close() error { return nil }
func (r *orderRows) Err() error   { return nil }

type summaryRows struct {
	rows []*models.DailySummary
	i    int
}

func (r *summaryRows) Next() bool { return r.i < len(r.rows) }
func (r *summaryRows) Scan(dest ...any) error {
	d := r.rows[r.i]
	r.i++
	*(dest[0].(*string)) = d.WorkerID
	*(dest[1].(*string)) = d.SummaryDate
	*(dest[2].(*int)) = d.TotalTrades
	*(dest[3].(*int)) = d.WinningTrades
	*(dest[4].(*int)) = d.LosingTrades
	*(dest[5].(*decimal.Decimal)) = d.GrossProfit
	*(dest[6].(*decimal.Decimal)) = d.GrossLoss
	*(dest[7].(*decimal.Decimal)) = d.NetPnL
	*(dest[8].(*decimal.Decimal)) = d.UnrealizedPnL
	*(dest[9].(*decimal.Decimal)) = d.MaxDrawdown
	*(dest[10].(*float64)) = d.WinRate
	*(dest[11].(*float64)) = d.ProfitFactor
	return nil
}
func (r *summaryRows) Close() error { return nil }
func (r *summaryRows) Err() error   { return nil }

// stubBroker implements broker.Broker with only GetCash meaningful.
type stubBroker struct{ cash decimal.Decimal }

func (s *stubBroker) Authenticate(ctx context.Context) (broker.Token, error) { return broker.Token{}, nil }
func (s *stubBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	return "", nil
}
func (s *stubBroker) CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error) {
	return false, nil
}
func (s *stubBroker) GetOrders(ctx context.Context, accountID string) ([]*models.Order, error) {
	return nil, nil
}
func (s *stubBroker) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.cash, nil
}
func (s *stubBroker) GetPositions(ctx context.Context, accountID string) ([]broker.BrokerPosition, error) {
	return nil, nil
}
func (s *stubBroker) SubscribeQuotes(ctx context.Context, symbols []string, cb broker.QuoteCallback) error {
	return nil
}
func (s *stubBroker) SubscribeExecutions(ctx context.Context, cb broker.ExecutionCallback) error {
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, fs *fakeStore, brk broker.Broker) *Server {
	return newTestServerWithAuth(t, fs, brk, "")
}

func newTestServerWithAuth(t *testing.T, fs *fakeStore, brk broker.Broker, authToken string) *Server {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 7, 20, 14, 30, 0, 0, time.UTC))
	lc := lifecycle.New(fs, nil, clk, testLogger())
	ord := orders.New(brk, fs, clk, testLogger())
	sum := pnl.NewDailySummaryService(fs, testLogger())
	return New(Config{Port: 0, AccountID: "ACC1", AuthToken: authToken}, lc, ord, sum, brk, clk, testLogger())
}

func TestHandleGetWorkers_ReturnsAllRegisteredWorkers(t *testing.T) {
	fs := &fakeStore{
		workers: []*models.WorkerProcess{
			{WorkerID: "w1", Status: models.WorkerStatusHolding, CurrentSymbol: "AAPL", StartedAt: time.Now(), LastHeartbeatAt: time.Now()},
			{WorkerID: "w2", Status: models.WorkerStatusTerminated, StartedAt: time.Now(), LastHeartbeatAt: time.Now()},
		},
	}
	s := newTestServer(t, fs, &stubBroker{cash: decimal.NewFromInt(1000)})

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "w1") || !strings.Contains(rec.Body.String(), "w2") {
		t.Errorf("body missing expected worker IDs: %s", rec.Body.String())
	}
}

func TestHandleGetWorkerOrders_FiltersByWorkerAndStatus(t *testing.T) {
	fs := &fakeStore{
		orders: []*models.Order{
			{OrderID: "o1", WorkerID: "w1", Symbol: "AAPL", Status: models.OrderStatusSent},
			{OrderID: "o2", WorkerID: "w1", Symbol: "AAPL", Status: models.OrderStatusFilled},
			{OrderID: "o3", WorkerID: "w2", Symbol: "MSFT", Status: models.OrderStatusSent},
		},
	}
	s := newTestServer(t, fs, &stubBroker{})

	req := httptest.NewRequest(http.MethodGet, "/api/workers/w1/orders", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "o1") {
		t.Errorf("expected open order o1 in response: %s", body)
	}
	if strings.Contains(body, `"o2"`) || strings.Contains(body, `"o3"`) {
		t.Errorf("response leaked a non-open or other-worker order: %s", body)
	}
}

func TestHandleGetRecentSummaries_ReturnsFleetWideRollup(t *testing.T) {
	fs := &fakeStore{
		summaries: []*models.DailySummary{
			{WorkerID: "w1", SummaryDate: "2026-07-20", TotalTrades: 3, NetPnL: decimal.NewFromInt(150)},
			{WorkerID: "w2", SummaryDate: "2026-07-19", TotalTrades: 1, NetPnL: decimal.NewFromInt(-20)},
		},
	}
	s := newTestServer(t, fs, &stubBroker{})

	req := httptest.NewRequest(http.MethodGet, "/api/summaries/recent", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "w1") || !strings.Contains(rec.Body.String(), "w2") {
		t.Errorf("body missing expected worker IDs: %s", rec.Body.String())
	}
}

func TestHandleFleet_RendersHTMLWithWorkersAndSummaries(t *testing.T) {
	fs := &fakeStore{
		workers: []*models.WorkerProcess{
			{WorkerID: "w1", Status: models.WorkerStatusScanning, StartedAt: time.Now(), LastHeartbeatAt: time.Now()},
		},
		summaries: []*models.DailySummary{
			{WorkerID: "w1", SummaryDate: "2026-07-20", TotalTrades: 2, NetPnL: decimal.NewFromInt(40)},
		},
	}
	s := newTestServer(t, fs, &stubBroker{cash: decimal.NewFromInt(5000)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html prefix", ct)
	}
	if !strings.Contains(rec.Body.String(), "w1") {
		t.Errorf("rendered page missing worker w1: %s", rec.Body.String())
	}
}

func TestHandleHealth_AlwaysPublic(t *testing.T) {
	fs := &fakeStore{}
	s := newTestServerWithAuth(t, fs, &stubBroker{}, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	fs := &fakeStore{}
	s := newTestServerWithAuth(t, fs, &stubBroker{}, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_AcceptsHeaderToken(t *testing.T) {
	fs := &fakeStore{}
	s := newTestServerWithAuth(t, fs, &stubBroker{}, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	req.Header.Set("X-Auth-Token", "secret-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsRoute_AlwaysPublicEvenWithAuth(t *testing.T) {
	fs := &fakeStore{}
	s := newTestServerWithAuth(t, fs, &stubBroker{}, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
