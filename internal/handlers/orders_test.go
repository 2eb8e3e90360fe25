package handlers

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/internal/tenant"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/observability/logger/loggertest"
	"github.com/ordefy/ordefy/pkg/store/postgres"
)

const tenantID = "tenant-1"

var jobTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newMockSet(t *testing.T, opts ...Option) (*Set, sqlmock.Sqlmock, *loggertest.Recorder) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	log := loggertest.New()
	adapter := postgres.NewAdapterFromDB(db, config.DatabaseConfig{}, log)
	registry := tenant.NewStaticRegistry([]config.StaticTenant{{ID: tenantID, ShopDomain: "demo.myshopify.com"}})
	return New(adapter, registry, log, opts...), mock, log
}

func newJob(topic, payload string) *queue.Job {
	return &queue.Job{
		ID:         "job-1",
		TenantID:   tenantID,
		ShopDomain: "demo.myshopify.com",
		Topic:      topic,
		Payload:    []byte(payload),
		Status:     queue.StatusProcessing,
		CreatedAt:  jobTime,
	}
}

func orderRow(status OrderStatus, updated time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"status", "shopify_updated_at"}).AddRow(string(status), updated)
}

const shippedOrder = `{
	"id": 1001,
	"name": "#1001",
	"email": "ana@example.com",
	"currency": "pyg",
	"total_price": "150000.00",
	"financial_status": "paid",
	"fulfillment_status": "fulfilled",
	"updated_at": "2026-05-04T09:00:00Z",
	"line_items": [
		{"variant_id": 111, "quantity": 2},
		{"variant_id": 222, "quantity": 1},
		{"variant_id": 111, "quantity": 1},
		{"variant_id": null, "quantity": 4, "title": "Gift wrap"}
	]
}`

func TestHandleOrder_NewShippedOrderTakesStock(t *testing.T) {
	set, mock, _ := newMockSet(t)
	updated := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, shopify_updated_at FROM orders .* FOR UPDATE`).
		WithArgs(tenantID, int64(1001)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(tenantID, int64(1001), "#1001", "shipped", "150000.00", "PYG", "ana@example.com", sqlmock.AnyArg(), updated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO stock_movements .* VALUES`).
		WithArgs(tenantID, int64(1001), int64(111), 3).
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow(3))
	mock.ExpectExec(`UPDATE products SET stock = stock \+ \$3`).
		WithArgs(tenantID, int64(111), -3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Variant 222 was already taken out by an earlier run.
	mock.ExpectQuery(`INSERT INTO stock_movements .* VALUES`).
		WithArgs(tenantID, int64(1001), int64(222), 1).
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}))
	mock.ExpectCommit()

	if err := set.HandleOrder(context.Background(), newJob(TopicOrderCreate, shippedOrder)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleOrder_StaleUpdateIgnored(t *testing.T) {
	set, mock, log := newMockSet(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM orders`).
		WithArgs(tenantID, int64(1001)).
		WillReturnRows(orderRow(OrderShipped, time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)))
	mock.ExpectCommit()

	if err := set.HandleOrder(context.Background(), newJob(TopicOrderUpdated, shippedOrder)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if _, ok := log.Find("debug", "stale order update ignored"); !ok {
		t.Fatal("expected stale update logged")
	}
}

func TestHandleOrder_CancellingShippedOrderRestocks(t *testing.T) {
	set, mock, _ := newMockSet(t)
	payload := `{"id":1001,"cancelled_at":"2026-05-04T11:00:00Z","updated_at":"2026-05-04T11:00:00Z",
		"line_items":[{"variant_id":111,"quantity":3}]}`

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM orders`).
		WithArgs(tenantID, int64(1001)).
		WillReturnRows(orderRow(OrderShipped, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)))
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(tenantID, int64(1001), "", "cancelled", "0", "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO stock_movements .* SELECT .* reason = 'order_shipped'`).
		WithArgs(tenantID, int64(1001), int64(111)).
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow(3))
	mock.ExpectExec(`UPDATE products SET stock = stock \+ \$3`).
		WithArgs(tenantID, int64(111), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := set.HandleOrder(context.Background(), newJob(TopicOrderCancelled, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleOrder_ForbiddenTransitionKeepsStoredStatus(t *testing.T) {
	set, mock, log := newMockSet(t)
	payload := `{"id":1001,"financial_status":"pending","updated_at":"2026-05-04T11:00:00Z"}`

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM orders`).
		WithArgs(tenantID, int64(1001)).
		WillReturnRows(orderRow(OrderDelivered, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)))
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(tenantID, int64(1001), "", "delivered", "0", "", "", "[]", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := set.HandleOrder(context.Background(), newJob(TopicOrderUpdated, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if _, ok := log.Find("warn", "order status change not allowed, keeping stored status"); !ok {
		t.Fatal("expected forbidden transition logged")
	}
}

func TestHandleOrder_HookFailureRollsBack(t *testing.T) {
	set, mock, _ := newMockSet(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM orders`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO stock_movements`).
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow(3))
	mock.ExpectExec(`UPDATE products SET stock`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := set.HandleOrder(context.Background(), newJob(TopicOrderCreate, shippedOrder))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("database errors must stay retryable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleOrder_StringIDAndFallbackTimestamp(t *testing.T) {
	set, mock, _ := newMockSet(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM orders`).WithArgs(tenantID, int64(1001)).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(tenantID, int64(1001), "", "pending", "0", "", "", "[]", jobTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := set.HandleOrder(context.Background(), newJob(TopicOrderCreate, `{"id": "1001"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleOrder_InvalidPayloadIsPermanent(t *testing.T) {
	set, mock, _ := newMockSet(t)
	for name, payload := range map[string]string{
		"not json":    `{"id":`,
		"missing id":  `{"name":"#1"}`,
		"bad id":      `{"id":"abc"}`,
		"bad amount":  `{"id":1,"total_price":"lots"}`,
		"negative id": `{"id":-4}`,
	} {
		t.Run(name, func(t *testing.T) {
			err := set.HandleOrder(context.Background(), newJob(TopicOrderCreate, payload))
			if !errors.Is(err, queue.ErrPermanent) || !errors.Is(err, queue.ErrValidation) {
				t.Fatalf("expected permanent validation error, got %v", err)
			}
		})
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no queries, got %v", err)
	}
}

func TestOrderPayloadStatus(t *testing.T) {
	fulfilled := "fulfilled"
	partial := "partial"
	cancelledAt := time.Now()
	tests := []struct {
		name    string
		payload orderPayload
		topic   string
		want    OrderStatus
	}{
		{name: "new unpaid", payload: orderPayload{FinancialStatus: "pending"}, topic: TopicOrderCreate, want: OrderPending},
		{name: "paid", payload: orderPayload{FinancialStatus: "paid"}, topic: TopicOrderUpdated, want: OrderConfirmed},
		{name: "authorized", payload: orderPayload{FinancialStatus: "AUTHORIZED"}, topic: TopicOrderUpdated, want: OrderConfirmed},
		{name: "partially fulfilled", payload: orderPayload{FinancialStatus: "paid", FulfillmentStatus: &partial}, topic: TopicOrderUpdated, want: OrderConfirmed},
		{name: "fulfilled", payload: orderPayload{FinancialStatus: "paid", FulfillmentStatus: &fulfilled}, topic: TopicOrderUpdated, want: OrderShipped},
		{name: "voided", payload: orderPayload{FinancialStatus: "voided"}, topic: TopicOrderUpdated, want: OrderCancelled},
		{name: "cancelled_at", payload: orderPayload{FinancialStatus: "paid", CancelledAt: &cancelledAt}, topic: TopicOrderUpdated, want: OrderCancelled},
		{name: "cancel topic", payload: orderPayload{FinancialStatus: "paid"}, topic: TopicOrderCancelled, want: OrderCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payload.status(tt.topic); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestOrderTransitions(t *testing.T) {
	table := OrderTransitions(NewStockLedger(nil))
	allowed := [][2]OrderStatus{
		{OrderPending, OrderConfirmed},
		{OrderPending, OrderShipped},
		{OrderConfirmed, OrderShipped},
		{OrderShipped, OrderDelivered},
		{OrderShipped, OrderCancelled},
	}
	for _, tr := range allowed {
		if !table.Allowed(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s allowed", tr[0], tr[1])
		}
	}
	forbidden := [][2]OrderStatus{
		{OrderDelivered, OrderCancelled},
		{OrderCancelled, OrderConfirmed},
		{OrderShipped, OrderPending},
		{OrderDelivered, OrderShipped},
	}
	for _, tr := range forbidden {
		if table.Allowed(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s forbidden", tr[0], tr[1])
		}
	}
}

func TestQuantitiesByVariant(t *testing.T) {
	got := quantitiesByVariant([]LineItem{
		{VariantID: 2, Quantity: 1},
		{VariantID: 1, Quantity: 2},
		{VariantID: 2, Quantity: 4},
		{VariantID: 0, Quantity: 9},
		{VariantID: 3, Quantity: 0},
	})
	want := []variantQuantity{{variantID: 2, quantity: 5}, {variantID: 1, quantity: 2}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
