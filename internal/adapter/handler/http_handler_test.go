package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
	"github.com/rl1809/order-lifecycle/internal/core/service"
)

// stubOrders records the last call and answers with canned values.
type stubOrders struct {
	calls  []string
	result service.Result
	order  domain.Order
	err    error
	delay  time.Duration
}

func (s *stubOrders) record(format string, args ...any) (service.Result, error) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
	return s.result, s.err
}

func (s *stubOrders) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	s.calls = append(s.calls, "GetOrder "+orderID)
	return s.order, s.err
}

func (s *stubOrders) CancelOrder(ctx context.Context, orderID, reason string) (service.Result, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return service.Result{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.record("CancelOrder %s %q", orderID, reason)
}

func (s *stubOrders) CancelItem(ctx context.Context, orderID, itemRef, reason string) (service.Result, error) {
	return s.record("CancelItem %s %s %q", orderID, itemRef, reason)
}

func (s *stubOrders) RequestReturn(ctx context.Context, orderID, reason string) (service.Result, error) {
	return s.record("RequestReturn %s %q", orderID, reason)
}

func (s *stubOrders) RequestItemReturn(ctx context.Context, orderID, itemRef, reason string) (service.Result, error) {
	return s.record("RequestItemReturn %s %s %q", orderID, itemRef, reason)
}

func (s *stubOrders) ApproveReturn(ctx context.Context, orderID, itemRef string, approved bool, note string) (service.Result, error) {
	return s.record("ApproveReturn %s %s %v %q", orderID, itemRef, approved, note)
}

func (s *stubOrders) AdvanceStatus(ctx context.Context, orderID string, to domain.OrderStatus) (service.Result, error) {
	return s.record("AdvanceStatus %s %s", orderID, to)
}

func (s *stubOrders) RecordPayment(ctx context.Context, orderID string, status domain.PaymentStatus) (service.Result, error) {
	return s.record("RecordPayment %s %s", orderID, status)
}

func serve(t *testing.T, stub *stubOrders, method, path, body string) (*httptest.ResponseRecorder, OperationResponse) {
	t.Helper()
	router := NewRouter(NewHTTPHandler(stub, nil), time.Second)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp OperationResponse
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func TestCancelItem_Success(t *testing.T) {
	stub := &stubOrders{result: service.Result{
		OrderID:       "o1",
		OrderStatus:   domain.OrderStatusPartiallyCancelled,
		PaymentStatus: domain.PaymentStatusPartiallyRefunded,
		RefundAmount:  decimal.RequireFromString("100"),
		Message:       "item cancelled",
	}}

	rec, resp := serve(t, stub, http.MethodPost, "/orders/o1/items/i2/cancel", `{"reason":"changed my mind"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success || resp.Outcome != "success" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.RefundAmount != "100.00" {
		t.Errorf("expected refund 100.00, got %q", resp.RefundAmount)
	}
	if resp.OrderStatus != "partially_cancelled" || resp.PaymentStatus != "partially_refunded" {
		t.Errorf("unexpected statuses %+v", resp)
	}
	if len(stub.calls) != 1 || stub.calls[0] != `CancelItem o1 i2 "changed my mind"` {
		t.Errorf("unexpected calls %v", stub.calls)
	}
}

func TestRoutes_DispatchToService(t *testing.T) {
	tests := []struct {
		path string
		body string
		want string
	}{
		{"/orders/o1/cancel", `{"reason":"late"}`, `CancelOrder o1 "late"`},
		{"/orders/o1/return", `{"reason":"broken"}`, `RequestReturn o1 "broken"`},
		{"/orders/o1/items/p9/return", `{"reason":"too big"}`, `RequestItemReturn o1 p9 "too big"`},
		{"/orders/o1/return/approve", `{"item_id":"i1","approved":false,"note":"worn"}`, `ApproveReturn o1 i1 false "worn"`},
		{"/orders/o1/return/approve", `{"approved":true}`, `ApproveReturn o1  true ""`},
		{"/orders/o1/status", `{"status":"Shipped"}`, `AdvanceStatus o1 shipped`},
		{"/orders/o1/payment", `{"status":"paid"}`, `RecordPayment o1 paid`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			stub := &stubOrders{}
			rec, _ := serve(t, stub, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if len(stub.calls) != 1 || stub.calls[0] != tt.want {
				t.Errorf("expected call %q, got %v", tt.want, stub.calls)
			}
		})
	}
}

func TestOutcomeStatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		outcome string
	}{
		{"missing reason", domain.ErrReasonRequired, http.StatusBadRequest, "invalid"},
		{"denied", domain.DenyItem("i1", domain.ItemStatusReturned, domain.ItemStatusCancelled), http.StatusUnprocessableEntity, "denied_transition"},
		{"window", &domain.ReturnWindowExpiredError{DaysElapsed: 8, WindowDays: 7}, http.StatusUnprocessableEntity, "window_expired"},
		{"not found", domain.ErrOrderNotFound, http.StatusNotFound, "not_found"},
		{"busy", domain.ErrOrderBusy, http.StatusConflict, "conflict"},
		{"refund failed", fmt.Errorf("%w: wallet store down", domain.ErrRefundFailed), http.StatusInternalServerError, "server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubOrders{err: tt.err}
			rec, resp := serve(t, stub, http.MethodPost, "/orders/o1/cancel", `{"reason":"x"}`)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if resp.Success || resp.Outcome != tt.outcome {
				t.Errorf("expected outcome %s, got %+v", tt.outcome, resp)
			}
		})
	}
}

func TestWindowExpired_ReportsDaysElapsed(t *testing.T) {
	stub := &stubOrders{err: &domain.ReturnWindowExpiredError{DaysElapsed: 12, WindowDays: 7}}
	_, resp := serve(t, stub, http.MethodPost, "/orders/o1/return", `{"reason":"late"}`)
	if resp.DaysElapsed != 12 {
		t.Errorf("expected days_elapsed 12, got %d", resp.DaysElapsed)
	}
}

func TestBadRequests(t *testing.T) {
	tests := []struct {
		path string
		body string
	}{
		{"/orders/o1/cancel", `not json`},
		{"/orders/o1/return/approve", `{"item_id":"i1"}`},
		{"/orders/o1/status", `{"status":"teleported"}`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			stub := &stubOrders{}
			rec, resp := serve(t, stub, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest || resp.Outcome != "invalid" {
				t.Errorf("expected 400 invalid, got %d %+v", rec.Code, resp)
			}
			if len(stub.calls) != 0 {
				t.Errorf("expected no service call, got %v", stub.calls)
			}
		})
	}
}

func TestGetOrder(t *testing.T) {
	delivered := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stub := &stubOrders{order: domain.Order{
		ID:            "o1",
		Number:        "1001",
		Status:        domain.OrderStatusDelivered,
		PaymentMethod: domain.PaymentMethodCard,
		PaymentStatus: domain.PaymentStatusPaid,
		Total:         decimal.RequireFromString("300"),
		DeliveredAt:   &delivered,
		Items: []domain.OrderItem{
			{ID: "i1", ProductID: "p1", Price: decimal.RequireFromString("150"), Quantity: 2, Status: domain.ItemStatusActive},
		},
	}}

	router := NewRouter(NewHTTPHandler(stub, nil), time.Second)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/o1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp OrderView
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Total != "300.00" || len(resp.Items) != 1 || resp.Items[0].FinalPrice != "300.00" {
		t.Errorf("unexpected order view %+v", resp)
	}
	if resp.DeliveredAt == nil || !resp.DeliveredAt.Equal(delivered) {
		t.Errorf("expected delivered_at, got %v", resp.DeliveredAt)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	stub := &stubOrders{err: domain.ErrOrderNotFound}
	rec, resp := serve(t, stub, http.MethodGet, "/orders/missing", "")
	if rec.Code != http.StatusNotFound || resp.Outcome != "not_found" {
		t.Errorf("expected 404 not_found, got %d %+v", rec.Code, resp)
	}
}

// headerRecorder counts explicit WriteHeader calls.
type headerRecorder struct {
	*httptest.ResponseRecorder
	headerWrites int
}

func (r *headerRecorder) WriteHeader(code int) {
	r.headerWrites++
	r.ResponseRecorder.WriteHeader(code)
}

func TestRequestTimeout(t *testing.T) {
	stub := &stubOrders{delay: time.Second}
	router := NewRouter(NewHTTPHandler(stub, nil), 20*time.Millisecond)

	rec := &headerRecorder{ResponseRecorder: httptest.NewRecorder()}
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/o1/cancel", strings.NewReader(`{"reason":"x"}`)))
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
	if rec.headerWrites != 1 {
		t.Errorf("expected the status written once, got %d writes", rec.headerWrites)
	}
	if !strings.Contains(rec.Body.String(), "safe to retry") {
		t.Errorf("expected retry hint, got %s", rec.Body.String())
	}
}

func TestRequestDeadline_SetsContextDeadline(t *testing.T) {
	var hasDeadline bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})

	rec := &headerRecorder{ResponseRecorder: httptest.NewRecorder()}
	requestDeadline(time.Second)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !hasDeadline {
		t.Error("expected request context to carry a deadline")
	}
	if rec.headerWrites != 0 {
		t.Errorf("expected the middleware to write nothing, got %d writes", rec.headerWrites)
	}
}

func TestHealthCheck(t *testing.T) {
	router := NewRouter(NewHTTPHandler(&stubOrders{}, nil), time.Second)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
