package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
	"github.com/rl1809/order-lifecycle/internal/core/service"
	"github.com/rl1809/order-lifecycle/internal/observability"
)

// OrderOperations is the order service surface exposed over HTTP and gRPC.
type OrderOperations interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (service.Result, error)
	CancelItem(ctx context.Context, orderID, itemRef, reason string) (service.Result, error)
	RequestReturn(ctx context.Context, orderID, reason string) (service.Result, error)
	RequestItemReturn(ctx context.Context, orderID, itemRef, reason string) (service.Result, error)
	ApproveReturn(ctx context.Context, orderID, itemRef string, approved bool, note string) (service.Result, error)
	AdvanceStatus(ctx context.Context, orderID string, to domain.OrderStatus) (service.Result, error)
	RecordPayment(ctx context.Context, orderID string, status domain.PaymentStatus) (service.Result, error)
}

type HTTPHandler struct {
	orders OrderOperations
	logger *zap.Logger
}

type ReasonHTTPRequest struct {
	Reason string `json:"reason"`
}

type ApproveReturnHTTPRequest struct {
	ItemID   string `json:"item_id"`
	Approved *bool  `json:"approved"`
	Note     string `json:"note"`
}

type StatusHTTPRequest struct {
	Status string `json:"status"`
}

type OperationResponse struct {
	Success        bool   `json:"success"`
	Outcome        string `json:"outcome"`
	Message        string `json:"message"`
	OrderID        string `json:"order_id,omitempty"`
	OrderStatus    string `json:"order_status,omitempty"`
	PaymentStatus  string `json:"payment_status,omitempty"`
	RefundAmount   string `json:"refund_amount"`
	RefundReplayed bool   `json:"refund_replayed"`
	DaysElapsed    int    `json:"days_elapsed,omitempty"`
}

type OrderItemView struct {
	ID                    string     `json:"id"`
	ProductID             string     `json:"product_id"`
	Price                 string     `json:"price"`
	Quantity              int        `json:"quantity"`
	FinalPrice            string     `json:"final_price"`
	Status                string     `json:"status"`
	CancelledAt           *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason    string     `json:"cancellation_reason,omitempty"`
	ReturnRequestedAt     *time.Time `json:"return_requested_at,omitempty"`
	ReturnedAt            *time.Time `json:"returned_at,omitempty"`
	ReturnReason          string     `json:"return_reason,omitempty"`
	ReturnRejectionReason string     `json:"return_rejection_reason,omitempty"`
}

type OrderView struct {
	ID                 string          `json:"id"`
	Number             string          `json:"number"`
	UserID             string          `json:"user_id"`
	Status             string          `json:"status"`
	PaymentMethod      string          `json:"payment_method"`
	PaymentStatus      string          `json:"payment_status"`
	Subtotal           string          `json:"subtotal"`
	Shipping           string          `json:"shipping"`
	Tax                string          `json:"tax"`
	Discount           string          `json:"discount"`
	CouponDiscount     string          `json:"coupon_discount"`
	Total              string          `json:"total"`
	PlacedAt           *time.Time      `json:"placed_at,omitempty"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	ShippedAt          *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	ReturnRequestedAt  *time.Time      `json:"return_requested_at,omitempty"`
	ReturnedAt         *time.Time      `json:"returned_at,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	ReturnReason       string          `json:"return_reason,omitempty"`
	Items              []OrderItemView `json:"items"`
}

func NewHTTPHandler(orders OrderOperations, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{orders: orders, logger: logger}
}

// NewRouter mounts the order endpoints. Every request is bounded by timeout;
// a request that runs out of time reports an unknown outcome that is safe to
// retry.
func NewRouter(h *HTTPHandler, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(observability.RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(requestDeadline(timeout))
	}

	r.Get("/health", h.HealthCheck)
	r.Route("/orders/{orderID}", func(r chi.Router) {
		r.Get("/", h.GetOrder)
		r.Post("/cancel", h.CancelOrder)
		r.Post("/items/{itemRef}/cancel", h.CancelItem)
		r.Post("/return", h.RequestReturn)
		r.Post("/items/{itemRef}/return", h.RequestItemReturn)
		r.Post("/return/approve", h.ApproveReturn)
		r.Post("/status", h.AdvanceStatus)
		r.Post("/payment", h.RecordPayment)
	})
	return r
}

// requestDeadline bounds the request context. Unlike middleware.Timeout it
// writes nothing itself; writeOutcome answers an expired request with 504.
func requestDeadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeOutcome(w, r, service.Result{}, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req ReasonHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.orders.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), req.Reason)
	h.writeOutcome(w, r, res, err)
}

func (h *HTTPHandler) CancelItem(w http.ResponseWriter, r *http.Request) {
	var req ReasonHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.orders.CancelItem(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "itemRef"), req.Reason)
	h.writeOutcome(w, r, res, err)
}

func (h *HTTPHandler) RequestReturn(w http.ResponseWriter, r *http.Request) {
	var req ReasonHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.orders.RequestReturn(r.Context(), chi.URLParam(r, "orderID"), req.Reason)
	h.writeOutcome(w, r, res, err)
}

func (h *HTTPHandler) RequestItemReturn(w http.ResponseWriter, r *http.Request) {
	var req ReasonHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.orders.RequestItemReturn(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "itemRef"), req.Reason)
	h.writeOutcome(w, r, res, err)
}

func (h *HTTPHandler) ApproveReturn(w http.ResponseWriter, r *http.Request) {
	var req ApproveReturnHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Approved == nil {
		writeJSON(w, http.StatusBadRequest, OperationResponse{
			Outcome:      string(domain.OutcomeInvalid),
			Message:      "approved is required",
			RefundAmount: "0.00",
		})
		return
	}
	res, err := h.orders.ApproveReturn(r.Context(), chi.URLParam(r, "orderID"), req.ItemID, *req.Approved, req.Note)
	h.writeOutcome(w, r, res, err)
}

func (h *HTTPHandler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	to, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		h.writeOutcome(w, r, service.Result{}, err)
		return
	}
	res, err := h.orders.AdvanceStatus(r.Context(), chi.URLParam(r, "orderID"), to)
	h.writeOutcome(w, r, res, err)
}

func (h *HTTPHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req StatusHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.orders.RecordPayment(r.Context(), chi.URLParam(r, "orderID"), domain.PaymentStatus(req.Status))
	h.writeOutcome(w, r, res, err)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, OperationResponse{
			Outcome:      string(domain.OutcomeInvalid),
			Message:      "invalid request body",
			RefundAmount: "0.00",
		})
		return false
	}
	return true
}

func (h *HTTPHandler) writeOutcome(w http.ResponseWriter, r *http.Request, res service.Result, err error) {
	resp := operationResponse(res, err)
	status := httpStatus(domain.Outcome(resp.Outcome))

	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded)) {
		status = http.StatusGatewayTimeout
		resp.Message = "outcome unknown, safe to retry"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("order operation failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("order_id", res.OrderID),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

func operationResponse(res service.Result, err error) OperationResponse {
	outcome := domain.Classify(err)
	resp := OperationResponse{
		Success:        err == nil,
		Outcome:        string(outcome),
		Message:        res.Message,
		OrderID:        res.OrderID,
		OrderStatus:    string(res.OrderStatus),
		PaymentStatus:  string(res.PaymentStatus),
		RefundAmount:   domain.RoundMoney(res.RefundAmount).StringFixed(2),
		RefundReplayed: res.RefundReplayed,
	}
	if err != nil {
		resp.Message = err.Error()
		if outcome == domain.OutcomeServerError {
			resp.Message = "internal error"
			if errors.Is(err, domain.ErrRefundFailed) {
				resp.Message = "status updated, refund not applied; retry to complete it"
			}
		}
	}
	var expired *domain.ReturnWindowExpiredError
	if errors.As(err, &expired) {
		resp.DaysElapsed = expired.DaysElapsed
	}
	return resp
}

func httpStatus(outcome domain.Outcome) int {
	switch outcome {
	case domain.OutcomeSuccess:
		return http.StatusOK
	case domain.OutcomeInvalid:
		return http.StatusBadRequest
	case domain.OutcomeNotFound:
		return http.StatusNotFound
	case domain.OutcomeDeniedTransition, domain.OutcomeWindowExpired:
		return http.StatusUnprocessableEntity
	case domain.OutcomeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func orderResponse(order domain.Order) OrderView {
	items := make([]OrderItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemView{
			ID:                    item.ID,
			ProductID:             item.ProductID,
			Price:                 item.Price.StringFixed(2),
			Quantity:              item.Quantity,
			FinalPrice:            item.FinalPrice().StringFixed(2),
			Status:                string(item.Status),
			CancelledAt:           item.CancelledAt,
			CancellationReason:    item.CancellationReason,
			ReturnRequestedAt:     item.ReturnRequestedAt,
			ReturnedAt:            item.ReturnedAt,
			ReturnReason:          item.ReturnReason,
			ReturnRejectionReason: item.ReturnRejectionReason,
		})
	}
	return OrderView{
		ID:                 order.ID,
		Number:             order.Number,
		UserID:             order.UserID,
		Status:             string(order.Status),
		PaymentMethod:      string(order.PaymentMethod),
		PaymentStatus:      string(order.PaymentStatus),
		Subtotal:           order.Subtotal.StringFixed(2),
		Shipping:           order.Shipping.StringFixed(2),
		Tax:                order.Tax.StringFixed(2),
		Discount:           order.Discount.StringFixed(2),
		CouponDiscount:     order.CouponDiscount.StringFixed(2),
		Total:              order.Total.StringFixed(2),
		PlacedAt:           order.PlacedAt,
		ProcessedAt:        order.ProcessedAt,
		ShippedAt:          order.ShippedAt,
		DeliveredAt:        order.DeliveredAt,
		CancelledAt:        order.CancelledAt,
		ReturnRequestedAt:  order.ReturnRequestedAt,
		ReturnedAt:         order.ReturnedAt,
		CancellationReason: order.CancellationReason,
		ReturnReason:       order.ReturnReason,
		Items:              items,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
