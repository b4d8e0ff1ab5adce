package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/order-lifecycle/internal/core/domain"
	"github.com/rl1809/order-lifecycle/internal/core/service"
)

const (
	// JSONCodecName is the content subtype clients select with
	// grpc.CallContentSubtype.
	JSONCodecName    = "json"
	orderServiceName = "orderlifecycle.v1.OrderService"
)

// Messages travel as JSON so the service needs no generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type OrderRequest struct {
	OrderID  string `json:"order_id"`
	ItemID   string `json:"item_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Approved bool   `json:"approved,omitempty"`
	Note     string `json:"note,omitempty"`
	Status   string `json:"status,omitempty"`
}

type OrderServiceServer interface {
	GetOrder(context.Context, *OrderRequest) (*OrderView, error)
	CancelOrder(context.Context, *OrderRequest) (*OperationResponse, error)
	CancelItem(context.Context, *OrderRequest) (*OperationResponse, error)
	RequestReturn(context.Context, *OrderRequest) (*OperationResponse, error)
	RequestItemReturn(context.Context, *OrderRequest) (*OperationResponse, error)
	ApproveReturn(context.Context, *OrderRequest) (*OperationResponse, error)
	AdvanceStatus(context.Context, *OrderRequest) (*OperationResponse, error)
	RecordPayment(context.Context, *OrderRequest) (*OperationResponse, error)
}

var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: orderServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetOrder", OrderServiceServer.GetOrder),
		unary("CancelOrder", OrderServiceServer.CancelOrder),
		unary("CancelItem", OrderServiceServer.CancelItem),
		unary("RequestReturn", OrderServiceServer.RequestReturn),
		unary("RequestItemReturn", OrderServiceServer.RequestItemReturn),
		unary("ApproveReturn", OrderServiceServer.ApproveReturn),
		unary("AdvanceStatus", OrderServiceServer.AdvanceStatus),
		unary("RecordPayment", OrderServiceServer.RecordPayment),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

func unary[Resp any](method string, call func(OrderServiceServer, context.Context, *OrderRequest) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(OrderRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrderServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + orderServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrderServiceServer), ctx, req.(*OrderRequest))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type GRPCHandler struct {
	orders OrderOperations
}

func NewGRPCHandler(orders OrderOperations) *GRPCHandler {
	return &GRPCHandler{orders: orders}
}

// GetOrder reports failures as gRPC status errors; the mutating methods
// report them in the reply outcome.
func (h *GRPCHandler) GetOrder(ctx context.Context, req *OrderRequest) (*OrderView, error) {
	order, err := h.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, status.Error(grpcCode(domain.Classify(err)), err.Error())
	}
	view := orderResponse(order)
	return &view, nil
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *OrderRequest) (*OperationResponse, error) {
	return reply(h.orders.CancelOrder(ctx, req.OrderID, req.Reason))
}

func (h *GRPCHandler) CancelItem(ctx context.Context, req *OrderRequest) (*OperationResponse, error) {
	return reply(h.orders.CancelItem(ctx, req.OrderID, req.ItemID, req.Reason))
}

func (h *GRPCHandler) RequestReturn(ctx context.Context, req *OrderRequest) (*OperationResponse, error) {
	return reply(h.orders.RequestReturn(ctx, req.OrderID, req.Reason))
}

func (h *GRPCHandler) RequestItemReturn(ctx context.Context, req *OrderRequest) (*OperationResponse, error) {
	return reply(h.orders.RequestItemReturn(ctx, req.OrderID, req.ItemID, req.Reason))
}

func (h *GRPCHandler) ApproveReturn(ctx context.Context, req *OrderRequest) (*OperationResponse, error) {
	return reply(h.orders.ApproveReturn(ctx, req.OrderID, req.ItemID, req.Approved, req.Note))
}

func (h *GRPCHandler) AdvanceStatus(ctx context.Context, req *OrderRequest) (*OperationResponse, error) {
	to, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		return reply(service.Result{OrderID: req.OrderID}, err)
	}
	return reply(h.orders.AdvanceStatus(ctx, req.OrderID, to))
}

func (h *GRPCHandler) RecordPayment(ctx context.Context, req *OrderRequest) (*OperationResponse, error) {
	return reply(h.orders.RecordPayment(ctx, req.OrderID, domain.PaymentStatus(req.Status)))
}

func reply(res service.Result, err error) (*OperationResponse, error) {
	resp := operationResponse(res, err)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		resp.Message = "outcome unknown, safe to retry"
	}
	return &resp, nil
}

func grpcCode(outcome domain.Outcome) codes.Code {
	switch outcome {
	case domain.OutcomeSuccess:
		return codes.OK
	case domain.OutcomeInvalid:
		return codes.InvalidArgument
	case domain.OutcomeNotFound:
		return codes.NotFound
	case domain.OutcomeDeniedTransition, domain.OutcomeWindowExpired:
		return codes.FailedPrecondition
	case domain.OutcomeConflict:
		return codes.Aborted
	}
	return codes.Internal
}

// UnaryLoggingInterceptor logs every call with its method, code and latency.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		}
		if r, ok := req.(*OrderRequest); ok {
			fields = append(fields, zap.String("order_id", r.OrderID))
		}
		if op, ok := resp.(*OperationResponse); ok {
			fields = append(fields, zap.String("outcome", op.Outcome))
			if op.Outcome == string(domain.OutcomeServerError) {
				logger.Error("rpc completed", fields...)
				return resp, err
			}
		}
		if err != nil {
			logger.Warn("rpc completed", append(fields, zap.Error(err))...)
		} else {
			logger.Info("rpc completed", fields...)
		}
		return resp, err
	}
}

// OrderServiceClient calls OrderServiceDesc over a connection using the JSON
// codec.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) invoke(ctx context.Context, method string, in *OrderRequest, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+orderServiceName+"/"+method, in, out, opts...)
}

func (c *OrderServiceClient) operation(ctx context.Context, method string, in *OrderRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	out := new(OperationResponse)
	if err := c.invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) GetOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OrderView, error) {
	out := new(OrderView)
	if err := c.invoke(ctx, "GetOrder", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) CancelOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return c.operation(ctx, "CancelOrder", in, opts...)
}

func (c *OrderServiceClient) CancelItem(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return c.operation(ctx, "CancelItem", in, opts...)
}

func (c *OrderServiceClient) RequestReturn(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return c.operation(ctx, "RequestReturn", in, opts...)
}

func (c *OrderServiceClient) RequestItemReturn(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return c.operation(ctx, "RequestItemReturn", in, opts...)
}

func (c *OrderServiceClient) ApproveReturn(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return c.operation(ctx, "ApproveReturn", in, opts...)
}

func (c *OrderServiceClient) AdvanceStatus(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return c.operation(ctx, "AdvanceStatus", in, opts...)
}

func (c *OrderServiceClient) RecordPayment(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return c.operation(ctx, "RecordPayment", in, opts...)
}
