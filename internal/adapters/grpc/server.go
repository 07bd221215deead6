package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ff4f/yieldharvest-sub002/internal/application"
	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

// FundingInternalService is the mesh-internal read surface other services
// (billing, notifications) consume. Mutations stay HTTP-only so the saga's
// idempotency contract has a single entrypoint.
type FundingInternalService interface {
	GetFunding(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInvoiceFundingSummary(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type FundingInternalServer struct {
	service *application.Service
}

func NewFundingInternalServer(service *application.Service) *FundingInternalServer {
	return &FundingInternalServer{service: service}
}

func Register(server grpc.ServiceRegistrar, svc FundingInternalService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "yieldharvest.funding.v1.FundingInternalService",
		HandlerType: (*FundingInternalService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "GetFunding",
				Handler:    getFundingHandler(svc),
			},
			{
				MethodName: "GetInvoiceFundingSummary",
				Handler:    getSummaryHandler(svc),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "contracts/proto/funding/v1/funding_internal.proto",
	}, svc)
}

func (s *FundingInternalServer) GetFunding(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fundingID := req.GetFields()["funding_id"].GetStringValue()
	if fundingID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing funding_id")
	}

	funding, err := s.service.GetFunding(ctx, fundingID)
	if err != nil {
		return nil, mapStatus(err)
	}

	fields := map[string]any{
		"funding_id":     funding.FundingID,
		"invoice_id":     funding.InvoiceID,
		"investor_id":    funding.InvestorID,
		"amount_minor":   funding.AmountMinor,
		"escrow_id":      funding.EscrowID,
		"deposit_tx_ref": funding.DepositTxRef,
		"status":         string(funding.Status),
	}
	if funding.ReleaseTxRef != "" {
		fields["release_tx_ref"] = funding.ReleaseTxRef
	}
	if funding.ReleasedAt != nil {
		fields["released_at"] = funding.ReleasedAt.Unix()
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func (s *FundingInternalServer) GetInvoiceFundingSummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	invoiceID := req.GetFields()["invoice_id"].GetStringValue()
	if invoiceID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing invoice_id")
	}

	summary, err := s.service.GetInvoiceFundingSummary(ctx, invoiceID)
	if err != nil {
		return nil, mapStatus(err)
	}

	resp, err := structpb.NewStruct(map[string]any{
		"invoice_id":      summary.Invoice.InvoiceID,
		"invoice_status":  string(summary.Invoice.Status),
		"amount_minor":    summary.Invoice.AmountMinor,
		"funded_minor":    summary.Invoice.FundedMinor,
		"active_minor":    summary.ActiveMinor,
		"released_minor":  summary.ReleasedMinor,
		"remaining_minor": summary.RemainingMinor,
		"funding_count":   len(summary.Fundings),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func mapStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInvoiceNotFound),
		errors.Is(err, domain.ErrFundingNotFound),
		errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrTransient):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func getFundingHandler(svc FundingInternalService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return svc.GetFunding(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/yieldharvest.funding.v1.FundingInternalService/GetFunding",
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return svc.GetFunding(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func getSummaryHandler(svc FundingInternalService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return svc.GetInvoiceFundingSummary(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/yieldharvest.funding.v1.FundingInternalService/GetInvoiceFundingSummary",
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return svc.GetInvoiceFundingSummary(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
