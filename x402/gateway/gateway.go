// Package gateway integrates the payment engine with grpc-gateway fronted
// services: settled payment details cross the HTTP/gRPC boundary as
// metadata so gRPC handlers can attribute work to a payer without parsing
// payment headers themselves.
package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"

	"github.com/askmesh/askmesh/x402"
)

// Metadata keys carrying payment details into gRPC handlers.
const (
	MetadataKeyVerified    = "x-payment-verified"
	MetadataKeyPayer       = "x-payment-payer"
	MetadataKeyNetwork     = "x-payment-network"
	MetadataKeyTransaction = "x-payment-tx-hash"
)

// WithPaymentMetadata returns a ServeMuxOption that copies the settled
// payment from the HTTP request context into gRPC metadata.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := x402.PaymentFromContext(ctx)
		if !ok || payment == nil || !payment.PaymentVerified {
			return md
		}

		md.Set(MetadataKeyVerified, "true")
		md.Set(MetadataKeyPayer, payment.Payer)
		md.Set(MetadataKeyNetwork, payment.SettlementNetwork)
		if payment.SettlementTransaction != "" {
			md.Set(MetadataKeyTransaction, payment.SettlementTransaction)
		}
		return md
	})
}

// WithPaymentHeaderMatcher forwards the payment exchange headers through
// the gateway in both directions, on top of the default matchers.
func WithPaymentHeaderMatcher() []runtime.ServeMuxOption {
	return []runtime.ServeMuxOption{
		runtime.WithIncomingHeaderMatcher(func(key string) (string, bool) {
			switch strings.ToLower(key) {
			case strings.ToLower(x402.HeaderPaymentSignature), strings.ToLower(x402.HeaderLegacyPayment):
				return key, true
			}
			return runtime.DefaultHeaderMatcher(key)
		}),
		runtime.WithOutgoingHeaderMatcher(func(key string) (string, bool) {
			switch strings.ToLower(key) {
			case strings.ToLower(x402.HeaderPaymentRequired), strings.ToLower(x402.HeaderPaymentResponse):
				return key, true
			}
			return key, false
		}),
	}
}

// PaymentFromGRPCContext reconstructs the settled payment from incoming
// gRPC metadata. Use in gRPC handlers behind a gateway paid route.
func PaymentFromGRPCContext(ctx context.Context) (*x402.PaidRouteContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get(MetadataKeyVerified)
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	payment := &x402.PaidRouteContext{PaymentVerified: true}
	if payer := md.Get(MetadataKeyPayer); len(payer) > 0 {
		payment.Payer = payer[0]
	}
	if network := md.Get(MetadataKeyNetwork); len(network) > 0 {
		payment.SettlementNetwork = network[0]
	}
	if tx := md.Get(MetadataKeyTransaction); len(tx) > 0 {
		payment.SettlementTransaction = tx[0]
	}
	return payment, true
}
