package x402

import (
	"context"
	"fmt"
)

type contextKey string

const paymentContextKey contextKey = "askmesh-payment"

// ContextWithPayment attaches a settled payment to the context.
func ContextWithPayment(ctx context.Context, payment *PaidRouteContext) context.Context {
	return context.WithValue(ctx, paymentContextKey, payment)
}

// PaymentFromContext extracts the settled payment, if any.
func PaymentFromContext(ctx context.Context) (*PaidRouteContext, bool) {
	payment, ok := ctx.Value(paymentContextKey).(*PaidRouteContext)
	return payment, ok
}

// RequirePayment extracts the payment and errors if it is missing or not
// settled. Handlers behind a paid route use this as a belt-and-braces
// check.
func RequirePayment(ctx context.Context) (*PaidRouteContext, error) {
	payment, ok := PaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.PaymentVerified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}
