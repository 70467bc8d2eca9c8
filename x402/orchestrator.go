package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RouteConfig describes one paid route.
type RouteConfig struct {
	// Resource identifies the protected resource (usually the route path).
	Resource string

	// Description explains what the payment buys.
	Description string

	// PriceCents is the price in minor currency units.
	PriceCents int64
}

// RouteResponse is returned by a protected handler. The orchestrator writes
// it out after merging the settlement receipt headers, so a handler cannot
// accidentally drop them.
type RouteResponse struct {
	Status int
	Header http.Header
	Body   interface{} // JSON-encoded; nil writes no body
}

// PaidHandler executes the protected business action. It runs at most once
// per request and only after settlement has been confirmed on-chain.
type PaidHandler func(ctx context.Context, r *http.Request, payment *PaidRouteContext) (*RouteResponse, error)

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	// Network is the active settlement network for bid pricing.
	Network *NetworkConfig

	// PayTo is the payee address placed in every challenge.
	PayTo string

	// Facilitator verifies and settles payments. The local-vs-remote
	// choice is made by the caller at startup.
	Facilitator Facilitator

	// Queue serializes settlement for this facilitator's signing key.
	Queue *SerialQueue

	// Verifiers are the structural scheme verifiers for the resource server.
	Verifiers []SchemeVerifier

	// Events receives lifecycle events. Optional.
	Events EventCallback

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Orchestrator drives the paid-route lifecycle: challenge, payload
// verification, serialized settlement, protected handler, receipt headers.
type Orchestrator struct {
	network     *NetworkConfig
	payTo       string
	facilitator Facilitator
	queue       *SerialQueue
	verifiers   []SchemeVerifier
	events      EventCallback
	logger      *slog.Logger

	initMu   sync.Mutex
	ready    bool
	resource *ResourceServer
}

// NewOrchestrator validates the configuration and returns an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Network == nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "network is required", nil)
	}
	if cfg.Facilitator == nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "facilitator is required", nil)
	}
	if cfg.Queue == nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "settlement queue is required", nil)
	}
	if cfg.PayTo == "" {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "payTo address is required", nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		network:     cfg.Network,
		payTo:       cfg.PayTo,
		facilitator: cfg.Facilitator,
		queue:       cfg.Queue,
		verifiers:   cfg.Verifiers,
		events:      cfg.Events,
		logger:      logger,
	}, nil
}

// init builds the resource server after probing the facilitator. Only a
// successful probe is memoized: a transient facilitator outage at first
// contact fails that request and is retried on the next one.
func (o *Orchestrator) init(ctx context.Context) error {
	o.initMu.Lock()
	defer o.initMu.Unlock()
	if o.ready {
		return nil
	}

	supported, err := o.facilitator.Supported(ctx)
	if err != nil {
		return fmt.Errorf("facilitator unreachable: %w", err)
	}
	found := false
	for _, kind := range supported.Kinds {
		if kind.Scheme == SchemeExact && kind.Network == o.network.Network {
			found = true
			break
		}
	}
	if !found {
		return NewPaymentError(ErrCodeNetworkNotSupported,
			fmt.Sprintf("facilitator does not support %s on %s", SchemeExact, o.network.Network), nil)
	}

	o.resource = NewResourceServer(o.verifiers...)
	o.ready = true
	return nil
}

// HandlePaidRoute drives the full payment-gated lifecycle for one request.
func (o *Orchestrator) HandlePaidRoute(w http.ResponseWriter, r *http.Request, route RouteConfig, handler PaidHandler) {
	if err := o.init(r.Context()); err != nil {
		o.logger.Error("paid route initialization failed", "route", route.Resource, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "payment system unavailable"})
		return
	}

	requirement, err := BuildRequirements(route.PriceCents, o.payTo, o.network)
	if err != nil {
		o.logger.Error("failed to build payment requirements", "route", route.Resource, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "payment system unavailable"})
		return
	}
	accepts := []PaymentRequirements{requirement}

	result := o.resource.ProcessRequest(r, accepts)
	switch result.Kind {
	case ProcessNoPayment:
		// Expected first contact: answer with the challenge.
		o.writeChallenge(w, route, accepts, "payment required")
		return

	case ProcessPaymentError:
		o.writePaymentError(w, route, requirement, result.Status, result.ErrorReason)
		return
	}

	// Structurally valid payload: deep verification by the facilitator.
	verify, err := o.facilitator.Verify(r.Context(), result.Payload, result.Requirement)
	if err != nil {
		o.logger.Error("payment verification errored", "route", route.Resource, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "payment verification failed"})
		return
	}
	if !verify.IsValid {
		reason := verify.InvalidReason
		if verify.InvalidMessage != "" {
			reason = verify.InvalidMessage
		}
		o.writePaymentError(w, route, requirement, http.StatusPaymentRequired, reason)
		return
	}

	settlement, err := o.settleSerialized(r.Context(), result.Payload, result.Requirement)
	if err != nil {
		// The transaction may or may not have been broadcast; report a
		// hard failure and never invoke the handler.
		o.logger.Error("settlement errored", "route", route.Resource, "payer", verify.Payer, "error", err)
		emit(o.events, Event{
			Type:    EventSettlementFailed,
			Route:   route.Resource,
			Network: requirement.Network,
			Payer:   verify.Payer,
			Amount:  requirement.Amount,
			Reason:  err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "payment settlement failed"})
		return
	}
	if !settlement.Success {
		o.logger.Warn("settlement refused", "route", route.Resource, "payer", settlement.Payer, "reason", settlement.ErrorReason)
		emit(o.events, Event{
			Type:    EventSettlementFailed,
			Route:   route.Resource,
			Network: requirement.Network,
			Payer:   settlement.Payer,
			Amount:  requirement.Amount,
			Reason:  settlement.ErrorReason,
		})
		o.writePaymentError(w, route, requirement, http.StatusPaymentRequired, settlement.ErrorReason)
		return
	}

	emit(o.events, Event{
		Type:        EventSettlementConfirmed,
		Route:       route.Resource,
		Network:     settlement.Network,
		Payer:       settlement.Payer,
		Transaction: settlement.Transaction,
		Amount:      requirement.Amount,
	})
	o.logger.Info("payment settled", "route", route.Resource, "payer", settlement.Payer, "tx", settlement.Transaction)

	payment := &PaidRouteContext{
		PaymentVerified:       true,
		Payer:                 settlement.Payer,
		SettlementTransaction: settlement.Transaction,
		SettlementNetwork:     settlement.Network,
		SettledAt:             time.Now(),
	}

	response, err := handler(ContextWithPayment(r.Context(), payment), r, payment)
	if err != nil {
		// Funds have already moved. Log distinctly so the failure can be
		// reconciled out of band; there is no automatic refund.
		o.logger.Error("handler failed after settlement",
			"route", route.Resource, "payer", settlement.Payer,
			"tx", settlement.Transaction, "error", err)
		emit(o.events, Event{
			Type:        EventHandlerFailed,
			Route:       route.Resource,
			Network:     settlement.Network,
			Payer:       settlement.Payer,
			Transaction: settlement.Transaction,
			Reason:      err.Error(),
		})
		o.mergeSettlementHeaders(w, settlement)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	o.mergeSettlementHeaders(w, settlement)
	for key, values := range response.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	status := response.Status
	if status == 0 {
		status = http.StatusOK
	}
	if response.Body == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, response.Body)
}

// settleSerialized runs settlement through the serialization queue. Once
// admitted, the settlement is detached from the request's cancellation so
// an aborted request cannot leave the signer's nonce state unknown.
func (o *Orchestrator) settleSerialized(ctx context.Context, payload *PaymentPayload, requirement *PaymentRequirements) (*SettleResponse, error) {
	var settlement *SettleResponse
	err := o.queue.Run(ctx, func() error {
		var err error
		settlement, err = o.facilitator.Settle(context.WithoutCancel(ctx), payload, requirement)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

func (o *Orchestrator) writeChallenge(w http.ResponseWriter, route RouteConfig, accepts []PaymentRequirements, reason string) {
	w.Header().Set(HeaderPaymentRequired, EncodeErrorHeader(reason))
	writeJSON(w, http.StatusPaymentRequired, PaymentRequired{
		X402Version: X402Version,
		Error:       reason,
		Resource:    route.Resource,
		Description: route.Description,
		Accepts:     accepts,
	})
}

// writePaymentError surfaces a refusal both as the encoded header and as a
// plain {error} JSON body for callers that don't speak the header
// convention.
func (o *Orchestrator) writePaymentError(w http.ResponseWriter, route RouteConfig, requirement PaymentRequirements, status int, reason string) {
	if reason == "" {
		reason = "payment rejected"
	}
	w.Header().Set(HeaderPaymentRequired, EncodeErrorHeader(reason))
	writeJSON(w, status, map[string]string{"error": reason})
	if status == http.StatusPaymentRequired {
		emit(o.events, Event{
			Type:    EventPaymentRequired,
			Route:   route.Resource,
			Network: requirement.Network,
			Amount:  requirement.Amount,
			Reason:  reason,
		})
	}
}

func (o *Orchestrator) mergeSettlementHeaders(w http.ResponseWriter, settlement *SettleResponse) {
	encoded, err := EncodeSettlementHeader(settlement)
	if err != nil {
		o.logger.Warn("failed to encode settlement header", "error", err)
		return
	}
	w.Header().Set(HeaderPaymentResponse, encoded)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
