// Package checkout sequences the strict multi-step checkout protocol:
// start, set address, set shipping method, set payment provider, confirm.
// Steps are forward-only and at most one step is in flight at a time. Any
// confirmed cart mutation while the session is active marks it stale; a
// stale session accepts nothing and must be replaced by a new one.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/cart"
	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/apierror"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/transport"
)

var (
	errRunnerRequired = errors.New("checkout: runner is required")

	// ErrOutOfOrder indicates a step was invoked before its predecessor
	// completed. Rejected before any network call.
	ErrOutOfOrder = errors.New("checkout: step out of order")
	// ErrStepInFlight indicates another step transition is still pending.
	// The second request is rejected, not queued.
	ErrStepInFlight = errors.New("checkout: step already in flight")
	// ErrSessionStale indicates the session was invalidated by a cart
	// change; the caller must start a new session.
	ErrSessionStale = errors.New("checkout: session is stale")
	// ErrNotStarted indicates no session has been started yet.
	ErrNotStarted = errors.New("checkout: session not started")
	// ErrInvalidInput indicates missing step input; no network call was made.
	ErrInvalidInput = errors.New("checkout: invalid input")
)

// Runner executes one logical request with the coordinator's retry and
// classification semantics. *cart.Mutator satisfies it.
type Runner interface {
	Run(ctx context.Context, mutation cart.Mutation) (*transport.Response, error)
}

// CartWatcher delivers a callback after every confirmed cart mutation.
// *oplog.Log satisfies it.
type CartWatcher interface {
	Subscribe(fn func())
}

// SessionDeps wires the coordinator and cart-change signal for a Session.
type SessionDeps struct {
	Runner Runner
	// Cart, when set, feeds confirmed-mutation signals into the staleness
	// transition.
	Cart   CartWatcher
	Logger *zap.Logger
	Clock  func() time.Time
}

// Session is the client-side checkout state machine.
type Session struct {
	runner Runner
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    domain.CheckoutSession
	started  bool
	inFlight bool
}

// NewSession constructs a Session and registers it with the cart watcher.
func NewSession(deps SessionDeps) (*Session, error) {
	if deps.Runner == nil {
		return nil, errRunnerRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	session := &Session{
		runner: deps.Runner,
		logger: logger,
		now:    func() time.Time { return now().UTC() },
	}
	if deps.Cart != nil {
		deps.Cart.Subscribe(session.MarkStale)
	}
	return session, nil
}

// Current returns a detached copy of the session state.
func (s *Session) Current() domain.CheckoutSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// MarkStale forces the irreversible stale transition. Called for every
// confirmed cart mutation and for expiry-shaped server errors. Terminal
// sessions are left untouched.
func (s *Session) MarkStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markStaleLocked()
}

func (s *Session) markStaleLocked() {
	if !s.started {
		return
	}
	switch s.state.Status {
	case domain.CheckoutConfirmed, domain.CheckoutStale:
		return
	}
	s.state.Status = domain.CheckoutStale
	s.logger.Info("checkout session marked stale",
		zap.String("session_id", s.state.ID),
	)
}

// Start opens a new checkout session against the current confirmed cart,
// discarding any previous session.
func (s *Session) Start(ctx context.Context) (domain.CheckoutSession, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return domain.CheckoutSession{}, ErrStepInFlight
	}
	s.inFlight = true
	s.mu.Unlock()

	ctx, span := observability.StartCheckoutSpan(ctx, "start", "")
	resp, err := s.runner.Run(ctx, cart.Mutation{
		Name:   "checkout_start",
		Method: http.MethodPost,
		Path:   "/checkout/session",
		Silent: true,
	})
	if err != nil {
		s.clearInFlight()
		observability.EndSpan(span, string(apierror.KindOf(err)), err)
		return domain.CheckoutSession{}, fmt.Errorf("checkout: start: %w", err)
	}

	payload, err := decodeStep(resp)
	if err != nil {
		s.clearInFlight()
		observability.EndSpan(span, "", err)
		return domain.CheckoutSession{}, err
	}

	s.mu.Lock()
	s.state = domain.CheckoutSession{
		ID:        payload.SessionID,
		Status:    domain.CheckoutStarted,
		Pricing:   payload.pricing(),
		StartedAt: s.now(),
	}
	s.started = true
	s.inFlight = false
	state := s.state.Clone()
	s.mu.Unlock()

	observability.EndSpan(span, "", nil)
	return state, nil
}

// SetAddress submits the shipping and billing addresses. Valid only from
// the started state.
func (s *Session) SetAddress(ctx context.Context, shipping, billing domain.Address) (domain.CheckoutSession, error) {
	if strings.TrimSpace(shipping.ID) == "" && strings.TrimSpace(shipping.Line1) == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: shipping address is required", ErrInvalidInput)
	}
	return s.step(ctx, stepSpec{
		name:     "checkout_set_address",
		span:     "set_address",
		from:     domain.CheckoutStarted,
		to:       domain.CheckoutAddressSet,
		path:     "address",
		body:     map[string]any{"shippingAddress": addressPayload(shipping), "billingAddress": addressPayload(billing)},
		onCommit: func(state *domain.CheckoutSession) {
			ship := shipping
			state.ShippingAddress = &ship
			bill := billing
			state.BillingAddress = &bill
		},
	})
}

// SetShipping selects the shipping method. Valid only after the address
// step.
func (s *Session) SetShipping(ctx context.Context, method domain.ShippingMethod) (domain.CheckoutSession, error) {
	if strings.TrimSpace(method.ID) == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: shipping method id is required", ErrInvalidInput)
	}
	return s.step(ctx, stepSpec{
		name: "checkout_set_shipping",
		span: "set_shipping",
		from: domain.CheckoutAddressSet,
		to:   domain.CheckoutShippingSet,
		path: "shipping",
		body: map[string]any{"methodId": method.ID},
		onCommit: func(state *domain.CheckoutSession) {
			chosen := method
			state.ShippingMethod = &chosen
		},
	})
}

// SetPayment selects the payment provider. Valid only after the shipping
// step.
func (s *Session) SetPayment(ctx context.Context, provider string) (domain.CheckoutSession, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: payment provider is required", ErrInvalidInput)
	}
	return s.step(ctx, stepSpec{
		name: "checkout_set_payment",
		span: "set_payment",
		from: domain.CheckoutShippingSet,
		to:   domain.CheckoutPaymentSet,
		path: "payment",
		body: map[string]any{"provider": provider},
		onCommit: func(state *domain.CheckoutSession) {
			state.PaymentProvider = provider
		},
	})
}

// Confirm finalises the session. Valid only after the payment step.
func (s *Session) Confirm(ctx context.Context) (domain.CheckoutSession, error) {
	return s.step(ctx, stepSpec{
		name: "checkout_confirm",
		span: "confirm",
		from: domain.CheckoutPaymentSet,
		to:   domain.CheckoutConfirmed,
		path: "confirm",
	})
}

type stepSpec struct {
	name     string
	span     string
	from     domain.CheckoutStatus
	to       domain.CheckoutStatus
	path     string
	body     any
	onCommit func(state *domain.CheckoutSession)
}

func (s *Session) step(ctx context.Context, spec stepSpec) (domain.CheckoutSession, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return domain.CheckoutSession{}, ErrNotStarted
	}
	if s.state.Status == domain.CheckoutStale {
		s.mu.Unlock()
		return domain.CheckoutSession{}, ErrSessionStale
	}
	if s.state.Status != spec.from {
		s.mu.Unlock()
		return domain.CheckoutSession{}, fmt.Errorf("%w: %s requires status %q, have %q",
			ErrOutOfOrder, spec.span, spec.from, s.state.Status)
	}
	if s.inFlight {
		s.mu.Unlock()
		return domain.CheckoutSession{}, ErrStepInFlight
	}
	s.inFlight = true
	sessionID := s.state.ID
	s.mu.Unlock()

	ctx, span := observability.StartCheckoutSpan(ctx, spec.span, sessionID)
	// Step failures become ErrSessionStale or a surfaced step error here;
	// the coordinator must not also raise a cart notification for them.
	resp, err := s.runner.Run(ctx, cart.Mutation{
		Name:   spec.name,
		Method: http.MethodPost,
		Path:   "/checkout/session/" + url.PathEscape(sessionID) + "/" + spec.path,
		Body:   spec.body,
		Silent: true,
	})
	if err != nil {
		s.clearInFlight()
		observability.EndSpan(span, string(apierror.KindOf(err)), err)
		if isStaleShaped(err) {
			s.MarkStale()
			return domain.CheckoutSession{}, fmt.Errorf("%w: %s", ErrSessionStale, spec.span)
		}
		return domain.CheckoutSession{}, fmt.Errorf("checkout: %s: %w", spec.span, err)
	}

	payload, err := decodeStep(resp)
	if err != nil {
		s.clearInFlight()
		observability.EndSpan(span, "", err)
		return domain.CheckoutSession{}, err
	}

	s.mu.Lock()
	// The session may have gone stale while the step was in flight; the
	// server accepted the step against the old cart, but locally the stale
	// transition is irreversible.
	if s.state.Status == domain.CheckoutStale {
		s.inFlight = false
		s.mu.Unlock()
		observability.EndSpan(span, "", nil)
		return domain.CheckoutSession{}, ErrSessionStale
	}
	s.state.Status = spec.to
	// The pricing snapshot is replaced atomically under the lock; no
	// partially updated snapshot is ever observable.
	s.state.Pricing = payload.pricing()
	if spec.onCommit != nil {
		spec.onCommit(&s.state)
	}
	s.inFlight = false
	state := s.state.Clone()
	s.mu.Unlock()

	observability.EndSpan(span, "", nil)
	return state, nil
}

func (s *Session) clearInFlight() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// isStaleShaped reports whether the step failure means the underlying cart
// changed or the server expired the session: version conflicts and
// gone-shaped responses both force the stale transition.
func isStaleShaped(err error) bool {
	if apierror.IsConflict(err) {
		return true
	}
	classified, ok := apierror.FromError(err)
	return ok && classified.Status == http.StatusGone
}

func addressPayload(a domain.Address) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"recipient":  a.Recipient,
		"line1":      a.Line1,
		"line2":      a.Line2,
		"city":       a.City,
		"region":     a.Region,
		"postalCode": a.PostalCode,
		"country":    strings.ToUpper(strings.TrimSpace(a.Country)),
		"phone":      a.Phone,
	}
}

type stepPayload struct {
	SessionID string         `json:"sessionId"`
	Status    string         `json:"status"`
	Pricing   pricingPayload `json:"pricing"`
}

type pricingPayload struct {
	CartVersion int64  `json:"cartVersion"`
	Currency    string `json:"currency"`
	Subtotal    int64  `json:"subtotal"`
	Discount    int64  `json:"discount"`
	Tax         int64  `json:"tax"`
	Shipping    int64  `json:"shipping"`
	Total       int64  `json:"total"`
	TakenAt     string `json:"takenAt"`
}

func (p stepPayload) pricing() domain.PricingSnapshot {
	snapshot := domain.PricingSnapshot{
		CartVersion: p.Pricing.CartVersion,
		Totals: domain.Totals{
			Currency: strings.ToUpper(strings.TrimSpace(p.Pricing.Currency)),
			Subtotal: p.Pricing.Subtotal,
			Discount: p.Pricing.Discount,
			Tax:      p.Pricing.Tax,
			Shipping: p.Pricing.Shipping,
			Total:    p.Pricing.Total,
		},
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(p.Pricing.TakenAt)); err == nil {
		snapshot.TakenAt = ts
	}
	return snapshot
}

func decodeStep(resp *transport.Response) (stepPayload, error) {
	var payload stepPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return stepPayload{}, fmt.Errorf("checkout: decode step response: %w", err)
	}
	payload.SessionID = strings.TrimSpace(payload.SessionID)
	if payload.SessionID == "" {
		return stepPayload{}, errors.New("checkout: step response missing session id")
	}
	return payload, nil
}
