package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/storefront/internal/cart"
	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/apierror"
	"github.com/hanko-field/storefront/internal/transport"
)

type stubRunner struct {
	mu      sync.Mutex
	calls   []cart.Mutation
	runFunc func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error)
}

func (s *stubRunner) Run(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, mutation)
	s.mu.Unlock()
	return s.runFunc(ctx, mutation)
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubWatcher struct {
	fns []func()
}

func (s *stubWatcher) Subscribe(fn func()) { s.fns = append(s.fns, fn) }

func (s *stubWatcher) fire() {
	for _, fn := range s.fns {
		fn()
	}
}

func stepResponse(sessionID string, cartVersion int64, total int64) *transport.Response {
	body := fmt.Sprintf(`{
		"sessionId": %q,
		"status": "whatever",
		"pricing": {
			"cartVersion": %d,
			"currency": "usd",
			"subtotal": %d,
			"tax": 0,
			"shipping": 0,
			"total": %d,
			"takenAt": "2026-08-30T10:00:00Z"
		}
	}`, sessionID, cartVersion, total, total)
	return &transport.Response{Status: http.StatusOK, Body: []byte(body)}
}

func okRunner(sessionID string) *stubRunner {
	return &stubRunner{runFunc: func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		return stepResponse(sessionID, 5, 1000), nil
	}}
}

func testAddress() domain.Address {
	return domain.Address{ID: "addr-1", Recipient: "Jo Doe", Line1: "1 Main St", City: "Springfield", Country: "us"}
}

func startedSession(t *testing.T, runner *stubRunner, watcher CartWatcher) *Session {
	t.Helper()
	session, err := NewSession(SessionDeps{Runner: runner, Cart: watcher})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return session
}

func TestFullStepSequence(t *testing.T) {
	runner := &stubRunner{}
	version := int64(5)
	runner.runFunc = func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		version++
		return stepResponse("cs-1", version, version*100), nil
	}

	session, err := NewSession(SessionDeps{Runner: runner})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx := context.Background()
	state, err := session.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state.ID != "cs-1" || state.Status != domain.CheckoutStarted {
		t.Fatalf("unexpected start state: %+v", state)
	}
	if state.Pricing.CartVersion != 6 {
		t.Fatalf("start pricing cart version = %d, want 6", state.Pricing.CartVersion)
	}
	if state.Pricing.Totals.Currency != "USD" {
		t.Fatalf("currency = %q, want USD", state.Pricing.Totals.Currency)
	}

	state, err = session.SetAddress(ctx, testAddress(), testAddress())
	if err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if state.Status != domain.CheckoutAddressSet {
		t.Fatalf("status after address = %q", state.Status)
	}
	if state.ShippingAddress == nil || state.ShippingAddress.ID != "addr-1" {
		t.Fatalf("shipping address not recorded: %+v", state.ShippingAddress)
	}
	if state.Pricing.CartVersion != 7 {
		t.Fatalf("pricing snapshot not replaced, cart version = %d", state.Pricing.CartVersion)
	}

	state, err = session.SetShipping(ctx, domain.ShippingMethod{ID: "std", Label: "Standard"})
	if err != nil {
		t.Fatalf("SetShipping: %v", err)
	}
	if state.Status != domain.CheckoutShippingSet || state.ShippingMethod.ID != "std" {
		t.Fatalf("unexpected shipping state: %+v", state)
	}

	state, err = session.SetPayment(ctx, " Card ")
	if err != nil {
		t.Fatalf("SetPayment: %v", err)
	}
	if state.Status != domain.CheckoutPaymentSet || state.PaymentProvider != "card" {
		t.Fatalf("unexpected payment state: %+v", state)
	}

	state, err = session.Confirm(ctx)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if state.Status != domain.CheckoutConfirmed {
		t.Fatalf("status after confirm = %q", state.Status)
	}
	if state.Pricing.CartVersion != 10 {
		t.Fatalf("final pricing cart version = %d, want 10", state.Pricing.CartVersion)
	}

	wantPaths := []string{
		"/checkout/session",
		"/checkout/session/cs-1/address",
		"/checkout/session/cs-1/shipping",
		"/checkout/session/cs-1/payment",
		"/checkout/session/cs-1/confirm",
	}
	if len(runner.calls) != len(wantPaths) {
		t.Fatalf("call count = %d, want %d", len(runner.calls), len(wantPaths))
	}
	for i, want := range wantPaths {
		if runner.calls[i].Path != want {
			t.Fatalf("call %d path = %q, want %q", i, runner.calls[i].Path, want)
		}
		if runner.calls[i].Method != http.MethodPost {
			t.Fatalf("call %d method = %q", i, runner.calls[i].Method)
		}
		if runner.calls[i].Versioned {
			t.Fatalf("call %d unexpectedly versioned", i)
		}
		if !runner.calls[i].Silent {
			t.Fatalf("call %d would raise a cart notification", i)
		}
	}
}

func TestStepsRejectedOutOfOrder(t *testing.T) {
	runner := okRunner("cs-1")
	session := startedSession(t, runner, nil)
	before := runner.callCount()

	ctx := context.Background()
	if _, err := session.SetShipping(ctx, domain.ShippingMethod{ID: "std"}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("SetShipping from started = %v, want ErrOutOfOrder", err)
	}
	if _, err := session.SetPayment(ctx, "card"); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("SetPayment from started = %v, want ErrOutOfOrder", err)
	}
	if _, err := session.Confirm(ctx); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Confirm from started = %v, want ErrOutOfOrder", err)
	}
	if runner.callCount() != before {
		t.Fatalf("out-of-order steps reached the network: %d calls", runner.callCount()-before)
	}
}

func TestStepsRequireStart(t *testing.T) {
	runner := okRunner("cs-1")
	session, err := NewSession(SessionDeps{Runner: runner})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := session.SetAddress(context.Background(), testAddress(), testAddress()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("SetAddress before Start = %v, want ErrNotStarted", err)
	}
	if runner.callCount() != 0 {
		t.Fatalf("step before Start reached the network")
	}
}

func TestSecondStepRejectedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	started := false
	runner := &stubRunner{}
	runner.runFunc = func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		if started {
			close(entered)
			<-release
		}
		return stepResponse("cs-1", 5, 1000), nil
	}
	session := startedSession(t, runner, nil)
	started = true

	done := make(chan error, 1)
	go func() {
		_, err := session.SetAddress(context.Background(), testAddress(), testAddress())
		done <- err
	}()
	<-entered

	if _, err := session.SetAddress(context.Background(), testAddress(), testAddress()); !errors.Is(err, ErrStepInFlight) {
		t.Fatalf("concurrent step = %v, want ErrStepInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first step failed: %v", err)
	}
}

func TestConflictShapedErrorMarksStale(t *testing.T) {
	runner := &stubRunner{}
	fail := false
	runner.runFunc = func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		if fail {
			return nil, apierror.Classify(http.StatusConflict, nil, nil)
		}
		return stepResponse("cs-1", 5, 1000), nil
	}
	session := startedSession(t, runner, nil)
	fail = true

	ctx := context.Background()
	if _, err := session.SetAddress(ctx, testAddress(), testAddress()); !errors.Is(err, ErrSessionStale) {
		t.Fatalf("conflict-shaped failure = %v, want ErrSessionStale", err)
	}
	if got := session.Current().Status; got != domain.CheckoutStale {
		t.Fatalf("status = %q, want stale", got)
	}

	before := runner.callCount()
	if _, err := session.SetAddress(ctx, testAddress(), testAddress()); !errors.Is(err, ErrSessionStale) {
		t.Fatalf("step on stale session = %v, want ErrSessionStale", err)
	}
	if runner.callCount() != before {
		t.Fatalf("stale session step reached the network")
	}
}

func TestGoneShapedErrorMarksStale(t *testing.T) {
	runner := &stubRunner{}
	fail := false
	runner.runFunc = func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		if fail {
			return nil, apierror.Classify(http.StatusGone, []byte(`{"error":"session_expired"}`), nil)
		}
		return stepResponse("cs-1", 5, 1000), nil
	}
	session := startedSession(t, runner, nil)
	fail = true

	if _, err := session.SetAddress(context.Background(), testAddress(), testAddress()); !errors.Is(err, ErrSessionStale) {
		t.Fatalf("gone-shaped failure = %v, want ErrSessionStale", err)
	}
	if got := session.Current().Status; got != domain.CheckoutStale {
		t.Fatalf("status = %q, want stale", got)
	}
}

func TestOtherFailuresDoNotMarkStale(t *testing.T) {
	runner := &stubRunner{}
	fail := false
	runner.runFunc = func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		if fail {
			return nil, apierror.Classify(http.StatusInternalServerError, nil, nil)
		}
		return stepResponse("cs-1", 5, 1000), nil
	}
	session := startedSession(t, runner, nil)
	fail = true

	ctx := context.Background()
	_, err := session.SetAddress(ctx, testAddress(), testAddress())
	if err == nil || errors.Is(err, ErrSessionStale) {
		t.Fatalf("server failure = %v, want non-stale error", err)
	}
	if got := session.Current().Status; got != domain.CheckoutStarted {
		t.Fatalf("status = %q, want started", got)
	}

	// The failed step did not advance; the same step can be retried.
	fail = false
	if _, err := session.SetAddress(ctx, testAddress(), testAddress()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestConfirmedCartMutationMarksStale(t *testing.T) {
	runner := okRunner("cs-1")
	watcher := &stubWatcher{}
	session := startedSession(t, runner, watcher)

	ctx := context.Background()
	if _, err := session.SetAddress(ctx, testAddress(), testAddress()); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}

	watcher.fire()

	if got := session.Current().Status; got != domain.CheckoutStale {
		t.Fatalf("status after cart mutation = %q, want stale", got)
	}
	before := runner.callCount()
	if _, err := session.SetShipping(ctx, domain.ShippingMethod{ID: "std"}); !errors.Is(err, ErrSessionStale) {
		t.Fatalf("step on stale session = %v, want ErrSessionStale", err)
	}
	if runner.callCount() != before {
		t.Fatalf("stale session step reached the network")
	}
}

func TestStaleWhileStepInFlight(t *testing.T) {
	runner := &stubRunner{}
	var session *Session
	invalidate := false
	runner.runFunc = func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		if invalidate {
			session.MarkStale()
		}
		return stepResponse("cs-1", 5, 1000), nil
	}
	session = startedSession(t, runner, nil)
	invalidate = true

	if _, err := session.SetAddress(context.Background(), testAddress(), testAddress()); !errors.Is(err, ErrSessionStale) {
		t.Fatalf("step overtaken by staleness = %v, want ErrSessionStale", err)
	}
	if got := session.Current().Status; got != domain.CheckoutStale {
		t.Fatalf("status = %q, want stale", got)
	}
}

func TestStalenessDoesNotTouchTerminalSession(t *testing.T) {
	runner := okRunner("cs-1")
	watcher := &stubWatcher{}
	session := startedSession(t, runner, watcher)

	ctx := context.Background()
	if _, err := session.SetAddress(ctx, testAddress(), testAddress()); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if _, err := session.SetShipping(ctx, domain.ShippingMethod{ID: "std"}); err != nil {
		t.Fatalf("SetShipping: %v", err)
	}
	if _, err := session.SetPayment(ctx, "card"); err != nil {
		t.Fatalf("SetPayment: %v", err)
	}
	if _, err := session.Confirm(ctx); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	watcher.fire()

	if got := session.Current().Status; got != domain.CheckoutConfirmed {
		t.Fatalf("confirmed session changed to %q", got)
	}
}

func TestStartReplacesStaleSession(t *testing.T) {
	runner := &stubRunner{}
	id := "cs-1"
	runner.runFunc = func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		return stepResponse(id, 5, 1000), nil
	}
	session := startedSession(t, runner, nil)
	session.MarkStale()

	id = "cs-2"
	state, err := session.Start(context.Background())
	if err != nil {
		t.Fatalf("Start after stale: %v", err)
	}
	if state.ID != "cs-2" || state.Status != domain.CheckoutStarted {
		t.Fatalf("unexpected replacement session: %+v", state)
	}

	if _, err := session.SetAddress(context.Background(), testAddress(), testAddress()); err != nil {
		t.Fatalf("SetAddress on replacement session: %v", err)
	}
}

func TestStepInputValidation(t *testing.T) {
	runner := okRunner("cs-1")
	session := startedSession(t, runner, nil)
	before := runner.callCount()

	ctx := context.Background()
	if _, err := session.SetAddress(ctx, domain.Address{}, domain.Address{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty address = %v, want ErrInvalidInput", err)
	}
	if _, err := session.SetPayment(ctx, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank provider = %v, want ErrInvalidInput", err)
	}
	if runner.callCount() != before {
		t.Fatalf("invalid input reached the network")
	}
}

func TestStartRejectsMissingSessionID(t *testing.T) {
	runner := &stubRunner{runFunc: func(ctx context.Context, mutation cart.Mutation) (*transport.Response, error) {
		return &transport.Response{Status: http.StatusOK, Body: []byte(`{"pricing":{"cartVersion":5}}`)}, nil
	}}
	session, err := NewSession(SessionDeps{Runner: runner})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := session.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "session id") {
		t.Fatalf("Start without session id = %v, want missing session id error", err)
	}
}

func TestNewSessionRequiresRunner(t *testing.T) {
	if _, err := NewSession(SessionDeps{}); err == nil {
		t.Fatal("NewSession without runner succeeded")
	}
}

func TestReturnedStateIsDetached(t *testing.T) {
	runner := okRunner("cs-1")
	session := startedSession(t, runner, nil)

	state, err := session.SetAddress(context.Background(), testAddress(), testAddress())
	if err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	state.ShippingAddress.City = "Mutated"
	state.BillingAddress.Line1 = "0 Nowhere"

	if got := session.Current().ShippingAddress.City; got != "Springfield" {
		t.Fatalf("committed shipping city changed to %q", got)
	}
	if got := session.Current().BillingAddress.Line1; got != "1 Main St" {
		t.Fatalf("committed billing line changed to %q", got)
	}

	if _, err := session.SetShipping(context.Background(), domain.ShippingMethod{ID: "std", Label: "Standard"}); err != nil {
		t.Fatalf("SetShipping: %v", err)
	}
	snapshot := session.Current()
	snapshot.ShippingMethod.ID = "hacked"
	if got := session.Current().ShippingMethod.ID; got != "std" {
		t.Fatalf("committed shipping method changed to %q", got)
	}
}

func TestPricingSnapshotTimestampParsed(t *testing.T) {
	runner := okRunner("cs-1")
	session := startedSession(t, runner, nil)

	want := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if got := session.Current().Pricing.TakenAt; !got.Equal(want) {
		t.Fatalf("TakenAt = %v, want %v", got, want)
	}
}
