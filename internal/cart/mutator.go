// Package cart turns one logical "mutate the cart" intent into a safe
// sequence of transport calls: one idempotency key per logical mutation,
// bounded typed retry for version conflicts and session expiry, and a single
// classified error contract towards callers.
package cart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/apierror"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/transport"
)

const (
	defaultConflictAttempts       = 3
	defaultSessionRefreshAttempts = 1
)

var (
	errMutatorTransportRequired   = errors.New("cart: transport is required")
	errMutatorCredentialsRequired = errors.New("cart: credential source is required")

	// ErrInvalidInput indicates the caller supplied invalid mutation input;
	// no network call was made.
	ErrInvalidInput = errors.New("cart: invalid input")
	// ErrNotReplayable indicates a mutation with a non-replayable body
	// failed; it is never retried regardless of classification.
	ErrNotReplayable = errors.New("cart: mutation body is not replayable")
)

// TransportClient is the subset of the mutation transport the coordinator
// consumes.
type TransportClient interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
	GetCart(ctx context.Context, credential string) (domain.Cart, error)
	CartVersion(ctx context.Context, credential string) (int64, error)
}

// MutatorDeps wires the transport, credential, and notification dependencies
// for the retry coordinator.
type MutatorDeps struct {
	Transport   TransportClient
	Credentials auth.CredentialSource
	Notify      NotifySink
	Logger      *zap.Logger
	// ConflictAttempts bounds the total attempts for a mutation that keeps
	// hitting version conflicts. Zero means the default of 3.
	ConflictAttempts int
	// SessionRefreshAttempts bounds credential refreshes per logical
	// mutation. Zero means the default of 1.
	SessionRefreshAttempts int
	// KeyGenerator mints idempotency keys; defaults to random UUIDs.
	KeyGenerator func() string
}

// Mutator is the retry coordinator for cart mutations. It is the only
// component that reads or writes the tracked cart version, always paired
// with a mutation attempt.
type Mutator struct {
	transport        TransportClient
	credentials      auth.CredentialSource
	notify           NotifySink
	logger           *zap.Logger
	conflictBudget   int
	refreshBudget    int
	newKey           func() string

	mu           sync.Mutex
	version      int64
	versionKnown bool
}

// NewMutator constructs a Mutator enforcing dependency validation.
func NewMutator(deps MutatorDeps) (*Mutator, error) {
	if deps.Transport == nil {
		return nil, errMutatorTransportRequired
	}
	if deps.Credentials == nil {
		return nil, errMutatorCredentialsRequired
	}

	conflictBudget := deps.ConflictAttempts
	if conflictBudget <= 0 {
		conflictBudget = defaultConflictAttempts
	}
	refreshBudget := deps.SessionRefreshAttempts
	if refreshBudget <= 0 {
		refreshBudget = defaultSessionRefreshAttempts
	}

	newKey := deps.KeyGenerator
	if newKey == nil {
		newKey = uuid.NewString
	}

	notify := deps.Notify
	if notify == nil {
		notify = NotifyFunc(nil)
	}

	return &Mutator{
		transport:      deps.Transport,
		credentials:    deps.Credentials,
		notify:         notify,
		logger:         deps.Logger,
		conflictBudget: conflictBudget,
		refreshBudget:  refreshBudget,
		newKey:         newKey,
	}, nil
}

// Mutation describes one logical mutation against the API.
type Mutation struct {
	// Name labels the mutation in logs, spans, and notifications.
	Name   string
	Method string
	Path   string
	// Body is JSON-marshalled and replayable across retries.
	Body any
	// Stream marks the mutation non-replayable; any failure surfaces
	// immediately with zero retries.
	Stream            io.Reader
	StreamContentType string
	// Versioned mutations carry the tracked cart version as a precondition
	// and refresh it from the server between conflict retries. Unversioned
	// mutations surface conflicts to the caller on the first occurrence.
	Versioned bool
	// Silent suppresses user-facing notifications for this mutation. Flows
	// that translate failures into their own user-visible outcome, the
	// checkout steps among them, set it so the user is not told twice.
	Silent bool
}

// Version returns the last cart version observed by the coordinator.
func (m *Mutator) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// observeVersion records a server-reported version. The tracked version is
// monotonic: stale responses arriving late never move it backwards.
func (m *Mutator) observeVersion(version int64) {
	if version <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.versionKnown || version > m.version {
		m.version = version
		m.versionKnown = true
	}
}

func (m *Mutator) currentVersion() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, m.versionKnown
}

// RefreshCart performs an authoritative read, replacing the tracked version.
func (m *Mutator) RefreshCart(ctx context.Context) (domain.Cart, error) {
	cred, err := m.credentials.Current(ctx)
	if err != nil && !errors.Is(err, auth.ErrNoCredential) {
		return domain.Cart{}, err
	}
	cart, err := m.transport.GetCart(ctx, cred.Token)
	if err != nil {
		return domain.Cart{}, err
	}
	m.observeVersion(cart.Version)
	return cart, nil
}

// Run executes the logical mutation with the full retry algorithm and
// returns the raw transport response. On failure, the returned error always
// wraps a classified *apierror.Error.
func (m *Mutator) Run(ctx context.Context, mutation Mutation) (*transport.Response, error) {
	ctx, span := observability.StartMutationSpan(ctx, mutation.Name)

	resp, err := m.run(ctx, mutation)
	if err != nil {
		classified, _ := apierror.FromError(err)
		kind := string(apierror.KindOf(err))
		if event, ok := eventFromError(mutation.Name, classified); ok && !mutation.Silent {
			m.notify.Notify(ctx, event)
		}
		observability.EndSpan(span, kind, err)
		return nil, err
	}
	observability.EndSpan(span, "", nil)
	return resp, nil
}

func (m *Mutator) run(ctx context.Context, mutation Mutation) (*transport.Response, error) {
	logger := m.logger
	if logger == nil {
		logger = observability.FromContext(ctx)
	}

	cred, err := m.credentials.Current(ctx)
	if err != nil && !errors.Is(err, auth.ErrNoCredential) {
		return nil, err
	}

	// The key is minted once per logical mutation and reused verbatim on
	// every retry so the server applies the effect at most once.
	key := m.newKey()

	var version *int64
	if mutation.Versioned {
		current, known := m.currentVersion()
		if !known {
			current, err = m.transport.CartVersion(ctx, cred.Token)
			if err != nil {
				return nil, err
			}
			m.observeVersion(current)
		}
		version = &current
	}

	attempts := 1
	refreshes := 0

	for {
		req := transport.Request{
			Method:            mutation.Method,
			Path:              mutation.Path,
			Body:              mutation.Body,
			Stream:            mutation.Stream,
			StreamContentType: mutation.StreamContentType,
			Version:           version,
			IdempotencyKey:    key,
			Credential:        cred.Token,
		}

		var precondition int64
		if version != nil {
			precondition = *version
		}
		observability.RecordAttempt(ctx, attempts, precondition)

		resp, err := m.transport.Do(ctx, req)
		if err == nil {
			m.observeVersion(resp.Version)
			return resp, nil
		}

		classified, ok := apierror.FromError(err)
		if !ok {
			classified = apierror.Classify(0, nil, err)
			err = classified
		}

		if !mutation.Replayable() {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotReplayable, mutation.Name, err)
		}

		switch classified.Kind {
		case apierror.KindConflict:
			if !mutation.Versioned || attempts >= m.conflictBudget {
				return nil, fmt.Errorf("cart: %s: %w", mutation.Name, err)
			}
			refreshed, readErr := m.transport.CartVersion(ctx, cred.Token)
			if readErr != nil {
				return nil, fmt.Errorf("cart: %s: refresh version: %w", mutation.Name, readErr)
			}
			m.observeVersion(refreshed)
			attempts++
			version = &refreshed
			logger.Debug("cart mutation conflict, replaying with refreshed version",
				zap.String("mutation", mutation.Name),
				zap.Int("attempt", attempts),
				zap.Int64("version", refreshed),
			)

		case apierror.KindSessionExpired:
			if refreshes >= m.refreshBudget {
				return nil, fmt.Errorf("cart: %s: %w", mutation.Name, err)
			}
			freshCred, refreshErr := m.credentials.Refresh(ctx)
			if refreshErr != nil {
				return nil, fmt.Errorf("cart: %s: %w", mutation.Name, refreshErr)
			}
			cred = freshCred
			refreshes++
			logger.Debug("cart mutation session refreshed",
				zap.String("mutation", mutation.Name),
				zap.Int("refreshes", refreshes),
			)

		default:
			return nil, fmt.Errorf("cart: %s: %w", mutation.Name, err)
		}
	}
}

// Replayable reports whether the mutation's body can be re-sent safely.
func (m Mutation) Replayable() bool { return m.Stream == nil }

// Mutate runs a versioned cart mutation and decodes the authoritative cart
// from the response.
func (m *Mutator) Mutate(ctx context.Context, mutation Mutation) (domain.Cart, error) {
	mutation.Versioned = true
	resp, err := m.Run(ctx, mutation)
	if err != nil {
		return domain.Cart{}, err
	}
	cart, err := resp.DecodeCart()
	if err != nil {
		return domain.Cart{}, err
	}
	m.observeVersion(cart.Version)
	return cart, nil
}
