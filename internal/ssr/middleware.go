// Package ssr wires the storefront core into a server-side render path. The
// middleware builds a fresh API transport and retry coordinator for every
// inbound request from the process config plus that request's session
// cookie, so concurrently rendered users never share client state. Only the
// session cookie is forwarded to the API; no other inbound header or cookie
// crosses over.
package ssr

import (
	"context"
	"errors"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/cart"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/config"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
	"github.com/hanko-field/storefront/internal/transport"
)

type ctxKey string

const (
	transportContextKey ctxKey = "github.com/hanko-field/storefront/internal/ssr/transport"
	mutatorContextKey   ctxKey = "github.com/hanko-field/storefront/internal/ssr/mutator"
)

var (
	// ErrNoTransport is returned by ClientFrom when the middleware did not
	// run for the current request.
	ErrNoTransport = errors.New("ssr: no transport in request context")
	// ErrNoMutator is returned by MutatorFrom when the middleware did not
	// run for the current request.
	ErrNoMutator = errors.New("ssr: no mutator in request context")
)

// Deps configures the per-request middleware.
type Deps struct {
	Config config.Config
	// Logger is the process logger; each request gets a child with request
	// fields attached.
	Logger *zap.Logger
	// HTTPClient is shared across requests. It holds connection pools only,
	// never per-user state. Nil gets a client bounded by the configured
	// request timeout.
	HTTPClient *http.Client
	// Refresh renews the session credential when the API signals expiry.
	// Nil means expiry surfaces to the caller without a refresh attempt.
	Refresh auth.RefreshFunc
	// Notify receives conflict and validation events from cart mutations.
	Notify cart.NotifySink
}

// Middleware constructs per-request transports, coordinators, and
// request-scoped loggers.
type Middleware struct {
	cfg     config.Config
	logger  *zap.Logger
	http    *http.Client
	refresh auth.RefreshFunc
	notify  cart.NotifySink
}

// New validates the config eagerly so a missing base URL fails at startup
// rather than on the first render.
func New(deps Deps) (*Middleware, error) {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: deps.Config.API.RequestTimeout}
	}
	if _, err := transport.New(transportOptions(deps.Config, httpClient)); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		cfg:     deps.Config,
		logger:  logger,
		http:    httpClient,
		refresh: deps.Refresh,
		notify:  deps.Notify,
	}, nil
}

func transportOptions(cfg config.Config, httpClient *http.Client) transport.Options {
	return transport.Options{
		BaseURL:           cfg.API.BaseURL,
		HTTPClient:        httpClient,
		CookieName:        cfg.Headers.SessionCookieName,
		VersionHeader:     cfg.Headers.VersionPrecondition,
		IdempotencyHeader: cfg.Headers.Idempotency,
	}
}

// Handler is the chi middleware. It extracts the session cookie, attaches a
// request-scoped logger, and stores a fresh transport plus a retry
// coordinator bound to the configured budgets on the context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		logger := m.logger.With(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		if reqID := chimiddleware.GetReqID(ctx); reqID != "" {
			logger = logger.With(zap.String("request_id", reqID))
		}
		ctx = requestctx.WithLogger(ctx, logger)

		var sessionToken string
		if cookie, err := r.Cookie(m.cfg.Headers.SessionCookieName); err == nil && cookie.Value != "" {
			sessionToken = cookie.Value
			ctx = requestctx.WithSessionCookie(ctx, requestctx.SessionCookie{
				Name:  m.cfg.Headers.SessionCookieName,
				Value: cookie.Value,
			})
		}

		client, err := transport.New(transportOptions(m.cfg, m.http))
		if err != nil {
			// Config was validated in New; reaching this means it changed
			// out from under us.
			logger.Error("per-request transport construction failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		mutator, err := cart.NewMutator(cart.MutatorDeps{
			Transport:              client,
			Credentials:            auth.NewSource(sessionToken, m.refresh),
			Notify:                 m.notify,
			Logger:                 logger,
			ConflictAttempts:       m.cfg.Retry.ConflictAttempts,
			SessionRefreshAttempts: m.cfg.Retry.SessionRefreshAttempts,
		})
		if err != nil {
			logger.Error("per-request mutator construction failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		ctx = context.WithValue(ctx, transportContextKey, client)
		ctx = context.WithValue(ctx, mutatorContextKey, mutator)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientFrom returns the request's transport.
func ClientFrom(ctx context.Context) (*transport.Client, error) {
	client, ok := ctx.Value(transportContextKey).(*transport.Client)
	if !ok || client == nil {
		return nil, ErrNoTransport
	}
	return client, nil
}

// MutatorFrom returns the request's retry coordinator.
func MutatorFrom(ctx context.Context) (*cart.Mutator, error) {
	mutator, ok := ctx.Value(mutatorContextKey).(*cart.Mutator)
	if !ok || mutator == nil {
		return nil, ErrNoMutator
	}
	return mutator, nil
}

// SessionCredential returns the value the transport should send as the
// session cookie for this request, or the empty string when the rendered
// user is anonymous.
func SessionCredential(ctx context.Context) string {
	cookie, ok := requestctx.SessionCookieFrom(ctx)
	if !ok {
		return ""
	}
	return cookie.Value
}
