// Package transport issues single HTTP requests against the versioned cart
// and checkout API. A Client is a per-request value: the SSR layer constructs
// a fresh one for every inbound render request so no state is shared between
// concurrently rendered users. The transport never retries and never branches
// on response codes; failures are classified once and returned to the caller.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/apierror"
)

const (
	defaultTimeout           = 8 * time.Second
	defaultVersionHeader     = "If-Match"
	defaultIdempotencyHeader = "Idempotency-Key"
	defaultCookieName        = "STOREFRONT_SESSION"
	etagHeader               = "ETag"
	maxErrorBody             = 4 << 10
)

// ErrBaseURLRequired is returned when a Client is constructed without an API
// base URL.
var ErrBaseURLRequired = errors.New("transport: base url is required")

// Options configures a per-request Client.
type Options struct {
	BaseURL string
	// HTTPClient may be shared; it holds no per-user state. Nil gets a
	// default client with an 8 second timeout.
	HTTPClient *http.Client
	// CookieName is the session cookie name forwarded to the API.
	CookieName string
	// VersionHeader carries the version precondition on mutations.
	VersionHeader string
	// IdempotencyHeader carries the idempotency key on mutations.
	IdempotencyHeader string
}

// Client issues requests with the concurrency and idempotency headers the
// versioned cart resource requires.
type Client struct {
	baseURL           string
	http              *http.Client
	cookieName        string
	versionHeader     string
	idempotencyHeader string
}

// New constructs a Client. Callers on the SSR path must call this once per
// inbound request rather than holding a process-wide instance.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, ErrBaseURLRequired
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	client := &Client{
		baseURL:           base,
		http:              httpClient,
		cookieName:        strings.TrimSpace(opts.CookieName),
		versionHeader:     strings.TrimSpace(opts.VersionHeader),
		idempotencyHeader: strings.TrimSpace(opts.IdempotencyHeader),
	}
	if client.cookieName == "" {
		client.cookieName = defaultCookieName
	}
	if client.versionHeader == "" {
		client.versionHeader = defaultVersionHeader
	}
	if client.idempotencyHeader == "" {
		client.idempotencyHeader = defaultIdempotencyHeader
	}
	return client, nil
}

// Request describes one HTTP call. Body is marshalled to JSON and may be
// replayed on retry; Stream is sent verbatim and marks the request
// non-replayable. At most one of the two may be set.
type Request struct {
	Method string
	Path   string
	Body   any
	Stream io.Reader
	// StreamContentType labels Stream payloads; ignored for JSON bodies.
	StreamContentType string
	// Version, when non-nil, becomes the version precondition header. The
	// transport never infers a version on the caller's behalf.
	Version *int64
	// IdempotencyKey is attached verbatim when non-empty.
	IdempotencyKey string
	// Credential is the session cookie value for this call.
	Credential string
}

// Replayable reports whether the request body can be re-sent safely.
func (r Request) Replayable() bool { return r.Stream == nil }

// Response carries the raw outcome of a successful (2xx) call.
type Response struct {
	Status  int
	Version int64
	Body    []byte
}

// DecodeCart unmarshals the response body as a cart resource.
func (r *Response) DecodeCart() (domain.Cart, error) {
	var payload cartPayload
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return domain.Cart{}, fmt.Errorf("transport: decode cart: %w", err)
	}
	cart := payload.toDomain()
	if cart.Version == 0 && r.Version > 0 {
		cart.Version = r.Version
	}
	return cart, nil
}

// Do issues the request and returns the classified error on any failure. It
// performs exactly one attempt.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Body != nil && req.Stream != nil {
		return nil, errors.New("transport: request sets both Body and Stream")
	}

	endpoint, err := url.JoinPath(c.baseURL, strings.TrimLeft(req.Path, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: join path: %w", err)
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Body != nil:
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal body: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	case req.Stream != nil:
		body = req.Stream
		contentType = req.StreamContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Version != nil {
		httpReq.Header.Set(c.versionHeader, strconv.FormatInt(*req.Version, 10))
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(c.idempotencyHeader, req.IdempotencyKey)
	}
	if req.Credential != "" {
		httpReq.AddCookie(&http.Cookie{Name: c.cookieName, Value: req.Credential})
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apierror.Classify(0, nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apierror.Classify(resp.StatusCode, raw, nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.Classify(0, nil, err)
	}

	return &Response{
		Status:  resp.StatusCode,
		Version: parseVersionHeader(resp.Header.Get(etagHeader)),
		Body:    raw,
	}, nil
}

// GetCart performs the idempotent read of the current cart state and version.
func (c *Client) GetCart(ctx context.Context, credential string) (domain.Cart, error) {
	resp, err := c.Do(ctx, Request{
		Method:     http.MethodGet,
		Path:       "/cart",
		Credential: credential,
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return resp.DecodeCart()
}

// CartVersion performs the lightweight authoritative version read used
// between conflict retries.
func (c *Client) CartVersion(ctx context.Context, credential string) (int64, error) {
	endpoint, err := url.JoinPath(c.baseURL, "cart")
	if err != nil {
		return 0, fmt.Errorf("transport: join path: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("transport: build request: %w", err)
	}
	if credential != "" {
		httpReq.AddCookie(&http.Cookie{Name: c.cookieName, Value: credential})
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, apierror.Classify(0, nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, apierror.Classify(resp.StatusCode, raw, nil)
	}
	return parseVersionHeader(resp.Header.Get(etagHeader)), nil
}

// parseVersionHeader reads the numeric cart version out of an ETag-shaped
// value such as `"5"` or `W/"5"`.
func parseVersionHeader(value string) int64 {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	value = strings.Trim(value, `"`)
	if value == "" {
		return 0
	}
	version, err := strconv.ParseInt(value, 10, 64)
	if err != nil || version < 0 {
		return 0
	}
	return version
}

type cartPayload struct {
	Token      string             `json:"token"`
	Version    int64              `json:"version"`
	Items      []cartItemPayload  `json:"items"`
	Totals     totalsPayload      `json:"totals"`
	Promotions []promotionPayload `json:"promotions"`
	UpdatedAt  string             `json:"updatedAt"`
}

type cartItemPayload struct {
	ID              string            `json:"id"`
	VariantRef      string            `json:"variantRef"`
	Quantity        int               `json:"quantity"`
	UnitPrice       int64             `json:"unitPrice"`
	LineTotal       int64             `json:"lineTotal"`
	SelectedOptions map[string]string `json:"selectedOptions,omitempty"`
}

type totalsPayload struct {
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Tax      int64  `json:"tax"`
	Shipping int64  `json:"shipping"`
	Total    int64  `json:"total"`
}

type promotionPayload struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

func (p cartPayload) toDomain() domain.Cart {
	cart := domain.Cart{
		Token:   strings.TrimSpace(p.Token),
		Version: p.Version,
		Totals: domain.Totals{
			Currency: strings.ToUpper(strings.TrimSpace(p.Totals.Currency)),
			Subtotal: p.Totals.Subtotal,
			Discount: p.Totals.Discount,
			Tax:      p.Totals.Tax,
			Shipping: p.Totals.Shipping,
			Total:    p.Totals.Total,
		},
		UpdatedAt: parseTime(p.UpdatedAt),
	}
	cart.Items = make([]domain.CartItem, 0, len(p.Items))
	for _, item := range p.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:              strings.TrimSpace(item.ID),
			VariantRef:      strings.TrimSpace(item.VariantRef),
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			LineTotal:       item.LineTotal,
			SelectedOptions: item.SelectedOptions,
		})
	}
	for _, promo := range p.Promotions {
		cart.Promotions = append(cart.Promotions, domain.Promotion{
			Code:        strings.TrimSpace(promo.Code),
			Description: strings.TrimSpace(promo.Description),
			Amount:      promo.Amount,
		})
	}
	return cart
}

func parseTime(val string) time.Time {
	val = strings.TrimSpace(val)
	if val == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, val); err == nil {
			return ts
		}
	}
	return time.Time{}
}
