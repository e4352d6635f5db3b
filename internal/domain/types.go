package domain

import (
	"time"
)

// Cart is the server-authoritative cart aggregate. Version is the optimistic
// lock token: a mutation is accepted only when the stated version matches the
// server's current one at apply time.
type Cart struct {
	Token      string
	Version    int64
	Items      []CartItem
	Totals     Totals
	Promotions []Promotion
	UpdatedAt  time.Time
}

// CartItem is one line in the cart. ID is stable across quantity changes and
// is owned by the server once the line is confirmed; lines created
// optimistically carry a temporary id until then.
type CartItem struct {
	ID              string
	VariantRef      string
	Quantity        int
	UnitPrice       int64
	LineTotal       int64
	SelectedOptions map[string]string
}

// Totals holds server-computed cart amounts in minor currency units.
type Totals struct {
	Currency string
	Subtotal int64
	Discount int64
	Tax      int64
	Shipping int64
	Total    int64
}

// Promotion describes an applied promotion or coupon.
type Promotion struct {
	Code        string
	Description string
	Amount      int64
}

// Address carries the fields the checkout protocol needs; it is opaque to the
// core beyond equality of its identifier.
type Address struct {
	ID         string
	Recipient  string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
}

// ShippingMethod identifies a shipping option offered for the session.
type ShippingMethod struct {
	ID       string
	Label    string
	Amount   int64
	Carrier  string
	Estimate string
}

// PricingSnapshot is the server-priced view of the cart returned by each
// checkout step. It is replaced wholesale on every step transition.
type PricingSnapshot struct {
	CartVersion int64
	Totals      Totals
	TakenAt     time.Time
}

// CheckoutStatus enumerates the forward-only checkout session states plus the
// irreversible stale state.
type CheckoutStatus string

const (
	// CheckoutStarted is the initial state after a session is opened.
	CheckoutStarted CheckoutStatus = "started"
	// CheckoutAddressSet means shipping/billing addresses were accepted.
	CheckoutAddressSet CheckoutStatus = "address_set"
	// CheckoutShippingSet means a shipping method was accepted.
	CheckoutShippingSet CheckoutStatus = "shipping_set"
	// CheckoutPaymentSet means a payment provider was accepted.
	CheckoutPaymentSet CheckoutStatus = "payment_set"
	// CheckoutConfirmed is the terminal success state.
	CheckoutConfirmed CheckoutStatus = "confirmed"
	// CheckoutStale marks a session invalidated by a concurrent cart change.
	// It is reachable from every non-terminal state and cannot be left.
	CheckoutStale CheckoutStatus = "stale"
)

// CheckoutSession is the client-side record of an in-progress checkout.
type CheckoutSession struct {
	ID              string
	Status          CheckoutStatus
	ShippingAddress *Address
	BillingAddress  *Address
	ShippingMethod  *ShippingMethod
	PaymentProvider string
	Pricing         PricingSnapshot
	StartedAt       time.Time
}
