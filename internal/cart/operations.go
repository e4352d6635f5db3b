package cart

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hanko-field/storefront/internal/domain"
)

// AddItemInput describes a new line to add to the cart.
type AddItemInput struct {
	VariantRef      string
	Quantity        int
	SelectedOptions map[string]string
	// UnitPrice is the display price used for optimistic rendering while
	// the add is in flight. It is never sent to the server; pricing stays
	// server-authoritative.
	UnitPrice int64
}

// AddItem adds a line to the cart.
func (m *Mutator) AddItem(ctx context.Context, input AddItemInput) (domain.Cart, error) {
	variant := strings.TrimSpace(input.VariantRef)
	if variant == "" {
		return domain.Cart{}, fmt.Errorf("%w: variant reference is required", ErrInvalidInput)
	}
	if input.Quantity <= 0 {
		return domain.Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidInput)
	}

	body := map[string]any{
		"variantRef": variant,
		"quantity":   input.Quantity,
	}
	if len(input.SelectedOptions) > 0 {
		body["selectedOptions"] = input.SelectedOptions
	}

	return m.Mutate(ctx, Mutation{
		Name:   "add_item",
		Method: http.MethodPost,
		Path:   "/cart/items",
		Body:   body,
	})
}

// UpdateQuantity changes the quantity of an existing line.
func (m *Mutator) UpdateQuantity(ctx context.Context, itemID string, quantity int) (domain.Cart, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.Cart{}, fmt.Errorf("%w: item id is required", ErrInvalidInput)
	}
	if quantity <= 0 {
		return domain.Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidInput)
	}

	return m.Mutate(ctx, Mutation{
		Name:   "update_quantity",
		Method: http.MethodPatch,
		Path:   "/cart/items/" + url.PathEscape(id),
		Body:   map[string]any{"quantity": quantity},
	})
}

// RemoveItem deletes a line from the cart.
func (m *Mutator) RemoveItem(ctx context.Context, itemID string) (domain.Cart, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.Cart{}, fmt.Errorf("%w: item id is required", ErrInvalidInput)
	}

	return m.Mutate(ctx, Mutation{
		Name:   "remove_item",
		Method: http.MethodDelete,
		Path:   "/cart/items/" + url.PathEscape(id),
	})
}

// SetItemOptions replaces a line's selected options.
func (m *Mutator) SetItemOptions(ctx context.Context, itemID string, options map[string]string) (domain.Cart, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.Cart{}, fmt.Errorf("%w: item id is required", ErrInvalidInput)
	}
	if len(options) == 0 {
		return domain.Cart{}, fmt.Errorf("%w: at least one option is required", ErrInvalidInput)
	}

	return m.Mutate(ctx, Mutation{
		Name:   "set_item_options",
		Method: http.MethodPatch,
		Path:   "/cart/items/" + url.PathEscape(id) + "/options",
		Body:   map[string]any{"selectedOptions": options},
	})
}

// ApplyCoupon applies a promotion code to the cart.
func (m *Mutator) ApplyCoupon(ctx context.Context, code string) (domain.Cart, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return domain.Cart{}, fmt.Errorf("%w: coupon code is required", ErrInvalidInput)
	}

	return m.Mutate(ctx, Mutation{
		Name:   "apply_coupon",
		Method: http.MethodPost,
		Path:   "/cart/coupons",
		Body:   map[string]any{"code": trimmed},
	})
}

// RemoveCoupon removes a previously applied promotion code.
func (m *Mutator) RemoveCoupon(ctx context.Context, code string) (domain.Cart, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return domain.Cart{}, fmt.Errorf("%w: coupon code is required", ErrInvalidInput)
	}

	return m.Mutate(ctx, Mutation{
		Name:   "remove_coupon",
		Method: http.MethodDelete,
		Path:   "/cart/coupons/" + url.PathEscape(trimmed),
	})
}

// AttachCart attaches the guest cart to the authenticated user after sign-in.
// It rides the same idempotency-key mechanism as every other mutation, so the
// attachment is applied at most once per key even when the auth transition
// fires twice.
func (m *Mutator) AttachCart(ctx context.Context, userID string) (domain.Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	return m.Mutate(ctx, Mutation{
		Name:   "attach_cart",
		Method: http.MethodPost,
		Path:   "/cart/attach",
		Body:   map[string]any{"userId": uid},
	})
}
