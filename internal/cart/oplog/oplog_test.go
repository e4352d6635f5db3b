package oplog

import (
	"errors"
	"net/http"
	"testing"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/apierror"
)

func baseCart() domain.Cart {
	return domain.Cart{
		Token:   "cart-1",
		Version: 5,
		Items: []domain.CartItem{
			{ID: "line-1", VariantRef: "var-1", Quantity: 1, UnitPrice: 1000, LineTotal: 1000},
		},
		Totals: domain.Totals{Currency: "JPY", Subtotal: 1000, Total: 1000},
	}
}

func TestStageAddRendersInstantlyWithTempID(t *testing.T) {
	log := New(baseCart())

	op, view, err := log.StageAdd("var-2", 2, 500, map[string]string{"size": "M"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op.ItemID == "" || op.ItemID[:4] != "tmp-" {
		t.Fatalf("expected temporary item id, got %q", op.ItemID)
	}
	if len(view.Items) != 2 {
		t.Fatalf("expected 2 items in view, got %d", len(view.Items))
	}
	added := view.Items[1]
	if added.ID != op.ItemID || added.Quantity != 2 || added.LineTotal != 1000 {
		t.Fatalf("unexpected staged line %+v", added)
	}
	if view.Totals.Subtotal != 2000 {
		t.Fatalf("expected recomputed subtotal 2000, got %d", view.Totals.Subtotal)
	}

	// The confirmed snapshot is never mutated in place.
	confirmed := log.Confirmed()
	if len(confirmed.Items) != 1 {
		t.Fatalf("confirmed snapshot gained a staged item")
	}
}

func TestResolvedIDMapsTempToServerID(t *testing.T) {
	log := New(baseCart())
	op, _, err := log.StageAdd("var-2", 1, 500, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Before the add confirms, the temporary identity resolves to itself.
	if got := log.ResolvedID(op.ItemID); got != op.ItemID {
		t.Fatalf("unconfirmed temp id resolved to %q", got)
	}

	server := baseCart()
	server.Version = 6
	server.Items = append(server.Items, domain.CartItem{ID: "42", VariantRef: "var-2", Quantity: 1, UnitPrice: 500, LineTotal: 500})
	if _, err := log.Confirm(op.ID, server); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := log.ResolvedID(op.ItemID); got != "42" {
		t.Fatalf("temp id resolved to %q, want 42", got)
	}
	// Server-assigned ids resolve to themselves.
	if got := log.ResolvedID("line-1"); got != "line-1" {
		t.Fatalf("server id resolved to %q", got)
	}

	// Reset drops the mapping along with the pending queue.
	log.Reset(server)
	if got := log.ResolvedID(op.ItemID); got != op.ItemID {
		t.Fatalf("mapping survived reset: %q", got)
	}
}

func TestViewIsDeepCopy(t *testing.T) {
	log := New(baseCart())
	view := log.View()
	view.Items[0].Quantity = 99
	view.Items[0].SelectedOptions = map[string]string{"hacked": "yes"}

	if log.Confirmed().Items[0].Quantity != 1 {
		t.Fatalf("mutating a view leaked into the confirmed snapshot")
	}
}

func TestConfirmReplacesSnapshotAndDropsOp(t *testing.T) {
	log := New(baseCart())
	op, _, err := log.StageUpdateQuantity("line-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	server := baseCart()
	server.Version = 6
	server.Items[0].Quantity = 3
	server.Items[0].LineTotal = 3000

	view, err := log.Confirm(op.ID, server)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Items[0].Quantity != 3 {
		t.Fatalf("expected confirmed quantity 3, got %d", view.Items[0].Quantity)
	}
	if len(log.Pending()) != 0 {
		t.Fatalf("expected empty pending queue")
	}
	if log.Confirmed().Version != 6 {
		t.Fatalf("expected confirmed version 6, got %d", log.Confirmed().Version)
	}
}

func TestAddThenRemoveBeforeConfirmRemapsTempID(t *testing.T) {
	// Scenario: add item A optimistically, remove it before the add
	// confirms; the remove is remapped to the server-assigned identity.
	log := New(baseCart())

	addOp, _, err := log.StageAdd("var-a", 1, 700, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := log.StageRemove(addOp.ItemID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	server := baseCart()
	server.Version = 6
	server.Items = append(server.Items, domain.CartItem{
		ID: "42", VariantRef: "var-a", Quantity: 1, UnitPrice: 700, LineTotal: 700,
	})

	view, err := log.Confirm(addOp.ID, server)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending := log.Pending()
	if len(pending) != 1 || pending[0].Kind != KindRemove {
		t.Fatalf("expected the remove still pending, got %+v", pending)
	}
	if pending[0].ItemID != "42" {
		t.Fatalf("expected remove remapped to server id 42, got %q", pending[0].ItemID)
	}
	if idx := domain.FindItem(view.Items, "42"); idx >= 0 {
		t.Fatalf("expected item A absent from the rendered view")
	}
	if idx := domain.FindItem(view.Items, addOp.ItemID); idx >= 0 {
		t.Fatalf("temporary id still present in view")
	}
}

func TestOutOfOrderConfirmationsConverge(t *testing.T) {
	// Scenario: three quantity updates on one line; the middle response
	// arrives last. The final view reflects the last submitted intent.
	log := New(baseCart())

	op1, _, _ := log.StageUpdateQuantity("line-1", 2)
	op2, _, _ := log.StageUpdateQuantity("line-1", 3)
	op3, _, _ := log.StageUpdateQuantity("line-1", 4)

	serverAt := func(version int64, qty int) domain.Cart {
		cart := baseCart()
		cart.Version = version
		cart.Items[0].Quantity = qty
		cart.Items[0].LineTotal = cart.Items[0].UnitPrice * int64(qty)
		return cart
	}

	if _, err := log.Confirm(op1.ID, serverAt(6, 2)); err != nil {
		t.Fatalf("confirm op1: %v", err)
	}
	if _, err := log.Confirm(op3.ID, serverAt(8, 4)); err != nil {
		t.Fatalf("confirm op3: %v", err)
	}
	view, err := log.Confirm(op2.ID, serverAt(7, 3))
	if err != nil {
		t.Fatalf("confirm op2: %v", err)
	}

	if view.Items[0].Quantity != 4 {
		t.Fatalf("expected final quantity 4 from the last submitted op, got %d", view.Items[0].Quantity)
	}
	if log.Confirmed().Version != 8 {
		t.Fatalf("expected snapshot kept at version 8, got %d", log.Confirmed().Version)
	}
}

func TestRollbackPreservesSiblingOps(t *testing.T) {
	// Property: rolling back op k leaves snapshot + ops {1..N}\{k} applied
	// in original order.
	log := New(baseCart())

	op1, _, _ := log.StageUpdateQuantity("line-1", 2)
	op2, _, _ := log.StageAdd("var-2", 1, 500, nil)
	op3, _, _ := log.StageUpdateQuantity("line-1", 6)

	view, err := log.Rollback(op2.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(view.Items) != 1 {
		t.Fatalf("expected the staged add reverted, got %d items", len(view.Items))
	}
	if view.Items[0].Quantity != 6 {
		t.Fatalf("expected sibling updates still applied, got quantity %d", view.Items[0].Quantity)
	}

	pending := log.Pending()
	if len(pending) != 2 || pending[0].ID != op1.ID || pending[1].ID != op3.ID {
		t.Fatalf("expected ops 1 and 3 pending in order, got %+v", pending)
	}
}

func TestFailRollsBackOnlyEligibleKinds(t *testing.T) {
	log := New(baseCart())
	op, _, _ := log.StageUpdateQuantity("line-1", 9)

	// Unclassified failures leave the op pending: the cart must not jump
	// on a transient network error.
	_, rolledBack, err := log.Fail(op.ID, apierror.Classify(0, nil, errors.New("timeout")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rolledBack {
		t.Fatalf("unclassified failure must not roll back")
	}
	if len(log.Pending()) != 1 {
		t.Fatalf("expected op still pending")
	}

	// Session expiry likewise leaves it pending.
	_, rolledBack, _ = log.Fail(op.ID, apierror.Classify(http.StatusUnauthorized, nil, nil))
	if rolledBack {
		t.Fatalf("session expiry must not roll back")
	}

	// Validation rolls back.
	view, rolledBack, err := log.Fail(op.ID, apierror.Classify(http.StatusUnprocessableEntity, nil, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rolledBack {
		t.Fatalf("validation failure must roll back")
	}
	if view.Items[0].Quantity != 1 {
		t.Fatalf("expected quantity reverted to 1, got %d", view.Items[0].Quantity)
	}
}

func TestSubscribersNotifiedOnConfirmOnly(t *testing.T) {
	log := New(baseCart())
	notifications := 0
	log.Subscribe(func() { notifications++ })

	op1, _, _ := log.StageUpdateQuantity("line-1", 2)
	op2, _, _ := log.StageUpdateQuantity("line-1", 3)

	if _, err := log.Rollback(op1.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifications != 0 {
		t.Fatalf("rollback must not notify subscribers")
	}

	server := baseCart()
	server.Version = 6
	if _, err := log.Confirm(op2.ID, server); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifications != 1 {
		t.Fatalf("expected one notification after confirm, got %d", notifications)
	}
}

func TestConfirmUnknownOp(t *testing.T) {
	log := New(baseCart())
	if _, err := log.Confirm("op-missing", baseCart()); !errors.Is(err, ErrOpNotFound) {
		t.Fatalf("expected ErrOpNotFound, got %v", err)
	}
	if _, err := log.Rollback("op-missing"); !errors.Is(err, ErrOpNotFound) {
		t.Fatalf("expected ErrOpNotFound, got %v", err)
	}
}

func TestStageValidation(t *testing.T) {
	log := New(baseCart())
	if _, _, err := log.StageAdd("", 1, 0, nil); !errors.Is(err, ErrInvalidOp) {
		t.Fatalf("expected ErrInvalidOp, got %v", err)
	}
	if _, _, err := log.StageUpdateQuantity("line-1", 0); !errors.Is(err, ErrInvalidOp) {
		t.Fatalf("expected ErrInvalidOp, got %v", err)
	}
	if _, _, err := log.StageRemove(" "); !errors.Is(err, ErrInvalidOp) {
		t.Fatalf("expected ErrInvalidOp, got %v", err)
	}
}
