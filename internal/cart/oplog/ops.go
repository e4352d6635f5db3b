package oplog

import (
	"github.com/hanko-field/storefront/internal/domain"
)

// Kind identifies the local mutation an operation represents.
type Kind string

const (
	// KindAdd inserts a new line under a temporary identity.
	KindAdd Kind = "add"
	// KindUpdateQuantity changes the quantity of an existing line.
	KindUpdateQuantity Kind = "update_quantity"
	// KindRemove deletes a line.
	KindRemove Kind = "remove"
)

// Status is the lifecycle state of a pending operation. Both confirmed and
// rolled-back are terminal.
type Status string

const (
	// StatusPending means the real mutation is still in flight.
	StatusPending Status = "pending"
	// StatusConfirmed means the server accepted the mutation.
	StatusConfirmed Status = "confirmed"
	// StatusRolledBack means the local change was reverted.
	StatusRolledBack Status = "rolled-back"
)

// Op is one queued, not-yet-confirmed local mutation. Ops are owned
// exclusively by the Log and addressed by ID, never by position.
type Op struct {
	ID     string
	Kind   Kind
	Status Status

	// ItemID is the targeted line. For adds it is the temporary identity
	// assigned at staging time, reconciled to the server identity on
	// confirmation.
	ItemID string

	VariantRef      string
	Quantity        int
	UnitPrice       int64
	SelectedOptions map[string]string
}

// apply layers the operation's predicted effect onto the snapshot. The
// snapshot is already a private copy; apply may mutate it freely.
func (op Op) apply(cart domain.Cart) domain.Cart {
	switch op.Kind {
	case KindAdd:
		options := make(map[string]string, len(op.SelectedOptions))
		for k, v := range op.SelectedOptions {
			options[k] = v
		}
		if len(options) == 0 {
			options = nil
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ID:              op.ItemID,
			VariantRef:      op.VariantRef,
			Quantity:        op.Quantity,
			UnitPrice:       op.UnitPrice,
			LineTotal:       op.UnitPrice * int64(op.Quantity),
			SelectedOptions: options,
		})
	case KindUpdateQuantity:
		if idx := domain.FindItem(cart.Items, op.ItemID); idx >= 0 {
			cart.Items[idx].Quantity = op.Quantity
			cart.Items[idx].LineTotal = cart.Items[idx].UnitPrice * int64(op.Quantity)
		}
	case KindRemove:
		if idx := domain.FindItem(cart.Items, op.ItemID); idx >= 0 {
			cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
		}
	}
	return cart
}
