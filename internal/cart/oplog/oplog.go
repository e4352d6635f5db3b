// Package oplog makes local cart mutations visible instantly while the real
// mutation round-trips. It keeps the last confirmed server snapshot plus an
// ordered queue of pending operations; the rendered view is always
// recomputed from those two inputs, so it is deterministic regardless of the
// order in which responses arrive.
package oplog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/apierror"
)

var (
	// ErrOpNotFound indicates the operation id is not in the pending queue.
	ErrOpNotFound = errors.New("oplog: operation not found")
	// ErrInvalidOp indicates the staged operation is malformed.
	ErrInvalidOp = errors.New("oplog: invalid operation")
)

// Log owns the confirmed snapshot and the pending operation queue for one
// logical cart instance. It is never shared across tabs; cross-tab
// convergence happens only through server-side version arbitration.
type Log struct {
	mu        sync.Mutex
	confirmed domain.Cart
	pending   []*Op
	subs      []func()
	remapped  map[string]string
	newID     func() string
}

// New constructs a Log seeded with the last confirmed server snapshot.
func New(confirmed domain.Cart) *Log {
	return &Log{
		confirmed: confirmed.Clone(),
		remapped:  make(map[string]string),
		newID:     func() string { return ulid.Make().String() },
	}
}

// Subscribe registers fn to run after every confirmed mutation. The checkout
// state machine uses this to mark its session stale.
func (l *Log) Subscribe(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

// Reset replaces the confirmed snapshot wholesale, dropping all pending
// ops. Used after a full authoritative re-read.
func (l *Log) Reset(confirmed domain.Cart) domain.Cart {
	l.mu.Lock()
	l.confirmed = confirmed.Clone()
	l.pending = nil
	l.remapped = make(map[string]string)
	view := l.viewLocked()
	l.mu.Unlock()
	return view
}

// Confirmed returns a copy of the last confirmed server snapshot.
func (l *Log) Confirmed() domain.Cart {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmed.Clone()
}

// Pending returns copies of the still-pending operations in submission order.
func (l *Log) Pending() []Op {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Op, 0, len(l.pending))
	for _, op := range l.pending {
		out = append(out, *op)
	}
	return out
}

// View recomputes the rendered cart: the confirmed snapshot plus all pending
// ops applied in submission order. The confirmed snapshot is never mutated
// in place.
func (l *Log) View() domain.Cart {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.viewLocked()
}

func (l *Log) viewLocked() domain.Cart {
	view := l.confirmed.Clone()
	if len(l.pending) == 0 {
		return view
	}
	for _, op := range l.pending {
		view = op.apply(view)
	}
	recomputeTotals(&view)
	return view
}

// StageAdd queues an add under a temporary line identity and returns the
// staged op plus the new rendered view. The temporary id addresses the line
// in subsequent updates and removals until the add confirms.
func (l *Log) StageAdd(variantRef string, quantity int, unitPrice int64, options map[string]string) (Op, domain.Cart, error) {
	variantRef = strings.TrimSpace(variantRef)
	if variantRef == "" || quantity <= 0 {
		return Op{}, domain.Cart{}, fmt.Errorf("%w: add requires a variant and a positive quantity", ErrInvalidOp)
	}

	l.mu.Lock()
	op := &Op{
		ID:              "op-" + l.newID(),
		Kind:            KindAdd,
		Status:          StatusPending,
		ItemID:          "tmp-" + l.newID(),
		VariantRef:      variantRef,
		Quantity:        quantity,
		UnitPrice:       unitPrice,
		SelectedOptions: options,
	}
	l.pending = append(l.pending, op)
	staged := *op
	view := l.viewLocked()
	l.mu.Unlock()
	return staged, view, nil
}

// StageUpdateQuantity queues a quantity change for the line, which may still
// be under a temporary identity.
func (l *Log) StageUpdateQuantity(itemID string, quantity int) (Op, domain.Cart, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" || quantity <= 0 {
		return Op{}, domain.Cart{}, fmt.Errorf("%w: update requires an item id and a positive quantity", ErrInvalidOp)
	}

	l.mu.Lock()
	op := &Op{
		ID:       "op-" + l.newID(),
		Kind:     KindUpdateQuantity,
		Status:   StatusPending,
		ItemID:   itemID,
		Quantity: quantity,
	}
	l.pending = append(l.pending, op)
	staged := *op
	view := l.viewLocked()
	l.mu.Unlock()
	return staged, view, nil
}

// StageRemove queues a removal of the line.
func (l *Log) StageRemove(itemID string) (Op, domain.Cart, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Op{}, domain.Cart{}, fmt.Errorf("%w: remove requires an item id", ErrInvalidOp)
	}

	l.mu.Lock()
	op := &Op{
		ID:     "op-" + l.newID(),
		Kind:   KindRemove,
		Status: StatusPending,
		ItemID: itemID,
	}
	l.pending = append(l.pending, op)
	staged := *op
	view := l.viewLocked()
	l.mu.Unlock()
	return staged, view, nil
}

// Confirm applies the server's authoritative response for the op: the
// confirmed snapshot is replaced (unless a newer response already replaced
// it), the op leaves the queue, and for adds the temporary line identity is
// remapped to the server-assigned one in every later pending op. Ops are
// located by id; completion order does not matter.
func (l *Log) Confirm(opID string, server domain.Cart) (domain.Cart, error) {
	l.mu.Lock()
	idx := l.indexLocked(opID)
	if idx < 0 {
		l.mu.Unlock()
		return domain.Cart{}, fmt.Errorf("%w: %s", ErrOpNotFound, opID)
	}
	op := l.pending[idx]
	op.Status = StatusConfirmed

	if op.Kind == KindAdd {
		if serverID := l.serverIDForAdd(op, server); serverID != "" {
			l.remapped[op.ItemID] = serverID
			l.remapLocked(op.ItemID, serverID, idx)
		}
	}

	// Responses may resolve out of order; an older snapshot never replaces
	// a newer one.
	if server.Version >= l.confirmed.Version {
		l.confirmed = server.Clone()
	}
	l.pending = append(l.pending[:idx], l.pending[idx+1:]...)

	view := l.viewLocked()
	subs := append([]func(){}, l.subs...)
	l.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return view, nil
}

// Rollback reverts the op: it leaves the queue and the view is recomputed
// from the confirmed snapshot plus the remaining pending ops. Sibling ops
// are neither discarded nor re-issued.
func (l *Log) Rollback(opID string) (domain.Cart, error) {
	l.mu.Lock()
	idx := l.indexLocked(opID)
	if idx < 0 {
		l.mu.Unlock()
		return domain.Cart{}, fmt.Errorf("%w: %s", ErrOpNotFound, opID)
	}
	l.pending[idx].Status = StatusRolledBack
	l.pending = append(l.pending[:idx], l.pending[idx+1:]...)
	view := l.viewLocked()
	l.mu.Unlock()
	return view, nil
}

// Fail resolves a failed op according to its classification: conflict and
// validation failures roll the op back; session expiry and unclassified
// failures leave it pending for caller-driven resolution so the rendered
// cart does not jump on transient errors. It reports whether a rollback
// happened.
func (l *Log) Fail(opID string, cause error) (domain.Cart, bool, error) {
	switch apierror.KindOf(cause) {
	case apierror.KindConflict, apierror.KindValidation:
		view, err := l.Rollback(opID)
		return view, err == nil, err
	default:
		return l.View(), false, nil
	}
}

// ResolvedID maps a temporary line identity to the server-assigned one once
// the add that created it has confirmed. Identities the log never remapped,
// server-assigned ids included, map to themselves. Callers issuing network
// mutations must translate through this before putting an id on the wire;
// the server has never seen a temporary id.
func (l *Log) ResolvedID(itemID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if serverID, ok := l.remapped[itemID]; ok {
		return serverID
	}
	return itemID
}

func (l *Log) indexLocked(opID string) int {
	for i, op := range l.pending {
		if op.ID == opID {
			return i
		}
	}
	return -1
}

// remapLocked rewrites the temporary line identity to the server-assigned
// one in every pending op after the confirmed add.
func (l *Log) remapLocked(tempID, serverID string, fromIdx int) {
	for i := fromIdx + 1; i < len(l.pending); i++ {
		if l.pending[i].ItemID == tempID {
			l.pending[i].ItemID = serverID
		}
	}
}

// serverIDForAdd locates the server-assigned identity of the confirmed add:
// the line in the server response whose id is new relative to the confirmed
// snapshot and whose variant matches the op.
func (l *Log) serverIDForAdd(op *Op, server domain.Cart) string {
	known := make(map[string]struct{}, len(l.confirmed.Items))
	for _, item := range l.confirmed.Items {
		known[item.ID] = struct{}{}
	}
	for _, item := range server.Items {
		if _, ok := known[item.ID]; ok {
			continue
		}
		if item.VariantRef == op.VariantRef {
			return item.ID
		}
	}
	return ""
}

// recomputeTotals refreshes the client-side estimate of the rendered view.
// Server-confirmed snapshots keep their authoritative totals; only views
// with pending ops layered on top need the naive recomputation.
func recomputeTotals(cart *domain.Cart) {
	var subtotal int64
	for _, item := range cart.Items {
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			continue
		}
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	cart.Totals.Subtotal = subtotal
	cart.Totals.Total = subtotal - cart.Totals.Discount + cart.Totals.Tax + cart.Totals.Shipping
}
