package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/cart/oplog"
	"github.com/hanko-field/storefront/internal/domain"
)

var (
	errServiceMutatorRequired = errors.New("cart: mutator is required")
	errServiceLogRequired     = errors.New("cart: operation log is required")
)

// ItemMutator is the subset of the retry coordinator the service issues line
// mutations through.
type ItemMutator interface {
	AddItem(ctx context.Context, input AddItemInput) (domain.Cart, error)
	UpdateQuantity(ctx context.Context, itemID string, quantity int) (domain.Cart, error)
	RemoveItem(ctx context.Context, itemID string) (domain.Cart, error)
}

// ServiceDeps wires the retry coordinator and the optimistic log together.
type ServiceDeps struct {
	Mutator ItemMutator
	Log     *oplog.Log
	Logger  *zap.Logger
}

// Service is the write path for cart lines: every mutation is staged in the
// optimistic log first, then issued upstream through the coordinator, and
// finally confirmed or failed from the outcome. Mutations addressed to a
// line whose add has not confirmed yet are held locally; they go on the wire
// only after the server assigns the line its real identity, re-addressed to
// that identity.
type Service struct {
	mutator ItemMutator
	log     *oplog.Log
	logger  *zap.Logger

	mu sync.Mutex
	// inFlight maps a temporary line id to the op id of its unconfirmed add.
	inFlight map[string]string
	// held queues ops staged against a temporary line id while its add is
	// still in flight.
	held map[string][]heldOp
}

type heldOp struct {
	ctx context.Context
	op  oplog.Op
}

// NewService constructs a Service enforcing dependency validation.
func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Mutator == nil {
		return nil, errServiceMutatorRequired
	}
	if deps.Log == nil {
		return nil, errServiceLogRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		mutator:  deps.Mutator,
		log:      deps.Log,
		logger:   logger,
		inFlight: make(map[string]string),
		held:     make(map[string][]heldOp),
	}, nil
}

// View returns the current rendered cart.
func (s *Service) View() domain.Cart { return s.log.View() }

// AddItem stages the new line under a temporary identity, issues the add
// upstream, and reconciles the log from the outcome. Ops held against the
// temporary identity are issued once the server assigns the real one.
func (s *Service) AddItem(ctx context.Context, input AddItemInput) (domain.Cart, error) {
	op, _, err := s.log.StageAdd(input.VariantRef, input.Quantity, input.UnitPrice, input.SelectedOptions)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	s.mu.Lock()
	s.inFlight[op.ItemID] = op.ID
	s.mu.Unlock()

	server, err := s.mutator.AddItem(ctx, input)
	if err != nil {
		view, _, _ := s.log.Fail(op.ID, err)
		s.dropHeld(op.ItemID)
		return view, err
	}

	view, confirmErr := s.log.Confirm(op.ID, server)
	if confirmErr != nil {
		return s.log.View(), confirmErr
	}
	return s.releaseHeld(op.ItemID, view), nil
}

// UpdateQuantity stages the change and issues it upstream, unless the line
// is still under a temporary identity, in which case the op waits for the
// add to confirm.
func (s *Service) UpdateQuantity(ctx context.Context, itemID string, quantity int) (domain.Cart, error) {
	op, view, err := s.log.StageUpdateQuantity(itemID, quantity)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if deferred := s.holdIfUnconfirmed(ctx, itemID, op); deferred {
		return view, nil
	}
	return s.issue(ctx, op)
}

// RemoveItem stages the removal and issues it upstream, with the same
// held-op handling as UpdateQuantity.
func (s *Service) RemoveItem(ctx context.Context, itemID string) (domain.Cart, error) {
	op, view, err := s.log.StageRemove(itemID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if deferred := s.holdIfUnconfirmed(ctx, itemID, op); deferred {
		return view, nil
	}
	return s.issue(ctx, op)
}

// holdIfUnconfirmed parks the op when it addresses a line whose add has not
// come back yet. The check and the append happen under one lock acquisition
// so a concurrent confirmation cannot slip between them.
func (s *Service) holdIfUnconfirmed(ctx context.Context, itemID string, op oplog.Op) bool {
	if !strings.HasPrefix(itemID, "tmp-") {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.inFlight[itemID]; !pending {
		return false
	}
	s.held[itemID] = append(s.held[itemID], heldOp{ctx: ctx, op: op})
	s.logger.Debug("cart op held for unconfirmed line",
		zap.String("op", op.ID),
		zap.String("item", itemID),
	)
	return true
}

// issue sends one staged op upstream with its identity translated to the
// server-assigned one, then resolves the op from the outcome.
func (s *Service) issue(ctx context.Context, op oplog.Op) (domain.Cart, error) {
	itemID := s.log.ResolvedID(op.ItemID)

	var (
		server domain.Cart
		err    error
	)
	switch op.Kind {
	case oplog.KindUpdateQuantity:
		server, err = s.mutator.UpdateQuantity(ctx, itemID, op.Quantity)
	case oplog.KindRemove:
		server, err = s.mutator.RemoveItem(ctx, itemID)
	default:
		return domain.Cart{}, fmt.Errorf("%w: cannot issue op kind %q", oplog.ErrInvalidOp, op.Kind)
	}
	if err != nil {
		view, _, _ := s.log.Fail(op.ID, err)
		return view, err
	}
	view, confirmErr := s.log.Confirm(op.ID, server)
	if confirmErr != nil {
		return s.log.View(), confirmErr
	}
	return view, nil
}

// releaseHeld issues the ops that were waiting on the add, in the order they
// were staged. Their logged identities were already remapped by Confirm; the
// wire identity comes from the same resolution.
func (s *Service) releaseHeld(tempID string, view domain.Cart) domain.Cart {
	s.mu.Lock()
	queued := s.held[tempID]
	delete(s.held, tempID)
	delete(s.inFlight, tempID)
	s.mu.Unlock()

	for _, h := range queued {
		if next, err := s.issue(h.ctx, h.op); err == nil {
			view = next
		} else {
			view = s.log.View()
			s.logger.Warn("held cart op failed after line confirmation",
				zap.String("op", h.op.ID),
				zap.Error(err),
			)
		}
	}
	return view
}

// dropHeld rolls back every op that was waiting on a line that never got a
// server identity. There is nothing upstream to address them to.
func (s *Service) dropHeld(tempID string) {
	s.mu.Lock()
	queued := s.held[tempID]
	delete(s.held, tempID)
	delete(s.inFlight, tempID)
	s.mu.Unlock()

	for _, h := range queued {
		if _, err := s.log.Rollback(h.op.ID); err != nil {
			s.logger.Warn("held cart op rollback failed",
				zap.String("op", h.op.ID),
				zap.Error(err),
			)
		}
	}
}
