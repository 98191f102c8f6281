package allocator

import (
	"errors"
	"fmt"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

var (
	// ErrPoolAlreadyExists is matched by PoolExistsError.
	ErrPoolAlreadyExists = errors.New("pool already exists")
	ErrUnknownPool       = errors.New("unknown pool")
	ErrUnknownAllocation = errors.New("unknown allocation")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidKind       = errors.New("invalid pool kind")
	ErrEmptyPoolID       = errors.New("empty pool id")
)

// PoolExistsError reports a RegisterPool call that conflicts with the
// existing definition.
type PoolExistsError struct {
	PoolID   string
	Capacity uint64
	Kind     model.PoolKind
}

// Error implements the error interface.
func (e *PoolExistsError) Error() string {
	return fmt.Sprintf("pool %s already exists with capacity %d (%s)", e.PoolID, e.Capacity, e.Kind)
}

// Is makes errors.Is(err, ErrPoolAlreadyExists) match.
func (e *PoolExistsError) Is(target error) bool {
	return target == ErrPoolAlreadyExists
}
