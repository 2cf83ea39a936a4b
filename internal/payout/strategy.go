package payout

import (
	"math/big"

	"github.com/google/uuid"
)

// Strategy moves a claimed reward amount to a recipient. Implementations
// must be all-or-nothing: a nil return means the full amount was delivered,
// any error means nothing moved and the enclosing claim aborts.
type Strategy interface {
	PerformTransfer(recipient uuid.UUID, reward string, amount *big.Int) error
}

// Catalog maps installable strategy names to deployed implementations.
// Installing a name absent from the catalog fails closed: only strategies
// actually wired at boot can be selected at runtime.
type Catalog map[string]Strategy

// Lookup resolves a strategy name. The boolean is false for unknown names.
func (c Catalog) Lookup(name string) (Strategy, bool) {
	s, ok := c[name]
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}
