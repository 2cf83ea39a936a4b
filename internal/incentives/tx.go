package incentives

import (
	"github.com/google/uuid"

	"RewardsLedger/internal/event"
)

// unitOfWork is the transactional boundary around one public operation.
// Mutating stores register inverse closures as they go; a failure anywhere
// runs the undo log in reverse and discards the pending notifications, so
// the operation leaves no partial state change. Commit is the only path
// that makes events observable.
type unitOfWork struct {
	undo    []func()
	pending []event.Event

	touched      map[accruedKey]struct{}
	touchedOrder []accruedKey
}

// accruedKey identifies one accrued counter touched by the operation.
type accruedKey struct {
	Asset  string
	Reward string
	User   uuid.UUID
}

func newUnitOfWork() *unitOfWork {
	return &unitOfWork{touched: make(map[accruedKey]struct{})}
}

// Record registers an inverse mutation.
func (u *unitOfWork) Record(undo func()) {
	u.undo = append(u.undo, undo)
}

// TouchAccrued notes that an accrued counter changed during this operation.
func (u *unitOfWork) TouchAccrued(asset, reward string, user uuid.UUID) {
	key := accruedKey{asset, reward, user}
	if _, seen := u.touched[key]; seen {
		return
	}
	u.touched[key] = struct{}{}
	u.touchedOrder = append(u.touchedOrder, key)
}

// emit buffers a notification until commit.
func (u *unitOfWork) emit(evt event.Event) {
	u.pending = append(u.pending, evt)
}

// rollback undoes every mutation in reverse order and drops pending events.
func (u *unitOfWork) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
	u.pending = nil
	u.touched = make(map[accruedKey]struct{})
	u.touchedOrder = nil
}
