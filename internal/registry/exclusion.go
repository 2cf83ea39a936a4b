package registry

import (
	"github.com/google/uuid"
)

// ExclusionRegistry tracks, per asset, the set of users excluded from future
// reward accrual. Membership checks and removals are O(1): each asset keeps a
// dense slice of excluded users plus a reverse index map, and removal swaps
// the last entry into the vacated slot. Order among remaining members is not
// meaningful and may change on removal.
//
// Not thread-safe — mutated only under the controller's operation lock.
type ExclusionRegistry struct {
	assets map[string]*assetExclusions
}

type assetExclusions struct {
	list  []uuid.UUID       // dense, reorderable
	index map[uuid.UUID]int // user -> position in list
}

func NewExclusionRegistry() *ExclusionRegistry {
	return &ExclusionRegistry{
		assets: make(map[string]*assetExclusions),
	}
}

// Recorder receives inverse mutations so an enclosing unit of work can
// roll the registry back on failure.
type Recorder interface {
	Record(undo func())
}

// SetExcluded sets the exclusion flag for user on asset. Returns the
// resulting flag value and whether the call changed state (a request that
// already matches the current flag is a no-op).
func (r *ExclusionRegistry) SetExcluded(user uuid.UUID, asset string, excluded bool, rec Recorder) (flag bool, changed bool) {
	ae := r.assets[asset]
	if ae == nil {
		if !excluded {
			return false, false
		}
		ae = &assetExclusions{index: make(map[uuid.UUID]int)}
		r.assets[asset] = ae
	}

	_, present := ae.index[user]
	if excluded == present {
		return present, false
	}

	if excluded {
		ae.list = append(ae.list, user)
		ae.index[user] = len(ae.list) - 1
		if rec != nil {
			rec.Record(func() { r.remove(ae, user) })
		}
	} else {
		r.remove(ae, user)
		if rec != nil {
			rec.Record(func() {
				ae.list = append(ae.list, user)
				ae.index[user] = len(ae.list) - 1
			})
		}
	}

	return excluded, true
}

// remove deletes user from the dense list: the last entry is swapped into
// the vacated slot and its recorded index updated, then the list shrinks.
func (r *ExclusionRegistry) remove(ae *assetExclusions, user uuid.UUID) {
	idx, ok := ae.index[user]
	if !ok {
		return
	}

	last := len(ae.list) - 1
	if idx != last {
		moved := ae.list[last]
		ae.list[idx] = moved
		ae.index[moved] = idx
	}
	ae.list = ae.list[:last]
	delete(ae.index, user)
}

// IsExcluded reports whether user is currently excluded on asset.
func (r *ExclusionRegistry) IsExcluded(user uuid.UUID, asset string) bool {
	ae := r.assets[asset]
	if ae == nil {
		return false
	}
	_, ok := ae.index[user]
	return ok
}

// ExcludedUsers returns a copy of the current exclusion list for asset.
func (r *ExclusionRegistry) ExcludedUsers(asset string) []uuid.UUID {
	ae := r.assets[asset]
	if ae == nil {
		return nil
	}
	out := make([]uuid.UUID, len(ae.list))
	copy(out, ae.list)
	return out
}

// Count returns the number of excluded users for asset.
func (r *ExclusionRegistry) Count(asset string) int {
	ae := r.assets[asset]
	if ae == nil {
		return 0
	}
	return len(ae.list)
}

// Snapshot returns all exclusion lists keyed by asset (copies).
func (r *ExclusionRegistry) Snapshot() map[string][]uuid.UUID {
	out := make(map[string][]uuid.UUID, len(r.assets))
	for asset, ae := range r.assets {
		users := make([]uuid.UUID, len(ae.list))
		copy(users, ae.list)
		out[asset] = users
	}
	return out
}

// Restore replaces the registry contents (used during snapshot recovery).
func (r *ExclusionRegistry) Restore(lists map[string][]uuid.UUID) {
	r.assets = make(map[string]*assetExclusions, len(lists))
	for asset, users := range lists {
		ae := &assetExclusions{
			list:  make([]uuid.UUID, len(users)),
			index: make(map[uuid.UUID]int, len(users)),
		}
		copy(ae.list, users)
		for i, u := range users {
			ae.index[u] = i
		}
		r.assets[asset] = ae
	}
}
