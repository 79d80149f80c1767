package ownership

import (
	"fmt"
	"sort"
)

// Snapshot is an immutable view of an engine's state.
type Snapshot struct {
	Current ScopeID         `json:"current"`
	Scopes  []ScopeSnapshot `json:"scopes"` // outermost first
	Values  []ValueSnapshot `json:"values"`
	Borrows []Borrow        `json:"borrows"` // active only
}

// ScopeSnapshot is one live scope and its bindings in creation order.
type ScopeSnapshot struct {
	ID       ScopeID   `json:"id"`
	Parent   ScopeID   `json:"parent,omitempty"`
	Bindings []Binding `json:"bindings"`
}

// ValueSnapshot is one value with its owner and borrow state.
type ValueSnapshot struct {
	Value
	Owner  BindingID   `json:"owner,omitempty"`
	Borrow BorrowState `json:"borrow"`
}

// Snapshot captures the current state. Values are ordered by id.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{Current: e.scopes.Current()}

	for _, id := range e.scopes.Live() {
		sc, _ := e.scopes.Get(id)
		ss := ScopeSnapshot{ID: sc.ID, Parent: sc.Parent}
		for _, bid := range sc.bindings {
			ss.Bindings = append(ss.Bindings, *e.bindings[bid])
		}
		snap.Scopes = append(snap.Scopes, ss)
	}

	ids := make([]ValueID, 0, len(e.values.values))
	for id := range e.values.values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		v := *e.values.values[id]
		v.Payload = DuplicatePayload(v.Payload)
		snap.Values = append(snap.Values, ValueSnapshot{
			Value:  v,
			Owner:  e.owners[id],
			Borrow: e.borrows.State(id),
		})
		for _, bid := range e.borrows.Active(id) {
			br, _ := e.borrows.Get(bid)
			snap.Borrows = append(snap.Borrows, br)
		}
	}
	return snap
}

// CheckInvariants verifies the ownership and borrowing invariants against
// the current state and reports the first violation.
func (e *Engine) CheckInvariants() error {
	liveOwners := make(map[ValueID][]BindingID)
	for _, b := range e.bindings {
		if b.State != BindingLive {
			continue
		}
		v, ok := e.values.lookup(b.Value)
		if !ok || v.Liveness != Live {
			return fmt.Errorf("live binding %q (%s) refers to dead value %s", b.Name, b.ID, b.Value)
		}
		if !e.scopes.IsLive(b.Scope) {
			return fmt.Errorf("live binding %q (%s) belongs to popped scope %s", b.Name, b.ID, b.Scope)
		}
		liveOwners[b.Value] = append(liveOwners[b.Value], b.ID)
	}

	for id, v := range e.values.values {
		owners := liveOwners[id]
		if v.Kind == MoveKind && len(owners) > 1 {
			return fmt.Errorf("move value %s has %d live bindings", id, len(owners))
		}
		if owner, ok := e.owners[id]; ok {
			if len(owners) == 0 || owners[0] != owner {
				return fmt.Errorf("owner index for %s points at %s which is not live", id, owner)
			}
		}

		vb := e.borrows.values[id]
		if vb == nil {
			continue
		}
		if v.Liveness == Dropped && len(vb.active) > 0 {
			return fmt.Errorf("dropped value %s still has %d active borrows", id, len(vb.active))
		}
		shared, mutable := 0, 0
		for _, bid := range vb.active {
			br := e.borrows.borrows[bid]
			if br.Status != Active {
				return fmt.Errorf("released borrow %s listed as active on %s", bid, id)
			}
			if br.Kind == Mutable {
				mutable++
			} else {
				shared++
			}
			if !e.scopes.IsLive(br.Holder) {
				return fmt.Errorf("borrow %s is held by popped scope %s", bid, br.Holder)
			}
			if owner, ok := e.owners[id]; ok {
				if !e.scopes.IsAncestorOrSelf(e.bindings[owner].Scope, br.Holder) {
					return fmt.Errorf("borrow %s held by %s outlives owner scope %s", bid, br.Holder, e.bindings[owner].Scope)
				}
			}
		}
		if mutable > 1 {
			return fmt.Errorf("value %s has %d mutable borrows", id, mutable)
		}
		if mutable == 1 && shared > 0 {
			return fmt.Errorf("value %s is borrowed as mutable and shared(%d)", id, shared)
		}
		if shared != vb.shared || (mutable == 1) != vb.mutable.IsValid() {
			return fmt.Errorf("borrow counters for %s are out of sync", id)
		}
	}
	return nil
}
