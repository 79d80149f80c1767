package ownership

// Borrow is a temporary, non-owning access grant to a value.
type Borrow struct {
	ID      BorrowID     `json:"id"`
	Value   ValueID      `json:"value"`
	Binding BindingID    `json:"binding"` // binding the borrow was taken through
	Kind    BorrowKind   `json:"kind"`
	Holder  ScopeID      `json:"holder"` // scope whose exit ends the borrow
	Status  BorrowStatus `json:"status"`
}

type valueBorrows struct {
	shared  int
	mutable BorrowID
	active  []BorrowID
}

func (vb *valueBorrows) state() BorrowState {
	switch {
	case vb == nil:
		return BorrowState{Mode: Unborrowed}
	case vb.mutable.IsValid():
		return BorrowState{Mode: MutablyBorrowed}
	case vb.shared > 0:
		return BorrowState{Mode: SharedBorrowed, Shared: vb.shared}
	default:
		return BorrowState{Mode: Unborrowed}
	}
}

// BorrowChecker runs the per-value borrow state machine:
//
//	Unborrowed --shared--> Shared(1) --shared--> Shared(n+1)
//	Unborrowed --mutable--> Mutable
//	Shared(n) --release--> Shared(n-1) | Unborrowed
//	Mutable --release--> Unborrowed
//
// Every other request is rejected with a diagnostic.
type BorrowChecker struct {
	borrows map[BorrowID]*Borrow
	values  map[ValueID]*valueBorrows
	next    BorrowID
}

// NewBorrowChecker creates a checker with no borrows.
func NewBorrowChecker() *BorrowChecker {
	return &BorrowChecker{
		borrows: make(map[BorrowID]*Borrow),
		values:  make(map[ValueID]*valueBorrows),
	}
}

// State returns the borrow state of a value.
func (c *BorrowChecker) State(v ValueID) BorrowState {
	return c.values[v].state()
}

// Get returns a copy of a borrow record.
func (c *BorrowChecker) Get(id BorrowID) (Borrow, bool) {
	b, ok := c.borrows[id]
	if !ok {
		return Borrow{}, false
	}
	return *b, true
}

// Active returns the active borrows of a value in acquisition order.
func (c *BorrowChecker) Active(v ValueID) []BorrowID {
	vb := c.values[v]
	if vb == nil {
		return nil
	}
	out := make([]BorrowID, len(vb.active))
	copy(out, vb.active)
	return out
}

// RequestShared grants a shared borrow unless the value is mutably borrowed.
func (c *BorrowChecker) RequestShared(v ValueID, holder ScopeID) (BorrowID, error) {
	vb := c.values[v]
	if vb != nil && vb.mutable.IsValid() {
		return NoBorrow, &Diagnostic{
			Kind:    BorrowConflict,
			Value:   v,
			Scope:   holder,
			Borrow:  vb.mutable,
			Message: "cannot borrow as shared because it is also borrowed as mutable",
		}
	}
	return c.grant(v, Shared, holder), nil
}

// RequestMutable grants a mutable borrow only from Unborrowed.
func (c *BorrowChecker) RequestMutable(v ValueID, holder ScopeID) (BorrowID, error) {
	vb := c.values[v]
	if vb != nil {
		if vb.mutable.IsValid() {
			return NoBorrow, &Diagnostic{
				Kind:    DoubleMutableBorrow,
				Value:   v,
				Scope:   holder,
				Borrow:  vb.mutable,
				Message: "cannot borrow as mutable more than once at a time",
			}
		}
		if vb.shared > 0 {
			return NoBorrow, &Diagnostic{
				Kind:    BorrowConflict,
				Value:   v,
				Scope:   holder,
				Message: "cannot borrow as mutable because it is also borrowed as shared",
			}
		}
	}
	return c.grant(v, Mutable, holder), nil
}

func (c *BorrowChecker) grant(v ValueID, kind BorrowKind, holder ScopeID) BorrowID {
	c.next++
	c.borrows[c.next] = &Borrow{ID: c.next, Value: v, Kind: kind, Holder: holder, Status: Active}

	vb := c.values[v]
	if vb == nil {
		vb = &valueBorrows{}
		c.values[v] = vb
	}
	if kind == Mutable {
		vb.mutable = c.next
	} else {
		vb.shared++
	}
	vb.active = append(vb.active, c.next)
	return c.next
}

// Release ends a borrow. Releasing an already released borrow is a no-op.
func (c *BorrowChecker) Release(id BorrowID) error {
	b, ok := c.borrows[id]
	if !ok {
		d := diagf(NotFound, "unknown borrow %s", id)
		d.Borrow = id
		return d
	}
	if b.Status == Released {
		return nil
	}
	b.Status = Released

	vb := c.values[b.Value]
	if vb == nil {
		return nil
	}
	if b.Kind == Mutable {
		vb.mutable = NoBorrow
	} else {
		vb.shared--
	}
	for i, a := range vb.active {
		if a == id {
			vb.active = append(vb.active[:i], vb.active[i+1:]...)
			break
		}
	}
	if len(vb.active) == 0 {
		delete(c.values, b.Value)
	}
	return nil
}

// ReleaseValue force-releases every active borrow of a value and returns
// the released ids.
func (c *BorrowChecker) ReleaseValue(v ValueID) []BorrowID {
	ids := c.Active(v)
	for _, id := range ids {
		_ = c.Release(id)
	}
	return ids
}

// CheckExclusive is the write/move gate: the value must be Unborrowed, or
// via must be its sole active mutable borrow.
func (c *BorrowChecker) CheckExclusive(v ValueID, via BorrowID) error {
	vb := c.values[v]
	if vb == nil || len(vb.active) == 0 {
		return nil
	}
	if via.IsValid() && vb.mutable == via {
		return nil
	}
	d := &Diagnostic{
		Kind:    BorrowWriteConflict,
		Value:   v,
		Message: "cannot mutate or move while borrowed as " + c.describe(vb),
	}
	if len(vb.active) > 0 {
		d.Borrow = vb.active[0]
	}
	return d
}

// CheckReadable rejects reads through the owner while a mutable borrow is
// active (the mutable borrow has exclusive access).
func (c *BorrowChecker) CheckReadable(v ValueID) error {
	vb := c.values[v]
	if vb == nil || !vb.mutable.IsValid() {
		return nil
	}
	return &Diagnostic{
		Kind:    BorrowConflict,
		Value:   v,
		Borrow:  vb.mutable,
		Message: "cannot use while borrowed as mutable",
	}
}

func (c *BorrowChecker) describe(vb *valueBorrows) string {
	if vb.mutable.IsValid() {
		return "mutable"
	}
	return "shared"
}

// rehome moves an active borrow to a new holder scope.
func (c *BorrowChecker) rehome(id BorrowID, holder ScopeID) {
	if b, ok := c.borrows[id]; ok {
		b.Holder = holder
	}
}

func (c *BorrowChecker) setBinding(id BorrowID, binding BindingID) {
	if b, ok := c.borrows[id]; ok {
		b.Binding = binding
	}
}
