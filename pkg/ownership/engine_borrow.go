package ownership

import (
	"fmt"
	"log/slog"
)

// Borrow takes a borrow of the value owned by a binding. The borrow is held
// by the current scope and released when that scope exits.
func (e *Engine) Borrow(target BindingID, kind BorrowKind) (BorrowID, error) {
	return e.BorrowIn(target, kind, e.scopes.Current())
}

// BorrowValue is Borrow addressed by value id; the value must have a live owner.
func (e *Engine) BorrowValue(v ValueID, kind BorrowKind) (BorrowID, error) {
	if _, d := e.values.live(v); d != nil {
		return NoBorrow, e.reject(e.stamp(d, NoBinding))
	}
	owner, ok := e.owners[v]
	if !ok {
		return NoBorrow, e.reject(&Diagnostic{Kind: NotFound, Value: v, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("value %s has no owner to borrow from", v)})
	}
	return e.BorrowIn(owner, kind, e.scopes.Current())
}

// BorrowIn takes a borrow held by the given scope. The holder must not
// outlive the scope owning the value's binding, otherwise the request fails
// Dangling.
func (e *Engine) BorrowIn(target BindingID, kind BorrowKind, holder ScopeID) (BorrowID, error) {
	b, err := e.liveBinding(target)
	if err != nil {
		return NoBorrow, e.reject(err)
	}
	if kind == Mutable && !b.Mutable {
		return NoBorrow, e.reject(&Diagnostic{Kind: NotMutable, Binding: b.ID, Value: b.Value, Scope: holder,
			Message: fmt.Sprintf("cannot borrow %q as mutable, as it is not declared as mutable", b.Name)})
	}
	hs, ok := e.scopes.Get(holder)
	if !ok {
		return NoBorrow, e.reject(&Diagnostic{Kind: NotFound, Binding: b.ID, Value: b.Value, Scope: holder,
			Message: fmt.Sprintf("holder scope %s is not live", holder)})
	}
	if !e.scopes.IsAncestorOrSelf(b.Scope, holder) {
		return NoBorrow, e.reject(&Diagnostic{Kind: Dangling, Binding: b.ID, Value: b.Value, Scope: holder,
			Message: fmt.Sprintf("%q does not live long enough: it is dropped when %s exits but borrowed for %s",
				b.Name, b.Scope, holder)})
	}

	var id BorrowID
	if kind == Mutable {
		id, err = e.borrows.RequestMutable(b.Value, holder)
	} else {
		id, err = e.borrows.RequestShared(b.Value, holder)
	}
	if err != nil {
		return NoBorrow, e.reject(e.stamp(err, b.ID))
	}
	e.borrows.setBinding(id, b.ID)
	hs.borrows = append(hs.borrows, id)

	e.logger.Debug("borrowed value",
		slog.String("borrow", id.String()),
		slog.String("kind", kind.String()),
		slog.String("binding", b.Name),
		slog.String("holder", holder.String()),
		slog.String("state", e.borrows.State(b.Value).String()))
	return id, nil
}

// Release ends a borrow. Releasing a borrow that already ended (explicitly,
// by scope exit or by its value being dropped) succeeds; unknown ids fail
// NotFound.
func (e *Engine) Release(id BorrowID) error {
	br, ok := e.borrows.Get(id)
	if !ok {
		return e.reject(&Diagnostic{Kind: NotFound, Borrow: id, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("unknown borrow %s", id)})
	}
	if err := e.borrows.Release(id); err != nil {
		return e.reject(e.stamp(err, NoBinding))
	}
	if sc, ok := e.scopes.Get(br.Holder); ok {
		sc.removeBorrow(id)
	}
	e.logger.Debug("released borrow", slog.String("borrow", id.String()),
		slog.String("state", e.borrows.State(br.Value).String()))
	return nil
}

// ReturnBorrow exits the current scope handing an active borrow to the
// caller scope. It fails Dangling when the borrowed value is owned by the
// exiting scope, since the value would be dropped before the borrow ends.
func (e *Engine) ReturnBorrow(id BorrowID) (BorrowID, error) {
	cur := e.scopes.Current()
	if cur == e.scopes.Root() {
		return NoBorrow, e.reject(&Diagnostic{Kind: NotFound, Borrow: id, Scope: cur,
			Message: "cannot return from the root scope"})
	}
	br, err := e.activeBorrow(id)
	if err != nil {
		return NoBorrow, e.reject(err)
	}
	parent := e.scopes.Parent(cur)
	if owner, ok := e.owners[br.Value]; ok {
		ob := e.bindings[owner]
		if !e.scopes.IsAncestorOrSelf(ob.Scope, parent) {
			return NoBorrow, e.reject(&Diagnostic{Kind: Dangling, Borrow: id, Value: br.Value, Binding: owner, Scope: cur,
				Message: fmt.Sprintf("cannot return a reference to %q, which is owned by the current scope", ob.Name)})
		}
	}

	if br.Holder == cur {
		sc, _ := e.scopes.Get(cur)
		sc.removeBorrow(id)
		ps, _ := e.scopes.Get(parent)
		ps.borrows = append(ps.borrows, id)
		e.borrows.rehome(id, parent)
	}
	if err := e.PopScope(); err != nil {
		return NoBorrow, err
	}
	e.logger.Debug("returned borrow", slog.String("borrow", id.String()), slog.String("holder", parent.String()))
	return id, nil
}
