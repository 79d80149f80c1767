package ownership

import (
	"fmt"
	"log/slog"
)

// Create stores an unbound value. It becomes owned once passed to BindValue.
func (e *Engine) Create(kind Kind, payload Payload) ValueID {
	return e.values.Create(kind, payload)
}

// Bind creates a value and a binding owning it in the current scope.
func (e *Engine) Bind(name string, kind Kind, payload Payload, mutable bool) (BindingID, error) {
	v := e.values.Create(kind, payload)
	id := e.addBinding(name, v, mutable)
	e.logger.Debug("bound value",
		slog.String("name", name),
		slog.String("kind", kind.String()),
		slog.String("value", v.String()),
		slog.String("scope", e.scopes.Current().String()))
	return id, nil
}

// BindValue registers a binding to an existing value in the current scope.
// Unbound values are adopted. A Move-kind value that already has a live
// owner fails AlreadyOwned (use Move instead); a Copy-kind value that
// already has an owner is duplicated.
func (e *Engine) BindValue(name string, v ValueID, mutable bool) (BindingID, error) {
	val, d := e.values.live(v)
	if d != nil {
		return NoBinding, e.reject(e.stamp(d, NoBinding))
	}
	owner, owned := e.owners[v]
	if !owned {
		return e.addBinding(name, v, mutable), nil
	}
	if val.Kind == MoveKind {
		return NoBinding, e.reject(&Diagnostic{
			Kind:    AlreadyOwned,
			Value:   v,
			Binding: owner,
			Scope:   e.scopes.Current(),
			Message: fmt.Sprintf("value is already owned by %q; move it instead", e.bindings[owner].Name),
		})
	}
	return e.copyInto(e.bindings[owner], name, mutable)
}

// Move assigns the value of from to a new binding named to in the current
// scope. Move-kind values transfer ownership and invalidate from; Copy-kind
// values are duplicated and from stays valid.
func (e *Engine) Move(from BindingID, to string, mutable bool) (BindingID, error) {
	src, err := e.liveBinding(from)
	if err != nil {
		return NoBinding, e.reject(err)
	}
	return e.transfer(src, to, mutable)
}

// MoveValue is Move with the value named explicitly. It fails AlreadyOwned
// when from is not the value's current owner.
func (e *Engine) MoveValue(v ValueID, from BindingID, to string, mutable bool) (BindingID, error) {
	src, err := e.liveBinding(from)
	if err != nil {
		return NoBinding, e.reject(err)
	}
	if src.Value != v {
		d := &Diagnostic{Kind: AlreadyOwned, Value: v, Binding: from, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("%q does not own value %s", src.Name, v)}
		if owner, ok := e.owners[v]; ok {
			d.Message = fmt.Sprintf("value %s is owned by %q, not %q", v, e.bindings[owner].Name, src.Name)
		}
		return NoBinding, e.reject(d)
	}
	return e.transfer(src, to, mutable)
}

func (e *Engine) transfer(src *Binding, to string, mutable bool) (BindingID, error) {
	val, _ := e.values.lookup(src.Value)
	if val.Kind == CopyKind {
		return e.copyInto(src, to, mutable)
	}

	if err := e.borrows.CheckExclusive(val.ID, NoBorrow); err != nil {
		return NoBinding, e.reject(e.stamp(err, src.ID))
	}
	src.State = BindingMoved
	id := e.addBinding(to, val.ID, mutable)

	e.logger.Debug("moved value",
		slog.String("from", src.Name),
		slog.String("to", to),
		slog.String("value", val.ID.String()))
	return id, nil
}

// copyInto duplicates the value owned by src into a new binding.
func (e *Engine) copyInto(src *Binding, to string, mutable bool) (BindingID, error) {
	if err := e.borrows.CheckReadable(src.Value); err != nil {
		return NoBinding, e.reject(e.stamp(err, src.ID))
	}
	dup, err := e.values.Duplicate(src.Value)
	if err != nil {
		return NoBinding, e.reject(e.stamp(err, src.ID))
	}
	id := e.addBinding(to, dup, mutable)

	e.logger.Debug("copied value",
		slog.String("from", src.Name),
		slog.String("to", to),
		slog.String("value", dup.String()))
	return id, nil
}

// Clone deep-copies the value owned by from into a new binding, whatever
// its kind. The source stays valid.
func (e *Engine) Clone(from BindingID, to string, mutable bool) (BindingID, error) {
	src, err := e.liveBinding(from)
	if err != nil {
		return NoBinding, e.reject(err)
	}
	return e.copyInto(src, to, mutable)
}

// Drop moves the value of a binding into an explicit drop. The value must
// not be borrowed; afterwards the binding fails UseAfterMove and the value
// id fails NotFound.
func (e *Engine) Drop(id BindingID) error {
	b, err := e.liveBinding(id)
	if err != nil {
		return e.reject(err)
	}
	if err := e.borrows.CheckExclusive(b.Value, NoBorrow); err != nil {
		return e.reject(e.stamp(err, b.ID))
	}
	e.dropBinding(b, BindingMoved)
	return nil
}

// Return exits the current scope handing the value of from to the caller:
// a new binding named to is created in the parent scope after the pop.
// Copy-kind values are duplicated first, so the callee's copy is dropped
// with the callee scope.
func (e *Engine) Return(from BindingID, to string, mutable bool) (BindingID, error) {
	cur := e.scopes.Current()
	if cur == e.scopes.Root() {
		return NoBinding, e.reject(&Diagnostic{Kind: NotFound, Binding: from, Scope: cur,
			Message: "cannot return from the root scope"})
	}
	src, err := e.liveBinding(from)
	if err != nil {
		return NoBinding, e.reject(err)
	}

	var v ValueID
	val, _ := e.values.lookup(src.Value)
	if val.Kind == CopyKind {
		if err := e.borrows.CheckReadable(val.ID); err != nil {
			return NoBinding, e.reject(e.stamp(err, src.ID))
		}
		v, _ = e.values.Duplicate(val.ID)
	} else {
		if err := e.borrows.CheckExclusive(val.ID, NoBorrow); err != nil {
			return NoBinding, e.reject(e.stamp(err, src.ID))
		}
		src.State = BindingMoved
		delete(e.owners, val.ID)
		v = val.ID
	}

	if err := e.PopScope(); err != nil {
		return NoBinding, err
	}
	id := e.addBinding(to, v, mutable)

	e.logger.Debug("returned value",
		slog.String("from", src.Name),
		slog.String("to", to),
		slog.String("scope", e.scopes.Current().String()))
	return id, nil
}
