package ownership

import (
	"fmt"
	"log/slog"
)

// Binding is a named owner of a value, created in a scope.
type Binding struct {
	ID      BindingID    `json:"id"`
	Name    string       `json:"name"`
	Scope   ScopeID      `json:"scope"`
	Value   ValueID      `json:"value"`
	Mutable bool         `json:"mutable"`
	State   BindingState `json:"state"`
}

// DropEvent describes a binding destroyed together with its value.
type DropEvent struct {
	Binding BindingID
	Name    string
	Value   ValueID
	Scope   ScopeID
}

// Engine validates ownership and borrowing for one analysis.
//
// An Engine is single-threaded and owns its value store, scope stack and
// borrow checker exclusively. Independent analyses must use separate
// engines; nothing is shared between instances.
type Engine struct {
	values   *ValueStore
	scopes   *ScopeStack
	borrows  *BorrowChecker
	bindings map[BindingID]*Binding
	owners   map[ValueID]BindingID // live owning binding per value
	next     BindingID

	logger *slog.Logger
	onDrop func(DropEvent)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger (discarded when nil).
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDropObserver registers a callback invoked for every dropped binding,
// in drop order.
func WithDropObserver(fn func(DropEvent)) Option {
	return func(e *Engine) {
		e.onDrop = fn
	}
}

// New creates an engine with an empty root scope.
func New(opts ...Option) *Engine {
	e := &Engine{
		values:   NewValueStore(),
		scopes:   NewScopeStack(),
		borrows:  NewBorrowChecker(),
		bindings: make(map[BindingID]*Binding),
		owners:   make(map[ValueID]BindingID),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// Scopes
// =============================================================================

// CurrentScope returns the innermost live scope.
func (e *Engine) CurrentScope() ScopeID { return e.scopes.Current() }

// RootScope returns the outermost scope.
func (e *Engine) RootScope() ScopeID { return e.scopes.Root() }

// ParentScope returns the parent of a live scope, or NoScope.
func (e *Engine) ParentScope(id ScopeID) ScopeID { return e.scopes.Parent(id) }

// Depth returns the number of live scopes, the root included.
func (e *Engine) Depth() int { return e.scopes.Depth() }

// PushScope opens a child scope of the current scope.
func (e *Engine) PushScope() ScopeID {
	id := e.scopes.Push()
	e.logger.Debug("pushed scope", slog.String("scope", id.String()), slog.Int("depth", e.scopes.Depth()))
	return id
}

// PopScope exits the current scope: borrows held by it are released first,
// then its bindings are dropped in reverse creation order.
func (e *Engine) PopScope() error {
	cur := e.scopes.Current()
	if cur == e.scopes.Root() {
		return e.reject(&Diagnostic{Kind: NotFound, Scope: cur, Message: "cannot pop the root scope"})
	}
	sc, _ := e.scopes.Get(cur)

	for i := len(sc.borrows) - 1; i >= 0; i-- {
		_ = e.borrows.Release(sc.borrows[i])
	}
	for i := len(sc.bindings) - 1; i >= 0; i-- {
		e.dropBinding(e.bindings[sc.bindings[i]], BindingDropped)
	}
	e.scopes.Pop()

	e.logger.Debug("popped scope", slog.String("scope", cur.String()), slog.Int("depth", e.scopes.Depth()))
	return nil
}

// =============================================================================
// Lookups
// =============================================================================

// Binding returns a copy of a binding record (live, moved or dropped).
func (e *Engine) Binding(id BindingID) (Binding, bool) {
	b, ok := e.bindings[id]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Value returns a copy of a value record (live or dropped).
func (e *Engine) Value(id ValueID) (Value, bool) {
	return e.values.Get(id)
}

// BorrowInfo returns a copy of a borrow record.
func (e *Engine) BorrowInfo(id BorrowID) (Borrow, bool) {
	return e.borrows.Get(id)
}

// BorrowState returns the borrow state of a value.
func (e *Engine) BorrowState(v ValueID) BorrowState {
	return e.borrows.State(v)
}

// Owner returns the live binding owning a value.
func (e *Engine) Owner(v ValueID) (BindingID, bool) {
	id, ok := e.owners[v]
	return id, ok
}

// liveBinding resolves a binding that still owns a live value.
func (e *Engine) liveBinding(id BindingID) (*Binding, error) {
	b, ok := e.bindings[id]
	if !ok {
		return nil, &Diagnostic{Kind: NotFound, Binding: id, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("unknown binding %s", id)}
	}
	switch b.State {
	case BindingMoved:
		return nil, &Diagnostic{Kind: UseAfterMove, Binding: id, Value: b.Value, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("use of moved value %q", b.Name)}
	case BindingDropped:
		return nil, &Diagnostic{Kind: NotFound, Binding: id, Value: b.Value, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("binding %q went out of scope", b.Name)}
	}
	if _, d := e.values.live(b.Value); d != nil {
		d.Binding = id
		d.Scope = e.scopes.Current()
		return nil, d
	}
	return b, nil
}

// =============================================================================
// Access
// =============================================================================

// Target addresses a value through its owner, a borrow, or its raw id.
// Exactly one field should be set.
type Target struct {
	Binding BindingID
	Borrow  BorrowID
	Value   ValueID
}

// OwnerOf targets a value through its owning binding.
func OwnerOf(id BindingID) Target { return Target{Binding: id} }

// Through targets a value through a borrow.
func Through(id BorrowID) Target { return Target{Borrow: id} }

// ValueOf targets a value by its raw id.
func ValueOf(id ValueID) Target { return Target{Value: id} }

func (t Target) String() string {
	switch {
	case t.Binding.IsValid():
		return t.Binding.String()
	case t.Borrow.IsValid():
		return t.Borrow.String()
	case t.Value.IsValid():
		return t.Value.String()
	default:
		return "<none>"
	}
}

// activeBorrow resolves a borrow that is still active on a live value.
func (e *Engine) activeBorrow(id BorrowID) (Borrow, error) {
	b, ok := e.borrows.Get(id)
	if !ok {
		return Borrow{}, &Diagnostic{Kind: NotFound, Borrow: id, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("unknown borrow %s", id)}
	}
	if b.Status == Released {
		return Borrow{}, &Diagnostic{Kind: NotFound, Borrow: id, Value: b.Value, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("borrow %s is no longer active", id)}
	}
	if _, d := e.values.live(b.Value); d != nil {
		d.Borrow = id
		d.Scope = e.scopes.Current()
		return Borrow{}, d
	}
	return b, nil
}

// Read returns a copy of the payload of the targeted value.
// Reading through the owner or the raw value id is rejected while a
// mutable borrow is active.
func (e *Engine) Read(t Target) (Payload, error) {
	switch {
	case t.Binding.IsValid():
		b, err := e.liveBinding(t.Binding)
		if err != nil {
			return nil, e.reject(err)
		}
		if err := e.borrows.CheckReadable(b.Value); err != nil {
			return nil, e.reject(e.stamp(err, b.ID))
		}
		return e.values.Read(b.Value)
	case t.Borrow.IsValid():
		br, err := e.activeBorrow(t.Borrow)
		if err != nil {
			return nil, e.reject(err)
		}
		return e.values.Read(br.Value)
	case t.Value.IsValid():
		if err := e.borrows.CheckReadable(t.Value); err != nil {
			return nil, e.reject(e.stamp(err, NoBinding))
		}
		p, err := e.values.Read(t.Value)
		if err != nil {
			return nil, e.reject(e.stamp(err, NoBinding))
		}
		return p, nil
	default:
		return nil, e.reject(&Diagnostic{Kind: NotFound, Scope: e.scopes.Current(), Message: "empty target"})
	}
}

// Write replaces the payload of the targeted value. It requires exclusive
// access: a mutable owner with no active borrow, or the active mutable borrow.
func (e *Engine) Write(t Target, payload Payload) error {
	switch {
	case t.Binding.IsValid():
		b, err := e.liveBinding(t.Binding)
		if err != nil {
			return e.reject(err)
		}
		return e.writeOwned(b, payload)
	case t.Borrow.IsValid():
		br, err := e.activeBorrow(t.Borrow)
		if err != nil {
			return e.reject(err)
		}
		if br.Kind != Mutable {
			return e.reject(&Diagnostic{Kind: NotMutable, Value: br.Value, Borrow: br.ID, Scope: e.scopes.Current(),
				Message: "cannot assign through a shared borrow"})
		}
		if err := e.borrows.CheckExclusive(br.Value, br.ID); err != nil {
			return e.reject(e.stamp(err, NoBinding))
		}
		e.logger.Debug("wrote through borrow", slog.String("borrow", br.ID.String()), slog.String("value", br.Value.String()))
		return e.values.Write(br.Value, payload)
	case t.Value.IsValid():
		if _, d := e.values.live(t.Value); d != nil {
			return e.reject(e.stamp(d, NoBinding))
		}
		if owner, ok := e.owners[t.Value]; ok {
			return e.writeOwned(e.bindings[owner], payload)
		}
		if err := e.borrows.CheckExclusive(t.Value, NoBorrow); err != nil {
			return e.reject(e.stamp(err, NoBinding))
		}
		return e.values.Write(t.Value, payload)
	default:
		return e.reject(&Diagnostic{Kind: NotFound, Scope: e.scopes.Current(), Message: "empty target"})
	}
}

func (e *Engine) writeOwned(b *Binding, payload Payload) error {
	if !b.Mutable {
		return e.reject(&Diagnostic{Kind: NotMutable, Binding: b.ID, Value: b.Value, Scope: e.scopes.Current(),
			Message: fmt.Sprintf("cannot assign twice to immutable binding %q", b.Name)})
	}
	if err := e.borrows.CheckExclusive(b.Value, NoBorrow); err != nil {
		return e.reject(e.stamp(err, b.ID))
	}
	e.logger.Debug("wrote value", slog.String("binding", b.Name), slog.String("value", b.Value.String()))
	return e.values.Write(b.Value, payload)
}

// =============================================================================
// Helpers
// =============================================================================

// addBinding registers a new live binding owning v in the current scope.
func (e *Engine) addBinding(name string, v ValueID, mutable bool) BindingID {
	e.next++
	scope := e.scopes.Current()
	e.bindings[e.next] = &Binding{ID: e.next, Name: name, Scope: scope, Value: v, Mutable: mutable, State: BindingLive}
	e.owners[v] = e.next
	sc, _ := e.scopes.Get(scope)
	sc.bindings = append(sc.bindings, e.next)
	return e.next
}

// dropBinding destroys a live binding and its value, releasing any borrow
// of the value that is still active. Moved bindings are skipped.
func (e *Engine) dropBinding(b *Binding, state BindingState) {
	if b == nil || b.State != BindingLive {
		return
	}
	b.State = state
	if e.owners[b.Value] == b.ID {
		delete(e.owners, b.Value)
	}
	e.borrows.ReleaseValue(b.Value)
	_ = e.values.Drop(b.Value)

	e.logger.Debug("dropped value", slog.String("binding", b.Name), slog.String("value", b.Value.String()))
	if e.onDrop != nil {
		e.onDrop(DropEvent{Binding: b.ID, Name: b.Name, Value: b.Value, Scope: b.Scope})
	}
}

// stamp fills the scope (and binding) of a diagnostic produced by a
// lower-level component.
func (e *Engine) stamp(err error, binding BindingID) error {
	if d, ok := AsDiagnostic(err); ok {
		if !d.Scope.IsValid() {
			d.Scope = e.scopes.Current()
		}
		if !d.Binding.IsValid() {
			d.Binding = binding
		}
	}
	return err
}

// reject logs a diagnostic and returns it unchanged.
func (e *Engine) reject(err error) error {
	if d, ok := AsDiagnostic(err); ok {
		e.logger.Debug("operation rejected",
			slog.String("kind", d.Kind.String()),
			slog.String("scope", d.Scope.String()),
			slog.String("message", d.Message))
	}
	return err
}
