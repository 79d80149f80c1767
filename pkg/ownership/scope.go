package ownership

// Scope is a lexical region owning the bindings created within it and the
// borrows whose lifetime ends with it.
type Scope struct {
	ID     ScopeID
	Parent ScopeID
	Depth  int

	bindings []BindingID // creation order
	borrows  []BorrowID  // acquisition order
}

// Bindings returns the scope's bindings in creation order.
func (s *Scope) Bindings() []BindingID {
	out := make([]BindingID, len(s.bindings))
	copy(out, s.bindings)
	return out
}

// Borrows returns the borrows held by the scope in acquisition order.
func (s *Scope) Borrows() []BorrowID {
	out := make([]BorrowID, len(s.borrows))
	copy(out, s.borrows)
	return out
}

func (s *Scope) removeBorrow(id BorrowID) {
	for i, b := range s.borrows {
		if b == id {
			s.borrows = append(s.borrows[:i], s.borrows[i+1:]...)
			return
		}
	}
}

// ScopeStack is the stack of nested lexical scopes. The root scope is
// created with the stack and can never be popped.
type ScopeStack struct {
	scopes map[ScopeID]*Scope
	stack  []ScopeID
	next   ScopeID
}

// NewScopeStack creates a stack holding only the root scope.
func NewScopeStack() *ScopeStack {
	s := &ScopeStack{scopes: make(map[ScopeID]*Scope)}
	s.push(NoScope)
	return s
}

func (s *ScopeStack) push(parent ScopeID) ScopeID {
	s.next++
	s.scopes[s.next] = &Scope{ID: s.next, Parent: parent, Depth: len(s.stack)}
	s.stack = append(s.stack, s.next)
	return s.next
}

// Push opens a child scope of the current scope and makes it current.
func (s *ScopeStack) Push() ScopeID {
	return s.push(s.Current())
}

// Pop discards the current scope record and returns it.
// The caller is responsible for dropping its bindings first.
func (s *ScopeStack) Pop() (*Scope, bool) {
	if len(s.stack) <= 1 {
		return nil, false
	}
	id := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	sc := s.scopes[id]
	delete(s.scopes, id)
	return sc, true
}

// Current returns the innermost live scope.
func (s *ScopeStack) Current() ScopeID {
	return s.stack[len(s.stack)-1]
}

// Root returns the outermost scope.
func (s *ScopeStack) Root() ScopeID {
	return s.stack[0]
}

// Depth returns the number of live scopes, the root included.
func (s *ScopeStack) Depth() int {
	return len(s.stack)
}

// Get returns a live scope.
func (s *ScopeStack) Get(id ScopeID) (*Scope, bool) {
	sc, ok := s.scopes[id]
	return sc, ok
}

// IsLive reports whether the scope has not been popped.
func (s *ScopeStack) IsLive(id ScopeID) bool {
	_, ok := s.scopes[id]
	return ok
}

// Parent returns the parent of a live scope, or NoScope.
func (s *ScopeStack) Parent(id ScopeID) ScopeID {
	if sc, ok := s.scopes[id]; ok {
		return sc.Parent
	}
	return NoScope
}

// IsAncestorOrSelf reports whether anc encloses (or is) desc.
// Popped scopes are never ancestors.
func (s *ScopeStack) IsAncestorOrSelf(anc, desc ScopeID) bool {
	for cur := desc; cur.IsValid(); {
		sc, ok := s.scopes[cur]
		if !ok {
			return false
		}
		if cur == anc {
			return true
		}
		cur = sc.Parent
	}
	return false
}

// Live returns the live scopes, outermost first.
func (s *ScopeStack) Live() []ScopeID {
	out := make([]ScopeID, len(s.stack))
	copy(out, s.stack)
	return out
}
