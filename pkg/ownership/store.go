package ownership

// Payload is the opaque data carried by a value.
type Payload = any

// Cloner is implemented by payloads that know how to deep-copy themselves.
type Cloner interface {
	ClonePayload() Payload
}

// Value is a single entry of the value store.
type Value struct {
	ID       ValueID  `json:"id"`
	Kind     Kind     `json:"kind"`
	Payload  Payload  `json:"payload"`
	Liveness Liveness `json:"liveness"`
}

// ValueStore holds values by identity and tracks their liveness.
// It performs no ownership or borrow checks; the Engine gates every call.
type ValueStore struct {
	values map[ValueID]*Value
	next   ValueID
}

// NewValueStore creates an empty value store.
func NewValueStore() *ValueStore {
	return &ValueStore{values: make(map[ValueID]*Value)}
}

// Create stores a new live value and returns its id.
func (s *ValueStore) Create(kind Kind, payload Payload) ValueID {
	s.next++
	s.values[s.next] = &Value{ID: s.next, Kind: kind, Payload: payload, Liveness: Live}
	return s.next
}

// lookup returns the value record, live or dropped.
func (s *ValueStore) lookup(id ValueID) (*Value, bool) {
	v, ok := s.values[id]
	return v, ok
}

// Get returns a copy of the value record, live or dropped, with its
// payload duplicated.
func (s *ValueStore) Get(id ValueID) (Value, bool) {
	v, ok := s.values[id]
	if !ok {
		return Value{}, false
	}
	cp := *v
	cp.Payload = DuplicatePayload(v.Payload)
	return cp, true
}

// live returns the value if it exists and has not been dropped.
func (s *ValueStore) live(id ValueID) (*Value, *Diagnostic) {
	v, ok := s.values[id]
	if !ok {
		d := diagf(NotFound, "unknown value %s", id)
		d.Value = id
		return nil, d
	}
	if v.Liveness == Dropped {
		d := diagf(NotFound, "value %s has been dropped", id)
		d.Value = id
		return nil, d
	}
	return v, nil
}

// Read returns a deep copy of the payload of a live value. Changing the
// result never changes the stored value; only Write does.
func (s *ValueStore) Read(id ValueID) (Payload, error) {
	v, d := s.live(id)
	if d != nil {
		return nil, d
	}
	return DuplicatePayload(v.Payload), nil
}

// Write replaces the payload of a live value.
func (s *ValueStore) Write(id ValueID, payload Payload) error {
	v, d := s.live(id)
	if d != nil {
		return d
	}
	v.Payload = payload
	return nil
}

// Drop marks a live value as dropped.
func (s *ValueStore) Drop(id ValueID) error {
	v, d := s.live(id)
	if d != nil {
		return d
	}
	v.Liveness = Dropped
	v.Payload = nil
	return nil
}

// Duplicate creates a new live value of the same kind carrying a deep copy
// of the payload.
func (s *ValueStore) Duplicate(id ValueID) (ValueID, error) {
	v, d := s.live(id)
	if d != nil {
		return NoValue, d
	}
	return s.Create(v.Kind, DuplicatePayload(v.Payload)), nil
}

// Len returns the number of values ever created.
func (s *ValueStore) Len() int {
	return len(s.values)
}

// LiveCount returns the number of values not yet dropped.
func (s *ValueStore) LiveCount() int {
	n := 0
	for _, v := range s.values {
		if v.Liveness == Live {
			n++
		}
	}
	return n
}

// DuplicatePayload deep-copies the container types a payload is commonly
// built from. Strings, numbers and bools are immutable and returned as is.
func DuplicatePayload(p Payload) Payload {
	switch val := p.(type) {
	case Cloner:
		return val.ClonePayload()
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DuplicatePayload(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = DuplicatePayload(item)
		}
		return out
	default:
		return p
	}
}
