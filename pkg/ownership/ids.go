package ownership

import "strconv"

// ValueID identifies a value in the value store.
type ValueID uint32

// BindingID identifies a binding (a named owner of a value).
type BindingID uint32

// ScopeID identifies a lexical scope.
type ScopeID uint32

// BorrowID identifies a borrow of a value.
type BorrowID uint32

// Invalid ID constants (zero is sentinel).
const (
	NoValue   ValueID   = 0
	NoBinding BindingID = 0
	NoScope   ScopeID   = 0
	NoBorrow  BorrowID  = 0
)

// IsValid returns true if the ID is valid (non-zero).
func (id ValueID) IsValid() bool   { return id != NoValue }
func (id BindingID) IsValid() bool { return id != NoBinding }
func (id ScopeID) IsValid() bool   { return id != NoScope }
func (id BorrowID) IsValid() bool  { return id != NoBorrow }

func (id ValueID) String() string   { return "v" + strconv.FormatUint(uint64(id), 10) }
func (id BindingID) String() string { return "b" + strconv.FormatUint(uint64(id), 10) }
func (id ScopeID) String() string   { return "s" + strconv.FormatUint(uint64(id), 10) }
func (id BorrowID) String() string  { return "r" + strconv.FormatUint(uint64(id), 10) }
