package ownership

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// Value kind
// =============================================================================

// Kind is the per-value capability tag deciding what assignment does.
type Kind uint8

const (
	// MoveKind values transfer ownership on assignment; the source binding
	// becomes invalid.
	MoveKind Kind = iota
	// CopyKind values are duplicated on assignment; the source stays valid.
	CopyKind
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case MoveKind:
		return "move"
	case CopyKind:
		return "copy"
	default:
		return "unknown"
	}
}

// ParseKind converts a string to a Kind.
// Returns MoveKind and false if the string is not a known kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "move", "":
		return MoveKind, true
	case "copy":
		return CopyKind, true
	default:
		return MoveKind, false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, ok := ParseKind(string(text))
	if !ok {
		return fmt.Errorf("unknown value kind %q (want move or copy)", text)
	}
	*k = parsed
	return nil
}

// Liveness reports whether a value can still be accessed.
type Liveness uint8

// Liveness states.
const (
	Live Liveness = iota
	Dropped
)

// String returns the string representation of the liveness.
func (l Liveness) String() string {
	if l == Dropped {
		return "dropped"
	}
	return "live"
}

// MarshalText implements encoding.TextMarshaler.
func (l Liveness) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// BindingState tracks what happened to a binding.
type BindingState uint8

const (
	// BindingLive is a binding that currently owns its value.
	BindingLive BindingState = iota
	// BindingMoved is a binding whose value was moved out (or into drop).
	BindingMoved
	// BindingDropped is a binding destroyed by its scope's exit.
	BindingDropped
)

// String returns the string representation of the binding state.
func (s BindingState) String() string {
	switch s {
	case BindingLive:
		return "live"
	case BindingMoved:
		return "moved"
	case BindingDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s BindingState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// =============================================================================
// Borrows
// =============================================================================

// BorrowKind distinguishes shared from mutable borrows.
type BorrowKind uint8

const (
	// Shared is a read-only borrow (&T); any number may coexist.
	Shared BorrowKind = iota
	// Mutable is an exclusive borrow (&mut T).
	Mutable
)

// String returns the string representation of the borrow kind.
func (k BorrowKind) String() string {
	if k == Mutable {
		return "mutable"
	}
	return "shared"
}

// Sigil returns the reference syntax for the borrow kind.
func (k BorrowKind) Sigil() string {
	if k == Mutable {
		return "&mut"
	}
	return "&"
}

// ParseBorrowKind converts a string to a BorrowKind.
// Accepts "shared", "mutable" and the "&" / "&mut" sigils.
func ParseBorrowKind(s string) (BorrowKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shared", "&", "ref", "":
		return Shared, true
	case "mutable", "mut", "&mut":
		return Mutable, true
	default:
		return Shared, false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k BorrowKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *BorrowKind) UnmarshalText(text []byte) error {
	parsed, ok := ParseBorrowKind(string(text))
	if !ok {
		return fmt.Errorf("unknown borrow kind %q (want shared or mutable)", text)
	}
	*k = parsed
	return nil
}

// BorrowStatus is the lifecycle status of a single borrow.
type BorrowStatus uint8

// Borrow statuses.
const (
	Active BorrowStatus = iota
	Released
)

// String returns the string representation of the status.
func (s BorrowStatus) String() string {
	if s == Released {
		return "released"
	}
	return "active"
}

// MarshalText implements encoding.TextMarshaler.
func (s BorrowStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BorrowMode is the per-value borrow state machine position.
type BorrowMode uint8

// Borrow modes.
const (
	Unborrowed BorrowMode = iota
	SharedBorrowed
	MutablyBorrowed
)

// BorrowState is the borrow state of one value: Unborrowed, Shared(n) or Mutable.
type BorrowState struct {
	Mode   BorrowMode
	Shared int // number of active shared borrows when Mode is SharedBorrowed
}

// String renders the state the way the state machine names it.
func (s BorrowState) String() string {
	switch s.Mode {
	case SharedBorrowed:
		return "Shared(" + strconv.Itoa(s.Shared) + ")"
	case MutablyBorrowed:
		return "Mutable"
	default:
		return "Unborrowed"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s BorrowState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
