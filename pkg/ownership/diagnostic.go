package ownership

import (
	"errors"
	"fmt"
	"strings"
)

// DiagnosticKind classifies a rejected operation.
type DiagnosticKind uint8

// Diagnostic kinds. The zero value means "no diagnostic".
const (
	// UseAfterMove: the binding's value was moved out (or explicitly dropped).
	UseAfterMove DiagnosticKind = iota + 1
	// AlreadyOwned: a Move-kind value already has a live owner.
	AlreadyOwned
	// BorrowConflict: the requested access conflicts with an active borrow.
	BorrowConflict
	// DoubleMutableBorrow: a second mutable borrow was requested.
	// It is a BorrowConflict subtype.
	DoubleMutableBorrow
	// BorrowWriteConflict: a write or move while the value is borrowed.
	BorrowWriteConflict
	// Dangling: the borrow would outlive its referent.
	Dangling
	// NotFound: unknown id, dropped value, or released borrow.
	NotFound
	// NotMutable: mutation through an immutable binding or a shared borrow.
	// It extends the core kinds above with the immutability rule of
	// non-mut bindings and is reported only by writes and mutable borrows.
	NotMutable
)

// MutationWhileBorrowed is the component-level name of BorrowWriteConflict.
const MutationWhileBorrowed = BorrowWriteConflict

var diagnosticKindNames = map[DiagnosticKind]string{
	UseAfterMove:        "UseAfterMove",
	AlreadyOwned:        "AlreadyOwned",
	BorrowConflict:      "BorrowConflict",
	DoubleMutableBorrow: "DoubleMutableBorrow",
	BorrowWriteConflict: "BorrowWriteConflict",
	Dangling:            "Dangling",
	NotFound:            "NotFound",
	NotMutable:          "NotMutable",
}

// AllDiagnosticKinds returns every diagnostic kind in declaration order.
func AllDiagnosticKinds() []DiagnosticKind {
	return []DiagnosticKind{
		UseAfterMove, AlreadyOwned, BorrowConflict, DoubleMutableBorrow,
		BorrowWriteConflict, Dangling, NotFound, NotMutable,
	}
}

// String returns the string representation of the kind.
func (k DiagnosticKind) String() string {
	if name, ok := diagnosticKindNames[k]; ok {
		return name
	}
	if k == 0 {
		return "None"
	}
	return "Unknown"
}

// ParseDiagnosticKind converts a name to a DiagnosticKind.
// Matching ignores case, underscores and dashes, so "use_after_move" works too.
func ParseDiagnosticKind(s string) (DiagnosticKind, bool) {
	norm := normalizeKindName(s)
	if norm == "mutationwhileborrowed" {
		return BorrowWriteConflict, true
	}
	for k, name := range diagnosticKindNames {
		if normalizeKindName(name) == norm {
			return k, true
		}
	}
	return 0, false
}

func normalizeKindName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

// MarshalText implements encoding.TextMarshaler.
func (k DiagnosticKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DiagnosticKind) UnmarshalText(text []byte) error {
	parsed, ok := ParseDiagnosticKind(string(text))
	if !ok {
		return fmt.Errorf("unknown diagnostic kind %q", text)
	}
	*k = parsed
	return nil
}

// Parent returns the kind this kind is a subtype of, or zero.
func (k DiagnosticKind) Parent() DiagnosticKind {
	if k == DoubleMutableBorrow {
		return BorrowConflict
	}
	return 0
}

// Matches reports whether k is want or a subtype of want.
func (k DiagnosticKind) Matches(want DiagnosticKind) bool {
	for cur := k; cur != 0; cur = cur.Parent() {
		if cur == want {
			return true
		}
	}
	return false
}

// Diagnostic is a rejected operation returned to the caller as data.
// The engine state is unchanged by the call that produced it.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Value   ValueID        `json:"value,omitempty"`
	Scope   ScopeID        `json:"scope,omitempty"`
	Binding BindingID      `json:"binding,omitempty"`
	Borrow  BorrowID       `json:"borrow,omitempty"`
	Message string         `json:"message"`
}

func (d *Diagnostic) Error() string {
	var b strings.Builder
	b.WriteString(d.Kind.String())
	if d.Message != "" {
		b.WriteString(": ")
		b.WriteString(d.Message)
	}
	var refs []string
	if d.Value.IsValid() {
		refs = append(refs, "value "+d.Value.String())
	}
	if d.Scope.IsValid() {
		refs = append(refs, "scope "+d.Scope.String())
	}
	if len(refs) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(refs, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Is matches any diagnostic whose kind is target's kind or a subtype of it,
// so errors.Is(err, ErrBorrowConflict) holds for a DoubleMutableBorrow.
func (d *Diagnostic) Is(target error) bool {
	t, ok := target.(*Diagnostic)
	if !ok {
		return false
	}
	return d.Kind.Matches(t.Kind)
}

// Sentinel diagnostics for use with errors.Is.
var (
	ErrUseAfterMove        = &Diagnostic{Kind: UseAfterMove}
	ErrAlreadyOwned        = &Diagnostic{Kind: AlreadyOwned}
	ErrBorrowConflict      = &Diagnostic{Kind: BorrowConflict}
	ErrDoubleMutableBorrow = &Diagnostic{Kind: DoubleMutableBorrow}
	ErrBorrowWriteConflict = &Diagnostic{Kind: BorrowWriteConflict}
	ErrDangling            = &Diagnostic{Kind: Dangling}
	ErrNotFound            = &Diagnostic{Kind: NotFound}
	ErrNotMutable          = &Diagnostic{Kind: NotMutable}
)

// AsDiagnostic extracts a *Diagnostic from err.
func AsDiagnostic(err error) (*Diagnostic, bool) {
	var d *Diagnostic
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// KindOf returns the diagnostic kind carried by err, or zero.
func KindOf(err error) DiagnosticKind {
	if d, ok := AsDiagnostic(err); ok {
		return d.Kind
	}
	return 0
}

func diagf(kind DiagnosticKind, format string, args ...any) *Diagnostic {
	return &Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
