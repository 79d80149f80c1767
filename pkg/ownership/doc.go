// Package ownership provides an ownership-and-borrow validation engine.
//
// The engine tracks which binding owns each value, enforces move semantics
// (a Move-kind value has at most one live owner), destroys values when their
// owning scope exits, and validates borrows: any number of shared borrows or
// exactly one mutable borrow per value, and no borrow may outlive its
// referent.
//
// # Components
//
//   - ValueStore: values by identity, with liveness and payload
//   - ScopeStack: nested lexical scopes owning bindings and borrows
//   - BorrowChecker: the per-value Unborrowed / Shared(n) / Mutable machine
//   - Engine: the ownership tracker tying the three together
//
// # Usage
//
//	e := ownership.New()
//
//	s1, _ := e.Bind("s1", ownership.MoveKind, "hello", false)
//	s2, _ := e.Move(s1, "s2", false)
//
//	_, err := e.Read(ownership.OwnerOf(s1))
//	errors.Is(err, ownership.ErrUseAfterMove) // true
//
//	e.PushScope()
//	r, _ := e.Borrow(s2, ownership.Shared)
//	_ = e.PopScope() // r is released, s2 stays live
//
// # Diagnostics
//
// Rejected operations return a *Diagnostic and leave the engine unchanged.
// Diagnostics are data, never panics: unknown ids surface as NotFound.
// Use errors.Is with the Err* sentinels or KindOf to inspect them;
// DoubleMutableBorrow also matches ErrBorrowConflict.
//
// # Concurrency
//
// An Engine is not safe for concurrent use. Run independent analyses on
// separate engines.
package ownership
