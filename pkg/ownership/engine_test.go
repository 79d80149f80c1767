package ownership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_MoveInvalidatesSource(t *testing.T) {
	e := New()

	v1, err := e.Bind("v1", MoveKind, "hello", false)
	require.NoError(t, err)
	v2, err := e.Move(v1, "v2", false)
	require.NoError(t, err)

	_, err = e.Read(OwnerOf(v1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUseAfterMove)

	got, err := e.Read(OwnerOf(v2))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	b1, _ := e.Binding(v1)
	b2, _ := e.Binding(v2)
	assert.Equal(t, b1.Value, b2.Value, "move must keep the value id")
	assert.Equal(t, BindingMoved, b1.State)
	require.NoError(t, e.CheckInvariants())
}

func TestEngine_SharedBorrowsBlockMutable(t *testing.T) {
	e := New()
	v, err := e.Bind("v", MoveKind, "hello", true)
	require.NoError(t, err)

	r1, err := e.Borrow(v, Shared)
	require.NoError(t, err)
	r2, err := e.Borrow(v, Shared)
	require.NoError(t, err)

	b, _ := e.Binding(v)
	assert.Equal(t, "Shared(2)", e.BorrowState(b.Value).String())

	_, err = e.Borrow(v, Mutable)
	require.Error(t, err)
	assert.Equal(t, BorrowConflict, KindOf(err))

	require.NoError(t, e.Release(r1))
	assert.Equal(t, "Shared(1)", e.BorrowState(b.Value).String())
	require.NoError(t, e.Release(r2))
	assert.Equal(t, "Unborrowed", e.BorrowState(b.Value).String())

	_, err = e.Borrow(v, Mutable)
	require.NoError(t, err)
	assert.Equal(t, "Mutable", e.BorrowState(b.Value).String())
}

func TestEngine_MutableBlocksShared(t *testing.T) {
	e := New()
	v, err := e.Bind("v", MoveKind, "hello", true)
	require.NoError(t, err)

	_, err = e.Borrow(v, Mutable)
	require.NoError(t, err)

	_, err = e.Borrow(v, Shared)
	assert.ErrorIs(t, err, ErrBorrowConflict)

	_, err = e.Borrow(v, Mutable)
	assert.Equal(t, DoubleMutableBorrow, KindOf(err))
	assert.ErrorIs(t, err, ErrBorrowConflict, "double mutable borrow is a borrow conflict")
}

func TestEngine_BorrowOutlivingOwnerIsDangling(t *testing.T) {
	e := New()
	root := e.RootScope()
	s1 := e.PushScope()
	v, err := e.Bind("v", MoveKind, "hello", false)
	require.NoError(t, err)
	s2 := e.PushScope()
	assert.Equal(t, s1, e.ParentScope(s2))

	_, err = e.BorrowIn(v, Shared, root)
	require.Error(t, err)
	d, ok := AsDiagnostic(err)
	require.True(t, ok)
	assert.Equal(t, Dangling, d.Kind)
	assert.Equal(t, root, d.Scope)

	// Borrowing for a scope the owner outlives is fine.
	_, err = e.BorrowIn(v, Shared, s2)
	require.NoError(t, err)
	_, err = e.BorrowIn(v, Shared, s1)
	require.NoError(t, err)
}

func TestEngine_CopyAssignmentLeavesSourceIntact(t *testing.T) {
	e := New()
	e.PushScope()

	a, err := e.Bind("a", CopyKind, 5, false)
	require.NoError(t, err)
	b, err := e.Move(a, "b", true)
	require.NoError(t, err)

	require.NoError(t, e.Write(OwnerOf(b), 6))

	got, err := e.Read(OwnerOf(a))
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	got, err = e.Read(OwnerOf(b))
	require.NoError(t, err)
	assert.Equal(t, 6, got)

	ba, _ := e.Binding(a)
	bb, _ := e.Binding(b)
	assert.NotEqual(t, ba.Value, bb.Value, "copy must allocate a new value")
	assert.Equal(t, BindingLive, ba.State)
}

func TestEngine_PopReleasesMutableBorrow(t *testing.T) {
	e := New()
	v, err := e.Bind("v", MoveKind, "hello", true)
	require.NoError(t, err)

	e.PushScope()
	r, err := e.Borrow(v, Mutable)
	require.NoError(t, err)
	require.NoError(t, e.Write(Through(r), "hello, world"))

	err = e.Write(OwnerOf(v), "nope")
	assert.ErrorIs(t, err, ErrBorrowWriteConflict)

	require.NoError(t, e.PopScope())

	br, ok := e.BorrowInfo(r)
	require.True(t, ok)
	assert.Equal(t, Released, br.Status)

	require.NoError(t, e.Write(OwnerOf(v), "goodbye"))
	got, err := e.Read(OwnerOf(v))
	require.NoError(t, err)
	assert.Equal(t, "goodbye", got)
}

func TestEngine_PopDropsInReverseOrder(t *testing.T) {
	var dropped []string
	e := New(WithDropObserver(func(ev DropEvent) {
		dropped = append(dropped, ev.Name)
	}))

	e.PushScope()
	ids := make([]BindingID, 0, 3)
	for _, name := range []string{"a", "b", "c"} {
		id, err := e.Bind(name, MoveKind, name, false)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, e.PopScope())

	assert.Equal(t, []string{"c", "b", "a"}, dropped)
	for _, id := range ids {
		b, _ := e.Binding(id)
		v, _ := e.Value(b.Value)
		assert.Equal(t, Dropped, v.Liveness)

		_, err := e.Read(OwnerOf(id))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = e.Read(ValueOf(b.Value))
		assert.ErrorIs(t, err, ErrNotFound)
		err = e.Write(ValueOf(b.Value), "x")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = e.BorrowValue(b.Value, Shared)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestEngine_MovedBindingsAreNotDroppedTwice(t *testing.T) {
	var dropped []string
	e := New(WithDropObserver(func(ev DropEvent) {
		dropped = append(dropped, ev.Name)
	}))

	s, err := e.Bind("s", MoveKind, "hello", false)
	require.NoError(t, err)

	// takes_ownership(s): the callee scope owns the value and drops it.
	e.PushScope()
	_, err = e.Move(s, "some_string", false)
	require.NoError(t, err)
	require.NoError(t, e.PopScope())

	assert.Equal(t, []string{"some_string"}, dropped)
	_, err = e.Read(OwnerOf(s))
	assert.ErrorIs(t, err, ErrUseAfterMove)
}

func TestEngine_PopRootScope(t *testing.T) {
	e := New()
	err := e.PopScope()
	require.Error(t, err)
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, 1, e.Depth())
}

func TestEngine_BindValue(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		bindTwice bool
		wantKind  DiagnosticKind
	}{
		{name: "adopt unbound move value", kind: MoveKind},
		{name: "adopt unbound copy value", kind: CopyKind},
		{name: "move value already owned", kind: MoveKind, bindTwice: true, wantKind: AlreadyOwned},
		{name: "copy value already owned is duplicated", kind: CopyKind, bindTwice: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New()
			v := e.Create(tt.kind, 42)

			first, err := e.BindValue("x", v, false)
			require.NoError(t, err)
			fb, _ := e.Binding(first)
			assert.Equal(t, v, fb.Value)

			if !tt.bindTwice {
				return
			}
			second, err := e.BindValue("y", v, false)
			if tt.wantKind != 0 {
				assert.Equal(t, tt.wantKind, KindOf(err))
				return
			}
			require.NoError(t, err)
			sb, _ := e.Binding(second)
			assert.NotEqual(t, v, sb.Value)
			require.NoError(t, e.CheckInvariants())
		})
	}
}

func TestEngine_BindValueDropped(t *testing.T) {
	e := New()
	e.PushScope()
	id, err := e.Bind("x", MoveKind, "x", false)
	require.NoError(t, err)
	b, _ := e.Binding(id)
	require.NoError(t, e.PopScope())

	_, err = e.BindValue("y", b.Value, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_MoveValueRequiresOwner(t *testing.T) {
	e := New()
	a, err := e.Bind("a", MoveKind, "a", false)
	require.NoError(t, err)
	b, err := e.Bind("b", MoveKind, "b", false)
	require.NoError(t, err)
	ba, _ := e.Binding(a)

	_, err = e.MoveValue(ba.Value, b, "c", false)
	assert.Equal(t, AlreadyOwned, KindOf(err))

	c, err := e.MoveValue(ba.Value, a, "c", false)
	require.NoError(t, err)
	owner, ok := e.Owner(ba.Value)
	require.True(t, ok)
	assert.Equal(t, c, owner)
}

func TestEngine_MoveWhileBorrowed(t *testing.T) {
	e := New()
	s, err := e.Bind("s", MoveKind, "hello", false)
	require.NoError(t, err)
	r, err := e.Borrow(s, Shared)
	require.NoError(t, err)

	_, err = e.Move(s, "t", false)
	assert.ErrorIs(t, err, ErrBorrowWriteConflict)

	require.NoError(t, e.Release(r))
	_, err = e.Move(s, "t", false)
	require.NoError(t, err)
}

func TestEngine_CopyWhileMutablyBorrowed(t *testing.T) {
	e := New()
	x, err := e.Bind("x", CopyKind, 1, true)
	require.NoError(t, err)
	r, err := e.Borrow(x, Mutable)
	require.NoError(t, err)

	_, err = e.Move(x, "y", false)
	assert.ErrorIs(t, err, ErrBorrowConflict)
	_, err = e.Read(OwnerOf(x))
	assert.ErrorIs(t, err, ErrBorrowConflict)

	got, err := e.Read(Through(r))
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestEngine_Immutability(t *testing.T) {
	e := New()
	s, err := e.Bind("s", MoveKind, "hello", false)
	require.NoError(t, err)

	err = e.Write(OwnerOf(s), "changed")
	assert.ErrorIs(t, err, ErrNotMutable)

	_, err = e.Borrow(s, Mutable)
	assert.ErrorIs(t, err, ErrNotMutable)

	r, err := e.Borrow(s, Shared)
	require.NoError(t, err)
	err = e.Write(Through(r), "changed")
	assert.ErrorIs(t, err, ErrNotMutable)

	got, err := e.Read(OwnerOf(s))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestEngine_SliceBlocksClear(t *testing.T) {
	e := New()
	s, err := e.Bind("s", MoveKind, "hello world", true)
	require.NoError(t, err)

	word, err := e.Borrow(s, Shared)
	require.NoError(t, err)

	err = e.Write(OwnerOf(s), "")
	require.Error(t, err)
	d, _ := AsDiagnostic(err)
	assert.Equal(t, BorrowWriteConflict, d.Kind)
	assert.Equal(t, MutationWhileBorrowed, d.Kind)
	assert.Equal(t, word, d.Borrow)
	assert.Equal(t, s, d.Binding)
}

func TestEngine_Clone(t *testing.T) {
	e := New()
	s, err := e.Bind("s", MoveKind, []any{"hello"}, true)
	require.NoError(t, err)

	s2, err := e.Clone(s, "s2", true)
	require.NoError(t, err)

	got, err := e.Read(OwnerOf(s2))
	require.NoError(t, err)
	list := got.([]any)
	list[0] = "aloha"
	require.NoError(t, e.Write(OwnerOf(s2), list))

	orig, err := e.Read(OwnerOf(s))
	require.NoError(t, err)
	assert.Equal(t, []any{"hello"}, orig, "clone must deep-copy the payload")
}

func TestEngine_ExplicitDrop(t *testing.T) {
	e := New()
	s, err := e.Bind("s", MoveKind, "hello", false)
	require.NoError(t, err)
	b, _ := e.Binding(s)

	r, err := e.Borrow(s, Shared)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Drop(s), ErrBorrowWriteConflict)
	require.NoError(t, e.Release(r))

	require.NoError(t, e.Drop(s))
	_, err = e.Read(OwnerOf(s))
	assert.ErrorIs(t, err, ErrUseAfterMove)
	_, err = e.Read(ValueOf(b.Value))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, e.Drop(s), ErrUseAfterMove)
}

func TestEngine_ReturnTransfersOwnership(t *testing.T) {
	e := New()
	caller := e.CurrentScope()

	// gives_ownership()
	e.PushScope()
	some, err := e.Bind("some_string", MoveKind, "yours", false)
	require.NoError(t, err)
	s1, err := e.Return(some, "s1", false)
	require.NoError(t, err)

	assert.Equal(t, caller, e.CurrentScope())
	got, err := e.Read(OwnerOf(s1))
	require.NoError(t, err)
	assert.Equal(t, "yours", got)

	// takes_and_gives_back(s2)
	s2, err := e.Bind("s2", MoveKind, "hello", false)
	require.NoError(t, err)
	e.PushScope()
	param, err := e.Move(s2, "a_string", false)
	require.NoError(t, err)
	s3, err := e.Return(param, "s3", false)
	require.NoError(t, err)

	got, err = e.Read(OwnerOf(s3))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	_, err = e.Read(OwnerOf(s2))
	assert.ErrorIs(t, err, ErrUseAfterMove)
	require.NoError(t, e.CheckInvariants())
}

func TestEngine_ReturnCopyDuplicates(t *testing.T) {
	e := New()
	e.PushScope()
	x, err := e.Bind("x", CopyKind, 7, false)
	require.NoError(t, err)
	bx, _ := e.Binding(x)

	y, err := e.Return(x, "y", false)
	require.NoError(t, err)
	by, _ := e.Binding(y)
	assert.NotEqual(t, bx.Value, by.Value)

	v, _ := e.Value(bx.Value)
	assert.Equal(t, Dropped, v.Liveness)
	got, err := e.Read(OwnerOf(y))
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestEngine_ReturnFromRoot(t *testing.T) {
	e := New()
	x, err := e.Bind("x", MoveKind, 1, false)
	require.NoError(t, err)
	_, err = e.Return(x, "y", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_ReturnBorrow(t *testing.T) {
	t.Run("dangle", func(t *testing.T) {
		e := New()
		e.PushScope()
		s, err := e.Bind("s", MoveKind, "hello", false)
		require.NoError(t, err)
		r, err := e.Borrow(s, Shared)
		require.NoError(t, err)

		_, err = e.ReturnBorrow(r)
		assert.ErrorIs(t, err, ErrDangling)
		assert.Equal(t, 2, e.Depth(), "rejected return must not pop")
	})

	t.Run("first word", func(t *testing.T) {
		e := New()
		s, err := e.Bind("s", MoveKind, "hello world", true)
		require.NoError(t, err)

		e.PushScope()
		param, err := e.Borrow(s, Shared)
		require.NoError(t, err)
		word, err := e.ReturnBorrow(param)
		require.NoError(t, err)
		assert.Equal(t, 1, e.Depth())

		br, ok := e.BorrowInfo(word)
		require.True(t, ok)
		assert.Equal(t, Active, br.Status)
		assert.Equal(t, e.RootScope(), br.Holder)

		// s.clear() while word is alive
		assert.ErrorIs(t, e.Write(OwnerOf(s), ""), ErrBorrowWriteConflict)
		require.NoError(t, e.Release(word))
		require.NoError(t, e.Write(OwnerOf(s), ""))
	})
}

func TestEngine_Release(t *testing.T) {
	e := New()
	s, err := e.Bind("s", MoveKind, "hello", false)
	require.NoError(t, err)
	r, err := e.Borrow(s, Shared)
	require.NoError(t, err)

	require.NoError(t, e.Release(r))
	require.NoError(t, e.Release(r), "release is idempotent")
	assert.ErrorIs(t, e.Release(BorrowID(99)), ErrNotFound)

	_, err = e.Read(Through(r))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_DropReleasesBorrowsOfValue(t *testing.T) {
	e := New()
	e.PushScope()
	s, err := e.Bind("s", MoveKind, "hello", false)
	require.NoError(t, err)
	r, err := e.Borrow(s, Shared)
	require.NoError(t, err)
	require.NoError(t, e.PopScope())

	br, _ := e.BorrowInfo(r)
	assert.Equal(t, Released, br.Status)
	require.NoError(t, e.CheckInvariants())
}

func TestEngine_InvalidIDs(t *testing.T) {
	e := New()

	_, err := e.Read(Target{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Read(OwnerOf(BindingID(7)))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Read(Through(BorrowID(7)))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, e.Write(ValueOf(ValueID(7)), 1), ErrNotFound)
	_, err = e.Move(BindingID(7), "x", false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Borrow(BindingID(7), Shared)
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := e.Bind("s", MoveKind, "hello", false)
	require.NoError(t, err)
	_, err = e.BorrowIn(s, Shared, ScopeID(42))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_RawValueReadRespectsMutableBorrow(t *testing.T) {
	e := New()
	v, err := e.Bind("v", MoveKind, "hello", true)
	require.NoError(t, err)
	b, _ := e.Binding(v)

	m, err := e.Borrow(v, Mutable)
	require.NoError(t, err)

	_, err = e.Read(OwnerOf(v))
	assert.ErrorIs(t, err, ErrBorrowConflict)
	_, err = e.Read(ValueOf(b.Value))
	require.ErrorIs(t, err, ErrBorrowConflict)
	d, ok := AsDiagnostic(err)
	require.True(t, ok)
	assert.Equal(t, m, d.Borrow)
	assert.Equal(t, e.CurrentScope(), d.Scope)

	got, err := e.Read(Through(m))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	require.NoError(t, e.Release(m))
	got, err = e.Read(ValueOf(b.Value))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestEngine_ReadResultsAreCopies(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		mutate  func(p Payload)
	}{
		{"slice", []any{"a", "b"}, func(p Payload) { p.([]any)[0] = "changed" }},
		{"map", map[string]any{"k": "a"}, func(p Payload) { p.(map[string]any)["k"] = "changed" }},
		{"bytes", []byte("ab"), func(p Payload) { p.([]byte)[0] = 'z' }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New()
			v, err := e.Bind("v", MoveKind, tt.payload, false)
			require.NoError(t, err)
			b, _ := e.Binding(v)
			want := DuplicatePayload(tt.payload)

			r, err := e.Borrow(v, Shared)
			require.NoError(t, err)
			viaBorrow, err := e.Read(Through(r))
			require.NoError(t, err)
			tt.mutate(viaBorrow)

			viaOwner, err := e.Read(OwnerOf(v))
			require.NoError(t, err)
			tt.mutate(viaOwner)

			tt.mutate(e.Snapshot().Values[0].Payload)
			stored, _ := e.Value(b.Value)
			tt.mutate(stored.Payload)

			got, err := e.Read(OwnerOf(v))
			require.NoError(t, err)
			assert.Equal(t, want, got, "the stored value changes only through Write")
		})
	}
}

func TestEngine_Snapshot(t *testing.T) {
	e := New()
	s, err := e.Bind("s", MoveKind, "hello", true)
	require.NoError(t, err)
	e.PushScope()
	_, err = e.Bind("n", CopyKind, 3, false)
	require.NoError(t, err)
	_, err = e.Borrow(s, Mutable)
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Scopes, 2)
	assert.Equal(t, e.CurrentScope(), snap.Current)
	assert.Equal(t, "s", snap.Scopes[0].Bindings[0].Name)
	assert.Equal(t, "n", snap.Scopes[1].Bindings[0].Name)
	require.Len(t, snap.Values, 2)
	assert.Equal(t, MutablyBorrowed, snap.Values[0].Borrow.Mode)
	assert.Equal(t, s, snap.Values[0].Owner)
	require.Len(t, snap.Borrows, 1)
	assert.Equal(t, Mutable, snap.Borrows[0].Kind)
}
