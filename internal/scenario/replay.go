package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/leapstack-labs/borrowck/pkg/ownership"
)

// frame mirrors one engine scope and the names declared in it.
type frame struct {
	scope ownership.ScopeID
	label string
	names map[string]ownership.Target
}

// Replayer applies steps to an engine, resolving names lexically.
// Inner scopes shadow outer names; names declared in popped scopes keep
// resolving to their dead ids so the engine reports NotFound for them.
type Replayer struct {
	engine     *ownership.Engine
	frames     []*frame
	dead       map[string]ownership.Target
	deadLabels map[string]ownership.ScopeID
	logger     *slog.Logger
}

// NewReplayer creates a replayer driving engine. The engine's live bindings
// are registered under their names.
func NewReplayer(engine *ownership.Engine, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Replayer{
		engine:     engine,
		dead:       make(map[string]ownership.Target),
		deadLabels: make(map[string]ownership.ScopeID),
		logger:     logger,
	}
	for _, sc := range engine.Snapshot().Scopes {
		f := &frame{scope: sc.ID, names: make(map[string]ownership.Target)}
		for _, b := range sc.Bindings {
			if b.State == ownership.BindingLive {
				f.names[b.Name] = ownership.OwnerOf(b.ID)
			}
		}
		r.frames = append(r.frames, f)
	}
	return r
}

// Engine returns the driven engine.
func (r *Replayer) Engine() *ownership.Engine {
	return r.engine
}

// Lookup resolves a name the way steps do.
func (r *Replayer) Lookup(name string) (ownership.Target, bool) {
	for i := len(r.frames) - 1; i >= 0; i-- {
		if t, ok := r.frames[i].names[name]; ok {
			return t, true
		}
	}
	t, ok := r.dead[name]
	return t, ok
}

// Names returns the visible names of every live scope, innermost last.
func (r *Replayer) Names() []map[string]ownership.Target {
	out := make([]map[string]ownership.Target, 0, len(r.frames))
	for _, f := range r.frames {
		m := make(map[string]ownership.Target, len(f.names))
		for k, v := range f.names {
			m[k] = v
		}
		out = append(out, m)
	}
	return out
}

// Apply runs one step and judges it against its expectation.
// Rejections are reported in the result, never returned as errors.
func (r *Replayer) Apply(s Step) StepResult {
	sr := StepResult{Step: s, Expected: s.Expect, Outcome: OutcomeOK}

	value, touched, err := r.apply(s)
	if err != nil {
		d, ok := ownership.AsDiagnostic(err)
		if !ok {
			d = &ownership.Diagnostic{Kind: ownership.NotFound, Scope: r.engine.CurrentScope(), Message: err.Error()}
		}
		sr.Outcome = OutcomeRejected
		sr.Diagnostic = d
	} else {
		sr.Value = value
	}
	if touched.IsValid() {
		sr.State = r.engine.BorrowState(touched)
	}
	sr.Passed, sr.Message = judge(s, sr)

	r.logger.Debug("applied step",
		slog.String("step", s.String()),
		slog.String("outcome", string(sr.Outcome)),
		slog.Bool("passed", sr.Passed))
	return sr
}

func judge(s Step, sr StepResult) (bool, string) {
	if s.Expect != 0 {
		switch {
		case sr.Diagnostic == nil:
			return false, fmt.Sprintf("expected %s, but the step succeeded", s.Expect)
		case !sr.Diagnostic.Kind.Matches(s.Expect):
			return false, fmt.Sprintf("expected %s, got %s", s.Expect, sr.Diagnostic.Error())
		default:
			return true, ""
		}
	}
	if sr.Diagnostic != nil {
		return false, "unexpected " + sr.Diagnostic.Error()
	}
	if s.Want != nil && !payloadEqual(sr.Value, s.Want) {
		return false, fmt.Sprintf("read %v, want %v", sr.Value, s.Want)
	}
	return true, ""
}

// payloadEqual compares payloads, tolerating numeric type differences
// between YAML, JSON and Starlark decoders.
func payloadEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}

func (r *Replayer) apply(s Step) (any, ownership.ValueID, error) {
	e := r.engine

	switch s.Op {
	case OpBind:
		kind, _ := ownership.ParseKind(s.Kind)
		id, err := e.Bind(s.Name, kind, s.Value, s.Mut)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		r.declare(s.Name, ownership.OwnerOf(id))
		return nil, r.valueOf(ownership.OwnerOf(id)), nil

	case OpBindValue:
		var v ownership.ValueID
		if s.From != "" {
			t, err := r.resolve(s.From)
			if err != nil {
				return nil, ownership.NoValue, err
			}
			v = r.valueOf(t)
		} else {
			kind, _ := ownership.ParseKind(s.Kind)
			v = e.Create(kind, s.Value)
		}
		id, err := e.BindValue(s.Name, v, s.Mut)
		if err != nil {
			return nil, v, err
		}
		r.declare(s.Name, ownership.OwnerOf(id))
		return nil, r.valueOf(ownership.OwnerOf(id)), nil

	case OpMove, OpCopy, OpClone:
		from, err := r.resolveBinding(s.From)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		var id ownership.BindingID
		if s.Op == OpClone {
			id, err = e.Clone(from, s.To, s.Mut)
		} else {
			id, err = e.Move(from, s.To, s.Mut)
		}
		if err != nil {
			return nil, r.valueOf(ownership.OwnerOf(from)), err
		}
		r.declare(s.To, ownership.OwnerOf(id))
		return nil, r.valueOf(ownership.OwnerOf(id)), nil

	case OpBorrow:
		target, err := r.resolveBinding(s.Target)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		kind, _ := ownership.ParseBorrowKind(s.Kind)
		holder := r.holder(s.Scope)
		v := r.valueOf(ownership.OwnerOf(target))
		id, err := e.BorrowIn(target, kind, holder)
		if err != nil {
			return nil, v, err
		}
		if s.As != "" {
			r.declareIn(holder, s.As, ownership.Through(id))
		}
		return nil, v, nil

	case OpRelease:
		id, err := r.resolveBorrow(s.Target)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		v := r.valueOf(ownership.Through(id))
		return nil, v, e.Release(id)

	case OpRead:
		t, err := r.resolve(s.Target)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		p, err := e.Read(t)
		return p, r.valueOf(t), err

	case OpWrite:
		t, err := r.resolve(s.Target)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		return nil, r.valueOf(t), e.Write(t, s.Value)

	case OpDrop:
		id, err := r.resolveBinding(s.Target)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		return nil, ownership.NoValue, e.Drop(id)

	case OpPush:
		id := e.PushScope()
		r.frames = append(r.frames, &frame{scope: id, label: s.As, names: make(map[string]ownership.Target)})
		return nil, ownership.NoValue, nil

	case OpPop:
		if err := e.PopScope(); err != nil {
			return nil, ownership.NoValue, err
		}
		r.popFrame()
		return nil, ownership.NoValue, nil

	case OpReturn:
		from, err := r.resolveBinding(s.From)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		id, err := e.Return(from, s.To, s.Mut)
		if err != nil {
			return nil, r.valueOf(ownership.OwnerOf(from)), err
		}
		r.popFrame()
		r.declare(s.To, ownership.OwnerOf(id))
		return nil, r.valueOf(ownership.OwnerOf(id)), nil

	case OpReturnBorrow:
		id, err := r.resolveBorrow(s.Target)
		if err != nil {
			return nil, ownership.NoValue, err
		}
		v := r.valueOf(ownership.Through(id))
		if _, err := e.ReturnBorrow(id); err != nil {
			return nil, v, err
		}
		r.popFrame()
		name := s.As
		if name == "" {
			name = s.Target
		}
		r.declare(name, ownership.Through(id))
		return nil, v, nil

	default:
		return nil, ownership.NoValue, fmt.Errorf("unknown op %q", s.Op)
	}
}

// declare registers a name in the current scope, shadowing outer names.
func (r *Replayer) declare(name string, t ownership.Target) {
	r.frames[len(r.frames)-1].names[name] = t
}

// declareIn registers a name in the frame of scope, or the current one
// when that scope is not live.
func (r *Replayer) declareIn(scope ownership.ScopeID, name string, t ownership.Target) {
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].scope == scope {
			r.frames[i].names[name] = t
			return
		}
	}
	r.declare(name, t)
}

func (r *Replayer) popFrame() {
	f := r.frames[len(r.frames)-1]
	r.frames = r.frames[:len(r.frames)-1]
	for name, t := range f.names {
		r.dead[name] = t
	}
	if f.label != "" {
		r.deadLabels[f.label] = f.scope
	}
}

// holder resolves a borrow step's scope selector.
func (r *Replayer) holder(sel string) ownership.ScopeID {
	e := r.engine
	switch sel {
	case "", ScopeCurrent:
		return e.CurrentScope()
	case ScopeParent:
		return e.ParentScope(e.CurrentScope())
	case ScopeRoot:
		return e.RootScope()
	}
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].label == sel {
			return r.frames[i].scope
		}
	}
	return r.deadLabels[sel]
}

func (r *Replayer) resolve(name string) (ownership.Target, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return ownership.Target{}, &ownership.Diagnostic{
			Kind:    ownership.NotFound,
			Scope:   r.engine.CurrentScope(),
			Message: fmt.Sprintf("cannot find %q in this scope", name),
		}
	}
	return t, nil
}

func (r *Replayer) resolveBinding(name string) (ownership.BindingID, error) {
	t, err := r.resolve(name)
	if err != nil {
		return ownership.NoBinding, err
	}
	if !t.Binding.IsValid() {
		return ownership.NoBinding, &ownership.Diagnostic{
			Kind:    ownership.NotFound,
			Borrow:  t.Borrow,
			Scope:   r.engine.CurrentScope(),
			Message: fmt.Sprintf("%q is a borrow, not an owning binding", name),
		}
	}
	return t.Binding, nil
}

func (r *Replayer) resolveBorrow(name string) (ownership.BorrowID, error) {
	t, err := r.resolve(name)
	if err != nil {
		return ownership.NoBorrow, err
	}
	if !t.Borrow.IsValid() {
		return ownership.NoBorrow, &ownership.Diagnostic{
			Kind:    ownership.NotFound,
			Binding: t.Binding,
			Scope:   r.engine.CurrentScope(),
			Message: fmt.Sprintf("%q is not a borrow", name),
		}
	}
	return t.Borrow, nil
}

// valueOf returns the value a target currently refers to, or NoValue.
func (r *Replayer) valueOf(t ownership.Target) ownership.ValueID {
	switch {
	case t.Binding.IsValid():
		b, _ := r.engine.Binding(t.Binding)
		return b.Value
	case t.Borrow.IsValid():
		b, _ := r.engine.BorrowInfo(t.Borrow)
		return b.Value
	default:
		return t.Value
	}
}

// Config configures a scenario run.
type Config struct {
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
	// EngineOptions are applied to the fresh engine
	EngineOptions []ownership.Option
}

// Run replays a scenario against a fresh engine. Unexpected diagnostics
// are recorded and replay continues; only context cancellation aborts.
func Run(ctx context.Context, sc *Scenario, cfg Config) (*Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("scenario", sc.Name))

	opts := append([]ownership.Option{ownership.WithLogger(logger)}, cfg.EngineOptions...)
	r := NewReplayer(ownership.New(opts...), logger)

	start := time.Now()
	res := &Result{
		Scenario:    sc.Name,
		Description: sc.Description,
		Source:      sc.Source,
		Passed:      true,
	}
	for i, s := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("scenario %q interrupted at step %d: %w", sc.Name, i+1, err)
		}
		res.Add(r.Apply(s))
	}
	res.Final = r.engine.Snapshot()
	res.Duration = time.Since(start)

	logger.Debug("scenario replayed",
		slog.Bool("passed", res.Passed),
		slog.Int("failures", res.Failures),
		slog.Duration("duration", res.Duration))
	return res, nil
}
