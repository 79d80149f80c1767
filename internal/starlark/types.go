// Package starlark drives the ownership engine from Starlark scripts and
// the interactive REPL.
package starlark

import (
	"fmt"

	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// GoToStarlark converts a Go payload to a Starlark value.
// Supported types: string, int, int64, float64, bool, []string, []any, map[string]any
func GoToStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case string:
		return starlark.String(val), nil

	case int:
		return starlark.MakeInt(val), nil

	case int64:
		return starlark.MakeInt64(val), nil

	case uint64:
		return starlark.MakeUint64(val), nil

	case float64:
		return starlark.Float(val), nil

	case bool:
		return starlark.Bool(val), nil

	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil

	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := GoToStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil

	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			sv, err := GoToStarlark(v)
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, fmt.Errorf("dict setkey %q: %w", k, err)
			}
		}
		return dict, nil

	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// payloadToStarlark converts a payload read back from the engine. Payloads
// of types scripts cannot represent are shown by their %v form.
func payloadToStarlark(v any) starlark.Value {
	sv, err := GoToStarlark(v)
	if err != nil {
		return starlark.String(fmt.Sprintf("%v", v))
	}
	return sv
}

// ToGo converts a Starlark value to a payload.
// Returns: string, int64, float64, bool, []any, map[string]any, or nil
func ToGo(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil

	case starlark.String:
		return string(val), nil

	case starlark.Int:
		i64, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val.String())
		}
		return i64, nil

	case starlark.Float:
		return float64(val), nil

	case starlark.Bool:
		return bool(val), nil

	case *starlark.List:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := ToGo(val.Index(i))
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			result[i] = gv
		}
		return result, nil

	case starlark.Tuple:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := ToGo(val.Index(i))
			if err != nil {
				return nil, fmt.Errorf("tuple index %d: %w", i, err)
			}
			result[i] = gv
		}
		return result, nil

	case *starlark.Dict:
		result := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			gv, err := ToGo(item[1])
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", string(key), err)
			}
			result[string(key)] = gv
		}
		return result, nil

	default:
		return nil, fmt.Errorf("cannot use %s as a payload", v.Type())
	}
}

// stepToStarlark builds the value every operation builtin returns:
// struct(ok, error, kind, value, state, passed).
func stepToStarlark(sr scenario.StepResult) starlark.Value {
	fields := starlark.StringDict{
		"ok":     starlark.Bool(sr.Outcome == scenario.OutcomeOK),
		"error":  starlark.None,
		"kind":   starlark.None,
		"value":  payloadToStarlark(sr.Value),
		"state":  starlark.String(sr.State.String()),
		"passed": starlark.Bool(sr.Passed),
	}
	if sr.Diagnostic != nil {
		fields["error"] = starlark.String(sr.Diagnostic.Error())
		fields["kind"] = starlark.String(sr.Diagnostic.Kind.String())
	}
	return starlarkstruct.FromStringDict(starlark.String("result"), fields)
}

// SnapshotToStarlark converts an engine snapshot to nested structs.
func SnapshotToStarlark(snap ownership.Snapshot) starlark.Value {
	scopes := make([]starlark.Value, 0, len(snap.Scopes))
	for _, sc := range snap.Scopes {
		bindings := make([]starlark.Value, 0, len(sc.Bindings))
		for _, b := range sc.Bindings {
			bindings = append(bindings, starlarkstruct.FromStringDict(starlark.String("binding"), starlark.StringDict{
				"id":      starlark.MakeUint64(uint64(b.ID)),
				"name":    starlark.String(b.Name),
				"value":   starlark.MakeUint64(uint64(b.Value)),
				"mutable": starlark.Bool(b.Mutable),
				"state":   starlark.String(b.State.String()),
			}))
		}
		scopes = append(scopes, starlarkstruct.FromStringDict(starlark.String("scope"), starlark.StringDict{
			"id":       starlark.MakeUint64(uint64(sc.ID)),
			"parent":   starlark.MakeUint64(uint64(sc.Parent)),
			"bindings": starlark.NewList(bindings),
		}))
	}

	values := make([]starlark.Value, 0, len(snap.Values))
	for _, v := range snap.Values {
		values = append(values, starlarkstruct.FromStringDict(starlark.String("value"), starlark.StringDict{
			"id":      starlark.MakeUint64(uint64(v.ID)),
			"kind":    starlark.String(v.Kind.String()),
			"payload": payloadToStarlark(v.Payload),
			"owner":   starlark.MakeUint64(uint64(v.Owner)),
			"live":    starlark.Bool(v.Liveness == ownership.Live),
			"borrow":  starlark.String(v.Borrow.String()),
		}))
	}

	borrows := make([]starlark.Value, 0, len(snap.Borrows))
	for _, b := range snap.Borrows {
		borrows = append(borrows, starlarkstruct.FromStringDict(starlark.String("borrow"), starlark.StringDict{
			"id":     starlark.MakeUint64(uint64(b.ID)),
			"value":  starlark.MakeUint64(uint64(b.Value)),
			"kind":   starlark.String(b.Kind.String()),
			"holder": starlark.MakeUint64(uint64(b.Holder)),
		}))
	}

	return starlarkstruct.FromStringDict(starlark.String("snapshot"), starlark.StringDict{
		"current": starlark.MakeUint64(uint64(snap.Current)),
		"scopes":  starlark.NewList(scopes),
		"values":  starlark.NewList(values),
		"borrows": starlark.NewList(borrows),
	})
}
