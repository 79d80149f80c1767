// Package scenario defines replayable ownership scenarios: YAML documents
// listing engine operations and the diagnostics each one is expected to
// produce.
package scenario

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"gopkg.in/yaml.v3"
)

// Op names a scenario operation.
type Op string

// Scenario operations.
const (
	OpBind         Op = "bind"
	OpBindValue    Op = "bind_value"
	OpMove         Op = "move"
	OpCopy         Op = "copy"
	OpClone        Op = "clone"
	OpBorrow       Op = "borrow"
	OpRelease      Op = "release"
	OpRead         Op = "read"
	OpWrite        Op = "write"
	OpDrop         Op = "drop"
	OpPush         Op = "push"
	OpPop          Op = "pop"
	OpReturn       Op = "return"
	OpReturnBorrow Op = "return_borrow"
)

// AllOps returns every operation in documentation order.
func AllOps() []Op {
	return []Op{
		OpBind, OpBindValue, OpMove, OpCopy, OpClone, OpBorrow, OpRelease,
		OpRead, OpWrite, OpDrop, OpPush, OpPop, OpReturn, OpReturnBorrow,
	}
}

// IsValid reports whether the op is known.
func (o Op) IsValid() bool {
	for _, op := range AllOps() {
		if o == op {
			return true
		}
	}
	return false
}

// Holder scope selectors for borrow steps.
const (
	ScopeCurrent = "current"
	ScopeParent  = "parent"
	ScopeRoot    = "root"
)

// Scenario is a named sequence of steps replayed against a fresh engine.
type Scenario struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Steps       []Step   `yaml:"steps" json:"steps"`

	// Source is the file the scenario was loaded from.
	Source string `yaml:"-" json:"source,omitempty"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op     Op     `yaml:"op" json:"op"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`     // bind, bind_value
	Value  any    `yaml:"value,omitempty" json:"value,omitempty"`   // bind, bind_value, write
	Kind   string `yaml:"kind,omitempty" json:"kind,omitempty"`     // bind: move|copy, borrow: shared|mutable
	Mut    bool   `yaml:"mut,omitempty" json:"mut,omitempty"`       // new binding is mutable
	From   string `yaml:"from,omitempty" json:"from,omitempty"`     // move, copy, clone, return, bind_value
	To     string `yaml:"to,omitempty" json:"to,omitempty"`         // move, copy, clone, return
	Target string `yaml:"target,omitempty" json:"target,omitempty"` // binding or borrow name
	As     string `yaml:"as,omitempty" json:"as,omitempty"`         // borrow name, push label, returned borrow name
	Scope  string `yaml:"scope,omitempty" json:"scope,omitempty"`   // borrow holder

	Expect ownership.DiagnosticKind `yaml:"expect,omitempty" json:"expect,omitempty"`
	Want   any                      `yaml:"want,omitempty" json:"want,omitempty"`

	// Line is the source line of the step, when loaded from YAML.
	Line int `yaml:"-" json:"line,omitempty"`
}

var stepFields = map[string]bool{
	"op": true, "name": true, "value": true, "kind": true, "mut": true,
	"from": true, "to": true, "target": true, "as": true, "scope": true,
	"expect": true, "want": true,
}

// UnmarshalYAML records the step's line and rejects unknown fields.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if !stepFields[key.Value] {
				return fmt.Errorf("line %d: unknown step field %q", key.Line, key.Value)
			}
		}
	}

	type plain Step
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Step(p)
	s.Line = node.Line
	return nil
}

// String renders the step in a compact, readable form.
func (s Step) String() string {
	var b strings.Builder
	b.WriteString(string(s.Op))
	switch s.Op {
	case OpBind:
		mut := ""
		if s.Mut {
			mut = "mut "
		}
		fmt.Fprintf(&b, " %s%s = %v", mut, s.Name, s.Value)
		if s.Kind != "" {
			fmt.Fprintf(&b, " (%s)", s.Kind)
		}
	case OpBindValue:
		if s.From != "" {
			fmt.Fprintf(&b, " %s = value of %s", s.Name, s.From)
		} else {
			fmt.Fprintf(&b, " %s = %v", s.Name, s.Value)
		}
	case OpMove, OpCopy, OpClone, OpReturn:
		fmt.Fprintf(&b, " %s -> %s", s.From, s.To)
	case OpBorrow:
		kind, _ := ownership.ParseBorrowKind(s.Kind)
		if kind == ownership.Mutable {
			fmt.Fprintf(&b, " &mut %s", s.Target)
		} else {
			fmt.Fprintf(&b, " &%s", s.Target)
		}
		if s.As != "" {
			fmt.Fprintf(&b, " as %s", s.As)
		}
		if s.Scope != "" && s.Scope != ScopeCurrent {
			fmt.Fprintf(&b, " for %s", s.Scope)
		}
	case OpWrite:
		fmt.Fprintf(&b, " %s = %v", s.Target, s.Value)
	case OpPush:
		if s.As != "" {
			fmt.Fprintf(&b, " %s", s.As)
		}
	case OpPop:
	case OpReturnBorrow:
		b.WriteString(" " + s.Target)
		if s.As != "" {
			fmt.Fprintf(&b, " as %s", s.As)
		}
	default:
		b.WriteString(" " + s.Target)
	}
	return b.String()
}

// Validate checks the scenario is well formed.
func (sc *Scenario) Validate() error {
	if strings.TrimSpace(sc.Name) == "" {
		return &ValidationError{File: sc.Source, Message: "scenario name is required"}
	}
	if len(sc.Steps) == 0 {
		return &ValidationError{File: sc.Source, Scenario: sc.Name, Message: "scenario has no steps"}
	}
	for i, s := range sc.Steps {
		if err := s.Validate(); err != nil {
			return &ValidationError{
				File:     sc.Source,
				Line:     s.Line,
				Scenario: sc.Name,
				Step:     i + 1,
				Message:  err.Error(),
			}
		}
	}
	return nil
}

// Validate checks the step carries the fields its op requires.
func (s Step) Validate() error {
	if !s.Op.IsValid() {
		return fmt.Errorf("unknown op %q", s.Op)
	}
	if s.Want != nil && s.Op != OpRead {
		return fmt.Errorf("%q is only valid on read steps", "want")
	}

	need := func(field, val string) error {
		if strings.TrimSpace(val) == "" {
			return fmt.Errorf("%s requires %q", s.Op, field)
		}
		return nil
	}

	switch s.Op {
	case OpBind:
		if err := need("name", s.Name); err != nil {
			return err
		}
		if _, ok := ownership.ParseKind(s.Kind); !ok {
			return fmt.Errorf("invalid value kind %q, must be one of: move, copy", s.Kind)
		}
	case OpBindValue:
		if err := need("name", s.Name); err != nil {
			return err
		}
		if _, ok := ownership.ParseKind(s.Kind); !ok {
			return fmt.Errorf("invalid value kind %q, must be one of: move, copy", s.Kind)
		}
	case OpMove, OpCopy, OpClone, OpReturn:
		if err := need("from", s.From); err != nil {
			return err
		}
		return need("to", s.To)
	case OpBorrow:
		if err := need("target", s.Target); err != nil {
			return err
		}
		if _, ok := ownership.ParseBorrowKind(s.Kind); !ok {
			return fmt.Errorf("invalid borrow kind %q, must be one of: shared, mutable", s.Kind)
		}
	case OpRelease, OpRead, OpWrite, OpDrop, OpReturnBorrow:
		return need("target", s.Target)
	}
	return nil
}

// ValidationError reports a malformed scenario or step.
type ValidationError struct {
	File     string
	Line     int
	Scenario string
	Step     int
	Message  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
		}
		b.WriteString(": ")
	}
	if e.Scenario != "" {
		fmt.Fprintf(&b, "scenario %q: ", e.Scenario)
	}
	if e.Step > 0 {
		fmt.Fprintf(&b, "step %d: ", e.Step)
	}
	b.WriteString(e.Message)
	return b.String()
}
