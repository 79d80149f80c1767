package scenario

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtin returns the embedded scenarios, ordered by file then position.
func Builtin() ([]*Scenario, error) {
	files, err := fs.Glob(builtinFS, "builtin/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to list builtin scenarios: %w", err)
	}
	sort.Strings(files)

	var out []*Scenario
	for _, f := range files {
		data, err := builtinFS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		scs, err := LoadBytes(data, "builtin:"+path.Base(f))
		if err != nil {
			return nil, err
		}
		out = append(out, scs...)
	}
	if err := checkUniqueNames(out); err != nil {
		return nil, err
	}
	return out, nil
}

// BuiltinByName returns the embedded scenario with the given name.
func BuiltinByName(name string) (*Scenario, error) {
	scs, err := Builtin()
	if err != nil {
		return nil, err
	}
	for _, sc := range scs {
		if sc.Name == name {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("builtin scenario %q not found", name)
}
