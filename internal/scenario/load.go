package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario file extensions.
var fileExtensions = []string{".yaml", ".yml"}

// IsScenarioFile reports whether path has a scenario file extension.
func IsScenarioFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range fileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// document is one YAML document: a single scenario or a list of them.
type document struct {
	Scenario  `yaml:",inline"`
	Scenarios []Scenario `yaml:"scenarios"`
}

// Load reads scenarios from a file or, recursively, from every scenario
// file in a directory. Results are ordered by path, then by position.
func Load(path string) ([]*Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsScenarioFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	sort.Strings(files)

	var out []*Scenario
	for _, f := range files {
		scs, err := LoadFile(f)
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

// LoadFile reads the scenarios in one file.
func LoadFile(path string) ([]*Scenario, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the user
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes parses scenarios from YAML (or JSON) data. Multiple documents
// separated by "---" are allowed. source names the data in errors and is
// recorded as each scenario's Source.
func LoadBytes(data []byte, source string) ([]*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*Scenario
	for {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{File: source, Line: yamlErrorLine(err), Message: err.Error()}
		}

		batch := doc.Scenarios
		if doc.Name != "" || len(doc.Steps) > 0 {
			batch = append([]Scenario{doc.Scenario}, batch...)
		}
		for i := range batch {
			sc := batch[i]
			sc.Source = source
			if err := sc.Validate(); err != nil {
				return nil, err
			}
			out = append(out, &sc)
		}
	}

	if len(out) == 0 {
		return nil, &ParseError{File: source, Message: "no scenarios found"}
	}
	if err := checkUniqueNames(out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkUniqueNames(scs []*Scenario) error {
	seen := make(map[string]string, len(scs))
	for _, sc := range scs {
		if prev, ok := seen[sc.Name]; ok {
			return &ValidationError{
				File:     sc.Source,
				Scenario: sc.Name,
				Message:  fmt.Sprintf("duplicate scenario name (first defined in %s)", prev),
			}
		}
		seen[sc.Name] = sc.Source
	}
	return nil
}

// yamlErrorLine extracts the first line number from a yaml.v3 error.
func yamlErrorLine(err error) int {
	var te *yaml.TypeError
	msg := err.Error()
	if errors.As(err, &te) && len(te.Errors) > 0 {
		msg = te.Errors[0]
	}
	var line int
	if i := strings.Index(msg, "line "); i >= 0 {
		_, _ = fmt.Sscanf(msg[i:], "line %d", &line)
	}
	return line
}

// ParseError represents a scenario file that could not be decoded.
type ParseError struct {
	File    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		if e.Line > 0 {
			return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
		}
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}
