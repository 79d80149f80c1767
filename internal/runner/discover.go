package runner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/internal/starlark"
)

// IsJobFile reports whether path is a scenario file or a Starlark script.
func IsJobFile(path string) bool {
	return scenario.IsScenarioFile(path) || starlark.IsScriptFile(path)
}

// Discover builds jobs from files and directories. Directories are walked
// recursively, skipping hidden ones, and their files are taken in path
// order. Paths given explicitly are kept in argument order.
func Discover(paths ...string) ([]Job, error) {
	var jobs []Job
	for _, p := range paths {
		files, err := jobFiles(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			js, err := jobsFromFile(f)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, js...)
		}
	}
	return jobs, nil
}

// BuiltinJobs returns a job for every embedded scenario.
func BuiltinJobs() ([]Job, error) {
	scs, err := scenario.Builtin()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(scs))
	for _, sc := range scs {
		jobs = append(jobs, ScenarioJob(sc))
	}
	return jobs, nil
}

func jobFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		if !IsJobFile(path) {
			return nil, fmt.Errorf("%s is not a scenario file or script", path)
		}
		return []string{path}, nil
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
		if IsJobFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

func jobsFromFile(path string) ([]Job, error) {
	if starlark.IsScriptFile(path) {
		return []Job{ScriptJob(path)}, nil
	}
	scs, err := scenario.LoadFile(path)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(scs))
	for _, sc := range scs {
		jobs = append(jobs, ScenarioJob(sc))
	}
	return jobs, nil
}
