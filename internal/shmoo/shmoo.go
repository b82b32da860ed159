// Package shmoo aggregates a parameter sweep of runs into one nested
// result tree. A sweep directory holds one subdirectory per run, named by
// its caret-separated parameters (a voltage/frequency shmoo would have
// directories like 1200^50), each containing the run's measurement log.
package shmoo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
)

// LogName is the measurement log each run directory is expected to hold.
const LogName = "measure0.json"

// ReadLog reads one bracket-framed measurement log and flattens its
// single-key records into a single map. Key clashes resolve to the last
// record, matching production order.
func ReadLog(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	flat := make(map[string]any)
	lines := bufio.NewScanner(f)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		switch line {
		case "", "[", "]":
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("%s: malformed record %q: %w", path, line, err)
		}
		for key, val := range record {
			flat[key] = val
		}
	}
	if err := lines.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return flat, nil
}

// Correct reports whether the run carries every golden key with an equal
// value. Values compare as their decoded JSON forms.
func Correct(run, golden map[string]any) bool {
	for key, want := range golden {
		got, ok := run[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// LoadGolden reads a golden result file: a plain JSON object of keys and
// expected values.
func LoadGolden(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var golden map[string]any
	if err := json.Unmarshal(raw, &golden); err != nil {
		return nil, fmt.Errorf("parsing golden file %s: %w", path, err)
	}
	return golden, nil
}

// Parse walks runsDir for run directories, reads each measurement log and
// builds the nested parameter tree, with the leftmost caret parameter as
// the outermost level. With a non-nil golden map each run additionally
// gets a boolean "correct" field: log readable, all golden keys present,
// all golden values matching. An unreadable log yields a bare
// {"correct": false} entry when checking, and is skipped otherwise.
func Parse(runsDir string, golden map[string]any) (map[string]any, error) {
	paths, err := filepath.Glob(filepath.Join(runsDir, "*", LogName))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", runsDir, err)
	}

	tree := make(map[string]any)
	for _, path := range paths {
		run, err := ReadLog(path)
		if err != nil {
			slog.Warn("skipping unreadable measurement log", "path", path, "error", err)
			if golden == nil {
				continue
			}
			run = map[string]any{"correct": false}
		} else if golden != nil {
			run["correct"] = Correct(run, golden)
		}

		name := filepath.Base(filepath.Dir(path))
		insert(tree, strings.Split(name, "^"), run)
	}
	return tree, nil
}

// insert places run at the leaf addressed by levels, creating the inner
// maps along the way.
func insert(tree map[string]any, levels []string, run map[string]any) {
	curr := tree
	for _, level := range levels[:len(levels)-1] {
		next, ok := curr[level].(map[string]any)
		if !ok {
			next = make(map[string]any)
			curr[level] = next
		}
		curr = next
	}
	curr[levels[len(levels)-1]] = run
}
