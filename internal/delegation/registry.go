// Package delegation matches tasks to workers using a prioritized rule set.
// The rule set and worker roster are immutable snapshots loaded once per
// run; scoring is a pure function over those snapshots.
package delegation

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Rule maps a task description pattern to the capabilities and workers
// that should handle it. Lower Priority wins.
type Rule struct {
	Name         string   `yaml:"name"`
	Pattern      string   `yaml:"pattern"`
	Capabilities []string `yaml:"capabilities"`
	Tools        []string `yaml:"tools"`
	WorkerTypes  []string `yaml:"worker_types"`
	Priority     int      `yaml:"priority"`

	re *regexp.Regexp
}

// Matches reports whether the rule's pattern matches the description.
// Matching is case-insensitive.
func (r *Rule) Matches(description string) bool {
	return r.re != nil && r.re.MatchString(description)
}

// Worker describes a registered executor. Workers are read-only during
// delegation; availability is fixed for the run.
type Worker struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	Tools        []string `yaml:"tools"`
	Available    bool     `yaml:"available"`
}

// Registry is an immutable snapshot of rules and workers for one run.
type Registry struct {
	Rules   []Rule
	Workers []Worker
}

// NewRegistry compiles and orders the given rules and workers into a
// snapshot. Rules are sorted ascending by priority.
func NewRegistry(rules []Rule, workers []Worker) (*Registry, error) {
	compiled := make([]Rule, len(rules))
	copy(compiled, rules)
	for i := range compiled {
		if compiled[i].Pattern == "" {
			return nil, fmt.Errorf("rule %q: empty pattern", compiled[i].Name)
		}
		re, err := regexp.Compile("(?i)" + compiled[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", compiled[i].Name, err)
		}
		compiled[i].re = re
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})

	seen := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		if w.ID == "" {
			return nil, fmt.Errorf("worker with empty id")
		}
		if _, dup := seen[w.ID]; dup {
			return nil, fmt.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = struct{}{}
	}

	return &Registry{Rules: compiled, Workers: workers}, nil
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

type workersFile struct {
	Workers []Worker `yaml:"workers"`
}

// LoadRegistry reads rule and worker definitions from YAML files and
// returns the compiled snapshot.
func LoadRegistry(rulesPath, workersPath string) (*Registry, error) {
	rulesData, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(rulesData, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	workersData, err := os.ReadFile(workersPath)
	if err != nil {
		return nil, fmt.Errorf("reading workers: %w", err)
	}
	var wf workersFile
	if err := yaml.Unmarshal(workersData, &wf); err != nil {
		return nil, fmt.Errorf("parsing workers: %w", err)
	}

	return NewRegistry(rf.Rules, wf.Workers)
}
