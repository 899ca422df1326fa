package delegation

import (
	"errors"
	"fmt"

	"github.com/marcus/dispatch/internal/backlog"
	"github.com/marcus/dispatch/internal/logging"
)

// ErrNoMatch is returned when no rule/worker pairing scores at or above
// the minimum threshold. The caller decides fallback or escalation; the
// engine never guesses.
var ErrNoMatch = errors.New("delegation: no worker matched above threshold")

// DefaultMinScore is the minimum accepted candidate score.
const DefaultMinScore = 50.0

// Scoring weights. Capability overlap dominates; the tool bonus and the
// inverse-priority bonus break capability ties in favor of better-equipped
// workers and earlier rules.
const (
	capabilityWeight     = 0.7
	toolBonus            = 15.0
	priorityBonusCeiling = 10.0
)

// Candidate is a scored delegation result.
type Candidate struct {
	Worker Worker
	Rule   Rule
	Score  float64
}

// Engine scores delegation candidates. It holds no mutable state, so the
// same inputs always produce the same result.
type Engine struct {
	minScore float64
	log      *logging.Logger
}

// NewEngine creates an Engine with the given minimum score; zero means
// DefaultMinScore.
func NewEngine(minScore float64) *Engine {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Engine{
		minScore: minScore,
		log:      logging.Component("delegation"),
	}
}

// Delegate picks the best worker for the task from the registry snapshot.
func (e *Engine) Delegate(task backlog.Task, reg *Registry) (Candidate, error) {
	return e.DelegateExcluding(task, reg, nil)
}

// DelegateExcluding picks the best worker while skipping the excluded
// worker ids. The lifecycle controller uses this for worker rotation
// after failures.
func (e *Engine) DelegateExcluding(task backlog.Task, reg *Registry, exclude map[string]bool) (Candidate, error) {
	var best Candidate
	found := false

	for _, rule := range reg.Rules { // ascending priority
		if !rule.Matches(task.Description) {
			continue
		}
		for _, worker := range reg.Workers {
			if !worker.Available || exclude[worker.ID] {
				continue
			}
			if !ruleAllowsWorker(rule, worker) {
				continue
			}

			score := scoreCandidate(rule, worker)
			if score < e.minScore {
				continue
			}
			cand := Candidate{Worker: worker, Rule: rule, Score: score}
			if !found || betterCandidate(cand, best) {
				best = cand
				found = true
			}
		}
	}

	if !found {
		e.log.DebugCtx("no delegation match", map[string]any{
			"task_id":   task.ID,
			"min_score": e.minScore,
		})
		return Candidate{}, fmt.Errorf("task %s: %w", task.ID, ErrNoMatch)
	}

	e.log.DebugCtx("delegation match", map[string]any{
		"task_id": task.ID,
		"worker":  best.Worker.ID,
		"rule":    best.Rule.Name,
		"score":   best.Score,
	})
	return best, nil
}

// ruleAllowsWorker reports whether the worker is one of the rule's listed
// worker types. An empty list allows any worker.
func ruleAllowsWorker(rule Rule, worker Worker) bool {
	if len(rule.WorkerTypes) == 0 {
		return true
	}
	for _, wt := range rule.WorkerTypes {
		if wt == worker.ID {
			return true
		}
	}
	return false
}

// scoreCandidate computes the weighted candidate score:
// capability overlap (normalized 0-100), a binary bonus when the worker
// carries every tool the rule requires, and an inverse-priority bonus so
// lower-numbered rules outrank later ones at equal capability.
func scoreCandidate(rule Rule, worker Worker) float64 {
	score := capabilityOverlap(rule.Capabilities, worker.Capabilities) * capabilityWeight

	if hasAllTools(rule.Tools, worker.Tools) {
		score += toolBonus
	}

	if bonus := priorityBonusCeiling - float64(rule.Priority); bonus > 0 {
		score += bonus
	}

	return score
}

// capabilityOverlap returns the fraction of required capabilities the
// worker declares, scaled to 0-100. No required capabilities means a full
// match.
func capabilityOverlap(required, declared []string) float64 {
	if len(required) == 0 {
		return 100.0
	}
	have := make(map[string]struct{}, len(declared))
	for _, c := range declared {
		have[c] = struct{}{}
	}
	matched := 0
	for _, c := range required {
		if _, ok := have[c]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(required)) * 100.0
}

// hasAllTools reports whether every required tool is declared.
func hasAllTools(required, declared []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(declared))
	for _, t := range declared {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// betterCandidate reports whether a should replace b. Higher score wins;
// ties break by rule priority, then worker id, keeping results
// reproducible across runs.
func betterCandidate(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Rule.Priority != b.Rule.Priority {
		return a.Rule.Priority < b.Rule.Priority
	}
	return a.Worker.ID < b.Worker.ID
}
