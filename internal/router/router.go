// Package router matches tasks to agents. Selection is deterministic: score
// every candidate, drop those below the score threshold or above the load
// threshold, and pick the highest score with first-wins tie-breaking in
// candidate order.
package router

import (
	"errors"
	"log"
	"os"

	"github.com/pilottgo/pilott/internal/agent"
	"github.com/pilottgo/pilott/internal/task"
)

// Thresholds applied by default.
const (
	DefaultMinScore = 0.5
	DefaultMaxLoad  = 0.8
)

// ErrNoSuitableAgent is returned when no candidate clears both thresholds.
var ErrNoSuitableAgent = errors.New("no suitable agent for task")

// Config tunes routing. Zero values select the defaults.
type Config struct {
	MinScoreThreshold float64
	MaxLoadThreshold  float64
	Logger            *log.Logger
}

// Router scores and selects agents. Stateless apart from its thresholds, so
// a single Router is safe for concurrent use.
type Router struct {
	minScore float64
	maxLoad  float64
	logger   *log.Logger
}

// New builds a Router.
func New(cfg Config) *Router {
	if cfg.MinScoreThreshold <= 0 {
		cfg.MinScoreThreshold = DefaultMinScore
	}
	if cfg.MaxLoadThreshold <= 0 {
		cfg.MaxLoadThreshold = DefaultMaxLoad
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Router{
		minScore: cfg.MinScoreThreshold,
		maxLoad:  cfg.MaxLoadThreshold,
		logger:   cfg.Logger,
	}
}

// Route picks the best agent for the task. Candidates are considered in the
// order given; on equal scores the earliest wins, which keeps routing
// reproducible across runs.
func (r *Router) Route(t *task.Task, candidates []agent.Executor) (agent.Executor, error) {
	if t == nil {
		return nil, errors.New("cannot route nil task")
	}

	var best agent.Executor
	bestScore := 0.0
	for _, cand := range candidates {
		h := cand.Health()
		if h.Status == agent.StatusStopped || h.Status == agent.StatusError {
			continue
		}
		if load := h.LoadFactor(); load > r.maxLoad {
			r.logger.Printf("router: agent %s skipped for task %s: load %.2f over threshold", cand.ID(), t.ID(), load)
			continue
		}
		score := cand.EvaluateSuitability(t)
		if score < r.minScore {
			continue
		}
		if best == nil || score > bestScore {
			best = cand
			bestScore = score
		}
	}
	if best == nil {
		return nil, ErrNoSuitableAgent
	}
	return best, nil
}

// ClassifyPriority derives a task's effective priority from its attributes.
// Urgency dominates; otherwise complexity and dependency fan-in escalate.
func ClassifyPriority(t *task.Task) task.Priority {
	deps := len(t.Dependencies())
	switch {
	case t.Urgent():
		return task.PriorityCritical
	case t.Complexity() > 8 || deps > 5:
		return task.PriorityHigh
	case t.Complexity() > 5 || deps > 3:
		return task.PriorityMedium
	default:
		return task.PriorityLow
	}
}
