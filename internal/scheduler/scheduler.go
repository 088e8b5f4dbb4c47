// Package scheduler implements spec §4.D.4/§4.J's dependency scheduler: a
// per-context topological job runner with cycle detection via Kahn's
// algorithm, running independent layers concurrently through an errgroup
// (grounded on the teacher pack's errgroup.WithContext fan-out pattern for
// "these are independent, run together; stop all on first failure").
package scheduler

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arborq/arbor/internal/errs"
)

// errSkippedDependency marks a job that did not run because a dependency
// it relies on failed in an earlier layer (spec §4.J step 5: siblings
// still run; only dependents of the failure are skipped).
var errSkippedDependency = errors.New("scheduler: skipped because a dependency failed")

// Job is one schedulable unit of work (spec §4.J): {contextId, jobId,
// dependencies, run}. Dependencies name other jobIds within the same
// context; a dependency on a jobId outside the context, or on itself, is
// ignored rather than treated as unresolved (spec §4.J steps 2-3).
type Job struct {
	ContextID    string
	JobID        string
	Dependencies []string
	Run          func(ctx context.Context) error
}

// Result records one job's outcome from a Flush call.
type Result struct {
	JobID string
	Err   error
}

// Scheduler accumulates jobs per context until Flush runs and drains them.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string][]Job // contextID -> pending jobs
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{jobs: make(map[string][]Job)}
}

// Enqueue adds job to its context's pending set, to be run on the next
// Flush(job.ContextID).
func (s *Scheduler) Enqueue(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ContextID] = append(s.jobs[job.ContextID], job)
}

// Flush drains and runs every job enqueued for contextID (spec §4.J):
// builds the in-context subgraph, drops out-of-context and self
// dependencies, topologically sorts via Kahn's algorithm, and executes
// independent layers concurrently. Jobs within a layer run in parallel;
// layers run in dependency order. A true cycle among in-context jobs
// raises DependencyError before anything runs. One job's failure does not
// prevent sibling jobs in the same or later layers from running — only
// jobs that depend (transitively) on the failed job are skipped, each
// recorded with errSkippedDependency rather than the failed job's error.
func (s *Scheduler) Flush(ctx context.Context, contextID string) ([]Result, error) {
	s.mu.Lock()
	jobs := s.jobs[contextID]
	delete(s.jobs, contextID)
	s.mu.Unlock()

	if len(jobs) == 0 {
		return nil, nil
	}

	layers, err := topoLayers(contextID, jobs)
	if err != nil {
		return nil, err
	}

	results := make(map[string]error, len(jobs))
	var resultsMu sync.Mutex
	byID := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		byID[j.JobID] = j
	}

	for _, layer := range layers {
		g, gctx := errgroup.WithContext(ctx)
		for _, jobID := range layer {
			job := byID[jobID]

			resultsMu.Lock()
			skip := false
			for _, dep := range inContextDeps(job, byID) {
				if results[dep] != nil {
					skip = true
					break
				}
			}
			resultsMu.Unlock()
			if skip {
				resultsMu.Lock()
				results[jobID] = errSkippedDependency
				resultsMu.Unlock()
				continue
			}

			g.Go(func() error {
				err := job.Run(gctx)
				resultsMu.Lock()
				results[jobID] = err
				resultsMu.Unlock()
				return nil // job errors are per-job, not fatal to the group
			})
		}
		_ = g.Wait()
	}

	out := make([]Result, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Result{JobID: j.JobID, Err: results[j.JobID]})
	}
	return out, nil
}

func inContextDeps(job Job, byID map[string]Job) []string {
	var out []string
	for _, d := range job.Dependencies {
		if d == job.JobID {
			continue
		}
		if _, ok := byID[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// topoLayers Kahn's-algorithm-sorts jobs into layers of mutually
// independent work, ignoring out-of-context and self dependencies. A
// DependencyError names one offending cycle when jobs remain unresolved
// after no further layer can be peeled.
func topoLayers(contextID string, jobs []Job) ([][]string, error) {
	byID := make(map[string]Job, len(jobs))
	indegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))

	for _, j := range jobs {
		byID[j.JobID] = j
		if _, ok := indegree[j.JobID]; !ok {
			indegree[j.JobID] = 0
		}
	}
	for _, j := range jobs {
		for _, d := range inContextDeps(j, byID) {
			indegree[j.JobID]++
			dependents[d] = append(dependents[d], j.JobID)
		}
	}

	var layers [][]string
	remaining := len(jobs)
	for remaining > 0 {
		var layer []string
		for id, deg := range indegree {
			if deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, &errs.DependencyError{ContextID: contextID, Cycle: cycleMembers(indegree)}
		}
		for _, id := range layer {
			delete(indegree, id)
			remaining--
			for _, dep := range dependents[id] {
				indegree[dep]--
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func cycleMembers(indegree map[string]int) []string {
	out := make([]string, 0, len(indegree))
	for id := range indegree {
		out = append(out, id)
	}
	return out
}
