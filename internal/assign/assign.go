// Package assign maps free agents to pending tasks. The policy is fixed at
// session configuration time and runs once per plan cycle, before the
// environment snapshot is built.
package assign

import (
	"fmt"

	"github.com/joss/mapfd/internal/grid"
	"github.com/joss/mapfd/internal/model"
	"github.com/joss/mapfd/internal/tasks"
)

// Policy drains zero or more tasks from the pending queue into per-agent
// queues, respecting each agent's reveal capacity.
type Policy interface {
	Name() string
	Assign(store *tasks.Store, states []model.State, now int)
}

// New resolves a strategy name from the problem configuration.
func New(strategy string, g *grid.Grid) (Policy, error) {
	switch strategy {
	case "", "greedy":
		return &Greedy{}, nil
	case "nearest":
		return &Nearest{g: g}, nil
	case "roundrobin", "roundrobin_fixed":
		return &RoundRobin{}, nil
	}
	return nil, fmt.Errorf("unknown task assignment strategy %q", strategy)
}

// Greedy hands the head of the pending queue to the lowest-id agent with
// capacity, in agent order. A single-visit head task that would complete
// instantly where the agent already stands is rotated to the tail, at most
// once per pass, so the queue cannot starve.
type Greedy struct{}

func (p *Greedy) Name() string { return "greedy" }

func (p *Greedy) Assign(store *tasks.Store, states []model.State, now int) {
	rotated := false
	for a := 0; a < len(states); a++ {
		for store.HasCapacity(a) && store.PendingLen() > 0 {
			head := store.PendingAt(0)
			if !rotated && store.PendingLen() > 1 && head.SingleVisit() && head.StartLocation == states[a].Location {
				store.RotatePending()
				rotated = true
				continue
			}
			store.AssignPending(0, a, now)
		}
	}
}

// Nearest repeatedly assigns the head pending task to the free agent whose
// current location is closest by Manhattan distance to the task's pickup,
// ties broken by lowest agent id. It stops once no free agent remains.
type Nearest struct {
	g *grid.Grid
}

func (p *Nearest) Name() string { return "nearest" }

func (p *Nearest) Assign(store *tasks.Store, states []model.State, now int) {
	taken := make([]bool, len(states))
	for store.PendingLen() > 0 {
		head := store.PendingAt(0)
		best, bestDist := -1, 0
		for a := 0; a < len(states); a++ {
			if taken[a] || store.Head(a) != nil || !store.HasCapacity(a) {
				continue
			}
			d := p.g.Manhattan(head.StartLocation, states[a].Location)
			if best < 0 || d < bestDist {
				best, bestDist = a, d
			}
		}
		if best < 0 {
			return
		}
		store.AssignPending(0, best, now)
		taken[best] = true
	}
}

// RoundRobin delivers each task only to its pre-bound agent, task id modulo
// team size. A task whose agent is busy stays queued; later tasks bound to
// free agents are still delivered.
type RoundRobin struct{}

func (p *RoundRobin) Name() string { return "roundrobin" }

func (p *RoundRobin) Assign(store *tasks.Store, states []model.State, now int) {
	n := len(states)
	if n == 0 {
		return
	}
	for i := 0; i < store.PendingLen(); {
		bound := store.PendingAt(i).TaskID % n
		if store.HasCapacity(bound) {
			store.AssignPending(i, bound, now)
			continue
		}
		i++
	}
}
