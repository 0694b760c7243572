// Package session tracks the per-session simulation log: joint states,
// planned versus executed movement history, planning times, and cost
// counters. It is pure bookkeeping; the engine drives all transitions.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/joss/mapfd/internal/model"
)

// State is the cumulative record of one planning session. Planned and
// Executed diverge on any timestep where the planner output was replaced
// with waits; AllValid latches false the first time that happens.
type State struct {
	Active    bool
	ID        string
	StartedAt time.Time

	TeamSize      int
	Timestep      int
	InitialStates []model.State
	CurrentStates []model.State

	Planned       [][]model.Action
	Executed      [][]model.Action
	PlanningTimes []float64
	SolutionCosts []int
	AllValid      bool
}

// New returns an inactive session.
func New() *State {
	return &State{AllValid: true}
}

// Reset clears every per-session field and deactivates the session.
func (s *State) Reset() {
	*s = State{AllValid: true}
}

// Start activates the session from an initial joint state. It must only be
// called on an inactive session.
func (s *State) Start(initial []model.State) {
	s.Active = true
	s.ID = uuid.NewString()
	s.StartedAt = time.Now()
	s.TeamSize = len(initial)
	s.Timestep = 0
	s.InitialStates = model.CloneStates(initial)
	s.CurrentStates = model.CloneStates(initial)
	s.Planned = make([][]model.Action, s.TeamSize)
	s.Executed = make([][]model.Action, s.TeamSize)
	s.SolutionCosts = make([]int, s.TeamSize)
	s.PlanningTimes = nil
	s.AllValid = true
}

// Advance appends one completed plan cycle: what the planner said, what was
// actually executed, the resulting joint state, and the wall-clock planning
// time. The valid flag records whether the executed step was substituted.
func (s *State) Advance(planned, executed []model.Action, next []model.State, planTime float64, valid bool) {
	for a := 0; a < s.TeamSize; a++ {
		s.Planned[a] = append(s.Planned[a], planned[a])
		s.Executed[a] = append(s.Executed[a], executed[a])
	}
	s.PlanningTimes = append(s.PlanningTimes, planTime)
	s.CurrentStates = model.CloneStates(next)
	s.Timestep++
	if !valid {
		s.AllValid = false
	}
}

// SumOfCost totals the per-agent cost counters.
func (s *State) SumOfCost() int {
	sum := 0
	for _, c := range s.SolutionCosts {
		sum += c
	}
	return sum
}

// Makespan returns the largest per-agent cost counter.
func (s *State) Makespan() int {
	max := 0
	for _, c := range s.SolutionCosts {
		if c > max {
			max = c
		}
	}
	return max
}
