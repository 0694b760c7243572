package model

import (
	"github.com/joss/mapfd/internal/grid"
)

// MoveError records one rejected joint action for the session report.
// AgentB is -1 for single-agent faults (out of bounds, obstacle).
type MoveError struct {
	Message  string
	AgentA   int
	AgentB   int
	Timestep int
}

// ActionModel answers whether a joint action is executable and what joint
// state it produces. Rejected actions accumulate in Errors until the next
// session reset.
type ActionModel struct {
	g      *grid.Grid
	Errors []MoveError
}

// New creates an action model over the given grid.
func New(g *grid.Grid) *ActionModel {
	return &ActionModel{g: g}
}

// ResetErrors clears the accumulated move errors.
func (m *ActionModel) ResetErrors() { m.Errors = nil }

// forward returns the cell one step ahead of s, or -1 when the step leaves
// the grid.
func (m *ActionModel) forward(s State) int {
	row, col := m.g.RowCol(s.Location)
	switch s.Orientation {
	case East:
		col++
	case South:
		row++
	case West:
		col--
	case North:
		row--
	}
	if row < 0 || row >= m.g.Rows || col < 0 || col >= m.g.Cols {
		return -1
	}
	return m.g.Cell(row, col)
}

// ResultStates applies a joint action to a joint state. NA is treated as a
// wait. The caller is expected to have gated the action through IsValid.
func (m *ActionModel) ResultStates(prev []State, actions []Action) []State {
	next := make([]State, len(prev))
	for i, s := range prev {
		next[i] = State{Location: s.Location, Orientation: s.Orientation, Timestep: s.Timestep + 1}
		if i >= len(actions) {
			continue
		}
		switch actions[i] {
		case FW:
			if loc := m.forward(s); loc >= 0 {
				next[i].Location = loc
			}
		case CR:
			next[i].Orientation = (s.Orientation + 1) % 4
		case CCR:
			next[i].Orientation = (s.Orientation + 3) % 4
		}
	}
	return next
}

// IsValid checks a joint action against the grid and against the other
// agents: forward moves must stay in bounds and off obstacles, no two agents
// may occupy the same cell after the move, and no two agents may swap cells.
// Each violation is appended to Errors.
func (m *ActionModel) IsValid(prev []State, actions []Action) bool {
	if len(actions) != len(prev) {
		m.Errors = append(m.Errors, MoveError{Message: "incorrect vector size", AgentA: -1, AgentB: -1, Timestep: timestepOf(prev)})
		return false
	}

	ok := true
	next := make([]int, len(prev))
	for i, s := range prev {
		next[i] = s.Location
		if actions[i] != FW {
			continue
		}
		loc := m.forward(s)
		if loc < 0 || m.g.IsObstacle(loc) {
			m.Errors = append(m.Errors, MoveError{Message: "unallowed move", AgentA: i, AgentB: -1, Timestep: s.Timestep + 1})
			ok = false
			continue
		}
		next[i] = loc
	}

	occupied := make(map[int]int, len(prev))
	for i, loc := range next {
		if j, taken := occupied[loc]; taken {
			m.Errors = append(m.Errors, MoveError{Message: "vertex conflict", AgentA: i, AgentB: j, Timestep: prev[i].Timestep + 1})
			ok = false
			continue
		}
		occupied[loc] = i
	}

	for i := range prev {
		for j := i + 1; j < len(prev); j++ {
			if next[i] == prev[j].Location && next[j] == prev[i].Location && next[i] != prev[i].Location {
				m.Errors = append(m.Errors, MoveError{Message: "edge conflict", AgentA: i, AgentB: j, Timestep: prev[i].Timestep + 1})
				ok = false
			}
		}
	}
	return ok
}

func timestepOf(states []State) int {
	if len(states) == 0 {
		return 0
	}
	return states[0].Timestep + 1
}
