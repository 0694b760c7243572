package planner

import (
	"container/heap"
	"time"

	"github.com/joss/mapfd/internal/model"
)

// AStarPlanner is the built-in planner: for each agent it runs an
// independent A* search over (location, orientation) toward the agent's
// first goal and emits the first action of the found path. Agents are
// planned in isolation, so the joint action can still be rejected by the
// action model; the engine's validity gate handles that.
type AStarPlanner struct{}

// NewAStar returns the default single-agent search planner.
func NewAStar() *AStarPlanner { return &AStarPlanner{} }

// Initialize is a no-op; the search needs no preprocessing.
func (p *AStarPlanner) Initialize(env *Environment, preprocessLimit time.Duration) error {
	return nil
}

// Plan emits one action per agent toward its current goal.
func (p *AStarPlanner) Plan(env *Environment, limit time.Duration) ([]model.Action, error) {
	deadline := time.Now().Add(limit)
	actions := make([]model.Action, env.NumOfAgents)
	for i := 0; i < env.NumOfAgents; i++ {
		actions[i] = model.W
		if len(env.GoalLocations[i]) == 0 {
			continue
		}
		goal := env.GoalLocations[i][0].Location
		if goal == env.CurrStates[i].Location {
			continue
		}
		if time.Now().After(deadline) {
			break
		}
		actions[i] = p.firstAction(env, env.CurrStates[i], goal)
	}
	return actions, nil
}

type searchState struct {
	loc    int
	orient int
}

type searchNode struct {
	state  searchState
	action model.Action // first action on the path to this node
	g      int
	f      int
	index  int
}

type searchHeap []*searchNode

func (h searchHeap) Len() int           { return len(h) }
func (h searchHeap) Less(i, j int) bool { return h[i].f < h[j].f }
func (h searchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *searchHeap) Push(x any) {
	n := x.(*searchNode)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *searchHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// firstAction searches from start to goal and returns the first action of
// the shortest path, or a wait when the goal is unreachable.
func (p *AStarPlanner) firstAction(env *Environment, start model.State, goal int) model.Action {
	open := &searchHeap{}
	heap.Init(open)
	heap.Push(open, &searchNode{
		state:  searchState{loc: start.Location, orient: start.Orientation},
		action: model.NA,
		f:      manhattan(env, start.Location, goal),
	})
	closed := make(map[searchState]bool)

	for open.Len() > 0 {
		cur := heap.Pop(open).(*searchNode)
		if cur.state.loc == goal {
			if cur.action == model.NA {
				return model.W
			}
			return cur.action
		}
		if closed[cur.state] {
			continue
		}
		closed[cur.state] = true

		for _, step := range []model.Action{model.FW, model.CR, model.CCR} {
			next := cur.state
			switch step {
			case model.FW:
				loc := forwardCell(env, cur.state.loc, cur.state.orient)
				if loc < 0 || env.Map[loc] == 1 {
					continue
				}
				next.loc = loc
			case model.CR:
				next.orient = (cur.state.orient + 1) % 4
			case model.CCR:
				next.orient = (cur.state.orient + 3) % 4
			}
			if closed[next] {
				continue
			}
			first := cur.action
			if first == model.NA {
				first = step
			}
			heap.Push(open, &searchNode{
				state:  next,
				action: first,
				g:      cur.g + 1,
				f:      cur.g + 1 + manhattan(env, next.loc, goal),
			})
		}
	}
	return model.W
}

func forwardCell(env *Environment, loc, orient int) int {
	row, col := loc/env.Cols, loc%env.Cols
	switch orient {
	case model.East:
		col++
	case model.South:
		row++
	case model.West:
		col--
	case model.North:
		row--
	}
	if row < 0 || row >= env.Rows || col < 0 || col >= env.Cols {
		return -1
	}
	return row*env.Cols + col
}

func manhattan(env *Environment, a, b int) int {
	ar, ac := a/env.Cols, a%env.Cols
	br, bc := b/env.Cols, b%env.Cols
	d := 0
	if ar > br {
		d += ar - br
	} else {
		d += br - ar
	}
	if ac > bc {
		d += ac - bc
	} else {
		d += bc - ac
	}
	return d
}
