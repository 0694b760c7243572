package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/joss/mapfd/internal/assign"
	"github.com/joss/mapfd/internal/grid"
	"github.com/joss/mapfd/internal/model"
	"github.com/joss/mapfd/internal/planner"
	"github.com/joss/mapfd/internal/tasks"
)

type scriptPlanner struct {
	fn func(env *planner.Environment, limit time.Duration) ([]model.Action, error)
}

func (p *scriptPlanner) Initialize(env *planner.Environment, limit time.Duration) error { return nil }
func (p *scriptPlanner) Plan(env *planner.Environment, limit time.Duration) ([]model.Action, error) {
	return p.fn(env, limit)
}

func emptyGrid(rows, cols int) *grid.Grid {
	return &grid.Grid{Rows: rows, Cols: cols, Map: make([]int, rows*cols)}
}

func newEngine(t *testing.T, g *grid.Grid, p planner.Planner, defs []tasks.Def, limit time.Duration) *Engine {
	t.Helper()
	store := tasks.NewStore(defs, 1, nil)
	policy, err := assign.New("greedy", g)
	if err != nil {
		t.Fatal(err)
	}
	return New(g, p, store, policy, nil, Config{PlanTimeLimit: limit}, nil)
}

func snapshot(locs ...int) []model.State {
	out := make([]model.State, len(locs))
	for i, loc := range locs {
		out[i] = model.State{Location: loc, Orientation: model.East}
	}
	return out
}

// Single-visit completion on a 3x3 empty grid: one agent at cell 0 facing
// east, one task at cell 2. Two forwards finish it.
func TestSingleVisitCompletion(t *testing.T) {
	eng := newEngine(t, emptyGrid(3, 3), planner.NewAStar(), []tasks.Def{{Start: 2, Goal: 2}}, time.Second)

	res, err := eng.Step(snapshot(0))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if res.Timestep != 1 {
		t.Errorf("timestep after first step: got %d, want 1", res.Timestep)
	}
	if res.Actions[0].Action != "F" || res.Actions[0].Location != 1 {
		t.Errorf("first step: got %s to %d, want F to 1", res.Actions[0].Action, res.Actions[0].Location)
	}
	if res.TotalTasksCompleted != 0 {
		t.Errorf("no task should be done yet")
	}

	res, err = eng.Step(snapshot(res.Actions[0].Location))
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if res.Actions[0].Action != "F" || res.Actions[0].Location != 2 {
		t.Errorf("second step: got %s to %d, want F to 2", res.Actions[0].Action, res.Actions[0].Location)
	}
	if res.Timestep != 2 {
		t.Errorf("timestep: got %d, want 2", res.Timestep)
	}
	if res.TotalTasksCompleted != 1 {
		t.Errorf("completed: got %d, want 1", res.TotalTasksCompleted)
	}
	if !res.AllTasksFinished {
		t.Error("all tasks should be finished")
	}

	rep, err := eng.Report()
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.SumOfCost != 2 || rep.Makespan != 2 {
		t.Errorf("cost: got sum %d makespan %d, want 2 and 2", rep.SumOfCost, rep.Makespan)
	}
	if rep.AllValid != "Yes" {
		t.Errorf("AllValid: got %s, want Yes", rep.AllValid)
	}
	if rep.ActualPaths[0] != "F,F" || rep.PlannerPaths[0] != "F,F" {
		t.Errorf("paths: actual %q planner %q, want F,F", rep.ActualPaths[0], rep.PlannerPaths[0])
	}
	if rep.NumTaskFinished != 1 {
		t.Errorf("numTaskFinished: got %d, want 1", rep.NumTaskFinished)
	}
}

// A planner that sleeps past its budget is cut off: the call returns within
// the budget plus slack, all agents wait, and AllValid latches No.
func TestPlannerDeadlineSubstitution(t *testing.T) {
	slow := &scriptPlanner{fn: func(env *planner.Environment, limit time.Duration) ([]model.Action, error) {
		time.Sleep(2 * time.Second)
		return []model.Action{model.FW}, nil
	}}
	eng := newEngine(t, emptyGrid(3, 3), slow, []tasks.Def{{Start: 2, Goal: 2}}, 100*time.Millisecond)

	start := time.Now()
	res, err := eng.Step(snapshot(0))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("step took %v, budget was 100ms", elapsed)
	}
	if res.Timestep != 1 {
		t.Errorf("timestep must still advance, got %d", res.Timestep)
	}
	if res.Actions[0].Action != "W" || res.Actions[0].Location != 0 {
		t.Errorf("got %s to %d, want W in place", res.Actions[0].Action, res.Actions[0].Location)
	}

	rep, err := eng.Report()
	if err != nil {
		t.Fatal(err)
	}
	if rep.AllValid != "No" {
		t.Errorf("AllValid: got %s, want No", rep.AllValid)
	}
	if rep.PlannerPaths[0] != "T" || rep.ActualPaths[0] != "W" {
		t.Errorf("paths: planner %q actual %q, want T and W", rep.PlannerPaths[0], rep.ActualPaths[0])
	}
}

func TestPlannerErrorSubstitution(t *testing.T) {
	failing := &scriptPlanner{fn: func(env *planner.Environment, limit time.Duration) ([]model.Action, error) {
		return nil, errors.New("solver infeasible")
	}}
	eng := newEngine(t, emptyGrid(3, 3), failing, []tasks.Def{{Start: 2, Goal: 2}}, time.Second)

	res, err := eng.Step(snapshot(0))
	if err != nil {
		t.Fatalf("planner failure must not fail the request: %v", err)
	}
	if res.Actions[0].Action != "W" {
		t.Errorf("got %s, want W", res.Actions[0].Action)
	}
}

func TestPlannerArityCoercion(t *testing.T) {
	short := &scriptPlanner{fn: func(env *planner.Environment, limit time.Duration) ([]model.Action, error) {
		return []model.Action{model.FW}, nil // one action for two agents
	}}
	eng := newEngine(t, emptyGrid(3, 3), short, nil, time.Second)

	res, err := eng.Step(snapshot(0, 8))
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range res.Actions {
		if a.Action != "W" {
			t.Errorf("agent %d: got %s, want W", a.AgentID, a.Action)
		}
	}

	rep, err := eng.Report()
	if err != nil {
		t.Fatal(err)
	}
	if rep.AllValid != "No" {
		t.Error("arity coercion must latch AllValid")
	}
	if rep.PlannerPaths[0] != "T" {
		t.Errorf("planned path records NA, got %q", rep.PlannerPaths[0])
	}
}

// An invalid joint action executes as waits while the planned log keeps the
// planner's output.
func TestInvalidJointActionSubstitution(t *testing.T) {
	// Two agents facing each other on a 1x2 strip; planner swaps them.
	swap := &scriptPlanner{fn: func(env *planner.Environment, limit time.Duration) ([]model.Action, error) {
		return []model.Action{model.FW, model.FW}, nil
	}}
	g := &grid.Grid{Rows: 1, Cols: 2, Map: []int{0, 0}}
	store := tasks.NewStore(nil, 1, nil)
	policy, _ := assign.New("greedy", g)
	eng := New(g, swap, store, policy, nil, Config{PlanTimeLimit: time.Second}, nil)

	reported := []model.State{
		{Location: 0, Orientation: model.East},
		{Location: 1, Orientation: model.West},
	}
	res, err := eng.Step(reported)
	if err != nil {
		t.Fatal(err)
	}
	if res.Actions[0].Action != "W" || res.Actions[1].Action != "W" {
		t.Errorf("swap must execute as waits, got %s %s", res.Actions[0].Action, res.Actions[1].Action)
	}
	if res.Actions[0].Location != 0 || res.Actions[1].Location != 1 {
		t.Error("agents must not move on a rejected step")
	}

	rep, err := eng.Report()
	if err != nil {
		t.Fatal(err)
	}
	if rep.AllValid != "No" {
		t.Error("invalid joint action must latch AllValid")
	}
	if rep.PlannerPaths[0] != "F" || rep.ActualPaths[0] != "W" {
		t.Errorf("planned %q executed %q, want F and W", rep.PlannerPaths[0], rep.ActualPaths[0])
	}
	if len(rep.Errors) == 0 {
		t.Error("rejected move should be recorded in errors")
	}
}

// Two-phase pickup and delivery: carrying turns on at the start location
// and the task pops only at the goal.
func TestTwoPhasePickupDelivery(t *testing.T) {
	eng := newEngine(t, &grid.Grid{Rows: 1, Cols: 10, Map: make([]int, 10)},
		planner.NewAStar(), []tasks.Def{{Start: 3, Goal: 7}}, time.Second)

	loc := 0
	sawCarrying := false
	for step := 0; step < 12; step++ {
		res, err := eng.Step(snapshot(loc))
		if err != nil {
			t.Fatal(err)
		}
		loc = res.Actions[0].Location

		status := res.TaskStatus[0]
		if loc < 3 && status.IsCarryingTask {
			t.Errorf("carrying before reaching pickup at location %d", loc)
		}
		if status.IsCarryingTask {
			sawCarrying = true
			if !status.HasTask {
				t.Error("carrying implies has_task")
			}
		}
		if res.TotalTasksCompleted == 1 {
			if loc != 7 {
				t.Errorf("task completed at %d, want 7", loc)
			}
			if status.HasTask {
				t.Error("task should be popped after delivery")
			}
			if !sawCarrying {
				t.Error("is_carrying_task was never observed between pickup and delivery")
			}
			return
		}
	}
	t.Fatal("task never completed")
}

func TestAddTaskDuringSession(t *testing.T) {
	eng := newEngine(t, emptyGrid(3, 3), planner.NewAStar(), []tasks.Def{{Start: 2, Goal: 2}}, time.Second)

	if _, err := eng.Step(snapshot(0)); err != nil {
		t.Fatal(err)
	}

	taskID, queued, err := eng.AddTask(6, 6)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if taskID != 1 {
		t.Errorf("task id: got %d, want 1", taskID)
	}
	if queued != 1 {
		t.Errorf("queued: got %d, want 1", queued)
	}

	// The next pass assigns it once the agent frees up. The client feeds the
	// post-move location and orientation back as the next snapshot.
	loc, orient := 1, model.East
	for step := 0; step < 10; step++ {
		res, err := eng.Step([]model.State{{Location: loc, Orientation: orient}})
		if err != nil {
			t.Fatal(err)
		}
		loc, orient = res.Actions[0].Location, res.Actions[0].Orientation
		if res.AllTasksFinished {
			if res.TotalTasksCompleted != 2 {
				t.Errorf("completed: got %d, want 2", res.TotalTasksCompleted)
			}
			return
		}
	}
	t.Fatal("added task never completed")
}

func TestAddTaskValidation(t *testing.T) {
	g := emptyGrid(3, 3)
	g.Map[4] = 1
	eng := newEngine(t, g, planner.NewAStar(), nil, time.Second)

	if _, _, err := eng.AddTask(9, 9); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("out of bounds: got %v", err)
	}
	if _, _, err := eng.AddTask(4, 4); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("obstacle: got %v", err)
	}
	if _, _, err := eng.AddTask(0, 4); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("obstacle goal: got %v", err)
	}
}

func TestResetRePrimes(t *testing.T) {
	eng := newEngine(t, emptyGrid(3, 3), planner.NewAStar(), []tasks.Def{{Start: 2, Goal: 2}}, time.Second)

	// Make progress, then reset.
	res, err := eng.Step(snapshot(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Step(snapshot(res.Actions[0].Location)); err != nil {
		t.Fatal(err)
	}
	eng.Reset()

	if _, err := eng.Report(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("report after reset: got %v, want no active session", err)
	}
	if _, err := eng.TaskStatus(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("task status after reset: got %v", err)
	}

	// A new session starts at timestep 1 after the first step and sees the
	// re-materialized task with id 0.
	res, err = eng.Step(snapshot(0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Timestep != 1 {
		t.Errorf("timestep: got %d, want 1", res.Timestep)
	}
	if !res.TaskStatus[0].HasTask || res.TaskStatus[0].CurrentTask.TaskID != 0 {
		t.Errorf("task ids must restart at 0 after reset, got %+v", res.TaskStatus[0].CurrentTask)
	}

	// Double reset is safe.
	eng.Reset()
	eng.Reset()
}

func TestStepValidation(t *testing.T) {
	eng := newEngine(t, emptyGrid(3, 3), planner.NewAStar(), nil, time.Second)

	if _, err := eng.Step(nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty snapshot: got %v", err)
	}
	if _, err := eng.Step(snapshot(99)); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("out of bounds agent: got %v", err)
	}
	if _, err := eng.Step([]model.State{{Location: 0, Orientation: 7}}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad orientation: got %v", err)
	}

	// Team size changes mid-session are rejected.
	if _, err := eng.Step(snapshot(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Step(snapshot(0, 1)); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("team size change: got %v", err)
	}
}

func TestAuthoritativeStarts(t *testing.T) {
	g := emptyGrid(3, 3)
	store := tasks.NewStore(nil, 1, nil)
	policy, _ := assign.New("greedy", g)
	starts := []model.State{{Location: 8, Orientation: model.North}}
	eng := New(g, planner.NewAStar(), store, policy, starts, Config{PlanTimeLimit: time.Second}, nil)

	// The loaded starts win over the reported snapshot on bootstrap.
	if _, err := eng.Step(snapshot(0)); err != nil {
		t.Fatal(err)
	}
	rep, err := eng.Report()
	if err != nil {
		t.Fatal(err)
	}
	if rep.Start[0][0] != 2 || rep.Start[0][1] != 2 {
		t.Errorf("start: got %v, want row 2 col 2", rep.Start[0])
	}
}

func TestLogLengthInvariant(t *testing.T) {
	eng := newEngine(t, emptyGrid(3, 3), planner.NewAStar(), []tasks.Def{{Start: 2, Goal: 2}, {Start: 6, Goal: 6}}, time.Second)

	loc := 0
	for step := 1; step <= 6; step++ {
		res, err := eng.Step(snapshot(loc))
		if err != nil {
			t.Fatal(err)
		}
		loc = res.Actions[0].Location

		rep, err := eng.Report()
		if err != nil {
			t.Fatal(err)
		}
		if len(rep.PlannerTimes) != step {
			t.Fatalf("plannerTimes: got %d, want %d", len(rep.PlannerTimes), step)
		}
	}
}
