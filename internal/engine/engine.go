// Package engine drives one plan cycle per request: task progression,
// assignment, the bounded planner call, the validity gate, and state
// advancement. All engine entry points serialize on a single session mutex;
// the HTTP layer stays thin.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joss/mapfd/internal/archive"
	"github.com/joss/mapfd/internal/assign"
	"github.com/joss/mapfd/internal/grid"
	"github.com/joss/mapfd/internal/logging"
	"github.com/joss/mapfd/internal/metrics"
	"github.com/joss/mapfd/internal/model"
	"github.com/joss/mapfd/internal/planner"
	"github.com/joss/mapfd/internal/report"
	"github.com/joss/mapfd/internal/session"
	"github.com/joss/mapfd/internal/tasks"
)

// ErrNoActiveSession is returned by report and task-status queries before
// the first plan call of a session.
var ErrNoActiveSession = errors.New("no active session")

// ErrInvalidRequest marks client errors: malformed snapshots, out-of-bounds
// or blocked locations.
var ErrInvalidRequest = errors.New("invalid request")

// Config carries the engine knobs fixed at construction.
type Config struct {
	PlanTimeLimit  time.Duration
	CheckpointPath string
}

// Engine owns the session, task store, and planner, and serializes every
// mutation behind one mutex.
type Engine struct {
	mu sync.Mutex

	grid    *grid.Grid
	actions *model.ActionModel
	plan    planner.Planner
	store   *tasks.Store
	policy  assign.Policy
	sess    *session.State
	starts  []model.State
	cfg     Config

	log  *logging.Logger
	arch *archive.Store
}

// New wires an engine. starts may be nil when no agent file was loaded;
// the first plan request's snapshot then seeds the session. arch may be nil
// to disable session archiving.
func New(g *grid.Grid, p planner.Planner, store *tasks.Store, policy assign.Policy,
	starts []model.State, cfg Config, arch *archive.Store) *Engine {
	if cfg.PlanTimeLimit <= 0 {
		cfg.PlanTimeLimit = 5 * time.Second
	}
	return &Engine{
		grid:    g,
		actions: model.New(g),
		plan:    p,
		store:   store,
		policy:  policy,
		sess:    session.New(),
		starts:  starts,
		cfg:     cfg,
		log:     logging.New("engine"),
		arch:    arch,
	}
}

// AgentAction is one agent's slice of the step response. Location and
// Orientation are the post-move state; clients feed them back as the next
// snapshot.
type AgentAction struct {
	AgentID     int    `json:"agent_id"`
	Action      string `json:"action"`
	Location    int    `json:"location"`
	Orientation int    `json:"orientation"`
}

// CurrentTask describes an agent's active task. Single-visit tasks carry
// only Location; pickup-and-deliver tasks carry StartLocation and
// GoalLocation.
type CurrentTask struct {
	TaskID        int  `json:"task_id"`
	Location      *int `json:"location,omitempty"`
	StartLocation *int `json:"start_location,omitempty"`
	GoalLocation  *int `json:"goal_location,omitempty"`
	AssignedAt    int  `json:"assigned_at"`
}

// AgentTaskStatus is one agent's row of the task-status view.
type AgentTaskStatus struct {
	AgentID        int          `json:"agent_id"`
	HasTask        bool         `json:"has_task"`
	IsCarryingTask bool         `json:"is_carrying_task"`
	CurrentTask    *CurrentTask `json:"current_task,omitempty"`
	TasksCompleted int          `json:"tasks_completed"`
}

// StepResult is the outcome of one plan cycle.
type StepResult struct {
	Timestep            int
	Actions             []AgentAction
	TaskStatus          []AgentTaskStatus
	TasksRemaining      int
	TotalTasksCompleted int
	AllTasksFinished    bool
}

// Step runs one full plan cycle from a fresh client snapshot.
func (e *Engine) Step(reported []model.State) (*StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(reported) == 0 {
		return nil, fmt.Errorf("%w: empty agent snapshot", ErrInvalidRequest)
	}
	for i, s := range reported {
		if !e.grid.InBounds(s.Location) || e.grid.IsObstacle(s.Location) {
			return nil, fmt.Errorf("%w: agent %d at invalid location %d", ErrInvalidRequest, i, s.Location)
		}
		if s.Orientation < 0 || s.Orientation > 3 {
			return nil, fmt.Errorf("%w: agent %d has orientation %d", ErrInvalidRequest, i, s.Orientation)
		}
	}

	if !e.sess.Active {
		initial := reported
		if len(e.starts) > 0 {
			initial = e.starts
		}
		e.sess.Start(initial)
		e.store.SetTeamSize(e.sess.TeamSize)
		e.log.WithSession(e.sess.ID).Info("session_start", map[string]any{
			"team_size": e.sess.TeamSize,
			"pending":   e.store.PendingLen(),
		})
		metrics.Global().RecordSessionStart()
	} else {
		if len(reported) != e.sess.TeamSize {
			return nil, fmt.Errorf("%w: snapshot has %d agents, session has %d", ErrInvalidRequest, len(reported), e.sess.TeamSize)
		}
		e.sess.CurrentStates = model.CloneStates(reported)
	}

	n := e.sess.TeamSize
	cur := e.sess.CurrentStates
	now := e.sess.Timestep
	finishedBefore := e.store.NumFinished()

	// Pickup and delivery progression on the observed states.
	for a := 0; a < n; a++ {
		head := e.store.Head(a)
		if head == nil {
			continue
		}
		if !e.store.Carrying(a) && cur[a].Location == head.StartLocation {
			e.store.SetCarrying(a, true)
		}
		if e.store.Carrying(a) && cur[a].Location == head.GoalLocation {
			e.store.PopDelivered(a, now)
		}
	}

	e.policy.Assign(e.store, cur, now)

	env := e.snapshotEnv()

	actions, planTime, err := planner.PlanBounded(e.plan, env, e.cfg.PlanTimeLimit)

	var planned, executed []model.Action
	valid := true
	switch {
	case err != nil:
		e.log.WithSession(e.sess.ID).Warn("planner_failed", map[string]any{"timestep": now}, err)
		if errors.Is(err, planner.ErrDeadline) {
			metrics.Global().RecordDeadline()
		}
		planned = model.NoneAll(n)
		executed = model.WaitAll(n)
		valid = false
	case len(actions) != n:
		e.log.WithSession(e.sess.ID).Warn("planner_arity", map[string]any{
			"timestep": now, "got": len(actions), "want": n,
		}, nil)
		planned = model.NoneAll(n)
		executed = model.WaitAll(n)
		valid = false
	default:
		planned = actions
		if e.actions.IsValid(cur, actions) {
			executed = actions
		} else {
			metrics.Global().RecordInvalidAction()
			executed = model.WaitAll(n)
			valid = false
		}
	}

	next := e.actions.ResultStates(cur, executed)

	// Deliveries completed by this move. Pickups are observed on the next
	// call, once the client reports the moved state.
	for a := 0; a < n; a++ {
		head := e.store.Head(a)
		if head == nil || next[a].Location != head.GoalLocation {
			continue
		}
		if e.store.Carrying(a) || head.SingleVisit() {
			if !e.store.Carrying(a) {
				e.store.SetCarrying(a, true)
			}
			e.store.PopDelivered(a, now)
		}
	}

	for a := 0; a < n; a++ {
		if len(env.GoalLocations[a]) > 0 && env.GoalLocations[a][0].Location != cur[a].Location {
			e.sess.SolutionCosts[a]++
		}
	}

	e.sess.Advance(planned, executed, next, planTime, valid)
	logging.PlanEvent(e.sess.ID, e.sess.Timestep, time.Duration(planTime*float64(time.Second)), valid)
	metrics.Global().RecordPlanStep(!valid, int64(planTime*1000))
	for i := finishedBefore; i < e.store.NumFinished(); i++ {
		metrics.Global().RecordTaskFinished()
	}

	if e.cfg.CheckpointPath != "" {
		rep := report.Build(e.sess, e.store, e.grid, e.actions.Errors)
		if err := rep.WriteCheckpoint(e.cfg.CheckpointPath); err != nil {
			e.log.Warn("checkpoint_failed", map[string]any{"path": e.cfg.CheckpointPath}, err)
		}
	}

	res := &StepResult{
		Timestep:            e.sess.Timestep,
		Actions:             make([]AgentAction, n),
		TaskStatus:          e.taskStatusLocked(),
		TasksRemaining:      e.store.PendingLen(),
		TotalTasksCompleted: e.store.NumFinished(),
		AllTasksFinished:    e.store.PendingLen() == 0 && e.store.AllAssignedEmpty(),
	}
	for a := 0; a < n; a++ {
		res.Actions[a] = AgentAction{
			AgentID:     a,
			Action:      executed[a].String(),
			Location:    next[a].Location,
			Orientation: next[a].Orientation,
		}
	}
	return res, nil
}

// snapshotEnv rebuilds the shared environment for one planner call. Goals
// point at the pickup until the agent carries, then at the delivery; idle
// agents get their own location.
func (e *Engine) snapshotEnv() *planner.Environment {
	n := e.sess.TeamSize
	env := &planner.Environment{
		Rows:          e.grid.Rows,
		Cols:          e.grid.Cols,
		Map:           e.grid.Map,
		MapName:       e.grid.Name,
		NumOfAgents:   n,
		CurrTimestep:  e.sess.Timestep,
		CurrStates:    model.CloneStates(e.sess.CurrentStates),
		GoalLocations: make([][]planner.Goal, n),
	}
	for a := 0; a < n; a++ {
		head := e.store.Head(a)
		switch {
		case head == nil:
			env.GoalLocations[a] = []planner.Goal{{Location: e.sess.CurrentStates[a].Location}}
		case e.store.Carrying(a):
			env.GoalLocations[a] = []planner.Goal{{Location: head.GoalLocation, TAssigned: head.TAssigned}}
		default:
			env.GoalLocations[a] = []planner.Goal{{Location: head.StartLocation, TAssigned: head.TAssigned}}
		}
	}
	return env
}

// AddTask admits a new task after validating both endpoints against the
// grid. No planning happens here.
func (e *Engine) AddTask(start, goal int) (taskID, queued int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, loc := range []int{start, goal} {
		if !e.grid.InBounds(loc) {
			return 0, 0, fmt.Errorf("%w: location %d out of bounds", ErrInvalidRequest, loc)
		}
		if e.grid.IsObstacle(loc) {
			return 0, 0, fmt.Errorf("%w: location %d is an obstacle", ErrInvalidRequest, loc)
		}
	}

	t, warn := e.store.Admit(start, goal)
	if warn != nil {
		e.log.Warn("task_persist_failed", map[string]any{"task_id": t.TaskID}, warn)
	}
	e.log.Info("task_admitted", map[string]any{
		"task_id": t.TaskID, "start": start, "goal": goal, "queued": e.store.PendingLen(),
	})
	metrics.Global().RecordTaskAdmitted()
	return t.TaskID, e.store.PendingLen(), nil
}

// Reset archives the active session, if any, then clears all session state
// and re-materializes the pending queue from the loaded definitions.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.Active && e.arch != nil {
		rep := report.Build(e.sess, e.store, e.grid, e.actions.Errors)
		data, err := json.Marshal(rep)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err = e.arch.Save(ctx, archive.Summary{
				SessionID:     e.sess.ID,
				TeamSize:      e.sess.TeamSize,
				Timesteps:     e.sess.Timestep,
				TasksFinished: e.store.NumFinished(),
				SumOfCost:     e.sess.SumOfCost(),
				Makespan:      e.sess.Makespan(),
				AllValid:      e.sess.AllValid,
				ReportJSON:    string(data),
			}); err != nil {
				e.log.Warn("archive_failed", map[string]any{"session": e.sess.ID}, err)
			}
			cancel()
		}
	}

	e.actions.ResetErrors()
	e.sess.Reset()
	e.store.ResetPreservingDefinitions()
	e.log.Info("session_reset", nil)
	metrics.Global().RecordSessionReset()
}

// Report builds the cumulative session report.
func (e *Engine) Report() (*report.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sess.Active {
		return nil, ErrNoActiveSession
	}
	return report.Build(e.sess, e.store, e.grid, e.actions.Errors), nil
}

// TaskStatus returns the per-agent task view.
func (e *Engine) TaskStatus() ([]AgentTaskStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sess.Active {
		return nil, ErrNoActiveSession
	}
	return e.taskStatusLocked(), nil
}

func (e *Engine) taskStatusLocked() []AgentTaskStatus {
	out := make([]AgentTaskStatus, e.sess.TeamSize)
	for a := 0; a < e.sess.TeamSize; a++ {
		st := AgentTaskStatus{AgentID: a, TasksCompleted: e.store.FinishedCount(a)}
		if head := e.store.Head(a); head != nil {
			st.HasTask = true
			st.IsCarryingTask = e.store.Carrying(a)
			ct := &CurrentTask{TaskID: head.TaskID, AssignedAt: head.TAssigned}
			if head.SingleVisit() {
				loc := head.GoalLocation
				ct.Location = &loc
			} else {
				start, goal := head.StartLocation, head.GoalLocation
				ct.StartLocation = &start
				ct.GoalLocation = &goal
			}
			st.CurrentTask = ct
		}
		out[a] = st
	}
	return out
}

// SessionInfo summarizes the live session for the status endpoint.
type SessionInfo struct {
	Active    bool
	SessionID string
	Timestep  int
	TeamSize  int
}

// Info returns a consistent snapshot of the session identity.
func (e *Engine) Info() SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SessionInfo{
		Active:    e.sess.Active,
		SessionID: e.sess.ID,
		Timestep:  e.sess.Timestep,
		TeamSize:  e.sess.TeamSize,
	}
}
