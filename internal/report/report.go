// Package report serializes the cumulative session record into the
// canonical competition JSON shape and persists checkpoint snapshots.
package report

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/joss/mapfd/internal/grid"
	"github.com/joss/mapfd/internal/model"
	"github.com/joss/mapfd/internal/session"
	"github.com/joss/mapfd/internal/tasks"
)

// Report is the canonical session report. Field order follows the
// competition output format.
type Report struct {
	ActionModel     string     `json:"actionModel"`
	AllValid        string     `json:"AllValid"`
	TeamSize        int        `json:"teamSize"`
	Start           [][3]any   `json:"start"`
	NumTaskFinished int        `json:"numTaskFinished"`
	SumOfCost       int        `json:"sumOfCost"`
	Makespan        int        `json:"makespan"`
	ActualPaths     []string   `json:"actualPaths"`
	PlannerPaths    []string   `json:"plannerPaths"`
	PlannerTimes    []float64  `json:"plannerTimes"`
	Errors          [][4]any   `json:"errors"`
	Events          [][][3]any `json:"events"`
	Tasks           [][3]any   `json:"tasks"`
}

// Build assembles the report from the session log, task store, grid, and
// the action model's accumulated move errors.
func Build(s *session.State, store *tasks.Store, g *grid.Grid, moveErrors []model.MoveError) *Report {
	r := &Report{
		ActionModel:     "MAPF_T",
		AllValid:        "Yes",
		TeamSize:        s.TeamSize,
		Start:           make([][3]any, 0, s.TeamSize),
		NumTaskFinished: store.NumFinished(),
		SumOfCost:       s.SumOfCost(),
		Makespan:        s.Makespan(),
		ActualPaths:     make([]string, s.TeamSize),
		PlannerPaths:    make([]string, s.TeamSize),
		PlannerTimes:    append([]float64{}, s.PlanningTimes...),
		Errors:          make([][4]any, 0, len(moveErrors)),
		Events:          make([][][3]any, 0, s.TeamSize),
		Tasks:           make([][3]any, 0, len(store.History())),
	}
	if !s.AllValid {
		r.AllValid = "No"
	}

	for _, st := range s.InitialStates {
		row, col := g.RowCol(st.Location)
		r.Start = append(r.Start, [3]any{row, col, model.OrientationString(st.Orientation)})
	}

	for a := 0; a < s.TeamSize; a++ {
		r.ActualPaths[a] = joinActions(s.Executed[a])
		r.PlannerPaths[a] = joinActions(s.Planned[a])
	}

	for _, e := range moveErrors {
		r.Errors = append(r.Errors, [4]any{e.AgentA, e.AgentB, e.Timestep, e.Message})
	}

	for _, agentEvents := range store.Events() {
		out := make([][3]any, 0, len(agentEvents))
		for _, e := range agentEvents {
			out = append(out, [3]any{e.TaskID, e.Timestep, e.Tag})
		}
		r.Events = append(r.Events, out)
	}

	for _, t := range store.History() {
		row, col := g.RowCol(t.GoalLocation)
		r.Tasks = append(r.Tasks, [3]any{t.TaskID, row, col})
	}
	return r
}

func joinActions(actions []model.Action) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

// WriteCheckpoint persists the report to path. Callers treat failure as a
// warning, never as a request error.
func (r *Report) WriteCheckpoint(path string) error {
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
