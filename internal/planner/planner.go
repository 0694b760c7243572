// Package planner defines the planner capability the server drives each
// timestep, plus the deadline harness that keeps a slow or crashing planner
// from stalling or corrupting the session.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/joss/mapfd/internal/model"
)

// Goal is one target for an agent: the location and the timestep the
// underlying task was assigned at.
type Goal struct {
	Location  int
	TAssigned int
}

// Environment is the snapshot handed to the planner for one plan call. The
// engine rebuilds it before every call; planners must not retain it.
type Environment struct {
	Rows          int
	Cols          int
	Map           []int
	MapName       string
	NumOfAgents   int
	CurrTimestep  int
	CurrStates    []model.State
	GoalLocations [][]Goal
}

// Planner produces a joint action for the current environment snapshot.
// Plan is expected to return within limit; the harness below enforces it.
type Planner interface {
	Initialize(env *Environment, preprocessLimit time.Duration) error
	Plan(env *Environment, limit time.Duration) ([]model.Action, error)
}

// ErrDeadline is returned by the bounded harness when the planner did not
// produce a result within its budget.
var ErrDeadline = errors.New("planner deadline exceeded")

type planResult struct {
	actions []model.Action
	err     error
}

// PlanBounded runs p.Plan on its own goroutine and waits at most limit for
// the result. On timeout the result is discarded when it eventually arrives
// and the goroutine is left to finish on its own. A panicking planner is
// reported as an error, not propagated.
func PlanBounded(p Planner, env *Environment, limit time.Duration) ([]model.Action, float64, error) {
	ch := make(chan planResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- planResult{err: fmt.Errorf("planner panic: %v", r)}
			}
		}()
		actions, err := p.Plan(env, limit)
		ch <- planResult{actions: actions, err: err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.actions, time.Since(start).Seconds(), res.err
	case <-timer.C:
		return nil, limit.Seconds(), ErrDeadline
	}
}

// InitializeBounded runs p.Initialize with the given preprocessing budget.
// It returns false when the budget elapsed first; the driver treats that as
// fatal (exit code 124), matching the competition harness.
func InitializeBounded(p Planner, env *Environment, limit time.Duration) (bool, error) {
	ch := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fmt.Errorf("planner init panic: %v", r)
			}
		}()
		ch <- p.Initialize(env, limit)
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case err := <-ch:
		return true, err
	case <-timer.C:
		return false, nil
	}
}
