// Package server is the HTTP dispatcher: it parses requests, routes them to
// the engine, and converts every failure into a structured JSON error body.
// The server never terminates on a request-handling fault.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/joss/mapfd/internal/engine"
	"github.com/joss/mapfd/internal/grid"
	"github.com/joss/mapfd/internal/logging"
	"github.com/joss/mapfd/internal/metrics"
	"github.com/joss/mapfd/internal/model"
)

// Info is the static server description exposed by /status.
type Info struct {
	MapFile string
	Port    int
}

// Server dispatches the coordination endpoints over one engine.
type Server struct {
	eng       *engine.Engine
	grid      *grid.Grid
	info      Info
	startedAt time.Time

	log      *logging.Logger
	listener net.Listener
	srv      *http.Server
}

// New builds the dispatcher and its route table.
func New(eng *engine.Engine, g *grid.Grid, info Info) *Server {
	s := &Server{
		eng:       eng,
		grid:      g,
		info:      info,
		startedAt: time.Now(),
		log:       logging.New("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/plan", s.route(http.MethodPost, s.handlePlan))
	mux.HandleFunc("/add_task", s.route(http.MethodPost, s.handleAddTask))
	mux.HandleFunc("/reset", s.route(http.MethodPost, s.handleReset))
	mux.HandleFunc("/report", s.route(http.MethodGet, s.handleReport))
	mux.HandleFunc("/task_status", s.route(http.MethodGet, s.handleTaskStatus))
	mux.HandleFunc("/health", s.route(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/status", s.route(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/metrics", s.route(http.MethodGet, metrics.Global().Handler()))
	mux.HandleFunc("/", s.handleNotFound)

	s.srv = &http.Server{Handler: mux}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Listen binds the configured port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.info.Port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", s.info.Port, err)
	}
	s.listener = ln
	return nil
}

// Serve blocks serving requests until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	err := s.srv.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// route enforces the method and wraps the handler with panic recovery so a
// faulting request becomes an error body instead of a dead server.
func (s *Server) route(method string, h http.HandlerFunc) http.HandlerFunc {
	recovery := logging.NewRecoveryHandler("server")
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			s.handleNotFound(w, r)
			return
		}
		if err := recovery.WrapError(func() error {
			h(w, r)
			return nil
		}); err != nil {
			s.log.Error("handler_panic", map[string]any{"path": r.URL.Path}, err)
			writeJSON(w, errorBody("Internal Server Error", err.Error()))
		}
	}
}

// --- wire types ---

type agentSnapshot struct {
	Location    int `json:"location"`
	Orientation int `json:"orientation"`
	Timestep    int `json:"timestep"`
}

type planRequest struct {
	Agents []agentSnapshot `json:"agents"`
	// Goals is accepted for compatibility and ignored: tasks drive goals
	// in lifelong mode.
	Goals json.RawMessage `json:"goals"`
}

type planResponse struct {
	Status              string                   `json:"status"`
	Timestep            int                      `json:"timestep"`
	Actions             []engine.AgentAction     `json:"actions"`
	TaskStatus          []engine.AgentTaskStatus `json:"task_status"`
	TasksRemaining      int                      `json:"tasks_remaining"`
	TotalTasksCompleted int                      `json:"total_tasks_completed"`
	AllTasksFinished    bool                     `json:"all_tasks_finished"`
}

type addTaskRequest struct {
	Location      *int `json:"location"`
	StartLocation *int `json:"start_location"`
	GoalLocation  *int `json:"goal_location"`
}

type addTaskResponse struct {
	Status       string `json:"status"`
	TaskID       int    `json:"task_id"`
	Location     int    `json:"location"`
	TasksInQueue int    `json:"tasks_in_queue"`
}

// --- handlers ---

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorBody("Invalid Request", "malformed JSON: "+err.Error()))
		return
	}
	if req.Agents == nil {
		writeJSON(w, errorBody("Invalid Request", "missing agents array"))
		return
	}

	reported := make([]model.State, len(req.Agents))
	for i, a := range req.Agents {
		reported[i] = model.State{Location: a.Location, Orientation: a.Orientation, Timestep: a.Timestep}
	}

	res, err := s.eng.Step(reported)
	if err != nil {
		writeJSON(w, errorForEngine(err))
		return
	}

	writeJSON(w, planResponse{
		Status:              "success",
		Timestep:            res.Timestep,
		Actions:             res.Actions,
		TaskStatus:          res.TaskStatus,
		TasksRemaining:      res.TasksRemaining,
		TotalTasksCompleted: res.TotalTasksCompleted,
		AllTasksFinished:    res.AllTasksFinished,
	})
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorBody("Invalid Request", "malformed JSON: "+err.Error()))
		return
	}

	var start, goal int
	switch {
	case req.Location != nil:
		start, goal = *req.Location, *req.Location
	case req.StartLocation != nil && req.GoalLocation != nil:
		start, goal = *req.StartLocation, *req.GoalLocation
	default:
		writeJSON(w, errorBody("Invalid Request", "need location, or start_location and goal_location"))
		return
	}

	taskID, queued, err := s.eng.AddTask(start, goal)
	if err != nil {
		writeJSON(w, errorForEngine(err))
		return
	}

	writeJSON(w, addTaskResponse{
		Status:       "success",
		TaskID:       taskID,
		Location:     goal,
		TasksInQueue: queued,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.eng.Reset()
	writeJSON(w, map[string]string{
		"status":  "success",
		"message": "Simulation history has been reset.",
	})
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	rep, err := s.eng.Report()
	if err != nil {
		writeJSON(w, errorForEngine(err))
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := s.eng.TaskStatus()
	if err != nil {
		writeJSON(w, errorForEngine(err))
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	info := s.eng.Info()
	body := map[string]any{
		"status":   "running",
		"map_file": s.info.MapFile,
		"map_size": []int{s.grid.Rows, s.grid.Cols},
		"port":     s.info.Port,
		"uptime":   int(time.Since(s.startedAt).Seconds()),
	}
	if info.Active {
		body["session_id"] = info.SessionID
		body["timestep"] = info.Timestep
		body["team_size"] = info.TeamSize
	}
	writeJSON(w, body)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, errorBody("Not Found", fmt.Sprintf("Endpoint not found: %s %s", r.Method, r.URL.Path)))
}

// --- helpers ---

func errorBody(kind, message string) map[string]string {
	return map[string]string{"error": kind, "message": message}
}

func errorForEngine(err error) map[string]string {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return errorBody("Invalid Request", err.Error())
	case errors.Is(err, engine.ErrNoActiveSession):
		return errorBody("No Active Session", "No simulation data to report. Send a /plan request first.")
	}
	return errorBody("Internal Server Error", err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encoding response: %v", err), http.StatusInternalServerError)
	}
}
