// Package config loads the problem configuration and its referenced agent
// and task files, plus optional server settings.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joss/mapfd/internal/tasks"
)

// Problem is the problem configuration JSON. Relative agent/task file paths
// are resolved against the config file's directory.
type Problem struct {
	TeamSize               int    `json:"teamSize"`
	NumTasksReveal         int    `json:"numTasksReveal"`
	TaskAssignmentStrategy string `json:"taskAssignmentStrategy"`
	AgentFile              string `json:"agentFile"`
	TaskFile               string `json:"taskFile"`
}

// LoadProblem reads and validates a problem configuration file, applying
// defaults: numTasksReveal 1, strategy greedy.
func LoadProblem(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	p := &Problem{NumTasksReveal: 1, TaskAssignmentStrategy: "greedy"}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if p.NumTasksReveal < 1 {
		p.NumTasksReveal = 1
	}
	if p.TaskAssignmentStrategy == "" {
		p.TaskAssignmentStrategy = "greedy"
	}

	dir := filepath.Dir(path)
	if p.AgentFile != "" && !filepath.IsAbs(p.AgentFile) {
		p.AgentFile = filepath.Join(dir, p.AgentFile)
	}
	if p.TaskFile != "" && !filepath.IsAbs(p.TaskFile) {
		p.TaskFile = filepath.Join(dir, p.TaskFile)
	}
	return p, nil
}

// ReadAgents parses an agent file: a count line followed by one cell index
// per agent. Lines starting with '#' are comments.
func ReadAgents(path string) ([]int, error) {
	lines, err := dataLines(path)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("agent file %s: empty", path)
	}
	n, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, fmt.Errorf("agent file %s: bad count %q", path, lines[0])
	}
	if len(lines)-1 < n {
		return nil, fmt.Errorf("agent file %s: %d agents declared, %d found", path, n, len(lines)-1)
	}
	agents := make([]int, n)
	for i := 0; i < n; i++ {
		loc, err := strconv.Atoi(lines[i+1])
		if err != nil {
			return nil, fmt.Errorf("agent file %s line %d: %w", path, i+2, err)
		}
		agents[i] = loc
	}
	return agents, nil
}

// ReadTasks parses a task file: a count line followed by task lines of
// either one integer (single-visit) or two integers (pickup and deliver).
func ReadTasks(path string) ([]tasks.Def, error) {
	lines, err := dataLines(path)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("task file %s: empty", path)
	}
	n, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, fmt.Errorf("task file %s: bad count %q", path, lines[0])
	}
	if len(lines)-1 < n {
		return nil, fmt.Errorf("task file %s: %d tasks declared, %d found", path, n, len(lines)-1)
	}
	defs := make([]tasks.Def, 0, n)
	for i := 0; i < n; i++ {
		fields := strings.Fields(lines[i+1])
		switch len(fields) {
		case 1:
			loc, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("task file %s line %d: %w", path, i+2, err)
			}
			defs = append(defs, tasks.Def{Start: loc, Goal: loc})
		case 2:
			start, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("task file %s line %d: %w", path, i+2, err)
			}
			goal, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("task file %s line %d: %w", path, i+2, err)
			}
			defs = append(defs, tasks.Def{Start: start, Goal: goal})
		default:
			return nil, fmt.Errorf("task file %s line %d: want 1 or 2 integers, got %q", path, i+2, lines[i+1])
		}
	}
	return defs, nil
}

// WriteTasks rewrites the task file with the full definition list, via a
// temp file rename in the same directory. Single-visit tasks are written as
// one integer, pickup-and-deliver as two.
func WriteTasks(path string, defs []tasks.Def) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", len(defs))
	for _, d := range defs {
		if d.Start == d.Goal {
			fmt.Fprintf(&b, "%d\n", d.Start)
		} else {
			fmt.Fprintf(&b, "%d %d\n", d.Start, d.Goal)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

// dataLines reads a file into trimmed non-empty, non-comment lines.
func dataLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}
