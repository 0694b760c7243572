// Package main provides the mapfd server entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joss/mapfd/internal/archive"
	"github.com/joss/mapfd/internal/assign"
	"github.com/joss/mapfd/internal/config"
	"github.com/joss/mapfd/internal/engine"
	"github.com/joss/mapfd/internal/grid"
	"github.com/joss/mapfd/internal/logging"
	"github.com/joss/mapfd/internal/model"
	"github.com/joss/mapfd/internal/planner"
	"github.com/joss/mapfd/internal/server"
	"github.com/joss/mapfd/internal/tasks"
)

var version = "0.1.0"

func main() {
	var (
		mapFile             string
		configFile          string
		settingsFile        string
		port                int
		preprocessTimeLimit int
	)

	rootCmd := &cobra.Command{
		Use:   "mapfd",
		Short: "Lifelong MAPF coordination server",
		Long: `mapfd drives a lifelong multi-agent path finding session over HTTP:
it queues pickup/delivery tasks, assigns them to agents, invokes the
planner under a per-step budget, validates the joint action, and tracks
the cumulative session report.`,
		Run: func(cmd *cobra.Command, args []string) {
			runServer(mapFile, configFile, settingsFile, port, preprocessTimeLimit)
		},
	}

	rootCmd.Flags().StringVarP(&mapFile, "mapFile", "m", "", "map file path")
	rootCmd.Flags().StringVarP(&configFile, "configFile", "c", "", "problem config file path")
	rootCmd.Flags().StringVar(&settingsFile, "settings", "", "server settings YAML path")
	rootCmd.Flags().IntVarP(&port, "port", "p", 8080, "server port")
	rootCmd.Flags().IntVar(&preprocessTimeLimit, "preprocessTimeLimit", 30, "planner preprocessing time limit in seconds")
	rootCmd.MarkFlagRequired("mapFile")
	rootCmd.MarkFlagRequired("configFile")

	rootCmd.AddCommand(versionCmd(), mapsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(mapFile, configFile, settingsFile string, port, preprocessTimeLimit int) {
	log := logging.New("driver")

	settings, err := config.LoadSettings(settingsFile)
	if err != nil {
		fatal(err)
	}

	g, err := grid.Load(mapFile)
	if err != nil {
		fatal(err)
	}

	problem, err := config.LoadProblem(configFile)
	if err != nil {
		fatal(err)
	}

	var starts []model.State
	if problem.AgentFile != "" {
		locs, err := config.ReadAgents(problem.AgentFile)
		if err != nil {
			fatal(err)
		}
		if problem.TeamSize > 0 && problem.TeamSize != len(locs) {
			fatal(fmt.Errorf("config declares teamSize %d, agent file has %d agents", problem.TeamSize, len(locs)))
		}
		starts = make([]model.State, len(locs))
		for i, loc := range locs {
			if g.IsObstacle(loc) {
				fatal(fmt.Errorf("agent %d starts on obstacle cell %d", i, loc))
			}
			starts[i] = model.State{Location: loc}
		}
	}

	var defs []tasks.Def
	var persist tasks.PersistFunc
	if problem.TaskFile != "" {
		defs, err = config.ReadTasks(problem.TaskFile)
		if err != nil {
			fatal(err)
		}
		taskFile := problem.TaskFile
		persist = func(defs []tasks.Def) error {
			return config.WriteTasks(taskFile, defs)
		}
	}
	store := tasks.NewStore(defs, problem.NumTasksReveal, persist)

	policy, err := assign.New(problem.TaskAssignmentStrategy, g)
	if err != nil {
		fatal(err)
	}

	// The planner reads its own configuration through this variable.
	absConfig, _ := filepath.Abs(configFile)
	os.Setenv("CONFIG_PATH", absConfig)

	p := planner.NewAStar()
	env := &planner.Environment{Rows: g.Rows, Cols: g.Cols, Map: g.Map, MapName: g.Name}
	initStart := time.Now()
	ok, err := planner.InitializeBounded(p, env, time.Duration(preprocessTimeLimit)*time.Second)
	if err != nil {
		fatal(fmt.Errorf("planner init: %w", err))
	}
	if !ok {
		log.Error("preprocess_timeout", map[string]any{"limit_s": preprocessTimeLimit}, nil)
		os.Exit(124)
	}
	log.TimedEvent("planner_initialized", initStart, nil)

	var arch *archive.Store
	if settings.ArchivePath != "" {
		arch, err = archive.Open(settings.ArchivePath)
		if err != nil {
			log.Warn("archive_unavailable", map[string]any{"path": settings.ArchivePath}, err)
			arch = nil
		} else {
			defer arch.Close()
		}
	}

	eng := engine.New(g, p, store, policy, starts, engine.Config{
		PlanTimeLimit:  time.Duration(settings.PlanTimeLimit * float64(time.Second)),
		CheckpointPath: settings.CheckpointPath,
	}, arch)

	srv := server.New(eng, g, server.Info{MapFile: mapFile, Port: port})
	if err := srv.Listen(); err != nil {
		fatal(err)
	}

	banner(g, mapFile, port, policy.Name(), store.PendingLen())

	// SIGINT stops accepting and drains; a fatal signal exits nonzero so
	// the caller can tell a planner crash from an orderly shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	fatalCh := make(chan os.Signal, 1)
	signal.Notify(fatalCh, syscall.SIGABRT)

	logging.SafeGo("driver", func() {
		select {
		case <-sigCh:
			fmt.Println("Stopping MAPF server...")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		case sig := <-fatalCh:
			log.Error("fatal_signal", map[string]any{"signal": sig.String()}, nil)
			os.Exit(1)
		}
	})

	if err := srv.Serve(); err != nil {
		fatal(err)
	}
}

func banner(g *grid.Grid, mapFile string, port int, policy string, pending int) {
	pretty := term.IsTerminal(int(os.Stdout.Fd()))
	head := fmt.Sprintf("mapfd %s", version)
	if pretty {
		head = color.New(color.FgCyan, color.Bold).Sprintf("mapfd %s", version)
	}
	fmt.Println(head)
	fmt.Printf("Map: %s (%dx%d)\n", mapFile, g.Rows, g.Cols)
	fmt.Printf("Assignment: %s, %d tasks queued\n", policy, pending)
	fmt.Printf("Listening on port %d\n", port)
	fmt.Println("Endpoints:")
	fmt.Println("  POST /plan         - run one planning step")
	fmt.Println("  POST /add_task     - queue a new task")
	fmt.Println("  POST /reset        - reset the session")
	fmt.Println("  GET  /report       - cumulative session report")
	fmt.Println("  GET  /task_status  - per-agent task snapshot")
	fmt.Println("  GET  /health       - health check")
	fmt.Println("  GET  /status       - server and map info")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show mapfd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mapfd version %s\n", version)
		},
	}
}

func mapsCmd() *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "maps [dir]",
		Short: "List map files under a directory",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
			if err != nil {
				fatal(err)
			}
			if len(matches) == 0 {
				fmt.Println("No map files found")
				return
			}
			for _, m := range matches {
				g, err := grid.Load(m)
				if err != nil {
					fmt.Printf("  %s (unreadable: %v)\n", m, err)
					continue
				}
				fmt.Printf("  %s (%dx%d)\n", m, g.Rows, g.Cols)
			}
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "**/*.map", "glob pattern for map files")
	return cmd
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
