package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/echoix/parabridge/internal/dest"
	"github.com/echoix/parabridge/internal/store"
	"github.com/echoix/parabridge/internal/ui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var taskAddCmd = &cobra.Command{
	Use:     "task_add <name> <source> <destination>",
	GroupID: "tasks",
	Short:   "Add a sync task",
	Long: `Add a task that mirrors every .db table of <source> into <destination>.

<destination> is a SQLite file path or a libsql://, http:// or https://
URL. Paths starting with ~ are stored as given and expanded by the daemon.
When arguments are missing on a terminal, they are prompted for.`,
	Args: cobra.MaximumNArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		fields := ui.TaskFields{}
		for i, p := range []*string{&fields.Name, &fields.Source, &fields.Destination} {
			if i < len(args) {
				*p = args[i]
			}
		}

		if fields.Missing() {
			if !ui.CanPrompt() {
				fatalf("task_add needs <name> <source> <destination>")
			}
			if err := ui.PromptTask(&fields); err != nil {
				if errors.Is(err, ui.ErrAborted) {
					return
				}
				fatalf("%v", err)
			}
		}

		fields.Source = storedPath(fields.Source)
		fields.Destination = storedPath(fields.Destination)

		db := openStore(loadConfig())
		defer db.Close()

		_, err := db.AddTaskContext(context.Background(), fields.Name, fields.Source, fields.Destination)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateName) {
				warnf("Already has '%s' task", fields.Name)
				return
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Added task '%s'\n", ui.RenderPass("✓"), fields.Name)
	},
}

// storedPath makes relative local paths absolute. Home-relative paths and
// remote URLs are kept verbatim.
func storedPath(p string) string {
	if p == "" || strings.HasPrefix(p, "~") || dest.IsRemote(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

var taskDelCmd = &cobra.Command{
	Use:     "task_del <name>",
	GroupID: "tasks",
	Short:   "Delete a sync task and its cursors",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		db := openStore(loadConfig())
		defer db.Close()

		if err := db.DeleteTaskByNameContext(context.Background(), name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				warnf("No task named '%s'", name)
				return
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Deleted task '%s'\n", ui.RenderPass("✓"), name)
	},
}

var taskShowCmd = &cobra.Command{
	Use:     "task_show <name>",
	GroupID: "tasks",
	Short:   "Show a sync task and its per-file cursors",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		db := openStore(loadConfig())
		defer db.Close()
		ctx := context.Background()

		task, err := db.GetTaskByNameContext(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				warnf("No task named '%s'", name)
				return
			}
			fatalf("%v", err)
		}
		cursors, err := db.ListCheckpointsContext(ctx, task.GUID)
		if err != nil {
			fatalf("%v", err)
		}
		writeTaskDetail(os.Stdout, taskView{Task: *task, Cursors: cursors})
	},
}

var taskListCmd = &cobra.Command{
	Use:     "task_list",
	GroupID: "tasks",
	Short:   "List sync tasks",
	Long: `List sync tasks. The yaml and json formats also include the cursor of
every table file the daemon has caught up.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		db := openStore(loadConfig())
		defer db.Close()
		ctx := context.Background()

		tasks, err := db.ListTasksContext(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		views := make([]taskView, len(tasks))
		for i, t := range tasks {
			views[i].Task = t
			if format == "yaml" || format == "json" {
				if views[i].Cursors, err = db.ListCheckpointsContext(ctx, t.GUID); err != nil {
					fatalf("%v", err)
				}
			}
		}
		if err := writeTasks(os.Stdout, views, format); err != nil {
			fatalf("%v", err)
		}
	},
}

// taskView is a task with its cursors, as exported by task_list.
type taskView struct {
	store.Task `yaml:",inline"`
	Cursors    []store.Checkpoint `json:"cursors" yaml:"cursors"`
}

// writeTasks renders tasks as text, yaml or json.
func writeTasks(w io.Writer, tasks []taskView, format string) error {
	switch format {
	case "", "text":
		if len(tasks) == 0 {
			_, err := fmt.Fprintln(w, "Tasks list is empty.")
			return err
		}
		for _, t := range tasks {
			if _, err := fmt.Fprintf(w, "%s\n  Source: %s\n  Destination: %s\n", t.Name, t.Source, t.Destination); err != nil {
				return err
			}
		}
		return nil
	case "yaml":
		if tasks == nil {
			tasks = []taskView{}
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tasks); err != nil {
			return fmt.Errorf("failed to encode tasks: %w", err)
		}
		return enc.Close()
	case "json":
		if tasks == nil {
			tasks = []taskView{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	default:
		return fmt.Errorf("unknown format %q (want text, yaml or json)", format)
	}
}

func writeTaskDetail(w io.Writer, t taskView) {
	fmt.Fprintf(w, "%s\n", ui.RenderAccent(t.Name))
	fmt.Fprintf(w, "  GUID: %s\n", t.GUID)
	fmt.Fprintf(w, "  Source: %s\n", t.Source)
	fmt.Fprintf(w, "  Destination: %s\n", t.Destination)
	if len(t.Cursors) == 0 {
		fmt.Fprintf(w, "  %s\n", ui.RenderMuted("No files caught up yet."))
		return
	}
	fmt.Fprintln(w, "  Cursors:")
	for _, cp := range t.Cursors {
		last := "none"
		if cp.LastIndex != nil {
			last = strconv.FormatInt(*cp.LastIndex, 10)
		}
		fmt.Fprintf(w, "    %s: %s\n", cp.File, last)
	}
}

func init() {
	taskListCmd.Flags().String("format", "text", "Output format: text, yaml or json")

	rootCmd.AddCommand(taskAddCmd)
	rootCmd.AddCommand(taskDelCmd)
	rootCmd.AddCommand(taskShowCmd)
	rootCmd.AddCommand(taskListCmd)
}
