package ui

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
)

// ErrAborted is returned when the user cancels a prompt.
var ErrAborted = errors.New("aborted")

// CanPrompt reports whether stdin and stdout are both terminals.
func CanPrompt() bool {
	return IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}

// TaskFields holds the inputs of task_add.
type TaskFields struct {
	Name        string
	Source      string
	Destination string
}

// Missing reports whether any field is empty.
func (f *TaskFields) Missing() bool {
	return f.Name == "" || f.Source == "" || f.Destination == ""
}

// PromptTask asks for the empty fields of f. Filled fields are shown as
// defaults.
func PromptTask(f *TaskFields) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Task name").
				Value(&f.Name).
				Validate(required("name")),
			huh.NewInput().
				Title("Source directory").
				Description("Directory holding the .db table files").
				Value(&f.Source).
				Validate(required("source")),
			huh.NewInput().
				Title("Destination").
				Description("SQLite file path or libsql:// URL").
				Value(&f.Destination).
				Validate(required("destination")),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ErrAborted
		}
		return fmt.Errorf("prompt failed: %w", err)
	}

	f.Name = strings.TrimSpace(f.Name)
	f.Source = strings.TrimSpace(f.Source)
	f.Destination = strings.TrimSpace(f.Destination)
	return nil
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
