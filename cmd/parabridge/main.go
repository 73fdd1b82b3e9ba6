package main

import (
	"fmt"
	"os"

	"github.com/echoix/parabridge/internal/config"
	"github.com/echoix/parabridge/internal/control"
	"github.com/echoix/parabridge/internal/store"
	"github.com/echoix/parabridge/internal/ui"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parabridge",
	Short: "Mirror Paradox tables into SQLite",
	Long: `parabridge keeps SQLite (or libSQL/Turso) copies of append-only Paradox
tables up to date.

A background daemon polls the source directory of every task, reads the
records appended to each .db file since the last pass and inserts them
into a table of the same name in the task destination.

Settings live in ~/.parabridge (override with PARABRIDGE_HOME).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon Commands:"},
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("Warning:"), fmt.Sprintf(format, args...))
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fatalf("failed to load configuration: %v", err)
	}
	return cfg
}

// openStore opens the settings database. Task changes made through it
// are announced to a running daemon.
func openStore(cfg *config.Config) *store.DB {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		fatalf("%v", err)
	}
	db.SetNotifier(control.NewClient(cfg.Control.Addr()))
	return db
}
