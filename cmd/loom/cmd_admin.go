package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"taskloom/internal/observe"
	"taskloom/internal/store"
)

var (
	forceFlag    bool
	cleanupKeep  int
	doctorAll    bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the database schema and the plan graph for defects",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		planID := ""
		if !doctorAll {
			if p, err := e.resolvePlan(); err == nil {
				planID = p.PlanID
			}
		}
		findings, err := e.reporter().Doctor(planID)
		if err != nil {
			return err
		}
		fmt.Print(observe.RenderFindings(findings))
		for _, f := range findings {
			if f.Severity == observe.SeverityError {
				return &userError{msg: "doctor found problems; see the findings above"}
			}
		}
		return nil
	},
}

var repairDBCmd = &cobra.Command{
	Use:   "repair-db",
	Short: "Recreate missing tables and re-run pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()
		// Open already creates the schema and applies migrations; a
		// second explicit pass catches databases touched by hand.
		if err := e.store.RunMigrations(); err != nil {
			return err
		}
		fmt.Println("database schema is up to date")
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Dump the plan state to a JSON snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.resolvePlan()
		if err != nil {
			return err
		}
		path, err := e.reporter().Snapshot(p.PlanID)
		if err != nil {
			return err
		}
		fmt.Println("snapshot written:", path)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old snapshots, keeping the newest ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		entries, err := filepath.Glob(filepath.Join(e.ws.SnapshotsDir(), "*"))
		if err != nil {
			return err
		}
		sort.Sort(sort.Reverse(sort.StringSlice(entries)))
		removed := 0
		for i, path := range entries {
			if i < cleanupKeep {
				continue
			}
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		fmt.Printf("removed %d old snapshots, kept %d\n", removed, min(cleanupKeep, len(entries)))
		return nil
	},
}

var resetDBCmd = &cobra.Command{
	Use:   "reset-db",
	Short: "Delete the state database (requires --force)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !forceFlag {
			return &userError{msg: "reset-db deletes all engine state; re-run with --force to confirm"}
		}
		ws := configWorkspace()
		for _, suffix := range []string{"", "-wal", "-shm"} {
			path := ws.DBPath() + suffix
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		fmt.Println("state database removed")
		return nil
	},
}

var resetToPlanCmd = &cobra.Command{
	Use:   "reset-to-plan <snapshot-db>",
	Short: "Restore the state database from a rewrite snapshot (requires --force)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !forceFlag {
			return &userError{msg: "reset-to-plan overwrites the current state; re-run with --force to confirm"}
		}
		src := args[0]
		if _, err := os.Stat(src); err != nil {
			return &userError{msg: fmt.Sprintf("snapshot not found: %s", src)}
		}
		ws := configWorkspace()
		for _, suffix := range []string{"-wal", "-shm"} {
			_ = os.Remove(ws.DBPath() + suffix)
		}
		if err := copyOver(src, ws.DBPath()); err != nil {
			return err
		}
		// Verify the restored database opens.
		st, err := store.Open(ws.DBPath())
		if err != nil {
			return fmt.Errorf("restored database is unusable: %w", err)
		}
		st.Close()
		fmt.Println("state database restored from", src)
		return nil
	},
}

func copyOver(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorAll, "schema-only", false, "check only the database schema")
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 5, "snapshots to keep")
	resetDBCmd.Flags().BoolVar(&forceFlag, "force", false, "confirm the destructive operation")
	resetToPlanCmd.Flags().BoolVar(&forceFlag, "force", false, "confirm the destructive operation")
	rootCmd.AddCommand(doctorCmd, repairDBCmd, snapshotCmd, cleanupCmd, resetDBCmd, resetToPlanCmd)
}
