package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskloom/internal/model"
	"taskloom/internal/observe"
)

var (
	eventsTask  string
	eventsLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the plan's progress and what it is waiting for",
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
		st, err := e.reporter().BuildStatus(p.PlanID)
		if err != nil {
			return err
		}
		fmt.Print(observe.Render(st.Markdown()))
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent engine events",
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
		events, err := listEvents(e, p.PlanID)
		if err != nil {
			return err
		}
		for _, ev := range events {
			payload, _ := json.Marshal(ev.Payload)
			fmt.Printf("%s  %-16s task=%s %s\n",
				ev.CreatedAt.Format(time.RFC3339), ev.EventType, short(ev.TaskID), payload)
		}
		return nil
	},
}

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List recorded errors for the plan",
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
		events, err := e.store.ListErrorEvents(p.PlanID, eventsLimit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			code, _ := ev.Payload["error_code"].(string)
			msg, _ := ev.Payload["message"].(string)
			fmt.Printf("%s  %-24s task=%s %s\n",
				ev.CreatedAt.Format(time.RFC3339), code, short(ev.TaskID), msg)
		}
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the full status report as markdown to stdout",
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
		st, err := e.reporter().BuildStatus(p.PlanID)
		if err != nil {
			return err
		}
		fmt.Print(st.Markdown())
		return nil
	},
}

func listEvents(e *env, planID string) ([]*model.Event, error) {
	if eventsTask != "" {
		return e.store.ListTaskEvents(eventsTask, eventsLimit)
	}
	return e.store.ListEvents(planID, eventsLimit)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

func init() {
	eventsCmd.Flags().StringVar(&eventsTask, "task", "", "limit to one task id")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "maximum rows")
	errorsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "maximum rows")
	rootCmd.AddCommand(statusCmd, eventsCmd, errorsCmd, reportCmd)
}
