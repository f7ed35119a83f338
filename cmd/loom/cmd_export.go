package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"taskloom/internal/deliver"
	"taskloom/internal/rewrite"
)

var (
	exportCandidates bool
	rewriteApply     bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the plan's deliverables with a manifest",
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
		exp := &deliver.Exporter{Store: e.store, WS: e.ws}
		dir, err := exp.Export(p.PlanID, deliver.Options{IncludeCandidates: exportCandidates})
		if err == deliver.ErrNothingApproved {
			return &userError{msg: "nothing to export: no artifact has been approved yet"}
		}
		if err != nil {
			return err
		}
		fmt.Println("deliverables exported to", dir)
		return nil
	},
}

var rewriteCmd = &cobra.Command{
	Use:   "rewrite",
	Short: "Plan (and optionally apply) structural repairs to the task graph",
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
		rw := &rewrite.Rewriter{Store: e.store, Runtime: e.rt, WS: e.ws}
		patches, err := rw.PlanPatches(p.PlanID)
		if err != nil {
			return err
		}
		if len(patches) == 0 {
			fmt.Println("the task graph is clean; nothing to rewrite")
			return nil
		}

		out, _ := json.MarshalIndent(patches, "", "  ")
		fmt.Println(string(out))
		if !rewriteApply {
			fmt.Println("\ndry run; re-run with --apply to apply the allowed patches")
			return nil
		}

		applied, err := rw.Apply(p.PlanID, patches)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d of %d patches\n", len(applied), len(patches))
		if len(applied) < len(patches) {
			return &userError{msg: "some patches need manual decomposition; see apply_allowed=false entries"}
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportCandidates, "include-candidates", false, "also export unapproved artifact versions")
	rewriteCmd.Flags().BoolVar(&rewriteApply, "apply", false, "apply the allowed patches")
	rootCmd.AddCommand(exportCmd, rewriteCmd)
}
