package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Inspect and override the versioned prompt templates",
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered prompts and their latest version",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		versions, err := e.store.ListPromptNames()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(versions))
		for name := range versions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%-24s v%d\n", name, versions[name])
		}
		return nil
	},
}

var promptShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print the latest version of a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.store.LatestPrompt(args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return &userError{msg: fmt.Sprintf("no prompt named %q; see `loom prompt list`", args[0])}
		}
		fmt.Printf("# %s v%d (sha256 %s)\n\n", p.Name, p.Version, p.SHA256)
		fmt.Println(p.Content)
		return nil
	},
}

var promptSetCmd = &cobra.Command{
	Use:   "set <name> <file>",
	Short: "Register a new version of a prompt from a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		content, err := os.ReadFile(args[1])
		if err != nil {
			return &userError{msg: fmt.Sprintf("cannot read %s: %v", args[1], err)}
		}
		p, err := e.store.RegisterPrompt(args[0], string(content))
		if err != nil {
			return err
		}
		fmt.Printf("registered %s v%d (sha256 %s)\n", p.Name, p.Version, p.SHA256)
		return nil
	},
}

func init() {
	promptCmd.AddCommand(promptListCmd, promptShowCmd, promptSetCmd)
	rootCmd.AddCommand(promptCmd)
}
