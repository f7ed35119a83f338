// Package workspace materializes human-facing files in the project
// directory, chiefly the per-task required-docs markdown telling the
// user which inputs a blocked task is waiting for.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/util"
)

// MissingInput describes one unsatisfied requirement for a task.
type MissingInput struct {
	Name          string
	Kind          model.RequirementKind
	AcceptedTypes []string
	MinCount      int
	HaveCount     int
	Description   string
}

// WriteRequiredDocs writes required_docs/<task_id>.md listing what the
// task is waiting for and where to put it. An empty missing list
// removes a stale file instead.
func WriteRequiredDocs(ws config.Workspace, task *model.TaskNode, missing []MissingInput) error {
	path := ws.RequiredDocsPath(task.TaskID)
	if len(missing) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Required inputs for: %s\n\n", task.Title)
	fmt.Fprintf(&b, "Task `%s` is waiting for the inputs below. Updated %s.\n\n", task.TaskID, util.NowISO())
	for _, m := range missing {
		fmt.Fprintf(&b, "## %s\n\n", m.Name)
		if m.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", m.Description)
		}
		fmt.Fprintf(&b, "- kind: %s\n", m.Kind)
		if len(m.AcceptedTypes) > 0 {
			fmt.Fprintf(&b, "- accepted types: %s\n", strings.Join(m.AcceptedTypes, ", "))
		}
		fmt.Fprintf(&b, "- provided: %d of %d\n", m.HaveCount, m.MinCount)
		fmt.Fprintf(&b, "- suggested path: %s\n\n",
			filepath.Join(ws.InputsDir(), util.Slugify(m.Name))+string(os.PathSeparator))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
