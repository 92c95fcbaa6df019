package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/planner"
)

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Create and inspect task workflows",
	}
	cmd.AddCommand(workflowCreateCmd(), workflowStatusCmd())
	return cmd
}

func workflowCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create <task-id>",
		Short: "Attach a workflow to a task",
		Long: "Without --file the stock plan/develop/review pipeline is attached.\n" +
			"With --file a user-authored workflow JSON is validated and attached.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			id, err := resolveTask(st, args[0])
			if err != nil {
				return err
			}
			t, err := st.GetTask(id)
			if err != nil {
				return err
			}
			var w *model.Workflow
			if file == "" {
				w = planner.Default(t)
			} else {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				w, err = planner.FromFile(t, data)
				if err != nil {
					return err
				}
			}
			if err := st.SaveWorkflow(w); err != nil {
				return err
			}
			if _, err := st.UpdateTask(id, func(t *model.Task) { t.WorkflowID = w.ID }); err != nil {
				return err
			}
			fmt.Printf("workflow %s (%d nodes) attached to %s\n", w.ID, len(w.Nodes), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition JSON")
	return cmd
}

func workflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show per-node execution state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			id, err := resolveTask(st, args[0])
			if err != nil {
				return err
			}
			w, err := st.GetWorkflow(id)
			if err != nil {
				return err
			}
			in, err := st.GetInstance(id)
			if err != nil {
				fmt.Printf("%s: %d nodes, not started\n", w.Name, len(w.Nodes))
				return nil
			}
			fmt.Printf("%s (%s)\n", w.Name, in.Status)
			for i := range w.Nodes {
				n := &w.Nodes[i]
				ns := in.State(n.ID)
				line := fmt.Sprintf("  %-20s %-9s %-8s", n.ID, n.Type, ns.Status)
				if ns.Attempts > 1 {
					line += fmt.Sprintf(" attempts=%d", ns.Attempts)
				}
				if ns.DurationMs > 0 {
					line += fmt.Sprintf(" %dms", ns.DurationMs)
				}
				if ns.Error != "" {
					line += " error=" + ns.Error
				}
				fmt.Println(line)
			}
			if in.Error != "" {
				fmt.Println("error:", in.Error)
			}
			return nil
		},
	}
}
