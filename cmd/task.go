package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cah/internal/engine"
	"github.com/nextlevelbuilder/cah/internal/messenger"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/queue"
	"github.com/nextlevelbuilder/cah/internal/store"
	"github.com/nextlevelbuilder/cah/internal/supervisor"
)

func runCmd() *cobra.Command {
	var priority string
	var title string
	cmd := &cobra.Command{
		Use:   "run <description>",
		Short: "Create a task; the daemon picks it up on its next poll",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			desc := args[0]
			for _, a := range args[1:] {
				desc += " " + a
			}
			if title == "" {
				title = desc
				if len(title) > 100 {
					title = title[:100]
				}
			}
			p := model.TaskPriority(priority)
			switch p {
			case model.PriorityLow, model.PriorityMedium, model.PriorityHigh:
			default:
				return fmt.Errorf("%w: priority must be low, medium, or high", errUsage)
			}
			t := model.NewTask(title, desc, p, model.SourceUser)
			if err := st.SaveTask(t); err != nil {
				return err
			}
			fmt.Println(t.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "task priority (low|medium|high)")
	cmd.Flags().StringVarP(&title, "title", "t", "", "short title (default: first 100 chars of the description)")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and control tasks",
	}
	cmd.AddCommand(
		taskListCmd(), taskGetCmd(), taskLogsCmd(), taskStopCmd(),
		taskPauseCmd(), taskResumeCmd(), taskDeleteCmd(), taskCompleteCmd(),
		taskRejectCmd(), taskApproveCmd(), taskClearCmd(), taskSnapshotCmd(),
		taskMsgCmd(), taskInjectNodeCmd(),
	)
	return cmd
}

// resolveTask resolves an id or prefix argument against the store.
func resolveTask(st *store.Store, arg string) (string, error) {
	id, err := st.ResolveTaskID(arg)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("no task matches %q", arg)
		}
		return "", err
	}
	return id, nil
}

func newSupervisor(st *store.Store) *supervisor.Supervisor {
	return supervisor.New(st, queue.New(st.QueuePath()), "")
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			tasks, err := st.GetAllTasks()
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if status != "" && string(t.Status) != status {
					continue
				}
				fmt.Printf("%s  %-10s  %-6s  %s\n", t.ID, t.Status, t.Priority, t.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task with progress and output",
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
			t, err := st.GetTask(id)
			if err != nil {
				return err
			}
			fmt.Printf("id:        %s\ntitle:     %s\nstatus:    %s\npriority:  %s\nsource:    %s\ncreated:   %s\n",
				t.ID, t.Title, t.Status, t.Priority, t.Source, t.CreatedAt.Format(time.RFC3339))
			if in, err := st.GetInstance(id); err == nil {
				done := 0
				for _, ns := range in.NodeStates {
					if ns.Status == model.NodeDone {
						done++
					}
				}
				fmt.Printf("progress:  %d/%d nodes (%s)\n", done, len(in.NodeStates), in.Status)
				if in.Error != "" {
					fmt.Printf("error:     %s\n", in.Error)
				}
			}
			if info, err := st.GetProcessInfo(id); err == nil {
				fmt.Printf("process:   pid %d (%s)\n", info.PID, info.Status)
			}
			if stats, err := st.GetStats(id); err == nil && stats.NodesDone > 0 {
				fmt.Printf("stats:     %d nodes done, %d failed, $%.4f\n", stats.NodesDone, stats.NodesFailed, stats.CostUSD)
			}
			if t.Output != nil && t.Output.Summary != "" {
				fmt.Printf("summary:   %s\n", t.Output.Summary)
			}
			return nil
		},
	}
}

func taskLogsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Tail a task's execution log",
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
			out, err := messenger.TailLog(st, id, lines)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines")
	return cmd
}

func taskStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Cancel a task and kill its subprocess",
		Args:  cobra.ExactArgs(1),
		RunE: taskAction(func(st *store.Store, id string) error {
			return newSupervisor(st).Stop(id)
		}),
	}
}

func taskPauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a task at its next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: taskAction(func(st *store.Store, id string) error {
			return newSupervisor(st).Pause(id, reason)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is paused")
	return cmd
}

func taskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused or crashed task",
		Args:  cobra.ExactArgs(1),
		RunE: taskAction(func(st *store.Store, id string) error {
			return newSupervisor(st).Resume(id)
		}),
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a task and all its files",
		Args:  cobra.ExactArgs(1),
		RunE: taskAction(func(st *store.Store, id string) error {
			if t, err := st.GetTask(id); err == nil && !t.Status.IsTerminal() {
				if err := newSupervisor(st).Stop(id); err != nil {
					return err
				}
			}
			return st.DeleteTask(id)
		}),
	}
}

func taskCompleteCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Force-complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: taskAction(func(st *store.Store, id string) error {
			return newSupervisor(st).Complete(id, summary)
		}),
	}
	cmd.Flags().StringVar(&summary, "summary", "completed manually", "recorded summary")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Force-fail a task",
		Args:  cobra.ExactArgs(1),
		RunE: taskAction(func(st *store.Store, id string) error {
			return newSupervisor(st).Reject(id, reason)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "rejected manually", "recorded reason")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var node, reason string
	var reject bool
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Answer a waiting approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: taskAction(func(st *store.Store, id string) error {
			return engine.ApplyApproval(st, queue.New(st.QueuePath()), id, node, !reject, reason)
		}),
	}
	cmd.Flags().StringVar(&node, "node", "", "gate node id (default: the single waiting node)")
	cmd.Flags().StringVar(&reason, "reason", "", "recorded reason")
	cmd.Flags().BoolVar(&reject, "reject", false, "record a rejection instead")
	return cmd
}

func taskClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all terminal tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			tasks, err := st.GetAllTasks()
			if err != nil {
				return err
			}
			removed := 0
			for _, t := range tasks {
				if !t.Status.IsTerminal() {
					continue
				}
				if err := st.DeleteTask(t.ID); err != nil {
					return err
				}
				removed++
			}
			fmt.Printf("removed %d tasks\n", removed)
			return nil
		},
	}
}

func taskSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <id>",
		Short: "Dump a task's state files as one JSON document",
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
			snap := map[string]any{}
			if t, err := st.GetTask(id); err == nil {
				snap["task"] = t
			}
			if w, err := st.GetWorkflow(id); err == nil {
				snap["workflow"] = w
			}
			if in, err := st.GetInstance(id); err == nil {
				snap["instance"] = in
			}
			if info, err := st.GetProcessInfo(id); err == nil {
				snap["process"] = info
			}
			if stats, err := st.GetStats(id); err == nil {
				snap["stats"] = stats
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func taskMsgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "msg <id> <text>",
		Short: "Record a message on a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			id, err := resolveTask(st, args[0])
			if err != nil {
				return err
			}
			text := args[1]
			for _, a := range args[2:] {
				text += " " + a
			}
			return st.AppendMessage(id, map[string]any{
				"text": text,
				"from": "cli",
				"at":   time.Now().Format(time.RFC3339),
			})
		},
	}
}

func taskInjectNodeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "inject-node <id>",
		Short: "Add a node (and edges) to a stored workflow",
		Long: "Reads {\"node\": {...}, \"edges\": [...]} from --file and appends it to the\n" +
			"task's workflow. The updated workflow must still validate. Only safe while\n" +
			"the target nodes have not run yet.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("%w: --file is required", errUsage)
			}
			_, st, err := openStore()
			if err != nil {
				return err
			}
			id, err := resolveTask(st, args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var patch struct {
				Node  model.Node   `json:"node"`
				Edges []model.Edge `json:"edges"`
			}
			if err := json.Unmarshal(data, &patch); err != nil {
				return fmt.Errorf("parse patch: %w", err)
			}
			w, err := st.GetWorkflow(id)
			if err != nil {
				return err
			}
			w.Nodes = append(w.Nodes, patch.Node)
			for i, e := range patch.Edges {
				if e.ID == "" {
					e.ID = fmt.Sprintf("inj%d-%d", len(w.Edges), i)
				}
				w.Edges = append(w.Edges, e)
			}
			w.Version++
			if err := w.Validate(); err != nil {
				return fmt.Errorf("patched workflow invalid: %w", err)
			}
			if err := st.SaveWorkflow(w); err != nil {
				return err
			}
			// A live instance needs a state slot for the new node.
			if in, err := st.GetInstance(id); err == nil {
				in.State(patch.Node.ID)
				if err := st.SaveInstance(id, in); err != nil {
					return err
				}
			}
			fmt.Printf("injected node %s (workflow v%d)\n", patch.Node.ID, w.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON patch file")
	return cmd
}

func taskAction(fn func(st *store.Store, id string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		id, err := resolveTask(st, args[0])
		if err != nil {
			return err
		}
		if err := fn(st, id); err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}
}
