package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cah/internal/bus"
	"github.com/nextlevelbuilder/cah/internal/daemon"
	"github.com/nextlevelbuilder/cah/internal/model"
)

func selfCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "self",
		Short: "Self-inspection and self-improvement",
	}
	cmd.AddCommand(selfCheckCmd(), selfEvolveCmd(), selfDriveCmd())
	return cmd
}

func selfEvolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evolve",
		Short: "Run one evolution pass now instead of waiting for the hourly sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			d := daemon.New(cfg, st, bus.New())
			insight, err := d.Evolve(cmd.Context())
			if err != nil {
				return err
			}
			if insight == nil {
				fmt.Println("no recent failures, nothing to learn")
				return nil
			}
			fmt.Printf("insight recorded (failed tasks: %d)\n", insight.FailedTasks)
			if insight.Observations != "" {
				fmt.Println("observations:", insight.Observations)
			}
			if insight.SuggestedTask != "" {
				fmt.Println("suggested follow-up:", insight.SuggestedTask)
			}
			return nil
		},
	}
}

func selfCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Analyze the last 24h of failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			d := daemon.New(cfg, st, bus.New())
			insight, err := d.SelfCheck(cmd.Context())
			if err != nil {
				return err
			}
			if insight == nil {
				fmt.Println("no recent failures, nothing to learn")
				return nil
			}
			fmt.Printf("failed tasks (24h): %d\n", insight.FailedTasks)
			if insight.Observations != "" {
				fmt.Println("observations:", insight.Observations)
			}
			if insight.SuggestedTask != "" {
				fmt.Println("suggested follow-up:", insight.SuggestedTask)
				fmt.Println("run `cah self drive` to queue it")
			}
			return nil
		},
	}
}

func selfDriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drive",
		Short: "Queue a selfdrive task from the latest self check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			d := daemon.New(cfg, st, bus.New())
			insight, err := d.SelfCheck(cmd.Context())
			if err != nil {
				return err
			}
			if insight == nil || insight.SuggestedTask == "" {
				fmt.Println("nothing to drive right now")
				return nil
			}
			title := insight.SuggestedTask
			if len(title) > 80 {
				title = title[:80]
			}
			t := model.NewTask(title, insight.SuggestedTask, model.PriorityLow, model.SourceSelfdrive)
			if err := st.SaveTask(t); err != nil {
				return err
			}
			fmt.Println(t.ID)
			return nil
		},
	}
}
