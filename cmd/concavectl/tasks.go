package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/concave/core/internal/task"
	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "inspect the task scheduler's queues",
}

var tasksQueueDepthCmd = &cobra.Command{
	Use:   "queue-depth",
	Short: "print pending task counts per priority bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, closer, err := connectStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		sched := task.NewScheduler(store, keyPrefix(cmd), cliLogger(cmd))
		depth, err := sched.GetQueueDepth(ctx)
		if err != nil {
			return fmt.Errorf("queue depth: %w", err)
		}

		buckets := make([]string, 0, len(depth))
		for bucket := range depth {
			buckets = append(buckets, bucket)
		}
		sort.Strings(buckets)

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "BUCKET\tDEPTH")
		for _, bucket := range buckets {
			fmt.Fprintf(w, "%s\t%d\n", bucket, depth[bucket])
		}
		return w.Flush()
	},
}

var tasksListName string

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "list tasks in a given status",
	Long:  "Status is one of: scheduled, running, completed, dead. Results are sorted by creation time, newest first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, closer, err := connectStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		sched := task.NewScheduler(store, keyPrefix(cmd), cliLogger(cmd))
		tasks, err := sched.GetTasks(ctx, task.TaskFilter{Status: task.Status(args[0]), Name: tasksListName})
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tATTEMPT\tPRIORITY\tSCHEDULED FOR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", t.ID, t.Name, t.Attempt, t.Priority, t.ScheduledFor.Format("2006-01-02T15:04:05Z07:00"))
		}
		return w.Flush()
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "cancel a pending or scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, closer, err := connectStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		sched := task.NewScheduler(store, keyPrefix(cmd), cliLogger(cmd))
		cancelled, err := sched.Cancel(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		if !cancelled {
			fmt.Printf("task %s was not in a cancellable state\n", args[0])
			return nil
		}
		fmt.Printf("task %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksListName, "name", "", "restrict the listing to tasks with this definition name")
	tasksCmd.AddCommand(tasksQueueDepthCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
}
