package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/concave/core/internal/task"
	"github.com/spf13/cobra"
)

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "inspect and retry tasks that exhausted their retries",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "list dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closer, dlq, err := openDeadLetters(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		entries, err := dlq.List()
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tNAME\tATTEMPT/MAX\tFAILED AT\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", e.TaskID, e.Name, e.Attempt, e.MaxAttempts,
				e.FailedAt.Format("2006-01-02T15:04:05Z07:00"), e.LastError)
		}
		return w.Flush()
	},
}

var deadLettersGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "print one dead-lettered task's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closer, dlq, err := openDeadLetters(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		entry, found, err := dlq.Get(args[0])
		if err != nil {
			return fmt.Errorf("get dead letter: %w", err)
		}
		if !found {
			return fmt.Errorf("no dead letter %s", args[0])
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tNAME\tATTEMPT/MAX\tFAILED AT\tLAST ERROR")
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", entry.TaskID, entry.Name, entry.Attempt, entry.MaxAttempts,
			entry.FailedAt.Format("2006-01-02T15:04:05Z07:00"), entry.LastError)
		return w.Flush()
	},
}

var deadLettersPurgeCmd = &cobra.Command{
	Use:   "purge <older-than>",
	Short: "remove dead-lettered tasks older than the given duration, without requeuing them",
	Long:  "older-than accepts a Go duration (e.g. 72h, 30m).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		age, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("parse older-than: %w", err)
		}

		_, closer, dlq, err := openDeadLetters(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		purged, err := dlq.Purge(age.Milliseconds())
		if err != nil {
			return fmt.Errorf("purge dead letters: %w", err)
		}
		fmt.Printf("purged %d dead letters older than %s\n", purged, age)
		return nil
	},
}

var deadLettersRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "re-enqueue one dead-lettered task under a new task id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closer, dlq, err := openDeadLetters(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		retried, err := dlq.Retry(args[0])
		if err != nil {
			return fmt.Errorf("retry dead letter: %w", err)
		}
		fmt.Printf("re-enqueued as task %s\n", retried.ID)
		return nil
	},
}

var deadLettersRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "re-enqueue every dead-lettered task",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closer, dlq, err := openDeadLetters(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		n, err := dlq.RetryAll()
		if err != nil {
			return fmt.Errorf("retry all dead letters: %w", err)
		}
		fmt.Printf("re-enqueued %d tasks\n", n)
		return nil
	},
}

func openDeadLetters(cmd *cobra.Command) (context.Context, io.Closer, *task.DeadLetterQueue, error) {
	ctx := context.Background()
	store, closer, err := connectStore(ctx, cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, closer, task.NewDeadLetterQueue(store, keyPrefix(cmd), cliLogger(cmd)), nil
}

func init() {
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersGetCmd)
	deadLettersCmd.AddCommand(deadLettersPurgeCmd)
	deadLettersCmd.AddCommand(deadLettersRetryCmd)
	deadLettersCmd.AddCommand(deadLettersRetryAllCmd)
}
