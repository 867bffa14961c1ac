package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := call("GET", "/jobs/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job (no-op if already finished)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call("DELETE", "/jobs/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("cancel requested")
			return nil
		},
	}
}

func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs JOB_ID",
		Short: "Print a job's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := callRaw("/jobs/" + args[0] + "/logs")
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events JOB_ID",
		Short: "Print a job's progress event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []map[string]any
			if err := call("GET", "/jobs/"+args[0]+"/events", nil, &events); err != nil {
				return err
			}
			return printJSON(events)
		},
	}
}

func newWorkersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List workers with capacity and health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var workers []map[string]any
			if err := call("GET", "/workers", nil, &workers); err != nil {
				return err
			}
			return printJSON(workers)
		},
	}
}
