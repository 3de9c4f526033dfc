package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and recover crawl jobs",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsRequeueCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		status  string
		jobType string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, by default the DEAD ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			filter := ingest.JobFilter{Limit: limit}
			if status != "" {
				if filter.Status, err = ingest.ParseJobStatus(status); err != nil {
					return err
				}
			}
			if jobType != "" {
				if filter.JobType, err = ingest.ParseJobType(jobType); err != nil {
					return err
				}
			}
			jobs, err := appInstance.Jobs().ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")
			for _, job := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					job.ID, job.JobType, job.TargetKey, job.Status, job.AttemptCount,
					job.UpdatedAt.Format(time.RFC3339), job.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", string(ingest.JobStatusDead), "status filter, empty for all")
	cmd.Flags().StringVar(&jobType, "job-type", "", "job type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func newJobsRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job_id>...",
		Short: "Return DEAD or FAILED jobs to PENDING with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, jobID := range args {
				job, err := appInstance.Jobs().RequeueJob(cmd.Context(), jobID)
				if err != nil {
					return fmt.Errorf("requeue %s: %w", jobID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s %s)\n", job.ID, job.JobType, job.TargetKey)
			}
			return nil
		},
	}
}
