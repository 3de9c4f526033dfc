package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

func newEnqueueCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue <job_type> <target_key>...",
		Short: "Create crawl jobs for explicit target keys",
		Long: `Creates one PENDING job per target key. Keys whose job is already
pending or leased are skipped.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobType, err := ingest.ParseJobType(args[0])
			if err != nil {
				return err
			}
			created, err := appInstance.Producer().Enqueue(cmd.Context(), jobType, args[1:], priority)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d of %d %s jobs\n", created, len(args)-1, jobType)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority, lower runs first")
	return cmd
}

func newProduceCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "produce <job_type>",
		Short: "List a source once and enqueue every target not in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobType, err := ingest.ParseJobType(args[0])
			if err != nil {
				return err
			}
			res, err := appInstance.Producer().Produce(cmd.Context(), jobType, priority)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listed %d, created %d %s jobs\n", res.Listed, res.Created, res.JobType)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 100, "job priority, lower runs first")
	return cmd
}
