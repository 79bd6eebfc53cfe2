package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}

			job, err := session.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Job:       %s\n", job.ID)
			fmt.Printf("State:     %s\n", job.State)
			fmt.Printf("Dataset:   %s\n", job.Dataset)
			if job.CampaignID != "" {
				fmt.Printf("Campaign:  %s\n", job.CampaignID)
			}
			fmt.Printf("Targets:   %d\n", job.Targets)
			fmt.Printf("Created:   %s\n", job.CreatedAt.Local().Format(time.RFC1123))
			fmt.Printf("Updated:   %s\n", job.UpdatedAt.Local().Format(time.RFC1123))
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}

			jobs, err := session.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tSTATE\tDATASET\tTARGETS\tCREATED")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					job.ID, job.State, job.Dataset, job.Targets,
					job.CreatedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
