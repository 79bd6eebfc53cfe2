package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"formrelay/pkg/client"
)

func newSubmitCmd() *cobra.Command {
	var (
		proxy          string
		campaignID     string
		haltOnObstacle bool
		follow         bool
	)

	cmd := &cobra.Command{
		Use:   "submit <leads.csv>",
		Short: "Submit a lead dataset as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}

			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open dataset: %w", err)
			}
			defer file.Close()

			jobID, err := session.Submit(cmd.Context(), client.SubmitRequest{
				DatasetName:    filepath.Base(args[0]),
				Dataset:        file,
				Proxy:          proxy,
				CampaignID:     campaignID,
				HaltOnObstacle: haltOnObstacle,
			})
			if err != nil {
				return fmt.Errorf("submission failed: %w", err)
			}

			fmt.Printf("Job submitted: %s\n", jobID)
			if !follow {
				return nil
			}
			return followJob(cmd, session, jobID, 0)
		},
	}

	cmd.Flags().StringVar(&proxy, "proxy", "", "Proxy URL for outbound submissions")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "Campaign id to tag submissions with")
	cmd.Flags().BoolVar(&haltOnObstacle, "halt-on-obstacle", false, "Stop the job at the first captcha or block")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow the job's logs after submitting")
	return cmd
}
