package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"formrelay/pkg/client"
)

func newLogsCmd() *cobra.Command {
	var (
		follow   bool
		afterID  uint64
		level    string
		campaign string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "logs [job-id]",
		Short: "Read job logs, historical or live",
		Long: "Without --follow, reads a page of stored logs. With --follow, streams\n" +
			"live logs for the job, recovering automatically from disconnects.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}

			jobID := ""
			if len(args) == 1 {
				jobID = args[0]
			}

			if follow {
				if jobID == "" {
					return followAll(cmd, session)
				}
				return followJob(cmd, session, jobID, afterID)
			}

			page, err := session.QueryLogs(cmd.Context(), client.LogQuery{
				JobID:      jobID,
				CampaignID: campaign,
				Level:      level,
				Limit:      limit,
				Offset:     offset,
			})
			if err != nil {
				return err
			}

			for _, rec := range page.Items {
				printRecord(rec)
			}
			if int64(offset+len(page.Items)) < page.Total {
				fmt.Printf("... %d of %d records, use --offset %d for more\n",
					len(page.Items), page.Total, offset+len(page.Items))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs live")
	cmd.Flags().Uint64Var(&afterID, "after-id", 0, "Start after this record id (with --follow)")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level (DEBUG, INFO, WARN, ERROR)")
	cmd.Flags().StringVar(&campaign, "campaign", "", "Filter by campaign id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

// followJob streams one job to stdout until it finishes, surviving
// disconnects via the reconciler.
func followJob(cmd *cobra.Command, session *client.Session, jobID string, afterID uint64) error {
	rec := client.NewReconciler(session, jobID, printRecord)
	if afterID > 0 {
		rec.StartAfter(afterID)
	}

	if err := rec.Run(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("Job %s finished: %s\n", jobID, rec.TerminalState())
	return nil
}

// followAll tails the live stream across all of the account's jobs.
func followAll(cmd *cobra.Command, session *client.Session) error {
	stream, err := session.StreamAllLogs(cmd.Context())
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}
		if ev.Kind == client.EventRecord {
			printRecord(ev.Record)
		}
	}
}

func printRecord(rec client.Record) {
	fmt.Printf("%s  %-5s  [%s#%d]  %s\n",
		rec.Timestamp.Local().Format(time.TimeOnly), rec.Level,
		shortID(rec.JobID), rec.ID, rec.Message)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
