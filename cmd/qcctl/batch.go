package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"github.com/spf13/cobra"
)

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <batchId>",
		Short: "Show a batch with its sample statistics and decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			remote, err := remoteClient(cmd)
			if err != nil {
				return err
			}
			if remote != nil {
				batch, err := remote.GetBatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), batch)
				}
				return printBatch(cmd.OutOrStdout(), batch.record())
			}

			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			batch, err := repository.NewGormBatchRepo(env.db).GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), batchToAPI(batch))
			}
			return printBatch(cmd.OutOrStdout(), batch)
		},
	}

	cmd.Flags().Bool("json", false, "print the full batch record as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBatch(w io.Writer, b *domain.BatchRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	rows := [][2]string{
		{"id", b.ID},
		{"survey", b.SurveyID},
		{"interviewer", b.InterviewerID},
		{"date", b.BatchDate},
		{"status", b.Status.String()},
		{"responses", fmt.Sprintf("%d", b.TotalResponses)},
		{"sample", fmt.Sprintf("%d (%s)", b.SampleSize, strings.Join(b.Sample, ", "))},
		{"remaining", fmt.Sprintf("%d", b.RemainingSize)},
		{"approved/rejected/pending", fmt.Sprintf("%d/%d/%d",
			b.SampleStats.ApprovedCount, b.SampleStats.RejectedCount, b.SampleStats.PendingCount)},
		{"approval rate", fmt.Sprintf("%.2f%%", b.SampleStats.ApprovalRate)},
		{"decision", b.RemainingDecision.Decision.String()},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}
