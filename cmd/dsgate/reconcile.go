package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dsgate/internal/api"
	"dsgate/internal/config"
)

// maxReconcilePasses bounds --all so a store that keeps growing cannot
// keep the command running forever.
const maxReconcilePasses = 10000

func newReconcileCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	var (
		req api.ReconcileRequest
		all bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation sweep over records and blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.ScanLimit < 0 {
				return fmt.Errorf("--scan-limit must be >= 0")
			}

			return withClient(cfg, func(client *api.Client) error {
				var (
					report api.ReconcileResponse
					err    error
				)
				if all {
					report, err = reconcileAll(cmd.Context(), client, req)
				} else {
					report, err = client.Reconcile(cmd.Context(), req)
				}
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(report)
				}
				if err := writeReport(report); err != nil {
					return err
				}
				if !all && (report.NextBlobPageToken != "" || report.NextRecordPageToken != "") {
					return writePlain("resume with: --record-page-token %q --blob-page-token %q\n",
						report.NextRecordPageToken, report.NextBlobPageToken)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&req.ScanLimit, "scan-limit", 0, "max items scanned per side (0 uses the server default)")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "report orphans without resolving them")
	cmd.Flags().StringVar(&req.BlobPageToken, "blob-page-token", "", "resume the blob side from this token")
	cmd.Flags().StringVar(&req.RecordPageToken, "record-page-token", "", "resume the record side from this token")
	cmd.Flags().BoolVar(&all, "all", false, "repeat sweeps until both sides are fully scanned")
	return cmd
}

// reconcileAll repeats sweeps until each side has returned an empty token at
// least once, summing the counts. A finished side restarts from the
// beginning on later passes.
func reconcileAll(ctx context.Context, client *api.Client, req api.ReconcileRequest) (api.ReconcileResponse, error) {
	total := api.ReconcileResponse{DryRun: req.DryRun}
	blobsDone, recordsDone := false, false

	for pass := 0; pass < maxReconcilePasses; pass++ {
		report, err := client.Reconcile(ctx, req)
		if err != nil {
			return total, err
		}
		addReport(&total, report)

		if report.NextBlobPageToken == "" {
			blobsDone = true
		}
		if report.NextRecordPageToken == "" {
			recordsDone = true
		}
		if blobsDone && recordsDone {
			return total, nil
		}
		req.BlobPageToken = report.NextBlobPageToken
		req.RecordPageToken = report.NextRecordPageToken
	}

	total.NextBlobPageToken = req.BlobPageToken
	total.NextRecordPageToken = req.RecordPageToken
	return total, nil
}

func addReport(total *api.ReconcileResponse, report api.ReconcileResponse) {
	total.RecordsScanned += report.RecordsScanned
	total.BlobsScanned += report.BlobsScanned
	total.OrphansFound += report.OrphansFound
	total.OrphansResolved += report.OrphansResolved
	total.PendingSkipped += report.PendingSkipped
	total.Failed += report.Failed
	total.Resolutions = append(total.Resolutions, report.Resolutions...)
}
