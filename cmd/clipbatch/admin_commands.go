package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/clipbatch/coordinator"
	"github.com/TFMV/clipbatch/internal/flight"
	"github.com/TFMV/clipbatch/internal/types"
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status [batch-id]",
		Short: "Show a batch, or queue depths when no batch is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCoordinator(func(coord *coordinator.Coordinator) error {
				if len(args) == 0 {
					return printQueues(cmd, coord, jsonOut)
				}
				batch, err := coord.Snapshot(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, batch)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderBatch(cmd, batch))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

type queueStats struct {
	Queue    string `json:"queue"`
	Waiting  int64  `json:"waiting"`
	InFlight int    `json:"inFlight"`
	Dead     int    `json:"dead"`
}

func printQueues(cmd *cobra.Command, coord *coordinator.Coordinator, jsonOut bool) error {
	var stats []queueStats
	for _, q := range []*coordinator.Queue{coord.Jobs(), coord.Archives()} {
		depth, err := q.Depth(cmd.Context())
		if err != nil {
			return err
		}
		inflight, err := q.InFlight(cmd.Context())
		if err != nil {
			return err
		}
		dead, err := q.Dead(cmd.Context())
		if err != nil {
			return err
		}
		stats = append(stats, queueStats{Queue: q.Name(), Waiting: depth, InFlight: len(inflight), Dead: len(dead)})
	}
	if jsonOut {
		return writeJSON(cmd, stats)
	}
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{s.Queue, strconv.FormatInt(s.Waiting, 10), strconv.Itoa(s.InFlight), strconv.Itoa(s.Dead)})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(), []string{"Queue", "Waiting", "In flight", "Dead"}, rows, []columnAlignment{alignLeft, alignRight, alignRight, alignRight}))
	return nil
}

func renderBatch(cmd *cobra.Command, batch *types.Batch) string {
	summary := [][]string{
		{"Batch", batch.BatchID},
		{"Status", string(batch.Status)},
		{"Progress", fmt.Sprintf("%d done, %d failed, %d expected", batch.Completed, batch.Failed, batch.Expected)},
		{"Created", batch.CreatedAt.Format(time.RFC3339)},
	}
	if batch.ArchiveReference != "" {
		summary = append(summary, []string{"Archive", batch.ArchiveReference})
	}
	out := renderTable(cmd.OutOrStdout(), []string{"Field", "Value"}, summary, nil)

	var rows [][]string
	for i, ref := range batch.Results {
		rows = append(rows, []string{strconv.Itoa(i), "result", ref})
	}
	for i, reason := range batch.Failures {
		rows = append(rows, []string{strconv.Itoa(i), "failure", reason})
	}
	if len(rows) > 0 {
		out += renderTable(cmd.OutOrStdout(), []string{"#", "Kind", "Detail"}, rows, []columnAlignment{alignRight})
	}
	return out
}

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	var reclaim, revive bool

	cmd := &cobra.Command{
		Use:   "requeue <video|zip> [payload...]",
		Short: "Return in-flight or dead-lettered items to their queue",
		Long: "Return in-flight or dead-lettered items to their queue.\n\n" +
			"With payloads, each one is moved from the processing list back to the queue. " +
			"With --expired, one reclaim sweep returns every item whose lease has expired. " +
			"With --dead, every dead-lettered item is queued again with a fresh delivery count.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCoordinator(func(coord *coordinator.Coordinator) error {
				q, err := queueByName(coord, args[0])
				if err != nil {
					return err
				}
				if revive {
					moved, err := q.Revive(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Revived %d item(s) on %s\n", moved, q.Name())
					return nil
				}
				if reclaim {
					moved, err := q.Reclaim(cmd.Context(), time.Now())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d item(s) on %s\n", moved, q.Name())
					return nil
				}
				payloads := args[1:]
				if len(payloads) == 0 {
					return errors.New("give at least one payload, --expired or --dead")
				}
				return requeuePayloads(cmd.Context(), q, payloads, func(format string, a ...any) {
					fmt.Fprintf(cmd.OutOrStdout(), format, a...)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&reclaim, "expired", false, "Reclaim every item whose lease has expired")
	cmd.Flags().BoolVar(&revive, "dead", false, "Queue every dead-lettered item again")
	cmd.MarkFlagsMutuallyExclusive("expired", "dead")
	return cmd
}

type requeuer interface {
	Requeue(ctx context.Context, payload string) error
}

func requeuePayloads(ctx context.Context, q requeuer, payloads []string, printf func(string, ...any)) error {
	var errs []error
	for _, p := range payloads {
		if err := q.Requeue(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		printf("Requeued %s\n", p)
	}
	return errors.Join(errs...)
}

func queueByName(coord *coordinator.Coordinator, name string) (*coordinator.Queue, error) {
	switch strings.ToLower(name) {
	case coordinator.JobQueueName, "jobs":
		return coord.Jobs(), nil
	case coordinator.ArchiveQueueName, "archives":
		return coord.Archives(), nil
	default:
		return nil, fmt.Errorf("unknown queue %q: want %s or %s", name, coordinator.JobQueueName, coordinator.ArchiveQueueName)
	}
}

func newManifestCommand(ctx *commandContext) *cobra.Command {
	var addr string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "manifest <batch-id>",
		Short: "Fetch a batch manifest from the Flight service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Flight.Address
			}
			client, err := flight.NewManifestClient(flight.ManifestClientConfig{Addr: addr})
			if err != nil {
				return err
			}
			defer client.Close()

			rec, err := client.GetManifest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rec.Release()

			rows, err := flight.Rows(rec)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, rows)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderManifest(cmd, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Flight service address (defaults to flight.address)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

func renderManifest(cmd *cobra.Command, rows []flight.Row) string {
	if len(rows) == 0 {
		return "Manifest is empty\n"
	}
	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		detail := r.ResultReference
		if detail == "" {
			detail = "failed: " + r.FailureReason
		}
		table = append(table, []string{strconv.Itoa(int(r.Position)), r.Status, detail})
	}
	out := renderTable(cmd.OutOrStdout(), []string{"#", "Status", "Result"}, table, []columnAlignment{alignRight})
	if archive := rows[0].ArchiveReference; archive != "" {
		out += "Archive: " + archive + "\n"
	}
	return out
}

func newObjectsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "objects <prefix>",
		Short: "List blob store keys under a prefix (e.g. processed/<batch-id>/)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closer, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closer.Close()

			keys, err := store.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No objects")
				return nil
			}
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, []string{k, store.Reference(k)})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(), []string{"Key", "Reference"}, rows, nil))
			return nil
		},
	}
}
