package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Advance the pipeline by one unit of work",
		Long: `Loads the saved state, performs one tick, saves the result and prints
the next action. Meant for cron-style hosts.

A tick that halts the sync saves the error state and exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.runner.RunOnce(ctx)
			if res.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "skipped: tick lock held by another host")
				return nil
			}
			if err != nil && !errors.Is(err, pipeline.ErrSyncHalted) {
				return err
			}
			printTick(cmd.OutOrStdout(), res.State, res.Action)
			return err
		},
	}
}

func newResetCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all progress and start a fresh cycle",
		Long: `Replaces the saved state with a fresh cycle and discards the identifier
of any in-flight batch job. Required after a halt unless a cycle interval
is configured.

With --purge nothing is saved: the state, the batch identifier and the
recorded rate limit window are all removed, as if the pipeline never ran.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.pipeline.Reset(ctx)
			if err != nil {
				return fmt.Errorf("reset pipeline: %w", err)
			}

			if purge {
				if err := rt.states.Delete(ctx); err != nil {
					return err
				}
				if err := rt.limits.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged pipeline %s\n", cfg.PipelineID)
				return nil
			}

			if err := rt.states.Save(ctx, st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset pipeline %s, new cycle %s\n", cfg.PipelineID, st.CycleID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "remove all stored data instead of saving a fresh cycle")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the saved pipeline state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, found, err := rt.states.Load(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !found {
				fmt.Fprintf(out, "pipeline %s: no saved state\n", cfg.PipelineID)
				return nil
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summarize(st))
			}
			printStatus(out, cfg.PipelineID, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

type resourceStatus struct {
	State pipeline.ResourceState `json:"state"`
	Error string                 `json:"error,omitempty"`
}

type status struct {
	CycleID   string         `json:"cycle_id"`
	Phase     string         `json:"phase"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Campaigns resourceStatus `json:"campaigns"`
	Reports   resourceStatus `json:"reports"`
	Dispatch  resourceStatus `json:"dispatch"`
	Loaded    int            `json:"campaigns_loaded"`
	Queue     int            `json:"reports_queued"`
	BatchID   string         `json:"batch_id,omitempty"`
	Sent      int            `json:"events_sent"`
	Total     int            `json:"events_total"`
}

func summarize(st pipeline.State) status {
	s := status{
		CycleID:   st.CycleID,
		Phase:     st.Phase(),
		StartedAt: st.StartedAt,
		UpdatedAt: st.UpdatedAt,
		Campaigns: resourceStatus{st.Campaigns.State, st.Campaigns.Error},
		Reports:   resourceStatus{st.Reports.State, st.Reports.Error},
		Dispatch:  resourceStatus{st.Dispatch.State, st.Dispatch.Error},
		Loaded:    len(st.Campaigns.Items),
		Queue:     len(st.Reports.Queue),
		Sent:      st.Dispatch.Cursor,
		Total:     st.Dispatch.Total,
	}
	if job := st.Reports.Batch.Job; job != nil {
		s.BatchID = job.ID
	}
	return s
}

func printStatus(w io.Writer, pipelineID string, st pipeline.State) {
	s := summarize(st)
	fmt.Fprintf(w, "pipeline:  %s\n", pipelineID)
	fmt.Fprintf(w, "cycle:     %s (started %s)\n", s.CycleID, s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "phase:     %s\n", s.Phase)
	for _, r := range []struct {
		name string
		res  resourceStatus
	}{
		{pipeline.ResourceCampaigns, s.Campaigns},
		{pipeline.ResourceReports, s.Reports},
		{pipeline.ResourceDispatch, s.Dispatch},
	} {
		line := fmt.Sprintf("%-10s %s", r.name+":", r.res.State)
		if r.res.Error != "" {
			line += " (" + r.res.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "campaigns loaded: %d, reports queued: %d\n", s.Loaded, s.Queue)
	if s.BatchID != "" {
		fmt.Fprintf(w, "batch in flight: %s\n", s.BatchID)
	}
	fmt.Fprintf(w, "events sent: %d/%d\n", s.Sent, s.Total)
}

func printTick(w io.Writer, st pipeline.State, action pipeline.NextAction) {
	line := fmt.Sprintf("phase=%s next=%s reason=%q", st.Phase(), action.Kind, action.Reason)
	if action.Kind == pipeline.ActionRetryAfter {
		line += fmt.Sprintf(" delay=%s", action.Delay)
	}
	fmt.Fprintln(w, line)
}
