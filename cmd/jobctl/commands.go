package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"genqueue/internal/domain"
	"genqueue/internal/jobs"
	"genqueue/internal/worker"
	"genqueue/pkg/zip"
)

func newEnqueueCmd(c *cli) *cobra.Command {
	var (
		req                  jobs.Request
		steps, width, height int
		seed                 int
		guidance             float64
	)
	cmd := &cobra.Command{
		Use:   "enqueue PROMPT",
		Short: "Queue a new generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = args[0]
			flags := cmd.Flags()
			if flags.Changed("steps") {
				req.Steps = &steps
			}
			if flags.Changed("width") {
				req.Width = &width
			}
			if flags.Changed("height") {
				req.Height = &height
			}
			if flags.Changed("guidance") {
				req.Guidance = &guidance
			}
			if flags.Changed("seed") {
				req.Seed = &seed
			}
			job, err := c.service.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.NegativePrompt, "negative", "", "negative prompt")
	f.StringVar(&req.Model, "model", jobs.DefaultModel, "workflow model")
	f.IntVar(&steps, "steps", jobs.DefaultSteps, "inference steps (1-100)")
	f.IntVar(&width, "width", jobs.DefaultSize, "width in pixels, multiple of 64")
	f.IntVar(&height, "height", jobs.DefaultSize, "height in pixels, multiple of 64")
	f.Float64Var(&guidance, "guidance", jobs.DefaultGuidance, "guidance scale (0-30)")
	f.IntVar(&seed, "seed", -1, "seed, -1 for random")
	return cmd
}

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.service.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			if c.jsonOut {
				return c.printJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newListCmd(c *cli) *cobra.Command {
	var (
		status         string
		page, pageSize int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *domain.JobStatus
			if status != "" {
				s, err := domain.ParseJobStatus(status)
				if err != nil {
					return err
				}
				filter = &s
			}
			res, err := c.service.List(cmd.Context(), page, pageSize, filter)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(cmd.OutOrStdout(), res.Items)
			}
			for i := range res.Items {
				printJob(cmd.OutOrStdout(), &res.Items[i])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d, %d jobs\n", res.Page, res.TotalPages(), res.TotalItems)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued|processing|completed|failed|cancelled)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", jobs.DefaultPageSize, "jobs per page")
	return cmd
}

func newCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.service.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func newRecoverCmd(c *cli) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail processing jobs abandoned by a dead worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("grace") {
				grace = c.cfg.StuckJobGrace
			}
			n, err := worker.RecoverStale(cmd.Context(), c.store, grace, c.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "minimum time since the last update (default STUCK_JOB_GRACE_SECONDS)")
	return cmd
}

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.service.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued=%d processing=%d completed=%d failed=%d cancelled=%d\n",
				m[domain.JobStatusQueued], m[domain.JobStatusProcessing], m[domain.JobStatusCompleted],
				m[domain.JobStatusFailed], m[domain.JobStatusCancelled])
			return nil
		},
	}
}

func newExportCmd(c *cli) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Bundle completed images into a zip archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			completed := domain.JobStatusCompleted
			var entries []zip.Entry
			for page := 1; ; page++ {
				res, err := c.service.List(ctx, page, jobs.MaxPageSize, &completed)
				if err != nil {
					return err
				}
				for _, j := range res.Items {
					id := j.ID
					modified := j.UpdatedAt
					if j.CompletedAt != nil {
						modified = *j.CompletedAt
					}
					entries = append(entries, zip.Entry{
						Name:     id + ".png",
						Modified: modified,
						Open: func() (io.ReadCloser, error) {
							rc, err := c.service.OpenImage(ctx, id)
							if errors.Is(err, jobs.ErrImageUnavailable) {
								c.logger.Warn().Str("job_id", id).Msg("image missing, skipped")
								return nil, zip.ErrSkip
							}
							return rc, err
						},
					})
				}
				if page >= res.TotalPages() {
					break
				}
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			n, err := zip.Write(f, entries)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(out)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d image(s) to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "generations.zip", "archive path")
	return cmd
}
