package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"genqueue/internal/adapter/repo"
	"genqueue/internal/domain"
	"genqueue/internal/infra"
	"genqueue/internal/jobs"
	"genqueue/internal/storage"
)

type cli struct {
	jsonOut bool
	verbose bool

	cfg     *infra.Config
	store   domain.JobStore
	service *jobs.Service
	logger  zerolog.Logger
	close   func()
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Manage image generation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return c.open(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.close != nil {
				c.close()
			}
		},
	}
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "JSON output")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log store activity to stderr")

	root.AddCommand(
		newEnqueueCmd(c),
		newGetCmd(c),
		newListCmd(c),
		newCancelCmd(c),
		newRecoverCmd(c),
		newStatsCmd(c),
		newExportCmd(c),
	)
	return root
}

func (c *cli) open(cmd *cobra.Command) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = zerolog.Nop()
	if c.verbose {
		c.logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
	}

	store, closeStore, err := repo.OpenJobStore(cmd.Context(), cfg, c.logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	files, err := storage.NewFileStore(cfg.OutputPath)
	if err != nil {
		closeStore()
		return err
	}
	c.store = store
	c.close = closeStore
	c.service = jobs.NewService(store, files, jobs.Options{Logger: c.logger})
	return nil
}

func (c *cli) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJob(w io.Writer, j *domain.Job) {
	fmt.Fprintf(w, "%s  %-10s  model=%s  %dx%d  steps=%d  created=%s",
		j.ID, j.Status, j.Model, j.Width, j.Height, j.Steps, j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	if j.DurationMs != nil {
		fmt.Fprintf(w, "  duration=%dms", *j.DurationMs)
	}
	if j.OutputPath != "" {
		fmt.Fprintf(w, "  output=%s", j.OutputPath)
	}
	if j.ErrorMessage != "" {
		fmt.Fprintf(w, "  err=%q", j.ErrorMessage)
	}
	fmt.Fprintln(w)
}
