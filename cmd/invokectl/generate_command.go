package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"invokectl/internal/config"
	"invokectl/internal/logging"
	"invokectl/internal/metrics"
	"invokectl/internal/preflight"
	"invokectl/internal/workflow"
)

const drainTimeout = 30 * time.Second

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var flags requestFlags
	var count int
	var keep bool
	var outDir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "generate [prompt...]",
		Short: "Generate images and save them locally",
		Long: "Generate submits one job per image and polls them concurrently. " +
			"Ctrl-C cancels in-flight jobs on the server and removes their artifacts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			req, err := flags.request(args)
			if err != nil {
				return err
			}
			req.KeepArtifacts = keep

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			target := strings.TrimSpace(outDir)
			if target == "" {
				target = cfg.Generation.OutputDir
			} else if target, err = config.ExpandPath(target); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			if check := preflight.CheckDirectoryAccess("Output directory", target); !check.Passed {
				return errors.New(check.Detail)
			}

			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			metricsCtx, stopMetrics := context.WithCancel(cmd.Context())
			defer stopMetrics()
			go func() {
				if err := metrics.Serve(metricsCtx, cfg.Metrics.Listen, logger); err != nil {
					logger.Warn("metrics endpoint stopped", logging.Error(err))
				}
			}()

			return ctx.withManager(cmd, func(m *workflow.Manager) error {
				outcomes := m.GenerateBatch(cmd.Context(), req.Expand(count), nil)

				drainCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), drainTimeout)
				defer cancel()
				if err := m.Drain(drainCtx); err != nil {
					logger.Warn("artifact cleanup still running at exit", logging.Error(err))
				}
				return reportOutcomes(cmd, outcomes, target, asJSON)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&count, "count", 1, "Number of images; seeds increase by one per image")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep generated images in the server gallery")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (defaults to generation.output_dir)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

type savedImage struct {
	Seed        int64  `json:"seed"`
	ItemID      int64  `json:"item_id,omitempty"`
	Artifact    string `json:"artifact,omitempty"`
	Path        string `json:"path,omitempty"`
	Elapsed     string `json:"elapsed,omitempty"`
	Error       string `json:"error,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func reportOutcomes(cmd *cobra.Command, outcomes []workflow.Outcome, dir string, asJSON bool) error {
	saved := make([]savedImage, 0, len(outcomes))
	failures := 0
	for _, outcome := range outcomes {
		entry := savedImage{Seed: outcome.Request.Seed, ItemID: outcome.Result.ItemID, Artifact: outcome.Result.ArtifactName}
		err := outcome.Err
		if err == nil {
			entry.Elapsed = outcome.Result.Elapsed.Round(100 * time.Millisecond).String()
			entry.Path, err = saveImage(dir, outcome)
		}
		if err != nil {
			failures++
			entry.Error = err.Error()
			entry.Diagnostics = errorDiagnostics(err)
		}
		saved = append(saved, entry)
	}

	if asJSON {
		if err := writeJSON(cmd, saved); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		for _, entry := range saved {
			if entry.Error != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "seed %d: %s\n", entry.Seed, entry.Error)
				if entry.Diagnostics != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "server diagnostics:\n%s\n", entry.Diagnostics)
				}
				continue
			}
			fmt.Fprintf(out, "%s (seed %d, %s)\n", entry.Path, entry.Seed, entry.Elapsed)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d generation(s) failed", failures, len(outcomes))
	}
	return nil
}

func saveImage(dir string, outcome workflow.Outcome) (string, error) {
	name := filepath.Base(outcome.Result.ArtifactName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = fmt.Sprintf("item-%d.png", outcome.Result.ItemID)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, outcome.Result.Image, 0o644); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	return path, nil
}
