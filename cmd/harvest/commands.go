package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/artifact"
	"github.com/OFFIS-RIT/modelgraph/internal/bootstrap"
	"github.com/OFFIS-RIT/modelgraph/internal/config"
	"github.com/OFFIS-RIT/modelgraph/internal/pipeline"
	"github.com/OFFIS-RIT/modelgraph/internal/util"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger/console"

	"github.com/spf13/cobra"
)

var (
	cfg *config.Config

	latest        int
	author        string
	models        []string
	datasets      []string
	maxIterations int
	runID         string
	outFile       string

	rootCmd = &cobra.Command{
		Use:           "harvest",
		Short:         "Harvest ML model metadata into a knowledge graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.LoadEnv()
			logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
				Debug: util.GetEnvBool("DEBUG", false),
			}))
			var err error
			cfg, err = config.Load()
			return err
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one harvest into a new run directory",
		Args:  cobra.NoArgs,
		RunE:  runHarvest,
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write the whole graph sink as N-Triples",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}
)

func init() {
	runCmd.Flags().IntVar(&latest, "latest", 0, "harvest the N most recently modified models")
	runCmd.Flags().StringVar(&author, "author", "", "restrict --latest to one author")
	runCmd.Flags().StringSliceVar(&models, "model", nil, "explicit model id, repeatable")
	runCmd.Flags().StringSliceVar(&datasets, "dataset", nil, "explicit dataset id, repeatable")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", -1, "override MAX_ITERATIONS for this run")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run id, generated when empty")

	exportCmd.Flags().StringVarP(&outFile, "out", "o", "", "output file, stdout when empty")

	rootCmd.AddCommand(runCmd, exportCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	req := pipeline.Request{
		RunID:    runID,
		Latest:   latest,
		Author:   author,
		Models:   models,
		Datasets: datasets,
	}
	if maxIterations >= 0 {
		req.MaxIterations = &maxIterations
	}
	if req.Empty() {
		return pipeline.ErrEmptyRequest
	}
	if req.RunID == "" {
		id, err := util.NewRunID(time.Now())
		if err != nil {
			return err
		}
		req.RunID = id
	}

	pool, err := bootstrap.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	sink, err := bootstrap.OpenSink(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer sink.Close()

	runner, err := bootstrap.NewRunner(ctx, cfg, sink)
	if err != nil {
		return err
	}

	dir := filepath.Join(cfg.RunDir, req.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	artifacts, err := artifact.Open(dir)
	if err != nil {
		return err
	}

	report, err := runner.Run(ctx, req, artifacts)
	if report != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(report); eerr != nil {
			logger.Error("Failed to print report", "err", eerr)
		}
	}
	return err
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	pool, err := bootstrap.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	sink, err := bootstrap.OpenSink(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer sink.Close()

	var w io.Writer = cmd.OutOrStdout()
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := sink.ExportSerialized(ctx, w); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	logger.Info("[Export] Done", "sink", cfg.Graph.Sink, "out", outFile)
	return nil
}
