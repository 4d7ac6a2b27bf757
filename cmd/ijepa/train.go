// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/ijepa/pkg/pretrain"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newTrainCmd(ctx *context.Context, settings *string) *cobra.Command {
	var config pretrain.Config
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Pretrain the student encoder and the predictor on a directory of images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
			if err != nil {
				return err
			}
			config.ParamsSet = paramsSet
			for _, dir := range []*string{&config.TrainDir, &config.ValidationDir, &config.CheckpointDir} {
				if *dir, err = expandDir(*dir); err != nil {
					return err
				}
			}
			return runTrain(cmd.OutOrStdout(), ctx, config)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&config.TrainDir, "train", "", "Directory with the training images, searched recursively.")
	flags.StringVar(&config.ValidationDir, "validation", "",
		"Directory with the validation images. If empty, there is no validation at the end of the epochs.")
	flags.StringVar(&config.CheckpointDir, "checkpoint", "",
		"Directory to save and load checkpoints from. If it already has a checkpoint, training continues from it. "+
			"If left empty, no checkpoints are created.")
	flags.IntVar(&config.Verbosity, "verbosity", 0,
		"Level of verbosity: < 0 is quiet, 0 displays a progress bar, the higher the more verbose.")
	_ = cmd.MarkFlagRequired("train")
	return cmd
}

func runTrain(w io.Writer, ctx *context.Context, config pretrain.Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if config.Verbosity >= 1 {
		fmt.Fprintln(w, commandline.SprintContextSettings(ctx))
	}
	backend := backends.MustNew()
	defer backend.Finalize()
	run, err := pretrain.New(backend, ctx, config)
	if err != nil {
		return err
	}
	if err = run.Train(); err != nil {
		return err
	}
	if history := run.History(); len(history) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Epochs"))
		writeHistory(w, history)
	}
	return nil
}

// writeHistory renders one row per epoch summary.
func writeHistory(w io.Writer, history []pretrain.EpochSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EPOCH", "STEP", "TRAIN LOSS", "VALIDATION LOSS", "MOMENTUM", "DURATION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, s := range history {
		table.Append([]string{
			fmt.Sprint(s.Epoch),
			fmt.Sprint(s.GlobalStep),
			fmt.Sprintf("%.5f ± %.5f", s.TrainLossMean, s.TrainLossStdDev),
			fmt.Sprintf("%.5f", s.ValidationLoss),
			fmt.Sprintf("%.6f", s.Momentum),
			commandline.FormatDuration(s.Duration),
		})
	}
	table.Render()
}
