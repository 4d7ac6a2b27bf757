// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/ijepa/pkg/corpus"
	"github.com/gomlx/ijepa/pkg/jepa"
	"github.com/gomlx/ijepa/pkg/pretrain"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type embedConfig struct {
	checkpointDir, imagesDir, outputPath string
	batchSize                            int
}

func newEmbedCmd(ctx *context.Context, settings *string) *cobra.Command {
	var config embedConfig
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed a directory of images with the student encoder of a pretrained checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
			if err != nil {
				return err
			}
			for _, dir := range []*string{&config.checkpointDir, &config.imagesDir, &config.outputPath} {
				if *dir, err = expandDir(*dir); err != nil {
					return err
				}
			}
			return runEmbed(cmd.OutOrStdout(), ctx, paramsSet, config)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&config.checkpointDir, "checkpoint", "", "Directory of the pretrained checkpoint.")
	flags.StringVar(&config.imagesDir, "images", "", "Directory with the images to embed, searched recursively.")
	flags.StringVar(&config.outputPath, "output", "",
		"File where to save the embeddings tensor, shaped [num_images, num_patches, embed_dim]. "+
			"The images are in the order of their sorted paths.")
	flags.IntVar(&config.batchSize, "batch", 0,
		fmt.Sprintf("Number of images embedded at once. If 0, %q is used.", pretrain.ParamEvalBatchSize))
	for _, name := range []string{"checkpoint", "images", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runEmbed(w io.Writer, ctx *context.Context, paramsSet []string, config embedConfig) error {
	if _, err := os.Stat(config.checkpointDir); err != nil {
		return errors.Wrapf(err, "checkpoint directory")
	}
	checkpoint, err := checkpoints.Build(ctx).
		Dir(config.checkpointDir).
		ExcludeParams(append(paramsSet, pretrain.ParamsExcludedFromSaving...)...).
		Immediate().
		Done()
	if err != nil {
		return errors.WithMessagef(err, "loading checkpoint from %q", config.checkpointDir)
	}
	model, err := jepa.ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	if config.batchSize <= 0 {
		config.batchSize = context.GetParamOr(ctx, pretrain.ParamEvalBatchSize, 16)
	}

	corpusConfig := corpus.DefaultConfig(model.ImageSize)
	corpusConfig.MaxMemoryFraction = context.GetParamOr(ctx, pretrain.ParamMaxMemoryFraction, corpusConfig.MaxMemoryFraction)
	images, err := corpus.Load(config.imagesDir, corpusConfig)
	if err != nil {
		return err
	}

	backend := backends.MustNew()
	defer backend.Finalize()
	embeddings, err := pretrain.Embed(backend, ctx, images, config.batchSize)
	if err != nil {
		return err
	}
	if err = embeddings.Save(config.outputPath); err != nil {
		return errors.WithMessagef(err, "saving embeddings to %q", config.outputPath)
	}
	fmt.Fprintln(w, titleStyle.Render("Embeddings"))
	fmt.Fprintf(w, "  checkpoint:  %s (global step %s)\n", checkpoint.Dir(),
		humanize.Comma(must.M1(globalStep(ctx))))
	fmt.Fprintf(w, "  images:      %s from %q\n", humanize.Comma(int64(images.Len())), images.Dir())
	fmt.Fprintf(w, "  embeddings:  %s saved to %q\n", embeddings.Shape(), config.outputPath)
	return nil
}

func globalStep(ctx *context.Context) (step int64, err error) {
	err = exceptions.TryCatch[error](func() { step = optimizers.GetGlobalStep(ctx) })
	return
}
