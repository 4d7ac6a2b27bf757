// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ijepa pretrains I-JEPA image encoders on a directory of images, and uses them to embed images.
//
// Hyperparameters are set with -set, e.g.:
//
//	ijepa train --train ~/images/train --validation ~/images/val --checkpoint ~/work/ijepa \
//		-set="batch_size=32;num_epochs=20;encoder_depth=6"
//	ijepa embed --checkpoint ~/work/ijepa --images ~/images/test --output ~/work/embeddings.bin
package main

import (
	"flag"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/ijepa/pkg/pretrain"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 2, 0, 2)

func main() {
	ctx := pretrain.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)

	rootCmd := newRootCmd(ctx, settings)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("Failed with error: %+v", err)
		os.Exit(1)
	}
}

// newRootCmd creates the commands. ctx holds the default hyperparameters, and settings points
// to the value of the -set flag, parsed by the subcommands.
func newRootCmd(ctx *context.Context, settings *string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ijepa",
		Short:         "Self-supervised pretraining of image encoders with I-JEPA",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.AddCommand(newTrainCmd(ctx, settings), newEmbedCmd(ctx, settings))
	return rootCmd
}

// expandDir replaces a leading "~" in dir, if dir is not empty.
func expandDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	return fsutil.ReplaceTildeInDir(dir)
}
