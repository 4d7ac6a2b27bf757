// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrain

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/ijepa/pkg/jepa"
	"github.com/gomlx/ijepa/pkg/masking"
	"github.com/pkg/errors"
)

// Hyperparameter keys, see CreateDefaultContext for their defaults.
const (
	ParamTargetAspectRatio         = "target_aspect_ratio"
	ParamTargetScale               = "target_scale"
	ParamContextAspectRatio        = "context_aspect_ratio"
	ParamContextScale              = "context_scale"
	ParamNumTargets                = "num_targets"
	ParamExcludeTargetsFromContext = "exclude_targets_from_context"
	ParamMaskSeed                  = "mask_seed"

	ParamMomentumStart = "momentum_start"
	ParamMomentumEnd   = "momentum_end"

	ParamBatchSize         = "batch_size"
	ParamEvalBatchSize     = "eval_batch_size"
	ParamNumWorkers        = "num_workers"
	ParamPinMemory         = "pin_memory"
	ParamMaxMemoryFraction = "max_memory_fraction"
	ParamNumEpochs         = "num_epochs"

	ParamGradientClipNorm        = "gradient_clip_norm"
	ParamOneCycleWarmupFraction  = "one_cycle_warmup_fraction"
	ParamOneCycleInitialDiv      = "one_cycle_initial_div"
	ParamOneCycleFinalDiv        = "one_cycle_final_div"
	ParamNumCheckpoints          = "num_checkpoints"
	ParamCheckpointPeriodMinutes = "checkpoint_period_minutes"
	ParamNanLogger               = "nan_logger"
)

// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that are not
// saved along the checkpoints, and can be changed when training continues from one.
var ParamsExcludedFromSaving = []string{
	ParamNumEpochs, ParamNumWorkers, ParamPinMemory, ParamMaxMemoryFraction, ParamEvalBatchSize,
	ParamNumCheckpoints, ParamCheckpointPeriodMinutes, ParamNanLogger, plotly.ParamPlots,
	optimizers.ParamNanLogger,
}

// CreateDefaultContext sets the context with the default hyperparameters used by New.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Network.
		jepa.ParamImageSize:      224,
		jepa.ParamPatchSize:      16,
		jepa.ParamNumChannels:    3,
		jepa.ParamEmbedDim:       64,
		jepa.ParamNumHeads:       8,
		jepa.ParamEncoderDepth:   8,
		jepa.ParamPredictorDepth: 6,
		layers.ParamDropoutRate:  0.0,

		// Masking: ranges are given as [min, max].
		ParamTargetAspectRatio:         []float64{0.75, 1.5},
		ParamTargetScale:               []float64{0.15, 0.2},
		ParamContextAspectRatio:        1.0,
		ParamContextScale:              []float64{0.85, 1.0},
		ParamNumTargets:                4,
		ParamExcludeTargetsFromContext: true,
		ParamMaskSeed:                  0, // 0 picks a random seed.

		// Teacher momentum: linearly from start to end over all the training steps.
		ParamMomentumStart: 0.996,
		ParamMomentumEnd:   1.0,

		// Data.
		ParamBatchSize:         16,
		ParamEvalBatchSize:     16,
		ParamNumWorkers:        4,
		ParamPinMemory:         true,
		ParamMaxMemoryFraction: 0.8,
		ParamNumEpochs:         10,

		// Optimizer: AdamW with gradients clipped by their global norm, and a one-cycle
		// learning rate schedule (see OneCycleSchedule).
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamWeightDecay: 0.05,
		ParamGradientClipNorm:           0.1,
		ParamOneCycleWarmupFraction:     0.3,
		ParamOneCycleInitialDiv:         25.0,
		ParamOneCycleFinalDiv:           2.5e5,

		// Checkpoints, only used if a checkpoint directory is given.
		ParamNumCheckpoints:          3,
		ParamCheckpointPeriodMinutes: 3.0,

		// Debugging and monitoring.
		ParamNanLogger:    false,
		plotly.ParamPlots: false,
	})
	return ctx
}

// rangeParam reads a [min, max] hyperparameter.
func rangeParam(ctx *context.Context, key string, defaultValue masking.Range) (masking.Range, error) {
	values := context.GetParamOr(ctx, key, []float64{defaultValue.Min, defaultValue.Max})
	if len(values) != 2 {
		return masking.Range{}, errors.Errorf("hyperparameter %q must be a [min, max] pair, got %v", key, values)
	}
	return masking.Range{Min: values[0], Max: values[1]}, nil
}

// MaskingConfigFromContext reads the masking policy from the context hyperparameters, and
// validates it.
func MaskingConfigFromContext(ctx *context.Context) (masking.Config, error) {
	cfg := masking.DefaultConfig()
	var err error
	if cfg.TargetAspectRatio, err = rangeParam(ctx, ParamTargetAspectRatio, cfg.TargetAspectRatio); err != nil {
		return cfg, err
	}
	if cfg.TargetScale, err = rangeParam(ctx, ParamTargetScale, cfg.TargetScale); err != nil {
		return cfg, err
	}
	if cfg.ContextScale, err = rangeParam(ctx, ParamContextScale, cfg.ContextScale); err != nil {
		return cfg, err
	}
	cfg.ContextAspectRatio = context.GetParamOr(ctx, ParamContextAspectRatio, cfg.ContextAspectRatio)
	cfg.NumTargets = context.GetParamOr(ctx, ParamNumTargets, cfg.NumTargets)
	cfg.ExcludeTargetsFromContext = context.GetParamOr(ctx, ParamExcludeTargetsFromContext, cfg.ExcludeTargetsFromContext)
	if err = cfg.Validate(); err != nil {
		return cfg, errors.WithMessage(err, "masking hyperparameters")
	}
	return cfg, nil
}
