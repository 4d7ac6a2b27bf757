// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jepa builds the I-JEPA network: a student encoder over the visible context patches,
// a momentum teacher encoder over the full image, and a predictor that regresses the teacher
// representations of the target blocks from the student output.
//
// The student and the teacher have the same structure and live in the context scopes
// StudentScope and TeacherScope (relative to the context given to the model), so their
// variables can be paired by relative scope and name (see package momentum). Teacher
// variables are never trainable.
package jepa

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/ijepa/pkg/masking"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	ParamImageSize      = "image_size"
	ParamPatchSize      = "patch_size"
	ParamNumChannels    = "num_channels"
	ParamEmbedDim       = "embed_dim"
	ParamNumHeads       = "num_heads"
	ParamEncoderDepth   = "encoder_depth"
	ParamPredictorDepth = "predictor_depth"
)

// Scopes of the three networks, relative to the context given to the model.
const (
	StudentScope   = "student"
	TeacherScope   = "teacher"
	PredictorScope = "predictor"
)

// Config of the network.
type Config struct {
	ImageSize      int     // Height and width of the images.
	PatchSize      int     // Height and width of a patch: ImageSize must be divisible by it.
	NumChannels    int     // Channels of the images.
	EmbedDim       int     // Dimension of the token embeddings, shared by encoders and predictor.
	NumHeads       int     // Attention heads per layer: EmbedDim must be divisible by it.
	EncoderDepth   int     // Transformer layers of each encoder.
	PredictorDepth int     // Transformer layers of the predictor.
	DropoutRate    float64 // Used by the student and the predictor during training only.
	DType          dtypes.DType
}

// DefaultConfig returns the configuration used when no hyperparameter is set.
func DefaultConfig() *Config {
	return &Config{
		ImageSize:      224,
		PatchSize:      16,
		NumChannels:    3,
		EmbedDim:       64,
		NumHeads:       8,
		EncoderDepth:   8,
		PredictorDepth: 6,
		DType:          dtypes.Float32,
	}
}

// ConfigFromContext reads the configuration from the context hyperparameters, using
// DefaultConfig for those not set, and validates it.
func ConfigFromContext(ctx *context.Context) (*Config, error) {
	cfg := DefaultConfig()
	cfg.ImageSize = context.GetParamOr(ctx, ParamImageSize, cfg.ImageSize)
	cfg.PatchSize = context.GetParamOr(ctx, ParamPatchSize, cfg.PatchSize)
	cfg.NumChannels = context.GetParamOr(ctx, ParamNumChannels, cfg.NumChannels)
	cfg.EmbedDim = context.GetParamOr(ctx, ParamEmbedDim, cfg.EmbedDim)
	cfg.NumHeads = context.GetParamOr(ctx, ParamNumHeads, cfg.NumHeads)
	cfg.EncoderDepth = context.GetParamOr(ctx, ParamEncoderDepth, cfg.EncoderDepth)
	cfg.PredictorDepth = context.GetParamOr(ctx, ParamPredictorDepth, cfg.PredictorDepth)
	cfg.DropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustConfigFromContext is like ConfigFromContext, but panics with an exception on error.
// It is meant to be used while building graphs.
func MustConfigFromContext(ctx *context.Context) *Config {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		exceptions.Panicf("invalid I-JEPA configuration: %+v", err)
	}
	return cfg
}

// Validate the configuration.
func (cfg *Config) Validate() error {
	for _, p := range []struct {
		name  string
		value int
	}{
		{ParamImageSize, cfg.ImageSize},
		{ParamPatchSize, cfg.PatchSize},
		{ParamNumChannels, cfg.NumChannels},
		{ParamEmbedDim, cfg.EmbedDim},
		{ParamNumHeads, cfg.NumHeads},
		{ParamEncoderDepth, cfg.EncoderDepth},
		{ParamPredictorDepth, cfg.PredictorDepth},
	} {
		if p.value <= 0 {
			return errors.Errorf("%s must be > 0, got %d", p.name, p.value)
		}
	}
	if cfg.ImageSize%cfg.PatchSize != 0 {
		return errors.Errorf("%s=%d must be divisible by %s=%d", ParamImageSize, cfg.ImageSize, ParamPatchSize, cfg.PatchSize)
	}
	if cfg.EmbedDim%cfg.NumHeads != 0 {
		return errors.Errorf("%s=%d must be divisible by %s=%d", ParamEmbedDim, cfg.EmbedDim, ParamNumHeads, cfg.NumHeads)
	}
	if cfg.DropoutRate < 0 || cfg.DropoutRate >= 1 {
		return errors.Errorf("%s must be in [0, 1), got %g", layers.ParamDropoutRate, cfg.DropoutRate)
	}
	if !cfg.DType.IsFloat() {
		return errors.Errorf("dtype must be a float, got %s", cfg.DType)
	}
	return nil
}

// Grid of patches of an image.
func (cfg *Config) Grid() masking.Grid {
	side := cfg.ImageSize / cfg.PatchSize
	return masking.Grid{Height: side, Width: side}
}

// NumTokens is the number of patches of an image.
func (cfg *Config) NumTokens() int { return cfg.Grid().NumTokens() }

// HeadDim is the dimension of each attention head.
func (cfg *Config) HeadDim() int { return cfg.EmbedDim / cfg.NumHeads }

// String implements fmt.Stringer.
func (cfg *Config) String() string {
	return fmt.Sprintf("I-JEPA(image=%dx%dx%d, patch=%d, grid=%s, embed=%d, heads=%d, encoder=%d layers, predictor=%d layers)",
		cfg.ImageSize, cfg.ImageSize, cfg.NumChannels, cfg.PatchSize, cfg.Grid(), cfg.EmbedDim, cfg.NumHeads,
		cfg.EncoderDepth, cfg.PredictorDepth)
}

// Mode selects what Forward builds.
type Mode int

const (
	// Pretrain builds the student, teacher and predictor, and returns the loss.
	Pretrain Mode = iota

	// Embed builds only the student encoder over all patches, and returns its output.
	Embed
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Pretrain:
		return "Pretrain"
	case Embed:
		return "Embed"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}
