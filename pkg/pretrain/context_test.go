// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrain

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/ijepa/pkg/jepa"
	"github.com/gomlx/ijepa/pkg/masking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	cfg, err := MaskingConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, masking.DefaultConfig(), cfg)

	model, err := jepa.ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 196, model.NumTokens())
	require.NoError(t, validateOptimizerParams(ctx))
}

func TestMaskingConfigFromContext(t *testing.T) {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamTargetScale:               []float64{0.1, 0.1},
		ParamNumTargets:                2,
		ParamExcludeTargetsFromContext: false,
	})
	cfg, err := MaskingConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, masking.Range{Min: 0.1, Max: 0.1}, cfg.TargetScale)
	assert.Equal(t, 2, cfg.NumTargets)
	assert.False(t, cfg.ExcludeTargetsFromContext)

	for name, params := range map[string]map[string]any{
		"not a pair":     {ParamContextScale: []float64{0.9}},
		"inverted range": {ParamTargetAspectRatio: []float64{1.5, 0.75}},
		"scale above 1":  {ParamContextScale: []float64{0.9, 1.1}},
		"no targets":     {ParamNumTargets: 0},
	} {
		ctx := CreateDefaultContext()
		ctx.SetParams(params)
		_, err := MaskingConfigFromContext(ctx)
		assert.Error(t, err, name)
	}
}

func TestValidateOptimizerParams(t *testing.T) {
	for name, params := range map[string]map[string]any{
		"zero learning rate":   {"learning_rate": 0.0},
		"warm-up fraction = 1": {ParamOneCycleWarmupFraction: 1.0},
		"final div < 1":        {ParamOneCycleFinalDiv: 0.5},
		"negative clip":        {ParamGradientClipNorm: -1.0},
	} {
		ctx := CreateDefaultContext()
		ctx.SetParams(params)
		assert.Error(t, validateOptimizerParams(ctx), name)
	}

	// Clipping disabled.
	ctx := context.New()
	ctx.SetParam(ParamGradientClipNorm, 0.0)
	assert.NoError(t, validateOptimizerParams(ctx))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "RunningValidationStep", RunningValidationStep.String())
	assert.Equal(t, "Terminated", Terminated.String())
	assert.Equal(t, "State(17)", State(17).String())
}
