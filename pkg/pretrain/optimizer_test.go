// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrain

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipByGlobalNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	clip := func(maxNorm float64) []*tensors.Tensor {
		outputs, err := context.ExecOnceN(backend, context.New(), func(_ *context.Context, a, b *Node) []*Node {
			return ClipByGlobalNorm([]*Node{a, b}, maxNorm)
		}, []float32{3}, [][]float32{{0, 4}})
		require.NoError(t, err)
		return outputs
	}

	// Global norm is 5: scaled down to 1.
	clipped := clip(1)
	assert.InDeltaSlice(t, []float32{0.6}, clipped[0].Value(), 1e-5)
	assert.InDeltaSlice(t, []float32{0, 0.8}, clipped[1].Value().([][]float32)[0], 1e-5)

	// Norm already smaller than the maximum: unchanged.
	clipped = clip(10)
	assert.InDeltaSlice(t, []float32{3}, clipped[0].Value(), 1e-5)
	assert.InDeltaSlice(t, []float32{0, 4}, clipped[1].Value().([][]float32)[0], 1e-5)
}

func TestNewClippedOptimizer(t *testing.T) {
	base := optimizers.Adam().Done()
	assert.Equal(t, base, NewClippedOptimizer(base, 0))
	clipped := NewClippedOptimizer(base, 0.1)
	require.IsType(t, &clippedOptimizer{}, clipped)
	assert.Equal(t, 0.1, clipped.(*clippedOptimizer).maxNorm)
}

func TestOneCycleSchedule(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 1.0,
		ParamOneCycleWarmupFraction:  0.3,
		ParamOneCycleInitialDiv:      25.0,
		ParamOneCycleFinalDiv:        1e4,
	})
	const totalSteps = 11 // Warm-up ends at step 2.3, the last step is 10.
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		return OneCycleSchedule(ctx, g, dtypes.Float32, totalSteps)
	})
	require.NoError(t, err)

	var lrs []float64
	for range totalSteps + 2 {
		lr, err := exec.Exec1()
		require.NoError(t, err)
		lrs = append(lrs, float64(tensors.ToScalar[float32](lr)))
	}
	assert.InDelta(t, 1.0/25, lrs[0], 1e-5, "first step starts at lr/initial_div")
	for step := 1; step <= 2; step++ {
		assert.Greater(t, lrs[step], lrs[step-1], "warm-up must increase, step %d", step)
	}
	for step := 4; step < totalSteps; step++ {
		assert.Less(t, lrs[step], lrs[step-1], "annealing must decrease, step %d", step)
	}
	assert.InDelta(t, 1e-4, lrs[totalSteps-1], 1e-6, "last step ends at lr/final_div")
	assert.InDelta(t, 1e-4, lrs[totalSteps+1], 1e-6, "it stays at the minimum after the last step")

	// The optimizer's learning rate variable follows the schedule.
	lrVar := ctx.InspectVariable(ctx.In(optimizers.Scope).Scope(), optimizers.ParamLearningRate)
	require.NotNil(t, lrVar)
	assert.InDelta(t, 1e-4, float64(tensors.ToScalar[float32](lrVar.MustValue())), 1e-6)

	// Not training: nothing is done.
	ctx = context.New()
	_, err = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		require.Nil(t, OneCycleSchedule(ctx, g, dtypes.Float32, totalSteps))
		return Scalar(g, dtypes.Float32, 0)
	})
	require.NoError(t, err)
	assert.Nil(t, ctx.InspectVariable(ctx.In(optimizers.Scope).Scope(), optimizers.ParamLearningRate))
}
