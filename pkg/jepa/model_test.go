// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jepa

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/ijepa/pkg/masking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBatchSize = 2
	testImageSize = 16
)

// smallContext configures a tiny network: 16x16 images, 4x4 patches (a 4x4 grid).
func smallContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamImageSize:      testImageSize,
		ParamPatchSize:      4,
		ParamEmbedDim:       8,
		ParamNumHeads:       2,
		ParamEncoderDepth:   2,
		ParamPredictorDepth: 1,
	})
	return ctx
}

func randomImages(batchSize int) *tensors.Tensor {
	data := make([]float32, batchSize*testImageSize*testImageSize*3)
	for ii := range data {
		data[ii] = float32(ii%17) / 17
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, testImageSize, testImageSize, 3)
}

// testMasks samples masks for the small network's grid.
func testMasks(t *testing.T, cfg *Config) []*tensors.Tensor {
	maskCfg := masking.DefaultConfig()
	maskCfg.NumTargets = 3
	sampler, err := masking.NewSampler(maskCfg, cfg.Grid(), 42)
	require.NoError(t, err)
	return sampler.Sample().Tensors(sampler.Grid(), sampler.MaxTargetTokens())
}

func TestConfig(t *testing.T) {
	cfg, err := ConfigFromContext(context.New())
	require.NoError(t, err)
	assert.Equal(t, masking.Grid{Height: 14, Width: 14}, cfg.Grid())
	assert.Equal(t, 196, cfg.NumTokens())
	assert.Equal(t, 8, cfg.HeadDim())

	ctx := smallContext()
	cfg, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.NumTokens())

	ctx.SetParam(ParamPatchSize, 5)
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)

	ctx = smallContext()
	ctx.SetParam(ParamNumHeads, 3)
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)

	ctx = smallContext()
	ctx.SetParam(ParamEncoderDepth, 0)
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)

	assert.Equal(t, "Pretrain", Pretrain.String())
	assert.Equal(t, "Embed", Embed.String())
}

func TestGatherTargets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// teacher[b, n, d] = 100*b + 10*n + d
	teacher := make([][][]float32, 2)
	for b := range teacher {
		teacher[b] = make([][]float32, 5)
		for n := range teacher[b] {
			teacher[b][n] = []float32{float32(100*b + 10*n), float32(100*b + 10*n + 1)}
		}
	}
	indices := [][]int32{{4, 0}, {2, 2}}
	got, err := ExecOnce(backend, func(teacher, indices *Node) *Node {
		return gatherTargets(teacher, indices)
	}, teacher, indices)
	require.NoError(t, err)
	assert.Equal(t, [][][][]float32{
		{{{40, 41}, {0, 1}}, {{20, 21}, {20, 21}}},
		{{{140, 141}, {100, 101}}, {{120, 121}, {120, 121}}},
	}, got.Value())
}

func TestLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	predicted := [][][][]float32{{{{1, 1}, {1000, 1000}}}}
	targets := [][][][]float32{{{{3, 3}, {0, 0}}}}
	targetMask := [][]bool{{true, false}}
	got, err := ExecOnce(backend, Loss, predicted, targets, targetMask)
	require.NoError(t, err)
	// Only the first token is valid: mean((1-3)^2) = 4.
	assert.InDelta(t, 4.0, tensors.ToScalar[float32](got), 1e-5)
}

func TestPretrain(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	cfg := MustConfigFromContext(ctx)
	masks := testMasks(t, cfg)
	numTargets := masks[1].Shape().Dimensions[0]
	maxTargetTokens := masks[1].Shape().Dimensions[1]

	outputs, err := context.ExecOnceN(backend, ctx,
		func(ctx *context.Context, images, contextMask, targetIndices, targetMask *Node) []*Node {
			predicted, targets := Predict(ctx, cfg, images, contextMask, targetIndices, targetMask)
			return []*Node{predicted, targets, Loss(predicted, targets, targetMask)}
		}, randomImages(testBatchSize), masks[0], masks[1], masks[2])
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.Equal(t, []int{testBatchSize, numTargets, maxTargetTokens, cfg.EmbedDim}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{testBatchSize, numTargets, maxTargetTokens, cfg.EmbedDim}, outputs[1].Shape().Dimensions)
	loss := float64(tensors.ToScalar[float32](outputs[2]))
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss is not finite: %g", loss)
	assert.GreaterOrEqual(t, loss, 0.0)

	// Student and teacher have the same structure, and only the student is trainable.
	var numStudent, numTeacher int
	for v := range ctx.In(StudentScope).IterVariablesInScope() {
		numStudent++
		assert.True(t, v.Trainable, "student variable %s", v.ScopeAndName())
	}
	for v := range ctx.In(TeacherScope).IterVariablesInScope() {
		numTeacher++
		assert.False(t, v.Trainable, "teacher variable %s", v.ScopeAndName())
	}
	assert.Greater(t, numStudent, 0)
	assert.Equal(t, numStudent, numTeacher)
	_, numStudentParams := NumParameters(ctx, StudentScope)
	_, numTeacherParams := NumParameters(ctx, TeacherScope)
	_, numPredictorParams := NumParameters(ctx, PredictorScope)
	assert.Equal(t, numStudentParams, numTeacherParams)
	assert.Greater(t, numPredictorParams, 0)
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	cfg := MustConfigFromContext(ctx)
	masks := testMasks(t, cfg)
	loss, err := context.ExecOnce(backend, ctx,
		func(ctx *context.Context, images, contextMask, targetIndices, targetMask *Node) *Node {
			predictions := ModelGraph(ctx, nil, []*Node{images, contextMask, targetIndices, targetMask})
			require.Len(t, predictions, 1)
			return LossFn(nil, predictions)
		}, randomImages(testBatchSize), masks[0], masks[1], masks[2])
	require.NoError(t, err)
	assert.Equal(t, 0, loss.Shape().Rank())
}

func TestEmbed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	cfg := MustConfigFromContext(ctx)
	embeddings, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return EmbedGraph(ctx, nil, []*Node{images})[0]
	}, randomImages(3))
	require.NoError(t, err)
	assert.Equal(t, []int{3, cfg.NumTokens(), cfg.EmbedDim}, embeddings.Shape().Dimensions)

	// Only the student is built.
	numStudentVars, _ := NumParameters(ctx, StudentScope)
	numTeacherVars, _ := NumParameters(ctx, TeacherScope)
	assert.Greater(t, numStudentVars, 0)
	assert.Equal(t, 0, numTeacherVars)
}
