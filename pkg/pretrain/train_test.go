// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrain

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/ijepa/pkg/corpus"
	"github.com/gomlx/ijepa/pkg/jepa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImageSize = 224

// writeNoiseImages writes n random RGB images of testImageSize x testImageSize in dir.
func writeNoiseImages(t *testing.T, dir string, n int, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, 0))
	require.NoError(t, os.MkdirAll(dir, 0755))
	for ii := range n {
		img := image.NewNRGBA(image.Rect(0, 0, testImageSize, testImageSize))
		for y := range testImageSize {
			for x := range testImageSize {
				img.Set(x, y, color.NRGBA{
					R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255})
			}
		}
		require.NoError(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf("img%03d.png", ii))))
	}
}

// testContext is a tiny version of the default network, with 4 steps per epoch over 16 images.
func testContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		jepa.ParamEmbedDim:       8,
		jepa.ParamNumHeads:       2,
		jepa.ParamEncoderDepth:   1,
		jepa.ParamPredictorDepth: 1,
		ParamBatchSize:           4,
		ParamNumWorkers:          2,
		ParamNumEpochs:           1,
		ParamMaskSeed:            7,
	})
	return ctx
}

// snapshot copies the values of the variables under scope, keyed by their path relative to it.
func snapshot(t *testing.T, ctx *context.Context, scope string) map[string][]float32 {
	scopeCtx := ctx.In(scope)
	values := make(map[string][]float32)
	for v := range scopeCtx.IterVariablesInScope() {
		key := strings.TrimPrefix(v.ScopeAndName(), scopeCtx.Scope())
		values[key] = tensors.MustCopyFlatData[float32](v.MustValue())
	}
	require.NotEmpty(t, values, "no variables in scope %q", scope)
	return values
}

func TestNewErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := New(backend, testContext(), Config{})
	require.Error(t, err, "training directory is required")

	_, err = New(backend, testContext(), Config{TrainDir: t.TempDir()})
	require.ErrorIs(t, err, corpus.ErrEmpty)

	ctx := testContext()
	ctx.SetParam(ParamBatchSize, 0)
	_, err = New(backend, ctx, Config{TrainDir: t.TempDir()})
	require.ErrorContains(t, err, ParamBatchSize)

	ctx = testContext()
	ctx.SetParam(jepa.ParamNumChannels, 1)
	_, err = New(backend, ctx, Config{TrainDir: t.TempDir()})
	require.ErrorContains(t, err, jepa.ParamNumChannels)
}

func TestTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end training in short mode")
	}
	backend := graphtest.BuildTestBackend()
	dataDir := t.TempDir()
	trainDir, validationDir := filepath.Join(dataDir, "train"), filepath.Join(dataDir, "validation")
	writeNoiseImages(t, trainDir, 16, 1)
	writeNoiseImages(t, validationDir, 4, 2)
	checkpointDir := filepath.Join(dataDir, "checkpoint")
	config := Config{
		TrainDir:      trainDir,
		ValidationDir: validationDir,
		CheckpointDir: checkpointDir,
		Verbosity:     -1,
	}

	ctx := testContext()
	r, err := New(backend, ctx, config)
	require.NoError(t, err)
	assert.Equal(t, Idle, r.State())
	assert.Equal(t, 4, r.StepsPerEpoch())
	assert.Equal(t, 4, r.TotalSteps())
	assert.InDelta(t, 0.996, r.Momentum(), 1e-9)

	// The teacher starts as a copy of the student.
	studentStart, teacherStart := snapshot(t, ctx, jepa.StudentScope), snapshot(t, ctx, jepa.TeacherScope)
	assert.Equal(t, studentStart, teacherStart)
	assert.Equal(t, len(studentStart), r.Updater().NumPairs())

	var studentStep1, teacherStep1 map[string][]float32
	r.Loop().OnStep("snapshot", 0, func(loop *train.Loop, _ []*tensors.Tensor) error {
		if loop.LoopStep == 0 {
			studentStep1, teacherStep1 = snapshot(t, ctx, jepa.StudentScope), snapshot(t, ctx, jepa.TeacherScope)
		}
		return nil
	})

	// First two steps.
	_, err = r.loop.RunSteps(r.trainDS, 2)
	require.NoError(t, err)
	require.Len(t, r.epochLosses, 2)
	for _, loss := range r.epochLosses {
		assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss is not finite: %g", loss)
	}
	assert.NotEqual(t, studentStart, studentStep1, "the student must change after one step")
	assert.NotEqual(t, teacherStart, teacherStep1, "the teacher must follow the student after one step")
	assert.NotEqual(t, studentStep1, teacherStep1, "with m < 1 the teacher lags behind the student")
	assert.InDelta(t, 0.998, r.Momentum(), 1e-9)

	// Remaining steps, up to the end of the only epoch.
	require.NoError(t, r.Train())
	assert.Equal(t, Terminated, r.State())
	assert.InDelta(t, 1.0, r.Momentum(), 1e-9)
	history := r.History()
	require.Len(t, history, 1)
	summary := history[0]
	assert.Equal(t, 1, summary.Epoch)
	assert.Equal(t, 4, summary.GlobalStep)
	assert.Equal(t, 4, summary.NumSteps)
	assert.False(t, math.IsNaN(summary.TrainLossMean))
	assert.False(t, math.IsNaN(summary.ValidationLoss))
	assert.Greater(t, summary.ValidationLoss, 0.0)
	require.Error(t, r.Train(), "Train can only be called once")
	teacherEnd := snapshot(t, ctx, jepa.TeacherScope)
	assert.NotEqual(t, snapshot(t, ctx, jepa.StudentScope), teacherEnd)

	// The validation loss is deterministic.
	validationLoss, err := r.Validate()
	require.NoError(t, err)
	assert.InDelta(t, summary.ValidationLoss, validationLoss, 1e-5)

	// Embeddings of the validation images.
	validationCorpus, err := corpus.Load(validationDir, corpus.DefaultConfig(testImageSize))
	require.NoError(t, err)
	embeddings, err := Embed(backend, ctx, validationCorpus, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 196, 8}, embeddings.Shape().Dimensions)

	// Continue from the checkpoint: the planned steps are already done, and the momentum is derived
	// from the global step.
	ctx = testContext()
	r, err = New(backend, ctx, config)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Loop().LoopStep)
	assert.InDelta(t, 1.0, r.Momentum(), 1e-9)
	assert.Equal(t, teacherEnd, snapshot(t, ctx, jepa.TeacherScope))
	require.NoError(t, r.Train())
	assert.Empty(t, r.History())
}
