// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrain

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// gradientsUpdater is implemented by the optimizers that can apply gradients computed elsewhere,
// like Adam.
type gradientsUpdater interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// clippedOptimizer wraps an optimizer and scales the gradients down so their global norm
// is at most maxNorm, before they are given to the optimizer.
type clippedOptimizer struct {
	optimizers.Interface
	maxNorm float64
}

// NewClippedOptimizer wraps base with a clip of the gradients by their global norm. If maxNorm
// is <= 0 it returns base unchanged.
//
// base must implement UpdateGraphWithGradients, as the Adam family of optimizers does.
func NewClippedOptimizer(base optimizers.Interface, maxNorm float64) optimizers.Interface {
	if maxNorm <= 0 {
		return base
	}
	return &clippedOptimizer{Interface: base, maxNorm: maxNorm}
}

// UpdateGraph implements optimizers.Interface.
func (o *clippedOptimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	updater, ok := o.Interface.(gradientsUpdater)
	if !ok {
		exceptions.Panicf("optimizer %T can't be used with gradient clipping: it doesn't accept gradients", o.Interface)
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("no gradients to clip, are there any trainable variables ?")
	}
	updater.UpdateGraphWithGradients(ctx, ClipByGlobalNorm(grads, o.maxNorm), loss.DType())
}

// ClipByGlobalNorm scales all grads by min(1, maxNorm/globalNorm), where globalNorm is the
// L2 norm of all of them concatenated.
func ClipByGlobalNorm(grads []*Node, maxNorm float64) []*Node {
	g := grads[0].Graph()
	sumSquares := ScalarZero(g, dtypes.Float32)
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ConvertDType(ReduceAllSum(Square(grad)), dtypes.Float32))
	}
	globalNorm := Sqrt(sumSquares)
	scale := Min(
		ScalarOne(g, dtypes.Float32),
		Div(Scalar(g, dtypes.Float32, maxNorm), AddScalar(globalNorm, 1e-6)))
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}

// OneCycleScope is where the one-cycle schedule keeps its step counter, under optimizers.Scope.
const OneCycleScope = "one_cycle"

// OneCycleSchedule sets the learning rate of the training graph following the one-cycle policy
// over totalSteps: during the first ParamOneCycleWarmupFraction of the steps it goes up from
// learningRate/ParamOneCycleInitialDiv to learningRate, and then it anneals down to
// learningRate/ParamOneCycleFinalDiv at the last step. Both phases follow a cosine curve.
//
// It returns the learning rate used in the current step, or nil if the graph is not training,
// in which case it does nothing.
func OneCycleSchedule(ctx *context.Context, g *Graph, dtype dtypes.DType, totalSteps int) *Node {
	if !ctx.IsTraining(g) {
		return nil
	}
	maxLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-3)
	initialLR := maxLR / context.GetParamOr(ctx, ParamOneCycleInitialDiv, 25.0)
	finalLR := maxLR / context.GetParamOr(ctx, ParamOneCycleFinalDiv, 2.5e5)
	warmupFraction := context.GetParamOr(ctx, ParamOneCycleWarmupFraction, 0.3)

	// Steps are counted from 0: the last warm-up step is warmupEnd, and the last step is lastStep.
	warmupEnd := max(1, warmupFraction*float64(totalSteps)-1)
	lastStep := max(warmupEnd+1, float64(totalSteps-1))

	ctx = ctx.Checked(false)
	step := MinusOne(optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(OneCycleScope), g, dtype))
	warmupLR := cosineAnnealing(initialLR, maxLR, ClipScalar(DivScalar(step, warmupEnd), 0, 1))
	annealLR := cosineAnnealing(maxLR, finalLR,
		ClipScalar(DivScalar(AddScalar(step, -warmupEnd), lastStep-warmupEnd), 0, 1))
	lr := Where(LessOrEqual(step, Scalar(g, dtype, warmupEnd)), warmupLR, annealLR)
	optimizers.LearningRateVarWithValue(ctx, dtype, maxLR).SetValueGraph(lr)
	return lr
}

// cosineAnnealing goes from start (fraction=0) to end (fraction=1) following half a cosine period.
func cosineAnnealing(start, end float64, fraction *Node) *Node {
	cosine := OnePlus(Cos(MulScalar(fraction, math.Pi))) // From 2 to 0.
	return AddScalar(MulScalar(cosine, (start-end)/2), end)
}
