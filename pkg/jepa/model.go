// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jepa

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// ModelGraph is the train.ModelFn of the pretraining: it reads the configuration from the
// context and returns the loss as its only prediction. See Forward for the inputs.
//
// Use it with LossFn:
//
//	trainer := train.NewTrainer(backend, ctx, jepa.ModelGraph, jepa.LossFn, optimizer, nil, nil)
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	return Forward(ctx, MustConfigFromContext(ctx), Pretrain, inputs)
}

// LossFn returns the loss computed by ModelGraph, which is its first prediction.
// There are no labels in self-supervised training.
func LossFn(labels, predictions []*Node) *Node {
	_ = labels
	return predictions[0]
}

// EmbedGraph returns the student encoder output for all patches of inputs[0].
// See Forward with mode Embed.
func EmbedGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	return Forward(ctx, MustConfigFromContext(ctx), Embed, inputs)
}

// Forward builds the network for the given mode.
//
// In Pretrain mode the inputs are:
//
//   - images: float shaped [batchSize, imageSize, imageSize, numChannels].
//   - contextMask: bool shaped [numTokens], the patches visible to the student.
//   - targetIndices: int32 shaped [numTargets, maxTargetTokens], the patches of each target block.
//   - targetMask: bool shaped [numTargets, maxTargetTokens], the valid entries of targetIndices.
//
// Any further inputs are ignored. It returns the scalar loss.
//
// In Embed mode only the images are used, and it returns the student encoder output
// shaped [batchSize, numTokens, embedDim].
func Forward(ctx *context.Context, cfg *Config, mode Mode, inputs []*Node) []*Node {
	switch mode {
	case Pretrain:
		if len(inputs) < 4 {
			exceptions.Panicf("I-JEPA pretraining requires 4 inputs (images, contextMask, targetIndices, targetMask), got %d",
				len(inputs))
		}
		predicted, targets := Predict(ctx, cfg, inputs[0], inputs[1], inputs[2], inputs[3])
		return []*Node{Loss(predicted, targets, inputs[3])}
	case Embed:
		if len(inputs) < 1 {
			exceptions.Panicf("I-JEPA embedding requires the images as input")
		}
		images := ConvertDType(inputs[0], cfg.DType)
		return []*Node{Encoder(ctx.In(StudentScope), cfg, images, nil, cfg.DropoutRate)}
	default:
		exceptions.Panicf("unknown I-JEPA mode %s", mode)
	}
	return nil
}

// Predict builds the student, teacher and predictor networks.
//
// It returns the predicted target representations and the teacher ones, both shaped
// [batchSize, numTargets, maxTargetTokens, embedDim]. Padded entries (targetMask false) hold
// meaningless values. See Forward for the shapes of the inputs.
func Predict(ctx *context.Context, cfg *Config, images, contextMask, targetIndices, targetMask *Node) (predicted, targets *Node) {
	checkInputs(cfg, images, contextMask, targetIndices, targetMask)
	images = ConvertDType(images, cfg.DType)
	batchSize := images.Shape().Dimensions[0]
	numTokens := cfg.NumTokens()

	// Student: only the context patches can be attended.
	studentMask := BroadcastToDims(InsertAxes(contextMask, 0), batchSize, numTokens)
	student := Encoder(ctx.In(StudentScope), cfg, images, studentMask, cfg.DropoutRate)

	// Teacher: the full image, no dropout, no gradients.
	teacherCtx := ctx.In(TeacherScope)
	teacher := StopGradient(Encoder(teacherCtx, cfg, images, nil, 0))
	teacherCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
	targets = gatherTargets(teacher, targetIndices)

	predicted = Predictor(ctx.In(PredictorScope), cfg, student, contextMask, targetIndices, targetMask)
	return
}

func checkInputs(cfg *Config, images, contextMask, targetIndices, targetMask *Node) {
	images.AssertRank(4)
	dims := images.Shape().Dimensions
	if dims[1] != cfg.ImageSize || dims[2] != cfg.ImageSize || dims[3] != cfg.NumChannels {
		exceptions.Panicf("images must be shaped [batchSize, %d, %d, %d], got %s",
			cfg.ImageSize, cfg.ImageSize, cfg.NumChannels, images.Shape())
	}
	contextMask.AssertDims(cfg.NumTokens())
	targetIndices.AssertRank(2)
	if !targetIndices.DType().IsInt() {
		exceptions.Panicf("targetIndices must be integers, got %s", targetIndices.Shape())
	}
	if !targetMask.Shape().EqualDimensions(targetIndices.Shape()) {
		exceptions.Panicf("targetMask (%s) and targetIndices (%s) must have the same dimensions",
			targetMask.Shape(), targetIndices.Shape())
	}
}

// gatherTargets picks the target tokens from the teacher output.
//
// teacher is shaped [batchSize, numTokens, embedDim] and targetIndices [numTargets, maxTargetTokens].
// It returns [batchSize, numTargets, maxTargetTokens, embedDim].
func gatherTargets(teacher, targetIndices *Node) *Node {
	// [numTokens, batchSize, embedDim] -> [numTargets, maxTargetTokens, batchSize, embedDim]
	gathered := Gather(TransposeAllAxes(teacher, 1, 0, 2), InsertAxes(targetIndices, -1))
	return TransposeAllAxes(gathered, 2, 0, 1, 3)
}

// PatchEmbed splits the images into non-overlapping patches, projects each one to embedDim,
// and adds a learned positional embedding.
//
// It returns the tokens shaped [batchSize, numTokens, embedDim], in row-major patch order.
func PatchEmbed(ctx *context.Context, cfg *Config, images *Node) *Node {
	ctx = ctx.In("patch_embed")
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	x := layers.Convolution(ctx, images).
		Filters(cfg.EmbedDim).
		KernelSize(cfg.PatchSize).
		Strides(cfg.PatchSize).
		NoPadding().
		Done()
	// [batchSize, gridSize, gridSize, embedDim] -> [batchSize, numTokens, embedDim]
	x = Reshape(x, batchSize, cfg.NumTokens(), cfg.EmbedDim)
	posEmbed := ctx.VariableWithShape("positional", shapes.Make(cfg.DType, 1, cfg.NumTokens(), cfg.EmbedDim)).ValueGraph(g)
	return Add(x, posEmbed)
}

// Encoder is the vision transformer used by both the student and the teacher.
//
// keyMask, if not nil, is shaped [batchSize, numTokens], and only the tokens marked true
// can be attended. The outputs of those tokens don't depend on the others.
//
// It returns [batchSize, numTokens, embedDim].
func Encoder(ctx *context.Context, cfg *Config, images, keyMask *Node, dropoutRate float64) *Node {
	x := PatchEmbed(ctx, cfg, images)
	return TransformerLayers(ctx.In("transformer"), cfg, x, keyMask, cfg.EncoderDepth, dropoutRate)
}

// TransformerLayers builds numLayers pre-normalized transformer layers over x, shaped
// [batchSize, sequenceLen, embedDim], followed by a final layer normalization.
//
// keyMask, if not nil, is shaped [batchSize, sequenceLen].
// Dropout is only applied during training.
func TransformerLayers(ctx *context.Context, cfg *Config, x, keyMask *Node, numLayers int, dropoutRate float64) *Node {
	g := x.Graph()
	var dropoutNode *Node
	if dropoutRate > 0 {
		dropoutNode = Scalar(g, x.DType(), dropoutRate)
	}
	for layerNum := range numLayers {
		// Each layer in its own scope.
		ctx := ctx.Inf("%03d_attention_layer", layerNum)
		residual := x
		x = layers.LayerNormalization(ctx.In("000_normalization"), x, -1).Done()
		att := attention.MultiHeadAttention(ctx.In("001_attention"), x, x, x, cfg.NumHeads, cfg.HeadDim()).
			SetOutputDim(cfg.EmbedDim)
		if keyMask != nil {
			att = att.SetKeyMask(keyMask)
		}
		x = att.Done()
		if dropoutNode != nil {
			x = layers.Dropout(ctx.In("002_dropout"), x, dropoutNode)
		}
		x = Add(residual, x)

		// Transformers recipe: 2 dense layers after attention.
		residual = x
		x = layers.LayerNormalization(ctx.In("003_normalization"), x, -1).Done()
		x = layers.Dense(ctx.In("004_mlp_hidden"), x, true, 4*cfg.EmbedDim)
		x = activations.Gelu(x)
		x = layers.Dense(ctx.In("005_mlp_output"), x, true, cfg.EmbedDim)
		if dropoutNode != nil {
			x = layers.Dropout(ctx.In("006_dropout"), x, dropoutNode)
		}
		x = Add(residual, x)
	}
	return layers.LayerNormalization(ctx.In("final_normalization"), x, -1).Done()
}

// Predictor regresses the representations of the target blocks from the student output.
//
// Each target block is predicted independently: its query tokens are a learned mask token
// plus the positional embedding of the target patch, appended to the visible context tokens.
// Queries of a block attend to the context tokens and to the valid queries of the same block.
//
// student is shaped [batchSize, numTokens, embedDim], contextMask [numTokens], and
// targetIndices and targetMask [numTargets, maxTargetTokens].
// It returns [batchSize, numTargets, maxTargetTokens, embedDim].
func Predictor(ctx *context.Context, cfg *Config, student, contextMask, targetIndices, targetMask *Node) *Node {
	g := student.Graph()
	dtype := student.DType()
	batchSize := student.Shape().Dimensions[0]
	numTokens := cfg.NumTokens()
	embedDim := cfg.EmbedDim
	numTargets := targetIndices.Shape().Dimensions[0]
	maxTargetTokens := targetIndices.Shape().Dimensions[1]
	seqLen := numTokens + maxTargetTokens

	posEmbed := ctx.VariableWithShape("positional", shapes.Make(dtype, numTokens, embedDim)).ValueGraph(g)
	x := layers.Dense(ctx.In("input_projection"), student, true, embedDim)
	x = Add(x, InsertAxes(posEmbed, 0))

	// Queries: [1, numTargets, maxTargetTokens, embedDim].
	maskToken := ctx.VariableWithShape("mask_token", shapes.Make(dtype, 1, 1, 1, embedDim)).ValueGraph(g)
	queries := Gather(posEmbed, InsertAxes(targetIndices, -1))
	queries = Add(InsertAxes(queries, 0), maskToken)

	// One sequence per (example, target block): [batchSize * numTargets, seqLen, embedDim].
	x = BroadcastToDims(InsertAxes(x, 1), batchSize, numTargets, numTokens, embedDim)
	queries = BroadcastToDims(queries, batchSize, numTargets, maxTargetTokens, embedDim)
	x = Concatenate([]*Node{x, queries}, 2)
	x = Reshape(x, batchSize*numTargets, seqLen, embedDim)

	contextKeys := BroadcastToDims(Reshape(contextMask, 1, 1, numTokens), batchSize, numTargets, numTokens)
	targetKeys := BroadcastToDims(InsertAxes(targetMask, 0), batchSize, numTargets, maxTargetTokens)
	keyMask := Concatenate([]*Node{contextKeys, targetKeys}, 2)
	keyMask = Reshape(keyMask, batchSize*numTargets, seqLen)

	x = TransformerLayers(ctx.In("transformer"), cfg, x, keyMask, cfg.PredictorDepth, cfg.DropoutRate)
	x = Slice(x, AxisRange(), AxisRange(numTokens, seqLen), AxisRange())
	x = layers.Dense(ctx.In("output_projection"), x, true, embedDim)
	return Reshape(x, batchSize, numTargets, maxTargetTokens, embedDim)
}

// Loss is the mean squared error between predicted and targets over the valid target tokens.
//
// predicted and targets are shaped [batchSize, numTargets, maxTargetTokens, embedDim] and
// targetMask [numTargets, maxTargetTokens].
func Loss(predicted, targets, targetMask *Node) *Node {
	if !predicted.Shape().Equal(targets.Shape()) {
		exceptions.Panicf("predicted (%s) and targets (%s) must have the same shape", predicted.Shape(), targets.Shape())
	}
	dims := predicted.Shape().Dimensions
	mask := Reshape(targetMask, 1, dims[1], dims[2], 1)
	mask = BroadcastToDims(mask, dims...)
	return MaskedReduceAllMean(Square(Sub(predicted, targets)), mask)
}

// NumParameters returns the number of variables and of scalar parameters under the
// given scope of ctx (e.g. StudentScope).
func NumParameters(ctx *context.Context, scope string) (numVariables, numParams int) {
	for v := range ctx.In(scope).IterVariablesInScope() {
		numVariables++
		numParams += v.Shape().Size()
	}
	return
}
