// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pretrain orchestrates the self-supervised pretraining of an I-JEPA network: it loads
// the image corpora, builds the datasets with their masks, the model, the optimizer and the
// training loop, and updates the momentum teacher after every optimizer step.
//
// Hyperparameters are context parameters, see CreateDefaultContext.
//
// Example:
//
//	ctx := pretrain.CreateDefaultContext()
//	run, err := pretrain.New(backend, ctx, pretrain.Config{TrainDir: "~/images/train"})
//	if err != nil {
//		return err
//	}
//	err = run.Train()
package pretrain

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/ijepa/pkg/corpus"
	"github.com/gomlx/ijepa/pkg/jepa"
	"github.com/gomlx/ijepa/pkg/masking"
	"github.com/gomlx/ijepa/pkg/momentum"
	"github.com/gomlx/ijepa/pkg/supplier"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Config of a Run: where to find the data and where to save the checkpoints.
// The hyperparameters are given by the context instead.
type Config struct {
	// TrainDir is searched recursively for the training images. Required.
	TrainDir string

	// ValidationDir is searched recursively for the validation images. Optional: if empty
	// there is no validation at the end of the epochs.
	ValidationDir string

	// CheckpointDir where to save the checkpoints. Optional. If it already holds a checkpoint,
	// training continues from it.
	CheckpointDir string

	// ParamsSet are the hyperparameters set by the user (see commandline.ParseContextSettings):
	// they take precedence over the values saved in a checkpoint.
	ParamsSet []string

	// Verbosity: < 0 is quiet, 0 displays a progress bar, >= 1 logs more details.
	Verbosity int
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.TrainDir == "" {
		return errors.New("a training images directory is required")
	}
	return nil
}

// EpochSummary is recorded at the end of every epoch.
type EpochSummary struct {
	Epoch      int // Starting from 1.
	GlobalStep int // At the end of the epoch.
	NumSteps   int // Train steps run in the epoch.

	TrainLossMean, TrainLossStdDev float64

	// ValidationLoss is NaN if there is no validation corpus.
	ValidationLoss float64

	// Momentum to be used in the next step.
	Momentum float64
	Duration time.Duration
}

// String implements fmt.Stringer.
func (s EpochSummary) String() string {
	return fmt.Sprintf("epoch %d (step %d): train loss %.5f ± %.5f, validation loss %.5f, m=%.6f, %s",
		s.Epoch, s.GlobalStep, s.TrainLossMean, s.TrainLossStdDev, s.ValidationLoss, s.Momentum,
		commandline.FormatDuration(s.Duration))
}

// Run holds everything needed to pretrain a model. Create it with New and call Train.
type Run struct {
	backend backends.Backend
	ctx     *context.Context
	config  Config
	model   *jepa.Config

	maskConfig                    masking.Config
	trainCorpus, validationCorpus *corpus.Corpus
	trainSupplier                 *supplier.Supplier
	trainDS                       train.Dataset
	validationSupplier            *supplier.Supplier
	validationSeed                uint64

	trainer        *train.Trainer
	loop           *train.Loop
	validationLoss metrics.Interface
	checkpoint     *checkpoints.Handler
	nanLogger      *nanlogger.NanLogger

	schedule                  *momentum.Schedule
	updater                   *momentum.Updater
	stepsPerEpoch, totalSteps int

	state       atomic.Int32
	history     []EpochSummary
	epochLosses []float64
	epochStart  time.Time
}

// New validates the configuration and the hyperparameters in ctx, loads the corpora and creates
// the model, the optimizer and the training loop.
//
// If config.CheckpointDir holds a checkpoint, the model is loaded from it and training continues
// from its global step. Otherwise the teacher is initialized as a copy of the student.
func New(backend backends.Backend, ctx *context.Context, config Config) (*Run, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	r := &Run{backend: backend, ctx: ctx, config: config}
	var err error

	// The checkpoint is loaded first, since it can change the hyperparameters.
	if config.CheckpointDir != "" {
		excluded := append(slices.Clone(config.ParamsSet), ParamsExcludedFromSaving...)
		r.checkpoint, err = checkpoints.Build(ctx).
			Dir(config.CheckpointDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			ExcludeParams(excluded...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint in %q", config.CheckpointDir)
		}
		klog.Infof("checkpoint: %q", r.checkpoint.Dir())
	}

	if r.model, err = jepa.ConfigFromContext(ctx); err != nil {
		return nil, err
	}
	if r.model.NumChannels != corpus.NumChannels {
		return nil, errors.Errorf("%s=%d is not supported, images are loaded with %d channels",
			jepa.ParamNumChannels, r.model.NumChannels, corpus.NumChannels)
	}
	if r.maskConfig, err = MaskingConfigFromContext(ctx); err != nil {
		return nil, err
	}
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 16)
	if batchSize <= 0 {
		return nil, errors.Errorf("%s must be > 0, got %d", ParamBatchSize, batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 10)
	if numEpochs <= 0 {
		return nil, errors.Errorf("%s must be > 0, got %d", ParamNumEpochs, numEpochs)
	}
	if err = validateOptimizerParams(ctx); err != nil {
		return nil, err
	}

	// Data.
	corpusConfig := corpus.DefaultConfig(r.model.ImageSize)
	corpusConfig.MaxMemoryFraction = context.GetParamOr(ctx, ParamMaxMemoryFraction, corpusConfig.MaxMemoryFraction)
	corpusConfig.Verbose = config.Verbosity >= 0
	if r.trainCorpus, err = corpus.Load(config.TrainDir, corpusConfig); err != nil {
		return nil, errors.WithMessage(err, "training corpus")
	}
	if config.ValidationDir != "" {
		if r.validationCorpus, err = corpus.Load(config.ValidationDir, corpusConfig); err != nil {
			return nil, errors.WithMessage(err, "validation corpus")
		}
	}
	if err = r.createDatasets(batchSize, evalBatchSize); err != nil {
		return nil, err
	}
	if err = r.prepare(numEpochs); err != nil {
		supplier.Stop(r.trainDS)
		return nil, err
	}
	return r, nil
}

// prepare the schedules, the model variables, the trainer and the loop.
func (r *Run) prepare(numEpochs int) error {
	// The number of planned steps drives both the momentum and the learning rate schedules.
	r.stepsPerEpoch = r.trainSupplier.StepsPerEpoch()
	r.totalSteps = numEpochs * r.stepsPerEpoch
	var err error
	r.schedule, err = momentum.NewSchedule(
		context.GetParamOr(r.ctx, ParamMomentumStart, 0.996),
		context.GetParamOr(r.ctx, ParamMomentumEnd, 1.0),
		r.totalSteps)
	if err != nil {
		return err
	}
	klog.Infof("%s", r.model)
	klog.Infof("%d epochs of %d steps: %d steps in total", numEpochs, r.stepsPerEpoch, r.totalSteps)

	if err = r.initVariables(); err != nil {
		return err
	}
	r.logModelSummary()
	r.createTrainer()
	r.createLoop()
	return nil
}

func validateOptimizerParams(ctx *context.Context) error {
	if lr := context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-3); !(lr > 0) {
		return errors.Errorf("%s must be > 0, got %g", optimizers.ParamLearningRate, lr)
	}
	if fraction := context.GetParamOr(ctx, ParamOneCycleWarmupFraction, 0.3); fraction < 0 || fraction >= 1 {
		return errors.Errorf("%s must be in [0, 1), got %g", ParamOneCycleWarmupFraction, fraction)
	}
	for _, key := range []string{ParamOneCycleInitialDiv, ParamOneCycleFinalDiv} {
		if div := context.GetParamOr(ctx, key, 1.0); !(div >= 1) {
			return errors.Errorf("%s must be >= 1, got %g", key, div)
		}
	}
	if clipNorm := context.GetParamOr(ctx, ParamGradientClipNorm, 0.1); clipNorm < 0 {
		return errors.Errorf("%s must be >= 0 (0 disables clipping), got %g", ParamGradientClipNorm, clipNorm)
	}
	return nil
}

// createDatasets creates the shuffled training dataset, with its masks, and the validation
// supplier, if there is a validation corpus.
func (r *Run) createDatasets(batchSize, evalBatchSize int) error {
	ctx := r.ctx
	supplierConfig := supplier.Config{
		BatchSize: batchSize,
		Shuffle:   true,
		Infinite:  true,
		Workers:   context.GetParamOr(ctx, ParamNumWorkers, 4),
		PinMemory: context.GetParamOr(ctx, ParamPinMemory, true),
	}
	var err error
	if r.trainSupplier, err = supplier.New(r.backend, "train", r.trainCorpus, supplierConfig); err != nil {
		return err
	}
	seed := uint64(context.GetParamOr(ctx, ParamMaskSeed, 0))
	if seed == 0 {
		seed = rand.Uint64()
	}
	sampler, err := masking.NewSampler(r.maskConfig, r.model.Grid(), seed)
	if err != nil {
		return err
	}
	if r.validationCorpus != nil {
		r.validationSupplier, err = supplier.New(r.backend, "validation", r.validationCorpus,
			supplier.Config{BatchSize: evalBatchSize})
		if err != nil {
			return err
		}
		r.validationSeed = seed + 1
	}

	// Prefetch is the last: it starts goroutines.
	r.trainDS, err = supplier.Prefetch(r.backend, masking.NewDataset(r.trainSupplier, sampler), supplierConfig)
	return err
}

// initVariables creates the model variables (or loads them from the checkpoint) by building the
// model once, and then sets up the momentum updater.
func (r *Run) initVariables() error {
	sampler, err := masking.NewSampler(r.maskConfig, r.model.Grid(), 1)
	if err != nil {
		return err
	}
	masks := sampler.Sample().Tensors(sampler.Grid(), sampler.MaxTargetTokens())
	size := r.model.ImageSize
	images := tensors.FromScalarAndDimensions(float32(0), 1, size, size, r.model.NumChannels)
	_, err = context.ExecOnce(r.backend, r.ctx,
		func(ctx *context.Context, images, contextMask, targetIndices, targetMask *Node) *Node {
			return jepa.ModelGraph(ctx, nil, []*Node{images, contextMask, targetIndices, targetMask})[0]
		}, images, masks[0], masks[1], masks[2])
	if err != nil {
		return errors.WithMessage(err, "creating the model variables")
	}

	r.updater, err = momentum.NewUpdater(r.backend, r.ctx, jepa.StudentScope, jepa.TeacherScope)
	if err != nil {
		return err
	}
	var globalStep int
	err = exceptions.TryCatch[error](func() { globalStep = int(optimizers.GetGlobalStep(r.ctx)) })
	if err != nil {
		return err
	}
	if globalStep == 0 {
		return r.updater.Sync()
	}
	// Continuing from a checkpoint: the momentum is derived from the global step.
	if err = r.schedule.AdvanceTo(globalStep); err != nil {
		return err
	}
	klog.Infof("continuing from global step %d, %s", globalStep, r.schedule)
	return nil
}

func (r *Run) logModelSummary() {
	for _, scope := range []string{jepa.StudentScope, jepa.TeacherScope, jepa.PredictorScope} {
		numVars, numParams := jepa.NumParameters(r.ctx, scope)
		klog.Infof("model %-10s %4d variables, %s parameters", scope+":", numVars, humanize.Comma(int64(numParams)))
	}
}

// modelGraph adds the learning rate schedule to the I-JEPA model graph.
func (r *Run) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	OneCycleSchedule(ctx, inputs[0].Graph(), r.model.DType, r.totalSteps)
	predictions := jepa.ModelGraph(ctx, spec, inputs)
	if r.nanLogger != nil {
		r.nanLogger.TraceFirstNaN(predictions[0], "loss")
	}
	return predictions
}

func (r *Run) createTrainer() {
	ctx := r.ctx
	if context.GetParamOr(ctx, ParamNanLogger, false) {
		r.nanLogger = nanlogger.New()
		ctx.SetParam(optimizers.ParamNanLogger, r.nanLogger)
	}
	r.validationLoss = metrics.NewMeanMetric("Validation Loss", "#loss", metrics.LossMetricType,
		func(_ *context.Context, _, predictions []*Node) *Node { return predictions[0] }, nil).
		WithDynamicBatch(false)
	optimizer := NewClippedOptimizer(optimizers.FromContext(ctx), context.GetParamOr(ctx, ParamGradientClipNorm, 0.1))

	// Variables already exist, they are only reused from now on.
	r.trainer = train.NewTrainer(r.backend, ctx.Reuse(), r.modelGraph, jepa.LossFn,
		optimizer,
		[]metrics.Interface{},                 // trainMetrics
		[]metrics.Interface{r.validationLoss}) // evalMetrics
	if r.nanLogger != nil {
		r.trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			r.nanLogger.AttachToExec(exec)
		})
	}
}

func (r *Run) createLoop() {
	r.loop = train.NewLoop(r.trainer)
	if r.config.Verbosity >= 0 {
		commandline.AttachProgressBar(r.loop, r.momentumMetric, r.learningRateMetric)
	}

	// The teacher update comes first: other hooks (validation, checkpoints) see the updated teacher.
	r.loop.OnStep("momentum update", -100, r.onStep)
	r.loop.OnStep("end of epoch", 50, r.onEpochStep)
	if r.checkpoint != nil {
		minutes := context.GetParamOr(r.ctx, ParamCheckpointPeriodMinutes, 3.0)
		period := time.Duration(minutes * float64(time.Minute))
		train.PeriodicCallback(r.loop, period, true, "saving checkpoint", 100, r.saveCheckpoint)
	}
	if context.GetParamOr(r.ctx, plotly.ParamPlots, false) {
		plotter := plotly.New().WithCheckpoint(r.checkpoint).Dynamic()
		if r.validationSupplier != nil {
			sampler, err := masking.NewSampler(r.maskConfig, r.model.Grid(), r.validationSeed)
			if err == nil {
				plotter = plotter.WithDatasets(masking.NewDataset(r.validationSupplier, sampler))
			}
		}
		plotter.ScheduleExponential(r.loop, 100, 1.2)
	}
}

func (r *Run) setState(s State) { r.state.Store(int32(s)) }

// State returns the current state of the run. It can be called concurrently with Train.
func (r *Run) State() State { return State(r.state.Load()) }

// Momentum returns the momentum coefficient to be used in the next teacher update.
func (r *Run) Momentum() float64 { return r.schedule.Value() }

// History returns the summaries of the epochs completed so far.
func (r *Run) History() []EpochSummary { return slices.Clone(r.history) }

// TotalSteps is the number of training steps planned: epochs times steps per epoch.
func (r *Run) TotalSteps() int { return r.totalSteps }

// StepsPerEpoch is the number of batches in one pass over the training corpus.
func (r *Run) StepsPerEpoch() int { return r.stepsPerEpoch }

// Trainer used by the run.
func (r *Run) Trainer() *train.Trainer { return r.trainer }

// Loop used by the run, it can be used to attach more hooks before Train is called.
func (r *Run) Loop() *train.Loop { return r.loop }

// Updater of the teacher variables.
func (r *Run) Updater() *momentum.Updater { return r.updater }

// Checkpoint handler, nil if no checkpoint directory was configured.
func (r *Run) Checkpoint() *checkpoints.Handler { return r.checkpoint }

// Train runs the training loop until the planned number of steps is reached.
// It can only be called once.
func (r *Run) Train() error {
	if s := r.State(); s != Idle {
		return errors.Errorf("Train can only be called once, the run is %s", s)
	}
	defer supplier.Stop(r.trainDS)
	defer r.setState(Terminated)
	r.setState(RunningTrainStep)

	r.epochStart = time.Now()
	startStep := r.loop.LoopStep
	if startStep >= r.totalSteps {
		klog.Infof("planned %d steps already reached: increase %s to train further", r.totalSteps, ParamNumEpochs)
		return nil
	}
	_, err := r.loop.RunToGlobalStep(r.trainDS, r.totalSteps)
	if err != nil {
		return errors.WithMessagef(err, "training interrupted at step %d", r.loop.LoopStep)
	}
	if r.config.Verbosity >= 1 {
		klog.Infof("[step %d] median train step: %d microseconds",
			r.loop.LoopStep, r.loop.MedianTrainStepDuration().Microseconds())
	}
	return nil
}

// onStep updates the teacher with the current momentum, and then advances it.
func (r *Run) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	loss := shapes.ConvertTo[float64](metrics[0].Value())
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errors.Errorf("loss is %g at step %d, training aborted", loss, loop.LoopStep)
	}
	m := r.schedule.Value()
	if err := r.updater.Update(m); err != nil {
		return err
	}
	r.schedule.Advance()
	r.epochLosses = append(r.epochLosses, loss)
	if klog.V(2).Enabled() {
		klog.Infof("step %d: loss=%.6f m=%.6f teacher drift=%.3g", loop.LoopStep, loss, m, r.updater.Drift())
	}
	return nil
}

// onEpochStep runs the validation and records the summary at the last step of every epoch.
func (r *Run) onEpochStep(loop *train.Loop, _ []*tensors.Tensor) error {
	stepsDone := loop.LoopStep + 1
	if stepsDone%r.stepsPerEpoch != 0 {
		return nil
	}
	summary := EpochSummary{
		Epoch:          stepsDone / r.stepsPerEpoch,
		GlobalStep:     stepsDone,
		NumSteps:       len(r.epochLosses),
		ValidationLoss: math.NaN(),
		Momentum:       r.schedule.Value(),
		Duration:       time.Since(r.epochStart),
	}
	switch len(r.epochLosses) {
	case 0:
		summary.TrainLossMean, summary.TrainLossStdDev = math.NaN(), math.NaN()
	case 1:
		summary.TrainLossMean = r.epochLosses[0]
	default:
		summary.TrainLossMean, summary.TrainLossStdDev = stat.MeanStdDev(r.epochLosses, nil)
	}
	if r.validationSupplier != nil {
		r.setState(RunningValidationStep)
		var err error
		summary.ValidationLoss, err = r.Validate()
		r.setState(RunningTrainStep)
		if err != nil {
			return err
		}
	}
	r.history = append(r.history, summary)
	r.epochLosses = r.epochLosses[:0]
	r.epochStart = time.Now()
	if r.config.Verbosity >= 0 {
		klog.Infof("%s", summary)
	}
	return nil
}

// Validate returns the mean loss over the validation corpus, without changing the model.
//
// The masks are sampled with the same seed at every call, so the losses of different epochs
// are measured on the same regions.
func (r *Run) Validate() (float64, error) {
	if r.validationSupplier == nil {
		return math.NaN(), errors.New("no validation corpus configured")
	}
	sampler, err := masking.NewSampler(r.maskConfig, r.model.Grid(), r.validationSeed)
	if err != nil {
		return math.NaN(), err
	}
	ds := masking.NewDataset(r.validationSupplier, sampler)
	ds.Reset()
	results, err := r.trainer.Eval(ds)
	if err != nil {
		return math.NaN(), errors.WithMessage(err, "validation")
	}
	for ii, metric := range r.trainer.EvalMetrics() {
		if metric == r.validationLoss {
			return shapes.ConvertTo[float64](results[ii].Value()), nil
		}
	}
	return math.NaN(), errors.New("validation loss not found in the evaluation metrics")
}

func (r *Run) saveCheckpoint(_ *train.Loop, _ []*tensors.Tensor) error {
	previous := r.State()
	r.setState(Checkpointing)
	defer r.setState(previous)
	return r.checkpoint.Save()
}

func (r *Run) momentumMetric() (name, value string) {
	return "m", fmt.Sprintf("%.6f", r.schedule.Value())
}

func (r *Run) learningRateMetric() (name, value string) {
	name = "lr"
	v := r.ctx.InspectVariable(r.ctx.In(optimizers.Scope).Scope(), optimizers.ParamLearningRate)
	if v == nil {
		return name, "-"
	}
	t, err := v.Value()
	if err != nil {
		return name, "?"
	}
	return name, fmt.Sprintf("%.3g", shapes.ConvertTo[float64](t.Value()))
}
