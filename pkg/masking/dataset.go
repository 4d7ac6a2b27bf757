// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package masking

import (
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Dataset wraps a batched dataset and appends the masks sampled for each batch to its inputs.
//
// Three input tensors are appended, in this order:
//
//   - contextMask: shape [numTokens], bool, true for the patches visible to the student.
//   - targetIndices: shape [numTargets, maxTargetTokens], int32, token indices of each target
//     block, padded with 0.
//   - targetMask: shape [numTargets, maxTargetTokens], bool, true for the valid entries
//     of targetIndices.
//
// The masks have no batch axis: they are shared by every example of the batch.
type Dataset struct {
	source  train.Dataset
	sampler *Sampler

	mu        sync.Mutex
	lastMasks Masks
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset wraps source with masks sampled from sampler. The sampler shouldn't be used
// by anything else afterward.
func NewDataset(source train.Dataset, sampler *Sampler) *Dataset {
	return &Dataset{source: source, sampler: sampler}
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.source.Name() }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string {
	if named, ok := ds.source.(train.HasShortName); ok {
		return named.ShortName()
	}
	name := ds.source.Name()
	return name[:min(3, len(name))]
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() { ds.source.Reset() }

// Masks returns the masks sampled for the last yielded batch.
func (ds *Dataset) Masks() Masks {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.lastMasks
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	var sourceInputs []*tensors.Tensor
	spec, sourceInputs, labels, err = ds.source.Yield()
	if err != nil {
		return
	}
	ds.mu.Lock()
	masks := ds.sampler.Sample()
	ds.lastMasks = masks
	ds.mu.Unlock()

	inputs = make([]*tensors.Tensor, 0, len(sourceInputs)+3)
	inputs = append(inputs, sourceInputs...)
	inputs = append(inputs, masks.Tensors(ds.sampler.Grid(), ds.sampler.MaxTargetTokens())...)
	return
}

// Tensors converts the masks to the contextMask, targetIndices and targetMask tensors
// described in Dataset.
func (m Masks) Tensors(grid Grid, maxTargetTokens int) []*tensors.Tensor {
	contextMask := make([]bool, grid.NumTokens())
	for _, token := range m.ContextTokens {
		contextMask[token] = true
	}
	numTargets := len(m.TargetTokens)
	targetIndices := make([]int32, numTargets*maxTargetTokens)
	targetMask := make([]bool, numTargets*maxTargetTokens)
	for ii, tokens := range m.TargetTokens {
		row := ii * maxTargetTokens
		for jj, token := range tokens[:min(len(tokens), maxTargetTokens)] {
			targetIndices[row+jj] = int32(token)
			targetMask[row+jj] = true
		}
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(contextMask, grid.NumTokens()),
		tensors.FromFlatDataAndDimensions(targetIndices, numTargets, maxTargetTokens),
		tensors.FromFlatDataAndDimensions(targetMask, numTargets, maxTargetTokens),
	}
}
