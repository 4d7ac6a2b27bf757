// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package masking

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDataset yields numBatches batches of a single scalar input and then io.EOF.
type countingDataset struct {
	numBatches, count int
}

func (ds *countingDataset) Name() string { return "counting" }
func (ds *countingDataset) Reset()       { ds.count = 0 }
func (ds *countingDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.count >= ds.numBatches {
		err = io.EOF
		return
	}
	inputs = []*tensors.Tensor{tensors.FromValue(int32(ds.count))}
	ds.count++
	return
}

func TestDataset(t *testing.T) {
	grid := Grid{14, 14}
	sampler, err := NewSampler(DefaultConfig(), grid, 1)
	require.NoError(t, err)
	maxTargetTokens := sampler.MaxTargetTokens()
	ds := NewDataset(&countingDataset{numBatches: 3}, sampler)
	assert.Equal(t, "counting", ds.Name())
	assert.Equal(t, "cou", ds.ShortName())

	for ii := range 3 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Empty(t, labels)
		require.Len(t, inputs, 4)
		require.Equal(t, int32(ii), tensors.ToScalar[int32](inputs[0]))

		contextMask, targetIndices, targetMask := inputs[1], inputs[2], inputs[3]
		require.Equal(t, []int{grid.NumTokens()}, contextMask.Shape().Dimensions)
		require.Equal(t, []int{4, maxTargetTokens}, targetIndices.Shape().Dimensions)
		require.Equal(t, []int{4, maxTargetTokens}, targetMask.Shape().Dimensions)

		masks := ds.Masks()
		contextFlat := tensors.MustCopyFlatData[bool](contextMask)
		numVisible := 0
		for _, visible := range contextFlat {
			if visible {
				numVisible++
			}
		}
		require.Equal(t, len(masks.ContextTokens), numVisible)
		for _, token := range masks.ContextTokens {
			require.True(t, contextFlat[token])
		}

		indicesFlat := tensors.MustCopyFlatData[int32](targetIndices)
		validFlat := tensors.MustCopyFlatData[bool](targetMask)
		for target, tokens := range masks.TargetTokens {
			row := target * maxTargetTokens
			for jj := range maxTargetTokens {
				if jj < len(tokens) {
					require.True(t, validFlat[row+jj])
					require.Equal(t, int32(tokens[jj]), indicesFlat[row+jj])
				} else {
					require.False(t, validFlat[row+jj])
					require.Zero(t, indicesFlat[row+jj])
				}
			}
		}
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}
