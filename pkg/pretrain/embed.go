// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrain

import (
	"io"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/ijepa/pkg/corpus"
	"github.com/gomlx/ijepa/pkg/jepa"
	"github.com/gomlx/ijepa/pkg/supplier"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Embed runs the student encoder over every image of c, in corpus order, and returns the
// representation of every patch: shaped [c.Len(), numTokens, embedDim].
//
// The model variables must already be in ctx, typically loaded from a checkpoint.
func Embed(backend backends.Backend, ctx *context.Context, c *corpus.Corpus, batchSize int) (*tensors.Tensor, error) {
	cfg, err := jepa.ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if c.ImageSize() != cfg.ImageSize {
		return nil, errors.Errorf("corpus images are %dx%d, but the model takes %dx%d images",
			c.ImageSize(), c.ImageSize(), cfg.ImageSize, cfg.ImageSize)
	}
	ds, err := supplier.New(backend, "embed", c, supplier.Config{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		return jepa.EmbedGraph(ctx, nil, []*Node{images})[0]
	})
	if err != nil {
		return nil, err
	}

	tokenSize := cfg.NumTokens() * cfg.EmbedDim
	embeddings := make([]float32, 0, c.Len()*tokenSize)
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		batch, err := exec.Exec1(inputs[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "embedding images %d to %d",
				len(embeddings)/tokenSize, len(embeddings)/tokenSize+inputs[0].Shape().Dimensions[0])
		}
		err = tensors.ConstFlatData(batch, func(flat []float32) {
			embeddings = append(embeddings, flat...)
		})
		if err != nil {
			return nil, err
		}
		for _, t := range []*tensors.Tensor{inputs[0], labels[0], batch} {
			if err = t.FinalizeAll(); err != nil {
				return nil, err
			}
		}
	}
	klog.V(1).Infof("embedded %d images from %q", c.Len(), c.Dir())
	return tensors.FromFlatDataAndDimensions(embeddings, c.Len(), cfg.NumTokens(), cfg.EmbedDim), nil
}
