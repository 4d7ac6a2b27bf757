// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package supplier yields batches of images from an in-memory corpus, in shuffled (training)
// or loader (validation) order.
//
// Each batch has one input and one label:
//
//   - inputs[0], images: float32 shaped [batchSize, imageSize, imageSize, 3].
//   - labels[0], ids: int32 shaped [batchSize], the index of each image in the corpus. There are
//     no real labels in self-supervised training, the ids are used to trace which images
//     were seen.
package supplier

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/ijepa/pkg/corpus"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a Supplier.
type Config struct {
	// BatchSize must be > 0.
	BatchSize int

	// Shuffle the images, with a new order at every epoch. Used for training.
	// If false, images are yielded in corpus order.
	Shuffle bool

	// DropIncomplete drops the last batch of an epoch if it is smaller than BatchSize.
	DropIncomplete bool

	// Infinite makes the supplier loop over the corpus indefinitely, reshuffling at every epoch.
	Infinite bool

	// Workers is the number of batches prepared ahead of use by Prefetch. 0 disables it.
	Workers int

	// PinMemory makes Prefetch upload the next batch to the accelerator ahead of use.
	PinMemory bool
}

// Supplier implements train.Dataset over a corpus.Corpus.
type Supplier struct {
	*datasets.InMemoryDataset
	config      Config
	numExamples int
}

var _ train.Dataset = (*Supplier)(nil)

// New creates a Supplier for the images of c. The name must have at least 3 characters, the
// first 3 are used as its short name in metrics.
func New(backend backends.Backend, name string, c *corpus.Corpus, config Config) (*Supplier, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", config.BatchSize)
	}
	if len(name) < 3 {
		return nil, errors.Errorf("dataset name %q must have at least 3 characters", name)
	}
	if c.Len() == 0 {
		return nil, errors.Wrapf(corpus.ErrEmpty, "dataset %q", name)
	}
	if config.DropIncomplete && c.Len() < config.BatchSize {
		return nil, errors.Errorf("dataset %q has %d images, less than one batch of %d, and incomplete batches are dropped",
			name, c.Len(), config.BatchSize)
	}
	ids := make([]int32, c.Len())
	for ii := range ids {
		ids[ii] = int32(ii)
	}
	mds, err := datasets.InMemoryFromData(backend, name, []any{c.Images()}, []any{ids})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	mds.BatchSize(config.BatchSize, config.DropIncomplete).Infinite(config.Infinite)
	if config.Shuffle {
		mds.Shuffle()
	}
	s := &Supplier{
		InMemoryDataset: mds,
		config:          config,
		numExamples:     c.Len(),
	}
	klog.V(1).Infof("dataset %q: %d images, %d steps per epoch (batch size %d, shuffle=%v)",
		name, s.numExamples, s.StepsPerEpoch(), config.BatchSize, config.Shuffle)
	return s, nil
}

// Config returns the supplier configuration.
func (s *Supplier) Config() Config { return s.config }

// NumExamples returns the number of images in one epoch.
func (s *Supplier) NumExamples() int { return s.numExamples }

// StepsPerEpoch returns the number of batches yielded per epoch.
func (s *Supplier) StepsPerEpoch() int {
	if s.config.DropIncomplete {
		return s.numExamples / s.config.BatchSize
	}
	return (s.numExamples + s.config.BatchSize - 1) / s.config.BatchSize
}

// Prefetch wraps ds so batches are prepared ahead of their use, according to config.Workers and
// config.PinMemory. Neither changes the order of the batches.
//
// Call Stop on the returned dataset when done, to release its goroutines.
func Prefetch(backend backends.Backend, ds train.Dataset, config Config) (train.Dataset, error) {
	if config.Workers > 0 {
		ds = datasets.ReadAhead(ds, config.Workers)
	}
	if config.PinMemory {
		onDevice, err := datasets.NewOnDevice(backend, ds, false, 1, backends.DeviceNum(0))
		if err != nil {
			return nil, errors.WithMessagef(err, "prefetching dataset %q to device", ds.Name())
		}
		ds = &prefetched{OnDevice: onDevice, source: ds}
	}
	return ds, nil
}

// prefetched keeps a reference to the read-ahead dataset under the OnDevice one, so Stop can
// reach it.
type prefetched struct {
	*datasets.OnDevice
	source train.Dataset
}

// Stop releases the goroutines started by Prefetch. It is a no-op for other datasets.
func Stop(ds train.Dataset) {
	if p, ok := ds.(*prefetched); ok {
		ds = p.source
	}
	if done, ok := ds.(interface{ Done() }); ok {
		done.Done()
	}
}
