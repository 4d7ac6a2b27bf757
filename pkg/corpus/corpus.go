// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus loads a directory of images eagerly into memory, as one float32 tensor
// shaped [numImages, imageSize, imageSize, 3] with values in [0, 1].
//
// Images are resized (squashed, the aspect ratio is not preserved) to imageSize x imageSize.
// The order of the images is the lexicographic order of their paths, so the index of an
// image in the corpus is stable across runs.
package corpus

import (
	"context"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// NumChannels of the loaded images: the alpha channel, if present, is dropped.
const NumChannels = 3

// ErrEmpty is returned (wrapped with the directory) when no image file is found.
var ErrEmpty = errors.New("no image files found")

// DefaultExtensions of the files considered images. The match is case-insensitive.
var DefaultExtensions = []string{".jpeg", ".jpg", ".png", ".webp", ".bmp", ".tif", ".tiff"}

// Config for Load.
type Config struct {
	// ImageSize is the height and width of the loaded images.
	ImageSize int

	// Extensions of the files to load. If empty, DefaultExtensions is used.
	Extensions []string

	// Workers is the number of images decoded in parallel. If <= 0, it uses the number of CPUs.
	Workers int

	// MaxMemoryFraction is the maximum fraction of the system memory the corpus may use.
	// Load fails if the estimated corpus size is larger. 0 disables the check.
	MaxMemoryFraction float64

	// Verbose displays a progress bar while decoding.
	Verbose bool
}

// DefaultConfig returns the configuration to load images of the given size.
func DefaultConfig(imageSize int) Config {
	return Config{
		ImageSize:         imageSize,
		Extensions:        DefaultExtensions,
		Workers:           runtime.NumCPU(),
		MaxMemoryFraction: 0.8,
	}
}

// Corpus of images held in memory.
type Corpus struct {
	dir       string
	paths     []string
	imageSize int
	images    *tensors.Tensor
}

// FindImages walks dir recursively and returns the sorted paths of the files with one of the
// given extensions.
func FindImages(dir string, extensions []string) ([]string, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "image corpus directory %q", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("image corpus path %q is not a directory", dir)
	}
	var paths []string
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if slices.ContainsFunc(extensions, func(e string) bool { return strings.EqualFold(e, ext) }) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "while listing images in %q", dir)
	}
	slices.Sort(paths)
	return paths, nil
}

// Decode reads the image in path and resizes it to imageSize x imageSize.
func Decode(path string, imageSize int) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	size := img.Bounds().Size()
	if size.X == 0 || size.Y == 0 {
		return nil, errors.Errorf("image %q is empty (%dx%d)", path, size.X, size.Y)
	}
	return imaging.Resize(img, imageSize, imageSize, imaging.Lanczos), nil
}

// Load all images found in dir.
//
// It fails on the first image that can't be decoded, naming the file, and returns an error
// wrapping ErrEmpty if no image is found.
func Load(dir string, config Config) (*Corpus, error) {
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("invalid image size %d", config.ImageSize)
	}
	paths, err := FindImages(dir, config.Extensions)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Wrapf(ErrEmpty, "directory %q", dir)
	}

	estimated := uint64(len(paths)) * uint64(config.ImageSize*config.ImageSize*NumChannels) * uint64(dtypes.Float32.Size())
	klog.V(1).Infof("corpus %q: %d images of %dx%d, estimated %s",
		dir, len(paths), config.ImageSize, config.ImageSize, humanize.Bytes(estimated))
	if config.MaxMemoryFraction > 0 {
		if total := memory.TotalMemory(); total > 0 && float64(estimated) > config.MaxMemoryFraction*float64(total) {
			return nil, errors.Errorf("corpus %q requires %s, more than %.0f%% of the system memory (%s)",
				dir, humanize.Bytes(estimated), 100*config.MaxMemoryFraction, humanize.Bytes(total))
		}
	}

	var pBar *progressbar.ProgressBar
	if config.Verbose {
		pBar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription(fmt.Sprintf("Loading %s", filepath.Base(dir))),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	workers := config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	decoded := make([]image.Image, len(paths))
	g, gCtx := errgroup.WithContext(context.Background())
	g.SetLimit(workers)
	for ii, path := range paths {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			img, err := Decode(path, config.ImageSize)
			if err != nil {
				return err
			}
			decoded[ii] = img
			if pBar != nil {
				_ = pBar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if pBar != nil {
		_ = pBar.Finish()
	}

	c := &Corpus{
		dir:       dir,
		paths:     paths,
		imageSize: config.ImageSize,
	}
	err = exceptions.TryCatch[error](func() { c.images = timage.ToTensor(dtypes.Float32).Batch(decoded) })
	if err != nil {
		return nil, errors.WithMessagef(err, "converting images of %q to a tensor", dir)
	}
	klog.V(1).Infof("corpus %q: loaded %s, %s", dir, c.images.Shape(), humanize.Bytes(uint64(c.Memory())))
	return c, nil
}

// FromTensor creates a Corpus from images already in memory, shaped [numImages, size, size, 3]
// with dtype float32. The images are identified by synthetic paths under name.
func FromTensor(name string, images *tensors.Tensor) (*Corpus, error) {
	shape := images.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 || shape.Dimensions[1] != shape.Dimensions[2] ||
		shape.Dimensions[3] != NumChannels {
		return nil, errors.Errorf("corpus images must be float32 shaped [numImages, size, size, %d], got %s",
			NumChannels, shape)
	}
	if shape.Dimensions[0] == 0 {
		return nil, errors.Wrapf(ErrEmpty, "corpus %q", name)
	}
	paths := make([]string, shape.Dimensions[0])
	for ii := range paths {
		paths[ii] = filepath.Join(name, fmt.Sprintf("%06d", ii))
	}
	return &Corpus{
		dir:       name,
		paths:     paths,
		imageSize: shape.Dimensions[1],
		images:    images,
	}, nil
}

// Dir returns the directory the corpus was loaded from.
func (c *Corpus) Dir() string { return c.dir }

// Len returns the number of images.
func (c *Corpus) Len() int { return len(c.paths) }

// Paths of the images, in corpus order.
func (c *Corpus) Paths() []string { return c.paths }

// ImageSize returns the height and width of the images.
func (c *Corpus) ImageSize() int { return c.imageSize }

// Images returns the tensor with all images, shaped [Len(), ImageSize(), ImageSize(), 3].
// It is owned by the Corpus and shouldn't be finalized.
func (c *Corpus) Images() *tensors.Tensor { return c.images }

// Memory used by the images tensor, in bytes.
func (c *Corpus) Memory() uintptr { return c.images.Shape().Memory() }

// Sample returns a copy of the i-th image, shaped [ImageSize(), ImageSize(), 3].
func (c *Corpus) Sample(i int) (*tensors.Tensor, error) {
	if i < 0 || i >= c.Len() {
		return nil, errors.Errorf("image index %d out of range for corpus of %d images", i, c.Len())
	}
	sampleSize := c.imageSize * c.imageSize * NumChannels
	var sample []float32
	err := tensors.ConstFlatData(c.images, func(flat []float32) {
		sample = slices.Clone(flat[i*sampleSize : (i+1)*sampleSize])
	})
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(sample, c.imageSize, c.imageSize, NumChannels), nil
}

// String implements fmt.Stringer.
func (c *Corpus) String() string {
	return fmt.Sprintf("corpus %q: %d images of %dx%d", c.dir, c.Len(), c.imageSize, c.imageSize)
}
