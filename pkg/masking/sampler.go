// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package masking samples which patches of the image grid are visible to the student encoder
// (the "context") and which patch blocks (the "targets") the predictor has to reconstruct in
// the teacher's representation space.
//
// One geometry is sampled per training step and shared by every example of the batch, so the
// masks of a step have a static shape.
package masking

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Grid is the patch grid of an image: Height rows and Width columns of patches.
type Grid struct {
	Height, Width int
}

// NumTokens is the number of patches (tokens) in the grid.
func (g Grid) NumTokens() int { return g.Height * g.Width }

// String implements fmt.Stringer.
func (g Grid) String() string { return fmt.Sprintf("%dx%d", g.Height, g.Width) }

// Region is a rectangle of patches in the grid.
type Region struct {
	Top, Left     int
	Height, Width int
}

// Area is the number of patches in the region.
func (r Region) Area() int { return r.Height * r.Width }

// Contains returns whether the patch at (row, col) is in the region.
func (r Region) Contains(row, col int) bool {
	return row >= r.Top && row < r.Top+r.Height && col >= r.Left && col < r.Left+r.Width
}

// In returns whether the region is non-empty and lies fully inside the grid.
func (r Region) In(grid Grid) bool {
	return r.Top >= 0 && r.Left >= 0 && r.Height > 0 && r.Width > 0 &&
		r.Top+r.Height <= grid.Height && r.Left+r.Width <= grid.Width
}

// Tokens returns the row-major token indices of the region's patches.
func (r Region) Tokens(grid Grid) []int {
	tokens := make([]int, 0, r.Area())
	for row := r.Top; row < r.Top+r.Height; row++ {
		for col := r.Left; col < r.Left+r.Width; col++ {
			tokens = append(tokens, row*grid.Width+col)
		}
	}
	return tokens
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d]", r.Top, r.Top+r.Height, r.Left, r.Left+r.Width)
}

// Range of values, inclusive. Min == Max is a constant.
type Range struct {
	Min, Max float64
}

// Validate returns an error if the range is inverted or not strictly positive.
func (r Range) Validate(name string) error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min <= 0 || r.Max < r.Min {
		return errors.Errorf("invalid %s range [%g, %g]: it must satisfy 0 < min <= max", name, r.Min, r.Max)
	}
	return nil
}

// Config of the masking policy.
type Config struct {
	// TargetAspectRatio (width/height) range of each target block.
	TargetAspectRatio Range

	// TargetScale is the range of the fraction of the grid covered by each target block.
	TargetScale Range

	// ContextAspectRatio is fixed, it is not sampled.
	ContextAspectRatio float64

	// ContextScale is the range of the fraction of the grid covered by the context block.
	ContextScale Range

	// NumTargets is the number of target blocks (M) sampled per step.
	NumTargets int

	// ExcludeTargetsFromContext removes target patches from the visible context, so the
	// predictor can't trivially copy them.
	ExcludeTargetsFromContext bool
}

// DefaultConfig returns the masking configuration used to pretrain I-JEPA models.
func DefaultConfig() Config {
	return Config{
		TargetAspectRatio:         Range{0.75, 1.5},
		TargetScale:               Range{0.15, 0.2},
		ContextAspectRatio:        1.0,
		ContextScale:              Range{0.85, 1.0},
		NumTargets:                4,
		ExcludeTargetsFromContext: true,
	}
}

// Validate the configuration.
func (c Config) Validate() error {
	if err := c.TargetAspectRatio.Validate("target aspect ratio"); err != nil {
		return err
	}
	if err := c.TargetScale.Validate("target scale"); err != nil {
		return err
	}
	if err := c.ContextScale.Validate("context scale"); err != nil {
		return err
	}
	if c.TargetScale.Max > 1 || c.ContextScale.Max > 1 {
		return errors.Errorf("scales are fractions of the grid and must be <= 1, got target %v and context %v",
			c.TargetScale, c.ContextScale)
	}
	if !(c.ContextAspectRatio > 0) {
		return errors.Errorf("context aspect ratio must be > 0, got %g", c.ContextAspectRatio)
	}
	if c.NumTargets < 1 {
		return errors.Errorf("number of target blocks must be >= 1, got %d", c.NumTargets)
	}
	return nil
}

// Masks sampled for one step.
type Masks struct {
	// Context rectangle, before removing the targets.
	Context Region

	// Targets blocks, exactly Config.NumTargets of them. They may overlap.
	Targets []Region

	// ContextTokens visible to the student encoder, sorted.
	ContextTokens []int

	// TargetTokens for each target block.
	TargetTokens [][]int
}

// Sampler of context and target regions. It is not safe for concurrent use.
type Sampler struct {
	config Config
	grid   Grid
	rng    *rand.Rand
}

// NewSampler validates the configuration and returns a Sampler seeded with seed.
func NewSampler(config Config, grid Grid, seed uint64) (*Sampler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if grid.Height <= 0 || grid.Width <= 0 {
		return nil, errors.Errorf("invalid patch grid %s", grid)
	}
	return &Sampler{
		config: config,
		grid:   grid,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Config returns the sampler's configuration.
func (s *Sampler) Config() Config { return s.config }

// Grid returns the patch grid the regions are sampled on.
func (s *Sampler) Grid() Grid { return s.grid }

// MaxTargetTokens is an upper bound on the number of tokens of any target block, used as the
// padded length of the target indices.
func (s *Sampler) MaxTargetTokens() int {
	return maxArea(s.grid, s.config.TargetScale)
}

func (s *Sampler) uniform(r Range) float64 {
	if r.Max == r.Min {
		return r.Min
	}
	return r.Min + s.rng.Float64()*(r.Max-r.Min)
}

func clamp[T constraints.Ordered](x, lower, upper T) T {
	return min(max(x, lower), upper)
}

// Tolerance for the float rounding of scale and aspect bounds.
const boundsEpsilon = 1e-9

// maxArea is the largest number of patches a region of the given scale range can cover.
func maxArea(grid Grid, scales Range) int {
	return max(1, int(float64(grid.NumTokens())*scales.Max+boundsEpsilon))
}

// RegionShape returns the height and width of a region covering the fraction scale of the
// grid with the given aspect ratio (width/height), where scale was drawn from scales and
// aspect from aspects.
//
// Among the rectangles that fit in the grid, with area at most ⌊scales.Max·gridArea⌋ (and at
// least 1), it picks the one minimizing
//
//	|area - round(scale·gridArea)| / round(scale·gridArea) + |ln((width/height) / aspect)|
//
// restricted to rectangles with area >= ⌈scales.Min·gridArea⌉ and width/height in aspects.
// If no rectangle satisfies both, the aspect restriction is dropped, and then the minimum area.
// Ties are broken in favor of the smaller height, then the smaller width.
func RegionShape(grid Grid, scale, aspect float64, scales, aspects Range) (height, width int) {
	numTokens := float64(grid.NumTokens())
	largest := maxArea(grid, scales)
	smallest := int(math.Ceil(numTokens*scales.Min - boundsEpsilon))
	requested := float64(clamp(int(math.Round(numTokens*scale)), 1, largest))
	inAspects := func(h, w int) bool {
		ratio := float64(w) / float64(h)
		return ratio >= aspects.Min-boundsEpsilon && ratio <= aspects.Max+boundsEpsilon
	}
	stages := []func(h, w int) bool{
		func(h, w int) bool { return h*w >= smallest && inAspects(h, w) },
		func(h, w int) bool { return h*w >= smallest },
		func(h, w int) bool { return true },
	}
	for _, accept := range stages {
		bestCost := math.Inf(1)
		for h := 1; h <= min(grid.Height, largest); h++ {
			for w := 1; w <= min(grid.Width, largest/h); w++ {
				if !accept(h, w) {
					continue
				}
				cost := math.Abs(float64(h*w)-requested)/requested +
					math.Abs(math.Log(float64(w)/float64(h)/aspect))
				if cost < bestCost {
					bestCost, height, width = cost, h, w
				}
			}
		}
		if height > 0 {
			return
		}
	}
	// Not reached: a 1x1 region is always accepted by the last stage.
	return 1, 1
}

// SampleRegion samples a region with scale drawn from scales and aspect ratio drawn from
// aspects, see RegionShape. The region is always fully inside the grid.
func (s *Sampler) SampleRegion(scales, aspects Range) Region {
	height, width := RegionShape(s.grid, s.uniform(scales), s.uniform(aspects), scales, aspects)
	return Region{
		Top:    s.rng.IntN(s.grid.Height - height + 1),
		Left:   s.rng.IntN(s.grid.Width - width + 1),
		Height: height,
		Width:  width,
	}
}

// Sample the masks for one step: the target blocks first, then the context block.
//
// Each target block samples its own scale and aspect ratio. If removing the targets leaves
// no visible context, the whole context rectangle is kept visible.
func (s *Sampler) Sample() Masks {
	masks := Masks{
		Targets:      make([]Region, s.config.NumTargets),
		TargetTokens: make([][]int, s.config.NumTargets),
	}
	covered := make([]bool, s.grid.NumTokens())
	for ii := range masks.Targets {
		region := s.SampleRegion(s.config.TargetScale, s.config.TargetAspectRatio)
		masks.Targets[ii] = region
		masks.TargetTokens[ii] = region.Tokens(s.grid)
		for _, token := range masks.TargetTokens[ii] {
			covered[token] = true
		}
	}

	contextAspect := Range{Min: s.config.ContextAspectRatio, Max: s.config.ContextAspectRatio}
	masks.Context = s.SampleRegion(s.config.ContextScale, contextAspect)
	contextTokens := masks.Context.Tokens(s.grid)
	masks.ContextTokens = contextTokens
	if s.config.ExcludeTargetsFromContext {
		visible := slices.DeleteFunc(slices.Clone(contextTokens), func(token int) bool { return covered[token] })
		if len(visible) > 0 {
			masks.ContextTokens = visible
		}
	}
	return masks
}
