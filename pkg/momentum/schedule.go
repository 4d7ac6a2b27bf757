// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements the exponential moving average (EMA) update of the teacher encoder
// towards the student encoder, and the linear schedule of its momentum coefficient.
//
// The update rule for every (student, teacher) variable pair is:
//
//	teacher ← m·teacher + (1-m)·student
//
// With m = 1 the teacher is left unchanged, and with m = 0 it becomes a copy of the student.
package momentum

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Schedule of the momentum coefficient m: it starts at Start and is incremented by
// (End-Start)/totalSteps after every optimizer step, so it reaches End at the end of training.
//
// It is owned by the training loop, and it's not safe for concurrent use.
type Schedule struct {
	Start, End float64

	totalSteps int
	increment  float64
	steps      int
	value      float64
}

// NewSchedule creates a schedule that linearly moves the momentum from start to end over
// totalSteps optimizer steps.
func NewSchedule(start, end float64, totalSteps int) (*Schedule, error) {
	if math.IsNaN(start) || math.IsNaN(end) || start < 0 || end > 1 || start > end {
		return nil, errors.Errorf("invalid momentum range [%g, %g]: it must satisfy 0 <= start <= end <= 1", start, end)
	}
	if totalSteps <= 0 {
		return nil, errors.Errorf("momentum schedule requires a positive number of steps, got %d", totalSteps)
	}
	return &Schedule{
		Start:      start,
		End:        end,
		totalSteps: totalSteps,
		increment:  (end - start) / float64(totalSteps),
		value:      start,
	}, nil
}

// Value returns the current momentum coefficient.
func (s *Schedule) Value() float64 { return s.value }

// Steps returns the number of times Advance was called (or the step set by AdvanceTo).
func (s *Schedule) Steps() int { return s.steps }

// TotalSteps returns the number of planned steps given at construction.
func (s *Schedule) TotalSteps() int { return s.totalSteps }

// Increment added to the momentum at every step.
func (s *Schedule) Increment() float64 { return s.increment }

// Advance the schedule by one step and return the new momentum. It never goes beyond End.
func (s *Schedule) Advance() float64 {
	s.steps++
	s.value = min(s.value+s.increment, s.End)
	return s.value
}

// AdvanceTo moves the schedule to the state it would have after step calls to Advance.
// It is used when resuming training from a checkpoint, since the momentum is derived from the
// global step and not saved separately.
//
// It can't move the schedule backwards: the momentum is monotonic.
func (s *Schedule) AdvanceTo(step int) error {
	if step < s.steps {
		return errors.Errorf("momentum schedule can't move backwards from step %d to step %d", s.steps, step)
	}
	s.steps = step
	s.value = max(s.value, min(s.Start+float64(step)*s.increment, s.End))
	return nil
}

// String implements fmt.Stringer.
func (s *Schedule) String() string {
	return fmt.Sprintf("momentum %.6f (step %d/%d, range [%g, %g])", s.value, s.steps, s.totalSteps, s.Start, s.End)
}
