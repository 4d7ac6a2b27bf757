// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrain

import "fmt"

// State of a Run.
type State int32

const (
	// Idle is the state before Train is called.
	Idle State = iota

	// RunningTrainStep covers the train steps, including the momentum update of the teacher.
	RunningTrainStep

	// RunningValidationStep is set while the validation corpus is evaluated, at the end of an epoch.
	RunningValidationStep

	// Checkpointing is set while a checkpoint is written.
	Checkpointing

	// Terminated is the final state, after the planned steps are done or training failed.
	Terminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case RunningTrainStep:
		return "RunningTrainStep"
	case RunningValidationStep:
		return "RunningValidationStep"
	case Checkpointing:
		return "Checkpointing"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
