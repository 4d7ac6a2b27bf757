// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package momentum

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pair of mirrored variables: Teacher is only ever changed by the Updater.
type Pair struct {
	Student, Teacher *context.Variable
}

// Updater applies the EMA update to every teacher variable, using the corresponding student
// variable.
//
// Variables are paired by their path relative to the student and teacher scopes: the teacher
// variable "/teacher/encoder/dense/weights" is paired with "/student/encoder/dense/weights".
type Updater struct {
	backend                    backends.Backend
	ctx                        *context.Context
	studentScope, teacherScope string
	pairs                      []Pair
	numFloatElements           int // Elements of the float variables, the ones measured by Drift.
	exec                       *context.Exec
	lastDrift                  float64
}

// NewUpdater pairs the variables under teacherScope with those under studentScope, and marks the
// teacher variables as not trainable, so no gradient or optimizer update ever touches them.
//
// The variables must already exist (after the model graph was built once, or loaded from a
// checkpoint). It returns an error if the two scopes are not structurally identical.
func NewUpdater(backend backends.Backend, ctx *context.Context, studentScope, teacherScope string) (*Updater, error) {
	u := &Updater{
		backend:      backend,
		ctx:          ctx,
		studentScope: ctx.In(studentScope).Scope(),
		teacherScope: ctx.In(teacherScope).Scope(),
	}
	if err := u.pairVariables(); err != nil {
		return nil, err
	}
	var err error
	u.exec, err = context.NewExec(backend, ctx, u.updateGraph)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Updater) pairVariables() error {
	teacherCtx := u.ctx.InAbsPath(u.teacherScope)
	numStudentVars := 0
	for range u.ctx.InAbsPath(u.studentScope).IterVariablesInScope() {
		numStudentVars++
	}
	for teacherVar := range teacherCtx.IterVariablesInScope() {
		studentVarScope := u.studentScope + teacherVar.Scope()[len(u.teacherScope):]
		studentVar := u.ctx.InspectVariable(studentVarScope, teacherVar.Name())
		if studentVar == nil {
			return errors.Errorf("teacher variable %q has no corresponding student variable %q",
				teacherVar.ScopeAndName(), context.JoinScope(studentVarScope, teacherVar.Name()))
		}
		if !studentVar.Shape().Equal(teacherVar.Shape()) {
			return errors.Errorf("teacher variable %q shape %s doesn't match student variable %q shape %s",
				teacherVar.ScopeAndName(), teacherVar.Shape(), studentVar.ScopeAndName(), studentVar.Shape())
		}
		teacherVar.SetTrainable(false)
		u.pairs = append(u.pairs, Pair{Student: studentVar, Teacher: teacherVar})
		if teacherVar.DType().IsFloat() {
			u.numFloatElements += teacherVar.Shape().Size()
		}
	}
	if len(u.pairs) == 0 {
		return errors.Errorf("no teacher variables found in scope %q", u.teacherScope)
	}
	if len(u.pairs) != numStudentVars {
		return errors.Errorf("student scope %q has %d variables, but teacher scope %q has %d",
			u.studentScope, numStudentVars, u.teacherScope, len(u.pairs))
	}
	klog.V(1).Infof("momentum: paired %d variables (%d float elements) of %q and %q",
		len(u.pairs), u.numFloatElements, u.studentScope, u.teacherScope)
	return nil
}

// updateGraph moves every teacher variable towards its student, and returns the mean squared
// difference between them measured before the update. Non-float variables are copied, and
// they are not part of the mean.
func (u *Updater) updateGraph(ctx *context.Context, momentum *Node) *Node {
	g := momentum.Graph()
	drift := ScalarZero(g, dtypes.Float32)
	for _, pair := range u.pairs {
		teacher := pair.Teacher.ValueGraph(g)
		student := StopGradient(pair.Student.ValueGraph(g))
		if !teacher.DType().IsFloat() {
			pair.Teacher.SetValueGraph(student)
			continue
		}
		diff := ConvertDType(ReduceAllSum(Square(Sub(teacher, student))), dtypes.Float32)
		drift = Add(drift, diff)
		m := ConvertDType(momentum, teacher.DType())
		pair.Teacher.SetValueGraph(Add(Mul(teacher, m), Mul(student, OneMinus(m))))
	}
	return DivScalar(drift, float64(max(1, u.numFloatElements)))
}

// Update applies teacher ← m·teacher + (1-m)·student to every variable pair.
func (u *Updater) Update(m float64) error {
	if math.IsNaN(m) || m < 0 || m > 1 {
		return errors.Errorf("momentum must be in [0, 1], got %g", m)
	}
	drift, err := u.exec.Exec1(float32(m))
	if err != nil {
		return errors.WithMessagef(err, "momentum update with m=%g", m)
	}
	u.lastDrift = float64(tensors.ToScalar[float32](drift))
	return drift.FinalizeAll()
}

// Sync copies the student variables into the teacher. It is the same as Update(0).
func (u *Updater) Sync() error {
	return u.Update(0)
}

// Drift returns the mean squared difference between teacher and student variables, as measured
// (before the update) by the last call to Update.
func (u *Updater) Drift() float64 { return u.lastDrift }

// NumPairs returns the number of paired variables.
func (u *Updater) NumPairs() int { return len(u.pairs) }

// Pairs returns the paired variables.
func (u *Updater) Pairs() []Pair { return u.pairs }
