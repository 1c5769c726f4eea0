package engine

import (
	"context"

	"github.com/seantiz/stellarsim/internal/model"
)

// ChildSpec describes one job of a batch sweep.
type ChildSpec struct {
	Index      int
	Value      float64
	Parameters model.Parameters
}

// Scheduler drains the child queue of a batch run, calling run once per
// child. Run returns when every child has been handled.
type Scheduler interface {
	Run(ctx context.Context, children []ChildSpec, run func(context.Context, ChildSpec))
}

// SequentialScheduler runs children strictly one at a time, in order.
type SequentialScheduler struct{}

func (SequentialScheduler) Run(ctx context.Context, children []ChildSpec, run func(context.Context, ChildSpec)) {
	queue := children
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		run(ctx, next)
	}
}

// SweepValues returns n evenly spaced values from start to end inclusive.
// A single value is start.
func SweepValues(start, end float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	step := (end - start) / float64(max(1, n-1))
	values := make([]float64, n)
	for i := range values {
		values[i] = start + step*float64(i)
	}
	return values
}

// BuildChildren expands a batch run into its ordered child queue.
func BuildChildren(b *model.BatchRun) []ChildSpec {
	values := SweepValues(b.StartValue, b.EndValue, b.StepCount)
	children := make([]ChildSpec, len(values))
	for i, v := range values {
		children[i] = ChildSpec{
			Index:      i,
			Value:      v,
			Parameters: b.ChildParameters(v),
		}
	}
	return children
}
