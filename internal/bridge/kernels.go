package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// BuiltinModule is the module name of the kernels shipped with the emulator.
const BuiltinModule = "builtin.ptx"

// Builtin kernel refs.
var (
	ScaleKernel = types.KernelRef{Module: BuiltinModule, Entry: "scale"}
	AddKernel   = types.KernelRef{Module: BuiltinModule, Entry: "add"}
	SumKernel   = types.KernelRef{Module: BuiltinModule, Entry: "sum"}
	RampKernel  = types.KernelRef{Module: BuiltinModule, Entry: "ramp"}
)

// ErrKernelArgs is returned by builtin kernels for unusable arguments.
var ErrKernelArgs = errors.New("bad kernel arguments")

// RegisterBuiltins registers every builtin kernel on e.
func RegisterBuiltins(e *Emulator) {
	e.Register(ScaleKernel, scaleKernel)
	e.Register(AddKernel, addKernel)
	e.Register(SumKernel, sumKernel)
	e.Register(RampKernel, rampKernel)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case nil:
		return 0, fmt.Errorf("%w: null value", ErrKernelArgs)
	default:
		return 0, fmt.Errorf("%w: %T is not numeric", ErrKernelArgs, v)
	}
}

func arity(l *Launch, in, out, consts int) error {
	if len(l.Inputs) != in || len(l.Outputs) != out || len(l.Consts) < consts {
		return fmt.Errorf("%w: want %d inputs, %d outputs, %d constants; got %d, %d, %d",
			ErrKernelArgs, in, out, consts, len(l.Inputs), len(l.Outputs), len(l.Consts))
	}
	return nil
}

// scaleKernel: out[i] = in[i] * consts[0].
func scaleKernel(_ context.Context, l *Launch) error {
	if err := arity(l, 1, 1, 1); err != nil {
		return err
	}
	factor, err := toFloat(l.Consts[0])
	if err != nil {
		return err
	}
	src, dst := l.In[l.Inputs[0]], l.Out[l.Outputs[0]]
	var kerr error
	l.ForEachThread(func(tid int) {
		if tid >= len(src) || kerr != nil {
			return
		}
		v, err := toFloat(src[tid])
		if err != nil {
			kerr = err
			return
		}
		dst[tid] = v * factor
	})
	return kerr
}

// addKernel: out[i] = a[i] + b[i]. Two int64 inputs stay int64.
func addKernel(_ context.Context, l *Launch) error {
	if err := arity(l, 2, 1, 0); err != nil {
		return err
	}
	a, b, dst := l.In[l.Inputs[0]], l.In[l.Inputs[1]], l.Out[l.Outputs[0]]
	var kerr error
	l.ForEachThread(func(tid int) {
		if tid >= len(a) || kerr != nil {
			return
		}
		if x, ok := a[tid].(int64); ok {
			if y, ok := b[tid].(int64); ok {
				dst[tid] = x + y
				return
			}
		}
		x, err := toFloat(a[tid])
		if err != nil {
			kerr = err
			return
		}
		y, err := toFloat(b[tid])
		if err != nil {
			kerr = err
			return
		}
		dst[tid] = x + y
	})
	return kerr
}

// sumKernel reduces its input to one row: each thread accumulates a strided
// partial, then the partials are folded into out[0]. Stages after the first
// have nothing left to reduce. Run with OutputCardinality 1.
func sumKernel(_ context.Context, l *Launch) error {
	if err := arity(l, 1, 1, 0); err != nil {
		return err
	}
	src, dst := l.In[l.Inputs[0]], l.Out[l.Outputs[0]]
	if len(dst) < 1 {
		return fmt.Errorf("%w: sum needs an output row", ErrKernelArgs)
	}
	if l.Stage > 0 {
		return nil
	}

	threads := l.Threads()
	partial := make([]float64, threads)
	var kerr error
	l.ForEachThread(func(tid int) {
		for i := tid; i < len(src) && kerr == nil; i += threads {
			v, err := toFloat(src[i])
			if err != nil {
				kerr = err
				return
			}
			partial[tid] += v
		}
	})
	if kerr != nil {
		return kerr
	}
	var total float64
	for _, p := range partial {
		total += p
	}
	dst[0] = total
	return nil
}

// rampKernel: out[i] = [in[i]*0, in[i]*1, ..., in[i]*(n-1)] where n is the
// declared array size of the output.
func rampKernel(_ context.Context, l *Launch) error {
	if err := arity(l, 1, 1, 0); err != nil {
		return err
	}
	name := l.Outputs[0]
	size, ok := l.ArraySize[name]
	if !ok || size < 0 {
		return fmt.Errorf("%w: ramp needs an array size for %s", ErrKernelArgs, name)
	}
	src, dst := l.In[l.Inputs[0]], l.Out[name]
	var kerr error
	l.ForEachThread(func(tid int) {
		if tid >= len(src) || kerr != nil {
			return
		}
		v, err := toFloat(src[tid])
		if err != nil {
			kerr = err
			return
		}
		arr := make([]float64, size)
		for i := range arr {
			arr[i] = v * float64(i)
		}
		dst[tid] = arr
	})
	return kerr
}
