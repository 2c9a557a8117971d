// Package smem computes shared-memory offsets and totals for a kernel's
// static and dynamic allocations (spec component 4.2).
package smem

import (
	"fmt"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/kernelir"
)

const smemAlignBytes = 16

func dtypeSize(t kernelir.DType) int64 {
	switch t {
	case kernelir.DTypeBool, kernelir.DTypeInt8, kernelir.DTypeUint8:
		return 1
	case kernelir.DTypeInt16, kernelir.DTypeFloat16:
		return 2
	case kernelir.DTypeInt32, kernelir.DTypeFloat32:
		return 4
	case kernelir.DTypeInt64, kernelir.DTypeFloat64, kernelir.DTypeComplex64:
		return 8
	case kernelir.DTypeComplex128:
		return 16
	default:
		return 0
	}
}

func alignUp(v, align int64) int64 {
	if align <= 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// Plan computes the total bytes required by allocs starting from
// baseOffset (already aligned up to 16 bytes), as the maximum last-byte
// across all non-aliased allocations.
func Plan(allocs []kernelir.SmemAlloc, baseOffset int64, ev kernelir.Evaluator) (int64, error) {
	base := alignUp(baseOffset, smemAlignBytes)
	total := base
	for _, a := range allocs {
		if a.AliasOf != "" {
			continue
		}
		elemSize := dtypeSize(a.DType)
		if elemSize == 0 {
			return 0, fmt.Errorf("%w: smem alloc %q has no known element size", errs.ErrUnknownDtype, a.Name)
		}
		addr, err := evalOrZero(a.Address, ev)
		if err != nil {
			return 0, err
		}
		size, err := evalExpr(a.Size, ev)
		if err != nil {
			return 0, err
		}
		last := base + addr + size*elemSize
		if last > total {
			total = last
		}
	}
	return total, nil
}

func evalOrZero(e kernelir.Expr, ev kernelir.Evaluator) (int64, error) {
	if e == nil {
		return 0, nil
	}
	return evalExpr(e, ev)
}

func evalExpr(e kernelir.Expr, ev kernelir.Evaluator) (int64, error) {
	if v, ok := e.IsConst(); ok {
		return v, nil
	}
	v, ok := ev.Eval(e)
	if !ok {
		return 0, errs.ErrShapeUnresolved
	}
	return v, nil
}

// ReductionWorkspace computes the reduction/broadcast/welford workspace
// size that becomes the base offset for the dynamic-shared-memory plan
// (§4.2):
//
//	workspace = sizeof(largest_smem_type) * welfordFactor * groupedIterFactor * bx*by*bz
//
// welfordFactor is 3 when the kernel contains a block or grid welford,
// else 1. It is an error for the kernel to combine iter-grouped
// reductions with a welford_factor of 3.
func ReductionWorkspace(s *kernelir.Summary, bx, by, bz int64) (int64, error) {
	welfordFactor := int64(1)
	if s.HasBlockWelford || s.HasGridWelford {
		welfordFactor = 3
	}
	if welfordFactor == 3 && s.HasIterGroupedReduction {
		return 0, fmt.Errorf("%w: iter-grouped reductions cannot combine with welford", errs.ErrSharedMemoryExceeded)
	}
	groupedIterFactor := int64(s.NumGroupedIterations)
	if groupedIterFactor <= 0 {
		groupedIterFactor = 1
	}
	elemSize := dtypeSize(s.LargestSmemDType)
	workspace := elemSize * welfordFactor * groupedIterFactor * bx * by * bz

	if s.HasOuterGroupedGridWelford {
		if int64(s.OuterGroupedGridWelfordSmemBytes) > workspace {
			workspace = int64(s.OuterGroupedGridWelfordSmemBytes)
		}
	}
	return workspace, nil
}

// DynamicTotal is the full §4.2 dynamic-shared-memory computation: the
// reduction workspace becomes the base offset passed to Plan over the
// kernel's dynamic allocations.
func DynamicTotal(s *kernelir.Summary, bx, by, bz int64, ev kernelir.Evaluator) (int64, error) {
	workspace, err := ReductionWorkspace(s, bx, by, bz)
	if err != nil {
		return 0, err
	}
	return Plan(s.DynamicSmem, workspace, ev)
}

// StaticTotal is the §4.2 static-shared-memory computation starting
// from a zero base offset.
func StaticTotal(s *kernelir.Summary, ev kernelir.Evaluator) (int64, error) {
	return Plan(s.StaticSmem, 0, ev)
}
