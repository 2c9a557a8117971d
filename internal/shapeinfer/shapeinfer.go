// Package shapeinfer resolves symbolic tensor extents to concrete sizes
// and strides for output and intermediate tensors (spec component 4.1).
package shapeinfer

import (
	"fmt"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/kernelir"
)

// AllocInfo is the resolved size/stride/dtype/flags description of one
// global buffer, as consumed by internal/bufalloc.
type AllocInfo struct {
	Sizes        []int64
	Strides      []int64
	DType        kernelir.DType
	ZeroInit     bool
	ResetsToZero bool
	IsProfile    bool
}

// ElementCount returns the product of non-expanded sizes, i.e. the
// number of elements the buffer stores; expanded (zero-stride)
// dimensions are not counted.
func (a *AllocInfo) ElementCount() int64 {
	n := int64(1)
	for i, s := range a.Sizes {
		if a.Strides[i] == 0 {
			continue // expanded dimension contributes no storage
		}
		n *= s
	}
	return n
}

// Intermediate resolves sizes/strides for a non-output global allocation.
// Strides are contiguous row-major over the evaluated extents; broadcast
// expansion plays no role for intermediates (§4.1).
func Intermediate(tv *kernelir.TensorView, ev kernelir.Evaluator) (*AllocInfo, error) {
	dims := tv.Logical
	sizes := make([]int64, len(dims))
	for i, d := range dims {
		v, err := evalExtent(d.Extent, ev)
		if err != nil {
			return nil, err
		}
		sizes[i] = v
	}
	strides := contiguousStrides(sizes)
	return &AllocInfo{
		Sizes:        sizes,
		Strides:      strides,
		DType:        tv.DType,
		ResetsToZero: tv.ResetsToZero,
		IsProfile:    tv.IsProfileBuffer,
	}, nil
}

// Output resolves sizes/strides for an output tensor view, walking its
// allocation domain (skipping reduction/stride-only axes, forcing
// device-rank axes to extent 1, honoring expanded-broadcast extents), and
// applying the allocation->logical transform when the two domains differ.
func Output(tv *kernelir.TensorView, ev kernelir.Evaluator) (*AllocInfo, error) {
	allocDims := tv.Allocation

	type resolved struct {
		id       int
		size     int64
		expanded bool
		skip     bool // stride-only or reduction: not part of the physical tensor
	}

	var kept []resolved
	for _, d := range allocDims {
		if d.IsReduction || d.IsStrideOnly {
			kept = append(kept, resolved{id: d.ID, skip: true})
			continue
		}
		if d.IsDeviceDim {
			kept = append(kept, resolved{id: d.ID, size: 1})
			continue
		}
		if d.IsExpandedBroadcast {
			v, err := evalExtent(d.ExpandedExtent, ev)
			if err != nil {
				return nil, err
			}
			kept = append(kept, resolved{id: d.ID, size: v, expanded: true})
			continue
		}
		v, err := evalExtent(d.Extent, ev)
		if err != nil {
			return nil, err
		}
		kept = append(kept, resolved{id: d.ID, size: v})
	}

	// Build sizes/strides over the kept (non-skipped) allocation-order
	// axes: expanded -> stride 0, zero-sized -> stride 1, otherwise
	// contiguous running product of subsequent kept non-expanded extents.
	var physIDs []int
	var physSizes []int64
	var physExpanded []bool
	for _, r := range kept {
		if r.skip {
			continue
		}
		physIDs = append(physIDs, r.id)
		physSizes = append(physSizes, r.size)
		physExpanded = append(physExpanded, r.expanded)
	}

	strides := make([]int64, len(physSizes))
	running := int64(1)
	for i := len(physSizes) - 1; i >= 0; i-- {
		switch {
		case physExpanded[i]:
			strides[i] = 0
		case physSizes[i] == 0:
			strides[i] = 1
		default:
			strides[i] = running
			running *= physSizes[i]
		}
	}

	info := &AllocInfo{
		Sizes:        physSizes,
		Strides:      strides,
		DType:        tv.DType,
		ResetsToZero: tv.ResetsToZero,
		IsProfile:    tv.IsProfileBuffer,
	}

	if !tv.HasNonTrivialAllocation() {
		return info, nil
	}

	logicalSizes, logicalStrides, err := applyAllocToLogical(tv, physIDs, physSizes, strides)
	if err != nil {
		return nil, err
	}
	info.Sizes = logicalSizes
	info.Strides = logicalStrides
	return info, nil
}

func evalExtent(e kernelir.Expr, ev kernelir.Evaluator) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("%w: nil extent expression", errs.ErrShapeUnresolved)
	}
	if v, ok := e.IsConst(); ok {
		return v, nil
	}
	v, ok := ev.Eval(e)
	if !ok {
		return 0, errs.ErrShapeUnresolved
	}
	return v, nil
}

func contiguousStrides(sizes []int64) []int64 {
	strides := make([]int64, len(sizes))
	running := int64(1)
	for i := len(sizes) - 1; i >= 0; i-- {
		if sizes[i] == 0 {
			strides[i] = 1
			continue
		}
		strides[i] = running
		running *= sizes[i]
	}
	return strides
}
