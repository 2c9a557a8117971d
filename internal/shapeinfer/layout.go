package shapeinfer

import (
	"fmt"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/kernelir"
)

// applyAllocToLogical relates the physical (allocation-order) size/stride
// pair to the tensor's logical domain by walking the forward
// (allocation->logical) transforms, then the backward (logical->
// allocation) transforms in reverse, against a frontier of live iteration
// domain IDs carrying concrete (size, stride) pairs.
//
// Decision (recorded in SPEC_FULL.md §9): a transform whose every input
// and output ID is already absent from the frontier is skipped rather
// than treated as an error -- this is the documented "allocation domain
// on both sides of logical" case, reproduced as-is rather than resolved.
func applyAllocToLogical(tv *kernelir.TensorView, physIDs []int, physSizes, physStrides []int64) ([]int64, []int64, error) {
	frontier := make(map[int][2]int64, len(physIDs)) // id -> [size, stride]
	for i, id := range physIDs {
		frontier[id] = [2]int64{physSizes[i], physStrides[i]}
	}

	for _, tr := range tv.ForwardTransforms {
		if err := applyTransform(frontier, tr, forward); err != nil {
			return nil, nil, err
		}
	}
	for i := len(tv.BackwardTransforms) - 1; i >= 0; i-- {
		if err := applyTransform(frontier, tv.BackwardTransforms[i], backward); err != nil {
			return nil, nil, err
		}
	}

	logicalIDs := make([]int, len(tv.Logical))
	for i, d := range tv.Logical {
		logicalIDs[i] = d.ID
	}

	sizes := make([]int64, len(logicalIDs))
	strides := make([]int64, len(logicalIDs))
	for i, id := range logicalIDs {
		sz, ok := frontier[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: logical domain id %d missing from frontier after traversal", errs.ErrRankMismatch, id)
		}
		sizes[i] = sz[0]
		strides[i] = sz[1]
	}
	return sizes, strides, nil
}

type direction int

const (
	forward direction = iota
	backward
)

// applyTransform mutates frontier in place per one split/merge node.
//
// For a Split(in -> outer, inner) walked forward: in must be present with
// (size, stride); outer gets (size/factor rounded up, stride*factor),
// inner gets (factor, stride). Walked backward (i.e. undoing a split that
// relates logical outer/inner back to an allocation-side "in"): outer and
// inner must be present; in is reconstructed as (outer.size*inner.size,
// inner.stride).
//
// For a Merge(outer, inner -> out) walked forward: outer and inner must
// be present; out gets (outer.size*inner.size, inner.stride). Walked
// backward: out must be present; outer gets (out.size/inner_factor,
// inner_factor*out.stride), inner gets (inner_factor, out.stride), where
// inner_factor is the transform's Factor expression, which a backward
// Merge requires.
//
// In every case, a transform whose required inputs are not all present
// in the frontier is skipped without error.
func applyTransform(frontier map[int][2]int64, tr kernelir.Transform, dir direction) error {
	allAbsent := true
	for _, id := range append(append([]int{}, tr.In...), tr.Out...) {
		if _, ok := frontier[id]; ok {
			allAbsent = false
			break
		}
	}
	if allAbsent {
		// Straddle case: neither side of this transform is live in the
		// frontier, meaning the domain graph already represents both
		// sides directly. Skip rather than error.
		return nil
	}

	switch tr.Kind {
	case kernelir.TransformSplit:
		return applySplit(frontier, tr, dir)
	case kernelir.TransformMerge:
		return applyMerge(frontier, tr, dir)
	default:
		return fmt.Errorf("%w: kind %d", errs.ErrUnsupportedAllocTransform, tr.Kind)
	}
}

func applySplit(frontier map[int][2]int64, tr kernelir.Transform, dir direction) error {
	if len(tr.In) != 1 || len(tr.Out) != 2 {
		return fmt.Errorf("%w: split requires 1 input and 2 outputs", errs.ErrUnsupportedAllocTransform)
	}
	inID, outerID, innerID := tr.In[0], tr.Out[0], tr.Out[1]

	switch dir {
	case forward:
		in, ok := frontier[inID]
		if !ok {
			return nil
		}
		factor, err := constFactor(tr.Factor)
		if err != nil {
			return err
		}
		outerSize := in[0] / factor
		if factor != 0 && in[0]%factor != 0 {
			outerSize = (in[0] + factor - 1) / factor
		}
		frontier[outerID] = [2]int64{outerSize, in[1] * factor}
		frontier[innerID] = [2]int64{factor, in[1]}
		delete(frontier, inID)
	case backward:
		outer, okO := frontier[outerID]
		inner, okI := frontier[innerID]
		if !okO || !okI {
			return nil
		}
		frontier[inID] = [2]int64{outer[0] * inner[0], inner[1]}
		delete(frontier, outerID)
		delete(frontier, innerID)
	}
	return nil
}

func applyMerge(frontier map[int][2]int64, tr kernelir.Transform, dir direction) error {
	if len(tr.In) != 2 || len(tr.Out) != 1 {
		return fmt.Errorf("%w: merge requires 2 inputs and 1 output", errs.ErrUnsupportedAllocTransform)
	}
	outerID, innerID, outID := tr.In[0], tr.In[1], tr.Out[0]

	switch dir {
	case forward:
		outer, okO := frontier[outerID]
		inner, okI := frontier[innerID]
		if !okO || !okI {
			return nil
		}
		frontier[outID] = [2]int64{outer[0] * inner[0], inner[1]}
		delete(frontier, outerID)
		delete(frontier, innerID)
	case backward:
		out, ok := frontier[outID]
		if !ok {
			return nil
		}
		factor, err := constFactor(tr.Factor)
		if err != nil {
			return err
		}
		if factor == 0 {
			return fmt.Errorf("%w: merge backward requires a known inner factor", errs.ErrUnsupportedAllocTransform)
		}
		frontier[outerID] = [2]int64{out[0] / factor, out[1] * factor}
		frontier[innerID] = [2]int64{factor, out[1]}
		delete(frontier, outID)
	}
	return nil
}

func constFactor(e kernelir.Expr) (int64, error) {
	if e == nil {
		return 0, nil
	}
	v, ok := e.IsConst()
	if !ok {
		return 0, fmt.Errorf("%w: transform factor is not a compile-time constant", errs.ErrUnsupportedAllocTransform)
	}
	return v, nil
}
