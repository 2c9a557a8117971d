// Package launchparam binds parallel-dimension constraints against the
// current call's evaluator and resolves grid/block dimensions and
// dynamic shared-memory size (spec component 4.3).
package launchparam

import (
	"fmt"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/fuser/internal/smem"
	"github.com/gogpu/fuser/kernelir"
)

// Params is the resolved launch geometry (spec's Launch Parameters).
// Resolve sets a grid or block dimension that no kernel binding uses to 1.
type Params struct {
	GridX, GridY, GridZ   int64
	BlockX, BlockY, BlockZ int64
	DynamicSmemBytes      int64
}

// Constraint pins one parallel dimension to an explicit value. A
// constraint with Pinned=false leaves that dimension to be inferred.
type Constraint struct {
	Type   kernelir.ParallelType
	Value  int64
	Pinned bool
}

// Resolve implements §4.3: pinned constraints are taken first and used
// directly as their launch dimensions (the pin wins on any conflict --
// see SPEC_FULL.md §9 Open Question decision); they are not bound into
// ev, so later evaluations of those extents do not see the pinned value.
// Then the remaining parallel types are evaluated, the dynamic
// shared-memory size is computed via internal/smem, and every kernel
// precondition is checked.
func Resolve(s *kernelir.Summary, ev kernelir.Evaluator, constraints []Constraint) (Params, error) {
	var p Params

	pinned := make(map[kernelir.ParallelType]int64, len(constraints))
	for _, c := range constraints {
		if !c.Pinned {
			continue
		}
		pinned[c.Type] = c.Value
		for _, d := range s.ParallelBindings[c.Type] {
			if v, ok := evalConst(d.Extent, ev); ok && v != c.Value {
				// Mismatch between the pin and an independently
				// inferable extent: warn but accept the pin (Decision,
				// SPEC_FULL.md §9).
				gpudevice.Warn("launchparam: pinned dimension conflicts with inferred extent, using pin",
					"parallelType", int(c.Type), "pinned", c.Value, "inferred", v)
			}
		}
	}

	assign := func(pt kernelir.ParallelType) (int64, error) {
		if v, ok := pinned[pt]; ok {
			return v, nil
		}
		dims := s.ParallelBindings[pt]
		if len(dims) == 0 {
			return 0, nil
		}
		// All iteration domains sharing a parallel type must resolve to
		// the same extent; take the first that evaluates.
		for _, d := range dims {
			if v, ok := evalConst(d.Extent, ev); ok && v > 0 {
				return v, nil
			}
		}
		return 0, fmt.Errorf("%w: parallel type %d has no resolvable extent", errs.ErrShapeUnresolved, pt)
	}

	var err error
	if p.GridX, err = assign(kernelir.ParallelBIDx); err != nil {
		return Params{}, err
	}
	if p.GridY, err = assign(kernelir.ParallelBIDy); err != nil {
		return Params{}, err
	}
	if p.GridZ, err = assign(kernelir.ParallelBIDz); err != nil {
		return Params{}, err
	}
	if p.BlockX, err = assign(kernelir.ParallelTIDx); err != nil {
		return Params{}, err
	}
	if p.BlockY, err = assign(kernelir.ParallelTIDy); err != nil {
		return Params{}, err
	}
	if p.BlockZ, err = assign(kernelir.ParallelTIDz); err != nil {
		return Params{}, err
	}
	if p.BlockX == 0 {
		p.BlockX = 1
	}
	if p.BlockY == 0 {
		p.BlockY = 1
	}
	if p.BlockZ == 0 {
		p.BlockZ = 1
	}
	if p.GridX == 0 {
		p.GridX = 1
	}
	if p.GridY == 0 {
		p.GridY = 1
	}
	if p.GridZ == 0 {
		p.GridZ = 1
	}

	smemBytes, err := smem.DynamicTotal(s, p.BlockX, p.BlockY, p.BlockZ, ev)
	if err != nil {
		return Params{}, err
	}
	p.DynamicSmemBytes = smemBytes

	for _, pc := range s.Preconditions {
		v, ok := evalConst(pc.Expr, ev)
		if !ok || v == 0 {
			return Params{}, fmt.Errorf("%w: %s", errs.ErrInvalidProgram, pc.Message)
		}
	}

	return p, nil
}

func evalConst(e kernelir.Expr, ev kernelir.Evaluator) (int64, bool) {
	if e == nil {
		return 0, false
	}
	if v, ok := e.IsConst(); ok {
		return v, true
	}
	return ev.Eval(e)
}
