// Package kernelir defines the read-only contract the fusion executor
// consumes from lowering and code generation. Nothing in this package
// mutates a Kernel; the executor only walks and evaluates it.
package kernelir

// DType identifies a tensor element type.
type DType int

const (
	DTypeUnknown DType = iota
	DTypeBool
	DTypeInt8
	DTypeInt16
	DTypeInt32
	DTypeInt64
	DTypeUint8
	DTypeFloat16
	DTypeFloat32
	DTypeFloat64
	DTypeComplex64
	DTypeComplex128
)

// IndexType selects the width used for shape/stride/pointer encoding in
// the per-launch argument buffer.
type IndexType int

const (
	IndexTypeInt32 IndexType = iota
	IndexTypeInt64
)

// Size reports the byte width of the index type.
func (t IndexType) Size() int {
	if t == IndexTypeInt64 {
		return 8
	}
	return 4
}

// ParallelType names a CUDA-style binding for an iteration domain.
type ParallelType int

const (
	ParallelNone ParallelType = iota
	ParallelBIDx
	ParallelBIDy
	ParallelBIDz
	ParallelTIDx
	ParallelTIDy
	ParallelTIDz
)

// IsBlock reports whether the parallel type binds a grid (block) dimension.
func (p ParallelType) IsBlock() bool {
	return p == ParallelBIDx || p == ParallelBIDy || p == ParallelBIDz
}

// IsThread reports whether the parallel type binds a block (thread) dimension.
func (p ParallelType) IsThread() bool {
	return p == ParallelTIDx || p == ParallelTIDy || p == ParallelTIDz
}

// TransformKind identifies an affine domain transform.
type TransformKind int

const (
	TransformSplit TransformKind = iota
	TransformMerge
)

// IterDomain is a single axis of a tensor's logical or allocation domain.
type IterDomain struct {
	ID                 int
	Extent             Expr
	IsReduction        bool
	IsBroadcast        bool
	IsExpandedBroadcast bool
	ExpandedExtent     Expr
	IsDeviceDim        bool
	IsStrideOnly       bool
	ParallelType       ParallelType
}

// Transform is a single affine relationship between allocation and
// logical iteration domains, as produced by lowering.
//
// Split: In -> {Outer, Inner}, Factor gives the inner extent.
// Merge: {Outer, Inner} -> Out.
type Transform struct {
	Kind   TransformKind
	In     []int // input IterDomain IDs
	Out    []int // output IterDomain IDs
	Factor Expr  // inner extent: used by Split, and by Merge when walked backward
}

// TensorView is the executor's read-only view of a fusion tensor.
type TensorView struct {
	Name            string
	DType           DType
	Logical         []IterDomain
	Allocation      []IterDomain
	ForwardTransforms  []Transform // allocation -> logical
	BackwardTransforms []Transform // logical -> allocation
	AllocMode       AllocMode
	AliasTarget     string // set when AllocMode is ReuseBuffer or Evaluate
	ResetsToZero    bool
	IsProfileBuffer bool
}

// HasNonTrivialAllocation reports whether the allocation domain differs
// from the logical domain and therefore needs the transform traversal.
func (t *TensorView) HasNonTrivialAllocation() bool {
	if len(t.Allocation) != len(t.Logical) {
		return true
	}
	for i := range t.Allocation {
		if t.Allocation[i].ID != t.Logical[i].ID {
			return true
		}
	}
	return false
}

// AllocMode is the output allocation policy from the buffer allocator (§4.4).
type AllocMode int

const (
	AllocNew AllocMode = iota
	AllocReuseBuffer
	AllocEvaluate
)

// SmemAlloc is a single shared-memory allocation declared by the kernel.
type SmemAlloc struct {
	Name    string
	Address Expr
	Size    Expr
	DType   DType
	Dynamic bool
	AliasOf string // empty if not aliased
}

// Precondition is a boolean expression that must evaluate true before launch.
type Precondition struct {
	Expr    Expr
	Message string
}

// Summary is the compile-time-derived metadata the executor needs about
// a lowered kernel, without walking the full expression graph itself.
type Summary struct {
	GlobalAllocations      []*TensorView
	StaticSmem             []SmemAlloc
	DynamicSmem            []SmemAlloc
	ParallelBindings       map[ParallelType][]IterDomain
	HasBlockWelford        bool
	HasGridWelford         bool
	HasOuterGroupedGridWelford bool
	OuterGroupedGridWelfordSmemBytes int
	NumGroupedIterations   int
	HasIterGroupedReduction bool
	LargestSmemDType       DType
	HasCooperativeGridReduction bool
	MinDeviceCapability    Capability
	Preconditions          []Precondition
	HasDynamicLocalAlloc   bool
	UsesTMA                bool
	WarpSize               int

	// OutputShapeDependsOnScalar is true when at least one output's
	// logical extent transitively depends on a non-tensor (scalar)
	// fusion input, computed once by lowering when the kernel is built.
	// It drives the executor entry's §4.6 disable-cache trigger: such an
	// output's shape can change from call to call without any tensor
	// input's shape changing, so the shape-keyed cache cannot assume a
	// repeat key means a repeat launch plan.
	OutputShapeDependsOnScalar bool
}

// Capability is a minimal device-capability version pair, modeled after
// CUDA compute capability (major, minor) but backend-agnostic.
type Capability struct {
	Major, Minor int
}

// AtLeast reports whether c is >= other.
func (c Capability) AtLeast(other Capability) bool {
	if c.Major != other.Major {
		return c.Major > other.Major
	}
	return c.Minor >= other.Minor
}

// Kernel is the external, read-only lowered-kernel contract. Source
// generation and IR lowering are out of scope for this module; Kernel is
// the boundary the executor is handed.
type Kernel struct {
	ID           int
	Name         string
	Summary      *Summary
	Source       string // generated kernel text, may be overridden (§6 EXTERNAL_SRC)
	IndexType    IndexType
	IsPureEval   bool // true when the fusion requires no device launch at all
	Inputs       []*TensorView
	Outputs      []*TensorView
}

// Expr is a symbolic scalar expression bound against concrete input
// values by an Evaluator. It is opaque to the executor: lowering and the
// expression-graph module own its structure.
type Expr interface {
	// IsConst reports whether the expression is already a known constant,
	// letting callers skip the evaluator round-trip.
	IsConst() (int64, bool)
}

// ConstExpr is a trivial Expr implementation for literal extents.
type ConstExpr int64

func (c ConstExpr) IsConst() (int64, bool) { return int64(c), true }

// Evaluator binds symbolic Exprs to concrete values from the current
// call's input tensors and lets later steps query resolved extents.
type Evaluator interface {
	// Eval resolves e to a concrete value, or reports ok=false if e has no
	// value yet (ShapeUnresolved).
	Eval(e Expr) (value int64, ok bool)

	// Bind records a concrete scalar or tensor binding, making it visible
	// to subsequent Eval calls that reference it (e.g. a just-allocated
	// output's extents).
	Bind(name string, value int64)

	// BindTensor records that name now refers to an allocated tensor with
	// the given sizes, so later Evaluate-mode outputs can alias it.
	BindTensor(name string, sizes []int64, strides []int64)

	// LookupTensor returns a previously bound tensor's sizes/strides.
	LookupTensor(name string) (sizes, strides []int64, ok bool)
}
