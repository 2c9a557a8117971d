// Package fuser is the external entry point for the GPU fusion
// executor: lowering and code generation are out of scope (kernelir.Kernel
// is the boundary this package is handed), but everything from shape
// inference through dispatch lives here and in its internal/ packages.
package fuser

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/internal/bufalloc"
	"github.com/gogpu/fuser/internal/execcache"
	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/fuser/internal/kernelcompiler"
	"github.com/gogpu/fuser/internal/launchengine"
	"github.com/gogpu/fuser/internal/launchparam"
	"github.com/gogpu/fuser/internal/shapeinfer"
	"github.com/gogpu/fuser/kernelir"
	"github.com/gogpu/wgpu/hal"
)

const defaultZeroPoolCapacity = 16

// Executor owns one device driver and everything it allocates or
// compiles for the kernels it is handed: it is the "fusion executor"
// lifetime object of §3 Lifecycles.
type Executor struct {
	driver gpudevice.Driver
	alloc  *bufalloc.Allocator
	engine *launchengine.Engine
	cache  *execcache.Cache

	mu        sync.Mutex
	kernels   map[int]*kernelir.Kernel
	nextRTCID atomic.Int64
}

// New creates an Executor backed by driver.
func New(driver gpudevice.Driver) *Executor {
	alloc := bufalloc.New(driver, defaultZeroPoolCapacity)
	return &Executor{
		driver:  driver,
		alloc:   alloc,
		engine:  launchengine.NewEngine(driver, alloc),
		cache:   execcache.New(),
		kernels: make(map[int]*kernelir.Kernel),
	}
}

// Close releases the underlying device.
func (x *Executor) Close() {
	x.driver.Close()
}

func (x *Executor) registerKernel(k *kernelir.Kernel) {
	x.mu.Lock()
	x.kernels[k.ID] = k
	x.mu.Unlock()
}

// Compile lowers and compiles a fusion (§6 compile()): it validates the
// target device's capability against the kernel's minimum, resolves and
// validates the index type against explicit/TMA/argument-width rules,
// then compiles via the launch engine. explicitIndexType may be nil to
// accept whatever the kernel, TMA, and argument width imply.
func (x *Executor) Compile(k *kernelir.Kernel, explicitIndexType *kernelir.IndexType, argsImply64Bit bool, params kernelcompiler.CompileParams) (*kernelcompiler.Artifact, error) {
	if k == nil {
		return nil, errs.ErrNilKernel
	}
	if !x.driver.Capability().AtLeast(k.Summary.MinDeviceCapability) {
		return nil, fmt.Errorf("%w: device capability %+v below kernel minimum %+v", errs.ErrDeviceTooOld, x.driver.Capability(), k.Summary.MinDeviceCapability)
	}
	if err := validateIndexType(k, explicitIndexType, argsImply64Bit); err != nil {
		return nil, err
	}
	x.registerKernel(k)
	dumpDebugSource(k)
	return x.engine.Compile(k, params)
}

// validateIndexType implements §6's index-type rules: (a) an explicit
// override must not conflict with the argument-implied width; (b) any
// TMA expression forces 32-bit; (c) otherwise the argument-implied width
// wins if 64-bit, else the kernel's own (lowering-assigned) default
// holds. Since kernelir.Kernel.IndexType is fixed by the out-of-scope
// lowering step, a resolved width that disagrees with it is reported as
// ErrIndexTypeConflict rather than silently overridden.
func validateIndexType(k *kernelir.Kernel, explicit *kernelir.IndexType, argsImply64 bool) error {
	want := k.IndexType
	if k.Summary.UsesTMA {
		want = kernelir.IndexTypeInt32
	} else if argsImply64 {
		want = kernelir.IndexTypeInt64
	}

	if explicit != nil {
		if k.Summary.UsesTMA && *explicit == kernelir.IndexTypeInt64 {
			return fmt.Errorf("%w: kernel uses TMA and requires 32-bit indices, explicit override requested 64-bit", errs.ErrIndexTypeConflict)
		}
		if !k.Summary.UsesTMA && argsImply64 && *explicit == kernelir.IndexTypeInt32 {
			return fmt.Errorf("%w: arguments require 64-bit indices, explicit override requested 32-bit", errs.ErrIndexTypeConflict)
		}
		want = *explicit
	}

	if want != k.IndexType {
		return fmt.Errorf("%w: resolved index type does not match the kernel's fixed index type", errs.ErrIndexTypeConflict)
	}
	return nil
}

// dumpDebugSource implements the opt-in "print generated source" dump
// from §6: when FUSER_DUMP_SRC is set, the kernel's source is written to
// __tmp_kernel_<id>.cu and logged.
func dumpDebugSource(k *kernelir.Kernel) {
	if os.Getenv("FUSER_DUMP_SRC") == "" {
		return
	}
	path := fmt.Sprintf("__tmp_kernel_%d.cu", k.ID)
	if err := os.WriteFile(path, []byte(k.Source), 0o644); err != nil {
		gpudevice.Warn("fuser: failed to write kernel source dump", "path", path, "error", err)
		return
	}
	gpudevice.Info("fuser: dumped kernel source", "path", path, "kernel", k.Name)
}

// RunOptions carries the per-call knobs Run needs beyond the kernel and
// its inputs.
type RunOptions struct {
	Constraints  []launchparam.Constraint
	Compile      kernelcompiler.CompileParams
	NaNFill      bool
	PoolZeroInit bool
}

// Run executes one call against kernel (§6 run()), looking its Executor
// Entry up by the hash of this call's input shapes and dtypes.
func (x *Executor) Run(k *kernelir.Kernel, ev kernelir.Evaluator, inputs []launchengine.InputBinding, opts RunOptions) ([]*bufalloc.Tensor, error) {
	x.registerKernel(k)

	sizes := make([][]int64, len(inputs))
	for i, ib := range inputs {
		sizes[i] = ib.Sizes
	}
	dtypes := make([]kernelir.DType, len(k.Inputs))
	for i, tv := range k.Inputs {
		dtypes[i] = tv.DType
	}
	key := execcache.HashInputShapes(sizes, dtypes)
	entry := x.cache.GetOrCreate(key)

	return x.engine.Run(launchengine.RunParams{
		Kernel:       k,
		Entry:        entry,
		Evaluator:    ev,
		Constraints:  opts.Constraints,
		Compile:      opts.Compile,
		Inputs:       inputs,
		NaNFill:      opts.NaNFill,
		PoolZeroInit: opts.PoolZeroInit,
	})
}

// InferOutputSizes is the dry-run path from §6: resolved output
// descriptors without allocating or launching.
func (x *Executor) InferOutputSizes(k *kernelir.Kernel, ev kernelir.Evaluator) ([]*shapeinfer.AllocInfo, error) {
	infos := make([]*shapeinfer.AllocInfo, len(k.Outputs))
	for i, tv := range k.Outputs {
		info, err := shapeinfer.Output(tv, ev)
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}
	return infos, nil
}

// AllocOutputSpace allocates only the outputs (§6 allocOutputSpace()),
// for callers that fill them in themselves rather than launching.
func (x *Executor) AllocOutputSpace(k *kernelir.Kernel, ev kernelir.Evaluator, nanFill bool) ([]*bufalloc.Tensor, error) {
	outs := make([]*bufalloc.Tensor, len(k.Outputs))
	for i, tv := range k.Outputs {
		t, err := x.alloc.AllocateOutput(tv, ev, nanFill)
		if err != nil {
			return nil, err
		}
		outs[i] = t
	}
	return outs, nil
}

// CompileRTC compiles raw kernel text as a standalone, single-use kernel
// (§6's testing surface), bypassing shape inference entirely. structured
// indicates the source already carries its typedefs and index typedef;
// otherwise a comment line naming the index type is prepended (no
// typedefs are added).
func (x *Executor) CompileRTC(code, name string, structured bool, indexType kernelir.IndexType) (*kernelcompiler.Artifact, error) {
	src := code
	if !structured {
		src = wrapRTCSource(code, indexType)
	}
	id := int(-x.nextRTCID.Add(1)) // negative namespace, disjoint from fusion kernel IDs
	k := &kernelir.Kernel{ID: id, Name: name, Source: src, IndexType: indexType, Summary: &kernelir.Summary{}}
	x.registerKernel(k)
	return x.engine.Compile(k, kernelcompiler.CompileParams{})
}

func wrapRTCSource(code string, indexType kernelir.IndexType) string {
	idxName := "i32"
	if indexType == kernelir.IndexTypeInt64 {
		idxName = "i64"
	}
	return fmt.Sprintf("// fuser rtc index type: %s\n%s", idxName, code)
}

// RunRTC dispatches a CompileRTC artifact directly against the given
// tensors, bypassing launch-parameter resolution: grid and block are
// supplied by the caller rather than computed from a kernel summary.
func (x *Executor) RunRTC(artifact *kernelcompiler.Artifact, tensors []launchengine.InputBinding, grid, block [3]uint32) error {
	_ = block // block shape is baked into the compiled shader's workgroup_size; kept for signature symmetry with §6's runRtc(params, tensors, index_type)
	bgLayout, _, err := x.driver.CreateArgLayout(artifact.Name, len(tensors))
	if err != nil {
		return fmt.Errorf("fuser: runrtc layout: %w", err)
	}
	buffers := make([]hal.Buffer, len(tensors))
	for i, t := range tensors {
		buffers[i] = t.Buffer
	}
	return x.driver.Dispatch(artifact.Pipeline, bgLayout, buffers, grid[0], grid[1], grid[2])
}
