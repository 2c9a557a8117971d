// Package launchengine implements the per-call state machine that ties
// shape inference, shared-memory planning, launch-parameter resolution,
// buffer allocation, and kernel compilation into one dispatch (spec
// component 4.6).
package launchengine

import (
	"fmt"
	"sync"

	"github.com/gogpu/fuser/errs"
	"github.com/gogpu/fuser/internal/bufalloc"
	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/fuser/internal/kernelcompiler"
	"github.com/gogpu/fuser/internal/launchparam"
	"github.com/gogpu/fuser/internal/shapeinfer"
	"github.com/gogpu/fuser/internal/smem"
	"github.com/gogpu/fuser/kernelir"
	"github.com/gogpu/wgpu/hal"
)

// InputBinding is one already-materialised input tensor handed to a
// launch: its device buffer plus the sizes/strides the kernel's input
// TensorView resolves to for this call.
type InputBinding struct {
	Buffer  hal.Buffer
	Handle  uint64
	Sizes   []int64
	Strides []int64
}

// RunParams is everything one Run call needs beyond the engine's own
// device and allocator.
type RunParams struct {
	Kernel      *kernelir.Kernel
	Entry       *Entry
	Evaluator   kernelir.Evaluator
	Constraints []launchparam.Constraint
	Compile     kernelcompiler.CompileParams
	Inputs      []InputBinding

	// NaNFill requests that newly allocated outputs and non-zero-init
	// intermediates be filled with their dtype's NaN sentinel; PoolZeroInit
	// requests zero-init intermediates come from the pool rather than a
	// fresh zeroed allocation.
	NaNFill      bool
	PoolZeroInit bool
}

// kernelLayout is the bind-group/pipeline layout built once per kernel,
// sized to its total global-buffer parameter count.
type kernelLayout struct {
	bgLayout hal.BindGroupLayout
	pLayout  hal.PipelineLayout
}

// Engine owns the device driver and buffer allocator shared by every
// kernel it launches, plus the per-kernel compiler and layout state.
// Grounded on internal/gpu/compute_pass.go's ComputePassEncoder for the
// overall record-dispatch-end shape, adapted into a single state-machine
// method rather than an exposed recording API, since the spec gives the
// caller no access to individual pass commands.
type Engine struct {
	driver gpudevice.Driver
	alloc  *bufalloc.Allocator

	mu        sync.Mutex
	compilers map[int]*kernelcompiler.Compiler
	layouts   map[int]kernelLayout
}

// NewEngine creates an Engine backed by driver and alloc.
func NewEngine(driver gpudevice.Driver, alloc *bufalloc.Allocator) *Engine {
	return &Engine{
		driver:    driver,
		alloc:     alloc,
		compilers: make(map[int]*kernelcompiler.Compiler),
		layouts:   make(map[int]kernelLayout),
	}
}

// Run executes the full §4.6 flow for one call against kernel, returning
// the materialised output tensors.
func (e *Engine) Run(p RunParams) ([]*bufalloc.Tensor, error) {
	k := p.Kernel
	ev := p.Evaluator

	// 1. InputsBound.
	if len(p.Inputs) != len(k.Inputs) {
		return nil, fmt.Errorf("%w: got %d input bindings, kernel has %d inputs", errs.ErrRankMismatch, len(p.Inputs), len(k.Inputs))
	}
	for i, tv := range k.Inputs {
		ib := p.Inputs[i]
		ev.BindTensor(tv.Name, ib.Sizes, ib.Strides)
	}

	if k.IsPureEval {
		for _, tv := range k.Outputs {
			if _, err := shapeinfer.Output(tv, ev); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	interViews := intermediateViews(k)

	// 2. EntryReady.
	entry := p.Entry
	if !entry.IsInitialized() {
		params, err := launchparam.Resolve(k.Summary, ev, p.Constraints)
		if err != nil {
			return nil, err
		}

		outInfos := make([]*shapeinfer.AllocInfo, len(k.Outputs))
		for i, tv := range k.Outputs {
			info, err := shapeinfer.Output(tv, ev)
			if err != nil {
				return nil, err
			}
			outInfos[i] = info
		}

		interInfos := make([]*shapeinfer.AllocInfo, len(interViews))
		for i, tv := range interViews {
			info, err := shapeinfer.Intermediate(tv, ev)
			if err != nil {
				return nil, err
			}
			interInfos[i] = info
		}

		entry.MarkInitialized(params, outInfos, interInfos, k.Summary.OutputShapeDependsOnScalar)
	}

	entry.mu.Lock()
	params := entry.Params
	entry.mu.Unlock()

	// 3. KernelReady.
	compiler, layout, err := e.compilerFor(k)
	if err != nil {
		return nil, err
	}
	artifact, err := compiler.EnsureCompiled(p.Compile)
	if err != nil {
		return nil, err
	}

	// 4. Allocate outputs.
	outputs := make([]*bufalloc.Tensor, len(k.Outputs))
	for i, tv := range k.Outputs {
		t, err := e.alloc.AllocateOutput(tv, ev, p.NaNFill)
		if err != nil {
			return nil, fmt.Errorf("launchengine: allocate output %q: %w", tv.Name, err)
		}
		outputs[i] = t
	}

	// 5. Allocate intermediates.
	intermediates := make([]*bufalloc.Tensor, len(interViews))
	for i, tv := range interViews {
		t, err := e.alloc.AllocateIntermediate(tv, ev, p.PoolZeroInit, p.NaNFill)
		if err != nil {
			return nil, fmt.Errorf("launchengine: allocate intermediate %q: %w", tv.Name, err)
		}
		intermediates[i] = t
	}

	// 6. ArgsBuilt: materialise (or in-place rewrite) the host-side
	// argument buffer per parameter. Uploading these bytes to a device
	// parameter buffer is the out-of-scope launch primitive's job; the
	// engine addresses each tensor directly in the bind group it builds
	// for Dispatch below.
	entry.mu.Lock()
	rebuildArgBuffers(entry, k.IndexType, p.Inputs, outputs, intermediates)
	entry.mu.Unlock()

	// 7. Launched.
	staticSmem, err := smem.StaticTotal(k.Summary, ev)
	if err != nil {
		return nil, err
	}
	if err := compiler.ValidateSmem(artifact, int(staticSmem), int(params.DynamicSmemBytes)); err != nil {
		return nil, err
	}
	blockSize := int(params.BlockX * params.BlockY * params.BlockZ)
	gridSize := params.GridX * params.GridY * params.GridZ
	if err := compiler.ValidateCooperative(artifact, blockSize, int(params.DynamicSmemBytes), gridSize); err != nil {
		return nil, err
	}

	buffers := make([]hal.Buffer, 0, len(p.Inputs)+len(outputs)+len(intermediates))
	for _, ib := range p.Inputs {
		buffers = append(buffers, ib.Buffer)
	}
	for _, t := range outputs {
		buffers = append(buffers, t.Buffer)
	}
	for _, t := range intermediates {
		buffers = append(buffers, t.Buffer)
	}

	if err := e.driver.Dispatch(artifact.Pipeline, layout.bgLayout, buffers, uint32(params.GridX), uint32(params.GridY), uint32(params.GridZ)); err != nil {
		return nil, fmt.Errorf("launchengine: dispatch %q: %w", k.Name, err)
	}

	// 8. Done: intermediates do not outlive one call.
	for _, t := range intermediates {
		e.alloc.Release(t)
	}

	return outputs, nil
}

// Compile ensures kernel is compiled for the given compile-time params
// without allocating or launching anything -- the standalone compile()
// entry point from §6, as distinct from the full Run flow.
func (e *Engine) Compile(k *kernelir.Kernel, params kernelcompiler.CompileParams) (*kernelcompiler.Artifact, error) {
	compiler, _, err := e.compilerFor(k)
	if err != nil {
		return nil, err
	}
	return compiler.EnsureCompiled(params)
}

// RestoreCompiled reloads kernel's compiled artefact from a previously
// persisted binary (§6 "Persisted state"), without rerunning naga.
func (e *Engine) RestoreCompiled(k *kernelir.Kernel, words []uint32, blockSize, registerCeiling int) (*kernelcompiler.Artifact, error) {
	compiler, _, err := e.compilerFor(k)
	if err != nil {
		return nil, err
	}
	return compiler.RestoreArtifact(words, blockSize, registerCeiling)
}

// Artifacts returns every kernel's current compiled artefact, keyed by
// kernel ID, for the persisted-state snapshot path (§6). Kernels never
// compiled are omitted.
func (e *Engine) Artifacts() map[int]*kernelcompiler.Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]*kernelcompiler.Artifact, len(e.compilers))
	for id, c := range e.compilers {
		if a := c.CurrentArtifact(); a != nil {
			out[id] = a
		}
	}
	return out
}

// compilerFor returns (creating on first use) the Compiler and bind
// layout for kernel.ID.
func (e *Engine) compilerFor(k *kernelir.Kernel) (*kernelcompiler.Compiler, kernelLayout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.compilers[k.ID]; ok {
		return c, e.layouts[k.ID], nil
	}

	numBuffers := len(k.Inputs) + len(k.Outputs) + len(intermediateViews(k))
	bgLayout, pLayout, err := e.driver.CreateArgLayout(k.Name, numBuffers)
	if err != nil {
		return nil, kernelLayout{}, fmt.Errorf("launchengine: build layout for %q: %w", k.Name, err)
	}

	layout := kernelLayout{bgLayout: bgLayout, pLayout: pLayout}
	compiler := kernelcompiler.New(e.driver, pLayout, k)
	e.compilers[k.ID] = compiler
	e.layouts[k.ID] = layout
	return compiler, layout, nil
}

// intermediateViews returns the kernel's global allocations that are not
// also one of its outputs.
func intermediateViews(k *kernelir.Kernel) []*kernelir.TensorView {
	isOutput := make(map[string]bool, len(k.Outputs))
	for _, tv := range k.Outputs {
		isOutput[tv.Name] = true
	}
	var views []*kernelir.TensorView
	for _, tv := range k.Summary.GlobalAllocations {
		if !isOutput[tv.Name] {
			views = append(views, tv)
		}
	}
	return views
}

// rebuildArgBuffers fills entry.ArgBuffers in input/output/intermediate
// order, rewriting an existing same-rank buffer in place (the E5
// scenario) and only reallocating when the rank or index width changed.
func rebuildArgBuffers(entry *Entry, indexType kernelir.IndexType, inputs []InputBinding, outputs, intermediates []*bufalloc.Tensor) {
	total := len(inputs) + len(outputs) + len(intermediates)
	if cap(entry.ArgBuffers) < total {
		entry.ArgBuffers = make([]*ArgBuffer, total)
	} else {
		entry.ArgBuffers = entry.ArgBuffers[:total]
	}

	idx := 0
	put := func(handle uint64, sizes, strides []int64) {
		existing := entry.ArgBuffers[idx]
		if existing != nil && existing.isTensor && existing.rank == len(sizes) && existing.indexType == indexType {
			existing.RewriteTensor(handle, sizes, strides)
		} else {
			entry.ArgBuffers[idx] = NewTensorArgBuffer(indexType, handle, sizes, strides)
		}
		idx++
	}

	for _, ib := range inputs {
		put(ib.Handle, ib.Sizes, ib.Strides)
	}
	for _, t := range outputs {
		put(t.Handle, t.Info.Sizes, t.Info.Strides)
	}
	for _, t := range intermediates {
		put(t.Handle, t.Info.Sizes, t.Info.Strides)
	}
}
